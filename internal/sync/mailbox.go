package sync

import (
	gosync "sync"

	tea "github.com/charmbracelet/bubbletea"
)

// mailbox queues messages for the TUI without blocking publishers.
// Session messages are always kept in order. Feed, connection and
// resync messages replace a pending message of the same type, so the
// queue stays short however fast the feed changes.
type mailbox struct {
	mu    gosync.Mutex
	queue []tea.Msg
	wake  chan struct{}
	done  <-chan struct{}
}

func newMailbox(done <-chan struct{}) *mailbox {
	return &mailbox{
		wake: make(chan struct{}, 1),
		done: done,
	}
}

// put enqueues msg, coalescing it with a pending message of its type.
func (b *mailbox) put(msg tea.Msg) {
	b.mu.Lock()
	if coalesces(msg) {
		for i, pending := range b.queue {
			if sameType(pending, msg) {
				b.queue[i] = msg
				b.mu.Unlock()
				return
			}
		}
	}
	b.queue = append(b.queue, msg)
	b.mu.Unlock()
	b.signal()
}

// next blocks until a message is queued. ok is false once done closes.
func (b *mailbox) next() (msg tea.Msg, ok bool) {
	for {
		b.mu.Lock()
		if len(b.queue) > 0 {
			msg = b.queue[0]
			b.queue[0] = nil
			b.queue = b.queue[1:]
			more := len(b.queue) > 0
			b.mu.Unlock()
			if more {
				b.signal()
			}
			return msg, true
		}
		b.mu.Unlock()

		select {
		case <-b.wake:
		case <-b.done:
			return nil, false
		}
	}
}

// pending returns the number of queued messages.
func (b *mailbox) pending() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.queue)
}

func (b *mailbox) signal() {
	select {
	case b.wake <- struct{}{}:
	default:
	}
}

func coalesces(msg tea.Msg) bool {
	switch msg.(type) {
	case FeedMsg, ConnectionMsg, ResyncMsg:
		return true
	default:
		return false
	}
}

func sameType(a, b tea.Msg) bool {
	switch a.(type) {
	case FeedMsg:
		_, ok := b.(FeedMsg)
		return ok
	case ConnectionMsg:
		_, ok := b.(ConnectionMsg)
		return ok
	case ResyncMsg:
		_, ok := b.(ResyncMsg)
		return ok
	default:
		return false
	}
}
