// Package events is a small in-process publish/subscribe bus used to
// fan out session and feed changes to their observers.
package events

import (
	"errors"
	"slices"
	"sync"
)

// ErrTooManySubscribers is returned when the bus is at capacity.
var ErrTooManySubscribers = errors.New("subscriber limit reached")

// DefaultLimit is the subscriber capacity used when NewBus gets <= 0.
const DefaultLimit = 16

type subscriber[T any] struct {
	id uint64
	fn func(T)
}

// Bus delivers events of type T to a bounded list of handlers.
//
// Events are delivered one at a time in publish order, and each event
// reaches every handler in subscription order. A handler may publish
// again; the nested event is queued and delivered after the current one
// instead of recursing. When another goroutine is already delivering,
// Publish enqueues and returns without waiting.
type Bus[T any] struct {
	mu         sync.Mutex
	limit      int
	nextID     uint64
	subs       []subscriber[T]
	queue      []T
	delivering bool
}

// NewBus creates a bus accepting at most limit subscribers.
func NewBus[T any](limit int) *Bus[T] {
	if limit <= 0 {
		limit = DefaultLimit
	}
	return &Bus[T]{limit: limit}
}

// Subscribe registers fn and returns a function that removes it.
// The returned cancel func is safe to call more than once.
func (b *Bus[T]) Subscribe(fn func(T)) (cancel func(), err error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if len(b.subs) >= b.limit {
		return nil, ErrTooManySubscribers
	}

	b.nextID++
	id := b.nextID
	b.subs = append(b.subs, subscriber[T]{id: id, fn: fn})

	var once sync.Once
	return func() {
		once.Do(func() { b.unsubscribe(id) })
	}, nil
}

func (b *Bus[T]) unsubscribe(id uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.subs = slices.DeleteFunc(b.subs, func(s subscriber[T]) bool {
		return s.id == id
	})
}

// Publish queues evt and delivers pending events unless a delivery is
// already in progress.
func (b *Bus[T]) Publish(evt T) {
	b.mu.Lock()
	b.queue = append(b.queue, evt)
	if b.delivering {
		b.mu.Unlock()
		return
	}
	b.delivering = true

	for len(b.queue) > 0 {
		next := b.queue[0]
		b.queue = b.queue[1:]
		subs := slices.Clone(b.subs)
		b.mu.Unlock()

		for _, s := range subs {
			s.fn(next)
		}

		b.mu.Lock()
	}

	b.delivering = false
	b.mu.Unlock()
}

// Len returns the number of current subscribers.
func (b *Bus[T]) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs)
}
