package sync

import (
	"testing"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nhle/familytree/internal/model"
	"github.com/nhle/familytree/internal/notify"
	"github.com/nhle/familytree/internal/realtime"
)

func TestMailbox_KeepsSessionMsgsAndLatestSnapshot(t *testing.T) {
	b := newMailbox(make(chan struct{}))

	login := SessionMsg{Session: model.Session{Status: model.StatusAuthenticated}}
	logout := SessionMsg{Session: model.Session{Status: model.StatusAnonymous}}

	b.put(login)
	for v := range uint64(100) {
		b.put(FeedMsg{Snapshot: notify.Snapshot{Version: v}})
	}
	b.put(ConnectionMsg{State: realtime.Connecting})
	b.put(ConnectionMsg{State: realtime.Connected})
	b.put(logout)

	var got []tea.Msg
	for b.pending() > 0 {
		msg, ok := b.next()
		require.True(t, ok)
		got = append(got, msg)
	}

	assert.Equal(t, []tea.Msg{
		login,
		FeedMsg{Snapshot: notify.Snapshot{Version: 99}},
		ConnectionMsg{State: realtime.Connected},
		logout,
	}, got)
}

func TestMailbox_NextWakesOnPut(t *testing.T) {
	b := newMailbox(make(chan struct{}))

	got := make(chan tea.Msg, 1)
	go func() {
		msg, _ := b.next()
		got <- msg
	}()

	b.put(ResyncMsg{})

	select {
	case msg := <-got:
		assert.Equal(t, ResyncMsg{}, msg)
	case <-time.After(waitFor):
		t.Fatal("next did not wake")
	}
}

func TestMailbox_NextReturnsAfterDone(t *testing.T) {
	done := make(chan struct{})
	b := newMailbox(done)
	close(done)

	msg, ok := b.next()

	assert.False(t, ok)
	assert.Nil(t, msg)
}
