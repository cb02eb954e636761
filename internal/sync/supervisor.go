// Package sync ties the session to the components scoped by it: it
// starts the realtime channel and loads the feed when a user logs in,
// tears both down when the session ends, and keeps the feed fresh with
// periodic and post-reconnect resyncs. Everything it observes is also
// forwarded to the TUI as tea.Msg values.
package sync

import (
	"context"
	"errors"
	gosync "sync"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/rs/zerolog"

	"github.com/nhle/familytree/internal/auth"
	"github.com/nhle/familytree/internal/model"
	"github.com/nhle/familytree/internal/notify"
	"github.com/nhle/familytree/internal/realtime"
	"github.com/nhle/familytree/internal/store"
)

// SyncState represents the state of the feed resync loop.
type SyncState int

const (
	SyncIdle SyncState = iota
	SyncRunning
	SyncError
)

// SyncStatus holds the resync state.
type SyncStatus struct {
	State    SyncState
	LastSync time.Time
	Error    error
}

// SessionMsg is a tea.Msg sent on every session transition.
type SessionMsg struct {
	Session model.Session
	Expired bool
}

// FeedMsg is a tea.Msg carrying the latest feed snapshot.
type FeedMsg struct {
	Snapshot notify.Snapshot
}

// ConnectionMsg is a tea.Msg sent when the realtime state changes.
type ConnectionMsg struct {
	State realtime.State
}

// ResyncMsg is a tea.Msg sent when a feed resync completes.
type ResyncMsg struct {
	Error error
}

// DefaultInterval is the resync period when none is configured.
const DefaultInterval = 5 * time.Minute

// resyncTimeout is the maximum time allowed for a single baseline load.
const resyncTimeout = 30 * time.Second

// Option configures a Supervisor.
type Option func(*Supervisor)

// WithLogger sets the supervisor's logger.
func WithLogger(log zerolog.Logger) Option {
	return func(s *Supervisor) { s.log = log }
}

// WithInterval sets the periodic resync interval. Zero disables it.
func WithInterval(d time.Duration) Option {
	return func(s *Supervisor) { s.interval = d }
}

// WithStore enables clearing the cached feed when a session ends.
func WithStore(st store.Store) Option {
	return func(s *Supervisor) { s.store = st }
}

// Supervisor binds the realtime channel and the notification feed to
// the session owned by an auth.Manager.
type Supervisor struct {
	auth     *auth.Manager
	channel  *realtime.Channel
	feed     *notify.Sync
	store    store.Store
	log      zerolog.Logger
	interval time.Duration

	inbox     *mailbox
	triggerCh chan struct{}
	stopCh    chan struct{}

	mu      gosync.Mutex
	running bool
	cancels []func()
	status  SyncStatus
	loopWG  gosync.WaitGroup
}

// New creates a Supervisor. Call Start to begin observing the session.
func New(a *auth.Manager, ch *realtime.Channel, feed *notify.Sync, opts ...Option) *Supervisor {
	stopCh := make(chan struct{})
	s := &Supervisor{
		auth:      a,
		channel:   ch,
		feed:      feed,
		log:       zerolog.Nop(),
		interval:  DefaultInterval,
		inbox:     newMailbox(stopCh),
		triggerCh: make(chan struct{}, 1),
		stopCh:    stopCh,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Start subscribes to the session, channel and feed, activates the
// current session if there is one, and starts the resync loop. The
// returned command delivers the first message to the Bubble Tea runtime.
func (s *Supervisor) Start() (tea.Cmd, error) {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return nil, nil
	}
	s.running = true
	s.mu.Unlock()

	subs := []func() (func(), error){
		func() (func(), error) { return s.auth.Subscribe(s.onSession) },
		func() (func(), error) { return s.channel.Subscribe(s.feed.OnPushEvent) },
		func() (func(), error) { return s.channel.SubscribeState(s.onConnection) },
		func() (func(), error) {
			return s.feed.Subscribe(func(snap notify.Snapshot) { s.send(FeedMsg{Snapshot: snap}) })
		},
	}
	for _, sub := range subs {
		cancel, err := sub()
		if err != nil {
			s.unsubscribe()
			return nil, err
		}
		s.mu.Lock()
		s.cancels = append(s.cancels, cancel)
		s.mu.Unlock()
	}

	s.loopWG.Add(1)
	go s.loop()

	if sess := s.auth.CurrentSession(); sess.Active() {
		s.activate(sess.User)
	}

	return s.waitForMsg(), nil
}

// Stop halts the resync loop, disconnects the channel and drops all
// subscriptions. The session itself is left untouched. A stopped
// Supervisor cannot be started again.
func (s *Supervisor) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	close(s.stopCh)
	s.mu.Unlock()

	s.unsubscribe()
	s.loopWG.Wait()
	s.channel.Stop()
}

// Logout ends the session and tears down the channel and feed before
// returning, independent of event delivery.
func (s *Supervisor) Logout(ctx context.Context) {
	prev := s.auth.CurrentSession()
	s.auth.Logout(ctx)
	s.deactivate(prev.User.ID)
}

// Resync triggers an immediate baseline reload.
func (s *Supervisor) Resync() tea.Cmd {
	select {
	case s.triggerCh <- struct{}{}:
	default:
		// A resync is already pending.
	}
	return nil
}

// Status returns the resync state.
func (s *Supervisor) Status() SyncStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

// WaitForNextMsg returns a tea.Cmd that waits for the next message.
// It should be re-issued after each message is handled. After Stop the
// command yields nil.
func (s *Supervisor) WaitForNextMsg() tea.Cmd {
	return s.waitForMsg()
}

func (s *Supervisor) waitForMsg() tea.Cmd {
	return func() tea.Msg {
		msg, ok := s.inbox.next()
		if !ok {
			return nil
		}
		return msg
	}
}

func (s *Supervisor) onSession(evt auth.Event) {
	expired := evt.Kind == auth.SessionExpired
	s.send(SessionMsg{Session: evt.Session, Expired: expired})

	switch {
	case expired || !evt.Session.Active():
		s.deactivate(evt.Previous.User.ID)
	case evt.IdentityChanged():
		s.activate(evt.Session.User)
	}
}

func (s *Supervisor) onConnection(state realtime.State) {
	s.send(ConnectionMsg{State: state})
	if state == realtime.Connected {
		// Pushes sent while disconnected are only recoverable by reload.
		s.Resync()
	}
}

// activate scopes the feed to user, connects the channel and schedules
// the initial baseline load.
func (s *Supervisor) activate(user model.UserSummary) {
	s.log.Info().Str("user_id", user.ID).Msg("activating session components")
	s.feed.Bind(user)
	s.channel.Start()
	s.Resync()
}

// deactivate disconnects the channel and empties the feed. It is safe
// to call repeatedly.
func (s *Supervisor) deactivate(userID string) {
	s.channel.Stop()
	s.feed.Reset()

	if s.store != nil && userID != "" {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.store.ClearFeed(ctx, userID); err != nil {
			s.log.Warn().Err(err).Str("user_id", userID).Msg("clearing cached feed")
		}
	}
}

// loop runs periodic and triggered resyncs until Stop.
func (s *Supervisor) loop() {
	defer s.loopWG.Done()

	var tick <-chan time.Time
	if s.interval > 0 {
		ticker := time.NewTicker(s.interval)
		defer ticker.Stop()
		tick = ticker.C
	}

	for {
		select {
		case <-s.stopCh:
			return
		case <-tick:
			s.resync()
		case <-s.triggerCh:
			s.resync()
		}
	}
}

// resync reloads the feed baseline when a session is active.
func (s *Supervisor) resync() {
	if !s.auth.CurrentSession().Active() {
		return
	}

	s.setStatus(SyncRunning, nil)

	ctx, cancel := context.WithTimeout(context.Background(), resyncTimeout)
	defer cancel()

	err := s.feed.LoadBaseline(ctx)
	switch {
	case err == nil:
		s.setStatus(SyncIdle, nil)
	case errors.Is(err, notify.ErrFeedReset):
		// The session ended mid-load; nothing to report.
		s.setStatus(SyncIdle, nil)
		return
	default:
		s.log.Warn().Err(err).Msg("feed resync failed")
		s.setStatus(SyncError, err)
	}
	s.send(ResyncMsg{Error: err})
}

func (s *Supervisor) setStatus(state SyncState, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.status.State = state
	s.status.Error = err
	if state == SyncIdle && err == nil {
		s.status.LastSync = time.Now()
	}
}

func (s *Supervisor) unsubscribe() {
	s.mu.Lock()
	cancels := s.cancels
	s.cancels = nil
	s.mu.Unlock()

	for _, cancel := range cancels {
		cancel()
	}
}

// send queues msg for the TUI without blocking the publisher.
func (s *Supervisor) send(msg tea.Msg) {
	s.inbox.put(msg)
}
