package auth

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"

	"github.com/nhle/familytree/internal/api"
	"github.com/nhle/familytree/internal/credential"
	"github.com/nhle/familytree/internal/events"
	"github.com/nhle/familytree/internal/metrics"
	"github.com/nhle/familytree/internal/model"
)

// DefaultRefreshTimeout bounds a refresh when no timeout is configured.
const DefaultRefreshTimeout = 10 * time.Second

const refreshKey = "refresh"

// Option configures a Manager.
type Option func(*Manager)

// WithLogger sets the manager's logger.
func WithLogger(log zerolog.Logger) Option {
	return func(m *Manager) { m.log = log }
}

// WithRefreshTimeout bounds every refresh call.
func WithRefreshTimeout(d time.Duration) Option {
	return func(m *Manager) {
		if d > 0 {
			m.refreshTimeout = d
		}
	}
}

// WithSubscriberLimit caps the number of event subscribers.
func WithSubscriberLimit(n int) Option {
	return func(m *Manager) { m.bus = events.NewBus[Event](n) }
}

// Manager is the single authority over the client session.
type Manager struct {
	client         *api.Client
	store          credential.Store
	log            zerolog.Logger
	refreshTimeout time.Duration
	bus            *events.Bus[Event]
	flight         singleflight.Group

	// lastTurn is closed once the most recent Refresh caller has been
	// released. Each caller waits for its predecessor, so callers sharing
	// a refresh return in the order they asked for it.
	turnMu   sync.Mutex
	lastTurn chan struct{}
	// onRelease runs just before a caller passes its turn on. Tests
	// use it to observe release order.
	onRelease func(ctx context.Context)

	mu      sync.RWMutex
	session model.Session
	// epoch increments whenever the session is replaced or destroyed.
	// Operations started under an older epoch must not write back.
	epoch         uint64
	cancelRefresh context.CancelFunc
}

// NewManager creates a Manager and installs it as the client's token
// source. The session starts anonymous; call Restore to load stored
// credentials.
func NewManager(client *api.Client, store credential.Store, opts ...Option) *Manager {
	m := &Manager{
		client:         client,
		store:          store,
		log:            zerolog.Nop(),
		refreshTimeout: DefaultRefreshTimeout,
		bus:            events.NewBus[Event](events.DefaultLimit),
		session:        model.Session{Status: model.StatusAnonymous},
	}
	for _, opt := range opts {
		opt(m)
	}
	client.SetTokenSource(m)
	return m
}

// Subscribe registers fn for session events.
func (m *Manager) Subscribe(fn func(Event)) (cancel func(), err error) {
	return m.bus.Subscribe(fn)
}

// CurrentSession returns a snapshot of the session.
func (m *Manager) CurrentSession() model.Session {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.session
}

// AccessToken implements api.TokenSource.
func (m *Manager) AccessToken() string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if !m.session.Active() {
		return ""
	}
	return m.session.AccessToken
}

// CanRefresh implements api.TokenSource.
func (m *Manager) CanRefresh() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.session.Active() && m.session.RefreshToken != ""
}

// Expire implements api.TokenSource. It ends the session when token is
// still the current access token and no refresh token is held.
func (m *Manager) Expire(token string, cause error) {
	m.mu.Lock()
	if !m.session.Active() || token == "" || m.session.AccessToken != token || m.session.RefreshToken != "" {
		m.mu.Unlock()
		return
	}
	m.expireLocked(cause)
}

// Restore loads stored credentials and, when present, activates the
// session and refreshes the user snapshot from GET /user/profile. A
// profile request that ends in a terminal 401 logs the session out.
func (m *Manager) Restore(ctx context.Context) (model.Session, error) {
	creds, err := m.store.Get()
	if errors.Is(err, credential.ErrNoCredentials) {
		return m.CurrentSession(), nil
	}
	if err != nil {
		return m.CurrentSession(), fmt.Errorf("loading stored credentials: %w", err)
	}

	m.mu.Lock()
	if m.session.Status != model.StatusAnonymous {
		sess := m.session
		m.mu.Unlock()
		return sess, nil
	}
	prev := m.session
	m.epoch++
	m.session = model.Session{
		AccessToken:  creds.AccessToken,
		RefreshToken: creds.RefreshToken,
		User:         creds.User,
		Status:       model.StatusAuthenticated,
	}
	sess := m.session
	m.mu.Unlock()

	m.log.Info().Str("user_id", sess.User.ID).Msg("session restored from store")
	m.bus.Publish(Event{Kind: SessionChanged, Session: sess, Previous: prev})

	if _, err := m.LoadProfile(ctx); err != nil {
		if api.IsUnauthorized(err) {
			m.Logout(ctx)
		}
		return m.CurrentSession(), err
	}
	return m.CurrentSession(), nil
}

// LoadProfile fetches the current user and updates the stored snapshot.
func (m *Manager) LoadProfile(ctx context.Context) (model.UserSummary, error) {
	m.mu.RLock()
	epoch := m.epoch
	m.mu.RUnlock()

	var payload profilePayload
	if err := m.client.Get(ctx, "/user/profile", nil, &payload); err != nil {
		return model.UserSummary{}, fmt.Errorf("loading profile: %w", err)
	}

	m.mu.Lock()
	if m.epoch != epoch || !m.session.Active() {
		m.mu.Unlock()
		return model.UserSummary{}, ErrSessionEnded
	}
	prev := m.session
	m.session.User = payload.User
	sess := m.session
	m.persistLocked()
	m.mu.Unlock()

	if prev.User != sess.User {
		m.bus.Publish(Event{Kind: SessionChanged, Session: sess, Previous: prev})
	}
	return payload.User, nil
}

// Login authenticates with email and password.
func (m *Manager) Login(ctx context.Context, email, password string) (model.Session, error) {
	epoch, err := m.beginAuthentication()
	if err != nil {
		return model.Session{}, err
	}

	var payload authPayload
	err = m.client.Do(ctx, api.Request{
		Method:    http.MethodPost,
		Path:      "/auth/login",
		Body:      loginRequest{Email: email, Password: password},
		Anonymous: true,
	}, &payload)
	if err != nil {
		m.abortAuthentication(epoch)
		return model.Session{}, credentialError(err, false)
	}

	return m.establish(epoch, payload)
}

// Signup registers a new account and logs it in.
func (m *Manager) Signup(ctx context.Context, req model.SignupRequest) (model.Session, error) {
	if err := validateSignup(req); err != nil {
		return model.Session{}, err
	}

	epoch, err := m.beginAuthentication()
	if err != nil {
		return model.Session{}, err
	}

	var payload authPayload
	err = m.client.Do(ctx, api.Request{
		Method:    http.MethodPost,
		Path:      "/auth/signup",
		Body:      req,
		Anonymous: true,
	}, &payload)
	if err != nil {
		m.abortAuthentication(epoch)
		return model.Session{}, credentialError(err, true)
	}

	return m.establish(epoch, payload)
}

// Logout notifies the server (best effort), then clears the session and
// the store. It is safe to call in any state.
func (m *Manager) Logout(ctx context.Context) {
	m.mu.RLock()
	hasToken := m.session.Active() && m.session.AccessToken != ""
	m.mu.RUnlock()

	if hasToken {
		err := m.client.Do(ctx, api.Request{
			Method:    http.MethodPost,
			Path:      "/auth/logout",
			NoRefresh: true,
		}, nil)
		if err != nil {
			m.log.Warn().Err(err).Msg("server logout failed; clearing local session anyway")
		}
	}

	m.mu.Lock()
	prev := m.session
	m.epoch++
	if m.cancelRefresh != nil {
		m.cancelRefresh()
		m.cancelRefresh = nil
	}
	m.session = model.Session{Status: model.StatusAnonymous}
	if err := m.store.Clear(); err != nil {
		m.log.Error().Err(err).Msg("clearing stored credentials")
	}
	sess := m.session
	m.mu.Unlock()

	if prev.Status != model.StatusAnonymous {
		m.log.Info().Str("user_id", prev.User.ID).Msg("logged out")
		m.bus.Publish(Event{Kind: SessionChanged, Session: sess, Previous: prev})
	}
}

// Refresh obtains a new access token. Concurrent callers share one
// network call and return in the order they called. The caller's ctx
// only bounds how long it waits; the refresh itself runs under the
// manager's refresh timeout.
func (m *Manager) Refresh(ctx context.Context) (string, error) {
	prev, turn := m.takeTurn()
	ch := m.flight.DoChan(refreshKey, func() (any, error) {
		return m.refresh()
	})

	var res singleflight.Result
	select {
	case res = <-ch:
	case <-ctx.Done():
		go releaseAfter(prev, turn)
		return "", refreshError(ctx.Err())
	}

	// The shared result is ready; earlier callers go first.
	select {
	case <-prev:
	case <-ctx.Done():
		go releaseAfter(prev, turn)
		return "", refreshError(ctx.Err())
	}
	if m.onRelease != nil {
		m.onRelease(ctx)
	}
	close(turn)

	if res.Err != nil {
		return "", res.Err
	}
	return res.Val.(string), nil
}

// takeTurn queues the caller behind the previous Refresh caller.
func (m *Manager) takeTurn() (prev <-chan struct{}, turn chan struct{}) {
	m.turnMu.Lock()
	defer m.turnMu.Unlock()

	p := m.lastTurn
	if p == nil {
		p = make(chan struct{})
		close(p)
	}
	turn = make(chan struct{})
	m.lastTurn = turn
	return p, turn
}

// releaseAfter passes the turn on once the predecessor has gone, so a
// caller that gave up never holds back the ones behind it.
func releaseAfter(prev <-chan struct{}, turn chan struct{}) {
	<-prev
	close(turn)
}

// refresh performs the single underlying refresh call.
func (m *Manager) refresh() (string, error) {
	m.mu.Lock()
	if !m.session.Active() || m.session.RefreshToken == "" {
		m.mu.Unlock()
		return "", refreshError(errors.New("no refresh token"))
	}
	epoch := m.epoch
	refreshToken := m.session.RefreshToken
	ctx, cancel := context.WithTimeout(context.Background(), m.refreshTimeout)
	m.cancelRefresh = cancel
	m.session.Status = model.StatusRefreshing
	m.mu.Unlock()
	defer cancel()

	m.log.Debug().Msg("refreshing access token")

	var payload authPayload
	err := m.client.Do(ctx, api.Request{
		Method:    http.MethodPost,
		Path:      "/auth/refresh",
		Body:      refreshRequest{RefreshToken: refreshToken},
		Anonymous: true,
	}, &payload)
	if err == nil && payload.access() == "" {
		err = errors.New("refresh response carried no access token")
	}

	m.mu.Lock()
	if m.epoch != epoch {
		m.mu.Unlock()
		metrics.RefreshTotal.WithLabelValues("discarded").Inc()
		return "", refreshError(ErrSessionEnded)
	}
	m.cancelRefresh = nil

	if err != nil {
		metrics.RefreshTotal.WithLabelValues("failure").Inc()
		m.expireLocked(err)
		return "", refreshError(err)
	}

	metrics.RefreshTotal.WithLabelValues("success").Inc()
	m.session.AccessToken = payload.access()
	if rotated := payload.refresh(); rotated != "" {
		m.session.RefreshToken = rotated
	}
	m.session.Status = model.StatusAuthenticated
	token := m.session.AccessToken
	m.persistLocked()
	m.mu.Unlock()

	m.log.Debug().Msg("access token refreshed")
	return token, nil
}

// expireLocked moves the session to Expired, clears the store, publishes
// session-expired and then resets to anonymous. It must be called with
// m.mu held and returns with it released.
func (m *Manager) expireLocked(cause error) {
	prev := m.session
	m.epoch++
	epoch := m.epoch
	m.session = model.Session{User: prev.User, Status: model.StatusExpired}
	if err := m.store.Clear(); err != nil {
		m.log.Error().Err(err).Msg("clearing stored credentials")
	}
	expired := m.session
	m.mu.Unlock()

	m.log.Warn().Err(cause).Str("user_id", prev.User.ID).Msg("session expired")
	m.bus.Publish(Event{Kind: SessionExpired, Session: expired, Previous: prev})

	m.mu.Lock()
	if m.epoch != epoch {
		// A handler already logged out or a new login started.
		m.mu.Unlock()
		return
	}
	m.session = model.Session{Status: model.StatusAnonymous}
	anon := m.session
	m.mu.Unlock()

	m.bus.Publish(Event{Kind: SessionChanged, Session: anon, Previous: expired})
}

// beginAuthentication moves an anonymous or expired session into
// Authenticating and returns the epoch that owns the attempt.
func (m *Manager) beginAuthentication() (uint64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	switch m.session.Status {
	case model.StatusAnonymous, model.StatusExpired:
	default:
		return 0, ErrSessionActive
	}

	m.epoch++
	m.session = model.Session{Status: model.StatusAuthenticating}
	return m.epoch, nil
}

// abortAuthentication returns a failed attempt to anonymous.
func (m *Manager) abortAuthentication(epoch uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.epoch == epoch {
		m.session = model.Session{Status: model.StatusAnonymous}
	}
}

// establish installs the session described by payload.
func (m *Manager) establish(epoch uint64, payload authPayload) (model.Session, error) {
	if payload.access() == "" {
		m.abortAuthentication(epoch)
		return model.Session{}, &api.Error{
			Kind:    api.ErrServer,
			Message: "response carried no access token",
		}
	}

	m.mu.Lock()
	if m.epoch != epoch {
		m.mu.Unlock()
		return model.Session{}, ErrSessionEnded
	}
	m.session = model.Session{
		AccessToken:  payload.access(),
		RefreshToken: payload.refresh(),
		User:         payload.User,
		Status:       model.StatusAuthenticated,
	}
	sess := m.session
	m.persistLocked()
	m.mu.Unlock()

	m.log.Info().Str("user_id", sess.User.ID).Msg("logged in")
	m.bus.Publish(Event{
		Kind:     SessionChanged,
		Session:  sess,
		Previous: model.Session{Status: model.StatusAnonymous},
	})
	return sess, nil
}

// persistLocked writes the session credentials to the store. Failures
// are logged: the in-memory session stays authoritative.
func (m *Manager) persistLocked() {
	err := m.store.Set(credential.Credentials{
		AccessToken:  m.session.AccessToken,
		RefreshToken: m.session.RefreshToken,
		User:         m.session.User,
	})
	if err != nil {
		m.log.Error().Err(err).Msg("persisting credentials")
	}
}
