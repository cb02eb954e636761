// Package realtime maintains the push connection that delivers
// notification and relationship events for the logged-in user.
package realtime

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/coder/websocket"
	"github.com/rs/zerolog"

	"github.com/nhle/familytree/internal/events"
	"github.com/nhle/familytree/internal/metrics"
)

// DefaultMaxBackoff caps the delay between reconnect attempts.
const DefaultMaxBackoff = 30 * time.Second

const readLimit = 1 << 20

// State is the connection state of the channel.
type State int

const (
	Disconnected State = iota
	Connecting
	Connected
)

func (s State) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	default:
		return "unknown"
	}
}

// TokenSource supplies the credential used at connect time. The auth
// manager implements it.
type TokenSource interface {
	AccessToken() string
	Refresh(ctx context.Context) (string, error)
}

// Option configures a Channel.
type Option func(*Channel)

// WithLogger sets the channel's logger.
func WithLogger(log zerolog.Logger) Option {
	return func(c *Channel) { c.log = log }
}

// WithBackoff bounds the reconnect delay.
func WithBackoff(initial, max time.Duration) Option {
	return func(c *Channel) {
		if initial > 0 {
			c.initialBackoff = initial
		}
		if max > 0 {
			c.maxBackoff = max
		}
	}
}

// WithHTTPClient sets the client used for the websocket handshake. It
// must not have a Timeout; the dial is bounded by the channel's context.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Channel) { c.httpClient = hc }
}

// Channel is a reconnecting push connection bound to one session.
//
// Start begins connecting with the current access token and keeps the
// connection alive until Stop is called or the token source reports no
// session. A handshake rejected with 401, or a connection closed with a
// policy violation, triggers a reconnect with the current token, or a
// refresh first when that token is the one that was rejected. A
// successful refresh on its own never forces a reconnect.
type Channel struct {
	url            string
	tokens         TokenSource
	log            zerolog.Logger
	httpClient     *http.Client
	initialBackoff time.Duration
	maxBackoff     time.Duration

	events *events.Bus[Event]
	states *events.Bus[State]

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}

	stateMu sync.RWMutex
	state   State
}

// New creates a Channel for the given websocket URL.
func New(url string, tokens TokenSource, opts ...Option) *Channel {
	c := &Channel{
		url:            url,
		tokens:         tokens,
		log:            zerolog.Nop(),
		initialBackoff: 500 * time.Millisecond,
		maxBackoff:     DefaultMaxBackoff,
		events:         events.NewBus[Event](events.DefaultLimit),
		states:         events.NewBus[State](events.DefaultLimit),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Subscribe registers fn for decoded push events. Handlers run on the
// channel's goroutine in arrival order and must not call Stop.
func (c *Channel) Subscribe(fn func(Event)) (cancel func(), err error) {
	return c.events.Subscribe(fn)
}

// SubscribeState registers fn for connection state changes. Handlers
// run on the channel's goroutine and must not call Stop.
func (c *Channel) SubscribeState(fn func(State)) (cancel func(), err error) {
	return c.states.Subscribe(fn)
}

// State returns the current connection state.
func (c *Channel) State() State {
	c.stateMu.RLock()
	defer c.stateMu.RUnlock()
	return c.state
}

// Start begins connecting. It is a no-op while already running.
func (c *Channel) Start() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.done != nil {
		select {
		case <-c.done:
		default:
			return
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	c.cancel = cancel
	c.done = make(chan struct{})
	go c.run(ctx, c.done)
}

// Stop closes the connection and returns once the channel is
// Disconnected. Calling Stop on a stopped channel does nothing.
func (c *Channel) Stop() {
	c.mu.Lock()
	cancel, done := c.cancel, c.done
	c.cancel, c.done = nil, nil
	c.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	<-done
}

func (c *Channel) setState(s State) {
	c.stateMu.Lock()
	if c.state == s {
		c.stateMu.Unlock()
		return
	}
	c.state = s
	c.stateMu.Unlock()

	c.log.Debug().Str("state", s.String()).Msg("realtime state")
	c.states.Publish(s)
}

func (c *Channel) newBackoff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = c.initialBackoff
	b.MaxInterval = c.maxBackoff
	b.MaxElapsedTime = 0
	b.Reset()
	return b
}

// run is the connection loop. It exits when ctx is cancelled, when the
// session is gone, or when a refresh fails.
func (c *Channel) run(ctx context.Context, done chan struct{}) {
	defer close(done)
	defer c.setState(Disconnected)

	bo := c.newBackoff()
	var refreshed string

	for {
		token := c.tokens.AccessToken()
		if token == "" {
			c.log.Debug().Msg("no session; realtime channel idle")
			return
		}

		c.setState(Connecting)
		conn, rejected, err := c.dial(ctx, token)
		if ctx.Err() != nil {
			return
		}

		if err == nil {
			bo.Reset()
			c.setState(Connected)
			err = c.read(ctx, conn)
			conn.CloseNow()
			if ctx.Err() != nil {
				return
			}
			c.setState(Disconnected)
			rejected = websocket.CloseStatus(err) == websocket.StatusPolicyViolation
			c.log.Info().Err(err).Bool("auth_rejected", rejected).Msg("realtime connection lost")
		}

		// A credential that was just refreshed and is still rejected is
		// treated like any other failure to avoid a refresh loop.
		if rejected && token != refreshed {
			// HTTP traffic may have rotated the token already.
			if current := c.tokens.AccessToken(); current != "" && current != token {
				refreshed = current
				continue
			}
			fresh, rerr := c.tokens.Refresh(ctx)
			if rerr != nil {
				c.log.Warn().Err(rerr).Msg("realtime credential refresh failed")
				return
			}
			refreshed = fresh
			continue
		}

		wait := bo.NextBackOff()
		c.log.Debug().Dur("delay", wait).Msg("realtime reconnect scheduled")
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
	}
}

// dial opens the socket. rejected reports a 401 handshake response.
func (c *Channel) dial(ctx context.Context, token string) (conn *websocket.Conn, rejected bool, err error) {
	header := http.Header{}
	header.Set("Authorization", "Bearer "+token)

	conn, resp, err := websocket.Dial(ctx, c.url, &websocket.DialOptions{
		HTTPClient: c.httpClient,
		HTTPHeader: header,
	})
	if err != nil {
		rejected = resp != nil && resp.StatusCode == http.StatusUnauthorized
		result := "error"
		if rejected {
			result = "unauthorized"
		}
		metrics.RealtimeConnectsTotal.WithLabelValues(result).Inc()
		if ctx.Err() == nil {
			c.log.Warn().Err(err).Bool("auth_rejected", rejected).Msg("realtime dial failed")
		}
		return nil, rejected, err
	}

	metrics.RealtimeConnectsTotal.WithLabelValues("success").Inc()
	conn.SetReadLimit(readLimit)
	c.log.Info().Str("url", c.url).Msg("realtime connected")
	return conn, false, nil
}

// read delivers frames until the connection fails. Frames that are
// not valid JSON are dropped without closing the connection.
func (c *Channel) read(ctx context.Context, conn *websocket.Conn) error {
	for {
		typ, data, err := conn.Read(ctx)
		if err != nil {
			return err
		}
		if typ != websocket.MessageText {
			continue
		}

		var f frame
		if err := json.Unmarshal(data, &f); err != nil {
			c.log.Warn().Err(err).Msg("dropping malformed realtime frame")
			continue
		}

		evt, ok, err := decode(f)
		switch {
		case !ok:
			c.log.Debug().Str("event", f.Event).Msg("ignoring unknown realtime event")
			continue
		case err != nil:
			c.log.Warn().Err(err).Msg("dropping malformed realtime event")
			continue
		}

		metrics.RealtimeEventsTotal.WithLabelValues(f.Event).Inc()
		c.events.Publish(evt)
	}
}
