// Package notify keeps the notification feed of the logged-in user in
// step with the server: a REST baseline, realtime pushes on top, and
// optimistic local mutations that are rolled back when the server
// refuses them.
package notify

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"slices"
	"strconv"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/nhle/familytree/internal/events"
	"github.com/nhle/familytree/internal/model"
	"github.com/nhle/familytree/internal/realtime"
)

// DefaultPageSize is the baseline page size when none is configured.
const DefaultPageSize = 20

var (
	// ErrUnknownNotification is returned for ids that are not in the feed.
	ErrUnknownNotification = errors.New("notification not in feed")

	// ErrFeedReset is returned by LoadBaseline when the feed was reset
	// (logout or user switch) while the request was in flight.
	ErrFeedReset = errors.New("feed reset during load")
)

// API is the subset of the HTTP client the feed needs.
type API interface {
	Get(ctx context.Context, path string, query url.Values, result any) error
	Put(ctx context.Context, path string, body, result any) error
	Delete(ctx context.Context, path string, result any) error
}

// Cache persists the last known feed per user.
type Cache interface {
	SaveFeed(ctx context.Context, userID string, items []model.Notification) error
	LoadFeed(ctx context.Context, userID string) ([]model.Notification, error)
}

// cacheTimeout bounds a single cache read or write.
const cacheTimeout = 2 * time.Second

// Snapshot is an immutable view of the feed.
type Snapshot struct {
	Items       []model.Notification
	UnreadCount int
	// Loaded is true once a baseline has been applied for this session.
	Loaded bool
	// Version increases with every change.
	Version uint64
}

// Option configures a Sync.
type Option func(*Sync)

// WithLogger sets the feed's logger.
func WithLogger(log zerolog.Logger) Option {
	return func(s *Sync) { s.log = log }
}

// WithPageSize sets the number of notifications fetched by LoadBaseline.
func WithPageSize(n int) Option {
	return func(s *Sync) {
		if n > 0 {
			s.pageSize = n
		}
	}
}

// WithCache enables the per-user feed cache.
func WithCache(c Cache) Option {
	return func(s *Sync) { s.cache = c }
}

// WithClock overrides the time source used for synthesized entries.
func WithClock(now func() time.Time) Option {
	return func(s *Sync) { s.now = now }
}

type arrival struct {
	id  string
	seq uint64
}

// Sync owns the notification feed. All changes go through its methods;
// observers read snapshots.
type Sync struct {
	api      API
	log      zerolog.Logger
	pageSize int
	cache    Cache
	now      func() time.Time
	bus      *events.Bus[Snapshot]

	mu     sync.Mutex
	items  []model.Notification
	unread int
	loaded bool
	userID string
	// generation increments on Reset; in-flight work from an older
	// generation must not write back.
	generation uint64
	version    uint64
	// pushSeq numbers applied pushes; arrivals remembers the ones that
	// landed while a baseline was loading.
	pushSeq  uint64
	loading  int
	arrivals []arrival
}

// New creates an empty feed.
func New(api API, opts ...Option) *Sync {
	s := &Sync{
		api:      api,
		log:      zerolog.Nop(),
		pageSize: DefaultPageSize,
		now:      time.Now,
		bus:      events.NewBus[Snapshot](events.DefaultLimit),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Subscribe registers fn for feed changes. Each subscriber sees
// snapshots in increasing Version order; stale ones are skipped.
func (s *Sync) Subscribe(fn func(Snapshot)) (cancel func(), err error) {
	var last uint64
	return s.bus.Subscribe(func(snap Snapshot) {
		if snap.Version <= last {
			return
		}
		last = snap.Version
		fn(snap)
	})
}

// Snapshot returns the current feed.
func (s *Sync) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snapshotLocked()
}

func (s *Sync) snapshotLocked() Snapshot {
	return Snapshot{
		Items:       slices.Clone(s.items),
		UnreadCount: s.unread,
		Loaded:      s.loaded,
		Version:     s.version,
	}
}

// changedLocked bumps the version and returns the snapshot to publish.
func (s *Sync) changedLocked() Snapshot {
	s.version++
	return s.snapshotLocked()
}

func (s *Sync) publish(snap Snapshot) {
	s.bus.Publish(snap)
}

// Reset empties the feed and voids in-flight loads and rollbacks.
func (s *Sync) Reset() {
	s.mu.Lock()
	s.generation++
	s.items = nil
	s.unread = 0
	s.loaded = false
	s.userID = ""
	s.arrivals = nil
	snap := s.changedLocked()
	s.mu.Unlock()

	s.publish(snap)
}

// Bind scopes the feed to user and shows the cached feed, if any, until
// the baseline loads. Binding a different user resets the feed first.
func (s *Sync) Bind(user model.UserSummary) {
	s.mu.Lock()
	if s.userID == user.ID {
		s.mu.Unlock()
		return
	}
	s.mu.Unlock()

	s.Reset()

	var cached []model.Notification
	if s.cache != nil && user.ID != "" {
		ctx, cancel := context.WithTimeout(context.Background(), cacheTimeout)
		var err error
		cached, err = s.cache.LoadFeed(ctx, user.ID)
		cancel()
		if err != nil {
			s.log.Warn().Err(err).Str("user_id", user.ID).Msg("loading cached feed")
		}
	}

	s.mu.Lock()
	s.userID = user.ID
	if len(cached) > 0 && len(s.items) == 0 {
		s.items = dedup(cached)
		s.unread = countUnread(s.items)
	}
	snap := s.changedLocked()
	s.mu.Unlock()

	s.publish(snap)
}

// LoadBaseline fetches the first page and the unread count, replaces the
// feed and recounts. Pushes that arrived during the load and are not in
// the fetched page stay at the head.
func (s *Sync) LoadBaseline(ctx context.Context) error {
	s.mu.Lock()
	gen := s.generation
	startSeq := s.pushSeq
	s.loading++
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		s.loading--
		if s.loading == 0 {
			s.arrivals = nil
		}
		s.mu.Unlock()
	}()

	var (
		fetched     []model.Notification
		serverCount int
	)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		fetched, err = s.Fetch(gctx, model.NotificationFilter{Limit: s.pageSize})
		return err
	})
	g.Go(func() error {
		var err error
		serverCount, err = s.ServerUnreadCount(gctx)
		return err
	})
	if err := g.Wait(); err != nil {
		return fmt.Errorf("loading notifications: %w", err)
	}

	s.mu.Lock()
	if s.generation != gen {
		s.mu.Unlock()
		return ErrFeedReset
	}

	fetched = dedup(fetched)
	seen := make(map[string]bool, len(fetched))
	for _, n := range fetched {
		seen[n.ID] = true
	}

	var head []model.Notification
	for _, a := range s.arrivals {
		if a.seq <= startSeq || seen[a.id] {
			continue
		}
		if i := s.indexLocked(a.id); i >= 0 {
			head = append(head, s.items[i])
			seen[a.id] = true
		}
	}
	// arrivals are oldest first; the feed is newest first.
	slices.Reverse(head)

	s.items = append(head, fetched...)
	s.unread = countUnread(s.items)
	s.loaded = true
	snap := s.changedLocked()
	userID := s.userID
	s.mu.Unlock()

	if serverCount != snap.UnreadCount {
		s.log.Debug().
			Int("server_unread", serverCount).
			Int("feed_unread", snap.UnreadCount).
			Msg("unread count differs from loaded page")
	}

	s.persist(userID, snap.Items)
	s.publish(snap)
	return nil
}

// OnPushEvent applies a realtime event. A notification whose id is
// already in the feed is ignored.
func (s *Sync) OnPushEvent(evt realtime.Event) {
	n, ok := notificationFor(evt, s.now())
	if !ok {
		return
	}

	s.mu.Lock()
	if s.indexLocked(n.ID) >= 0 {
		s.mu.Unlock()
		s.log.Debug().Str("id", n.ID).Msg("duplicate push ignored")
		return
	}
	s.items = slices.Insert(s.items, 0, n)
	if !n.Read {
		s.unread++
	}
	s.pushSeq++
	if s.loading > 0 {
		s.arrivals = append(s.arrivals, arrival{id: n.ID, seq: s.pushSeq})
	}
	snap := s.changedLocked()
	userID := s.userID
	s.mu.Unlock()

	s.persist(userID, snap.Items)
	s.publish(snap)
}

// Fetch lists notifications from the server without touching the feed.
func (s *Sync) Fetch(ctx context.Context, f model.NotificationFilter) ([]model.Notification, error) {
	q := url.Values{}
	if f.Read != nil {
		q.Set("read", strconv.FormatBool(*f.Read))
	}
	if f.Kind != "" {
		q.Set("type", string(f.Kind))
	}
	if f.Limit > 0 {
		q.Set("limit", strconv.Itoa(f.Limit))
	}
	if f.Offset > 0 {
		q.Set("offset", strconv.Itoa(f.Offset))
	}

	var out []model.Notification
	if err := s.api.Get(ctx, "/notifications", q, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// ServerUnreadCount asks the server for the total unread count.
func (s *Sync) ServerUnreadCount(ctx context.Context) (int, error) {
	var out struct {
		Count int `json:"count"`
	}
	if err := s.api.Get(ctx, "/notifications/unread-count", nil, &out); err != nil {
		return 0, err
	}
	return out.Count, nil
}

// Types lists the notification kinds the server knows about.
func (s *Sync) Types(ctx context.Context) ([]model.NotificationKind, error) {
	var raw []string
	if err := s.api.Get(ctx, "/notifications/types", nil, &raw); err != nil {
		return nil, fmt.Errorf("loading notification types: %w", err)
	}
	kinds := make([]model.NotificationKind, 0, len(raw))
	for _, r := range raw {
		kinds = append(kinds, model.ParseNotificationKind(r))
	}
	return kinds, nil
}

func (s *Sync) indexLocked(id string) int {
	return slices.IndexFunc(s.items, func(n model.Notification) bool { return n.ID == id })
}

func (s *Sync) persist(userID string, items []model.Notification) {
	if s.cache == nil || userID == "" {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), cacheTimeout)
	defer cancel()
	if err := s.cache.SaveFeed(ctx, userID, items); err != nil {
		s.log.Warn().Err(err).Str("user_id", userID).Msg("saving cached feed")
	}
}

func countUnread(items []model.Notification) int {
	n := 0
	for _, it := range items {
		if !it.Read {
			n++
		}
	}
	return n
}

// dedup keeps the first occurrence of every id.
func dedup(items []model.Notification) []model.Notification {
	seen := make(map[string]bool, len(items))
	out := make([]model.Notification, 0, len(items))
	for _, n := range items {
		if seen[n.ID] {
			continue
		}
		seen[n.ID] = true
		out = append(out, n)
	}
	return out
}
