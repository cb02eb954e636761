package notify

import (
	"context"
	"encoding/json"
	"errors"
	"math/rand"
	"net/url"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nhle/familytree/internal/api"
	"github.com/nhle/familytree/internal/model"
	"github.com/nhle/familytree/internal/realtime"
	"github.com/nhle/familytree/internal/testutil"
)

// ---- helpers ----

type staticTokens string

func (s staticTokens) AccessToken() string                     { return string(s) }
func (s staticTokens) CanRefresh() bool                        { return false }
func (s staticTokens) Refresh(context.Context) (string, error) { return "", errors.New("no refresh") }
func (s staticTokens) Expire(string, error)                    {}

func newLive(t *testing.T, opts ...Option) (*Sync, *testutil.FakeAPI) {
	t.Helper()
	fake := testutil.NewFakeAPI(t)
	access, _ := fake.IssueTokens("u1")
	client := api.NewClient(fake.URL(), api.WithTokenSource(staticTokens(access)))
	return New(client, opts...), fake
}

func note(id string, read bool) model.Notification {
	return model.Notification{
		ID:        id,
		Kind:      model.KindMessage,
		Title:     "title " + id,
		Message:   "message " + id,
		Read:      read,
		CreatedAt: time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC),
	}
}

func created(n model.Notification) realtime.Event {
	return realtime.Event{Kind: realtime.NotificationCreated, Notification: n}
}

func ids(snap Snapshot) []string {
	out := make([]string, len(snap.Items))
	for i, n := range snap.Items {
		out[i] = n.ID
	}
	return out
}

func assertConsistent(t *testing.T, snap Snapshot) {
	t.Helper()
	assert.GreaterOrEqual(t, snap.UnreadCount, 0)
	assert.Equal(t, countUnread(snap.Items), snap.UnreadCount, "unread counter drifted: %v", ids(snap))
	assert.Len(t, dedup(snap.Items), len(snap.Items), "duplicate ids in feed")
}

// stubAPI is an in-memory API whose calls can be held open to script
// interleavings.
type stubAPI struct {
	mu      sync.Mutex
	list    []model.Notification
	fail    error
	holds   map[string]chan error // "METHOD path" -> result to return once sent
	entered chan string
}

func newStub(list ...model.Notification) *stubAPI {
	return &stubAPI{
		list:    list,
		holds:   make(map[string]chan error),
		entered: make(chan string, 16),
	}
}

// hold makes the next call to key block until a value is sent on the
// returned channel; the value becomes the call's error.
func (s *stubAPI) hold(key string) chan error {
	s.mu.Lock()
	defer s.mu.Unlock()
	ch := make(chan error)
	s.holds[key] = ch
	return ch
}

func (s *stubAPI) wait(key string) error {
	s.mu.Lock()
	ch, ok := s.holds[key]
	delete(s.holds, key)
	fail := s.fail
	s.mu.Unlock()

	if ok {
		s.entered <- key
		return <-ch
	}
	return fail
}

func (s *stubAPI) Get(_ context.Context, path string, _ url.Values, result any) error {
	if err := s.wait("GET " + path); err != nil {
		return err
	}
	s.mu.Lock()
	var v any
	switch path {
	case "/notifications":
		v = s.list
	case "/notifications/unread-count":
		v = map[string]int{"count": countUnread(s.list)}
	default:
		v = []string{"message"}
	}
	data, _ := json.Marshal(v)
	s.mu.Unlock()
	return json.Unmarshal(data, result)
}

func (s *stubAPI) Put(_ context.Context, path string, _, _ any) error {
	return s.wait("PUT " + path)
}

func (s *stubAPI) Delete(_ context.Context, path string, _ any) error {
	return s.wait("DELETE " + path)
}

// ---- scenarios against the fake server ----

func TestSync_LoginBaselinePushMarkRead(t *testing.T) {
	feed, fake := newLive(t)
	fake.SetNotifications([]model.Notification{note("n1", false)})
	ctx := context.Background()

	require.NoError(t, feed.LoadBaseline(ctx))
	snap := feed.Snapshot()
	assert.Equal(t, []string{"n1"}, ids(snap))
	assert.Equal(t, 1, snap.UnreadCount)
	assert.True(t, snap.Loaded)

	feed.OnPushEvent(created(note("n2", false)))
	snap = feed.Snapshot()
	assert.Equal(t, []string{"n2", "n1"}, ids(snap))
	assert.Equal(t, 2, snap.UnreadCount)

	require.NoError(t, feed.MarkRead(ctx, "n1"))
	snap = feed.Snapshot()
	assert.Equal(t, 1, snap.UnreadCount)
	assert.True(t, snap.Items[1].Read)
	assertConsistent(t, snap)

	// Nothing else is pending; the state is stable.
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, snap.Version, feed.Snapshot().Version)
	assert.True(t, fake.Notifications()[0].Read)
}

func TestSync_MarkReadRollsBackOnServerError(t *testing.T) {
	feed, fake := newLive(t)
	fake.SetNotifications([]model.Notification{note("n1", false), note("n2", false)})
	ctx := context.Background()
	require.NoError(t, feed.LoadBaseline(ctx))

	fake.SetFailMutations(true)
	err := feed.MarkRead(ctx, "n1")

	require.Error(t, err)
	assert.True(t, api.IsServer(err))
	snap := feed.Snapshot()
	assert.False(t, snap.Items[0].Read)
	assert.Equal(t, 2, snap.UnreadCount)
	assertConsistent(t, snap)
}

func TestSync_MarkAllReadRollsBackOnServerError(t *testing.T) {
	feed, fake := newLive(t)
	fake.SetNotifications([]model.Notification{note("n1", false), note("n2", true), note("n3", false)})
	ctx := context.Background()
	require.NoError(t, feed.LoadBaseline(ctx))
	before := feed.Snapshot()

	fake.SetFailMutations(true)
	err := feed.MarkAllRead(ctx)

	require.Error(t, err)
	assert.True(t, api.IsServer(err))
	snap := feed.Snapshot()
	assert.Equal(t, []string{"n1", "n2", "n3"}, ids(snap))
	for i, n := range snap.Items {
		assert.Equal(t, before.Items[i].Read, n.Read, "read flag of %s", n.ID)
	}
	assert.Equal(t, 2, snap.UnreadCount)
	assertConsistent(t, snap)
}

func TestSync_DeleteRollbackRestoresPosition(t *testing.T) {
	feed, fake := newLive(t)
	fake.SetNotifications([]model.Notification{note("a", false), note("b", true), note("c", false)})
	ctx := context.Background()
	require.NoError(t, feed.LoadBaseline(ctx))

	fake.SetFailMutations(true)
	require.Error(t, feed.Delete(ctx, "b"))
	assert.Equal(t, []string{"a", "b", "c"}, ids(feed.Snapshot()))

	fake.SetFailMutations(false)
	require.NoError(t, feed.Delete(ctx, "a"))
	snap := feed.Snapshot()
	assert.Equal(t, []string{"b", "c"}, ids(snap))
	assert.Equal(t, 1, snap.UnreadCount)
	assert.Len(t, fake.Notifications(), 2)
}

func TestSync_MarkAllReadIsIdempotent(t *testing.T) {
	feed, fake := newLive(t)
	fake.SetNotifications([]model.Notification{note("a", false), note("b", false)})
	ctx := context.Background()
	require.NoError(t, feed.LoadBaseline(ctx))

	require.NoError(t, feed.MarkAllRead(ctx))
	first := feed.Snapshot()
	require.NoError(t, feed.MarkAllRead(ctx))
	second := feed.Snapshot()

	assert.Zero(t, first.UnreadCount)
	assert.Equal(t, first.Items, second.Items)
	assert.Equal(t, first.UnreadCount, second.UnreadCount)
}

func TestSync_DeleteAll(t *testing.T) {
	feed, fake := newLive(t)
	fake.SetNotifications([]model.Notification{note("a", false), note("b", true)})
	ctx := context.Background()
	require.NoError(t, feed.LoadBaseline(ctx))

	require.NoError(t, feed.DeleteAll(ctx))

	snap := feed.Snapshot()
	assert.Empty(t, snap.Items)
	assert.Zero(t, snap.UnreadCount)
	assert.Empty(t, fake.Notifications())
}

func TestSync_UnknownIDFailsWithoutNetwork(t *testing.T) {
	stub := newStub()
	feed := New(stub)

	err := feed.MarkRead(context.Background(), "ghost")
	assert.ErrorIs(t, err, ErrUnknownNotification)
	err = feed.Delete(context.Background(), "ghost")
	assert.ErrorIs(t, err, ErrUnknownNotification)
}

func TestSync_FetchAppliesFilter(t *testing.T) {
	feed, fake := newLive(t)
	fake.SetNotifications([]model.Notification{note("a", false), note("b", true), note("c", false)})

	unread := false
	got, err := feed.Fetch(context.Background(), model.NotificationFilter{Read: &unread, Limit: 1})

	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "a", got[0].ID)
}

func TestSync_Types(t *testing.T) {
	feed, _ := newLive(t)

	kinds, err := feed.Types(context.Background())

	require.NoError(t, err)
	assert.Contains(t, kinds, model.KindRelationshipRequest)
}

// ---- push handling ----

func TestSync_DuplicatePushIsNoop(t *testing.T) {
	stub := newStub(note("n1", false))
	feed := New(stub)
	require.NoError(t, feed.LoadBaseline(context.Background()))

	feed.OnPushEvent(created(note("n2", false)))
	before := feed.Snapshot()
	feed.OnPushEvent(created(note("n2", false)))
	feed.OnPushEvent(created(note("n1", false)))
	after := feed.Snapshot()

	assert.Equal(t, before, after)
	assert.Equal(t, []string{"n2", "n1"}, ids(after))
	assert.Equal(t, 2, after.UnreadCount)
}

func TestSync_RelationshipPushes(t *testing.T) {
	now := time.Date(2024, 6, 1, 9, 0, 0, 0, time.UTC)
	feed := New(newStub(), WithClock(func() time.Time { return now }))

	req := realtime.Event{
		Kind:         realtime.RelationshipRequested,
		Relationship: realtime.Relationship{ID: "r1", Type: "sibling"},
		Peer:         model.UserSummary{Username: "grace"},
	}
	feed.OnPushEvent(req)
	feed.OnPushEvent(req)
	feed.OnPushEvent(realtime.Event{
		Kind:         realtime.RelationshipConfirmed,
		Relationship: realtime.Relationship{ID: "r1"},
		Peer:         model.UserSummary{Username: "alan"},
	})

	snap := feed.Snapshot()
	require.Len(t, snap.Items, 2)

	confirmed, request := snap.Items[0], snap.Items[1]
	assert.Equal(t, "rel-request-r1", request.ID)
	assert.Equal(t, model.KindRelationshipRequest, request.Kind)
	assert.Equal(t, "grace wants to connect as your sibling", request.Message)
	assert.Equal(t, now, request.CreatedAt)
	assert.Equal(t, "r1", request.Payload["relationshipId"])

	assert.Equal(t, "rel-confirmed-r1", confirmed.ID)
	assert.Equal(t, "alan accepted your relationship request", confirmed.Message)
	assert.Equal(t, 2, snap.UnreadCount)
}

func TestSync_RelationshipPushKeepsServerTime(t *testing.T) {
	now := time.Date(2024, 6, 1, 9, 0, 0, 0, time.UTC)
	sent := now.Add(-3 * time.Minute)
	feed := New(newStub(), WithClock(func() time.Time { return now }))

	feed.OnPushEvent(realtime.Event{
		Kind:         realtime.RelationshipRequested,
		Relationship: realtime.Relationship{ID: "r1"},
		At:           sent,
	})

	snap := feed.Snapshot()
	require.Len(t, snap.Items, 1)
	assert.Equal(t, sent, snap.Items[0].CreatedAt)
}

func TestSync_PushWithoutIDGetsOne(t *testing.T) {
	feed := New(newStub())

	feed.OnPushEvent(created(model.Notification{Title: "anonymous"}))
	feed.OnPushEvent(created(model.Notification{Title: "anonymous"}))

	snap := feed.Snapshot()
	require.Len(t, snap.Items, 2)
	assert.NotEmpty(t, snap.Items[0].ID)
	assert.NotEqual(t, snap.Items[0].ID, snap.Items[1].ID)
	assert.Equal(t, model.KindGeneric, snap.Items[0].Kind)
}

// ---- interleavings ----

func TestSync_BaselineKeepsPushesThatArriveDuringLoad(t *testing.T) {
	stub := newStub(note("n1", true), note("n0", false))
	feed := New(stub)
	release := stub.hold("GET /notifications")

	done := make(chan error, 1)
	go func() { done <- feed.LoadBaseline(context.Background()) }()
	<-stub.entered

	feed.OnPushEvent(created(note("p1", false)))
	feed.OnPushEvent(created(note("p2", false)))
	// p0 is also in the page the server returns; it must not duplicate.
	stub.mu.Lock()
	stub.list = append([]model.Notification{note("p0", false)}, stub.list...)
	stub.mu.Unlock()
	feed.OnPushEvent(created(note("p0", false)))

	release <- nil
	require.NoError(t, <-done)

	snap := feed.Snapshot()
	assert.Equal(t, []string{"p2", "p1", "p0", "n1", "n0"}, ids(snap))
	assert.Equal(t, 4, snap.UnreadCount)
	assertConsistent(t, snap)
}

func TestSync_BaselineDiscardedAfterReset(t *testing.T) {
	stub := newStub(note("n1", false))
	feed := New(stub)
	release := stub.hold("GET /notifications")

	done := make(chan error, 1)
	go func() { done <- feed.LoadBaseline(context.Background()) }()
	<-stub.entered

	feed.Reset()
	release <- nil

	assert.ErrorIs(t, <-done, ErrFeedReset)
	assert.Empty(t, feed.Snapshot().Items)
}

func TestSync_DeleteAllRollbackKeepsNewArrivals(t *testing.T) {
	stub := newStub(note("a", false), note("b", true))
	feed := New(stub)
	require.NoError(t, feed.LoadBaseline(context.Background()))
	release := stub.hold("DELETE /notifications")

	done := make(chan error, 1)
	go func() { done <- feed.DeleteAll(context.Background()) }()
	<-stub.entered
	assert.Empty(t, feed.Snapshot().Items)

	feed.OnPushEvent(created(note("new", false)))
	release <- errors.New("boom")
	require.Error(t, <-done)

	snap := feed.Snapshot()
	assert.Equal(t, []string{"new", "a", "b"}, ids(snap))
	assert.Equal(t, 2, snap.UnreadCount)
}

func TestSync_RollbackSkippedAfterReset(t *testing.T) {
	stub := newStub(note("a", false))
	feed := New(stub)
	require.NoError(t, feed.LoadBaseline(context.Background()))
	release := stub.hold("PUT /notifications/a/read")

	done := make(chan error, 1)
	go func() { done <- feed.MarkRead(context.Background(), "a") }()
	<-stub.entered

	feed.Reset()
	release <- errors.New("boom")
	require.Error(t, <-done)

	snap := feed.Snapshot()
	assert.Empty(t, snap.Items)
	assert.Zero(t, snap.UnreadCount)
}

func TestSync_MarkReadRollbackSkipsDeletedEntry(t *testing.T) {
	stub := newStub(note("a", false), note("b", false))
	feed := New(stub)
	require.NoError(t, feed.LoadBaseline(context.Background()))
	release := stub.hold("PUT /notifications/a/read")

	done := make(chan error, 1)
	go func() { done <- feed.MarkRead(context.Background(), "a") }()
	<-stub.entered

	require.NoError(t, feed.Delete(context.Background(), "a"))
	release <- errors.New("boom")
	require.Error(t, <-done)

	snap := feed.Snapshot()
	assert.Equal(t, []string{"b"}, ids(snap))
	assert.Equal(t, 1, snap.UnreadCount)
}

// ---- invariants ----

func TestSync_UnreadCountMatchesEntriesAfterAnySequence(t *testing.T) {
	stub := newStub(note("s1", false), note("s2", true), note("s3", false))
	feed := New(stub)
	ctx := context.Background()
	require.NoError(t, feed.LoadBaseline(ctx))

	rng := rand.New(rand.NewSource(7))
	pick := func() string {
		items := feed.Snapshot().Items
		if len(items) == 0 {
			return "missing"
		}
		return items[rng.Intn(len(items))].ID
	}

	for i := 0; i < 300; i++ {
		stub.mu.Lock()
		if rng.Intn(3) == 0 {
			stub.fail = errors.New("server down")
		} else {
			stub.fail = nil
		}
		stub.mu.Unlock()

		switch rng.Intn(6) {
		case 0:
			feed.OnPushEvent(created(note(string(rune('a'+rng.Intn(26))), rng.Intn(2) == 0)))
		case 1:
			_ = feed.MarkRead(ctx, pick())
		case 2:
			_ = feed.MarkAllRead(ctx)
		case 3:
			_ = feed.Delete(ctx, pick())
		case 4:
			if rng.Intn(4) == 0 {
				_ = feed.DeleteAll(ctx)
			}
		case 5:
			_ = feed.LoadBaseline(ctx)
		}
		assertConsistent(t, feed.Snapshot())
	}
}

func TestSync_SubscribersSeeIncreasingVersions(t *testing.T) {
	feed := New(newStub())

	var (
		mu       sync.Mutex
		versions []uint64
	)
	_, err := feed.Subscribe(func(s Snapshot) {
		mu.Lock()
		versions = append(versions, s.Version)
		mu.Unlock()
	})
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i := range 20 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			feed.OnPushEvent(created(note(string(rune('A'+i)), false)))
		}()
	}
	wg.Wait()

	mu.Lock()
	defer mu.Unlock()
	require.NotEmpty(t, versions)
	for i := 1; i < len(versions); i++ {
		assert.Greater(t, versions[i], versions[i-1])
	}
	assert.Equal(t, feed.Snapshot().Version, versions[len(versions)-1])
}

// ---- cache ----

type memCache struct {
	mu    sync.Mutex
	feeds map[string][]model.Notification
}

func (m *memCache) SaveFeed(_ context.Context, userID string, items []model.Notification) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.feeds[userID] = items
	return nil
}

func (m *memCache) LoadFeed(_ context.Context, userID string) ([]model.Notification, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.feeds[userID], nil
}

func TestSync_BindShowsCachedFeedUntilBaseline(t *testing.T) {
	cache := &memCache{feeds: map[string][]model.Notification{
		"u1": {note("cached", false)},
	}}
	stub := newStub(note("fresh", false))
	feed := New(stub, WithCache(cache))

	feed.Bind(model.UserSummary{ID: "u1"})
	snap := feed.Snapshot()
	assert.Equal(t, []string{"cached"}, ids(snap))
	assert.False(t, snap.Loaded)
	assert.Equal(t, 1, snap.UnreadCount)

	require.NoError(t, feed.LoadBaseline(context.Background()))
	assert.Equal(t, []string{"fresh"}, ids(feed.Snapshot()))

	cache.mu.Lock()
	assert.Equal(t, "fresh", cache.feeds["u1"][0].ID)
	cache.mu.Unlock()

	feed.Bind(model.UserSummary{ID: "u2"})
	assert.Empty(t, feed.Snapshot().Items)
}
