package store_test

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nhle/familytree/internal/model"
	"github.com/nhle/familytree/internal/store"
	"github.com/nhle/familytree/internal/testutil"
)

func sample(id string, read bool) model.Notification {
	return model.Notification{
		ID:        id,
		Kind:      model.KindRelationshipRequest,
		Title:     "title " + id,
		Message:   "message " + id,
		Read:      read,
		CreatedAt: time.Date(2024, 3, 2, 10, 0, 0, 0, time.UTC),
		Payload:   map[string]any{"relationshipId": "r-" + id},
	}
}

func TestSaveAndLoadFeed_PreservesOrder(t *testing.T) {
	s := testutil.NewTestStore(t)
	ctx := context.Background()

	items := []model.Notification{sample("c", false), sample("a", true), sample("b", false)}
	require.NoError(t, s.SaveFeed(ctx, "u1", items))

	got, err := s.LoadFeed(ctx, "u1")
	require.NoError(t, err)
	require.Len(t, got, 3)

	assert.Equal(t, "c", got[0].ID)
	assert.Equal(t, "a", got[1].ID)
	assert.Equal(t, "b", got[2].ID)
	assert.True(t, got[1].Read)
	assert.Equal(t, model.KindRelationshipRequest, got[0].Kind)
	assert.Equal(t, "r-c", got[0].Payload["relationshipId"])
	assert.True(t, items[0].CreatedAt.Equal(got[0].CreatedAt))
}

func TestSaveFeed_ReplacesPreviousFeed(t *testing.T) {
	s := testutil.NewTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.SaveFeed(ctx, "u1", []model.Notification{sample("a", false), sample("b", false)}))
	require.NoError(t, s.SaveFeed(ctx, "u1", []model.Notification{sample("b", true)}))

	got, err := s.LoadFeed(ctx, "u1")
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "b", got[0].ID)
	assert.True(t, got[0].Read)
}

func TestFeeds_AreScopedPerUser(t *testing.T) {
	s := testutil.NewTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.SaveFeed(ctx, "u1", []model.Notification{sample("a", false)}))
	require.NoError(t, s.SaveFeed(ctx, "u2", []model.Notification{sample("a", true), sample("z", false)}))

	u1, err := s.LoadFeed(ctx, "u1")
	require.NoError(t, err)
	assert.Len(t, u1, 1)
	assert.False(t, u1[0].Read)

	require.NoError(t, s.ClearFeed(ctx, "u2"))
	u2, err := s.LoadFeed(ctx, "u2")
	require.NoError(t, err)
	assert.Empty(t, u2)

	u1, err = s.LoadFeed(ctx, "u1")
	require.NoError(t, err)
	assert.Len(t, u1, 1)
}

func TestLastSynced(t *testing.T) {
	s := testutil.NewTestStore(t)
	ctx := context.Background()

	never, err := s.LastSynced(ctx, "u1")
	require.NoError(t, err)
	assert.True(t, never.IsZero())

	before := time.Now().Add(-time.Second)
	require.NoError(t, s.SaveFeed(ctx, "u1", nil))

	synced, err := s.LastSynced(ctx, "u1")
	require.NoError(t, err)
	assert.True(t, synced.After(before), "synced_at %v should be after %v", synced, before)

	require.NoError(t, s.ClearFeed(ctx, "u1"))
	cleared, err := s.LastSynced(ctx, "u1")
	require.NoError(t, err)
	assert.True(t, cleared.IsZero())
}

func TestNewSQLiteStore_ReopensExistingFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "cache.db")
	ctx := context.Background()

	s, err := store.NewSQLiteStore(path)
	require.NoError(t, err)
	require.NoError(t, s.SaveFeed(ctx, "u1", []model.Notification{sample("a", false)}))
	require.NoError(t, s.Close())

	reopened, err := store.NewSQLiteStore(path)
	require.NoError(t, err)
	t.Cleanup(func() { reopened.Close() })

	got, err := reopened.LoadFeed(ctx, "u1")
	require.NoError(t, err)
	assert.Len(t, got, 1)
}

// SQLiteStore must satisfy the interface the rest of the client uses.
var _ store.Store = (*store.SQLiteStore)(nil)
