package store

import (
	"context"
	"time"

	"github.com/nhle/familytree/internal/model"
)

// Store defines the local persistence used by the client: the last known
// notification feed of each user who has logged in on this machine.
type Store interface {
	// SaveFeed replaces the cached feed of userID, keeping item order.
	SaveFeed(ctx context.Context, userID string, items []model.Notification) error

	// LoadFeed returns the cached feed of userID in its saved order, or
	// an empty slice when nothing is cached.
	LoadFeed(ctx context.Context, userID string) ([]model.Notification, error)

	// ClearFeed removes everything cached for userID.
	ClearFeed(ctx context.Context, userID string) error

	// LastSynced reports when the feed of userID was last saved. The
	// zero time means never.
	LastSynced(ctx context.Context, userID string) (time.Time, error)
}
