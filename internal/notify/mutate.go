package notify

import (
	"context"
	"fmt"
	"net/url"
	"slices"

	"github.com/nhle/familytree/internal/metrics"
)

// mutation is one optimistic change. apply runs under the feed lock and
// returns the undo to run, also under the lock, if the server refuses.
// A nil undo means apply changed nothing.
type mutation struct {
	op    string
	apply func() (undo func(), err error)
	call  func(ctx context.Context) error
}

// mutate applies m locally, publishes, calls the server and rolls back
// on failure. The rollback is skipped if the feed was reset meanwhile.
func (s *Sync) mutate(ctx context.Context, m mutation) error {
	s.mu.Lock()
	gen := s.generation
	undo, err := m.apply()
	if err != nil {
		s.mu.Unlock()
		return err
	}
	var snap Snapshot
	if undo != nil {
		snap = s.changedLocked()
	}
	s.mu.Unlock()

	if undo != nil {
		s.publish(snap)
	}

	callErr := m.call(ctx)

	s.mu.Lock()
	if s.generation != gen {
		s.mu.Unlock()
		return callErr
	}
	if callErr != nil && undo != nil {
		undo()
		if s.unread < 0 {
			s.unread = 0
		}
		metrics.NotificationRollbacksTotal.WithLabelValues(m.op).Inc()
		s.log.Warn().Err(callErr).Str("op", m.op).Msg("notification change rolled back")
	}
	snap = s.changedLocked()
	userID := s.userID
	s.mu.Unlock()

	if callErr == nil {
		s.persist(userID, snap.Items)
	}
	s.publish(snap)
	return callErr
}

// MarkRead marks one notification read.
func (s *Sync) MarkRead(ctx context.Context, id string) error {
	err := s.mutate(ctx, mutation{
		op: "mark_read",
		apply: func() (func(), error) {
			i := s.indexLocked(id)
			if i < 0 {
				return nil, fmt.Errorf("%w: %s", ErrUnknownNotification, id)
			}
			if s.items[i].Read {
				return nil, nil
			}
			s.items[i].Read = true
			s.unread--
			return func() {
				if j := s.indexLocked(id); j >= 0 && s.items[j].Read {
					s.items[j].Read = false
					s.unread++
				}
			}, nil
		},
		call: func(ctx context.Context) error {
			return s.api.Put(ctx, "/notifications/"+url.PathEscape(id)+"/read", nil, nil)
		},
	})
	if err != nil {
		return fmt.Errorf("marking %s read: %w", id, err)
	}
	return nil
}

// MarkAllRead marks every notification read. Calling it again is
// harmless.
func (s *Sync) MarkAllRead(ctx context.Context) error {
	err := s.mutate(ctx, mutation{
		op: "mark_all_read",
		apply: func() (func(), error) {
			var flipped []string
			for i := range s.items {
				if !s.items[i].Read {
					s.items[i].Read = true
					flipped = append(flipped, s.items[i].ID)
				}
			}
			s.unread = 0
			if len(flipped) == 0 {
				return nil, nil
			}
			return func() {
				for _, id := range flipped {
					if j := s.indexLocked(id); j >= 0 && s.items[j].Read {
						s.items[j].Read = false
						s.unread++
					}
				}
			}, nil
		},
		call: func(ctx context.Context) error {
			return s.api.Put(ctx, "/notifications/read-all", nil, nil)
		},
	})
	if err != nil {
		return fmt.Errorf("marking all read: %w", err)
	}
	return nil
}

// Delete removes one notification. On failure it is restored at its
// previous position.
func (s *Sync) Delete(ctx context.Context, id string) error {
	err := s.mutate(ctx, mutation{
		op: "delete",
		apply: func() (func(), error) {
			i := s.indexLocked(id)
			if i < 0 {
				return nil, fmt.Errorf("%w: %s", ErrUnknownNotification, id)
			}
			removed := s.items[i]
			s.items = slices.Delete(s.items, i, i+1)
			if !removed.Read {
				s.unread--
			}
			return func() {
				if s.indexLocked(id) >= 0 {
					return
				}
				at := min(i, len(s.items))
				s.items = slices.Insert(s.items, at, removed)
				if !removed.Read {
					s.unread++
				}
			}, nil
		},
		call: func(ctx context.Context) error {
			return s.api.Delete(ctx, "/notifications/"+url.PathEscape(id), nil)
		},
	})
	if err != nil {
		return fmt.Errorf("deleting %s: %w", id, err)
	}
	return nil
}

// DeleteAll clears the feed. On failure the removed entries come back
// after anything that arrived in the meantime.
func (s *Sync) DeleteAll(ctx context.Context) error {
	err := s.mutate(ctx, mutation{
		op: "delete_all",
		apply: func() (func(), error) {
			removed := s.items
			s.items = nil
			s.unread = 0
			if len(removed) == 0 {
				return nil, nil
			}
			return func() {
				s.items = dedup(append(slices.Clone(s.items), removed...))
				s.unread = countUnread(s.items)
			}, nil
		},
		call: func(ctx context.Context) error {
			return s.api.Delete(ctx, "/notifications", nil)
		},
	})
	if err != nil {
		return fmt.Errorf("deleting all notifications: %w", err)
	}
	return nil
}
