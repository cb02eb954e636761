package notify

import (
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/nhle/familytree/internal/model"
	"github.com/nhle/familytree/internal/realtime"
)

// notificationFor converts a push event into a feed entry. Relationship
// events have no server-side notification id, so one is derived from the
// relationship id; the same relationship pushed twice dedups.
func notificationFor(evt realtime.Event, now time.Time) (model.Notification, bool) {
	switch evt.Kind {
	case realtime.NotificationCreated:
		n := evt.Notification
		if n.ID == "" {
			n.ID = uuid.NewString()
		}
		if n.Kind == "" {
			n.Kind = model.KindGeneric
		}
		if n.CreatedAt.IsZero() {
			n.CreatedAt = now
		}
		return n, true

	case realtime.RelationshipRequested:
		return model.Notification{
			ID:        relationshipID("rel-request-", evt.Relationship.ID),
			Kind:      model.KindRelationshipRequest,
			Title:     "New relationship request",
			Message:   fmt.Sprintf("%s wants to connect as your %s", peerName(evt.Peer), relationType(evt.Relationship)),
			CreatedAt: eventTime(evt, now),
			Payload:   map[string]any{"relationshipId": evt.Relationship.ID},
		}, true

	case realtime.RelationshipConfirmed:
		return model.Notification{
			ID:        relationshipID("rel-confirmed-", evt.Relationship.ID),
			Kind:      model.KindRelationshipAccepted,
			Title:     "Relationship confirmed",
			Message:   fmt.Sprintf("%s accepted your relationship request", peerName(evt.Peer)),
			CreatedAt: eventTime(evt, now),
			Payload:   map[string]any{"relationshipId": evt.Relationship.ID},
		}, true

	default:
		return model.Notification{}, false
	}
}

func eventTime(evt realtime.Event, now time.Time) time.Time {
	if evt.At.IsZero() {
		return now
	}
	return evt.At
}

func relationshipID(prefix, id string) string {
	if id == "" {
		id = uuid.NewString()
	}
	return prefix + id
}

func peerName(u model.UserSummary) string {
	if name := u.DisplayName(); name != "" {
		return name
	}
	return "Someone"
}

func relationType(r realtime.Relationship) string {
	if r.Type == "" {
		return "relative"
	}
	return r.Type
}
