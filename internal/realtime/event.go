package realtime

import (
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/nhle/familytree/internal/model"
)

// Wire names of the push events the server emits.
const (
	wireNotificationNew       = "notification:new"
	wireRelationshipRequest   = "relationship:request"
	wireRelationshipConfirmed = "relationship:confirmed"
)

// EventKind identifies a typed push event.
type EventKind int

const (
	NotificationCreated EventKind = iota
	RelationshipRequested
	RelationshipConfirmed
)

func (k EventKind) String() string {
	switch k {
	case NotificationCreated:
		return "notification.created"
	case RelationshipRequested:
		return "relationship.requested"
	case RelationshipConfirmed:
		return "relationship.confirmed"
	default:
		return "unknown"
	}
}

// Relationship is the part of a relationship payload the client uses.
type Relationship struct {
	ID   string `json:"id"`
	Type string `json:"type"`
}

// UnmarshalJSON accepts "_id" as the relationship id.
func (r *Relationship) UnmarshalJSON(data []byte) error {
	type alias Relationship
	var raw struct {
		alias
		MongoID string `json:"_id"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	*r = Relationship(raw.alias)
	if r.ID == "" {
		r.ID = raw.MongoID
	}
	return nil
}

// Event is one decoded push event.
type Event struct {
	Kind EventKind

	// Notification is set for NotificationCreated.
	Notification model.Notification

	// Relationship and Peer are set for relationship events. Peer is
	// the sender of a request or the responder of a confirmation.
	Relationship Relationship
	Peer         model.UserSummary

	// At is the server timestamp of a relationship event, zero when
	// the payload carried none.
	At time.Time
}

// frame is the envelope of every push message.
type frame struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data"`
}

type relationshipPayload struct {
	Relationship Relationship      `json:"relationship"`
	Sender       model.UserSummary `json:"sender"`
	Responder    model.UserSummary `json:"responder"`
	Timestamp    stamp             `json:"timestamp"`
	CreatedAt    stamp             `json:"createdAt"`
}

func (p relationshipPayload) at() time.Time {
	if !p.Timestamp.IsZero() {
		return p.Timestamp.Time
	}
	return p.CreatedAt.Time
}

// stamp decodes an RFC 3339 string or a Unix time in milliseconds.
// Anything else leaves it zero rather than dropping the event.
type stamp struct{ time.Time }

func (s *stamp) UnmarshalJSON(data []byte) error {
	var raw string
	if err := json.Unmarshal(data, &raw); err == nil {
		if t, err := time.Parse(time.RFC3339Nano, raw); err == nil {
			s.Time = t.UTC()
		}
		return nil
	}
	if ms, err := strconv.ParseInt(string(data), 10, 64); err == nil {
		s.Time = time.UnixMilli(ms).UTC()
	}
	return nil
}

// decode turns a frame into a typed event. ok is false for event names
// the client does not know.
func decode(f frame) (evt Event, ok bool, err error) {
	switch f.Event {
	case wireNotificationNew:
		var n model.Notification
		if err := json.Unmarshal(f.Data, &n); err != nil {
			return Event{}, true, fmt.Errorf("decoding %s: %w", f.Event, err)
		}
		return Event{Kind: NotificationCreated, Notification: n}, true, nil

	case wireRelationshipRequest, wireRelationshipConfirmed:
		var p relationshipPayload
		if err := json.Unmarshal(f.Data, &p); err != nil {
			return Event{}, true, fmt.Errorf("decoding %s: %w", f.Event, err)
		}
		if f.Event == wireRelationshipRequest {
			return Event{Kind: RelationshipRequested, Relationship: p.Relationship, Peer: p.Sender, At: p.at()}, true, nil
		}
		return Event{Kind: RelationshipConfirmed, Relationship: p.Relationship, Peer: p.Responder, At: p.at()}, true, nil

	default:
		return Event{}, false, nil
	}
}
