package model

import (
	"encoding/json"
	"time"
)

// NotificationKind classifies what a notification is about.
type NotificationKind string

const (
	KindRelationshipRequest  NotificationKind = "relationship_request"
	KindRelationshipAccepted NotificationKind = "relationship_accepted"
	KindRelationshipRejected NotificationKind = "relationship_rejected"
	KindMemoryShared         NotificationKind = "memory_shared"
	KindEventReminder        NotificationKind = "event_reminder"
	KindMessage              NotificationKind = "message"
	KindGeneric              NotificationKind = "generic"
)

// ParseNotificationKind maps a wire value to a known kind. Unknown
// values collapse to KindGeneric.
func ParseNotificationKind(s string) NotificationKind {
	switch k := NotificationKind(s); k {
	case KindRelationshipRequest,
		KindRelationshipAccepted,
		KindRelationshipRejected,
		KindMemoryShared,
		KindEventReminder,
		KindMessage:
		return k
	default:
		return KindGeneric
	}
}

// Notification represents an alert surfaced to the user about activity
// in their family tree.
type Notification struct {
	// ID is the source-assigned identifier. It is the only key used to
	// decide whether two notifications are the same entity.
	ID string `json:"id"`

	// Kind classifies the notification.
	Kind NotificationKind `json:"type"`

	// Title is the short headline.
	Title string `json:"title"`

	// Message is the human-readable notification text.
	Message string `json:"message"`

	// Read indicates whether the user has seen this notification.
	Read bool `json:"read"`

	// CreatedAt is when the server generated this notification.
	CreatedAt time.Time `json:"createdAt"`

	// Payload holds kind-specific data (e.g. relationshipId).
	Payload map[string]any `json:"data,omitempty"`
}

// NotificationFilter narrows GET /notifications.
type NotificationFilter struct {
	Read   *bool
	Kind   NotificationKind
	Limit  int
	Offset int
}

// UnmarshalJSON accepts both "id" and the Mongo-style "_id" key and
// normalizes the kind.
func (n *Notification) UnmarshalJSON(data []byte) error {
	type alias Notification
	var raw struct {
		alias
		MongoID string `json:"_id"`
		Type    string `json:"type"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}

	*n = Notification(raw.alias)
	if n.ID == "" {
		n.ID = raw.MongoID
	}
	n.Kind = ParseNotificationKind(raw.Type)
	return nil
}
