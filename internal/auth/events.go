package auth

import "github.com/nhle/familytree/internal/model"

// EventKind identifies a session transition.
type EventKind int

const (
	// SessionChanged fires after login, signup, restore, logout and the
	// final reset that follows an expiry.
	SessionChanged EventKind = iota

	// SessionExpired fires when a refresh fails. Dependents should tear
	// down; a SessionChanged to anonymous follows.
	SessionExpired
)

func (k EventKind) String() string {
	switch k {
	case SessionChanged:
		return "session-changed"
	case SessionExpired:
		return "session-expired"
	default:
		return "unknown"
	}
}

// Event describes one session transition.
type Event struct {
	Kind     EventKind
	Session  model.Session
	Previous model.Session
}

// IdentityChanged reports whether the logged-in user differs between
// Previous and Session.
func (e Event) IdentityChanged() bool {
	return e.Previous.User.ID != e.Session.User.ID ||
		e.Previous.Active() != e.Session.Active()
}
