package model

import "encoding/json"

// SessionStatus is the lifecycle state of the client session.
type SessionStatus int

const (
	StatusAnonymous SessionStatus = iota
	StatusAuthenticating
	StatusAuthenticated
	StatusRefreshing
	StatusExpired
)

// String returns the lowercase name of the status.
func (s SessionStatus) String() string {
	switch s {
	case StatusAnonymous:
		return "anonymous"
	case StatusAuthenticating:
		return "authenticating"
	case StatusAuthenticated:
		return "authenticated"
	case StatusRefreshing:
		return "refreshing"
	case StatusExpired:
		return "expired"
	default:
		return "unknown"
	}
}

// UserSummary is the minimal profile kept alongside the credentials.
type UserSummary struct {
	ID        string `json:"id"`
	Username  string `json:"username"`
	Email     string `json:"email"`
	FirstName string `json:"firstName,omitempty"`
	LastName  string `json:"lastName,omitempty"`
}

// DisplayName returns the username, falling back to the first name.
func (u UserSummary) DisplayName() string {
	if u.Username != "" {
		return u.Username
	}
	return u.FirstName
}

// UnmarshalJSON accepts the Mongo-style "_id" key as the user id.
func (u *UserSummary) UnmarshalJSON(data []byte) error {
	type alias UserSummary
	var raw struct {
		alias
		MongoID string `json:"_id"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}

	*u = UserSummary(raw.alias)
	if u.ID == "" {
		u.ID = raw.MongoID
	}
	return nil
}

// Session is a snapshot of who is logged in and with which credentials.
// Only the auth manager produces new values; everyone else reads copies.
type Session struct {
	AccessToken  string
	RefreshToken string
	User         UserSummary
	Status       SessionStatus
}

// Active reports whether requests may be issued on behalf of the user.
// A session that is refreshing its token still counts as active.
func (s Session) Active() bool {
	return s.Status == StatusAuthenticated || s.Status == StatusRefreshing
}

// SignupRequest carries the profile fields accepted by POST /auth/signup.
type SignupRequest struct {
	Email     string `json:"email"`
	Password  string `json:"password"`
	Username  string `json:"username"`
	FirstName string `json:"firstName"`
	LastName  string `json:"lastName"`
	BirthDate string `json:"birthDate,omitempty"`
	Gender    string `json:"gender,omitempty"`
}
