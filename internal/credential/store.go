package credential

import (
	"errors"

	"github.com/nhle/familytree/internal/model"
)

// Well-known keys under which credentials are persisted.
const (
	KeyAccessToken  = "accessToken"
	KeyRefreshToken = "refreshToken"
	KeyUser         = "user"
)

// ErrNoCredentials is returned by Get when nothing is stored.
var ErrNoCredentials = errors.New("no stored credentials")

// Credentials is the persisted portion of a session.
type Credentials struct {
	AccessToken  string
	RefreshToken string
	User         model.UserSummary
}

// Empty reports whether neither token is present.
func (c Credentials) Empty() bool {
	return c.AccessToken == "" && c.RefreshToken == ""
}

// Store persists credentials across process restarts.
type Store interface {
	// Get returns the stored credentials or ErrNoCredentials.
	Get() (Credentials, error)

	// Set replaces the stored credentials.
	Set(c Credentials) error

	// Clear removes all stored credentials. Clearing an empty store
	// is not an error.
	Clear() error
}
