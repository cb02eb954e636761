package auth

import (
	"errors"
	"net/http"
	"net/mail"
	"strings"

	"github.com/nhle/familytree/internal/api"
	"github.com/nhle/familytree/internal/model"
)

var (
	// ErrSessionActive is returned by Login and Signup while a session
	// is live. Log out first.
	ErrSessionActive = errors.New("a session is already active")

	// ErrSessionEnded is returned when the session was logged out or
	// replaced while the operation was in flight.
	ErrSessionEnded = errors.New("session ended during operation")
)

// minPasswordLength matches the server's signup rule.
const minPasswordLength = 8

// credentialError reclassifies failures of login and signup. A 401 (and,
// for login, a 400/404) means the credentials were rejected; for signup
// a 409 conflict is a validation failure on the submitted fields.
func credentialError(err error, signup bool) error {
	var apiErr *api.Error
	if !errors.As(err, &apiErr) {
		return err
	}

	out := *apiErr
	switch {
	case apiErr.StatusCode == http.StatusUnauthorized:
		out.Kind = api.ErrInvalidCredentials
	case !signup && (apiErr.StatusCode == http.StatusBadRequest ||
		apiErr.StatusCode == http.StatusNotFound):
		out.Kind = api.ErrInvalidCredentials
	case signup && apiErr.StatusCode == http.StatusConflict:
		out.Kind = api.ErrValidation
	default:
		return err
	}
	return &out
}

// refreshError wraps a refresh failure cause.
func refreshError(cause error) error {
	return &api.Error{
		Kind:   api.ErrRefreshFailed,
		Method: http.MethodPost,
		Path:   "/auth/refresh",
		Err:    cause,
	}
}

// validateSignup checks the fields the server would reject, so obvious
// mistakes fail without a round trip.
func validateSignup(req model.SignupRequest) error {
	fields := make(map[string]string)

	if _, err := mail.ParseAddress(strings.TrimSpace(req.Email)); err != nil {
		fields["email"] = "must be a valid email address"
	}
	if len(req.Password) < minPasswordLength {
		fields["password"] = "must be at least 8 characters"
	}
	if strings.TrimSpace(req.Username) == "" {
		fields["username"] = "is required"
	}
	if strings.TrimSpace(req.FirstName) == "" {
		fields["firstName"] = "is required"
	}
	if strings.TrimSpace(req.LastName) == "" {
		fields["lastName"] = "is required"
	}

	if len(fields) == 0 {
		return nil
	}
	return &api.Error{
		Kind:    api.ErrValidation,
		Message: "invalid signup fields",
		Fields:  fields,
	}
}
