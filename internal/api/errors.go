package api

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
)

// Error kinds. Every error returned by this package (and by the auth
// manager) matches exactly one of these via errors.Is, except for 4xx
// statuses that carry no special meaning.
var (
	ErrValidation         = errors.New("validation error")
	ErrNetwork            = errors.New("network error")
	ErrUnauthorized       = errors.New("unauthorized")
	ErrRefreshFailed      = errors.New("refresh failed")
	ErrServer             = errors.New("server error")
	ErrInvalidCredentials = errors.New("invalid credentials")
	ErrNotFound           = errors.New("not found")
)

// Error describes a failed API call.
type Error struct {
	// Kind is one of the sentinel errors above, or nil.
	Kind error

	// Method and Path identify the request.
	Method string
	Path   string

	// StatusCode is the HTTP status, or 0 when no response was received.
	StatusCode int

	// Message is the server-provided error text, if any.
	Message string

	// Fields maps input field names to validation messages.
	Fields map[string]string

	// Err is the underlying cause (transport error, refresh failure).
	Err error
}

func (e *Error) Error() string {
	var b strings.Builder
	if e.Method != "" {
		fmt.Fprintf(&b, "%s %s: ", e.Method, e.Path)
	}
	switch {
	case e.Kind != nil && e.StatusCode != 0:
		fmt.Fprintf(&b, "%v (%d)", e.Kind, e.StatusCode)
	case e.Kind != nil:
		b.WriteString(e.Kind.Error())
	default:
		fmt.Fprintf(&b, "unexpected status %d", e.StatusCode)
	}
	if e.Message != "" {
		b.WriteString(": ")
		b.WriteString(e.Message)
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

// Unwrap exposes both the kind and the cause to errors.Is/As.
func (e *Error) Unwrap() []error {
	var errs []error
	if e.Kind != nil {
		errs = append(errs, e.Kind)
	}
	if e.Err != nil {
		errs = append(errs, e.Err)
	}
	return errs
}

// kindForStatus maps an HTTP status to an error kind. Statuses with no
// special meaning map to nil and pass through as plain status errors.
func kindForStatus(code int) error {
	switch {
	case code == http.StatusUnauthorized:
		return ErrUnauthorized
	case code == http.StatusBadRequest, code == http.StatusUnprocessableEntity:
		return ErrValidation
	case code == http.StatusNotFound:
		return ErrNotFound
	case code >= 500:
		return ErrServer
	default:
		return nil
	}
}

// IsUnauthorized reports whether err is a terminal 401.
func IsUnauthorized(err error) bool { return errors.Is(err, ErrUnauthorized) }

// IsNetwork reports whether err is a transport failure.
func IsNetwork(err error) bool { return errors.Is(err, ErrNetwork) }

// IsValidation reports whether err was caused by bad client input.
func IsValidation(err error) bool { return errors.Is(err, ErrValidation) }

// IsServer reports whether err is a 5xx.
func IsServer(err error) bool { return errors.Is(err, ErrServer) }

// IsRefreshFailed reports whether err came from a failed token refresh.
func IsRefreshFailed(err error) bool { return errors.Is(err, ErrRefreshFailed) }

// StatusCode returns the HTTP status carried by err, or 0.
func StatusCode(err error) int {
	var apiErr *Error
	if errors.As(err, &apiErr) {
		return apiErr.StatusCode
	}
	return 0
}

// FieldErrors returns the validation messages carried by err, if any.
func FieldErrors(err error) map[string]string {
	var apiErr *Error
	if errors.As(err, &apiErr) {
		return apiErr.Fields
	}
	return nil
}
