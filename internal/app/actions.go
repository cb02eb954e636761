package app

import (
	"context"
	"errors"
	"maps"
	"slices"
	"time"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/nhle/familytree/internal/api"
	"github.com/nhle/familytree/internal/auth"
)

// actionTimeout bounds a single user-triggered request.
const actionTimeout = 15 * time.Second

// loginResultMsg is sent after a login attempt completes.
type loginResultMsg struct{ err error }

// actionResultMsg is sent after a feed mutation completes. The feed has
// already rolled back on failure; err is only reported.
type actionResultMsg struct {
	label string
	err   error
}

// loggedOutMsg is sent after logout teardown finishes.
type loggedOutMsg struct{}

// login submits credentials to the auth manager.
func (m *Model) login(email, password string) tea.Cmd {
	a := m.auth
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), actionTimeout)
		defer cancel()
		_, err := a.Login(ctx, email, password)
		return loginResultMsg{err: err}
	}
}

// logout ends the session through the supervisor so the channel and
// feed are torn down before the message arrives.
func (m *Model) logout() tea.Cmd {
	sup := m.supervisor
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), actionTimeout)
		defer cancel()
		sup.Logout(ctx)
		return loggedOutMsg{}
	}
}

// feedAction runs one optimistic feed mutation in the background.
func (m *Model) feedAction(label string, fn func(context.Context) error) tea.Cmd {
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), actionTimeout)
		defer cancel()
		return actionResultMsg{label: label, err: fn(ctx)}
	}
}

// describe turns an error into a short status-bar message.
func describe(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, api.ErrInvalidCredentials):
		return "Invalid email or password"
	case errors.Is(err, auth.ErrSessionEnded):
		return "Session ended"
	case api.IsRefreshFailed(err), api.IsUnauthorized(err):
		return "Session expired, please sign in again"
	case api.IsNetwork(err):
		return "Server unreachable, try again later"
	case api.IsValidation(err):
		fields := api.FieldErrors(err)
		if len(fields) == 0 {
			return "Request rejected by server"
		}
		first := slices.Sorted(maps.Keys(fields))[0]
		return first + ": " + fields[first]
	case api.IsServer(err):
		return "Server error, try again later"
	default:
		return err.Error()
	}
}
