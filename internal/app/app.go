package app

import (
	"context"
	"fmt"

	"github.com/charmbracelet/bubbles/key"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/rs/zerolog"

	"github.com/nhle/familytree/internal/auth"
	"github.com/nhle/familytree/internal/keys"
	"github.com/nhle/familytree/internal/model"
	"github.com/nhle/familytree/internal/notify"
	"github.com/nhle/familytree/internal/realtime"
	appsync "github.com/nhle/familytree/internal/sync"
	"github.com/nhle/familytree/internal/theme"
	"github.com/nhle/familytree/internal/ui"
	"github.com/nhle/familytree/internal/ui/feed"
	helpview "github.com/nhle/familytree/internal/ui/help"
	"github.com/nhle/familytree/internal/ui/login"
)

// expiredNotice is shown on the login form after a refresh failure.
const expiredNotice = "Your session has expired. Please sign in again."

// startFailedMsg is sent when the supervisor cannot subscribe.
type startFailedMsg struct{ err error }

// ViewState represents the current active view in the application.
type ViewState int

const (
	ViewLogin ViewState = iota
	ViewFeed
	ViewHelp
)

// Model is the root Bubble Tea model. It routes between the login form
// and the live feed and forwards user actions to the session core.
type Model struct {
	currentView  ViewState
	previousView ViewState
	layout       ui.Layout
	keys         *keys.KeyMap
	loginView    login.Model
	feedView     feed.Model
	helpView     helpview.Model

	auth       *auth.Manager
	notes      *notify.Sync
	supervisor *appsync.Supervisor
	log        zerolog.Logger

	session    model.Session
	connection realtime.State
	unread     int
	notice     string
	ready      bool
}

// New creates the root model. The supervisor is started by Init.
func New(a *auth.Manager, notes *notify.Sync, sup *appsync.Supervisor, log zerolog.Logger) Model {
	k := keys.DefaultKeyMap()
	m := Model{
		keys:       k,
		loginView:  login.New(80, 24),
		feedView:   feed.New(k, 80, 24),
		helpView:   helpview.New(k, 80, 24),
		auth:       a,
		notes:      notes,
		supervisor: sup,
		log:        log,
		session:    a.CurrentSession(),
	}
	if m.session.Active() {
		m.currentView = ViewFeed
	} else {
		m.loginView.Start("")
	}
	return m
}

// Init starts the supervisor and, without a session, the login form.
func (m Model) Init() tea.Cmd {
	return tea.Batch(m.startSupervisor(), m.loginView.Init())
}

func (m Model) startSupervisor() tea.Cmd {
	cmd, err := m.supervisor.Start()
	if err != nil {
		return func() tea.Msg { return startFailedMsg{err: err} }
	}
	return cmd
}

// Update handles messages and dispatches to the active view.
func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.layout = ui.NewLayout(msg.Width, msg.Height)
		m.ready = true
		w, h := m.layout.ContentWidth(), m.layout.ContentHeight()
		m.loginView.SetSize(w, h)
		m.feedView.SetSize(w, h)
		m.helpView.SetSize(w, h)
		// Forward to active view so huh forms can calculate their layout.
		return m.updateActiveView(msg)

	case startFailedMsg:
		m.log.Error().Err(msg.err).Msg("starting supervisor")
		m.notice = msg.err.Error()
		return m, nil

	case appsync.SessionMsg:
		cmd := m.onSession(msg)
		return m, tea.Batch(cmd, m.supervisor.WaitForNextMsg())

	case appsync.FeedMsg:
		m.unread = msg.Snapshot.UnreadCount
		cmd := m.feedView.SetSnapshot(msg.Snapshot)
		return m, tea.Batch(cmd, m.supervisor.WaitForNextMsg())

	case appsync.ConnectionMsg:
		m.connection = msg.State
		return m, m.supervisor.WaitForNextMsg()

	case appsync.ResyncMsg:
		if msg.Error != nil {
			m.notice = "Reload failed: " + describe(msg.Error)
		}
		return m, m.supervisor.WaitForNextMsg()

	case login.SubmitMsg:
		m.loginView.SetPending(true)
		return m, m.login(msg.Email, msg.Password)

	case login.CancelMsg:
		m.supervisor.Stop()
		return m, tea.Quit

	case loginResultMsg:
		if msg.err != nil {
			m.log.Debug().Err(msg.err).Msg("login failed")
			return m, m.loginView.Start(describe(msg.err))
		}
		m.notice = ""
		m.session = m.auth.CurrentSession()
		m.currentView = ViewFeed
		return m, nil

	case actionResultMsg:
		if msg.err != nil {
			m.notice = fmt.Sprintf("%s failed: %s", msg.label, describe(msg.err))
		} else {
			m.notice = ""
		}
		return m, nil

	case loggedOutMsg:
		m.session = m.auth.CurrentSession()
		m.unread = 0
		m.currentView = ViewLogin
		return m, m.loginView.Start("")

	case tea.KeyMsg:
		if msg.String() == "ctrl+c" {
			m.supervisor.Stop()
			return m, tea.Quit
		}
		if m.currentView != ViewLogin {
			if next, cmd, handled := m.handleKey(msg); handled {
				return next, cmd
			}
		}
	}

	// Delegate to active sub-view
	return m.updateActiveView(msg)
}

// onSession follows session transitions: the feed is shown while a
// session is active, the login form otherwise.
func (m *Model) onSession(msg appsync.SessionMsg) tea.Cmd {
	m.session = msg.Session

	if msg.Session.Active() {
		if m.currentView == ViewLogin {
			m.currentView = ViewFeed
		}
		return nil
	}

	m.unread = 0
	if m.currentView == ViewLogin {
		if msg.Expired {
			return m.loginView.Start(expiredNotice)
		}
		return nil
	}

	m.currentView = ViewLogin
	notice := ""
	if msg.Expired {
		notice = expiredNotice
	}
	return m.loginView.Start(notice)
}

// handleKey processes global keys outside the login form.
func (m Model) handleKey(msg tea.KeyMsg) (tea.Model, tea.Cmd, bool) {
	switch {
	case key.Matches(msg, m.keys.Quit):
		m.supervisor.Stop()
		return m, tea.Quit, true

	case key.Matches(msg, m.keys.Help):
		if m.currentView == ViewHelp {
			m.currentView = m.previousView
		} else {
			m.previousView = m.currentView
			m.currentView = ViewHelp
		}
		return m, nil, true

	case key.Matches(msg, m.keys.Back):
		if m.currentView == ViewHelp {
			m.currentView = m.previousView
			return m, nil, true
		}
	}

	if m.currentView != ViewFeed {
		return m, nil, false
	}

	switch {
	case key.Matches(msg, m.keys.MarkRead):
		if n, ok := m.feedView.Selected(); ok && !n.Read {
			id := n.ID
			return m, m.feedAction("Mark read", func(ctx context.Context) error { return m.notes.MarkRead(ctx, id) }), true
		}
		return m, nil, true

	case key.Matches(msg, m.keys.MarkAllRead):
		return m, m.feedAction("Mark all read", m.notes.MarkAllRead), true

	case key.Matches(msg, m.keys.Delete):
		if n, ok := m.feedView.Selected(); ok {
			id := n.ID
			return m, m.feedAction("Delete", func(ctx context.Context) error { return m.notes.Delete(ctx, id) }), true
		}
		return m, nil, true

	case key.Matches(msg, m.keys.DeleteAll):
		return m, m.feedAction("Delete all", m.notes.DeleteAll), true

	case key.Matches(msg, m.keys.Reload):
		m.notice = ""
		return m, m.supervisor.Resync(), true

	case key.Matches(msg, m.keys.Logout):
		return m, m.logout(), true
	}

	return m, nil, false
}

// updateActiveView dispatches the message to the currently active view.
func (m Model) updateActiveView(msg tea.Msg) (tea.Model, tea.Cmd) {
	var cmd tea.Cmd

	switch m.currentView {
	case ViewLogin:
		m.loginView, cmd = m.loginView.Update(msg)
	case ViewFeed:
		m.feedView, cmd = m.feedView.Update(msg)
	case ViewHelp:
		m.helpView, cmd = m.helpView.Update(msg)
	}

	return m, cmd
}

// View renders the full terminal UI using the layout manager.
func (m Model) View() string {
	if !m.ready {
		return "Loading..."
	}

	badge := ""
	if m.unread > 0 && m.session.Active() {
		badge = theme.UnreadBadgeStyle.Render(fmt.Sprintf("%d new", m.unread))
	}

	header := m.layout.RenderHeader("Family Tree", badge, m.statusText())
	statusBar := m.layout.RenderStatusBar(m.keyHints())

	return m.layout.RenderWithFrame(header, m.renderContent(), statusBar)
}

// renderContent returns the rendered string for the current active view.
func (m Model) renderContent() string {
	switch m.currentView {
	case ViewLogin:
		return m.loginView.View()
	case ViewFeed:
		return m.feedView.View()
	case ViewHelp:
		return m.helpView.View()
	default:
		return ""
	}
}

// statusText describes the user and the realtime connection.
func (m Model) statusText() string {
	if !m.session.Active() {
		return m.session.Status.String()
	}

	conn := theme.ConnectionStyle(m.connection).Render("● " + m.connection.String())
	status := m.supervisor.Status()
	if status.State == appsync.SyncRunning {
		conn += " syncing"
	}
	return fmt.Sprintf("%s  %s", m.session.User.DisplayName(), conn)
}

// keyHints returns keyboard shortcut hints for the status bar.
func (m Model) keyHints() string {
	if m.notice != "" && m.currentView == ViewFeed {
		return theme.ErrorStyle.Render(m.notice)
	}

	switch m.currentView {
	case ViewLogin:
		return "enter submit | esc quit"
	case ViewHelp:
		return "? close help | esc back"
	default:
		return m.helpView.ShortView()
	}
}
