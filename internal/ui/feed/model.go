// Package feed renders the live notification list.
package feed

import (
	"github.com/charmbracelet/bubbles/key"
	"github.com/charmbracelet/bubbles/list"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/nhle/familytree/internal/keys"
	"github.com/nhle/familytree/internal/model"
	"github.com/nhle/familytree/internal/notify"
	"github.com/nhle/familytree/internal/theme"
)

// Model is the notification list view component.
type Model struct {
	list   list.Model
	keys   *keys.KeyMap
	loaded bool
	width  int
	height int
}

// New creates a new feed list model.
func New(k *keys.KeyMap, width, height int) Model {
	l := list.New([]list.Item{}, Delegate{}, width, height)
	l.Title = "Notifications"
	l.SetShowStatusBar(true)
	l.SetShowHelp(false)
	l.SetFilteringEnabled(false)
	l.SetStatusBarItemName("notification", "notifications")
	l.Styles.Title = theme.HeaderStyle
	l.KeyMap.CursorDown = k.Down
	l.KeyMap.CursorUp = k.Up
	l.KeyMap.Quit = key.NewBinding(key.WithDisabled())

	return Model{
		list:   l,
		keys:   k,
		width:  width,
		height: height,
	}
}

// SetSnapshot replaces the rendered items, keeping the cursor on the
// same notification when it still exists.
func (m *Model) SetSnapshot(snap notify.Snapshot) tea.Cmd {
	selected, hadSelection := m.Selected()

	items := make([]list.Item, len(snap.Items))
	cursor := -1
	for i, n := range snap.Items {
		items[i] = Item{Notification: n}
		if hadSelection && n.ID == selected.ID {
			cursor = i
		}
	}

	m.loaded = snap.Loaded
	cmd := m.list.SetItems(items)
	if cursor >= 0 {
		m.list.Select(cursor)
	}
	return cmd
}

// Selected returns the notification under the cursor.
func (m Model) Selected() (model.Notification, bool) {
	it, ok := m.list.SelectedItem().(Item)
	if !ok {
		return model.Notification{}, false
	}
	return it.Notification, true
}

// Update handles navigation messages.
func (m Model) Update(msg tea.Msg) (Model, tea.Cmd) {
	var cmd tea.Cmd
	m.list, cmd = m.list.Update(msg)
	return m, cmd
}

// View renders the list or an empty-state message.
func (m Model) View() string {
	if len(m.list.Items()) == 0 {
		return m.renderEmptyState()
	}
	return m.list.View()
}

func (m Model) renderEmptyState() string {
	text := "Loading notifications..."
	if m.loaded {
		text = "You're all caught up."
	}

	return lipgloss.Place(
		m.width, m.height,
		lipgloss.Center, lipgloss.Center,
		theme.HelpStyle.Render(text),
	)
}

// SetSize updates the list dimensions.
func (m *Model) SetSize(width, height int) {
	m.width = width
	m.height = height
	m.list.SetSize(width, height)
}
