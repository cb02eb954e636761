package theme

import (
	"github.com/charmbracelet/lipgloss"

	"github.com/nhle/familytree/internal/model"
	"github.com/nhle/familytree/internal/realtime"
)

// Adaptive color pairs (dark terminal value, light terminal value).
var (
	ColorBlue    = lipgloss.AdaptiveColor{Dark: "#5B9BD5", Light: "#2B6CB0"}
	ColorGreen   = lipgloss.AdaptiveColor{Dark: "#6BCB77", Light: "#2F855A"}
	ColorYellow  = lipgloss.AdaptiveColor{Dark: "#FFD93D", Light: "#B7791F"}
	ColorRed     = lipgloss.AdaptiveColor{Dark: "#FF6B6B", Light: "#C53030"}
	ColorOrange  = lipgloss.AdaptiveColor{Dark: "#FFA94D", Light: "#C05621"}
	ColorMagenta = lipgloss.AdaptiveColor{Dark: "#CC5DE8", Light: "#805AD5"}
	ColorGray    = lipgloss.AdaptiveColor{Dark: "#868E96", Light: "#718096"}
	ColorWhite   = lipgloss.AdaptiveColor{Dark: "#F8F9FA", Light: "#1A202C"}
	ColorSubtle  = lipgloss.AdaptiveColor{Dark: "#495057", Light: "#CBD5E0"}
	ColorBorder  = lipgloss.AdaptiveColor{Dark: "#495057", Light: "#E2E8F0"}
)

// HeaderStyle is used for top-level section headers and the application title.
var HeaderStyle = lipgloss.NewStyle().
	Bold(true).
	Foreground(ColorWhite).
	Background(ColorBlue).
	Padding(0, 1)

// StatusBarStyle is used for the bottom status bar.
var StatusBarStyle = lipgloss.NewStyle().
	Foreground(ColorWhite).
	Background(ColorSubtle).
	Padding(0, 1)

// ListItemStyle is the base style for items in a list.
var ListItemStyle = lipgloss.NewStyle().
	PaddingLeft(2)

// SelectedItemStyle highlights the currently focused list item.
var SelectedItemStyle = lipgloss.NewStyle().
	PaddingLeft(1).
	Bold(true).
	Foreground(ColorBlue).
	Border(lipgloss.NormalBorder(), false, false, false, true).
	BorderForeground(ColorBlue)

// DimmedStyle renders read notifications.
var DimmedStyle = lipgloss.NewStyle().
	Foreground(ColorGray)

// UnreadBadgeStyle renders the unread counter in the header.
var UnreadBadgeStyle = lipgloss.NewStyle().
	Bold(true).
	Foreground(ColorWhite).
	Background(ColorRed).
	Padding(0, 1)

// ErrorStyle renders failures in the status bar.
var ErrorStyle = lipgloss.NewStyle().
	Bold(true).
	Foreground(ColorRed)

// HelpStyle is used for keyboard shortcut hints and help text.
var HelpStyle = lipgloss.NewStyle().
	Foreground(ColorGray).
	Italic(true)

// BorderStyle provides a standard rounded border for panels.
var BorderStyle = lipgloss.NewStyle().
	Border(lipgloss.RoundedBorder()).
	BorderForeground(ColorBorder)

// KindStyle returns a color-coded style for the given notification kind.
func KindStyle(kind model.NotificationKind) lipgloss.Style {
	base := lipgloss.NewStyle().Bold(true).Padding(0, 1)

	switch kind {
	case model.KindRelationshipRequest:
		return base.Foreground(ColorYellow)
	case model.KindRelationshipAccepted:
		return base.Foreground(ColorGreen)
	case model.KindRelationshipRejected:
		return base.Foreground(ColorRed)
	case model.KindMemoryShared:
		return base.Foreground(ColorMagenta)
	case model.KindEventReminder:
		return base.Foreground(ColorOrange)
	case model.KindMessage:
		return base.Foreground(ColorBlue)
	default:
		return base.Foreground(ColorGray)
	}
}

// KindLabel returns a short badge for the given notification kind.
func KindLabel(kind model.NotificationKind) string {
	switch kind {
	case model.KindRelationshipRequest:
		return "REQ"
	case model.KindRelationshipAccepted:
		return "ACC"
	case model.KindRelationshipRejected:
		return "REJ"
	case model.KindMemoryShared:
		return "MEM"
	case model.KindEventReminder:
		return "EVT"
	case model.KindMessage:
		return "MSG"
	default:
		return "---"
	}
}

// ConnectionStyle returns the style used for the realtime indicator.
func ConnectionStyle(state realtime.State) lipgloss.Style {
	base := lipgloss.NewStyle().Bold(true)

	switch state {
	case realtime.Connected:
		return base.Foreground(ColorGreen)
	case realtime.Connecting:
		return base.Foreground(ColorYellow)
	default:
		return base.Foreground(ColorGray)
	}
}

// Apply switches the palette by name. "plain" strips all colors; any
// other value keeps the default palette.
func Apply(name string) {
	if name != "plain" {
		return
	}

	plain := lipgloss.NoColor{}
	for _, c := range []*lipgloss.AdaptiveColor{
		&ColorBlue, &ColorGreen, &ColorYellow, &ColorRed, &ColorOrange,
		&ColorMagenta, &ColorGray, &ColorWhite, &ColorSubtle, &ColorBorder,
	} {
		*c = lipgloss.AdaptiveColor{}
	}

	HeaderStyle = HeaderStyle.Foreground(plain).Background(plain)
	StatusBarStyle = StatusBarStyle.Foreground(plain).Background(plain)
	SelectedItemStyle = SelectedItemStyle.Foreground(plain).BorderForeground(plain)
	DimmedStyle = DimmedStyle.Foreground(plain).Faint(true)
	UnreadBadgeStyle = UnreadBadgeStyle.Foreground(plain).Background(plain).Reverse(true)
	ErrorStyle = ErrorStyle.Foreground(plain)
	HelpStyle = HelpStyle.Foreground(plain)
	BorderStyle = BorderStyle.BorderForeground(plain)
}
