package theme

import (
	"github.com/charmbracelet/lipgloss"

	"github.com/agusx1211/missionpilot/internal/session"
)

// Color palette - dark theme inspired by Catppuccin Mocha
var (
	ColorBase     = lipgloss.Color("#1e1e2e")
	ColorSurface0 = lipgloss.Color("#313244")
	ColorSurface2 = lipgloss.Color("#585b70")
	ColorOverlay0 = lipgloss.Color("#6c7086")
	ColorText     = lipgloss.Color("#cdd6f4")
	ColorSubtext0 = lipgloss.Color("#a6adc8")

	ColorRed      = lipgloss.Color("#f38ba8")
	ColorGreen    = lipgloss.Color("#a6e3a1")
	ColorYellow   = lipgloss.Color("#f9e2af")
	ColorBlue     = lipgloss.Color("#89b4fa")
	ColorMauve    = lipgloss.Color("#cba6f7")
	ColorTeal     = lipgloss.Color("#94e2d5")
	ColorPeach    = lipgloss.Color("#fab387")
	ColorLavender = lipgloss.Color("#b4befe")
)

// State indicator styles
var (
	StateIdle     = lipgloss.NewStyle().Foreground(ColorOverlay0).SetString("○")
	StateActive   = lipgloss.NewStyle().Foreground(ColorYellow).Bold(true).SetString("◐")
	StateGameplay = lipgloss.NewStyle().Foreground(ColorGreen).Bold(true).SetString("●")
	StateError    = lipgloss.NewStyle().Foreground(ColorRed).Bold(true).SetString("✗")
)

// StateIndicator returns a styled glyph for a session state.
func StateIndicator(state session.State) string {
	switch {
	case state == session.StateError:
		return StateError.String()
	case state.InGameplay():
		return StateGameplay.String()
	case state.Active():
		return StateActive.String()
	default:
		return StateIdle.String()
	}
}

// StateColor returns the color used for a session state label.
func StateColor(state session.State) lipgloss.Color {
	switch {
	case state == session.StateError:
		return ColorRed
	case state.InGameplay():
		return ColorGreen
	case state.Active():
		return ColorYellow
	default:
		return ColorSubtext0
	}
}
