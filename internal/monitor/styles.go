package monitor

import (
	"github.com/charmbracelet/lipgloss"

	"github.com/agusx1211/missionpilot/internal/theme"
)

var (
	panelStyle = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(theme.ColorSurface2).
			Padding(0, 1)

	headerStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(theme.ColorBase).
			Background(theme.ColorBlue).
			Padding(0, 2)

	statusBarStyle = lipgloss.NewStyle().
			Foreground(theme.ColorSubtext0).
			Background(theme.ColorSurface0).
			Padding(0, 1)

	sectionTitleStyle = lipgloss.NewStyle().
				Bold(true).
				Foreground(theme.ColorLavender)

	labelStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(theme.ColorMauve).
			Width(12)

	valueStyle = lipgloss.NewStyle().
			Foreground(theme.ColorText)

	dimStyle = lipgloss.NewStyle().
			Foreground(theme.ColorOverlay0)

	errorStyle = lipgloss.NewStyle().
			Foreground(theme.ColorRed)

	livesStyle = lipgloss.NewStyle().
			Foreground(theme.ColorPeach).
			Bold(true)
)
