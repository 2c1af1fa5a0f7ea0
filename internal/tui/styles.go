package tui

import (
	"github.com/charmbracelet/lipgloss"

	"github.com/aristath/dagplanner/internal/scheduler"
)

// Border styles
var (
	StyleFocusedBorder = lipgloss.NewStyle().
				Border(lipgloss.RoundedBorder()).
				BorderForeground(lipgloss.Color("62"))

	StyleUnfocusedBorder = lipgloss.NewStyle().
				Border(lipgloss.RoundedBorder()).
				BorderForeground(lipgloss.Color("240"))
)

// Status styles
var (
	StyleStatusRunning = lipgloss.NewStyle().
				Foreground(lipgloss.Color("220")).
				Bold(true)

	StyleStatusComplete = lipgloss.NewStyle().
				Foreground(lipgloss.Color("42")).
				Bold(true)

	StyleStatusFailed = lipgloss.NewStyle().
				Foreground(lipgloss.Color("196")).
				Bold(true)

	StyleStatusReady = lipgloss.NewStyle().
				Foreground(lipgloss.Color("39"))

	StyleStatusPending = lipgloss.NewStyle().
				Foreground(lipgloss.Color("240"))
)

// UI element styles
var (
	StyleTitle = lipgloss.NewStyle().
			Bold(true).
			Padding(0, 1)

	StyleHelp = lipgloss.NewStyle().
			Foreground(lipgloss.Color("241"))

	StyleSelected = lipgloss.NewStyle().
			Background(lipgloss.Color("62")).
			Foreground(lipgloss.Color("0"))

	StyleWarning = lipgloss.NewStyle().
			Foreground(lipgloss.Color("208")).
			Bold(true)
)

// StatusIcon returns a styled indicator for a child row.
func StatusIcon(r ChildRow) string {
	switch {
	case r.Task.Status == scheduler.StatusCompleted:
		return StyleStatusComplete.Render("✓")
	case r.Task.Status == scheduler.StatusCancelled:
		return StyleStatusPending.Render("−")
	case r.Task.Status == scheduler.StatusBlocked:
		return StyleStatusFailed.Render("✗")
	case r.Running():
		return StyleStatusRunning.Render("●")
	case r.Ready:
		return StyleStatusReady.Render("▶")
	default:
		return StyleStatusPending.Render("○")
	}
}
