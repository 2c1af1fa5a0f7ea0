package tui

import (
	"fmt"
	"strings"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
)

// ProgressPaneModel shows aggregate progress of the orchestrator.
type ProgressPaneModel struct {
	snap    Snapshot
	err     error
	width   int
	height  int
	focused bool
}

// NewProgressPaneModel creates a new progress pane model.
func NewProgressPaneModel() ProgressPaneModel {
	return ProgressPaneModel{}
}

// Update handles messages for the progress pane.
func (m ProgressPaneModel) Update(msg tea.Msg) (ProgressPaneModel, tea.Cmd) {
	if msg, ok := msg.(snapshotMsg); ok {
		m.err = msg.err
		if msg.err == nil {
			m.snap = msg.snap
		}
	}
	return m, nil
}

// View renders the progress pane.
func (m ProgressPaneModel) View() string {
	if m.width == 0 || m.height == 0 {
		return ""
	}

	var b strings.Builder

	title := StyleTitle.Render("Progress " + m.snap.OrchestratorKey)
	b.WriteString(title)
	b.WriteString("\n")
	b.WriteString(strings.Repeat("=", lipgloss.Width(title)))
	b.WriteString("\n\n")

	c := m.snap.Counts()
	b.WriteString(fmt.Sprintf("Total:     %d\n", c.Total))
	b.WriteString(fmt.Sprintf("Completed: %s\n", StyleStatusComplete.Render(fmt.Sprint(c.Completed))))
	b.WriteString(fmt.Sprintf("Running:   %s\n", StyleStatusRunning.Render(fmt.Sprint(c.Running))))
	b.WriteString(fmt.Sprintf("Ready:     %s\n", StyleStatusReady.Render(fmt.Sprint(c.Ready))))
	b.WriteString(fmt.Sprintf("Blocked:   %s\n", StyleStatusFailed.Render(fmt.Sprint(c.Blocked))))
	b.WriteString(fmt.Sprintf("Pending:   %s\n", StyleStatusPending.Render(fmt.Sprint(c.Pending))))
	b.WriteString("\n")

	if c.Total > 0 {
		barWidth := min(m.width-4, 40)
		completedWidth := (c.Completed * barWidth) / c.Total
		blockedWidth := (c.Blocked * barWidth) / c.Total
		runningWidth := (c.Running * barWidth) / c.Total
		pendingWidth := barWidth - completedWidth - blockedWidth - runningWidth

		bar := StyleStatusComplete.Render(strings.Repeat("=", max(0, completedWidth)))
		bar += StyleStatusFailed.Render(strings.Repeat("!", max(0, blockedWidth)))
		bar += StyleStatusRunning.Render(strings.Repeat("-", max(0, runningWidth)))
		bar += StyleStatusPending.Render(strings.Repeat(".", max(0, pendingWidth)))

		b.WriteString(fmt.Sprintf("[%s]  %d/%d\n", bar, c.Completed, c.Total))
	}

	if len(m.snap.Cycle) > 0 {
		b.WriteString("\n")
		b.WriteString(StyleWarning.Render("Cycle: " + strings.Join(m.snap.Cycle, " -> ")))
		b.WriteString("\n")
	}
	for _, e := range m.snap.DAGErrors {
		b.WriteString(StyleWarning.Render(e))
		b.WriteString("\n")
	}
	if m.snap.StateError != "" {
		b.WriteString(StyleWarning.Render("state: " + m.snap.StateError))
		b.WriteString("\n")
	}
	if m.err != nil {
		b.WriteString(StyleStatusFailed.Render("refresh failed: " + m.err.Error()))
		b.WriteString("\n")
	}
	if !m.snap.LoadedAt.IsZero() {
		b.WriteString(StyleHelp.Render("updated " + m.snap.LoadedAt.Format("15:04:05")))
	}

	style := StyleUnfocusedBorder
	if m.focused {
		style = StyleFocusedBorder
	}
	return style.
		Width(m.width - 2).
		Height(m.height - 2).
		Render(b.String())
}

// SetSize updates the pane dimensions.
func (m *ProgressPaneModel) SetSize(w, h int) {
	m.width = w
	m.height = h
}

// SetFocused updates the focus state.
func (m *ProgressPaneModel) SetFocused(focused bool) {
	m.focused = focused
}
