package tui

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/bubbles/key"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/aristath/dagplanner/internal/persistence"
)

const listWidth = 28

// ChildPaneModel shows the children list and the selected child's details.
type ChildPaneModel struct {
	rows        []ChildRow
	audit       []persistence.AuditEvent
	selectedIdx int
	viewport    viewport.Model
	width       int
	height      int
	focused     bool
}

// NewChildPaneModel creates an empty child pane.
func NewChildPaneModel() ChildPaneModel {
	return ChildPaneModel{viewport: viewport.New(0, 0)}
}

// SetSnapshot replaces the displayed rows, keeping the selection on the
// same task when it still exists.
func (m *ChildPaneModel) SetSnapshot(s Snapshot) {
	selected := m.SelectedID()
	m.rows = s.Rows
	m.audit = s.Audit
	m.selectedIdx = 0
	for i, r := range m.rows {
		if r.Task.ID == selected {
			m.selectedIdx = i
			break
		}
	}
	m.updateViewportContent()
}

// Update handles messages for the child pane.
func (m ChildPaneModel) Update(msg tea.Msg) (ChildPaneModel, tea.Cmd) {
	var cmd tea.Cmd

	switch msg := msg.(type) {
	case tea.KeyMsg:
		if !m.focused {
			break
		}
		switch {
		case key.Matches(msg, keys.Down):
			if m.selectedIdx < len(m.rows)-1 {
				m.selectedIdx++
				m.updateViewportContent()
			}
		case key.Matches(msg, keys.Up):
			if m.selectedIdx > 0 {
				m.selectedIdx--
				m.updateViewportContent()
			}
		default:
			// Delegate other keys to viewport for scrolling
			m.viewport, cmd = m.viewport.Update(msg)
		}
	}

	return m, cmd
}

// View renders the child pane.
func (m ChildPaneModel) View() string {
	if m.width == 0 || m.height == 0 {
		return ""
	}

	detailWidth := m.width - listWidth - 4
	content := lipgloss.JoinHorizontal(
		lipgloss.Top,
		m.renderList(),
		lipgloss.NewStyle().
			Width(detailWidth).
			Height(m.height-2).
			Render(m.viewport.View()),
	)

	style := StyleUnfocusedBorder
	if m.focused {
		style = StyleFocusedBorder
	}
	return style.
		Width(m.width - 2).
		Height(m.height - 2).
		Render(content)
}

func (m ChildPaneModel) renderList() string {
	var b strings.Builder

	title := StyleTitle.Render("Children")
	b.WriteString(title)
	b.WriteString("\n")
	b.WriteString(strings.Repeat("=", min(listWidth, lipgloss.Width(title))))
	b.WriteString("\n\n")

	if len(m.rows) == 0 {
		b.WriteString(StyleStatusPending.Render("No children"))
	}
	for i, r := range m.rows {
		name := r.Task.Key
		if len(name) > listWidth-6 {
			name = name[:listWidth-9] + "..."
		}
		line := fmt.Sprintf("%s %s", StatusIcon(r), name)
		if i == m.selectedIdx {
			line = StyleSelected.Render(line)
		}
		b.WriteString(line)
		b.WriteString("\n")
	}

	return lipgloss.NewStyle().
		Width(listWidth).
		Height(m.height - 2).
		Render(b.String())
}

// SelectedID returns the id of the selected child, or "".
func (m ChildPaneModel) SelectedID() string {
	if m.selectedIdx >= 0 && m.selectedIdx < len(m.rows) {
		return m.rows[m.selectedIdx].Task.ID
	}
	return ""
}

func (m *ChildPaneModel) updateViewportContent() {
	if m.selectedIdx < 0 || m.selectedIdx >= len(m.rows) {
		m.viewport.SetContent("Waiting for children...")
		return
	}
	m.viewport.SetContent(detail(m.rows[m.selectedIdx], m.audit))
	m.viewport.GotoTop()
}

// detail renders everything known about one child.
func detail(r ChildRow, audit []persistence.AuditEvent) string {
	t := r.Task
	var b strings.Builder
	fmt.Fprintf(&b, "%s  %s\n", t.Key, t.Title)
	fmt.Fprintf(&b, "id:        %s\n", t.ID)
	fmt.Fprintf(&b, "status:    %s\n", t.Status)
	fmt.Fprintf(&b, "urgency:   %s (%.2f)\n", t.Band(), t.Score())
	if r.Claim != "" {
		fmt.Fprintf(&b, "planner:   %s\n", r.Claim)
	}
	if r.Workspace != "" {
		fmt.Fprintf(&b, "workspace: %s\n", r.Workspace)
	}
	if len(t.Dependencies) > 0 {
		fmt.Fprintf(&b, "depends:   %s\n", strings.Join(t.Dependencies, ", "))
	}
	if len(r.Unblocks) > 0 {
		fmt.Fprintf(&b, "unblocks:  %s\n", strings.Join(r.Unblocks, ", "))
	}
	if t.HasBlockers() {
		fmt.Fprintf(&b, "blockers:  %s\n", strings.Join(t.Metadata.BlockedBy, ", "))
	}

	md := t.Metadata
	if md.BlockedByGate != "" {
		b.WriteString("\n")
		b.WriteString(StyleStatusFailed.Render("Blocked"))
		b.WriteString("\n")
		fmt.Fprintf(&b, "gate:      %s\n", md.BlockedByGate)
		if md.GateScore != nil && md.GateThreshold != nil {
			fmt.Fprintf(&b, "score:     %.2f / %.2f\n", *md.GateScore, *md.GateThreshold)
		}
		fmt.Fprintf(&b, "retries:   %d\n", md.RetryCount)
		for _, issue := range md.GateIssues {
			fmt.Fprintf(&b, "  - %s\n", issue)
		}
		if md.CorrelationID != "" {
			fmt.Fprintf(&b, "trace:     %s\n", md.CorrelationID)
		}
	}

	var events []string
	for _, ev := range audit {
		if ev.TaskID == t.ID {
			events = append(events, fmt.Sprintf("%s  %s", ev.CreatedAt.Local().Format("15:04:05"), ev.Type))
		}
	}
	if len(events) > 0 {
		b.WriteString("\nEvents\n")
		b.WriteString(strings.Join(events, "\n"))
		b.WriteString("\n")
	}
	return b.String()
}

// SetSize updates the pane dimensions.
func (m *ChildPaneModel) SetSize(w, h int) {
	m.width = w
	m.height = h

	vw := max(m.width-listWidth-4, 10)
	vh := max(m.height-4, 5)
	m.viewport.Width = vw
	m.viewport.Height = vh
}

// SetFocused updates the focus state.
func (m *ChildPaneModel) SetFocused(focused bool) {
	m.focused = focused
}
