package tui

import (
	"context"
	"time"

	"github.com/charmbracelet/bubbles/key"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
)

// PaneID identifies which pane is focused.
type PaneID int

const (
	PaneChildren PaneID = iota
	PaneProgress
)

const paneCount = 2

// DefaultInterval is how often the view polls when no file change arrives.
const DefaultInterval = 2 * time.Second

// snapshotMsg carries the result of one load.
type snapshotMsg struct {
	snap Snapshot
	err  error
}

// pollMsg triggers a periodic reload.
type pollMsg time.Time

// stateChangedMsg is sent when the coordinator state directory changed.
type stateChangedMsg struct{}

// Model is the root Bubble Tea model for the watch view.
type Model struct {
	ctx          context.Context
	load         Loader
	interval     time.Duration
	changes      <-chan struct{}
	childPane    ChildPaneModel
	progressPane ProgressPaneModel
	focusedPane  PaneID
	width        int
	height       int
	quitting     bool
}

// New creates the watch model. changes may be nil, in which case the view
// only polls.
func New(ctx context.Context, load Loader, interval time.Duration, changes <-chan struct{}) Model {
	if interval <= 0 {
		interval = DefaultInterval
	}
	m := Model{
		ctx:          ctx,
		load:         load,
		interval:     interval,
		changes:      changes,
		childPane:    NewChildPaneModel(),
		progressPane: NewProgressPaneModel(),
		focusedPane:  PaneChildren,
	}
	m.updateFocusStates()
	return m
}

// Init loads the first snapshot and starts polling.
func (m Model) Init() tea.Cmd {
	return tea.Batch(m.loadCmd(), m.tick(), waitForChange(m.changes))
}

func (m Model) loadCmd() tea.Cmd {
	ctx, load := m.ctx, m.load
	return func() tea.Msg {
		snap, err := load(ctx)
		return snapshotMsg{snap: snap, err: err}
	}
}

func (m Model) tick() tea.Cmd {
	return tea.Tick(m.interval, func(t time.Time) tea.Msg { return pollMsg(t) })
}

// waitForChange returns a command that waits for the next state change.
func waitForChange(changes <-chan struct{}) tea.Cmd {
	if changes == nil {
		return nil
	}
	return func() tea.Msg {
		if _, ok := <-changes; !ok {
			return nil // watcher closed
		}
		return stateChangedMsg{}
	}
}

// Update handles messages and updates the model.
func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	var cmds []tea.Cmd

	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch {
		case key.Matches(msg, keys.Quit):
			m.quitting = true
			return m, tea.Quit

		case key.Matches(msg, keys.NextPane):
			m.focusedPane = (m.focusedPane + 1) % paneCount
			m.updateFocusStates()

		case key.Matches(msg, keys.Children):
			m.focusedPane = PaneChildren
			m.updateFocusStates()

		case key.Matches(msg, keys.Progress):
			m.focusedPane = PaneProgress
			m.updateFocusStates()

		case key.Matches(msg, keys.Refresh):
			cmds = append(cmds, m.loadCmd())

		case m.focusedPane == PaneChildren:
			var cmd tea.Cmd
			m.childPane, cmd = m.childPane.Update(msg)
			cmds = append(cmds, cmd)
		}

	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		m.computeLayout()

	case snapshotMsg:
		if msg.err == nil {
			m.childPane.SetSnapshot(msg.snap)
		}
		var cmd tea.Cmd
		m.progressPane, cmd = m.progressPane.Update(msg)
		cmds = append(cmds, cmd)

	case pollMsg:
		cmds = append(cmds, m.loadCmd(), m.tick())

	case stateChangedMsg:
		cmds = append(cmds, m.loadCmd(), waitForChange(m.changes))
	}

	return m, tea.Batch(cmds...)
}

// View renders the TUI.
func (m Model) View() string {
	if m.quitting {
		return "Goodbye!\n"
	}
	if m.width == 0 || m.height == 0 {
		return "Initializing..."
	}

	mainContent := lipgloss.JoinHorizontal(lipgloss.Top, m.childPane.View(), m.progressPane.View())
	return lipgloss.JoinVertical(lipgloss.Left, mainContent, HelpView())
}

// computeLayout calculates pane dimensions and updates all child models.
func (m *Model) computeLayout() {
	leftWidth := (m.width * 65) / 100
	rightWidth := m.width - leftWidth
	availableHeight := m.height - 1 // help bar

	m.childPane.SetSize(leftWidth, availableHeight)
	m.progressPane.SetSize(rightWidth, availableHeight)
	m.updateFocusStates()
}

// updateFocusStates updates the focus state of all panes.
func (m *Model) updateFocusStates() {
	m.childPane.SetFocused(m.focusedPane == PaneChildren)
	m.progressPane.SetFocused(m.focusedPane == PaneProgress)
}
