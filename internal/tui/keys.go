package tui

import (
	"strings"

	"github.com/charmbracelet/bubbles/key"
)

type keyMap struct {
	Quit     key.Binding
	NextPane key.Binding
	Children key.Binding
	Progress key.Binding
	Up       key.Binding
	Down     key.Binding
	Refresh  key.Binding
}

var keys = keyMap{
	Quit:     key.NewBinding(key.WithKeys("q", "ctrl+c"), key.WithHelp("q", "quit")),
	NextPane: key.NewBinding(key.WithKeys("tab", "shift+tab"), key.WithHelp("tab", "cycle focus")),
	Children: key.NewBinding(key.WithKeys("1"), key.WithHelp("1/2", "jump to pane")),
	Progress: key.NewBinding(key.WithKeys("2")),
	Up:       key.NewBinding(key.WithKeys("k", "up")),
	Down:     key.NewBinding(key.WithKeys("j", "down"), key.WithHelp("j/k", "select child")),
	Refresh:  key.NewBinding(key.WithKeys("r"), key.WithHelp("r", "refresh")),
}

// HelpView returns a one-line help bar.
func HelpView() string {
	var parts []string
	for _, b := range []key.Binding{keys.NextPane, keys.Children, keys.Down, keys.Refresh, keys.Quit} {
		h := b.Help()
		parts = append(parts, h.Key+": "+h.Desc)
	}
	return StyleHelp.Render(strings.Join(parts, " | "))
}
