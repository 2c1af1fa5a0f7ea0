package main

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/spf13/cobra"

	"github.com/aristath/dagplanner/internal/tui"
)

func newWatchCmd(opts *rootOptions) *cobra.Command {
	var interval time.Duration

	cmd := &cobra.Command{
		Use:   "watch <orchestrator>",
		Short: "Open a live view of an orchestrator's children",
		Long: `Open a terminal view of the orchestrator's children, their readiness and
the recent audit trail. The view refreshes on an interval and whenever the
coordinator state file changes. It never modifies the state file.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			return withApp(ctx, opts, func(a *app) error {
				orch, err := a.resolveTask(ctx, args[0])
				if err != nil {
					return err
				}
				statePath := a.planner.StatePath(orch.Key)

				watcher, err := tui.NewStateWatcher(filepath.Dir(statePath))
				if err != nil {
					return fmt.Errorf("watching coordinator state: %w", err)
				}
				defer watcher.Close()

				load := tui.NewStoreLoader(a.store, orch.ID, statePath, 20)
				model := tui.New(ctx, load, interval, watcher.Changes())
				p := tea.NewProgram(model, tea.WithAltScreen(), tea.WithContext(ctx))
				if _, err := p.Run(); err != nil && !errors.Is(ctx.Err(), context.Canceled) {
					return fmt.Errorf("running watch view: %w", err)
				}
				return nil
			})
		},
	}

	cmd.Flags().DurationVar(&interval, "interval", tui.DefaultInterval, "refresh interval")
	return cmd
}
