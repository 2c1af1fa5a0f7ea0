package main

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/aristath/dagplanner/internal/scheduler"
	"github.com/aristath/dagplanner/internal/worktree"
)

func newReleaseCmd(opts *rootOptions) *cobra.Command {
	var (
		force bool
		all   bool
	)

	cmd := &cobra.Command{
		Use:   "release <key>... | release --all <orchestrator>",
		Short: "Remove task workspaces",
		Long: `Remove the git worktree provisioned for each task key. Workspaces with
uncommitted changes are left in place unless --force is given.

With --all, the workspaces of every completed child of the orchestrator are
released.`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			if all && len(args) != 1 {
				return errors.New("--all takes exactly one orchestrator")
			}
			return withApp(ctx, opts, func(a *app) error {
				keys := args
				if all {
					orch, err := a.resolveTask(ctx, args[0])
					if err != nil {
						return err
					}
					children, err := a.store.ListChildren(ctx, orch.ID)
					if err != nil {
						return err
					}
					keys = nil
					for _, c := range children {
						if c.Status == scheduler.StatusCompleted {
							keys = append(keys, c.Key)
						}
					}
				}

				failed := 0
				for _, res := range a.workspace.ReleaseAll(ctx, keys, force, a.planner.Concurrency()) {
					line := fmt.Sprintf("%-12s %s", res.Status, res.Key)
					if res.Err != nil {
						line += ": " + res.Err.Error()
					}
					fmt.Fprintln(cmd.OutOrStdout(), line)
					if res.Status == worktree.ReleaseIncomplete {
						failed++
					}
				}
				if failed > 0 {
					return fmt.Errorf("%d workspaces could not be removed", failed)
				}
				return nil
			})
		},
	}

	cmd.Flags().BoolVarP(&force, "force", "f", false, "remove workspaces with uncommitted changes")
	cmd.Flags().BoolVar(&all, "all", false, "release every completed child of an orchestrator")
	return cmd
}
