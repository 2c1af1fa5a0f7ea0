package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/aristath/dagplanner/internal/coordstate"
	"github.com/aristath/dagplanner/internal/scheduler"
)

func newMarkCmd(opts *rootOptions) *cobra.Command {
	var updateStore bool

	cmd := &cobra.Command{
		Use:   "mark <orchestrator> <task> completed|failed",
		Short: "Record a child outcome in the coordinator state",
		Long: `Record that a started child finished. The coordinator state is updated so
later plans never start it again. With --update-store a completed child is
also marked completed in the task store, which unblocks its dependents.`,
		Args: cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			status := coordstate.ChildStatus(args[2])
			if status != coordstate.ChildCompleted && status != coordstate.ChildFailed {
				return fmt.Errorf("outcome must be %q or %q, got %q", coordstate.ChildCompleted, coordstate.ChildFailed, args[2])
			}

			ctx := cmd.Context()
			return withApp(ctx, opts, func(a *app) error {
				orch, err := a.resolveTask(ctx, args[0])
				if err != nil {
					return err
				}
				task, err := a.resolveTask(ctx, args[1])
				if err != nil {
					return err
				}
				if task.ParentID != orch.ID {
					return fmt.Errorf("task %s is not a child of %s", task.Key, orch.Key)
				}
				if err := a.planner.MarkOutcome(ctx, orch.ID, task.ID, status); err != nil {
					return err
				}
				if updateStore && status == coordstate.ChildCompleted && task.Status != scheduler.StatusCompleted {
					if _, err := a.store.UpdateTaskIf(ctx, task.ID, task.UpdatedAt, scheduler.StatusCompleted, task.Metadata); err != nil {
						return fmt.Errorf("updating task status: %w", err)
					}
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s %s\n", task.Key, status)
				return nil
			})
		},
	}

	cmd.Flags().BoolVar(&updateStore, "update-store", false, "also mark the task completed in the task store")
	return cmd
}
