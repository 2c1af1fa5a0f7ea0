package main

import (
	"github.com/spf13/cobra"
)

func newPlanCmd(opts *rootOptions) *cobra.Command {
	var completed string

	cmd := &cobra.Command{
		Use:   "plan <orchestrator>",
		Short: "Print the next parallel batch for an orchestrator",
		Long: `Compute which children of the orchestrator can start now, provision a
workspace for each, record them as started in the coordinator state and print
the plan as JSON.

When fewer than two children can start the plan is sequential and names the
single next child, if any. Pass --completed with the child that just finished
to record its outcome before planning.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			return withApp(ctx, opts, func(a *app) error {
				orch, err := a.resolveTask(ctx, args[0])
				if err != nil {
					return err
				}
				completedID := ""
				if completed != "" {
					child, err := a.resolveTask(ctx, completed)
					if err != nil {
						return err
					}
					completedID = child.ID
				}
				plan, err := a.planner.Plan(ctx, orch.ID, completedID)
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), plan)
			})
		},
	}

	cmd.Flags().StringVar(&completed, "completed", "", "child task that just completed")
	return cmd
}
