package main

import (
	"github.com/spf13/cobra"
)

type nextOutput struct {
	TaskID       string   `json:"taskId,omitempty"`
	TaskKey      string   `json:"taskKey,omitempty"`
	Title        string   `json:"title,omitempty"`
	Band         string   `json:"band,omitempty"`
	AllComplete  bool     `json:"allComplete"`
	BlockedCount int      `json:"blockedCount"`
	BlockedIDs   []string `json:"blockedIds,omitempty"`
	Reason       string   `json:"reason"`
}

func newNextCmd(opts *rootOptions) *cobra.Command {
	var exclude string

	cmd := &cobra.Command{
		Use:   "next <orchestrator>",
		Short: "Print the single most urgent ready child",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			return withApp(ctx, opts, func(a *app) error {
				orch, err := a.resolveTask(ctx, args[0])
				if err != nil {
					return err
				}
				excludeID := ""
				if exclude != "" {
					t, err := a.resolveTask(ctx, exclude)
					if err != nil {
						return err
					}
					excludeID = t.ID
				}
				res, err := a.selector.NextReady(ctx, orch.ID, excludeID)
				if err != nil {
					return err
				}
				out := nextOutput{
					AllComplete:  res.AllComplete,
					BlockedCount: res.BlockedCount,
					BlockedIDs:   res.BlockedIDs,
					Reason:       res.Reason,
				}
				if res.Task != nil {
					out.TaskID = res.Task.ID
					out.TaskKey = res.Task.Key
					out.Title = res.Task.Title
					out.Band = string(res.Task.Band())
				}
				return printJSON(cmd.OutOrStdout(), out)
			})
		},
	}

	cmd.Flags().StringVar(&exclude, "exclude", "", "child task to leave out")
	return cmd
}
