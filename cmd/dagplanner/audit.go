package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"
)

func newAuditCmd(opts *rootOptions) *cobra.Command {
	var (
		limit  int
		asJSON bool
	)

	cmd := &cobra.Command{
		Use:   "audit [orchestrator]",
		Short: "List recorded planning and escalation events",
		Long: `List audit events oldest first. Without an orchestrator, events for all
orchestrators are listed.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			return withApp(ctx, opts, func(a *app) error {
				orchID := ""
				if len(args) == 1 {
					orch, err := a.resolveTask(ctx, args[0])
					if err != nil {
						return err
					}
					orchID = orch.ID
				}
				evs, err := a.store.ListAudit(ctx, orchID, limit)
				if err != nil {
					return err
				}
				if asJSON {
					return printJSON(cmd.OutOrStdout(), evs)
				}
				w := cmd.OutOrStdout()
				for _, ev := range evs {
					fmt.Fprintf(w, "%s  %-22s %-36s %s\n",
						ev.CreatedAt.Local().Format(time.DateTime), ev.Type, ev.TaskID, ev.Payload)
				}
				return nil
			})
		},
	}

	cmd.Flags().IntVarP(&limit, "limit", "n", 50, "most recent events to show (0 for all)")
	cmd.Flags().BoolVar(&asJSON, "json", false, "print events as JSON")
	return cmd
}
