package main

import (
	"github.com/spf13/cobra"

	"github.com/aristath/dagplanner/internal/orchestrator"
)

func newGateFailCmd(opts *rootOptions) *cobra.Command {
	var (
		gate      string
		score     float64
		threshold float64
		issues    []string
		errMsg    string
	)

	cmd := &cobra.Command{
		Use:   "gate-fail <task>",
		Short: "Handle a failed quality gate for a child task",
		Long: `Decide what happens after a child fails a quality gate: retry a transient
failure, block the child and continue with a sibling, or escalate to a human.
The decision is printed as JSON.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			return withApp(ctx, opts, func(a *app) error {
				task, err := a.resolveTask(ctx, args[0])
				if err != nil {
					return err
				}
				result := orchestrator.GateResult{
					Gate:   gate,
					Issues: issues,
					Error:  errMsg,
				}
				if cmd.Flags().Changed("score") {
					result.Score = &score
				}
				if cmd.Flags().Changed("threshold") {
					result.Threshold = &threshold
				}
				out, err := a.escalator.Execute(ctx, task, result)
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), out)
			})
		},
	}

	flags := cmd.Flags()
	flags.StringVar(&gate, "gate", "", "name of the failed gate")
	flags.Float64Var(&score, "score", 0, "score the task reached")
	flags.Float64Var(&threshold, "threshold", 0, "score required to pass")
	flags.StringArrayVar(&issues, "issue", nil, "issue reported by the gate (repeatable)")
	flags.StringVar(&errMsg, "error", "", "failure message from the gate run")
	_ = cmd.MarkFlagRequired("gate")
	return cmd
}
