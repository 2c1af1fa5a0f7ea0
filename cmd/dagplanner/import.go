package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/aristath/dagplanner/internal/manifest"
)

func newImportCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "import <manifest.yaml>",
		Short: "Load an orchestrator and its children from a YAML manifest",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			m, err := manifest.LoadFile(args[0])
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			return withApp(ctx, opts, func(a *app) error {
				res, err := manifest.Import(ctx, a.store, m)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "imported %s (%s) with %d children\n",
					res.OrchestratorKey, res.OrchestratorID, res.Children)
				return nil
			})
		},
	}
}
