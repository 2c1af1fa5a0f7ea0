package main

import (
	"fmt"
	"io"
	"log/slog"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/aristath/dagplanner/internal/config"
)

// rootOptions are the persistent flags shared by every command.
type rootOptions struct {
	repo            string
	configPath      string
	verbose         bool
	logJSON         bool
	metricsTextfile string

	cfg    *config.Config
	logger *slog.Logger
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}

	cmd := &cobra.Command{
		Use:   "dagplanner",
		Short: "Plan parallel execution of orchestrator child tasks",
		Long: `dagplanner decides which child tasks of an orchestrator task can start now.

Each invocation reads the task store and the coordinator state, computes the
ready set from the dependency graph, provisions an isolated git worktree per
task and prints a plan. Callers poll it: run "plan" again after a child
finishes to get the next batch.`,
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return opts.init(cmd.ErrOrStderr())
		},
	}

	flags := cmd.PersistentFlags()
	flags.StringVar(&opts.repo, "repo", ".", "repository root")
	flags.StringVar(&opts.configPath, "config", "", "project config file (default <repo>/.orchestrator/config.json)")
	flags.BoolVarP(&opts.verbose, "verbose", "v", false, "debug logging")
	flags.BoolVar(&opts.logJSON, "log-json", false, "log as JSON")
	flags.StringVar(&opts.metricsTextfile, "metrics-textfile", "", "write Prometheus metrics to this file on exit")

	cmd.AddCommand(
		newPlanCmd(opts),
		newNextCmd(opts),
		newMarkCmd(opts),
		newGateFailCmd(opts),
		newReleaseCmd(opts),
		newStatusCmd(opts),
		newImportCmd(opts),
		newAuditCmd(opts),
		newWatchCmd(opts),
		newConfigCmd(opts),
	)
	return cmd
}

func (o *rootOptions) init(stderr io.Writer) error {
	repo, err := filepath.Abs(o.repo)
	if err != nil {
		return fmt.Errorf("resolving repository path: %w", err)
	}
	o.repo = repo

	level := slog.LevelInfo
	if o.verbose {
		level = slog.LevelDebug
	}
	handlerOpts := &slog.HandlerOptions{Level: level}
	if o.logJSON {
		o.logger = slog.New(slog.NewJSONHandler(stderr, handlerOpts))
	} else {
		o.logger = slog.New(slog.NewTextHandler(stderr, handlerOpts))
	}

	globalPath, err := config.GlobalPath()
	if err != nil {
		o.logger.Warn("global config unavailable", "error", err)
		globalPath = ""
	}
	projectPath := o.configPath
	if projectPath == "" {
		projectPath = config.ProjectPath(o.repo)
	}
	cfg, err := config.Load(globalPath, projectPath)
	if err != nil {
		return err
	}
	if o.metricsTextfile != "" {
		cfg.Metrics.Textfile = o.metricsTextfile
	}
	o.cfg = cfg
	return nil
}

// repoPath resolves p against the repository root unless it is absolute.
func (o *rootOptions) repoPath(p string) string {
	if filepath.IsAbs(p) {
		return p
	}
	return filepath.Join(o.repo, p)
}
