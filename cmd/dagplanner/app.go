package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/aristath/dagplanner/internal/enrich"
	"github.com/aristath/dagplanner/internal/events"
	"github.com/aristath/dagplanner/internal/orchestrator"
	"github.com/aristath/dagplanner/internal/persistence"
	"github.com/aristath/dagplanner/internal/scheduler"
	"github.com/aristath/dagplanner/internal/worktree"
)

// app holds the wired components for one command invocation.
type app struct {
	opts      *rootOptions
	logger    *slog.Logger
	store     persistence.Store
	bus       *events.EventBus
	nats      *events.NATSSink
	registry  *prometheus.Registry
	metrics   *orchestrator.Metrics
	recorder  *events.Recorder
	selector  *scheduler.Selector
	workspace *worktree.Provisioner
	planner   *orchestrator.Planner
	escalator *orchestrator.Escalator
	done      chan struct{}
}

func openApp(ctx context.Context, opts *rootOptions) (*app, error) {
	cfg := opts.cfg
	logger := opts.logger

	dbPath := opts.repoPath(cfg.DatabasePath)
	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		return nil, fmt.Errorf("creating database directory: %w", err)
	}
	store, err := persistence.NewSQLiteStore(ctx, dbPath)
	if err != nil {
		return nil, err
	}

	a := &app{
		opts:     opts,
		logger:   logger,
		store:    store,
		bus:      events.NewEventBus(),
		registry: prometheus.NewRegistry(),
		done:     make(chan struct{}),
	}
	a.metrics = orchestrator.NewMetrics(a.registry)

	sinks := []events.Sink{events.NewStoreSink(store)}
	if cfg.Audit.NATSURL != "" {
		ns, err := events.NewNATSSink(cfg.Audit.NATSURL, cfg.Audit.NATSSubject)
		if err != nil {
			logger.Warn("NATS audit sink unavailable, continuing without it", "url", cfg.Audit.NATSURL, "error", err)
		} else {
			a.nats = ns
			sinks = append(sinks, ns)
		}
	}
	a.recorder = events.NewRecorder(a.bus, logger, sinks...)
	go a.trace(a.bus.SubscribeAll(64))

	var enricher enrich.Enricher = enrich.Nop{}
	if cfg.Enrichment.URL != "" {
		enricher = enrich.NewHTTPEnricher(cfg.Enrichment.URL, enrich.HTTPOptions{
			Timeout: cfg.Enrichment.Timeout,
			Logger:  logger,
		})
	}

	a.selector = scheduler.NewSelector(store, cfg.StoreTimeout, logger)
	a.workspace = worktree.NewProvisioner(worktree.NewGitVCS(opts.repo), worktree.Config{
		RepoPath:     opts.repo,
		WorktreeDir:  cfg.WorktreeDir,
		BaseBranch:   cfg.BaseBranch,
		BranchPrefix: cfg.BranchPrefix,
	}, cfg.VCSTimeout, logger)

	a.planner = orchestrator.NewPlanner(orchestrator.PlannerDeps{
		Selector:   a.selector,
		Tasks:      store,
		Workspaces: a.workspace,
		Enricher:   enricher,
		Recorder:   a.recorder,
		Metrics:    a.metrics,
		Logger:     logger,
	}, orchestrator.PlannerConfig{
		RepoPath:       opts.repo,
		StateDir:       cfg.StateDir,
		BranchPrefix:   cfg.BranchPrefix,
		MaxConcurrency: cfg.MaxConcurrency,
		EnrichTimeout:  cfg.Enrichment.Timeout,
		StoreTimeout:   cfg.StoreTimeout,
	})

	a.escalator = orchestrator.NewEscalator(store, a.selector, a.recorder, a.metrics, orchestrator.EscalatorConfig{
		MaxRetries:   cfg.MaxRetries,
		AutoContinue: cfg.AutoContinue,
	}, logger)

	return a, nil
}

// trace logs every recorded event at debug level until the bus closes.
func (a *app) trace(sub <-chan events.Event) {
	defer close(a.done)
	for ev := range sub {
		a.logger.Debug("event",
			"type", ev.EventType(), "orchestrator", ev.OrchestratorID(),
			"task", ev.TaskID(), "correlation_id", ev.CorrelationID())
	}
}

// Close flushes sinks and metrics and closes the store.
func (a *app) Close() error {
	var errs []error
	a.bus.Close()
	<-a.done
	if a.nats != nil {
		if err := a.nats.Close(); err != nil {
			errs = append(errs, fmt.Errorf("closing NATS sink: %w", err))
		}
	}
	if path := a.opts.cfg.Metrics.Textfile; path != "" {
		if err := prometheus.WriteToTextfile(path, a.registry); err != nil {
			errs = append(errs, fmt.Errorf("writing metrics: %w", err))
		}
	}
	if err := a.store.Close(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// resolveTask looks a task up by id, then by key.
func (a *app) resolveTask(ctx context.Context, ref string) (*scheduler.Task, error) {
	t, err := a.store.GetTask(ctx, ref)
	if err == nil {
		return t, nil
	}
	if !errors.Is(err, persistence.ErrNotFound) {
		return nil, err
	}
	t, err = a.store.GetTaskByKey(ctx, ref)
	if err != nil {
		if errors.Is(err, persistence.ErrNotFound) {
			return nil, fmt.Errorf("no task with id or key %q", ref)
		}
		return nil, err
	}
	return t, nil
}

// withApp opens the app, runs fn and closes the app, keeping fn's error.
func withApp(ctx context.Context, opts *rootOptions, fn func(*app) error) (err error) {
	a, err := openApp(ctx, opts)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := a.Close(); cerr != nil && err == nil {
			err = cerr
		}
	}()
	return fn(a)
}
