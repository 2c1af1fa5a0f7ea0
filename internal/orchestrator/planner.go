package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/aristath/dagplanner/internal/coordstate"
	"github.com/aristath/dagplanner/internal/enrich"
	"github.com/aristath/dagplanner/internal/events"
	"github.com/aristath/dagplanner/internal/persistence"
	"github.com/aristath/dagplanner/internal/scheduler"
	"github.com/aristath/dagplanner/internal/worktree"
)

// ErrMissingOrchestrator is returned when no orchestrator id was given.
var ErrMissingOrchestrator = scheduler.ErrMissingOrchestrator

// PlanSchemaVersion is the version of the Plan document.
const PlanSchemaVersion = "1.0"

// DefaultMaxConcurrency applies when the configured cap is missing or invalid.
const DefaultMaxConcurrency = 3

// Mode tells the caller how to proceed.
type Mode string

const (
	ModeParallel   Mode = "parallel"
	ModeSequential Mode = "sequential"
)

// TaskDescriptor is everything the executor needs to start one child.
type TaskDescriptor struct {
	TaskKey         string `json:"taskKey"`
	TaskType        string `json:"taskType"`
	TaskID          string `json:"taskId"`
	OrchestratorID  string `json:"orchestratorId"`
	WorkspacePath   string `json:"workspacePath"`
	Branch          string `json:"branch"`
	EnrichedContext string `json:"enrichedContext"`
	IdempotencyKey  string `json:"idempotencyKey"`
}

// NextTask names the child a sequential caller should work on.
type NextTask struct {
	TaskID   string `json:"taskId"`
	TaskKey  string `json:"taskKey"`
	TaskType string `json:"taskType"`
	Title    string `json:"title,omitempty"`
}

// Plan is the result of one planning pass.
type Plan struct {
	SchemaVersion        string           `json:"schemaVersion"`
	Mode                 Mode             `json:"mode"`
	Reason               string           `json:"reason"`
	OrchestratorID       string           `json:"orchestratorId"`
	OrchestratorKey      string           `json:"orchestratorKey,omitempty"`
	TeamName             string           `json:"teamName,omitempty"`
	CoordinatorStatePath string           `json:"coordinatorStatePath,omitempty"`
	Concurrency          int              `json:"concurrency"`
	ToStart              []TaskDescriptor `json:"toStart,omitempty"`
	ReadyCount           int              `json:"readyCount"`
	TotalChildren        int              `json:"totalChildren"`
	AllComplete          bool             `json:"allComplete"`
	Next                 *NextTask        `json:"next,omitempty"`
	Cycle                []string         `json:"cycle,omitempty"`
	DAGErrors            []string         `json:"dagErrors,omitempty"`
}

// IdempotencyKey identifies one start of a child under an orchestrator.
func IdempotencyKey(orchestratorID, taskID string) string {
	return orchestratorID + ":" + taskID
}

// TaskLookup resolves the orchestrator task itself.
type TaskLookup interface {
	GetTask(ctx context.Context, taskID string) (*scheduler.Task, error)
}

// Workspaces provisions per-task workspaces.
type Workspaces interface {
	Provision(ctx context.Context, key, branch string) (worktree.Workspace, error)
}

// PlannerConfig configures a Planner.
type PlannerConfig struct {
	RepoPath       string        // Repository root; state paths are relative to it
	StateDir       string        // Coordinator state directory (default ".orchestrator/parallel-state")
	BranchPrefix   string        // Prefix for task branches (default "task/")
	MaxConcurrency string        // Raw configured cap, validated per planner
	EnrichTimeout  time.Duration // Budget for one enrichment call (default 10s)
	StoreTimeout   time.Duration // Budget for one orchestrator lookup (default 5s)
}

// PlannerDeps are the collaborators of a Planner. Enricher, Recorder and
// Metrics are optional.
type PlannerDeps struct {
	Selector   *scheduler.Selector
	Tasks      TaskLookup
	Workspaces Workspaces
	Enricher   enrich.Enricher
	Recorder   *events.Recorder
	Metrics    *Metrics
	Logger     *slog.Logger
}

// Planner computes parallel execution plans. It holds no state between
// calls apart from the once-per-instance concurrency warning.
type Planner struct {
	deps   PlannerDeps
	config PlannerConfig
	logger *slog.Logger
	now    func() time.Time

	capOnce sync.Once
	cap     int
}

// NewPlanner creates a planner.
func NewPlanner(deps PlannerDeps, cfg PlannerConfig) *Planner {
	if cfg.StateDir == "" {
		cfg.StateDir = filepath.Join(".orchestrator", "parallel-state")
	}
	if cfg.BranchPrefix == "" {
		cfg.BranchPrefix = "task/"
	}
	if cfg.EnrichTimeout <= 0 {
		cfg.EnrichTimeout = 10 * time.Second
	}
	if cfg.StoreTimeout <= 0 {
		cfg.StoreTimeout = 5 * time.Second
	}
	if deps.Enricher == nil {
		deps.Enricher = enrich.Nop{}
	}
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Planner{deps: deps, config: cfg, logger: logger, now: time.Now}
}

// ParseConcurrency validates a configured cap. An empty value selects the
// default silently; anything that is not a positive integer is invalid.
func ParseConcurrency(raw string) (int, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return DefaultMaxConcurrency, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 1 {
		return DefaultMaxConcurrency, fmt.Errorf("ORCH_MAX_CONCURRENCY=%q is invalid, using %d", raw, DefaultMaxConcurrency)
	}
	return n, nil
}

// Concurrency returns the resolved cap, warning once per planner when the
// configured value is invalid.
func (p *Planner) Concurrency() int {
	p.capOnce.Do(func() {
		n, err := ParseConcurrency(p.config.MaxConcurrency)
		if err != nil {
			p.logger.Warn(err.Error())
		}
		p.cap = n
	})
	return p.cap
}

// StatePath returns the coordinator state file for an orchestrator key.
func (p *Planner) StatePath(orchestratorKey string) string {
	dir := p.config.StateDir
	if !filepath.IsAbs(dir) {
		dir = filepath.Join(p.config.RepoPath, dir)
	}
	return coordstate.PathFor(dir, orchestratorKey)
}

// Plan computes which children to start now. Degraded conditions produce a
// sequential plan with a reason; the only error is a missing orchestrator
// id. justCompletedID, when set, is recorded as completed before planning.
func (p *Planner) Plan(ctx context.Context, orchestratorID, justCompletedID string) (*Plan, error) {
	plan := &Plan{
		SchemaVersion:  PlanSchemaVersion,
		Mode:           ModeSequential,
		OrchestratorID: orchestratorID,
	}
	if orchestratorID == "" {
		plan.Reason = ErrMissingOrchestrator.Error()
		return plan, ErrMissingOrchestrator
	}

	plan.Concurrency = p.Concurrency()
	key, err := p.orchestratorKey(ctx, orchestratorID)
	if err != nil {
		p.logger.Warn("orchestrator lookup failed, not touching coordinator state",
			"orchestrator", orchestratorID, "error", err)
		return p.sequential(ctx, plan, "orchestrator lookup failed: "+err.Error()), nil
	}
	plan.OrchestratorKey = key
	plan.TeamName = "team-" + plan.OrchestratorKey
	plan.CoordinatorStatePath = p.StatePath(plan.OrchestratorKey)

	if justCompletedID != "" {
		p.markOutcome(ctx, plan.CoordinatorStatePath, orchestratorID, justCompletedID, coordstate.ChildCompleted)
	}

	batch, err := p.deps.Selector.ReadyBatch(ctx, orchestratorID, scheduler.BatchOptions{Parallel: true})
	if err != nil {
		return p.sequential(ctx, plan, err.Error()), err
	}
	plan.TotalChildren = batch.TotalChildren
	plan.AllComplete = batch.AllComplete
	for _, be := range batch.DAGErrors {
		plan.DAGErrors = append(plan.DAGErrors, be.Error())
	}

	switch {
	case batch.Cycle != nil:
		plan.Cycle = batch.Cycle.Path
		plan.DAGErrors = append(plan.DAGErrors, "dependency cycle: "+batch.Cycle.String())
		return p.sequential(ctx, plan, batch.Reason), nil
	case batch.AllComplete:
		return p.sequential(ctx, plan, batch.Reason), nil
	case len(batch.Candidates) < 2:
		plan.ReadyCount = len(batch.Candidates)
		if len(batch.Candidates) == 1 {
			plan.Next = nextTask(batch.Candidates[0])
			return p.sequential(ctx, plan, "only one child ready"), nil
		}
		return p.sequential(ctx, plan, batch.Reason), nil
	}

	state, reset := coordstate.Load(plan.CoordinatorStatePath, orchestratorID, p.logger)
	if reset {
		p.deps.Metrics.stateReset()
	}

	var unstarted []*scheduler.Task
	for _, t := range batch.Candidates {
		if !state.Claimed(t.ID) {
			unstarted = append(unstarted, t)
		}
	}
	plan.ReadyCount = len(unstarted)
	if len(unstarted) < 2 {
		if len(unstarted) == 1 {
			plan.Next = nextTask(unstarted[0])
		}
		return p.sequential(ctx, plan, fmt.Sprintf("%d unstarted children ready", len(unstarted))), nil
	}

	sort.Slice(unstarted, func(i, j int) bool { return unstarted[i].ID < unstarted[j].ID })
	if len(unstarted) > plan.Concurrency {
		unstarted = unstarted[:plan.Concurrency]
	}

	var toStart []TaskDescriptor
	for _, t := range unstarted {
		if d, ok := p.prepare(ctx, plan, t); ok {
			toStart = append(toStart, d)
		}
	}
	if len(toStart) < 2 {
		if len(toStart) == 1 {
			plan.Next = &NextTask{TaskID: toStart[0].TaskID, TaskKey: toStart[0].TaskKey, TaskType: toStart[0].TaskType}
		}
		return p.sequential(ctx, plan, fmt.Sprintf("only %d workspaces provisioned", len(toStart))), nil
	}

	now := p.now()
	for _, d := range toStart {
		state.MarkStarted(d.TaskID, d.TaskKey, d.WorkspacePath, now)
	}
	if err := coordstate.AtomicWrite(plan.CoordinatorStatePath, state); err != nil {
		p.logger.Warn("writing coordinator state failed, falling back to sequential",
			"orchestrator", orchestratorID, "path", plan.CoordinatorStatePath, "error", err)
		plan.Next = &NextTask{TaskID: toStart[0].TaskID, TaskKey: toStart[0].TaskKey, TaskType: toStart[0].TaskType}
		return p.sequential(ctx, plan, "coordinator state write failed"), nil
	}

	plan.Mode = ModeParallel
	plan.ToStart = toStart
	plan.Reason = fmt.Sprintf("starting %d of %d ready children", len(toStart), plan.ReadyCount)

	for _, d := range toStart {
		p.deps.Recorder.Record(ctx, events.TaskStartedEvent{
			Meta:           p.meta(orchestratorID, ""),
			ID:             d.TaskID,
			Key:            d.TaskKey,
			WorkspacePath:  d.WorkspacePath,
			IdempotencyKey: d.IdempotencyKey,
		})
	}
	p.deps.Metrics.started(len(toStart))
	p.finish(ctx, plan)
	return plan, nil
}

// prepare provisions and enriches one child. Provisioning failure drops the
// child; enrichment failure only empties its knowledge section.
func (p *Planner) prepare(ctx context.Context, plan *Plan, t *scheduler.Task) (TaskDescriptor, bool) {
	branch := p.config.BranchPrefix + t.Key
	ws, err := p.deps.Workspaces.Provision(ctx, t.Key, branch)
	if err != nil {
		p.logger.Warn("skipping child, workspace unavailable",
			"orchestrator", plan.OrchestratorID, "task", t.Key, "error", err)
		p.deps.Metrics.provisionFailed()
		return TaskDescriptor{}, false
	}

	req := enrich.Request{
		OrchestratorID:  plan.OrchestratorID,
		OrchestratorKey: plan.OrchestratorKey,
		TaskID:          t.ID,
		TaskKey:         t.Key,
		TaskType:        t.Type,
		Title:           t.Title,
	}
	ectx, cancel := context.WithTimeout(ctx, p.config.EnrichTimeout)
	knowledge, err := p.deps.Enricher.Enrich(ectx, req)
	cancel()
	if err != nil {
		p.logger.Warn("enrichment failed, continuing without it",
			"orchestrator", plan.OrchestratorID, "task", t.Key, "error", err)
		p.deps.Metrics.enrichmentFailed()
		knowledge = ""
	}

	return TaskDescriptor{
		TaskKey:         t.Key,
		TaskType:        t.Type,
		TaskID:          t.ID,
		OrchestratorID:  plan.OrchestratorID,
		WorkspacePath:   ws.Path,
		Branch:          ws.Branch,
		EnrichedContext: enrich.BuildContext(req, ws.Path, knowledge),
		IdempotencyKey:  IdempotencyKey(plan.OrchestratorID, t.ID),
	}, true
}

// MarkOutcome records a child's outcome in the coordinator state.
func (p *Planner) MarkOutcome(ctx context.Context, orchestratorID, taskID string, status coordstate.ChildStatus) error {
	if orchestratorID == "" {
		return ErrMissingOrchestrator
	}
	key, err := p.orchestratorKey(ctx, orchestratorID)
	if err != nil {
		return fmt.Errorf("resolve orchestrator %s: %w", orchestratorID, err)
	}
	reset, err := coordstate.MarkChild(p.StatePath(key), orchestratorID, taskID, status, p.logger)
	if reset {
		p.deps.Metrics.stateReset()
	}
	if err != nil {
		return fmt.Errorf("mark %s %s: %w", taskID, status, err)
	}
	p.recordOutcome(ctx, orchestratorID, taskID, status)
	return nil
}

func (p *Planner) markOutcome(ctx context.Context, path, orchestratorID, taskID string, status coordstate.ChildStatus) {
	reset, err := coordstate.MarkChild(path, orchestratorID, taskID, status, p.logger)
	if reset {
		p.deps.Metrics.stateReset()
	}
	if err != nil {
		p.logger.Warn("recording child outcome failed",
			"orchestrator", orchestratorID, "task", taskID, "error", err)
		return
	}
	p.recordOutcome(ctx, orchestratorID, taskID, status)
}

func (p *Planner) recordOutcome(ctx context.Context, orchestratorID, taskID string, status coordstate.ChildStatus) {
	p.deps.Recorder.Record(ctx, events.TaskOutcomeEvent{
		Meta:    p.meta(orchestratorID, ""),
		ID:      taskID,
		Outcome: string(status),
	})
}

// orchestratorKey returns the orchestrator's key, which names its
// coordinator state file. An orchestrator the store does not know, or one
// without a key, is keyed by its id. Any other lookup failure is returned:
// guessing a key would point the planner at a different state file.
func (p *Planner) orchestratorKey(ctx context.Context, orchestratorID string) (string, error) {
	if p.deps.Tasks == nil {
		return orchestratorID, nil
	}
	lctx, cancel := context.WithTimeout(ctx, p.config.StoreTimeout)
	defer cancel()
	t, err := p.deps.Tasks.GetTask(lctx, orchestratorID)
	if errors.Is(err, persistence.ErrNotFound) {
		return orchestratorID, nil
	}
	if err != nil {
		return "", err
	}
	if t == nil || t.Key == "" {
		return orchestratorID, nil
	}
	return t.Key, nil
}

func (p *Planner) sequential(ctx context.Context, plan *Plan, reason string) *Plan {
	plan.Mode = ModeSequential
	plan.ToStart = nil
	plan.Reason = reason
	p.finish(ctx, plan)
	return plan
}

func (p *Planner) finish(ctx context.Context, plan *Plan) {
	p.deps.Metrics.planned(plan.Mode)
	var started []string
	for _, d := range plan.ToStart {
		started = append(started, d.TaskID)
	}
	p.deps.Recorder.Record(ctx, events.PlanCreatedEvent{
		Meta:          p.meta(plan.OrchestratorID, ""),
		Mode:          string(plan.Mode),
		Reason:        plan.Reason,
		Started:       started,
		ReadyCount:    plan.ReadyCount,
		TotalChildren: plan.TotalChildren,
	})
	p.logger.Debug("plan computed",
		"orchestrator", plan.OrchestratorID, "mode", plan.Mode, "reason", plan.Reason,
		"to_start", len(plan.ToStart), "ready", plan.ReadyCount, "total", plan.TotalChildren)
}

func (p *Planner) meta(orchestratorID, correlationID string) events.Meta {
	return events.Meta{Orchestrator: orchestratorID, Correlation: correlationID, Timestamp: p.now().UTC()}
}

func nextTask(t *scheduler.Task) *NextTask {
	return &NextTask{TaskID: t.ID, TaskKey: t.Key, TaskType: t.Type, Title: t.Title}
}
