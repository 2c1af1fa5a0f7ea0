package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"
)

// ErrMissingOrchestrator is returned when a selection is requested without an
// orchestrator id.
var ErrMissingOrchestrator = errors.New("orchestrator id is required")

// TaskSource is the read side of the task store the selector needs.
type TaskSource interface {
	ListChildren(ctx context.Context, parentID string) ([]*Task, error)
	GetTask(ctx context.Context, taskID string) (*Task, error)
}

// NextResult is the outcome of a sequential selection.
type NextResult struct {
	Task         *Task // Nil when nothing is ready
	AllComplete  bool
	BlockedCount int
	BlockedIDs   []string
	Reason       string
	StoreErr     error // Set when the children could not be listed; nothing else is meaningful then
}

// BatchOptions controls ReadyBatch.
type BatchOptions struct {
	Parallel  bool   // When false the batch is truncated to one task
	ExcludeID string // Task id to leave out of the candidates
}

// BatchResult is the DAG-aware ready set for one orchestrator.
type BatchResult struct {
	Candidates    []*Task // Urgency ordered
	AllComplete   bool
	TotalChildren int
	BlockedIDs    []string
	DAGErrors     []BuildError
	Cycle         *CycleResult // Set when the children contain a dependency cycle
	Reason        string
}

// Selector picks ready children of an orchestrator task.
type Selector struct {
	source  TaskSource
	timeout time.Duration
	logger  *slog.Logger
}

// NewSelector creates a selector. A zero timeout leaves store calls bounded
// only by the caller's context.
func NewSelector(source TaskSource, timeout time.Duration, logger *slog.Logger) *Selector {
	if logger == nil {
		logger = slog.Default()
	}
	return &Selector{source: source, timeout: timeout, logger: logger}
}

// NextReady returns the single most urgent workable child whose blockers are
// clear and whose dependencies are complete.
func (s *Selector) NextReady(ctx context.Context, orchestratorID, excludeID string) (NextResult, error) {
	if orchestratorID == "" {
		return NextResult{}, ErrMissingOrchestrator
	}

	children, err := s.listChildren(ctx, orchestratorID)
	if err != nil {
		s.logger.Warn("listing children failed", "orchestrator", orchestratorID, "error", err)
		return NextResult{Reason: fmt.Sprintf("task store query failed: %v", err), StoreErr: err}, nil
	}

	c := classify(children)
	res := NextResult{
		AllComplete:  c.allComplete(),
		BlockedCount: len(c.blocked),
		BlockedIDs:   c.blocked,
	}
	if res.AllComplete {
		res.Reason = allCompleteReason
		return res, nil
	}

	external := s.resolveExternal(ctx, children)
	var ready []*Task
	for _, t := range children {
		if t.ID == excludeID || !t.Status.Workable() || t.HasBlockers() {
			continue
		}
		if depsSatisfied(t, c.completed, external) {
			ready = append(ready, t)
		}
	}

	if len(ready) == 0 {
		res.Reason = noneReadyReason(len(children), len(c.blocked))
		return res, nil
	}
	sort.Slice(ready, func(i, j int) bool { return ready[i].ID < ready[j].ID })
	res.Task = SortByUrgency(ready)[0]
	res.Reason = "next ready child selected"
	return res, nil
}

// ReadyBatch returns every child the dependency graph allows to run now. A
// cycle among the children yields no candidates and the cycle path.
func (s *Selector) ReadyBatch(ctx context.Context, orchestratorID string, opts BatchOptions) (BatchResult, error) {
	if orchestratorID == "" {
		return BatchResult{}, ErrMissingOrchestrator
	}

	children, err := s.listChildren(ctx, orchestratorID)
	if err != nil {
		s.logger.Warn("listing children failed", "orchestrator", orchestratorID, "error", err)
		return BatchResult{Reason: fmt.Sprintf("task store query failed: %v", err)}, nil
	}

	c := classify(children)
	res := BatchResult{
		AllComplete:   c.allComplete(),
		TotalChildren: len(children),
		BlockedIDs:    c.blocked,
	}
	if res.AllComplete {
		res.Reason = allCompleteReason
		return res, nil
	}

	graph, buildErrs := BuildGraph(children)
	external := s.resolveExternal(ctx, children)
	for _, be := range buildErrs {
		if be.DependencyID != "" {
			if _, found := external[be.DependencyID]; found {
				continue
			}
		}
		res.DAGErrors = append(res.DAGErrors, be)
	}

	if cycle := graph.DetectCycles(); cycle.HasCycle {
		res.Cycle = &cycle
		res.Reason = "dependency cycle: " + cycle.String()
		s.logger.Warn("dependency cycle among children", "orchestrator", orchestratorID, "cycle", cycle.String())
		return res, nil
	}

	completed := make(map[string]bool, len(c.completed)+len(external))
	for id := range c.completed {
		completed[id] = true
	}
	for id, done := range external {
		if done {
			completed[id] = true
		}
	}
	excluded := make(map[string]bool)
	for _, t := range children {
		if !t.Status.Workable() || t.HasBlockers() {
			excluded[t.ID] = true
		}
	}
	var running map[string]bool
	if opts.ExcludeID != "" {
		running = map[string]bool{opts.ExcludeID: true}
	}

	ids := graph.RunnableSet(completed, excluded, running)
	ready := make([]*Task, 0, len(ids))
	for _, id := range ids {
		t, _ := graph.Task(id)
		ready = append(ready, t)
	}
	res.Candidates = SortByUrgency(ready)
	if !opts.Parallel && len(res.Candidates) > 1 {
		res.Candidates = res.Candidates[:1]
	}

	if len(res.Candidates) == 0 {
		res.Reason = noneReadyReason(len(children), len(c.blocked))
	} else {
		res.Reason = fmt.Sprintf("%d ready children", len(res.Candidates))
	}
	return res, nil
}

func (s *Selector) listChildren(ctx context.Context, orchestratorID string) ([]*Task, error) {
	if s.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.timeout)
		defer cancel()
	}
	return s.source.ListChildren(ctx, orchestratorID)
}

// resolveExternal looks up dependency ids that are not siblings. The result
// maps each id found in the store to whether it is completed; ids the store
// does not know are absent.
func (s *Selector) resolveExternal(ctx context.Context, children []*Task) map[string]bool {
	present := make(map[string]bool, len(children))
	for _, t := range children {
		present[t.ID] = true
	}

	var missing []string
	seen := make(map[string]bool)
	for _, t := range children {
		for _, dep := range t.Dependencies {
			if present[dep] || seen[dep] {
				continue
			}
			seen[dep] = true
			missing = append(missing, dep)
		}
	}
	sort.Strings(missing)

	out := make(map[string]bool, len(missing))
	for _, id := range missing {
		lookupCtx, cancel := ctx, context.CancelFunc(func() {})
		if s.timeout > 0 {
			lookupCtx, cancel = context.WithTimeout(ctx, s.timeout)
		}
		t, err := s.source.GetTask(lookupCtx, id)
		cancel()
		if err != nil || t == nil {
			continue
		}
		out[id] = t.Status == StatusCompleted
	}
	return out
}

type classification struct {
	total     int
	done      int             // completed or cancelled
	completed map[string]bool // completed only
	blocked   []string        // blocked status or carrying blockers
}

func classify(children []*Task) classification {
	c := classification{total: len(children), completed: make(map[string]bool)}
	for _, t := range children {
		switch {
		case t.Status == StatusCompleted:
			c.completed[t.ID] = true
			c.done++
		case t.Status == StatusCancelled:
			c.done++
		case t.Status == StatusBlocked, t.Status.Workable() && t.HasBlockers():
			c.blocked = append(c.blocked, t.ID)
		}
	}
	sort.Strings(c.blocked)
	return c
}

func (c classification) allComplete() bool {
	return c.total > 0 && c.done == c.total
}

func depsSatisfied(t *Task, siblings, external map[string]bool) bool {
	for _, dep := range t.Dependencies {
		if !siblings[dep] && !external[dep] {
			return false
		}
	}
	return true
}

const allCompleteReason = "all children completed or cancelled"

func noneReadyReason(total, blocked int) string {
	switch {
	case total == 0:
		return "orchestrator has no children"
	case blocked > 0:
		return fmt.Sprintf("no ready children, %d blocked", blocked)
	default:
		return "no ready children, waiting on dependencies"
	}
}
