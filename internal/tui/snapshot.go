package tui

import (
	"context"
	"fmt"
	"time"

	"github.com/aristath/dagplanner/internal/coordstate"
	"github.com/aristath/dagplanner/internal/persistence"
	"github.com/aristath/dagplanner/internal/scheduler"
)

// ChildRow is one child of the watched orchestrator.
type ChildRow struct {
	Task      *scheduler.Task
	Claim     coordstate.ChildStatus // Empty when the planner never started it
	Workspace string
	Ready     bool     // Runnable now according to the dependency graph
	Unblocks  []string // Sibling ids that depend on this child
}

// Running reports whether the planner started the child and the store has
// not yet recorded an end state for it.
func (r ChildRow) Running() bool {
	return r.Claim == coordstate.ChildStarted && !r.Task.Status.Terminal()
}

// Snapshot is everything the watch view shows at one point in time.
type Snapshot struct {
	OrchestratorID  string
	OrchestratorKey string
	Rows            []ChildRow // Dependency order
	Cycle           []string
	DAGErrors       []string
	Audit           []persistence.AuditEvent
	StateError      string
	LoadedAt        time.Time
}

// Counts summarizes the rows.
type Counts struct {
	Total, Completed, Running, Blocked, Ready, Pending int
}

// Counts tallies rows by display state.
func (s Snapshot) Counts() Counts {
	c := Counts{Total: len(s.Rows)}
	for _, r := range s.Rows {
		switch {
		case r.Task.Status == scheduler.StatusCompleted || r.Task.Status == scheduler.StatusCancelled:
			c.Completed++
		case r.Task.Status == scheduler.StatusBlocked:
			c.Blocked++
		case r.Running():
			c.Running++
		case r.Ready:
			c.Ready++
		default:
			c.Pending++
		}
	}
	return c
}

// Loader produces a fresh snapshot.
type Loader func(ctx context.Context) (Snapshot, error)

// NewStoreLoader reads the orchestrator's children from store and its
// coordinator state from statePath. The state file is only read, never
// repaired, so watching never interferes with a concurrent planner.
func NewStoreLoader(store persistence.Store, orchestratorID, statePath string, auditLimit int) Loader {
	return func(ctx context.Context) (Snapshot, error) {
		snap := Snapshot{OrchestratorID: orchestratorID, OrchestratorKey: orchestratorID, LoadedAt: time.Now()}

		if orch, err := store.GetTask(ctx, orchestratorID); err == nil {
			snap.OrchestratorKey = orch.Key
		}
		children, err := store.ListChildren(ctx, orchestratorID)
		if err != nil {
			return snap, fmt.Errorf("listing children: %w", err)
		}

		state, err := coordstate.Read(statePath, orchestratorID)
		if err != nil {
			snap.StateError = err.Error()
			state = coordstate.New(orchestratorID)
		}

		snap.Rows, snap.Cycle, snap.DAGErrors = buildRows(children, state)

		if auditLimit > 0 {
			audit, err := store.ListAudit(ctx, orchestratorID, auditLimit)
			if err != nil {
				return snap, fmt.Errorf("listing audit events: %w", err)
			}
			snap.Audit = audit
		}
		return snap, nil
	}
}

func buildRows(children []*scheduler.Task, state *coordstate.State) ([]ChildRow, []string, []string) {
	g, errs := scheduler.BuildGraph(children)
	var dagErrors []string
	for _, e := range errs {
		dagErrors = append(dagErrors, e.Error())
	}

	var cycle []string
	order, err := g.Order()
	if err != nil {
		cycle = g.DetectCycles().Path
		order = g.IDs()
	}

	completed := make(map[string]bool)
	failed := make(map[string]bool)
	running := make(map[string]bool)
	for _, id := range g.IDs() {
		t, _ := g.Task(id)
		switch t.Status {
		case scheduler.StatusCompleted:
			completed[id] = true
		case scheduler.StatusBlocked, scheduler.StatusCancelled:
			failed[id] = true
		}
		if c, ok := state.Children[id]; ok && c.Status == coordstate.ChildStarted {
			running[id] = true
		}
	}
	ready := make(map[string]bool)
	if cycle == nil {
		for _, id := range g.RunnableSet(completed, failed, running) {
			if t, _ := g.Task(id); !t.HasBlockers() {
				ready[id] = true
			}
		}
	}

	rows := make([]ChildRow, 0, len(order))
	for _, id := range order {
		t, _ := g.Task(id)
		row := ChildRow{Task: t, Ready: ready[id], Unblocks: g.Dependents(id)}
		if c, ok := state.Children[id]; ok {
			row.Claim = c.Status
			row.Workspace = c.WorkspacePath
		}
		rows = append(rows, row)
	}
	return rows, cycle, dagErrors
}
