package scheduler

import (
	"fmt"
	"sort"
	"strings"

	"github.com/gammazero/toposort"
)

// BuildError describes a problem found while building a Graph. Building
// continues past these; they are reported alongside the graph.
type BuildError struct {
	TaskID       string
	DependencyID string // Set for unresolved dependency references
	Message      string
}

func (e BuildError) Error() string {
	if e.DependencyID != "" {
		return fmt.Sprintf("task %q: %s %q", e.TaskID, e.Message, e.DependencyID)
	}
	return fmt.Sprintf("task %q: %s", e.TaskID, e.Message)
}

// CycleResult is the outcome of DetectCycles. Path starts and ends with the
// same task id when a cycle was found, e.g. [A B C A] for A->B->C->A.
type CycleResult struct {
	HasCycle bool
	Path     []string
}

func (c CycleResult) String() string {
	if !c.HasCycle {
		return "no cycle"
	}
	return strings.Join(c.Path, " -> ")
}

// Graph is an immutable dependency graph over the children of one
// orchestrator. Edges point from a task to the tasks it depends on.
type Graph struct {
	tasks      map[string]*Task
	ids        []string            // Sorted task ids
	edges      map[string][]string // taskID -> dependencies present in the graph
	dependents map[string][]string // taskID -> tasks depending on it
}

// BuildGraph builds a graph from every task sharing one parent, terminal ones
// included. Dependencies on ids outside the set are recorded as errors and
// left unresolved.
func BuildGraph(tasks []*Task) (*Graph, []BuildError) {
	g := &Graph{
		tasks:      make(map[string]*Task, len(tasks)),
		edges:      make(map[string][]string, len(tasks)),
		dependents: make(map[string][]string),
	}
	var errs []BuildError

	for _, t := range tasks {
		if t == nil || t.ID == "" {
			continue
		}
		if _, dup := g.tasks[t.ID]; dup {
			errs = append(errs, BuildError{TaskID: t.ID, Message: "duplicate task id"})
			continue
		}
		g.tasks[t.ID] = t
		g.ids = append(g.ids, t.ID)
	}
	sort.Strings(g.ids)

	for _, id := range g.ids {
		seen := make(map[string]bool)
		for _, depID := range g.tasks[id].Dependencies {
			if seen[depID] {
				continue
			}
			seen[depID] = true
			if _, ok := g.tasks[depID]; !ok {
				errs = append(errs, BuildError{TaskID: id, DependencyID: depID, Message: "depends on unknown task"})
				continue
			}
			g.edges[id] = append(g.edges[id], depID)
			g.dependents[depID] = append(g.dependents[depID], id)
		}
	}

	return g, errs
}

// Len returns the number of tasks in the graph.
func (g *Graph) Len() int { return len(g.ids) }

// IDs returns all task ids in ascending order.
func (g *Graph) IDs() []string {
	return append([]string(nil), g.ids...)
}

// Task returns the task with the given id.
func (g *Graph) Task(id string) (*Task, bool) {
	t, ok := g.tasks[id]
	return t, ok
}

// Dependents returns the ids of tasks that depend on id.
func (g *Graph) Dependents(id string) []string {
	return append([]string(nil), g.dependents[id]...)
}

// DetectCycles walks the graph depth-first in id order and reports the first
// back edge it meets. The walk is deterministic for a given task set.
func (g *Graph) DetectCycles() CycleResult {
	const (
		white = iota
		grey
		black
	)
	color := make(map[string]int, len(g.ids))
	var stack []string

	var visit func(id string) []string
	visit = func(id string) []string {
		color[id] = grey
		stack = append(stack, id)
		for _, dep := range g.edges[id] {
			switch color[dep] {
			case grey:
				start := 0
				for i, s := range stack {
					if s == dep {
						start = i
						break
					}
				}
				path := append([]string(nil), stack[start:]...)
				return append(path, dep)
			case white:
				if path := visit(dep); path != nil {
					return path
				}
			}
		}
		stack = stack[:len(stack)-1]
		color[id] = black
		return nil
	}

	for _, id := range g.ids {
		if color[id] != white {
			continue
		}
		if path := visit(id); path != nil {
			return CycleResult{HasCycle: true, Path: path}
		}
	}
	return CycleResult{}
}

// RunnableSet returns, in id order, the tasks that are in none of the given
// sets and whose every dependency is in completed. Failure does not
// propagate: a dependent of a failed task simply never becomes runnable.
func (g *Graph) RunnableSet(completed, failed, running map[string]bool) []string {
	var out []string
	for _, id := range g.ids {
		if completed[id] || failed[id] || running[id] {
			continue
		}
		ready := true
		for _, dep := range g.tasks[id].Dependencies {
			if !completed[dep] {
				ready = false
				break
			}
		}
		if ready {
			out = append(out, id)
		}
	}
	return out
}

// Order returns the task ids in dependency order. Unresolved references are
// ignored; a cycle is an error.
func (g *Graph) Order() ([]string, error) {
	var edges []toposort.Edge
	for _, id := range g.ids {
		if len(g.edges[id]) == 0 {
			// Tasks without in-graph dependencies still need to appear in the output.
			edges = append(edges, toposort.Edge{nil, id})
			continue
		}
		for _, dep := range g.edges[id] {
			edges = append(edges, toposort.Edge{dep, id})
		}
	}

	sorted, err := toposort.Toposort(edges)
	if err != nil {
		return nil, fmt.Errorf("dependency graph contains cycle: %w", err)
	}

	order := make([]string, 0, len(g.ids))
	for _, id := range sorted {
		if id != nil {
			order = append(order, id.(string))
		}
	}
	if len(order) != len(g.ids) {
		return nil, fmt.Errorf("topological sort lost %d tasks", len(g.ids)-len(order))
	}
	return order, nil
}
