// Package manifest imports orchestrator task trees from YAML files.
package manifest

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"

	"github.com/aristath/dagplanner/internal/scheduler"
	"github.com/aristath/dagplanner/internal/worktree"
)

// Manifest is an orchestrator task and its children.
//
//	orchestrator:
//	  key: ORCH-1
//	  title: Ship login
//	children:
//	  - key: API-1
//	    priority: high
//	  - key: UI-1
//	    depends_on: [API-1]
type Manifest struct {
	Orchestrator Entry   `yaml:"orchestrator"`
	Children     []Entry `yaml:"children"`
}

// Entry is one task in a manifest. ID is generated when empty.
type Entry struct {
	ID           string   `yaml:"id"`
	Key          string   `yaml:"key"`
	Title        string   `yaml:"title"`
	Type         string   `yaml:"type"`
	Status       string   `yaml:"status"`
	Priority     string   `yaml:"priority"`
	UrgencyScore *float64 `yaml:"urgency_score"`
	DependsOn    []string `yaml:"depends_on"` // Sibling keys or task ids
	BlockedBy    []string `yaml:"blocked_by"`
}

// Parse decodes a manifest from YAML bytes.
func Parse(data []byte) (*Manifest, error) {
	if len(bytes.TrimSpace(data)) == 0 {
		return nil, errors.New("manifest: payload is empty")
	}
	var m Manifest
	if err := yaml.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("manifest: decode: %w", err)
	}
	return &m, nil
}

// LoadFile reads and decodes a manifest file.
func LoadFile(path string) (*Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("manifest: read %s: %w", path, err)
	}
	m, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return m, nil
}

// Tasks converts the manifest into task records, orchestrator first.
// Dependencies naming a sibling key are rewritten to that sibling's id;
// anything else is kept as a task id reference.
func (m *Manifest) Tasks() ([]*scheduler.Task, error) {
	if m.Orchestrator.Key == "" {
		return nil, errors.New("manifest: orchestrator key is required")
	}
	orch, err := m.Orchestrator.task("")
	if err != nil {
		return nil, err
	}
	if orch.Type == "" {
		orch.Type = "orchestrator"
	}
	if m.Orchestrator.Status == "" {
		orch.Status = scheduler.StatusActive
	}

	tasks := []*scheduler.Task{orch}
	idByKey := make(map[string]string, len(m.Children))
	for i, e := range m.Children {
		if err := worktree.ValidateKey(e.Key); err != nil {
			return nil, fmt.Errorf("manifest: child %d: %w", i+1, err)
		}
		if _, dup := idByKey[e.Key]; dup || e.Key == orch.Key {
			return nil, fmt.Errorf("manifest: duplicate key %q", e.Key)
		}
		t, err := e.task(orch.ID)
		if err != nil {
			return nil, err
		}
		idByKey[e.Key] = t.ID
		tasks = append(tasks, t)
	}

	for _, t := range tasks[1:] {
		for i, dep := range t.Dependencies {
			if id, ok := idByKey[dep]; ok {
				t.Dependencies[i] = id
			}
		}
	}
	return tasks, nil
}

func (e Entry) task(parentID string) (*scheduler.Task, error) {
	status := scheduler.StatusDraft
	if e.Status != "" {
		s, err := scheduler.ParseStatus(e.Status)
		if err != nil {
			return nil, fmt.Errorf("manifest: %s: %w", e.Key, err)
		}
		status = s
	}

	id := strings.TrimSpace(e.ID)
	if id == "" {
		id = uuid.NewString()
	}

	t := &scheduler.Task{
		ID:           id,
		Key:          e.Key,
		Title:        e.Title,
		Type:         e.Type,
		Status:       status,
		ParentID:     parentID,
		Dependencies: append([]string(nil), e.DependsOn...),
		Priority:     strings.ToLower(e.Priority),
	}
	if t.Type == "" {
		t.Type = "task"
	}
	if e.UrgencyScore != nil {
		score := scheduler.NormalizeScore(*e.UrgencyScore)
		t.Metadata.UrgencyScore = &score
	}
	t.Metadata.BlockedBy = append([]string(nil), e.BlockedBy...)
	return t, nil
}

// Saver stores task records.
type Saver interface {
	SaveTask(ctx context.Context, task *scheduler.Task) error
}

// Result summarizes an import.
type Result struct {
	OrchestratorID  string `json:"orchestratorId"`
	OrchestratorKey string `json:"orchestratorKey"`
	Children        int    `json:"children"`
}

// Import validates the manifest and saves every task. Validation happens
// before the first write; a save failure part way leaves earlier tasks saved.
func Import(ctx context.Context, store Saver, m *Manifest) (Result, error) {
	tasks, err := m.Tasks()
	if err != nil {
		return Result{}, err
	}
	if _, errs := scheduler.BuildGraph(tasks[1:]); len(errs) > 0 {
		var dup []error
		for _, be := range errs {
			if be.DependencyID == "" {
				dup = append(dup, be)
			}
		}
		if len(dup) > 0 {
			return Result{}, fmt.Errorf("manifest: %w", errors.Join(dup...))
		}
	}
	for _, t := range tasks {
		if err := store.SaveTask(ctx, t); err != nil {
			return Result{}, fmt.Errorf("manifest: save %s: %w", t.Key, err)
		}
	}
	return Result{
		OrchestratorID:  tasks[0].ID,
		OrchestratorKey: tasks[0].Key,
		Children:        len(tasks) - 1,
	}, nil
}
