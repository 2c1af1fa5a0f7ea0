package manifest

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aristath/dagplanner/internal/persistence"
	"github.com/aristath/dagplanner/internal/scheduler"
	"github.com/aristath/dagplanner/internal/worktree"
)

const sample = `
orchestrator:
  id: orch-1
  key: ORCH-1
  title: Ship login
children:
  - key: API-1
    title: Login endpoint
    type: feature
    priority: High
  - key: UI-1
    depends_on: [API-1, ext-42]
    urgency_score: 85
  - id: docs-1
    key: DOC-1
    status: completed
    blocked_by: [INFRA-9]
`

func TestTasksResolvesSiblingKeys(t *testing.T) {
	m, err := Parse([]byte(sample))
	require.NoError(t, err)

	tasks, err := m.Tasks()
	require.NoError(t, err)
	require.Len(t, tasks, 4)

	orch := tasks[0]
	assert.Equal(t, "orch-1", orch.ID)
	assert.Equal(t, scheduler.StatusActive, orch.Status)
	assert.Equal(t, "orchestrator", orch.Type)

	api, ui, docs := tasks[1], tasks[2], tasks[3]
	assert.NotEmpty(t, api.ID)
	assert.Equal(t, "orch-1", api.ParentID)
	assert.Equal(t, scheduler.StatusDraft, api.Status)
	assert.Equal(t, "high", api.Priority)
	assert.Equal(t, scheduler.BandP1, api.Band())

	assert.Equal(t, []string{api.ID, "ext-42"}, ui.Dependencies)
	require.NotNil(t, ui.Metadata.UrgencyScore)
	assert.InDelta(t, 0.85, *ui.Metadata.UrgencyScore, 1e-9)
	assert.Equal(t, "task", ui.Type)

	assert.Equal(t, "docs-1", docs.ID)
	assert.Equal(t, scheduler.StatusCompleted, docs.Status)
	assert.Equal(t, []string{"INFRA-9"}, docs.Metadata.BlockedBy)
}

func TestTasksValidation(t *testing.T) {
	tests := []struct {
		name string
		yaml string
	}{
		{"missing orchestrator key", "orchestrator: {title: x}\n"},
		{"unsafe child key", "orchestrator: {key: O}\nchildren:\n  - key: ../x\n"},
		{"duplicate child key", "orchestrator: {key: O}\nchildren:\n  - key: A\n  - key: A\n"},
		{"unknown status", "orchestrator: {key: O}\nchildren:\n  - key: A\n    status: paused\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m, err := Parse([]byte(tt.yaml))
			require.NoError(t, err)
			_, err = m.Tasks()
			assert.Error(t, err)
		})
	}
}

func TestUnsafeKeyIsInvalidKey(t *testing.T) {
	m, err := Parse([]byte("orchestrator: {key: O}\nchildren:\n  - key: 'a b'\n"))
	require.NoError(t, err)
	_, err = m.Tasks()
	assert.ErrorIs(t, err, worktree.ErrInvalidKey)
}

func TestParseEmpty(t *testing.T) {
	_, err := Parse([]byte("  \n"))
	assert.Error(t, err)
}

func TestImportSavesTree(t *testing.T) {
	ctx := context.Background()
	store, err := persistence.NewMemoryStore(ctx)
	require.NoError(t, err)
	defer store.Close()

	path := filepath.Join(t.TempDir(), "tree.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
orchestrator:
  id: orch-1
  key: ORCH-1
children:
  - key: API-1
  - key: UI-1
    depends_on: [API-1]
`), 0644))

	m, err := LoadFile(path)
	require.NoError(t, err)
	res, err := Import(ctx, store, m)
	require.NoError(t, err)
	assert.Equal(t, Result{OrchestratorID: "orch-1", OrchestratorKey: "ORCH-1", Children: 2}, res)

	children, err := store.ListChildren(ctx, "orch-1")
	require.NoError(t, err)
	require.Len(t, children, 2)

	api, err := store.GetTaskByKey(ctx, "API-1")
	require.NoError(t, err)
	ui, err := store.GetTaskByKey(ctx, "UI-1")
	require.NoError(t, err)
	assert.Equal(t, []string{api.ID}, ui.Dependencies)
}

func TestImportRejectsDuplicateIDs(t *testing.T) {
	ctx := context.Background()
	store, err := persistence.NewMemoryStore(ctx)
	require.NoError(t, err)
	defer store.Close()

	m, err := Parse([]byte("orchestrator: {key: O}\nchildren:\n  - {id: x, key: A}\n  - {id: x, key: B}\n"))
	require.NoError(t, err)
	_, err = Import(ctx, store, m)
	require.Error(t, err)

	tasks, err := store.ListTasks(ctx)
	require.NoError(t, err)
	assert.Empty(t, tasks, "nothing is written when validation fails")
}
