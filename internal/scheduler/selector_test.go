package scheduler

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeSource struct {
	tasks   map[string]*Task
	listErr error
	lookups []string
}

func newFakeSource(tasks ...*Task) *fakeSource {
	s := &fakeSource{tasks: make(map[string]*Task)}
	for _, t := range tasks {
		s.tasks[t.ID] = t
	}
	return s
}

func (s *fakeSource) ListChildren(_ context.Context, parentID string) ([]*Task, error) {
	if s.listErr != nil {
		return nil, s.listErr
	}
	var out []*Task
	for _, t := range s.tasks {
		if t.ParentID == parentID {
			out = append(out, t.Clone())
		}
	}
	return out, nil
}

func (s *fakeSource) GetTask(_ context.Context, id string) (*Task, error) {
	s.lookups = append(s.lookups, id)
	t, ok := s.tasks[id]
	if !ok {
		return nil, errors.New("not found")
	}
	return t.Clone(), nil
}

func scored(id string, score float64, status Status, deps ...string) *Task {
	t := task(id, status, deps...)
	t.Metadata.UrgencyScore = &score
	t.CreatedAt = time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	return t
}

func TestNextReadyPicksMostUrgent(t *testing.T) {
	src := newFakeSource(
		scored("A", 0.3, StatusDraft),
		scored("B", 0.9, StatusActive),
		scored("C", 0.95, StatusDraft, "A"),
		scored("D", 0.99, StatusCompleted),
	)
	sel := NewSelector(src, 0, nil)

	res, err := sel.NextReady(context.Background(), "orch", "")
	require.NoError(t, err)
	require.NotNil(t, res.Task)
	assert.Equal(t, "B", res.Task.ID)
	assert.False(t, res.AllComplete)

	res, err = sel.NextReady(context.Background(), "orch", "B")
	require.NoError(t, err)
	require.NotNil(t, res.Task)
	assert.Equal(t, "A", res.Task.ID, "C waits on A")
}

func TestNextReadyDistinguishesDoneFromStuck(t *testing.T) {
	t.Run("all complete", func(t *testing.T) {
		src := newFakeSource(
			scored("A", 0.5, StatusCompleted),
			scored("B", 0.5, StatusCancelled),
		)
		res, err := NewSelector(src, 0, nil).NextReady(context.Background(), "orch", "")
		require.NoError(t, err)
		assert.Nil(t, res.Task)
		assert.True(t, res.AllComplete)
		assert.Zero(t, res.BlockedCount)
		assert.Equal(t, "all children completed or cancelled", res.Reason)
	})

	t.Run("stuck", func(t *testing.T) {
		blocker := scored("B", 0.9, StatusDraft)
		blocker.Metadata.BlockedBy = []string{"EXTERNAL-1"}
		src := newFakeSource(
			scored("A", 0.5, StatusBlocked),
			blocker,
			scored("C", 0.5, StatusCompleted),
		)
		res, err := NewSelector(src, 0, nil).NextReady(context.Background(), "orch", "")
		require.NoError(t, err)
		assert.Nil(t, res.Task)
		assert.False(t, res.AllComplete)
		assert.Equal(t, 2, res.BlockedCount)
		assert.Equal(t, []string{"A", "B"}, res.BlockedIDs)
	})
}

func TestNextReadyNoChildren(t *testing.T) {
	res, err := NewSelector(newFakeSource(), 0, nil).NextReady(context.Background(), "orch", "")
	require.NoError(t, err)
	assert.Nil(t, res.Task)
	assert.False(t, res.AllComplete)
	assert.Contains(t, res.Reason, "no children")
}

func TestSelectorRequiresOrchestrator(t *testing.T) {
	sel := NewSelector(newFakeSource(), 0, nil)
	_, err := sel.NextReady(context.Background(), "", "")
	assert.ErrorIs(t, err, ErrMissingOrchestrator)
	_, err = sel.ReadyBatch(context.Background(), "", BatchOptions{Parallel: true})
	assert.ErrorIs(t, err, ErrMissingOrchestrator)
}

func TestSelectorStoreErrorIsNonFatal(t *testing.T) {
	src := newFakeSource()
	src.listErr = errors.New("database is locked")
	sel := NewSelector(src, 0, nil)

	res, err := sel.ReadyBatch(context.Background(), "orch", BatchOptions{Parallel: true})
	require.NoError(t, err)
	assert.Empty(t, res.Candidates)
	assert.Contains(t, res.Reason, "database is locked")

	next, err := sel.NextReady(context.Background(), "orch", "")
	require.NoError(t, err)
	assert.Nil(t, next.Task)
	assert.Contains(t, next.Reason, "task store query failed")
	assert.ErrorContains(t, next.StoreErr, "database is locked")
	assert.False(t, next.AllComplete)
}

func TestReadyBatch(t *testing.T) {
	blocked := scored("E", 0.99, StatusDraft)
	blocked.Metadata.BlockedBy = []string{"X"}

	src := newFakeSource(
		scored("A", 0.5, StatusCompleted),
		scored("B", 0.6, StatusDraft, "A"),
		scored("C", 0.9, StatusDraft, "A"),
		scored("D", 0.7, StatusDraft, "B"),
		blocked,
		scored("F", 0.8, StatusCancelled),
		scored("G", 0.95, StatusDraft, "F"),
	)
	sel := NewSelector(src, time.Second, nil)

	res, err := sel.ReadyBatch(context.Background(), "orch", BatchOptions{Parallel: true})
	require.NoError(t, err)
	assert.Equal(t, []string{"C", "B"}, ids(res.Candidates))
	assert.Equal(t, 7, res.TotalChildren)
	assert.Equal(t, []string{"E"}, res.BlockedIDs)
	assert.Nil(t, res.Cycle)
	assert.Empty(t, res.DAGErrors)

	seq, err := sel.ReadyBatch(context.Background(), "orch", BatchOptions{})
	require.NoError(t, err)
	assert.Equal(t, []string{"C"}, ids(seq.Candidates))

	next, err := sel.NextReady(context.Background(), "orch", "")
	require.NoError(t, err)
	assert.Equal(t, seq.Candidates[0].ID, next.Task.ID, "sequential batch matches NextReady")

	excl, err := sel.ReadyBatch(context.Background(), "orch", BatchOptions{Parallel: true, ExcludeID: "C"})
	require.NoError(t, err)
	assert.Equal(t, []string{"B"}, ids(excl.Candidates))
}

func TestReadyBatchCycle(t *testing.T) {
	src := newFakeSource(
		scored("A", 0.5, StatusDraft, "C"),
		scored("B", 0.5, StatusDraft, "A"),
		scored("C", 0.5, StatusDraft, "B"),
		scored("D", 0.5, StatusDraft),
	)
	res, err := NewSelector(src, 0, nil).ReadyBatch(context.Background(), "orch", BatchOptions{Parallel: true})
	require.NoError(t, err)
	assert.Empty(t, res.Candidates)
	require.NotNil(t, res.Cycle)
	assert.Equal(t, []string{"A", "C", "B", "A"}, res.Cycle.Path)
	assert.Contains(t, res.Reason, "cycle")
}

func TestReadyBatchExternalDependencies(t *testing.T) {
	other := scored("OTHER-1", 0.5, StatusCompleted)
	other.ParentID = "another-orch"
	pending := scored("OTHER-2", 0.5, StatusDraft)
	pending.ParentID = "another-orch"

	src := newFakeSource(
		other,
		pending,
		scored("A", 0.5, StatusDraft, "OTHER-1"),
		scored("B", 0.5, StatusDraft, "OTHER-2"),
		scored("C", 0.5, StatusDraft, "GHOST"),
	)
	res, err := NewSelector(src, 0, nil).ReadyBatch(context.Background(), "orch", BatchOptions{Parallel: true})
	require.NoError(t, err)

	assert.Equal(t, []string{"A"}, ids(res.Candidates))
	require.Len(t, res.DAGErrors, 1)
	assert.Equal(t, "GHOST", res.DAGErrors[0].DependencyID)
	assert.Equal(t, []string{"GHOST", "OTHER-1", "OTHER-2"}, src.lookups)
}

func ids(tasks []*Task) []string {
	var out []string
	for _, t := range tasks {
		out = append(out, t.ID)
	}
	return out
}
