package orchestrator

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aristath/dagplanner/internal/events"
	"github.com/aristath/dagplanner/internal/scheduler"
)

func newTestEscalator(t *testing.T, cfg EscalatorConfig) (*Escalator, *harness) {
	t.Helper()
	h := newHarness(t, PlannerConfig{}, nil)
	e := NewEscalator(
		h.store,
		scheduler.NewSelector(h.store, time.Second, nil),
		events.NewRecorder(nil, nil, events.NewStoreSink(h.store)),
		h.metrics,
		cfg,
		nil,
	)
	return e, h
}

func (h *harness) get(t *testing.T, id string) *scheduler.Task {
	t.Helper()
	task, err := h.store.GetTask(context.Background(), id)
	require.NoError(t, err)
	return task
}

func lintFailure(msg string) GateResult {
	score, threshold := 0.42, 0.8
	return GateResult{
		Gate:      "lint",
		Score:     &score,
		Threshold: &threshold,
		Issues:    []string{"unused variable", "missing test"},
		Error:     msg,
	}
}

func TestIsTransient(t *testing.T) {
	transient := []string{
		"request timed out", "dial tcp: ETIMEDOUT", "read: connection reset by peer",
		"ECONNREFUSED", "Rate limit exceeded", "HTTP 429", "temporary failure in name resolution",
		"service unavailable", "status 503", "socket hang up", "context deadline exceeded (Client.Timeout)",
	}
	for _, msg := range transient {
		assert.True(t, IsTransient(msg), msg)
	}
	for _, msg := range []string{"", "score below threshold", "syntax error at line 4294", "exit status 1"} {
		assert.False(t, IsTransient(msg), msg)
	}
}

func TestShouldSkip(t *testing.T) {
	e, _ := newTestEscalator(t, EscalatorConfig{MaxRetries: 2, AutoContinue: true})
	manual, _ := newTestEscalator(t, EscalatorConfig{MaxRetries: 2})

	child := &scheduler.Task{ID: "c1", ParentID: testOrch}
	top := &scheduler.Task{ID: "t1"}

	tests := []struct {
		name  string
		esc   *Escalator
		task  *scheduler.Task
		gate  GateResult
		retry int
		want  bool
	}{
		{"non-transient child", e, child, lintFailure("score below threshold"), 0, true},
		{"transient with retries left", e, child, lintFailure("connection reset"), 1, false},
		{"transient exhausted", e, child, lintFailure("connection reset"), 2, true},
		{"top-level task", e, top, lintFailure("score below threshold"), 0, false},
		{"auto-continue off", manual, child, lintFailure("score below threshold"), 0, false},
		{"passed gate", e, child, GateResult{Gate: "lint", Passed: true}, 0, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.esc.ShouldSkip(tt.task, tt.gate, tt.retry))
		})
	}
}

func TestExecuteBlocksAndContinues(t *testing.T) {
	e, h := newTestEscalator(t, EscalatorConfig{MaxRetries: 2, AutoContinue: true})
	h.child(t, "c1")
	h.child(t, "c2")
	ctx := context.Background()

	failed := h.get(t, "c1")
	out, err := e.Execute(ctx, failed, lintFailure("score below threshold"))
	require.NoError(t, err)

	assert.Equal(t, DecisionBlocked, out.Decision)
	assert.False(t, out.AlreadyBlocked)
	require.NotNil(t, out.Next)
	assert.Equal(t, "c2", out.Next.TaskID)
	assert.NotEmpty(t, out.CorrelationID)

	blocked := h.get(t, "c1")
	assert.Equal(t, scheduler.StatusBlocked, blocked.Status)
	m := blocked.Metadata
	assert.Equal(t, "lint", m.BlockedByGate)
	assert.NotEmpty(t, m.BlockedReason)
	require.NotNil(t, m.GateScore)
	assert.InDelta(t, 0.42, *m.GateScore, 1e-9)
	require.NotNil(t, m.GateThreshold)
	assert.InDelta(t, 0.8, *m.GateThreshold, 1e-9)
	assert.Equal(t, []string{"unused variable", "missing test"}, m.GateIssues)
	assert.Equal(t, out.CorrelationID, m.CorrelationID)
	assert.NotEmpty(t, m.BlockedAt)

	// A second failure report carrying the stale record loses the
	// conditional update and is treated as already handled.
	again, err := e.Execute(ctx, failed, lintFailure("score below threshold"))
	require.NoError(t, err)
	assert.Equal(t, DecisionBlocked, again.Decision)
	assert.True(t, again.AlreadyBlocked)
	require.NotNil(t, again.Next)
	assert.Equal(t, "c2", again.Next.TaskID)

	next, err := e.selector.NextReady(ctx, testOrch, "")
	require.NoError(t, err)
	require.NotNil(t, next.Task)
	assert.Equal(t, "c2", next.Task.ID)

	assert.Equal(t, 2.0, testutil.ToFloat64(h.metrics.Escalations.WithLabelValues("blocked")))
}

func TestExecuteRetriesTransientFailures(t *testing.T) {
	e, h := newTestEscalator(t, EscalatorConfig{MaxRetries: 2, AutoContinue: true})
	h.child(t, "c1")
	h.child(t, "c2")
	ctx := context.Background()
	gate := lintFailure("upstream returned 503 service unavailable")

	for want := 1; want <= 2; want++ {
		out, err := e.Execute(ctx, h.get(t, "c1"), gate)
		require.NoError(t, err)
		assert.Equal(t, DecisionRetry, out.Decision)
		assert.Equal(t, want, out.RetryCount)

		task := h.get(t, "c1")
		assert.Equal(t, scheduler.StatusDraft, task.Status)
		assert.Equal(t, want, task.Metadata.RetryCount)
	}

	out, err := e.Execute(ctx, h.get(t, "c1"), gate)
	require.NoError(t, err)
	assert.Equal(t, DecisionBlocked, out.Decision)
	assert.Equal(t, 2, h.get(t, "c1").Metadata.RetryCount)
	assert.Equal(t, scheduler.StatusBlocked, h.get(t, "c1").Status)
}

func TestExecuteKeepsCorrelationAcrossRetries(t *testing.T) {
	e, h := newTestEscalator(t, EscalatorConfig{MaxRetries: 1, AutoContinue: true})
	h.child(t, "c1")
	h.child(t, "c2")
	ctx := context.Background()

	first, err := e.Execute(ctx, h.get(t, "c1"), lintFailure("timeout"))
	require.NoError(t, err)
	second, err := e.Execute(ctx, h.get(t, "c1"), lintFailure("timeout"))
	require.NoError(t, err)

	assert.Equal(t, DecisionRetry, first.Decision)
	assert.Equal(t, DecisionBlocked, second.Decision)
	assert.Equal(t, first.CorrelationID, second.CorrelationID)
}

func TestExecuteAllChildrenBlocked(t *testing.T) {
	e, h := newTestEscalator(t, EscalatorConfig{MaxRetries: 2, AutoContinue: true})
	h.save(t, "c1", scheduler.StatusBlocked)
	h.child(t, "c2")
	h.child(t, "c3", "c2")
	ctx := context.Background()

	out, err := e.Execute(ctx, h.get(t, "c2"), lintFailure("tests failed"))
	require.NoError(t, err)

	assert.Equal(t, DecisionBlocked, out.Decision)
	assert.True(t, out.AllBlocked)
	assert.Nil(t, out.Next)
	assert.False(t, out.AllComplete)
	assert.ElementsMatch(t, []string{"c1", "c2"}, out.BlockedIDs)

	audit, err := h.store.ListAudit(ctx, testOrch, 10)
	require.NoError(t, err)
	require.Len(t, audit, 2)
	assert.Equal(t, events.EventTypeSkipAndContinue, audit[0].Type)
	assert.Equal(t, events.EventTypeAllChildrenBlocked, audit[1].Type)
	assert.Equal(t, out.CorrelationID, audit[0].CorrelationID)
	assert.Equal(t, out.CorrelationID, audit[1].CorrelationID)
	assert.Contains(t, string(audit[1].Payload), `"requiresIntervention":true`)
}

func TestExecuteEscalatesWithoutAutoContinue(t *testing.T) {
	e, h := newTestEscalator(t, EscalatorConfig{MaxRetries: 2})
	h.child(t, "c1")
	ctx := context.Background()

	before := h.get(t, "c1")
	out, err := e.Execute(ctx, before, lintFailure("score below threshold"))
	require.NoError(t, err)

	assert.Equal(t, DecisionEscalate, out.Decision)
	assert.Equal(t, "auto-continue disabled", out.Reason)

	after := h.get(t, "c1")
	assert.Equal(t, scheduler.StatusDraft, after.Status)
	assert.True(t, before.UpdatedAt.Equal(after.UpdatedAt), "escalation must not write to the store")
	assert.Equal(t, 1.0, testutil.ToFloat64(h.metrics.Escalations.WithLabelValues("escalate")))
}

func TestMarkBlockedSkipsBlockedTask(t *testing.T) {
	e, h := newTestEscalator(t, EscalatorConfig{AutoContinue: true})
	h.save(t, "c1", scheduler.StatusBlocked)

	task := h.get(t, "c1")
	already, err := e.MarkBlocked(context.Background(), task, BlockInfo{Gate: "lint"})
	require.NoError(t, err)
	assert.True(t, already)
	assert.True(t, task.UpdatedAt.Equal(h.get(t, "c1").UpdatedAt))
}

// brokenChildren fails every ListChildren call.
type brokenChildren struct {
	scheduler.TaskSource
}

func (brokenChildren) ListChildren(context.Context, string) ([]*scheduler.Task, error) {
	return nil, errors.New("database is locked")
}

func TestExecuteSiblingSelectionUnavailable(t *testing.T) {
	_, h := newTestEscalator(t, EscalatorConfig{})
	e := NewEscalator(
		h.store,
		scheduler.NewSelector(brokenChildren{h.store}, time.Second, nil),
		events.NewRecorder(nil, nil, events.NewStoreSink(h.store)),
		h.metrics,
		EscalatorConfig{MaxRetries: 2, AutoContinue: true},
		nil,
	)
	h.child(t, "c1")
	h.child(t, "c2")
	h.child(t, "c3")
	ctx := context.Background()

	out, err := e.Execute(ctx, h.get(t, "c1"), lintFailure("score below threshold"))
	require.NoError(t, err)

	assert.Equal(t, DecisionBlocked, out.Decision)
	assert.Equal(t, scheduler.StatusBlocked, h.get(t, "c1").Status)
	assert.False(t, out.AllBlocked)
	assert.False(t, out.AllComplete)
	assert.Nil(t, out.Next)
	assert.Empty(t, out.BlockedIDs)
	assert.Contains(t, out.Reason, "sibling selection unavailable")
	assert.Contains(t, out.Reason, "database is locked")

	audit, err := h.store.ListAudit(ctx, testOrch, 10)
	require.NoError(t, err)
	var types []string
	for _, ev := range audit {
		types = append(types, ev.Type)
	}
	assert.Equal(t, []string{events.EventTypeSkipAndContinue}, types)
}

func TestExecuteLastWorkableChildBlocked(t *testing.T) {
	e, h := newTestEscalator(t, EscalatorConfig{MaxRetries: 2, AutoContinue: true})
	h.save(t, "c1", scheduler.StatusCompleted)
	h.save(t, "c2", scheduler.StatusCancelled)
	h.child(t, "c3")

	out, err := e.Execute(context.Background(), h.get(t, "c3"), lintFailure("tests failed"))
	require.NoError(t, err)

	assert.Equal(t, DecisionBlocked, out.Decision)
	assert.True(t, out.AllBlocked, "the failed child itself is now blocked")
	assert.Equal(t, []string{"c3"}, out.BlockedIDs)
}
