package events

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/aristath/dagplanner/internal/persistence"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type failingSink struct{ calls int }

func (f *failingSink) Name() string { return "failing" }
func (f *failingSink) Write(context.Context, Event) error {
	f.calls++
	return errors.New("sink down")
}

type capturePublisher struct {
	mu       sync.Mutex
	subjects []string
	payloads [][]byte
}

func (c *capturePublisher) Publish(subject string, data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.subjects = append(c.subjects, subject)
	c.payloads = append(c.payloads, data)
	return nil
}

func TestRecorderWritesToStoreAndBus(t *testing.T) {
	store, err := persistence.NewMemoryStore(context.Background())
	require.NoError(t, err)
	defer store.Close()

	bus := NewEventBus()
	defer bus.Close()
	ch := bus.Subscribe(TopicEscalation, 4)

	failing := &failingSink{}
	rec := NewRecorder(bus, nil, NewStoreSink(store), failing)

	score := 0.42
	rec.Record(context.Background(), SkipAndContinueEvent{
		Meta:       Meta{Orchestrator: "orch", Correlation: "corr-1", Timestamp: time.Now()},
		ID:         "task-9",
		Key:        "PROJ-9",
		Gate:       "tests",
		Score:      &score,
		RetryCount: 3,
	})

	got := receive(t, ch)
	assert.Equal(t, EventTypeSkipAndContinue, got.EventType())
	assert.Equal(t, 1, failing.calls, "failing sink must not stop recording")

	audit, err := store.ListAudit(context.Background(), "orch", 0)
	require.NoError(t, err)
	require.Len(t, audit, 1)
	assert.Equal(t, "SKIP_AND_CONTINUE", audit[0].Type)
	assert.Equal(t, "task-9", audit[0].TaskID)
	assert.Equal(t, "corr-1", audit[0].CorrelationID)

	var payload map[string]any
	require.NoError(t, json.Unmarshal(audit[0].Payload, &payload))
	assert.Equal(t, "tests", payload["gate"])
	assert.Equal(t, 0.42, payload["score"])
}

func TestNilRecorderIsSafe(t *testing.T) {
	var rec *Recorder
	rec.Record(context.Background(), PlanCreatedEvent{})
}

func TestNATSSinkPublishesEnvelope(t *testing.T) {
	pub := &capturePublisher{}
	sink := &NATSSink{pub: pub, subject: "orchestrator.audit"}

	ev := AllChildrenBlockedEvent{
		Meta:                 Meta{Orchestrator: "orch", Correlation: "c-2", Timestamp: time.Now()},
		FailedTaskID:         "t1",
		BlockedIDs:           []string{"t1", "t2"},
		RequiresIntervention: true,
	}
	require.NoError(t, sink.Write(context.Background(), ev))
	require.NoError(t, sink.Close())

	require.Len(t, pub.subjects, 1)
	assert.Equal(t, "orchestrator.audit.ALL_CHILDREN_BLOCKED", pub.subjects[0])

	var env Envelope
	require.NoError(t, json.Unmarshal(pub.payloads[0], &env))
	assert.Equal(t, "ALL_CHILDREN_BLOCKED", env.Type)
	assert.Equal(t, "orch", env.OrchestratorID)
	assert.Equal(t, "t1", env.TaskID)
	assert.Equal(t, "c-2", env.CorrelationID)
	assert.JSONEq(t, `["t1","t2"]`, mustField(t, env.Data, "blockedIds"))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.Error(t, sink.Write(ctx, ev))
}

func mustField(t *testing.T, data json.RawMessage, field string) string {
	t.Helper()
	var m map[string]json.RawMessage
	require.NoError(t, json.Unmarshal(data, &m))
	return string(m[field])
}
