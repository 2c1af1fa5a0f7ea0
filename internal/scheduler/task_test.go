package scheduler

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMetadataUnmarshalCoercion(t *testing.T) {
	raw := `{
		"blockedBy": "TASK-9",
		"urgencyScore": 72,
		"urgencyBand": "p1",
		"retry_count": "2",
		"gate_issues": ["lint", " ", "tests"],
		"owner": {"name": "ops"},
		"gate_score": "bogus"
	}`

	var m Metadata
	require.NoError(t, json.Unmarshal([]byte(raw), &m))

	assert.Equal(t, []string{"TASK-9"}, m.BlockedBy)
	require.NotNil(t, m.UrgencyScore)
	assert.InDelta(t, 0.72, *m.UrgencyScore, 1e-9)
	assert.Equal(t, BandP1, m.UrgencyBand)
	assert.Equal(t, 2, m.RetryCount)
	assert.Equal(t, []string{"lint", "tests"}, m.GateIssues)
	assert.Nil(t, m.GateScore, "malformed number should be dropped")
	assert.JSONEq(t, `{"name":"ops"}`, string(m.Extra["owner"]))
}

func TestMetadataRoundTripKeepsExtra(t *testing.T) {
	score := 0.4
	m := Metadata{
		BlockedBy:     []string{"A", "B"},
		UrgencyScore:  &score,
		BlockedReason: "gate failed",
		CorrelationID: "c-1",
		Extra:         map[string]json.RawMessage{"labels": json.RawMessage(`["x"]`)},
	}

	data, err := json.Marshal(m)
	require.NoError(t, err)
	assert.JSONEq(t, `{
		"blockedBy": ["A","B"],
		"urgencyScore": 0.4,
		"blocked_reason": "gate failed",
		"correlation_id": "c-1",
		"labels": ["x"]
	}`, string(data))

	var back Metadata
	require.NoError(t, json.Unmarshal(data, &back))
	assert.Equal(t, m.BlockedBy, back.BlockedBy)
	assert.Equal(t, "c-1", back.CorrelationID)
	assert.JSONEq(t, `["x"]`, string(back.Extra["labels"]))
}

func TestNormalizeScore(t *testing.T) {
	tests := []struct {
		in   float64
		want float64
	}{
		{0.3, 0.3},
		{85, 0.85},
		{250, 1},
		{-2, 0},
	}
	for _, tt := range tests {
		assert.InDelta(t, tt.want, NormalizeScore(tt.in), 1e-9, "NormalizeScore(%v)", tt.in)
	}
}

func TestBandForScore(t *testing.T) {
	tests := []struct {
		score float64
		want  Band
	}{
		{0.95, BandP0},
		{0.85, BandP0},
		{0.84, BandP1},
		{0.65, BandP1},
		{0.5, BandP2},
		{0.40, BandP2},
		{0.39, BandP3},
		{0, BandP3},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, BandForScore(tt.score), "BandForScore(%v)", tt.score)
	}
}

func TestTaskScoreFallsBackToPriority(t *testing.T) {
	assert.InDelta(t, 0.9, (&Task{Priority: "Critical"}).Score(), 1e-9)
	assert.InDelta(t, 0.5, (&Task{}).Score(), 1e-9)
	assert.Equal(t, BandP1, (&Task{Priority: "high"}).Band())

	score := 0.1
	explicit := &Task{Priority: "critical", Metadata: Metadata{UrgencyScore: &score}}
	assert.Equal(t, BandP3, explicit.Band())
}

func TestParseStatus(t *testing.T) {
	s, err := ParseStatus(" Active ")
	require.NoError(t, err)
	assert.Equal(t, StatusActive, s)
	assert.True(t, s.Workable())

	_, err = ParseStatus("in-progress")
	assert.Error(t, err)
}

func TestSortByUrgency(t *testing.T) {
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	f := func(v float64) *float64 { return &v }

	tasks := []*Task{
		{ID: "low-old", Metadata: Metadata{UrgencyScore: f(0.2)}, CreatedAt: base},
		{ID: "p1-new", Metadata: Metadata{UrgencyScore: f(0.7)}, CreatedAt: base.Add(2 * time.Hour)},
		{ID: "p1-old", Metadata: Metadata{UrgencyScore: f(0.7)}, CreatedAt: base.Add(time.Hour)},
		{ID: "p1-higher", Metadata: Metadata{UrgencyScore: f(0.8)}, CreatedAt: base.Add(3 * time.Hour)},
		{ID: "forced-p0", Metadata: Metadata{UrgencyScore: f(0.1), UrgencyBand: BandP0}, CreatedAt: base.Add(4 * time.Hour)},
		{ID: "tie-a", Metadata: Metadata{UrgencyScore: f(0.5)}, CreatedAt: base},
		{ID: "tie-b", Metadata: Metadata{UrgencyScore: f(0.5)}, CreatedAt: base},
	}

	got := SortByUrgency(tasks)
	var ids []string
	for _, tk := range got {
		ids = append(ids, tk.ID)
	}
	assert.Equal(t, []string{"forced-p0", "p1-higher", "p1-old", "p1-new", "tie-a", "tie-b", "low-old"}, ids)
	assert.Equal(t, "low-old", tasks[0].ID, "input must not be reordered")

	// Stable: reversing equal elements keeps their relative order.
	swapped := SortByUrgency([]*Task{tasks[6], tasks[5]})
	assert.Equal(t, "tie-b", swapped[0].ID)
}
