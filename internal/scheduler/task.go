package scheduler

import (
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"
)

// Status is the lifecycle state of a task record.
type Status string

const (
	StatusDraft     Status = "draft"     // Created, not yet picked up
	StatusActive    Status = "active"    // Being worked on
	StatusBlocked   Status = "blocked"   // Terminal failure, needs intervention
	StatusCompleted Status = "completed" // Terminal success
	StatusCancelled Status = "cancelled" // Terminal failure, abandoned
)

// Valid reports whether s is one of the known statuses.
func (s Status) Valid() bool {
	switch s {
	case StatusDraft, StatusActive, StatusBlocked, StatusCompleted, StatusCancelled:
		return true
	}
	return false
}

// Workable reports whether a task in this status may still be picked up.
func (s Status) Workable() bool {
	return s == StatusDraft || s == StatusActive
}

// Terminal reports whether no further work is expected for this status.
func (s Status) Terminal() bool {
	return s == StatusBlocked || s == StatusCompleted || s == StatusCancelled
}

// ParseStatus converts a stored status string into a Status.
func ParseStatus(raw string) (Status, error) {
	s := Status(strings.ToLower(strings.TrimSpace(raw)))
	if !s.Valid() {
		return "", fmt.Errorf("unknown task status %q", raw)
	}
	return s, nil
}

// Band is a coarse urgency bucket. P0 is the most urgent.
type Band string

const (
	BandP0 Band = "P0"
	BandP1 Band = "P1"
	BandP2 Band = "P2"
	BandP3 Band = "P3"
)

// rank orders bands so that a higher rank sorts first. Unknown bands rank lowest.
func (b Band) rank() int {
	switch b {
	case BandP0:
		return 3
	case BandP1:
		return 2
	case BandP2:
		return 1
	}
	return 0
}

// BandForScore maps a 0..1 urgency score onto a band.
func BandForScore(score float64) Band {
	switch {
	case score >= 0.85:
		return BandP0
	case score >= 0.65:
		return BandP1
	case score >= 0.40:
		return BandP2
	default:
		return BandP3
	}
}

// Priority scores used when a task carries no explicit urgency score.
var priorityScores = map[string]float64{
	"critical": 0.9,
	"high":     0.7,
	"medium":   0.5,
	"low":      0.3,
}

const defaultScore = 0.5

// Metadata is the typed view of a task's open metadata map. Keys the
// scheduler does not know about are kept verbatim in Extra.
type Metadata struct {
	BlockedBy     []string
	UrgencyScore  *float64
	UrgencyBand   Band
	BlockedReason string
	BlockedByGate string
	GateScore     *float64
	GateThreshold *float64
	GateIssues    []string
	RetryCount    int
	CorrelationID string
	BlockedAt     string

	Extra map[string]json.RawMessage
}

// known metadata keys, in the casing the store contract uses.
const (
	keyBlockedBy     = "blockedBy"
	keyUrgencyScore  = "urgencyScore"
	keyUrgencyBand   = "urgencyBand"
	keyBlockedReason = "blocked_reason"
	keyBlockedByGate = "blocked_by_gate"
	keyGateScore     = "gate_score"
	keyGateThreshold = "gate_threshold"
	keyGateIssues    = "gate_issues"
	keyRetryCount    = "retry_count"
	keyCorrelationID = "correlation_id"
	keyBlockedAt     = "blocked_at"
)

// UnmarshalJSON decodes metadata leniently: a scalar blockedBy becomes a
// one-element list, percentage scores are scaled into 0..1, and values of the
// wrong type are dropped rather than failing the whole record.
func (m *Metadata) UnmarshalJSON(data []byte) error {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("decode metadata: %w", err)
	}
	*m = Metadata{}

	take := func(key string) (json.RawMessage, bool) {
		v, ok := raw[key]
		if ok {
			delete(raw, key)
		}
		return v, ok && string(v) != "null"
	}

	if v, ok := take(keyBlockedBy); ok {
		m.BlockedBy = decodeStringList(v)
	}
	if v, ok := take(keyUrgencyScore); ok {
		if f, ok := decodeNumber(v); ok {
			score := NormalizeScore(f)
			m.UrgencyScore = &score
		}
	}
	if v, ok := take(keyUrgencyBand); ok {
		b := Band(strings.ToUpper(decodeString(v)))
		if b.rank() > 0 || b == BandP3 {
			m.UrgencyBand = b
		}
	}
	if v, ok := take(keyBlockedReason); ok {
		m.BlockedReason = decodeString(v)
	}
	if v, ok := take(keyBlockedByGate); ok {
		m.BlockedByGate = decodeString(v)
	}
	if v, ok := take(keyGateScore); ok {
		if f, ok := decodeNumber(v); ok {
			m.GateScore = &f
		}
	}
	if v, ok := take(keyGateThreshold); ok {
		if f, ok := decodeNumber(v); ok {
			m.GateThreshold = &f
		}
	}
	if v, ok := take(keyGateIssues); ok {
		m.GateIssues = decodeStringList(v)
	}
	if v, ok := take(keyRetryCount); ok {
		if f, ok := decodeNumber(v); ok && f > 0 {
			m.RetryCount = int(f)
		}
	}
	if v, ok := take(keyCorrelationID); ok {
		m.CorrelationID = decodeString(v)
	}
	if v, ok := take(keyBlockedAt); ok {
		m.BlockedAt = decodeString(v)
	}

	if len(raw) > 0 {
		m.Extra = raw
	}
	return nil
}

// MarshalJSON writes known fields under their contract keys alongside Extra.
func (m Metadata) MarshalJSON() ([]byte, error) {
	out := make(map[string]any, len(m.Extra)+11)
	for k, v := range m.Extra {
		out[k] = v
	}
	if len(m.BlockedBy) > 0 {
		out[keyBlockedBy] = m.BlockedBy
	}
	if m.UrgencyScore != nil {
		out[keyUrgencyScore] = *m.UrgencyScore
	}
	if m.UrgencyBand != "" {
		out[keyUrgencyBand] = m.UrgencyBand
	}
	if m.BlockedReason != "" {
		out[keyBlockedReason] = m.BlockedReason
	}
	if m.BlockedByGate != "" {
		out[keyBlockedByGate] = m.BlockedByGate
	}
	if m.GateScore != nil {
		out[keyGateScore] = *m.GateScore
	}
	if m.GateThreshold != nil {
		out[keyGateThreshold] = *m.GateThreshold
	}
	if len(m.GateIssues) > 0 {
		out[keyGateIssues] = m.GateIssues
	}
	if m.RetryCount > 0 {
		out[keyRetryCount] = m.RetryCount
	}
	if m.CorrelationID != "" {
		out[keyCorrelationID] = m.CorrelationID
	}
	if m.BlockedAt != "" {
		out[keyBlockedAt] = m.BlockedAt
	}
	return json.Marshal(out)
}

// NormalizeScore clamps a score into 0..1, treating values above 1 as percentages.
func NormalizeScore(f float64) float64 {
	if math.IsNaN(f) {
		return defaultScore
	}
	if f > 1 {
		f /= 100
	}
	return math.Max(0, math.Min(1, f))
}

func decodeString(v json.RawMessage) string {
	var s string
	if err := json.Unmarshal(v, &s); err == nil {
		return s
	}
	return strings.Trim(string(v), `"`)
}

func decodeNumber(v json.RawMessage) (float64, bool) {
	var f float64
	if err := json.Unmarshal(v, &f); err == nil {
		return f, true
	}
	var s string
	if err := json.Unmarshal(v, &s); err == nil {
		if f, err := strconv.ParseFloat(strings.TrimSpace(s), 64); err == nil {
			return f, true
		}
	}
	return 0, false
}

func decodeStringList(v json.RawMessage) []string {
	var list []string
	if err := json.Unmarshal(v, &list); err == nil {
		return compact(list)
	}
	var single string
	if err := json.Unmarshal(v, &single); err == nil {
		return compact([]string{single})
	}
	return nil
}

func compact(in []string) []string {
	var out []string
	for _, s := range in {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}

// Task is a unit of work owned by an orchestrator task.
type Task struct {
	ID           string
	Key          string // Human-readable identifier, e.g. "PROJ-12"
	Title        string
	Type         string
	Status       Status
	ParentID     string // Empty for top-level tasks
	Dependencies []string
	Priority     string
	Metadata     Metadata
	CreatedAt    time.Time
	UpdatedAt    time.Time // Optimistic concurrency token
}

// HasBlockers reports whether the task carries explicit blockedBy entries.
func (t *Task) HasBlockers() bool {
	return len(t.Metadata.BlockedBy) > 0
}

// Score returns the urgency score, derived from Priority when absent.
func (t *Task) Score() float64 {
	if t.Metadata.UrgencyScore != nil {
		return *t.Metadata.UrgencyScore
	}
	if s, ok := priorityScores[strings.ToLower(t.Priority)]; ok {
		return s
	}
	return defaultScore
}

// Band returns the urgency band, derived from Score when absent.
func (t *Task) Band() Band {
	if t.Metadata.UrgencyBand != "" {
		return t.Metadata.UrgencyBand
	}
	return BandForScore(t.Score())
}

// Clone returns a deep copy of the task.
func (t *Task) Clone() *Task {
	if t == nil {
		return nil
	}
	cp := *t
	cp.Dependencies = append([]string(nil), t.Dependencies...)
	cp.Metadata.BlockedBy = append([]string(nil), t.Metadata.BlockedBy...)
	cp.Metadata.GateIssues = append([]string(nil), t.Metadata.GateIssues...)
	if t.Metadata.UrgencyScore != nil {
		v := *t.Metadata.UrgencyScore
		cp.Metadata.UrgencyScore = &v
	}
	if t.Metadata.GateScore != nil {
		v := *t.Metadata.GateScore
		cp.Metadata.GateScore = &v
	}
	if t.Metadata.GateThreshold != nil {
		v := *t.Metadata.GateThreshold
		cp.Metadata.GateThreshold = &v
	}
	if t.Metadata.Extra != nil {
		cp.Metadata.Extra = make(map[string]json.RawMessage, len(t.Metadata.Extra))
		for k, v := range t.Metadata.Extra {
			cp.Metadata.Extra[k] = v
		}
	}
	return &cp
}
