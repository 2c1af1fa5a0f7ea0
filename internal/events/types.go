package events

import (
	"time"
)

// Event is the base interface for all events.
type Event interface {
	EventType() string
	TaskID() string
	OrchestratorID() string
	CorrelationID() string
	Time() time.Time
}

// Topic constants
const (
	TopicPlan       = "plan"
	TopicTask       = "task"
	TopicEscalation = "escalation"
)

// Event type constants. Escalation types are part of the audit contract.
const (
	EventTypePlanCreated        = "PLAN_CREATED"
	EventTypeTaskStarted        = "TASK_STARTED"
	EventTypeTaskOutcome        = "TASK_OUTCOME"
	EventTypeGateRetry          = "GATE_RETRY"
	EventTypeSkipAndContinue    = "SKIP_AND_CONTINUE"
	EventTypeAllChildrenBlocked = "ALL_CHILDREN_BLOCKED"
)

// Meta carries the fields every event shares.
type Meta struct {
	Orchestrator string    `json:"orchestratorId"`
	Correlation  string    `json:"correlationId,omitempty"`
	Timestamp    time.Time `json:"timestamp"`
}

func (m Meta) OrchestratorID() string { return m.Orchestrator }
func (m Meta) CorrelationID() string  { return m.Correlation }
func (m Meta) Time() time.Time        { return m.Timestamp }

// PlanCreatedEvent is published after every planning pass.
type PlanCreatedEvent struct {
	Meta
	Mode          string   `json:"mode"`
	Reason        string   `json:"reason"`
	Started       []string `json:"started,omitempty"`
	ReadyCount    int      `json:"readyCount"`
	TotalChildren int      `json:"totalChildren"`
}

func (e PlanCreatedEvent) EventType() string { return EventTypePlanCreated }
func (e PlanCreatedEvent) TaskID() string    { return "" }

// TaskStartedEvent is published for each task handed to the executor.
type TaskStartedEvent struct {
	Meta
	ID             string `json:"taskId"`
	Key            string `json:"taskKey"`
	WorkspacePath  string `json:"workspacePath"`
	IdempotencyKey string `json:"idempotencyKey"`
}

func (e TaskStartedEvent) EventType() string { return EventTypeTaskStarted }
func (e TaskStartedEvent) TaskID() string    { return e.ID }

// TaskOutcomeEvent is published when the executor reports a child outcome.
type TaskOutcomeEvent struct {
	Meta
	ID      string `json:"taskId"`
	Outcome string `json:"outcome"`
}

func (e TaskOutcomeEvent) EventType() string { return EventTypeTaskOutcome }
func (e TaskOutcomeEvent) TaskID() string    { return e.ID }

// GateRetryEvent is published when a failed gate is retried instead of skipped.
type GateRetryEvent struct {
	Meta
	ID         string `json:"taskId"`
	Gate       string `json:"gate"`
	RetryCount int    `json:"retryCount"`
	Reason     string `json:"reason"`
}

func (e GateRetryEvent) EventType() string { return EventTypeGateRetry }
func (e GateRetryEvent) TaskID() string    { return e.ID }

// SkipAndContinueEvent is published when a failed child is blocked and the
// orchestrator moves on.
type SkipAndContinueEvent struct {
	Meta
	ID             string   `json:"taskId"`
	Key            string   `json:"taskKey"`
	Gate           string   `json:"gate"`
	Score          *float64 `json:"score,omitempty"`
	Threshold      *float64 `json:"threshold,omitempty"`
	Issues         []string `json:"issues,omitempty"`
	RetryCount     int      `json:"retryCount"`
	AlreadyBlocked bool     `json:"alreadyBlocked"`
	NextTaskID     string   `json:"nextTaskId,omitempty"`
}

func (e SkipAndContinueEvent) EventType() string { return EventTypeSkipAndContinue }
func (e SkipAndContinueEvent) TaskID() string    { return e.ID }

// AllChildrenBlockedEvent is published when no sibling can proceed and the
// orchestrator needs human intervention.
type AllChildrenBlockedEvent struct {
	Meta
	FailedTaskID         string   `json:"failedTaskId"`
	BlockedIDs           []string `json:"blockedIds"`
	RequiresIntervention bool     `json:"requiresIntervention"`
}

func (e AllChildrenBlockedEvent) EventType() string { return EventTypeAllChildrenBlocked }
func (e AllChildrenBlockedEvent) TaskID() string    { return e.FailedTaskID }

// TopicOf returns the bus topic an event is published on.
func TopicOf(e Event) string {
	switch e.(type) {
	case PlanCreatedEvent:
		return TopicPlan
	case GateRetryEvent, SkipAndContinueEvent, AllChildrenBlockedEvent:
		return TopicEscalation
	default:
		return TopicTask
	}
}
