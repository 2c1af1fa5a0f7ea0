package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"time"

	"github.com/google/uuid"

	"github.com/aristath/dagplanner/internal/events"
	"github.com/aristath/dagplanner/internal/persistence"
	"github.com/aristath/dagplanner/internal/scheduler"
)

// Decision is what the escalator did with a gate failure.
type Decision string

const (
	DecisionRetry    Decision = "retry"    // Leave the task workable for another attempt
	DecisionBlocked  Decision = "blocked"  // Block the task and move on to a sibling
	DecisionEscalate Decision = "escalate" // Hand the failure back to a human
)

// GateResult is the outcome of a validation gate run against a task.
type GateResult struct {
	Gate      string
	Passed    bool
	Score     *float64
	Threshold *float64
	Issues    []string
	Error     string // Failure message; used to classify transient failures
}

// EscalatorConfig configures an Escalator.
type EscalatorConfig struct {
	MaxRetries   int  // Attempts allowed for transient failures (default 2)
	AutoContinue bool // Block and continue to a sibling instead of escalating
}

// TaskWriter is the part of the task store the escalator writes to.
type TaskWriter interface {
	GetTask(ctx context.Context, taskID string) (*scheduler.Task, error)
	UpdateTaskIf(ctx context.Context, taskID string, expectedUpdatedAt time.Time, status scheduler.Status, meta scheduler.Metadata) (time.Time, error)
}

// BlockInfo is the diagnostic metadata written when a task is blocked.
type BlockInfo struct {
	Gate          string
	Score         *float64
	Threshold     *float64
	Issues        []string
	RetryCount    int
	CorrelationID string
}

// Outcome is the result of handling one gate failure.
type Outcome struct {
	Decision       Decision  `json:"decision"`
	TaskID         string    `json:"taskId"`
	RetryCount     int       `json:"retryCount"`
	AlreadyBlocked bool      `json:"alreadyBlocked,omitempty"`
	Next           *NextTask `json:"next,omitempty"`
	AllBlocked     bool      `json:"allBlocked,omitempty"`
	AllComplete    bool      `json:"allComplete,omitempty"`
	BlockedIDs     []string  `json:"blockedIds,omitempty"`
	CorrelationID  string    `json:"correlationId"`
	Reason         string    `json:"reason"`
}

var transientPattern = regexp.MustCompile(`(?i)timeout|timed out|ETIMEDOUT|ECONNRESET|connection reset|ECONNREFUSED|rate limit|\b429\b|temporar|unavailable|\b503\b|socket hang up`)

// IsTransient reports whether a failure message looks retryable.
func IsTransient(msg string) bool {
	return transientPattern.MatchString(msg)
}

// Escalator applies the skip-and-continue policy to failed child tasks.
type Escalator struct {
	store    TaskWriter
	selector *scheduler.Selector
	recorder *events.Recorder
	metrics  *Metrics
	config   EscalatorConfig
	logger   *slog.Logger
	now      func() time.Time
}

// NewEscalator creates an escalator. recorder and metrics may be nil.
func NewEscalator(store TaskWriter, selector *scheduler.Selector, recorder *events.Recorder, metrics *Metrics, cfg EscalatorConfig, logger *slog.Logger) *Escalator {
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Escalator{
		store:    store,
		selector: selector,
		recorder: recorder,
		metrics:  metrics,
		config:   cfg,
		logger:   logger,
		now:      time.Now,
	}
}

// ShouldSkip reports whether a failed child should be blocked so its
// siblings can continue. Only child tasks under auto-continuation are
// skipped, and not while a transient failure still has retries left.
func (e *Escalator) ShouldSkip(task *scheduler.Task, gate GateResult, retryCount int) bool {
	if task == nil || task.ParentID == "" || !e.config.AutoContinue {
		return false
	}
	if gate.Passed {
		return false
	}
	if retryCount < e.config.MaxRetries && IsTransient(gate.Error) {
		return false
	}
	return true
}

// MarkBlocked moves the task to blocked with diagnostics, conditioned on the
// task's last known UpdatedAt. A task that is already blocked, or changed
// underneath us, is reported as alreadyBlocked rather than an error.
func (e *Escalator) MarkBlocked(ctx context.Context, task *scheduler.Task, info BlockInfo) (alreadyBlocked bool, err error) {
	if task.Status == scheduler.StatusBlocked {
		return true, nil
	}

	meta := task.Clone().Metadata
	meta.BlockedReason = fmt.Sprintf("gate %s failed after %d retries", info.Gate, info.RetryCount)
	meta.BlockedByGate = info.Gate
	meta.GateScore = info.Score
	meta.GateThreshold = info.Threshold
	meta.GateIssues = append([]string(nil), info.Issues...)
	meta.RetryCount = info.RetryCount
	meta.CorrelationID = info.CorrelationID
	meta.BlockedAt = e.now().UTC().Format(time.RFC3339)

	_, err = e.store.UpdateTaskIf(ctx, task.ID, task.UpdatedAt, scheduler.StatusBlocked, meta)
	switch {
	case err == nil:
		return false, nil
	case errors.Is(err, persistence.ErrConflict):
		e.logger.Info("task changed concurrently, treating as already blocked",
			"task", task.ID, "correlation_id", info.CorrelationID)
		return true, nil
	default:
		return false, fmt.Errorf("mark %s blocked: %w", task.ID, err)
	}
}

// Execute handles a failed gate for task: retry it, block it and select the
// next sibling, or escalate. When no sibling is ready and the orchestrator
// is not complete, the outcome is the all-blocked terminal case. A store
// failure while selecting the sibling leaves the task blocked without
// claiming anything about its siblings.
func (e *Escalator) Execute(ctx context.Context, task *scheduler.Task, gate GateResult) (Outcome, error) {
	correlationID := task.Metadata.CorrelationID
	if correlationID == "" {
		correlationID = uuid.NewString()
	}
	retryCount := task.Metadata.RetryCount
	out := Outcome{TaskID: task.ID, RetryCount: retryCount, CorrelationID: correlationID}
	logger := e.logger.With("task", task.ID, "correlation_id", correlationID)

	if !e.ShouldSkip(task, gate, retryCount) {
		if !gate.Passed && retryCount < e.config.MaxRetries && IsTransient(gate.Error) {
			return e.retry(ctx, task, gate, out)
		}
		out.Decision = DecisionEscalate
		out.Reason = escalateReason(task, gate, e.config.AutoContinue)
		e.metrics.escalated(out.Decision)
		logger.Warn("gate failure escalated", "gate", gate.Gate, "reason", out.Reason)
		return out, nil
	}

	already, err := e.MarkBlocked(ctx, task, BlockInfo{
		Gate:          gate.Gate,
		Score:         gate.Score,
		Threshold:     gate.Threshold,
		Issues:        gate.Issues,
		RetryCount:    retryCount,
		CorrelationID: correlationID,
	})
	if err != nil {
		return out, err
	}
	out.Decision = DecisionBlocked
	out.AlreadyBlocked = already
	e.metrics.escalated(out.Decision)

	next, err := e.selector.NextReady(ctx, task.ParentID, task.ID)
	if err != nil {
		return out, fmt.Errorf("select next sibling: %w", err)
	}

	skip := events.SkipAndContinueEvent{
		Meta:           e.meta(task.ParentID, correlationID),
		ID:             task.ID,
		Key:            task.Key,
		Gate:           gate.Gate,
		Score:          gate.Score,
		Threshold:      gate.Threshold,
		Issues:         gate.Issues,
		RetryCount:     retryCount,
		AlreadyBlocked: already,
	}
	if next.Task != nil {
		skip.NextTaskID = next.Task.ID
	}
	e.recorder.Record(ctx, skip)
	logger.Info("skipped failed child", "gate", gate.Gate, "already_blocked", already, "next", skip.NextTaskID)

	switch {
	case next.StoreErr != nil:
		out.Reason = "sibling selection unavailable: " + next.StoreErr.Error()
		logger.Warn("blocked child but could not select a sibling",
			"orchestrator", task.ParentID, "error", next.StoreErr)
	case next.Task != nil:
		out.Next = nextTask(next.Task)
		out.Reason = "continuing with next sibling"
	case next.AllComplete:
		out.AllComplete = true
		out.Reason = next.Reason
	default:
		out.AllBlocked = true
		out.BlockedIDs = withTask(next.BlockedIDs, task.ID)
		out.Reason = fmt.Sprintf("all %d remaining children blocked", len(out.BlockedIDs))
		e.recorder.Record(ctx, events.AllChildrenBlockedEvent{
			Meta:                 e.meta(task.ParentID, correlationID),
			FailedTaskID:         task.ID,
			BlockedIDs:           out.BlockedIDs,
			RequiresIntervention: true,
		})
		logger.Warn("all children blocked, intervention required",
			"orchestrator", task.ParentID, "blocked", out.BlockedIDs)
	}
	return out, nil
}

func (e *Escalator) retry(ctx context.Context, task *scheduler.Task, gate GateResult, out Outcome) (Outcome, error) {
	meta := task.Clone().Metadata
	meta.RetryCount = out.RetryCount + 1
	meta.CorrelationID = out.CorrelationID
	if _, err := e.store.UpdateTaskIf(ctx, task.ID, task.UpdatedAt, task.Status, meta); err != nil && !errors.Is(err, persistence.ErrConflict) {
		return out, fmt.Errorf("record retry for %s: %w", task.ID, err)
	}
	out.Decision = DecisionRetry
	out.RetryCount = meta.RetryCount
	out.Reason = fmt.Sprintf("transient failure, retry %d of %d", meta.RetryCount, e.config.MaxRetries)
	e.metrics.escalated(out.Decision)
	e.recorder.Record(ctx, events.GateRetryEvent{
		Meta:       e.meta(task.ParentID, out.CorrelationID),
		ID:         task.ID,
		Gate:       gate.Gate,
		RetryCount: meta.RetryCount,
		Reason:     gate.Error,
	})
	return out, nil
}

func (e *Escalator) meta(orchestratorID, correlationID string) events.Meta {
	return events.Meta{Orchestrator: orchestratorID, Correlation: correlationID, Timestamp: e.now().UTC()}
}

func escalateReason(task *scheduler.Task, gate GateResult, autoContinue bool) string {
	switch {
	case gate.Passed:
		return "gate passed, nothing to do"
	case task.ParentID == "":
		return "task has no orchestrator"
	case !autoContinue:
		return "auto-continue disabled"
	}
	return "gate failed"
}

// withTask returns ids with id included, keeping order.
func withTask(ids []string, id string) []string {
	for _, v := range ids {
		if v == id {
			return ids
		}
	}
	return append(append([]string(nil), ids...), id)
}
