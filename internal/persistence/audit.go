package persistence

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// AuditEvent is one append-only audit log entry.
type AuditEvent struct {
	ID             string
	Type           string
	OrchestratorID string
	TaskID         string
	CorrelationID  string
	Payload        json.RawMessage
	CreatedAt      time.Time
}

// AppendAudit stores an audit event. Missing ids and timestamps are filled in.
func (s *SQLiteStore) AppendAudit(ctx context.Context, event AuditEvent) error {
	if event.Type == "" {
		return fmt.Errorf("audit event type is required")
	}
	if event.ID == "" {
		event.ID = uuid.NewString()
	}
	if event.CreatedAt.IsZero() {
		event.CreatedAt = s.now()
	}
	payload := string(event.Payload)
	if payload == "" {
		payload = "{}"
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO audit_events (id, type, orchestrator_id, task_id, correlation_id, payload, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, event.ID, event.Type, event.OrchestratorID, event.TaskID, event.CorrelationID, payload, stamp(event.CreatedAt))
	if err != nil {
		return fmt.Errorf("failed to append audit event: %w", err)
	}
	return nil
}

// ListAudit returns the newest audit events for an orchestrator, oldest
// first. An empty orchestratorID lists events for all orchestrators; a
// non-positive limit means no limit.
func (s *SQLiteStore) ListAudit(ctx context.Context, orchestratorID string, limit int) ([]AuditEvent, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, type, orchestrator_id, task_id, correlation_id, payload, created_at
		FROM (
			SELECT rowid AS seq, * FROM audit_events
			WHERE ? = '' OR orchestrator_id = ?
			ORDER BY created_at DESC, seq DESC
			LIMIT ?
		)
		ORDER BY created_at, seq
	`, orchestratorID, orchestratorID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query audit events: %w", err)
	}
	defer rows.Close()

	var events []AuditEvent
	for rows.Next() {
		var (
			ev        AuditEvent
			payload   string
			createdAt string
		)
		if err := rows.Scan(&ev.ID, &ev.Type, &ev.OrchestratorID, &ev.TaskID, &ev.CorrelationID, &payload, &createdAt); err != nil {
			return nil, fmt.Errorf("failed to scan audit event: %w", err)
		}
		ev.Payload = json.RawMessage(payload)
		if ev.CreatedAt, err = parseStamp(createdAt); err != nil {
			return nil, err
		}
		events = append(events, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating audit events: %w", err)
	}
	return events, nil
}
