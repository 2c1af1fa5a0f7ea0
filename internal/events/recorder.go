package events

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/aristath/dagplanner/internal/persistence"
)

// Sink receives events for durable or remote recording.
type Sink interface {
	Name() string
	Write(ctx context.Context, event Event) error
}

// Recorder fans events out to the bus and every sink. Recording is
// fire-and-forget: sink failures are logged and never reach the caller.
// A nil *Recorder discards everything.
type Recorder struct {
	bus     *EventBus
	sinks   []Sink
	timeout time.Duration
	logger  *slog.Logger
}

// NewRecorder creates a recorder. bus may be nil.
func NewRecorder(bus *EventBus, logger *slog.Logger, sinks ...Sink) *Recorder {
	if logger == nil {
		logger = slog.Default()
	}
	return &Recorder{bus: bus, sinks: sinks, timeout: 2 * time.Second, logger: logger}
}

// Record publishes event and writes it to every sink.
func (r *Recorder) Record(ctx context.Context, event Event) {
	if r == nil {
		return
	}
	if r.bus != nil {
		r.bus.Emit(event)
	}
	for _, s := range r.sinks {
		sctx, cancel := context.WithTimeout(ctx, r.timeout)
		err := s.Write(sctx, event)
		cancel()
		if err != nil {
			r.logger.Warn("recording event failed",
				"sink", s.Name(), "type", event.EventType(), "task", event.TaskID(), "error", err)
		}
	}
}

// AuditAppender is the store side of StoreSink.
type AuditAppender interface {
	AppendAudit(ctx context.Context, event persistence.AuditEvent) error
}

// StoreSink appends events to the task store's audit log.
type StoreSink struct {
	store AuditAppender
}

// NewStoreSink creates a sink writing to store.
func NewStoreSink(store AuditAppender) *StoreSink {
	return &StoreSink{store: store}
}

func (s *StoreSink) Name() string { return "store" }

func (s *StoreSink) Write(ctx context.Context, event Event) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return err
	}
	return s.store.AppendAudit(ctx, persistence.AuditEvent{
		Type:           event.EventType(),
		OrchestratorID: event.OrchestratorID(),
		TaskID:         event.TaskID(),
		CorrelationID:  event.CorrelationID(),
		Payload:        payload,
		CreatedAt:      event.Time(),
	})
}

// Envelope is the wire form of an event sent to remote sinks.
type Envelope struct {
	Type           string          `json:"type"`
	OrchestratorID string          `json:"orchestratorId"`
	TaskID         string          `json:"taskId,omitempty"`
	CorrelationID  string          `json:"correlationId,omitempty"`
	Timestamp      time.Time       `json:"timestamp"`
	Data           json.RawMessage `json:"data"`
}

// NewEnvelope wraps event for the wire.
func NewEnvelope(event Event) (Envelope, error) {
	data, err := json.Marshal(event)
	if err != nil {
		return Envelope{}, err
	}
	return Envelope{
		Type:           event.EventType(),
		OrchestratorID: event.OrchestratorID(),
		TaskID:         event.TaskID(),
		CorrelationID:  event.CorrelationID(),
		Timestamp:      event.Time(),
		Data:           data,
	}, nil
}
