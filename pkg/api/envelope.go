package api

import (
	"time"

	"github.com/google/uuid"
)

// Topic names published and consumed by the orchestrator. Outer layers may
// subscribe to these directly (for example to mirror run state into a
// read model), but should treat the payload shapes as engine-internal.
const (
	TopicExecutionRequested = "process.execution.requested"
	TopicExecutionResume    = "process.execution.resume"
	TopicTaskTimeout        = "process.task.timeout"
	TopicTaskCompleted      = "process.task.completed"
	TopicScheduleTriggered  = "process.schedule.triggered"
	TopicRunStatus          = "process.run.status"
)

// EventEnvelope is the wire unit of an event. Envelopes are immutable once
// published; Sequence is assigned by the transport at publish time and is
// the envelope's monotonic position within its topic (partition-local for
// partitioned transports).
type EventEnvelope struct {
	EventID       string            `json:"event_id"`
	EventType     string            `json:"event_type"`
	EventVersion  string            `json:"event_version"`
	Key           string            `json:"key,omitempty"`
	Payload       map[string]any    `json:"payload,omitempty"`
	Headers       map[string]string `json:"headers,omitempty"`
	CorrelationID string            `json:"correlation_id,omitempty"`
	CausationID   string            `json:"causation_id,omitempty"`
	Timestamp     time.Time         `json:"timestamp"`
	Producer      string            `json:"producer,omitempty"`
	Sequence      int64             `json:"sequence,omitempty"`
}

// NewEnvelope builds an envelope with a fresh event ID and the current
// timestamp. The caller may fill in routing and causal metadata afterwards,
// but must not mutate the envelope once it has been published.
func NewEnvelope(eventType string, payload map[string]any) EventEnvelope {
	return EventEnvelope{
		EventID:      uuid.NewString(),
		EventType:    eventType,
		EventVersion: "1",
		Payload:      payload,
		Timestamp:    time.Now().UTC(),
	}
}

// NackReason explains why a handler rejected an event. Retryable is the sole
// switch between redelivery and dead-lettering.
type NackReason struct {
	Code      string            `json:"code"`
	Message   string            `json:"message,omitempty"`
	Metadata  map[string]string `json:"metadata,omitempty"`
	Retryable bool              `json:"retryable"`
}

// DeadLetterEntry is a parked envelope a consumer group could not process.
// Entries are keyed by (EventID, GroupID); repeated failures of the same
// event upsert the entry and increment Attempts.
type DeadLetterEntry struct {
	EventID        string            `json:"event_id"`
	GroupID        string            `json:"group_id"`
	Topic          string            `json:"topic"`
	Envelope       EventEnvelope     `json:"envelope"`
	ReasonCode     string            `json:"reason_code"`
	ReasonMessage  string            `json:"reason_message,omitempty"`
	ReasonMetadata map[string]string `json:"reason_metadata,omitempty"`
	Attempts       int               `json:"attempts"`
	FirstFailedAt  time.Time         `json:"first_failed_at"`
	LastFailedAt   time.Time         `json:"last_failed_at"`
}

// ConsumerStatus describes a consumer group's progress through a topic.
type ConsumerStatus struct {
	Topic           string    `json:"topic"`
	GroupID         string    `json:"group_id"`
	LastOffset      int64     `json:"last_offset"`
	PendingCount    int64     `json:"pending_count"`
	LastProcessedAt time.Time `json:"last_processed_at"`
}
