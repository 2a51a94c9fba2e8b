package outbox

import (
	"encoding/json"
	"time"
)

// Status is the derived lifecycle state of an outbox event.
type Status string

const (
	StatusPending      Status = "PENDING"
	StatusProcessed    Status = "PROCESSED"
	StatusDeadLettered Status = "DEAD_LETTERED"
)

// PendingEvent is one unit of outbound work stored in outbox_events. It is
// always written in the same transaction as the state change that produced it.
type PendingEvent struct {
	ID            int64           `json:"id"`
	EventType     string          `json:"event_type"`
	AggregateType string          `json:"aggregate_type"`
	AggregateID   string          `json:"aggregate_id"`
	Payload       json.RawMessage `json:"payload"`
	Processed     bool            `json:"processed"`
	ProcessedAt   *time.Time      `json:"processed_at,omitempty"`
	ErrorMessage  *string         `json:"error_message,omitempty"`
	RetryCount    int             `json:"retry_count"`
	CreatedAt     time.Time       `json:"created_at"`
	UpdatedAt     time.Time       `json:"updated_at"`
	// OriginEventID is set on events requeued from a dead letter and points
	// at the first row of the logical event.
	OriginEventID int64 `json:"origin_event_id,omitempty"`
}

// LogicalID is stable across dead-letter replays of the same event.
func (e PendingEvent) LogicalID() int64 {
	if e.OriginEventID != 0 {
		return e.OriginEventID
	}
	return e.ID
}

func (e PendingEvent) Status() Status {
	if e.Processed {
		return StatusProcessed
	}
	return StatusPending
}

// TableName returns the database table name
func (PendingEvent) TableName() string {
	return "outbox_events"
}

// DeadLetterEvent is the quarantine snapshot of an event that exhausted its
// retries or had no handler.
type DeadLetterEvent struct {
	ID              int64           `json:"id"`
	OriginalEventID int64           `json:"original_event_id"`
	EventType       string          `json:"event_type"`
	AggregateType   string          `json:"aggregate_type"`
	AggregateID     string          `json:"aggregate_id"`
	Payload         json.RawMessage `json:"payload"`
	ErrorMessage    string          `json:"error_message"`
	FailedAt        time.Time       `json:"failed_at"`
	RetryCount      int             `json:"retry_count"`
	Resolved        bool            `json:"resolved"`
	ResolvedAt      *time.Time      `json:"resolved_at,omitempty"`
	ResolvedBy      *string         `json:"resolved_by,omitempty"`
	ResolutionNote  *string         `json:"resolution_note,omitempty"`
	OriginEventID   int64           `json:"origin_event_id"`
}

// LogicalID is the id of the first row of the quarantined event.
func (d DeadLetterEvent) LogicalID() int64 {
	if d.OriginEventID != 0 {
		return d.OriginEventID
	}
	return d.OriginalEventID
}

// TableName returns the database table name
func (DeadLetterEvent) TableName() string {
	return "dead_letter_events"
}

// NewDeadLetter snapshots a pending event for quarantine.
func NewDeadLetter(e PendingEvent, reason string, failedAt time.Time) DeadLetterEvent {
	return DeadLetterEvent{
		OriginalEventID: e.ID,
		EventType:       e.EventType,
		AggregateType:   e.AggregateType,
		AggregateID:     e.AggregateID,
		Payload:         e.Payload,
		ErrorMessage:    reason,
		FailedAt:        failedAt,
		RetryCount:      e.RetryCount,
		OriginEventID:   e.LogicalID(),
	}
}

// Requeue rebuilds a fresh pending event from the snapshot with the retry
// counter reset. The fresh event keeps the logical id of the snapshot.
func (d DeadLetterEvent) Requeue(now time.Time) PendingEvent {
	return PendingEvent{
		OriginEventID: d.LogicalID(),
		EventType:     d.EventType,
		AggregateType: d.AggregateType,
		AggregateID:   d.AggregateID,
		Payload:       d.Payload,
		RetryCount:    0,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
}

// NewEvent is the producer-side input for appending to the log.
type NewEvent struct {
	EventType     string
	AggregateType string
	AggregateID   string
	Payload       json.RawMessage
}
