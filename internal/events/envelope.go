package events

import (
	"encoding/json"
	"strconv"
	"strings"
	"time"

	domain "commerce-relay/internal/domain/outbox"

	"github.com/google/uuid"
)

// Envelope is the broker-facing wrapper of an outbox event. EventID stays the
// same when a dead letter is replayed so consumers can deduplicate on it.
type Envelope struct {
	ID            uuid.UUID       `json:"id"`
	EventID       int64           `json:"event_id"`
	EventType     string          `json:"event_type"`
	AggregateType string          `json:"aggregate_type"`
	AggregateID   string          `json:"aggregate_id"`
	OccurredAt    time.Time       `json:"occurred_at"`
	Payload       json.RawMessage `json:"payload"`
}

func NewEnvelope(e domain.PendingEvent) Envelope {
	return Envelope{
		ID:            uuid.New(),
		EventID:       e.LogicalID(),
		EventType:     e.EventType,
		AggregateType: e.AggregateType,
		AggregateID:   e.AggregateID,
		OccurredAt:    e.CreatedAt.UTC(),
		Payload:       e.Payload,
	}
}

// RoutingKey is "<aggregate type>.<event type>" in lower case, e.g.
// "coupon.coupon_issued".
func (e Envelope) RoutingKey() string {
	return strings.ToLower(e.AggregateType + "." + e.EventType)
}

// PartitionKey keeps every event of one aggregate on the same partition.
func (e Envelope) PartitionKey() string {
	return e.AggregateType + ":" + e.AggregateID
}

// Headers are transport metadata attached to every published message.
func (e Envelope) Headers() map[string]string {
	return map[string]string{
		"event_id":       strconv.FormatInt(e.EventID, 10),
		"event_type":     e.EventType,
		"aggregate_type": e.AggregateType,
		"aggregate_id":   e.AggregateID,
	}
}

func (e Envelope) Marshal() ([]byte, error) {
	return json.Marshal(e)
}
