package outbox

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	domain "commerce-relay/internal/domain/outbox"
	"commerce-relay/internal/repository"
	relay_errors "commerce-relay/pkg/errors"
)

// Appender is the producer side of the event log. It only accepts an open
// transaction so the event commits or rolls back with the business change.
type Appender struct {
	repo repository.OutboxRepository
}

func NewAppender(repo repository.OutboxRepository) *Appender {
	return &Appender{repo: repo}
}

func (a *Appender) Append(ctx context.Context, tx *sql.Tx, eventType, aggregateType, aggregateID string, payload any) (int64, error) {
	if tx == nil {
		return 0, relay_errors.ErrNoTransaction
	}
	e, err := NewEvent(eventType, aggregateType, aggregateID, payload)
	if err != nil {
		return 0, err
	}
	return a.repo.Append(ctx, tx, e)
}

func (a *Appender) AppendMany(ctx context.Context, tx *sql.Tx, events []domain.NewEvent) error {
	if tx == nil {
		return relay_errors.ErrNoTransaction
	}
	if len(events) == 0 {
		return nil
	}
	return a.repo.AppendMany(ctx, tx, events)
}

// NewEvent builds a NewEvent, encoding payload as JSON unless it already is.
func NewEvent(eventType, aggregateType, aggregateID string, payload any) (domain.NewEvent, error) {
	if eventType == "" || aggregateType == "" || aggregateID == "" {
		return domain.NewEvent{}, fmt.Errorf("%w: event type, aggregate type and aggregate id are required", relay_errors.ErrInvalidInput)
	}
	raw, err := marshalPayload(payload)
	if err != nil {
		return domain.NewEvent{}, err
	}
	return domain.NewEvent{
		EventType:     eventType,
		AggregateType: aggregateType,
		AggregateID:   aggregateID,
		Payload:       raw,
	}, nil
}

func marshalPayload(payload any) (json.RawMessage, error) {
	switch p := payload.(type) {
	case nil:
		return json.RawMessage("{}"), nil
	case json.RawMessage:
		if !json.Valid(p) {
			return nil, fmt.Errorf("%w: payload is not valid json", relay_errors.ErrInvalidInput)
		}
		return p, nil
	case []byte:
		if !json.Valid(p) {
			return nil, fmt.Errorf("%w: payload is not valid json", relay_errors.ErrInvalidInput)
		}
		return json.RawMessage(p), nil
	default:
		raw, err := json.Marshal(p)
		if err != nil {
			return nil, fmt.Errorf("marshal event payload: %w", err)
		}
		return raw, nil
	}
}
