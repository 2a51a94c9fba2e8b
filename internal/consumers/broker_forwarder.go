package consumers

import (
	"context"
	"fmt"
	"strconv"

	domain "commerce-relay/internal/domain/outbox"
	"commerce-relay/internal/events"
	"commerce-relay/pkg/logger"
)

// BrokerForwarder publishes outbox events to the configured broker. The
// publish-side key stops a redelivered or replayed event from being published
// twice.
type BrokerForwarder struct {
	publisher events.Publisher
	guard     Guard
	log       *logger.Logger
}

func NewBrokerForwarder(publisher events.Publisher, guard Guard, log *logger.Logger) *BrokerForwarder {
	if log == nil {
		log = logger.NewNop()
	}
	return &BrokerForwarder{publisher: publisher, guard: guard, log: log.Named("broker_forwarder")}
}

// PublishKey is built from the logical id, so a dead letter requeued under a
// new row id maps to the key of its first delivery.
func PublishKey(e domain.PendingEvent) string {
	return "publish:" + e.EventType + ":" + e.AggregateType + ":" + e.AggregateID + ":" + strconv.FormatInt(e.LogicalID(), 10)
}

func (f *BrokerForwarder) Handle(ctx context.Context, e domain.PendingEvent) (bool, error) {
	key := PublishKey(e)
	won, err := f.guard.TryAcquire(ctx, key)
	if err != nil {
		return false, fmt.Errorf("claim publish key: %w", err)
	}
	if !won {
		f.log.Debugf("event %d already published, skipping", e.ID)
		return true, nil
	}

	if err := f.publisher.Publish(ctx, events.NewEnvelope(e)); err != nil {
		if rErr := f.guard.Release(context.WithoutCancel(ctx), key); rErr != nil {
			f.log.Warnf("release publish key %s: %v", key, rErr)
		}
		return false, fmt.Errorf("publish event %d: %w", e.ID, err)
	}
	return true, nil
}
