package events

import (
	"context"
	"errors"
	"fmt"
	"time"

	relay_errors "commerce-relay/pkg/errors"
	"commerce-relay/pkg/logger"

	"github.com/sony/gobreaker"
)

// BreakerPublisher stops calling a failing broker for a while so dispatch
// cycles fail fast instead of piling up timeouts. A publish refused by the
// open breaker is wrapped in ErrUnavailable, which the outbox processor does
// not count as a retry, so an outage does not dead-letter the backlog.
type BreakerPublisher struct {
	inner   Publisher
	breaker *gobreaker.CircuitBreaker
}

func NewBreakerPublisher(name string, inner Publisher, log *logger.Logger) *BreakerPublisher {
	if log == nil {
		log = logger.NewNop()
	}
	settings := gobreaker.Settings{
		Name:        "broker-" + name,
		MaxRequests: 3,
		Interval:    60 * time.Second,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures > 5
		},
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			log.Warnf("circuit breaker %s changed from %s to %s", name, from, to)
		},
	}
	return &BreakerPublisher{inner: inner, breaker: gobreaker.NewCircuitBreaker(settings)}
}

func (p *BreakerPublisher) Publish(ctx context.Context, env Envelope) error {
	_, err := p.breaker.Execute(func() (interface{}, error) {
		return nil, p.inner.Publish(ctx, env)
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return fmt.Errorf("%w: %w", relay_errors.ErrUnavailable, err)
	}
	return err
}

// Healthy reports false while the breaker is open.
func (p *BreakerPublisher) Healthy() bool {
	return p.breaker.State() != gobreaker.StateOpen
}

func (p *BreakerPublisher) Close() error {
	return p.inner.Close()
}
