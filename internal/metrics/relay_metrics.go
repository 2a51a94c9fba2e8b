package metrics

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

var meter = otel.Meter("commerce-relay")

// RelayMetrics collects dispatch, dead-letter and allocation instruments.
// A nil *RelayMetrics is valid and records nothing.
type RelayMetrics struct {
	eventsDispatchedCounter   metric.Int64Counter
	eventsFailedCounter       metric.Int64Counter
	eventsDeadLetteredCounter metric.Int64Counter
	handlerDurationHistogram  metric.Float64Histogram
	allocationsCounter        metric.Int64Counter
	grantsDrainedCounter      metric.Int64Counter
	deadLettersUnresolved     metric.Int64Gauge
}

// NewRelayMetrics creates the instruments on the global meter provider
func NewRelayMetrics() (*RelayMetrics, error) {
	eventsDispatchedCounter, err := meter.Int64Counter(
		"relay.outbox.events.dispatched",
		metric.WithDescription("Events marked processed after a successful handler run"),
		metric.WithUnit("{event}"),
	)
	if err != nil {
		return nil, err
	}

	eventsFailedCounter, err := meter.Int64Counter(
		"relay.outbox.events.failed",
		metric.WithDescription("Handler failures that were left pending for retry"),
		metric.WithUnit("{event}"),
	)
	if err != nil {
		return nil, err
	}

	eventsDeadLetteredCounter, err := meter.Int64Counter(
		"relay.outbox.events.dead_lettered",
		metric.WithDescription("Events moved to the dead-letter store"),
		metric.WithUnit("{event}"),
	)
	if err != nil {
		return nil, err
	}

	handlerDurationHistogram, err := meter.Float64Histogram(
		"relay.outbox.handler.duration",
		metric.WithDescription("Duration of one handler invocation in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	allocationsCounter, err := meter.Int64Counter(
		"relay.allocation.requests",
		metric.WithDescription("Allocation attempts by outcome"),
		metric.WithUnit("{request}"),
	)
	if err != nil {
		return nil, err
	}

	grantsDrainedCounter, err := meter.Int64Counter(
		"relay.allocation.grants.persisted",
		metric.WithDescription("Grants drained from the wait queue and persisted"),
		metric.WithUnit("{grant}"),
	)
	if err != nil {
		return nil, err
	}

	deadLettersUnresolved, err := meter.Int64Gauge(
		"relay.dead_letters.unresolved",
		metric.WithDescription("Unresolved dead-letter events at last check"),
		metric.WithUnit("{event}"),
	)
	if err != nil {
		return nil, err
	}

	return &RelayMetrics{
		eventsDispatchedCounter:   eventsDispatchedCounter,
		eventsFailedCounter:       eventsFailedCounter,
		eventsDeadLetteredCounter: eventsDeadLetteredCounter,
		handlerDurationHistogram:  handlerDurationHistogram,
		allocationsCounter:        allocationsCounter,
		grantsDrainedCounter:      grantsDrainedCounter,
		deadLettersUnresolved:     deadLettersUnresolved,
	}, nil
}

func (m *RelayMetrics) RecordDispatched(ctx context.Context, eventType string, n int) {
	if m == nil || n == 0 {
		return
	}
	m.eventsDispatchedCounter.Add(ctx, int64(n),
		metric.WithAttributes(attribute.String("event.type", eventType)),
	)
}

func (m *RelayMetrics) RecordFailed(ctx context.Context, eventType string) {
	if m == nil {
		return
	}
	m.eventsFailedCounter.Add(ctx, 1,
		metric.WithAttributes(attribute.String("event.type", eventType)),
	)
}

func (m *RelayMetrics) RecordDeadLettered(ctx context.Context, eventType, reason string) {
	if m == nil {
		return
	}
	m.eventsDeadLetteredCounter.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("event.type", eventType),
			attribute.String("reason", reason),
		),
	)
}

// RecordHandlerDuration records one handler call; mode is "single" or "batch".
func (m *RelayMetrics) RecordHandlerDuration(ctx context.Context, eventType, mode string, ok bool, d time.Duration) {
	if m == nil {
		return
	}
	status := "succeeded"
	if !ok {
		status = "failed"
	}
	m.handlerDurationHistogram.Record(ctx, d.Seconds(),
		metric.WithAttributes(
			attribute.String("event.type", eventType),
			attribute.String("mode", mode),
			attribute.String("status", status),
		),
	)
}

func (m *RelayMetrics) RecordAllocation(ctx context.Context, couponID, outcome string) {
	if m == nil {
		return
	}
	m.allocationsCounter.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("coupon.id", couponID),
			attribute.String("outcome", outcome),
		),
	)
}

func (m *RelayMetrics) RecordGrantsPersisted(ctx context.Context, couponID string, n int) {
	if m == nil || n == 0 {
		return
	}
	m.grantsDrainedCounter.Add(ctx, int64(n),
		metric.WithAttributes(attribute.String("coupon.id", couponID)),
	)
}

func (m *RelayMetrics) RecordUnresolvedDeadLetters(ctx context.Context, count int64) {
	if m == nil {
		return
	}
	m.deadLettersUnresolved.Record(ctx, count)
}
