package outbox

import (
	"context"
	"sync"
	"time"

	"commerce-relay/internal/metrics"
	"commerce-relay/pkg/logger"
)

type unresolvedCounter interface {
	CountUnresolved(ctx context.Context) (int64, error)
}

// Monitor periodically counts unresolved dead letters and raises an
// escalated alert once the count reaches the threshold. It alerts again
// only when the count grows past the last alerted value, and re-arms when
// the count drops below the threshold.
type Monitor struct {
	counter   unresolvedCounter
	alerts    AlertSink
	metrics   *metrics.RelayMetrics
	log       *logger.Logger
	threshold int
	interval  time.Duration

	mu          sync.Mutex
	lastAlerted int64
}

func NewMonitor(counter unresolvedCounter, alerts AlertSink, threshold int, interval time.Duration, m *metrics.RelayMetrics, log *logger.Logger) *Monitor {
	if log == nil {
		log = logger.NewNop()
	}
	if interval <= 0 {
		interval = time.Minute
	}
	if alerts == nil {
		alerts = NewLogAlertSink(log)
	}
	return &Monitor{
		counter:   counter,
		alerts:    alerts,
		metrics:   m,
		log:       log.Named("dead_letter_monitor"),
		threshold: threshold,
		interval:  interval,
	}
}

func (m *Monitor) Run(ctx context.Context) {
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, _, err := m.Check(ctx); err != nil && ctx.Err() == nil {
				m.log.Errorf("dead letter monitor check failed: %v", err)
			}
		}
	}
}

// Check counts unresolved dead letters and reports whether an escalated
// alert was raised.
func (m *Monitor) Check(ctx context.Context) (int64, bool, error) {
	count, err := m.counter.CountUnresolved(ctx)
	if err != nil {
		return 0, false, err
	}
	m.metrics.RecordUnresolvedDeadLetters(ctx, count)

	if m.threshold <= 0 {
		return count, false, nil
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if count < int64(m.threshold) {
		m.lastAlerted = 0
		return count, false, nil
	}
	if count <= m.lastAlerted {
		return count, false, nil
	}
	if err := m.alerts.OnThresholdExceeded(ctx, count, m.threshold); err != nil {
		return count, false, err
	}
	m.lastAlerted = count
	return count, true, nil
}
