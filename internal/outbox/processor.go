package outbox

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	domain "commerce-relay/internal/domain/outbox"
	"commerce-relay/internal/metrics"
	"commerce-relay/internal/repository"
	relay_errors "commerce-relay/pkg/errors"
	"commerce-relay/pkg/logger"

	"go.uber.org/zap"
)

const (
	dispatchLockName = "outbox-dispatch"

	reasonNoHandler  = "no handler registered"
	reasonMaxRetries = "max retries exceeded"
)

type ProcessorConfig struct {
	BatchSize      int
	Interval       time.Duration
	MaxRetries     int
	HandlerTimeout time.Duration
}

func DefaultProcessorConfig() ProcessorConfig {
	return ProcessorConfig{
		BatchSize:      50,
		Interval:       5 * time.Second,
		MaxRetries:     5,
		HandlerTimeout: 10 * time.Second,
	}
}

type ProcessorOption func(*Processor)

// WithLocker makes every cycle run under a cross-process lock so only one
// processor instance dispatches a given log at a time.
func WithLocker(l repository.Locker) ProcessorOption {
	return func(p *Processor) { p.locker = l }
}

func WithMetrics(m *metrics.RelayMetrics) ProcessorOption {
	return func(p *Processor) { p.metrics = m }
}

func WithLogger(l *logger.Logger) ProcessorOption {
	return func(p *Processor) {
		if l != nil {
			p.log = l.Named("outbox_processor")
		}
	}
}

// Processor polls the event log, groups pending events by type and hands
// each group to its registered handlers.
type Processor struct {
	events      repository.OutboxRepository
	deadLetters *DeadLetterService
	registry    *Registry
	locker      repository.Locker
	metrics     *metrics.RelayMetrics
	log         *logger.Logger
	clock       func() time.Time
	cfg         ProcessorConfig
	running     atomic.Bool
}

func NewProcessor(events repository.OutboxRepository, deadLetters *DeadLetterService, registry *Registry, cfg ProcessorConfig, opts ...ProcessorOption) *Processor {
	def := DefaultProcessorConfig()
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = def.BatchSize
	}
	if cfg.Interval <= 0 {
		cfg.Interval = def.Interval
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = def.MaxRetries
	}
	p := &Processor{
		events:      events,
		deadLetters: deadLetters,
		registry:    registry,
		log:         logger.NewNop(),
		clock:       time.Now,
		cfg:         cfg,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

func (p *Processor) Run(ctx context.Context) {
	ticker := time.NewTicker(p.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := p.ProcessOnce(ctx); err != nil && ctx.Err() == nil {
				p.log.Errorf("outbox dispatch cycle failed: %v", err)
			}
		}
	}
}

// ProcessOnce runs one dispatch cycle and returns the number of events marked
// processed. A call that overlaps a running cycle returns immediately.
func (p *Processor) ProcessOnce(ctx context.Context) (int, error) {
	if !p.running.CompareAndSwap(false, true) {
		return 0, nil
	}
	defer p.running.Store(false)

	if p.locker == nil {
		return p.dispatch(ctx)
	}

	var processed int
	acquired, err := p.locker.TryExecuteWithLock(ctx, dispatchLockName, func(ctx context.Context) error {
		var err error
		processed, err = p.dispatch(ctx)
		return err
	})
	if err != nil {
		return processed, err
	}
	if !acquired {
		p.log.Debugf("outbox dispatch lock held elsewhere, skipping cycle")
	}
	return processed, nil
}

func (p *Processor) dispatch(ctx context.Context) (int, error) {
	batch, err := p.events.FetchPending(ctx, p.cfg.BatchSize)
	if err != nil {
		return 0, fmt.Errorf("fetch pending events: %w", err)
	}
	if len(batch) == 0 {
		return 0, nil
	}

	processed := 0
	for _, g := range groupByType(batch) {
		if ctx.Err() != nil {
			return processed, ctx.Err()
		}
		handlers := p.registry.Handlers(g.eventType)
		if len(handlers) == 0 {
			reason := fmt.Sprintf("%s for event type %s", reasonNoHandler, g.eventType)
			for _, e := range g.events {
				p.deadLetter(ctx, e, reason)
			}
			continue
		}
		n, err := p.dispatchGroup(ctx, g, handlers)
		processed += n
		if err != nil {
			return processed, err
		}
	}
	return processed, nil
}

type eventGroup struct {
	eventType string
	events    []domain.PendingEvent
}

// groupByType keeps the fetch order inside each group and orders groups by
// their first event.
func groupByType(batch []domain.PendingEvent) []eventGroup {
	index := make(map[string]int)
	var groups []eventGroup
	for _, e := range batch {
		i, ok := index[e.EventType]
		if !ok {
			i = len(groups)
			index[e.EventType] = i
			groups = append(groups, eventGroup{eventType: e.EventType})
		}
		groups[i].events = append(groups[i].events, e)
	}
	return groups
}

// dispatchGroup runs every handler over the group. An event succeeds only if
// all handlers succeeded for it.
func (p *Processor) dispatchGroup(ctx context.Context, g eventGroup, handlers []Handler) (int, error) {
	failures := make(map[int64]error)
	record := func(id int64, err error) {
		// a real failure outranks a refused call
		prev, seen := failures[id]
		if !seen || (errors.Is(prev, relay_errors.ErrUnavailable) && !errors.Is(err, relay_errors.ErrUnavailable)) {
			failures[id] = err
		}
	}

	for _, h := range handlers {
		if bh, ok := asBatch(h); ok {
			err := p.invoke(ctx, g.eventType, "batch", func(ctx context.Context) (bool, error) {
				return bh.HandleBatch(ctx, g.events)
			})
			if err != nil {
				for _, e := range g.events {
					record(e.ID, err)
				}
			}
			continue
		}
		for _, e := range g.events {
			err := p.invoke(ctx, g.eventType, "single", func(ctx context.Context) (bool, error) {
				return h.Handle(ctx, e)
			})
			if err != nil {
				record(e.ID, err)
			}
		}
	}

	// shutdown mid-group: leave everything pending without counting a retry
	if ctx.Err() != nil {
		return 0, ctx.Err()
	}

	var done []int64
	for _, e := range g.events {
		if err, failed := failures[e.ID]; failed {
			p.fail(ctx, e, err)
			continue
		}
		done = append(done, e.ID)
	}
	if len(done) == 0 {
		return 0, nil
	}
	if err := p.events.MarkProcessed(ctx, done); err != nil {
		return 0, fmt.Errorf("mark %d %s events processed: %w", len(done), g.eventType, err)
	}
	p.metrics.RecordDispatched(ctx, g.eventType, len(done))
	return len(done), nil
}

// invoke runs fn bounded by the handler timeout and converts panics and
// false results into errors.
func (p *Processor) invoke(ctx context.Context, eventType, mode string, fn func(ctx context.Context) (bool, error)) error {
	var (
		callCtx context.Context
		cancel  context.CancelFunc
	)
	if p.cfg.HandlerTimeout > 0 {
		callCtx, cancel = context.WithTimeout(ctx, p.cfg.HandlerTimeout)
	} else {
		callCtx, cancel = context.WithCancel(ctx)
	}
	defer cancel()

	start := p.clock()
	done := make(chan error, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- fmt.Errorf("handler panic: %v", r)
			}
		}()
		ok, err := fn(callCtx)
		switch {
		case err != nil:
			done <- err
		case !ok:
			done <- relay_errors.ErrHandlerRejected
		default:
			done <- nil
		}
	}()

	var err error
	select {
	case err = <-done:
	case <-callCtx.Done():
		if ctx.Err() != nil {
			err = ctx.Err()
		} else {
			err = fmt.Errorf("%w after %s", relay_errors.ErrHandlerTimeout, p.cfg.HandlerTimeout)
		}
	}
	p.metrics.RecordHandlerDuration(ctx, eventType, mode, err == nil, p.clock().Sub(start))
	return err
}

// fail records one failed attempt. The attempt that brings the count to
// MaxRetries dead-letters the event instead. A call refused with
// ErrUnavailable is not an attempt and leaves the event untouched.
func (p *Processor) fail(ctx context.Context, e domain.PendingEvent, cause error) {
	if errors.Is(cause, relay_errors.ErrUnavailable) {
		p.log.Logger.Debug("outbox event deferred, dependency unavailable",
			zap.Int64("event_id", e.ID),
			zap.String("event_type", e.EventType),
			zap.Error(cause),
		)
		return
	}
	attempts := e.RetryCount + 1
	if attempts >= p.cfg.MaxRetries {
		e.RetryCount = attempts
		p.deadLetter(ctx, e, fmt.Sprintf("%s (%d attempts): %v", reasonMaxRetries, attempts, cause))
		return
	}

	p.metrics.RecordFailed(ctx, e.EventType)
	if err := p.events.MarkFailed(ctx, e.ID, cause.Error()); err != nil {
		p.log.Logger.Error("mark outbox event failed",
			zap.Int64("event_id", e.ID),
			zap.String("event_type", e.EventType),
			zap.Error(err),
		)
		return
	}
	p.log.Logger.Warn("outbox event failed, will retry",
		zap.Int64("event_id", e.ID),
		zap.String("event_type", e.EventType),
		zap.Int("attempt", attempts),
		zap.Error(cause),
	)
}

func (p *Processor) deadLetter(ctx context.Context, e domain.PendingEvent, reason string) {
	dl, err := p.deadLetters.MoveToDeadLetter(ctx, e, reason)
	if err != nil {
		if errors.Is(err, relay_errors.ErrNotFound) {
			return
		}
		p.log.Logger.Error("dead-letter move failed",
			zap.Int64("event_id", e.ID),
			zap.String("event_type", e.EventType),
			zap.Error(err),
		)
		return
	}
	p.log.Logger.Warn("event dead-lettered",
		zap.Int64("event_id", e.ID),
		zap.Int64("dead_letter_id", dl.ID),
		zap.String("event_type", e.EventType),
		zap.String("reason", reason),
	)
}
