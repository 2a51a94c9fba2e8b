package allocation

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"commerce-relay/internal/domain/coupon"
	domain "commerce-relay/internal/domain/outbox"
	"commerce-relay/internal/metrics"
	"commerce-relay/internal/outbox"
	"commerce-relay/internal/repository"
	"commerce-relay/pkg/logger"

	"go.uber.org/zap"
)

// GrantQueue is the allocator side the worker drains.
type GrantQueue interface {
	ActiveCoupons(ctx context.Context) ([]string, error)
	Drain(ctx context.Context, couponID string, maxBatch int) ([]coupon.Grant, error)
	Requeue(ctx context.Context, couponID string, grants []coupon.Grant) error
	MarkCommitted(ctx context.Context, couponID string, grants []coupon.Grant) error
	Retire(ctx context.Context, couponID string) (bool, error)
}

// EventAppender appends outbox events inside a caller transaction.
type EventAppender interface {
	AppendMany(ctx context.Context, tx *sql.Tx, events []domain.NewEvent) error
}

type Config struct {
	Interval  time.Duration
	BatchSize int
}

func DefaultConfig() Config {
	return Config{Interval: 500 * time.Millisecond, BatchSize: 50}
}

// Worker moves grants from the wait queue into coupon_issues. Each batch is
// one bulk insert plus one bulk outbox append in a single transaction.
type Worker struct {
	queue   GrantQueue
	db      *sql.DB
	issues  repository.CouponIssueRepository
	events  EventAppender
	metrics *metrics.RelayMetrics
	log     *logger.Logger
	clock   func() time.Time
	cfg     Config
	running atomic.Bool
}

func NewWorker(queue GrantQueue, db *sql.DB, issues repository.CouponIssueRepository, events EventAppender, cfg Config, m *metrics.RelayMetrics, log *logger.Logger) *Worker {
	def := DefaultConfig()
	if cfg.Interval <= 0 {
		cfg.Interval = def.Interval
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = def.BatchSize
	}
	if log == nil {
		log = logger.NewNop()
	}
	return &Worker{
		queue:   queue,
		db:      db,
		issues:  issues,
		events:  events,
		metrics: m,
		log:     log.Named("allocation_worker"),
		clock:   time.Now,
		cfg:     cfg,
	}
}

func (w *Worker) Run(ctx context.Context) {
	ticker := time.NewTicker(w.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := w.DrainOnce(ctx); err != nil && ctx.Err() == nil {
				w.log.Errorf("allocation drain cycle failed: %v", err)
			}
		}
	}
}

// DrainOnce drains one batch per active coupon and returns the number of
// grants persisted. A failing coupon does not stop the others.
func (w *Worker) DrainOnce(ctx context.Context) (int, error) {
	if !w.running.CompareAndSwap(false, true) {
		return 0, nil
	}
	defer w.running.Store(false)

	ids, err := w.queue.ActiveCoupons(ctx)
	if err != nil {
		return 0, fmt.Errorf("list active coupons: %w", err)
	}

	total := 0
	var errs []error
	for _, id := range ids {
		if ctx.Err() != nil {
			return total, ctx.Err()
		}
		n, err := w.drainCoupon(ctx, id)
		total += n
		if err != nil {
			errs = append(errs, fmt.Errorf("coupon %s: %w", id, err))
		}
	}
	return total, errors.Join(errs...)
}

func (w *Worker) drainCoupon(ctx context.Context, couponID string) (int, error) {
	grants, err := w.queue.Drain(ctx, couponID, w.cfg.BatchSize)
	if err != nil {
		return 0, fmt.Errorf("drain: %w", err)
	}
	if len(grants) == 0 {
		retired, err := w.queue.Retire(ctx, couponID)
		if err != nil {
			return 0, fmt.Errorf("retire: %w", err)
		}
		if retired {
			w.log.Infof("coupon %s fully persisted, removed from active set", couponID)
		}
		return 0, nil
	}

	inserted, err := w.persist(ctx, couponID, grants)
	if err != nil {
		// drained entries must survive a failed write, even during shutdown
		if rqErr := w.queue.Requeue(context.WithoutCancel(ctx), couponID, grants); rqErr != nil {
			w.log.Logger.Error("requeue after failed persist lost grants",
				zap.String("coupon_id", couponID),
				zap.Any("grants", grants),
				zap.Error(rqErr),
			)
			return 0, errors.Join(err, rqErr)
		}
		return 0, err
	}

	if skipped := len(grants) - inserted; skipped > 0 {
		w.log.Logger.Warn("grants already persisted were skipped",
			zap.String("coupon_id", couponID),
			zap.Int("skipped", skipped),
		)
	}
	// the coupon is retired only once every claimed sequence is marked
	if err := w.queue.MarkCommitted(context.WithoutCancel(ctx), couponID, grants); err != nil {
		w.log.Logger.Warn("mark grants committed failed, coupon stays active",
			zap.String("coupon_id", couponID),
			zap.Error(err),
		)
	}
	w.metrics.RecordGrantsPersisted(ctx, couponID, len(grants))
	return len(grants), nil
}

// persist writes the batch and appends COUPON_ISSUED only for rows it
// actually inserted. Returns the number of inserted rows.
func (w *Worker) persist(ctx context.Context, couponID string, grants []coupon.Grant) (int, error) {
	now := w.clock().UTC()

	tx, err := w.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin: %w", err)
	}
	inserted, err := w.issues.BulkInsert(ctx, tx, couponID, grants, now)
	if err != nil {
		_ = tx.Rollback()
		return 0, err
	}

	events := make([]domain.NewEvent, 0, len(inserted))
	for _, g := range inserted {
		e, err := outbox.NewEvent(coupon.EventCouponIssued, coupon.AggregateCoupon, couponID, coupon.IssuedPayload{
			CouponID: couponID,
			UserID:   g.RequesterID,
			Sequence: g.Sequence,
			IssuedAt: now,
		})
		if err != nil {
			_ = tx.Rollback()
			return 0, err
		}
		events = append(events, e)
	}
	if len(events) > 0 {
		if err := w.events.AppendMany(ctx, tx, events); err != nil {
			_ = tx.Rollback()
			return 0, err
		}
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit: %w", err)
	}
	return len(inserted), nil
}
