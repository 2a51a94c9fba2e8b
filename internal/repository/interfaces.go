package repository

import (
	"context"
	"time"

	"commerce-relay/internal/domain/coupon"
	"commerce-relay/internal/domain/outbox"
)

// OutboxRepository is the durable event log.
type OutboxRepository interface {
	// Append inserts one event using the caller's transaction.
	Append(ctx context.Context, tx DBTX, e outbox.NewEvent) (int64, error)
	// AppendMany inserts several events in one statement.
	AppendMany(ctx context.Context, tx DBTX, events []outbox.NewEvent) error

	GetByID(ctx context.Context, id int64) (outbox.PendingEvent, error)
	FetchPending(ctx context.Context, limit int) ([]outbox.PendingEvent, error)
	CountPending(ctx context.Context) (int64, error)
	MarkProcessed(ctx context.Context, ids []int64) error
	MarkFailed(ctx context.Context, id int64, errorMessage string) error
}

// DeadLetterRepository quarantines events that will not succeed on their own.
type DeadLetterRepository interface {
	// MoveToDeadLetter creates the snapshot and deletes the source event in
	// one transaction.
	MoveToDeadLetter(ctx context.Context, e outbox.PendingEvent, reason string, failedAt time.Time) (outbox.DeadLetterEvent, error)
	GetByID(ctx context.Context, id int64) (outbox.DeadLetterEvent, error)
	ListUnresolved(ctx context.Context, limit, offset int) ([]outbox.DeadLetterEvent, error)
	CountUnresolved(ctx context.Context) (int64, error)
	Resolve(ctx context.Context, id int64, resolvedBy, note string, at time.Time) error
	// Requeue re-materializes the snapshot as a fresh pending event and marks
	// the dead letter resolved in one transaction.
	Requeue(ctx context.Context, id int64, resolvedBy, note string, at time.Time) (outbox.PendingEvent, error)
}

type CouponRepository interface {
	Create(ctx context.Context, tx DBTX, c *coupon.Coupon) error
	GetByID(ctx context.Context, id string) (coupon.Coupon, error)
}

// CouponIssueRepository persists drained grants.
type CouponIssueRepository interface {
	// BulkInsert returns only the grants that were not persisted before.
	BulkInsert(ctx context.Context, tx DBTX, couponID string, grants []coupon.Grant, issuedAt time.Time) ([]coupon.Grant, error)
	CountByCoupon(ctx context.Context, couponID string) (int64, error)
}

// StockRepository applies aggregated stock decrements.
type StockRepository interface {
	DecreaseStock(ctx context.Context, deltas map[string]int64) error
	GetStock(ctx context.Context, productID string) (int64, error)
}
