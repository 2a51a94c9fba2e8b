package coupon

import (
	"time"

	"github.com/google/uuid"
)

// Coupon holds the static metadata of a counted resource. Capacity is stored
// alongside in Postgres but is never served from the metadata cache.
type Coupon struct {
	ID         string    `json:"id"`
	Name       string    `json:"name"`
	Capacity   int64     `json:"capacity"`
	ValidFrom  time.Time `json:"valid_from"`
	ValidUntil time.Time `json:"valid_until"`
	CreatedAt  time.Time `json:"created_at"`
}

// TableName returns the database table name
func (Coupon) TableName() string {
	return "coupons"
}

// Metadata is the cacheable, immutable part of a coupon.
type Metadata struct {
	ID         string    `json:"id"`
	Name       string    `json:"name"`
	ValidFrom  time.Time `json:"valid_from"`
	ValidUntil time.Time `json:"valid_until"`
}

func (c Coupon) Metadata() Metadata {
	return Metadata{
		ID:         c.ID,
		Name:       c.Name,
		ValidFrom:  c.ValidFrom,
		ValidUntil: c.ValidUntil,
	}
}

func (m Metadata) ActiveAt(t time.Time) bool {
	if !m.ValidFrom.IsZero() && t.Before(m.ValidFrom) {
		return false
	}
	if !m.ValidUntil.IsZero() && t.After(m.ValidUntil) {
		return false
	}
	return true
}

// Outcome is the synchronous result of an allocation attempt.
type Outcome string

const (
	OutcomeGranted        Outcome = "GRANTED"
	OutcomeAlreadyGranted Outcome = "ALREADY_GRANTED"
	OutcomeExhausted      Outcome = "EXHAUSTED"
)

type AllocationResult struct {
	Outcome  Outcome `json:"outcome"`
	Sequence int64   `json:"sequence,omitempty"`
}

func (r AllocationResult) Granted() bool {
	return r.Outcome == OutcomeGranted
}

// Grant is a waiting-queue entry: a requester and the sequence it was granted.
type Grant struct {
	RequesterID string `json:"requester_id"`
	Sequence    int64  `json:"sequence"`
}

// Issue is a durably persisted grant (coupon_issues row).
type Issue struct {
	ID       uuid.UUID `json:"id"`
	CouponID string    `json:"coupon_id"`
	UserID   string    `json:"user_id"`
	Sequence int64     `json:"sequence"`
	IssuedAt time.Time `json:"issued_at"`
}

// TableName returns the database table name
func (Issue) TableName() string {
	return "coupon_issues"
}

// State summarizes the allocator keys of one coupon.
type State struct {
	CouponID   string `json:"coupon_id"`
	Capacity   int64  `json:"capacity"`
	Issued     int64  `json:"issued"`
	Sequence   int64  `json:"sequence"`
	QueueDepth int64  `json:"queue_depth"`
	Exhausted  bool   `json:"exhausted"`
	Committed  int64  `json:"committed"`
}

// Event types emitted by coupon operations.
const (
	EventCouponPublished = "COUPON_PUBLISHED"
	EventCouponIssued    = "COUPON_ISSUED"
	AggregateCoupon      = "coupon"
)

// IssuedPayload is the outbox payload for EventCouponIssued.
type IssuedPayload struct {
	CouponID string    `json:"coupon_id"`
	UserID   string    `json:"user_id"`
	Sequence int64     `json:"sequence"`
	IssuedAt time.Time `json:"issued_at"`
}
