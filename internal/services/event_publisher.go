package services

import (
	"context"
	"database/sql"

	"commerce-relay/internal/domain/coupon"
	"commerce-relay/internal/outbox"
)

// EventPublisher writes domain events to the outbox inside the caller's
// transaction.
type EventPublisher struct {
	appender *outbox.Appender
}

func NewEventPublisher(appender *outbox.Appender) *EventPublisher {
	return &EventPublisher{appender: appender}
}

type couponPublishedPayload struct {
	CouponID   string `json:"coupon_id"`
	Name       string `json:"name"`
	Capacity   int64  `json:"capacity"`
	ValidFrom  string `json:"valid_from,omitempty"`
	ValidUntil string `json:"valid_until,omitempty"`
}

func (p *EventPublisher) PublishCouponPublished(ctx context.Context, tx *sql.Tx, c coupon.Coupon) error {
	payload := couponPublishedPayload{
		CouponID: c.ID,
		Name:     c.Name,
		Capacity: c.Capacity,
	}
	if !c.ValidFrom.IsZero() {
		payload.ValidFrom = c.ValidFrom.UTC().Format(timeLayout)
	}
	if !c.ValidUntil.IsZero() {
		payload.ValidUntil = c.ValidUntil.UTC().Format(timeLayout)
	}
	_, err := p.appender.Append(ctx, tx, coupon.EventCouponPublished, coupon.AggregateCoupon, c.ID, payload)
	return err
}
