package consumers

import (
	"context"
	"encoding/json"
	"fmt"

	"commerce-relay/internal/domain/coupon"
	domain "commerce-relay/internal/domain/outbox"
	"commerce-relay/pkg/logger"

	"go.uber.org/zap"
)

// Notifier performs the external side effect of an issued coupon, such as a
// push or an email.
type Notifier interface {
	NotifyCouponIssued(ctx context.Context, p coupon.IssuedPayload) error
}

// LogNotifier logs the notification instead of sending it.
type LogNotifier struct {
	log *logger.Logger
}

func NewLogNotifier(log *logger.Logger) *LogNotifier {
	if log == nil {
		log = logger.NewNop()
	}
	return &LogNotifier{log: log.Named("notifier")}
}

func (n *LogNotifier) NotifyCouponIssued(_ context.Context, p coupon.IssuedPayload) error {
	n.log.Logger.Info("coupon issued",
		zap.String("coupon_id", p.CouponID),
		zap.String("user_id", p.UserID),
		zap.Int64("sequence", p.Sequence),
	)
	return nil
}

// CouponIssuedNotifier runs the notification at most once per grant even when
// the event is redelivered.
type CouponIssuedNotifier struct {
	notifier Notifier
	guard    Guard
	log      *logger.Logger
}

func NewCouponIssuedNotifier(notifier Notifier, guard Guard, log *logger.Logger) *CouponIssuedNotifier {
	if log == nil {
		log = logger.NewNop()
	}
	return &CouponIssuedNotifier{notifier: notifier, guard: guard, log: log.Named("coupon_notifier")}
}

// NotifyKey identifies one grant: the aggregate is the coupon, so the user is
// part of the key.
func NotifyKey(eventType, couponID, userID string) string {
	return "notify:" + eventType + ":" + couponID + ":" + userID
}

func (n *CouponIssuedNotifier) Handle(ctx context.Context, e domain.PendingEvent) (bool, error) {
	var p coupon.IssuedPayload
	if err := json.Unmarshal(e.Payload, &p); err != nil {
		return false, fmt.Errorf("decode %s payload: %w", e.EventType, err)
	}
	if p.CouponID == "" {
		p.CouponID = e.AggregateID
	}

	key := NotifyKey(e.EventType, p.CouponID, p.UserID)
	won, err := n.guard.TryAcquire(ctx, key)
	if err != nil {
		return false, fmt.Errorf("claim notify key: %w", err)
	}
	if !won {
		return true, nil
	}

	if err := n.notifier.NotifyCouponIssued(ctx, p); err != nil {
		// give the retry a chance to run the side effect again
		if rErr := n.guard.Release(context.WithoutCancel(ctx), key); rErr != nil {
			n.log.Warnf("release notify key %s: %v", key, rErr)
		}
		return false, err
	}
	return true, nil
}
