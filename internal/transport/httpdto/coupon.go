package httpdto

import "time"

// PublishCouponRequest is used for POST /admin/coupons
type PublishCouponRequest struct {
	ID         string     `json:"id" binding:"required"`
	Name       string     `json:"name" binding:"required"`
	Capacity   int64      `json:"capacity" binding:"required"`
	ValidFrom  *time.Time `json:"valid_from,omitempty"`
	ValidUntil *time.Time `json:"valid_until,omitempty"`
}

// IssueCouponRequest is used for POST /coupons/:id/issue
type IssueCouponRequest struct {
	UserID string `json:"user_id" binding:"required"`
}

type IssueCouponResponse struct {
	CouponID string `json:"coupon_id"`
	UserID   string `json:"user_id"`
	Outcome  string `json:"outcome"`
	Sequence int64  `json:"sequence,omitempty"`
}

type CouponStatusResponse struct {
	CouponID   string `json:"coupon_id"`
	Capacity   int64  `json:"capacity"`
	Issued     int64  `json:"issued"`
	Persisted  int64  `json:"persisted"`
	QueueDepth int64  `json:"queue_depth"`
	Exhausted  bool   `json:"exhausted"`
}
