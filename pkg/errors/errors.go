package relay_errors

import (
	"errors"
	"time"
)

// Common errors
var (
	ErrUnauthorized    = errors.New("unauthorized")
	ErrForbidden       = errors.New("forbidden")
	ErrNotFound        = errors.New("not found")
	ErrConflict        = errors.New("conflict")
	ErrInvalidInput    = errors.New("invalid input")
	ErrAlreadyExists   = errors.New("already exists")
	ErrAlreadyResolved = errors.New("dead letter already resolved")
	ErrNoTransaction   = errors.New("outbox events must be appended inside a transaction")
	ErrHandlerTimeout  = errors.New("handler timed out")
	ErrHandlerRejected = errors.New("handler reported failure")
	ErrNoHandler       = errors.New("no handler registered for event type")
	ErrCouponNotActive = errors.New("coupon is not within its validity window")
	ErrRateLimited     = errors.New("rate limit exceeded")
	// ErrUnavailable marks a call that was refused without being attempted.
	// The outbox leaves such events pending without counting a retry.
	ErrUnavailable = errors.New("dependency unavailable")
)

// NowPtr returns a pointer to current time
func NowPtr() *time.Time {
	now := time.Now()
	return &now
}
