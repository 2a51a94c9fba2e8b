package services

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"commerce-relay/internal/domain/coupon"
	"commerce-relay/internal/metrics"
	relayredis "commerce-relay/internal/redis"
	"commerce-relay/internal/repository"
	relay_errors "commerce-relay/pkg/errors"
	"commerce-relay/pkg/logger"

	"github.com/google/uuid"
)

const timeLayout = time.RFC3339

// CouponService publishes coupons and hands out units of them.
type CouponService struct {
	db        *sql.DB
	coupons   repository.CouponRepository
	issues    repository.CouponIssueRepository
	publisher *EventPublisher
	allocator *relayredis.Allocator
	cache     *relayredis.CouponCache
	metrics   *metrics.RelayMetrics
	log       *logger.Logger
	clock     func() time.Time
}

type CouponStatus struct {
	coupon.State
	Persisted int64 `json:"persisted"`
}

func NewCouponService(
	db *sql.DB,
	coupons repository.CouponRepository,
	issues repository.CouponIssueRepository,
	publisher *EventPublisher,
	allocator *relayredis.Allocator,
	cache *relayredis.CouponCache,
	m *metrics.RelayMetrics,
	log *logger.Logger,
) *CouponService {
	if log == nil {
		log = logger.NewNop()
	}
	return &CouponService{
		db:        db,
		coupons:   coupons,
		issues:    issues,
		publisher: publisher,
		allocator: allocator,
		cache:     cache,
		metrics:   m,
		log:       log.Named("coupon_service"),
		clock:     time.Now,
	}
}

// Publish stores the coupon and its COUPON_PUBLISHED event in one
// transaction, then seeds the allocator and the metadata cache.
func (s *CouponService) Publish(ctx context.Context, c coupon.Coupon) (coupon.Coupon, error) {
	c.Name = strings.TrimSpace(c.Name)
	if c.ID == "" {
		c.ID = uuid.NewString()
	}
	if c.Name == "" || c.Capacity <= 0 {
		return coupon.Coupon{}, fmt.Errorf("%w: name and positive capacity are required", relay_errors.ErrInvalidInput)
	}
	if !c.ValidFrom.IsZero() && !c.ValidUntil.IsZero() && !c.ValidUntil.After(c.ValidFrom) {
		return coupon.Coupon{}, fmt.Errorf("%w: valid_until must be after valid_from", relay_errors.ErrInvalidInput)
	}
	c.CreatedAt = s.clock().UTC()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return coupon.Coupon{}, err
	}
	if err := s.coupons.Create(ctx, tx, &c); err != nil {
		_ = tx.Rollback()
		return coupon.Coupon{}, err
	}
	if err := s.publisher.PublishCouponPublished(ctx, tx, c); err != nil {
		_ = tx.Rollback()
		return coupon.Coupon{}, err
	}
	if err := tx.Commit(); err != nil {
		return coupon.Coupon{}, err
	}

	// Issue re-seeds the allocator from the row if this fails
	if err := s.allocator.Init(ctx, c.ID, c.Capacity); err != nil {
		s.log.Errorf("init allocator for coupon %s: %v", c.ID, err)
	}
	if err := s.cache.Set(ctx, c.Metadata()); err != nil {
		s.log.Warnf("cache coupon %s metadata: %v", c.ID, err)
	}
	return c, nil
}

// Issue attempts to grant one unit of the coupon to userID.
func (s *CouponService) Issue(ctx context.Context, couponID, userID string) (coupon.AllocationResult, error) {
	userID = strings.TrimSpace(userID)
	if couponID == "" || userID == "" {
		return coupon.AllocationResult{}, fmt.Errorf("%w: coupon id and user id are required", relay_errors.ErrInvalidInput)
	}

	meta, err := s.metadata(ctx, couponID)
	if err != nil {
		return coupon.AllocationResult{}, err
	}
	if !meta.ActiveAt(s.clock()) {
		return coupon.AllocationResult{}, relay_errors.ErrCouponNotActive
	}

	capacity, err := s.capacity(ctx, couponID)
	if err != nil {
		return coupon.AllocationResult{}, err
	}

	res, err := s.allocator.TryAllocate(ctx, couponID, userID, capacity)
	if err != nil {
		return coupon.AllocationResult{}, fmt.Errorf("allocate coupon %s: %w", couponID, err)
	}
	s.metrics.RecordAllocation(ctx, couponID, string(res.Outcome))
	return res, nil
}

// Status reports allocator counters plus how many grants reached Postgres.
func (s *CouponService) Status(ctx context.Context, couponID string) (CouponStatus, error) {
	st, err := s.allocator.State(ctx, couponID)
	if err != nil {
		return CouponStatus{}, err
	}
	if st.Capacity == 0 {
		c, err := s.coupons.GetByID(ctx, couponID)
		if err != nil {
			return CouponStatus{}, err
		}
		st.Capacity = c.Capacity
	}
	persisted, err := s.issues.CountByCoupon(ctx, couponID)
	if err != nil {
		return CouponStatus{}, err
	}
	return CouponStatus{State: st, Persisted: persisted}, nil
}

func (s *CouponService) metadata(ctx context.Context, couponID string) (coupon.Metadata, error) {
	meta, err := s.cache.Get(ctx, couponID)
	if err != nil {
		s.log.Warnf("read coupon %s metadata cache: %v", couponID, err)
	}
	if meta != nil {
		return *meta, nil
	}

	c, err := s.coupons.GetByID(ctx, couponID)
	if err != nil {
		return coupon.Metadata{}, err
	}
	if err := s.cache.Set(ctx, c.Metadata()); err != nil {
		s.log.Warnf("cache coupon %s metadata: %v", couponID, err)
	}
	return c.Metadata(), nil
}

// capacity always comes from the allocator key, never from the cache.
func (s *CouponService) capacity(ctx context.Context, couponID string) (int64, error) {
	capacity, ok, err := s.allocator.Capacity(ctx, couponID)
	if err != nil {
		return 0, err
	}
	if ok {
		return capacity, nil
	}

	c, err := s.coupons.GetByID(ctx, couponID)
	if err != nil {
		if errors.Is(err, relay_errors.ErrNotFound) {
			return 0, err
		}
		return 0, fmt.Errorf("load coupon %s: %w", couponID, err)
	}
	if err := s.allocator.Init(ctx, couponID, c.Capacity); err != nil {
		return 0, err
	}
	// a concurrent Init may have won; read back the stored value
	capacity, _, err = s.allocator.Capacity(ctx, couponID)
	return capacity, err
}
