package services

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"commerce-relay/internal/domain/coupon"
	domain "commerce-relay/internal/domain/outbox"
	"commerce-relay/internal/outbox"
	relayredis "commerce-relay/internal/redis"
	"commerce-relay/internal/repository"
	relay_errors "commerce-relay/pkg/errors"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/alicebob/miniredis/v2"
	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type memCoupons struct {
	mu   sync.Mutex
	rows map[string]coupon.Coupon
	gets int
}

func (m *memCoupons) Create(_ context.Context, tx repository.DBTX, c *coupon.Coupon) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.rows[c.ID]; ok {
		return relay_errors.ErrAlreadyExists
	}
	m.rows[c.ID] = *c
	return nil
}

func (m *memCoupons) GetByID(_ context.Context, id string) (coupon.Coupon, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.gets++
	c, ok := m.rows[id]
	if !ok {
		return coupon.Coupon{}, relay_errors.ErrNotFound
	}
	return c, nil
}

type memIssues struct{ count int64 }

func (m *memIssues) BulkInsert(context.Context, repository.DBTX, string, []coupon.Grant, time.Time) ([]coupon.Grant, error) {
	return nil, nil
}

func (m *memIssues) CountByCoupon(context.Context, string) (int64, error) { return m.count, nil }

// memOutbox records appended events; only the append path is exercised.
type memOutbox struct {
	repository.OutboxRepository
	appended []domain.NewEvent
}

func (m *memOutbox) Append(_ context.Context, _ repository.DBTX, e domain.NewEvent) (int64, error) {
	m.appended = append(m.appended, e)
	return int64(len(m.appended)), nil
}

type serviceFixture struct {
	svc     *CouponService
	mock    sqlmock.Sqlmock
	coupons *memCoupons
	issues  *memIssues
	events  *memOutbox
	alloc   *relayredis.Allocator
	cache   *relayredis.CouponCache
}

func newServiceFixture(t *testing.T) *serviceFixture {
	t.Helper()
	mr := miniredis.RunT(t)
	client := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	f := &serviceFixture{
		mock:    mock,
		coupons: &memCoupons{rows: map[string]coupon.Coupon{}},
		issues:  &memIssues{},
		events:  &memOutbox{},
		alloc:   relayredis.NewAllocator(client),
		cache:   relayredis.NewCouponCache(client, relayredis.DefaultCacheConfig()),
	}
	f.svc = NewCouponService(db, f.coupons, f.issues, NewEventPublisher(outbox.NewAppender(f.events)), f.alloc, f.cache, nil, nil)
	return f
}

func TestCouponService_Publish(t *testing.T) {
	ctx := context.Background()
	f := newServiceFixture(t)
	f.mock.ExpectBegin()
	f.mock.ExpectCommit()

	c, err := f.svc.Publish(ctx, coupon.Coupon{Name: " Spring sale ", Capacity: 100})
	require.NoError(t, err)
	assert.NotEmpty(t, c.ID)
	assert.Equal(t, "Spring sale", c.Name)

	_, ok := f.coupons.rows[c.ID]
	assert.True(t, ok)

	require.Len(t, f.events.appended, 1)
	e := f.events.appended[0]
	assert.Equal(t, coupon.EventCouponPublished, e.EventType)
	assert.Equal(t, c.ID, e.AggregateID)
	var payload map[string]any
	require.NoError(t, json.Unmarshal(e.Payload, &payload))
	assert.Equal(t, float64(100), payload["capacity"])

	capacity, ok, err := f.alloc.Capacity(ctx, c.ID)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, int64(100), capacity)

	meta, err := f.cache.Get(ctx, c.ID)
	require.NoError(t, err)
	require.NotNil(t, meta)
	assert.Equal(t, "Spring sale", meta.Name)
	assert.NoError(t, f.mock.ExpectationsWereMet())
}

func TestCouponService_PublishValidation(t *testing.T) {
	ctx := context.Background()
	f := newServiceFixture(t)

	_, err := f.svc.Publish(ctx, coupon.Coupon{Name: "x"})
	assert.ErrorIs(t, err, relay_errors.ErrInvalidInput)

	now := time.Now()
	_, err = f.svc.Publish(ctx, coupon.Coupon{Name: "x", Capacity: 1, ValidFrom: now, ValidUntil: now.Add(-time.Hour)})
	assert.ErrorIs(t, err, relay_errors.ErrInvalidInput)

	f.coupons.rows["dup"] = coupon.Coupon{ID: "dup"}
	f.mock.ExpectBegin()
	f.mock.ExpectRollback()
	_, err = f.svc.Publish(ctx, coupon.Coupon{ID: "dup", Name: "x", Capacity: 1})
	assert.ErrorIs(t, err, relay_errors.ErrAlreadyExists)
	assert.Empty(t, f.events.appended)
	assert.NoError(t, f.mock.ExpectationsWereMet())
}

func TestCouponService_IssueOutcomes(t *testing.T) {
	ctx := context.Background()
	f := newServiceFixture(t)
	f.mock.ExpectBegin()
	f.mock.ExpectCommit()
	c, err := f.svc.Publish(ctx, coupon.Coupon{ID: "c1", Name: "Two only", Capacity: 2})
	require.NoError(t, err)

	res, err := f.svc.Issue(ctx, c.ID, "u1")
	require.NoError(t, err)
	assert.Equal(t, coupon.AllocationResult{Outcome: coupon.OutcomeGranted, Sequence: 1}, res)

	res, err = f.svc.Issue(ctx, c.ID, "u1")
	require.NoError(t, err)
	assert.Equal(t, coupon.OutcomeAlreadyGranted, res.Outcome)

	res, err = f.svc.Issue(ctx, c.ID, "u2")
	require.NoError(t, err)
	assert.Equal(t, int64(2), res.Sequence)

	res, err = f.svc.Issue(ctx, c.ID, "u3")
	require.NoError(t, err)
	assert.Equal(t, coupon.OutcomeExhausted, res.Outcome)

	_, err = f.svc.Issue(ctx, c.ID, " ")
	assert.ErrorIs(t, err, relay_errors.ErrInvalidInput)

	assert.Zero(t, f.coupons.gets, "metadata must come from the cache")
}

func TestCouponService_IssueSeedsFromDatabase(t *testing.T) {
	ctx := context.Background()
	f := newServiceFixture(t)
	f.coupons.rows["c9"] = coupon.Coupon{ID: "c9", Name: "Restored", Capacity: 1}

	res, err := f.svc.Issue(ctx, "c9", "u1")
	require.NoError(t, err)
	assert.True(t, res.Granted())

	capacity, ok, err := f.alloc.Capacity(ctx, "c9")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, int64(1), capacity)

	meta, err := f.cache.Get(ctx, "c9")
	require.NoError(t, err)
	assert.NotNil(t, meta)

	_, err = f.svc.Issue(ctx, "missing", "u1")
	assert.ErrorIs(t, err, relay_errors.ErrNotFound)
}

func TestCouponService_IssueOutsideWindow(t *testing.T) {
	ctx := context.Background()
	f := newServiceFixture(t)
	now := time.Now()
	f.coupons.rows["old"] = coupon.Coupon{ID: "old", Name: "Expired", Capacity: 5, ValidFrom: now.Add(-48 * time.Hour), ValidUntil: now.Add(-24 * time.Hour)}
	f.coupons.rows["soon"] = coupon.Coupon{ID: "soon", Name: "Upcoming", Capacity: 5, ValidFrom: now.Add(time.Hour)}

	_, err := f.svc.Issue(ctx, "old", "u1")
	assert.ErrorIs(t, err, relay_errors.ErrCouponNotActive)
	_, err = f.svc.Issue(ctx, "soon", "u1")
	assert.ErrorIs(t, err, relay_errors.ErrCouponNotActive)

	st, err := f.alloc.State(ctx, "old")
	require.NoError(t, err)
	assert.Zero(t, st.Sequence)
}

func TestCouponService_Status(t *testing.T) {
	ctx := context.Background()
	f := newServiceFixture(t)
	f.coupons.rows["c1"] = coupon.Coupon{ID: "c1", Name: "One", Capacity: 1}
	f.issues.count = 1

	_, err := f.svc.Issue(ctx, "c1", "u1")
	require.NoError(t, err)
	_, err = f.svc.Issue(ctx, "c1", "u2")
	require.NoError(t, err)

	st, err := f.svc.Status(ctx, "c1")
	require.NoError(t, err)
	assert.Equal(t, int64(1), st.Capacity)
	assert.Equal(t, int64(1), st.Issued)
	assert.Equal(t, int64(1), st.QueueDepth)
	assert.True(t, st.Exhausted)
	assert.Equal(t, int64(1), st.Persisted)

	_, err = f.svc.Status(ctx, "nope")
	assert.ErrorIs(t, err, relay_errors.ErrNotFound)
}
