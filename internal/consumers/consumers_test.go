package consumers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"commerce-relay/internal/domain/coupon"
	domain "commerce-relay/internal/domain/outbox"
	"commerce-relay/internal/events"
	relayredis "commerce-relay/internal/redis"

	"github.com/alicebob/miniredis/v2"
	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newGuard(t *testing.T, scope string) *relayredis.IdempotencyGuard {
	t.Helper()
	mr := miniredis.RunT(t)
	c := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = c.Close() })
	return relayredis.NewIdempotencyGuard(c, scope, time.Hour)
}

type capturePublisher struct {
	mu   sync.Mutex
	sent []events.Envelope
	err  error
}

func (p *capturePublisher) Publish(_ context.Context, env events.Envelope) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return p.err
	}
	p.sent = append(p.sent, env)
	return nil
}

func (p *capturePublisher) Close() error { return nil }

func TestBrokerForwarder_PublishesOnce(t *testing.T) {
	ctx := context.Background()
	pub := &capturePublisher{}
	f := NewBrokerForwarder(pub, newGuard(t, "relay"), nil)
	e := domain.PendingEvent{ID: 7, EventType: "ORDER_CREATED", AggregateType: "order", AggregateID: "o-1", Payload: json.RawMessage(`{}`)}

	ok, err := f.Handle(ctx, e)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = f.Handle(ctx, e)
	require.NoError(t, err)
	assert.True(t, ok, "redelivery is a successful no-op")

	require.Len(t, pub.sent, 1)
	assert.Equal(t, int64(7), pub.sent[0].EventID)
	assert.Equal(t, "publish:ORDER_CREATED:order:o-1:7", PublishKey(e))
}

func TestBrokerForwarder_ReplayedDeadLetterIsNotRepublished(t *testing.T) {
	ctx := context.Background()
	pub := &capturePublisher{}
	f := NewBrokerForwarder(pub, newGuard(t, "relay"), nil)
	now := time.Now().UTC()

	e := issuedEvent(t, 7, "c1", "u1")
	ok, err := f.Handle(ctx, e)
	require.NoError(t, err)
	require.True(t, ok)

	// the notifier on the same event kept failing, so the event was
	// quarantined and an operator retried it
	dl := domain.NewDeadLetter(e, "max retries exceeded", now)
	replayed := dl.Requeue(now)
	replayed.ID = 42
	assert.Equal(t, PublishKey(e), PublishKey(replayed))

	ok, err = f.Handle(ctx, replayed)
	require.NoError(t, err)
	assert.True(t, ok)
	require.Len(t, pub.sent, 1)

	// a second quarantine of the replayed row still maps to event 7
	again := domain.NewDeadLetter(replayed, "max retries exceeded", now).Requeue(now)
	again.ID = 43
	ok, err = f.Handle(ctx, again)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Len(t, pub.sent, 1)
	assert.Equal(t, int64(7), pub.sent[0].EventID)
}

func TestBrokerForwarder_FailureReleasesKey(t *testing.T) {
	ctx := context.Background()
	pub := &capturePublisher{err: errors.New("broker down")}
	f := NewBrokerForwarder(pub, newGuard(t, "relay"), nil)
	e := domain.PendingEvent{ID: 8, EventType: "ORDER_CREATED", AggregateType: "order", AggregateID: "o-2"}

	ok, err := f.Handle(ctx, e)
	assert.False(t, ok)
	assert.ErrorContains(t, err, "broker down")

	pub.err = nil
	ok, err = f.Handle(ctx, e)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Len(t, pub.sent, 1)
}

type countingNotifier struct {
	mu    sync.Mutex
	calls []coupon.IssuedPayload
	fail  int
}

func (n *countingNotifier) NotifyCouponIssued(_ context.Context, p coupon.IssuedPayload) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.fail > 0 {
		n.fail--
		return errors.New("smtp timeout")
	}
	n.calls = append(n.calls, p)
	return nil
}

func issuedEvent(t *testing.T, id int64, couponID, userID string) domain.PendingEvent {
	t.Helper()
	payload, err := json.Marshal(coupon.IssuedPayload{CouponID: couponID, UserID: userID, Sequence: id})
	require.NoError(t, err)
	return domain.PendingEvent{ID: id, EventType: coupon.EventCouponIssued, AggregateType: coupon.AggregateCoupon, AggregateID: couponID, Payload: payload}
}

func TestCouponIssuedNotifier_CollapsesRedelivery(t *testing.T) {
	ctx := context.Background()
	notifier := &countingNotifier{}
	h := NewCouponIssuedNotifier(notifier, newGuard(t, "relay"), nil)

	e := issuedEvent(t, 1, "c1", "u1")
	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ok, err := h.Handle(ctx, e)
			assert.NoError(t, err)
			assert.True(t, ok)
		}()
	}
	wg.Wait()

	ok, err := h.Handle(ctx, issuedEvent(t, 2, "c1", "u2"))
	require.NoError(t, err)
	assert.True(t, ok)

	require.Len(t, notifier.calls, 2)
}

func TestCouponIssuedNotifier_RetryAfterFailure(t *testing.T) {
	ctx := context.Background()
	notifier := &countingNotifier{fail: 1}
	h := NewCouponIssuedNotifier(notifier, newGuard(t, "relay"), nil)
	e := issuedEvent(t, 1, "c1", "u1")

	ok, err := h.Handle(ctx, e)
	assert.False(t, ok)
	assert.ErrorContains(t, err, "smtp timeout")

	ok, err = h.Handle(ctx, e)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Len(t, notifier.calls, 1)
}

func TestCouponIssuedNotifier_BadPayload(t *testing.T) {
	h := NewCouponIssuedNotifier(&countingNotifier{}, newGuard(t, "relay"), nil)
	ok, err := h.Handle(context.Background(), domain.PendingEvent{ID: 1, EventType: coupon.EventCouponIssued, Payload: json.RawMessage(`[`)})
	assert.False(t, ok)
	assert.Error(t, err)
}

type memStocks struct {
	mu      sync.Mutex
	qty     map[string]int64
	updates int
	err     error
}

func newMemStocks() *memStocks {
	return &memStocks{qty: map[string]int64{"p1": 100, "p2": 100, "p3": 100}}
}

func (s *memStocks) DecreaseStock(_ context.Context, deltas map[string]int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	s.updates++
	for id, d := range deltas {
		s.qty[id] -= d
	}
	return nil
}

func (s *memStocks) GetStock(_ context.Context, id string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.qty[id], nil
}

func stockEvents(t *testing.T) []domain.PendingEvent {
	t.Helper()
	items := []StockDecreasedPayload{
		{ProductID: "p1", Quantity: 2},
		{ProductID: "p2", Quantity: 1},
		{ProductID: "p1", Quantity: 3},
		{ProductID: "p3", Quantity: 7},
		{ProductID: "p2", Quantity: 4},
	}
	out := make([]domain.PendingEvent, len(items))
	for i, it := range items {
		payload, err := json.Marshal(it)
		require.NoError(t, err)
		out[i] = domain.PendingEvent{ID: int64(i + 1), EventType: EventStockDecreased, AggregateType: "product", AggregateID: it.ProductID, Payload: payload}
	}
	return out
}

func TestStockDecreaseHandler_BatchEquivalence(t *testing.T) {
	ctx := context.Background()

	single := newMemStocks()
	hs := NewStockDecreaseHandler(single)
	for _, e := range stockEvents(t) {
		ok, err := hs.Handle(ctx, e)
		require.NoError(t, err)
		require.True(t, ok)
	}

	batched := newMemStocks()
	hb := NewStockDecreaseHandler(batched)
	require.True(t, hb.SupportsBatch())
	ok, err := hb.HandleBatch(ctx, stockEvents(t))
	require.NoError(t, err)
	require.True(t, ok)

	assert.Equal(t, single.qty, batched.qty)
	assert.Equal(t, map[string]int64{"p1": 95, "p2": 95, "p3": 93}, batched.qty)
	assert.Equal(t, 5, single.updates)
	assert.Equal(t, 1, batched.updates)
}

func TestStockDecreaseHandler_InvalidEventFailsBatch(t *testing.T) {
	stocks := newMemStocks()
	h := NewStockDecreaseHandler(stocks)
	evs := append(stockEvents(t), domain.PendingEvent{ID: 99, EventType: EventStockDecreased, Payload: json.RawMessage(`{"product_id":"p1","quantity":0}`)})

	ok, err := h.HandleBatch(context.Background(), evs)
	assert.False(t, ok)
	assert.ErrorContains(t, err, fmt.Sprintf("event %d", 99))
	assert.Zero(t, stocks.updates)
}
