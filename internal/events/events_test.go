package events

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"commerce-relay/config"
	domain "commerce-relay/internal/domain/outbox"
	relay_errors "commerce-relay/pkg/errors"

	"github.com/alicebob/miniredis/v2"
	amqp "github.com/rabbitmq/amqp091-go"
	goredis "github.com/redis/go-redis/v9"
	kgo "github.com/segmentio/kafka-go"
	"github.com/sony/gobreaker"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sampleEnvelope() Envelope {
	return NewEnvelope(domain.PendingEvent{
		ID:            42,
		EventType:     "COUPON_ISSUED",
		AggregateType: "coupon",
		AggregateID:   "c1",
		Payload:       json.RawMessage(`{"user_id":"u1"}`),
		CreatedAt:     time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC),
	})
}

func TestEnvelope(t *testing.T) {
	env := sampleEnvelope()
	assert.Equal(t, "coupon.coupon_issued", env.RoutingKey())
	assert.Equal(t, "coupon:c1", env.PartitionKey())
	assert.Equal(t, "42", env.Headers()["event_id"])

	data, err := env.Marshal()
	require.NoError(t, err)
	var decoded Envelope
	require.NoError(t, json.Unmarshal(data, &decoded))
	assert.Equal(t, env.ID, decoded.ID)
	assert.JSONEq(t, `{"user_id":"u1"}`, string(decoded.Payload))
}

func newRedis(t *testing.T) *goredis.Client {
	t.Helper()
	mr := miniredis.RunT(t)
	c := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func TestRedisPublisher_Publish(t *testing.T) {
	ctx := context.Background()
	client := newRedis(t)
	pub := NewRedisPublisher(client, "events")

	sub := client.Subscribe(ctx, "events:coupon")
	t.Cleanup(func() { _ = sub.Close() })
	_, err := sub.Receive(ctx)
	require.NoError(t, err)

	env := sampleEnvelope()
	require.NoError(t, pub.Publish(ctx, env))

	select {
	case msg := <-sub.Channel():
		var got Envelope
		require.NoError(t, json.Unmarshal([]byte(msg.Payload), &got))
		assert.Equal(t, env.EventID, got.EventID)
		assert.Equal(t, "events:coupon", msg.Channel)
	case <-time.After(2 * time.Second):
		t.Fatal("message not received")
	}
}

type fakeWriter struct {
	msgs   []kgo.Message
	err    error
	closed bool
}

func (w *fakeWriter) WriteMessages(_ context.Context, msgs ...kgo.Message) error {
	if w.err != nil {
		return w.err
	}
	w.msgs = append(w.msgs, msgs...)
	return nil
}

func (w *fakeWriter) Close() error {
	w.closed = true
	return nil
}

func TestKafkaPublisher_Publish(t *testing.T) {
	w := &fakeWriter{}
	pub := newKafkaPublisher(w)
	env := sampleEnvelope()

	require.NoError(t, pub.Publish(context.Background(), env))
	require.Len(t, w.msgs, 1)
	assert.Equal(t, "coupon:c1", string(w.msgs[0].Key))
	assert.Equal(t, env.OccurredAt, w.msgs[0].Time)

	headers := map[string]string{}
	for _, h := range w.msgs[0].Headers {
		headers[h.Key] = string(h.Value)
	}
	assert.Equal(t, "COUPON_ISSUED", headers["event_type"])

	require.NoError(t, pub.Close())
	assert.True(t, w.closed)
}

func TestNewKafkaPublisher_Validation(t *testing.T) {
	_, err := NewKafkaPublisher(nil, "topic")
	assert.Error(t, err)
	_, err = NewKafkaPublisher([]string{"localhost:9092"}, "")
	assert.Error(t, err)
}

type fakeAMQPChannel struct {
	exchange string
	key      string
	msg      amqp.Publishing
	closed   bool
	err      error
}

func (c *fakeAMQPChannel) PublishWithDeferredConfirmWithContext(_ context.Context, exchange, key string, _, _ bool, msg amqp.Publishing) (*amqp.DeferredConfirmation, error) {
	if c.err != nil {
		return nil, c.err
	}
	c.exchange, c.key, c.msg = exchange, key, msg
	return nil, nil
}

func (c *fakeAMQPChannel) IsClosed() bool { return c.closed }

func (c *fakeAMQPChannel) Close() error {
	c.closed = true
	return nil
}

func TestAMQPPublisher_Publish(t *testing.T) {
	ch := &fakeAMQPChannel{}
	pub := newAMQPPublisher(ch, "commerce.events", nil)
	env := sampleEnvelope()

	require.NoError(t, pub.Publish(context.Background(), env))
	assert.Equal(t, "commerce.events", ch.exchange)
	assert.Equal(t, "coupon.coupon_issued", ch.key)
	assert.Equal(t, "COUPON_ISSUED", ch.msg.Type)
	assert.Equal(t, amqp.Persistent, ch.msg.DeliveryMode)
	assert.Equal(t, env.ID.String(), ch.msg.MessageId)
	assert.Equal(t, "c1", ch.msg.Headers["aggregate_id"])

	require.NoError(t, pub.Close())
	assert.ErrorContains(t, pub.Publish(context.Background(), env), "closed")
}

type flakyPublisher struct {
	calls int
	err   error
}

func (p *flakyPublisher) Publish(context.Context, Envelope) error {
	p.calls++
	return p.err
}

func (p *flakyPublisher) Close() error { return nil }

func TestBreakerPublisher_OpensAfterConsecutiveFailures(t *testing.T) {
	inner := &flakyPublisher{err: errors.New("broker unreachable")}
	pub := NewBreakerPublisher("test", inner, nil)
	ctx := context.Background()

	for i := 0; i < 6; i++ {
		err := pub.Publish(ctx, sampleEnvelope())
		assert.ErrorContains(t, err, "broker unreachable")
		assert.NotErrorIs(t, err, relay_errors.ErrUnavailable, "real failures count as attempts")
	}
	assert.False(t, pub.Healthy())

	err := pub.Publish(ctx, sampleEnvelope())
	assert.ErrorIs(t, err, gobreaker.ErrOpenState)
	assert.ErrorIs(t, err, relay_errors.ErrUnavailable)
	assert.Equal(t, 6, inner.calls)
}

func TestNewPublisher_SelectsBroker(t *testing.T) {
	ctx := context.Background()

	pub, err := NewPublisher(ctx, config.BrokerConfig{Kind: "redis"}, newRedis(t), nil)
	require.NoError(t, err)
	bp, ok := pub.(*BreakerPublisher)
	require.True(t, ok)
	assert.IsType(t, &RedisPublisher{}, bp.inner)

	pub, err = NewPublisher(ctx, config.BrokerConfig{Kind: "kafka", KafkaBrokers: []string{"localhost:9092"}, KafkaTopic: "t"}, nil, nil)
	require.NoError(t, err)
	assert.IsType(t, &KafkaPublisher{}, pub.(*BreakerPublisher).inner)
	require.NoError(t, pub.Close())

	_, err = NewPublisher(ctx, config.BrokerConfig{Kind: "redis"}, nil, nil)
	assert.Error(t, err)
	_, err = NewPublisher(ctx, config.BrokerConfig{Kind: "nats"}, nil, nil)
	assert.Error(t, err)
}
