package events

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// RedisPublisher fans envelopes out over Redis Pub/Sub on
// "<prefix>:<aggregate type>" channels.
type RedisPublisher struct {
	client *redis.Client
	prefix string
}

func NewRedisPublisher(client *redis.Client, prefix string) *RedisPublisher {
	return &RedisPublisher{client: client, prefix: prefix}
}

func (p *RedisPublisher) Channel(env Envelope) string {
	return p.prefix + ":" + env.AggregateType
}

func (p *RedisPublisher) Publish(ctx context.Context, env Envelope) error {
	data, err := env.Marshal()
	if err != nil {
		return fmt.Errorf("failed to marshal envelope: %w", err)
	}
	return p.client.Publish(ctx, p.Channel(env), data).Err()
}

// Close is a no-op; the shared client is owned by the caller.
func (p *RedisPublisher) Close() error {
	return nil
}
