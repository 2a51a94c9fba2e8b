package redis

import (
	"context"
	"fmt"
	"strings"
	"time"

	goredis "github.com/redis/go-redis/v9"
)

// Idempotency key pattern:
// - idempotency:{scope}:{key} - TTL longer than any redelivery window
const DefaultIdempotencyTTL = 7 * 24 * time.Hour

// IdempotencyGuard turns at-least-once delivery into effectively-once side
// effects through an atomic set-if-absent claim.
type IdempotencyGuard struct {
	client *goredis.Client
	scope  string
	ttl    time.Duration
}

func NewIdempotencyGuard(client *goredis.Client, scope string, ttl time.Duration) *IdempotencyGuard {
	if ttl <= 0 {
		ttl = DefaultIdempotencyTTL
	}
	return &IdempotencyGuard{client: client, scope: scope, ttl: ttl}
}

// Key joins the natural identity parts of an operation into a claim key.
func Key(parts ...string) string {
	return strings.Join(parts, ":")
}

func (g *IdempotencyGuard) claimKey(key string) string {
	return fmt.Sprintf("idempotency:%s:%s", g.scope, key)
}

// TryAcquire returns true iff this caller set the key.
func (g *IdempotencyGuard) TryAcquire(ctx context.Context, key string) (bool, error) {
	return g.TryAcquireFor(ctx, key, g.ttl)
}

// TryAcquireFor is TryAcquire with an explicit expiry.
func (g *IdempotencyGuard) TryAcquireFor(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	ok, err := g.client.SetNX(ctx, g.claimKey(key), time.Now().UTC().Format(time.RFC3339Nano), ttl).Result()
	if err != nil {
		return false, fmt.Errorf("idempotency claim failed: %w", err)
	}
	return ok, nil
}

// Release drops a claim so a failed side effect can be attempted again.
func (g *IdempotencyGuard) Release(ctx context.Context, key string) error {
	return g.client.Del(ctx, g.claimKey(key)).Err()
}

// Claimed reports whether a claim exists for key.
func (g *IdempotencyGuard) Claimed(ctx context.Context, key string) (bool, error) {
	n, err := g.client.Exists(ctx, g.claimKey(key)).Result()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}
