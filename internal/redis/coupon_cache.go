package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"commerce-relay/internal/domain/coupon"

	goredis "github.com/redis/go-redis/v9"
)

// Cache key patterns:
// - coupon:{id}:meta - static coupon metadata, never capacity or counters

// CacheConfig contains configuration for caching
type CacheConfig struct {
	MetadataTTL time.Duration
}

// DefaultCacheConfig returns sensible defaults
func DefaultCacheConfig() CacheConfig {
	return CacheConfig{
		MetadataTTL: 10 * time.Minute,
	}
}

// CouponCache caches the static part of a coupon. Capacity and counters stay
// in the allocator keys so a concurrency check never reads a stale value.
type CouponCache struct {
	client *goredis.Client
	config CacheConfig
}

func NewCouponCache(client *goredis.Client, config CacheConfig) *CouponCache {
	if config.MetadataTTL <= 0 {
		config = DefaultCacheConfig()
	}
	return &CouponCache{
		client: client,
		config: config,
	}
}

func metaKey(couponID string) string { return fmt.Sprintf("coupon:{%s}:meta", couponID) }

// Get retrieves coupon metadata. A cache miss returns (nil, nil).
func (c *CouponCache) Get(ctx context.Context, couponID string) (*coupon.Metadata, error) {
	data, err := c.client.Get(ctx, metaKey(couponID)).Result()
	if err == goredis.Nil {
		return nil, nil // Cache miss
	}
	if err != nil {
		return nil, err
	}

	var meta coupon.Metadata
	if err := json.Unmarshal([]byte(data), &meta); err != nil {
		return nil, err
	}
	return &meta, nil
}

// Set stores coupon metadata
func (c *CouponCache) Set(ctx context.Context, meta coupon.Metadata) error {
	data, err := json.Marshal(meta)
	if err != nil {
		return err
	}
	return c.client.Set(ctx, metaKey(meta.ID), data, c.config.MetadataTTL).Err()
}

// Invalidate removes cached metadata
func (c *CouponCache) Invalidate(ctx context.Context, couponID string) error {
	return c.client.Del(ctx, metaKey(couponID)).Err()
}
