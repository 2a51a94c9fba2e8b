package redis

import (
	"context"
	"fmt"
	"time"

	goredis "github.com/redis/go-redis/v9"
)

// Rate limiting key patterns:
// - ratelimit:{client}:issue - per-window coupon issue attempts
// - ratelimit:{client}:admin - per-window dead-letter admin calls

// RateLimitConfig contains configuration for rate limiting
type RateLimitConfig struct {
	IssueLimit  int           // Max issue attempts per window
	IssueWindow time.Duration // Issue rate limit window
	AdminLimit  int           // Max admin calls per window
	AdminWindow time.Duration // Admin rate limit window
}

// DefaultRateLimitConfig returns sensible defaults
func DefaultRateLimitConfig() RateLimitConfig {
	return RateLimitConfig{
		IssueLimit:  20,
		IssueWindow: 60 * time.Second,
		AdminLimit:  120,
		AdminWindow: 60 * time.Second,
	}
}

// RateLimiter is a fixed-window counter shared by every API instance.
type RateLimiter struct {
	client *goredis.Client
	config RateLimitConfig
}

// RateLimitResult contains the result of a rate limit check
type RateLimitResult struct {
	Allowed   bool          // Whether the action is allowed
	Remaining int           // Remaining actions in the window
	ResetIn   time.Duration // Time until the window resets
	Limit     int           // The limit for this action
}

func NewRateLimiter(client *goredis.Client, config RateLimitConfig) *RateLimiter {
	return &RateLimiter{
		client: client,
		config: config,
	}
}

func (r *RateLimiter) AllowIssue(ctx context.Context, clientKey string) (*RateLimitResult, error) {
	return r.checkLimit(ctx, issueLimitKey(clientKey), r.config.IssueLimit, r.config.IssueWindow)
}

func (r *RateLimiter) AllowAdmin(ctx context.Context, clientKey string) (*RateLimitResult, error) {
	return r.checkLimit(ctx, adminLimitKey(clientKey), r.config.AdminLimit, r.config.AdminWindow)
}

// Reset clears every window for a client (admin operation).
func (r *RateLimiter) Reset(ctx context.Context, clientKey string) error {
	return r.client.Del(ctx, issueLimitKey(clientKey), adminLimitKey(clientKey)).Err()
}

func issueLimitKey(clientKey string) string { return fmt.Sprintf("ratelimit:%s:issue", clientKey) }

func adminLimitKey(clientKey string) string { return fmt.Sprintf("ratelimit:%s:admin", clientKey) }

// checks and increments in one round trip
var rateLimitScript = goredis.NewScript(`
	local key = KEYS[1]
	local limit = tonumber(ARGV[1])
	local window = tonumber(ARGV[2])

	local current = redis.call('GET', key)
	if current == false then
		current = 0
	else
		current = tonumber(current)
	end

	local ttl = redis.call('TTL', key)
	if ttl < 0 then
		ttl = window
	end

	if current < limit then
		redis.call('INCR', key)
		if ttl == window then
			redis.call('EXPIRE', key, window)
		end
		return {1, limit - current - 1, ttl}
	else
		return {0, 0, ttl}
	end
`)

func (r *RateLimiter) checkLimit(ctx context.Context, key string, limit int, window time.Duration) (*RateLimitResult, error) {
	if limit <= 0 {
		return &RateLimitResult{Allowed: true, Limit: limit}, nil
	}

	result, err := rateLimitScript.Run(ctx, r.client, []string{key}, limit, int(window.Seconds())).Result()
	if err != nil {
		return nil, fmt.Errorf("rate limit check failed: %w", err)
	}

	resultSlice, ok := result.([]interface{})
	if !ok || len(resultSlice) < 3 {
		return nil, fmt.Errorf("unexpected rate limit result format")
	}
	allowed, _ := resultSlice[0].(int64)
	remaining, _ := resultSlice[1].(int64)
	ttl, _ := resultSlice[2].(int64)

	return &RateLimitResult{
		Allowed:   allowed == 1,
		Remaining: int(remaining),
		ResetIn:   time.Duration(ttl) * time.Second,
		Limit:     limit,
	}, nil
}
