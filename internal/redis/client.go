package redis

import (
	"context"
	"fmt"
	"time"

	"github.com/cenkalti/backoff"
	"github.com/redis/go-redis/v9"
)

type Config struct {
	Host           string
	Port           string
	Password       string
	DB             int
	ConnectTimeout time.Duration
}

// NewClient creates a Redis client. Call WaitReady before first use.
func NewClient(cfg Config) *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr:        fmt.Sprintf("%s:%s", cfg.Host, cfg.Port),
		Password:    cfg.Password,
		DB:          cfg.DB,
		DialTimeout: cfg.ConnectTimeout,
	})
}

// WaitReady pings the server with exponential backoff until it answers or
// the connect timeout elapses.
func WaitReady(ctx context.Context, c *redis.Client, timeout time.Duration) error {
	return backoff.Retry(func() error {
		return c.Ping(ctx).Err()
	}, newBackOff(timeout))
}

func newBackOff(timeout time.Duration) backoff.BackOff {
	exponentialBackOff := backoff.NewExponentialBackOff()
	const defaultTimeout = 60 * time.Second
	if timeout != 0 {
		exponentialBackOff.MaxElapsedTime = timeout
	} else {
		exponentialBackOff.MaxElapsedTime = defaultTimeout
	}
	exponentialBackOff.MaxInterval = 5 * time.Second
	return exponentialBackOff
}
