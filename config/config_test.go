package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestLoadConfig_Defaults(t *testing.T) {
	cfg := LoadConfig()

	assert.Equal(t, 5, cfg.Outbox.MaxRetries)
	assert.Equal(t, 50, cfg.Outbox.DispatchBatch)
	assert.Equal(t, 5*time.Second, cfg.Outbox.DispatchInterval)
	assert.Equal(t, 10, cfg.DeadLetter.AlertThreshold)
	assert.Equal(t, 500*time.Millisecond, cfg.Allocation.DrainInterval)
	assert.Equal(t, 50, cfg.Allocation.DrainBatch)
	assert.Equal(t, 7*24*time.Hour, cfg.IdempotencyTTL)
	assert.Equal(t, "redis", cfg.Broker.Kind)
	assert.Equal(t, "dead-letters", cfg.Archive.Prefix)
	assert.Equal(t, 20, cfg.RateLimit.IssueLimit)
	assert.Equal(t, time.Minute, cfg.RateLimit.IssueWindow)
}

func TestLoadConfig_Overrides(t *testing.T) {
	t.Setenv("OUTBOX_MAX_RETRIES", "3")
	t.Setenv("OUTBOX_DISPATCH_INTERVAL_MS", "250")
	t.Setenv("KAFKA_BROKERS", "k1:9092, k2:9092,")
	t.Setenv("IDEMPOTENCY_TTL_HOURS", "not-a-number")
	t.Setenv("RATE_LIMIT_ADMIN", "0")

	cfg := LoadConfig()

	assert.Equal(t, 3, cfg.Outbox.MaxRetries)
	assert.Equal(t, 250*time.Millisecond, cfg.Outbox.DispatchInterval)
	assert.Equal(t, []string{"k1:9092", "k2:9092"}, cfg.Broker.KafkaBrokers)
	assert.Equal(t, 7*24*time.Hour, cfg.IdempotencyTTL)
	assert.Equal(t, 0, cfg.RateLimit.AdminLimit)
}
