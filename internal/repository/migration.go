package repository

import (
	"context"
	"database/sql"
	"fmt"
)

// schema is applied in order; every statement is idempotent.
var schema = []string{
	`CREATE TABLE IF NOT EXISTS outbox_events (
		id             BIGSERIAL PRIMARY KEY,
		event_type     VARCHAR(100) NOT NULL,
		aggregate_type VARCHAR(100) NOT NULL,
		aggregate_id   VARCHAR(100) NOT NULL,
		payload        JSONB        NOT NULL,
		processed      BOOLEAN      NOT NULL DEFAULT false,
		processed_at   TIMESTAMPTZ,
		error_message  TEXT,
		retry_count    INT          NOT NULL DEFAULT 0,
		created_at     TIMESTAMPTZ  NOT NULL DEFAULT NOW(),
		updated_at     TIMESTAMPTZ  NOT NULL DEFAULT NOW(),
		origin_event_id BIGINT
	)`,
	`ALTER TABLE outbox_events ADD COLUMN IF NOT EXISTS origin_event_id BIGINT`,
	`CREATE INDEX IF NOT EXISTS idx_outbox_events_pending
		ON outbox_events (created_at, id) WHERE processed = false`,
	`CREATE TABLE IF NOT EXISTS dead_letter_events (
		id                BIGSERIAL PRIMARY KEY,
		original_event_id BIGINT       NOT NULL UNIQUE,
		event_type        VARCHAR(100) NOT NULL,
		aggregate_type    VARCHAR(100) NOT NULL,
		aggregate_id      VARCHAR(100) NOT NULL,
		payload           JSONB        NOT NULL,
		error_message     TEXT,
		failed_at         TIMESTAMPTZ  NOT NULL DEFAULT NOW(),
		retry_count       INT          NOT NULL DEFAULT 0,
		resolved          BOOLEAN      NOT NULL DEFAULT false,
		resolved_at       TIMESTAMPTZ,
		resolved_by       VARCHAR(100),
		resolution_note   TEXT,
		origin_event_id   BIGINT
	)`,
	`ALTER TABLE dead_letter_events ADD COLUMN IF NOT EXISTS origin_event_id BIGINT`,
	`CREATE INDEX IF NOT EXISTS idx_dead_letter_events_unresolved
		ON dead_letter_events (failed_at) WHERE resolved = false`,
	`CREATE TABLE IF NOT EXISTS coupons (
		id          VARCHAR(64)  PRIMARY KEY,
		name        VARCHAR(200) NOT NULL,
		capacity    BIGINT       NOT NULL CHECK (capacity > 0),
		valid_from  TIMESTAMPTZ,
		valid_until TIMESTAMPTZ,
		created_at  TIMESTAMPTZ  NOT NULL DEFAULT NOW()
	)`,
	`CREATE TABLE IF NOT EXISTS coupon_issues (
		id        UUID        PRIMARY KEY,
		coupon_id VARCHAR(64) NOT NULL REFERENCES coupons (id),
		user_id   VARCHAR(64) NOT NULL,
		sequence  BIGINT      NOT NULL,
		issued_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		UNIQUE (coupon_id, user_id)
	)`,
	`CREATE TABLE IF NOT EXISTS product_stocks (
		product_id VARCHAR(64) PRIMARY KEY,
		quantity   BIGINT      NOT NULL DEFAULT 0,
		updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`,
}

// Tables lists the tables InitSchema manages.
var Tables = []string{"outbox_events", "dead_letter_events", "coupons", "coupon_issues", "product_stocks"}

// InitSchema creates the relay tables and indexes.
func InitSchema(ctx context.Context, db *sql.DB) error {
	for i, stmt := range schema {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("schema statement %d failed: %w", i+1, err)
		}
	}
	return nil
}
