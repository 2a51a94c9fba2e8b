package database

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"commerce-relay/config"

	"github.com/cenkalti/backoff"
	_ "github.com/jackc/pgx/v5/stdlib"
)

// DSN builds a pgx connection string from the config.
func DSN(cfg *config.Config) string {
	return fmt.Sprintf("host=%s user=%s password=%s dbname=%s port=%s sslmode=disable TimeZone=UTC",
		cfg.DBHost, cfg.DBUser, cfg.DBPassword, cfg.DBName, cfg.DBPort)
}

// Connect opens the pool and pings with exponential backoff until Postgres
// answers or timeout elapses.
func Connect(ctx context.Context, cfg *config.Config, timeout time.Duration) (*sql.DB, error) {
	db, err := sql.Open("pgx", DSN(cfg))
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	// Connection pool settings
	db.SetMaxIdleConns(10)
	db.SetMaxOpenConns(100)
	db.SetConnMaxLifetime(time.Hour)

	if err := WaitReady(ctx, db, timeout); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("database not reachable: %w", err)
	}
	return db, nil
}

func WaitReady(ctx context.Context, db *sql.DB, timeout time.Duration) error {
	b := backoff.NewExponentialBackOff()
	b.MaxElapsedTime = timeout
	if timeout == 0 {
		b.MaxElapsedTime = 60 * time.Second
	}
	b.MaxInterval = 5 * time.Second
	return backoff.Retry(func() error {
		return db.PingContext(ctx)
	}, backoff.WithContext(b, ctx))
}

// HealthCheck runs a trivial query under a short deadline.
func HealthCheck(ctx context.Context, db *sql.DB) error {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	var one int
	if err := db.QueryRowContext(ctx, `SELECT 1`).Scan(&one); err != nil {
		return fmt.Errorf("database health check failed: %w", err)
	}
	return nil
}

func TableExists(ctx context.Context, db *sql.DB, table string) (bool, error) {
	var exists bool
	err := db.QueryRowContext(ctx,
		`SELECT EXISTS (SELECT 1 FROM information_schema.tables WHERE table_schema = 'public' AND table_name = $1)`,
		table).Scan(&exists)
	return exists, err
}

// TableCount returns the row count of a table. table must come from a
// trusted list since it is interpolated.
func TableCount(ctx context.Context, db *sql.DB, table string) (int64, error) {
	var n int64
	err := db.QueryRowContext(ctx, fmt.Sprintf(`SELECT COUNT(*) FROM %q`, table)).Scan(&n)
	return n, err
}
