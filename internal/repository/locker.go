package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

// Locker serializes a periodic job across processes with a Postgres
// session-level advisory lock held on a pinned connection.
type Locker interface {
	TryExecuteWithLock(ctx context.Context, lockName string, callback func(ctx context.Context) error) (bool, error)
}

type advisoryLocker struct {
	db *sql.DB
}

func NewLocker(db *sql.DB) Locker {
	return &advisoryLocker{db: db}
}

func (l *advisoryLocker) TryExecuteWithLock(ctx context.Context, lockName string, callback func(ctx context.Context) error) (locked bool, err error) {
	conn, err := l.db.Conn(ctx)
	if err != nil {
		return false, err
	}
	defer func() {
		err = errors.Join(err, conn.Close())
	}()

	if err = conn.QueryRowContext(ctx, `SELECT pg_try_advisory_lock(hashtext($1))`, lockName).Scan(&locked); err != nil {
		return false, fmt.Errorf("acquire advisory lock %s: %w", lockName, err)
	}
	if !locked {
		return false, nil
	}
	defer func() {
		var released bool
		// unlock even when ctx is already cancelled
		uerr := conn.QueryRowContext(context.Background(), `SELECT pg_advisory_unlock(hashtext($1))`, lockName).Scan(&released)
		err = errors.Join(err, uerr)
	}()

	defer func() {
		if r := recover(); r != nil {
			err = errors.Join(err, fmt.Errorf("panic: %v", r))
		}
	}()

	return true, callback(ctx)
}
