package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"commerce-relay/internal/domain/outbox"
	relay_errors "commerce-relay/pkg/errors"
)

type deadLetterRepository struct {
	db DBTX
}

func NewDeadLetterRepository(db DBTX) DeadLetterRepository {
	return &deadLetterRepository{db: db}
}

const deadLetterColumns = `id, original_event_id, event_type, aggregate_type, aggregate_id, payload, error_message, failed_at, retry_count, resolved, resolved_at, resolved_by, resolution_note, origin_event_id`

func (r *deadLetterRepository) MoveToDeadLetter(ctx context.Context, e outbox.PendingEvent, reason string, failedAt time.Time) (outbox.DeadLetterEvent, error) {
	dl := outbox.NewDeadLetter(e, reason, failedAt)
	err := WithTx(ctx, r.db, func(tx DBTX) error {
		payload := dl.Payload
		if len(payload) == 0 {
			payload = []byte("{}")
		}
		err := tx.QueryRowContext(ctx, `
            INSERT INTO dead_letter_events (original_event_id, event_type, aggregate_type, aggregate_id, payload, error_message, failed_at, retry_count, resolved, origin_event_id)
            VALUES ($1,$2,$3,$4,$5,$6,$7,$8,false,$9)
            RETURNING id
        `,
			dl.OriginalEventID,
			dl.EventType,
			dl.AggregateType,
			dl.AggregateID,
			string(payload),
			dl.ErrorMessage,
			dl.FailedAt,
			dl.RetryCount,
			dl.OriginEventID,
		).Scan(&dl.ID)
		if err != nil {
			if isUniqueViolation(err) {
				return relay_errors.ErrAlreadyExists
			}
			return fmt.Errorf("insert dead letter: %w", err)
		}
		res, err := tx.ExecContext(ctx, `DELETE FROM outbox_events WHERE id = $1`, e.ID)
		if err != nil {
			return fmt.Errorf("delete outbox event: %w", err)
		}
		if n, err := res.RowsAffected(); err == nil && n == 0 {
			return relay_errors.ErrNotFound
		}
		return nil
	})
	if err != nil {
		return outbox.DeadLetterEvent{}, err
	}
	return dl, nil
}

func (r *deadLetterRepository) GetByID(ctx context.Context, id int64) (outbox.DeadLetterEvent, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+deadLetterColumns+` FROM dead_letter_events WHERE id = $1`, id)
	d, err := scanDeadLetter(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return outbox.DeadLetterEvent{}, relay_errors.ErrNotFound
		}
		return outbox.DeadLetterEvent{}, err
	}
	return d, nil
}

func (r *deadLetterRepository) ListUnresolved(ctx context.Context, limit, offset int) ([]outbox.DeadLetterEvent, error) {
	rows, err := r.db.QueryContext(ctx, `
        SELECT `+deadLetterColumns+`
        FROM dead_letter_events
        WHERE resolved = false
        ORDER BY failed_at DESC, id DESC
        LIMIT $1 OFFSET $2
    `, limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []outbox.DeadLetterEvent
	for rows.Next() {
		d, err := scanDeadLetter(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

func (r *deadLetterRepository) CountUnresolved(ctx context.Context) (int64, error) {
	var n int64
	err := r.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM dead_letter_events WHERE resolved = false`).Scan(&n)
	return n, err
}

func (r *deadLetterRepository) Resolve(ctx context.Context, id int64, resolvedBy, note string, at time.Time) error {
	return WithTx(ctx, r.db, func(tx DBTX) error {
		if _, err := lockUnresolved(ctx, tx, id); err != nil {
			return err
		}
		return markResolved(ctx, tx, id, resolvedBy, note, at)
	})
}

func (r *deadLetterRepository) Requeue(ctx context.Context, id int64, resolvedBy, note string, at time.Time) (outbox.PendingEvent, error) {
	var fresh outbox.PendingEvent
	err := WithTx(ctx, r.db, func(tx DBTX) error {
		dl, err := lockUnresolved(ctx, tx, id)
		if err != nil {
			return err
		}
		fresh = dl.Requeue(at)
		payload := fresh.Payload
		if len(payload) == 0 {
			payload = []byte("{}")
		}
		err = tx.QueryRowContext(ctx, `
            INSERT INTO outbox_events (event_type, aggregate_type, aggregate_id, payload, processed, retry_count, created_at, updated_at, origin_event_id)
            VALUES ($1,$2,$3,$4,false,0,$5,$5,$6)
            RETURNING id
        `, fresh.EventType, fresh.AggregateType, fresh.AggregateID, string(payload), at, fresh.OriginEventID).Scan(&fresh.ID)
		if err != nil {
			return fmt.Errorf("requeue dead letter: %w", err)
		}
		return markResolved(ctx, tx, id, resolvedBy, note, at)
	})
	if err != nil {
		return outbox.PendingEvent{}, err
	}
	return fresh, nil
}

func lockUnresolved(ctx context.Context, tx DBTX, id int64) (outbox.DeadLetterEvent, error) {
	row := tx.QueryRowContext(ctx, `SELECT `+deadLetterColumns+` FROM dead_letter_events WHERE id = $1 FOR UPDATE`, id)
	dl, err := scanDeadLetter(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return outbox.DeadLetterEvent{}, relay_errors.ErrNotFound
		}
		return outbox.DeadLetterEvent{}, err
	}
	if dl.Resolved {
		return outbox.DeadLetterEvent{}, relay_errors.ErrAlreadyResolved
	}
	return dl, nil
}

func markResolved(ctx context.Context, tx DBTX, id int64, resolvedBy, note string, at time.Time) error {
	_, err := tx.ExecContext(ctx, `
        UPDATE dead_letter_events
        SET resolved = true, resolved_at = $1, resolved_by = $2, resolution_note = $3
        WHERE id = $4
    `, at, resolvedBy, note, id)
	return err
}

func scanDeadLetter(row rowScanner) (outbox.DeadLetterEvent, error) {
	var (
		d          outbox.DeadLetterEvent
		payload    []byte
		errMsg     sql.NullString
		resolvedAt sql.NullTime
		resolvedBy sql.NullString
		note       sql.NullString
		origin     sql.NullInt64
	)
	if err := row.Scan(
		&d.ID,
		&d.OriginalEventID,
		&d.EventType,
		&d.AggregateType,
		&d.AggregateID,
		&payload,
		&errMsg,
		&d.FailedAt,
		&d.RetryCount,
		&d.Resolved,
		&resolvedAt,
		&resolvedBy,
		&note,
		&origin,
	); err != nil {
		return outbox.DeadLetterEvent{}, err
	}
	d.Payload = payload
	d.ErrorMessage = errMsg.String
	d.ResolvedAt = nullTime(resolvedAt)
	d.ResolvedBy = nullString(resolvedBy)
	d.ResolutionNote = nullString(note)
	d.OriginEventID = origin.Int64
	return d, nil
}
