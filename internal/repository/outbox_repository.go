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

type outboxRepository struct {
	db DBTX
}

func NewOutboxRepository(db DBTX) OutboxRepository {
	return &outboxRepository{db: db}
}

const pendingEventColumns = `id, event_type, aggregate_type, aggregate_id, payload, processed, processed_at, error_message, retry_count, created_at, updated_at, origin_event_id`

func (r *outboxRepository) Append(ctx context.Context, tx DBTX, e outbox.NewEvent) (int64, error) {
	if tx == nil {
		return 0, relay_errors.ErrNoTransaction
	}
	payload := e.Payload
	if len(payload) == 0 {
		payload = []byte("{}")
	}
	now := time.Now().UTC()
	var id int64
	err := tx.QueryRowContext(ctx, `
        INSERT INTO outbox_events (event_type, aggregate_type, aggregate_id, payload, processed, retry_count, created_at, updated_at)
        VALUES ($1,$2,$3,$4,false,0,$5,$5)
        RETURNING id
    `, e.EventType, e.AggregateType, e.AggregateID, string(payload), now).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("append outbox event: %w", err)
	}
	return id, nil
}

func (r *outboxRepository) AppendMany(ctx context.Context, tx DBTX, events []outbox.NewEvent) error {
	if tx == nil {
		return relay_errors.ErrNoTransaction
	}
	if len(events) == 0 {
		return nil
	}
	const cols = 5
	now := time.Now().UTC()
	args := make([]interface{}, 0, len(events)*cols)
	for _, e := range events {
		payload := e.Payload
		if len(payload) == 0 {
			payload = []byte("{}")
		}
		args = append(args, e.EventType, e.AggregateType, e.AggregateID, string(payload), now)
	}
	query := fmt.Sprintf(`
        INSERT INTO outbox_events (event_type, aggregate_type, aggregate_id, payload, created_at)
        VALUES %s
    `, buildRows(len(events), cols))
	if _, err := tx.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("append outbox events: %w", err)
	}
	return nil
}

func (r *outboxRepository) GetByID(ctx context.Context, id int64) (outbox.PendingEvent, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+pendingEventColumns+` FROM outbox_events WHERE id = $1`, id)
	e, err := scanPendingEvent(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return outbox.PendingEvent{}, relay_errors.ErrNotFound
		}
		return outbox.PendingEvent{}, err
	}
	return e, nil
}

func (r *outboxRepository) FetchPending(ctx context.Context, limit int) ([]outbox.PendingEvent, error) {
	rows, err := r.db.QueryContext(ctx, `
        SELECT `+pendingEventColumns+`
        FROM outbox_events
        WHERE processed = false
        ORDER BY created_at ASC, id ASC
        LIMIT $1
    `, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []outbox.PendingEvent
	for rows.Next() {
		e, err := scanPendingEvent(rows)
		if err != nil {
			return nil, err
		}
		events = append(events, e)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return events, nil
}

func (r *outboxRepository) CountPending(ctx context.Context) (int64, error) {
	var n int64
	err := r.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM outbox_events WHERE processed = false`).Scan(&n)
	return n, err
}

func (r *outboxRepository) MarkProcessed(ctx context.Context, ids []int64) error {
	if len(ids) == 0 {
		return nil
	}
	now := time.Now().UTC()
	args := make([]interface{}, 0, len(ids)+1)
	args = append(args, now)
	for _, id := range ids {
		args = append(args, id)
	}
	_, err := r.db.ExecContext(ctx, fmt.Sprintf(`
        UPDATE outbox_events
        SET processed = true, processed_at = $1, updated_at = $1, error_message = NULL
        WHERE id IN (%s)
    `, buildPlaceholders(2, len(ids))), args...)
	return err
}

func (r *outboxRepository) MarkFailed(ctx context.Context, id int64, errorMessage string) error {
	res, err := r.db.ExecContext(ctx, `
        UPDATE outbox_events
        SET retry_count = retry_count + 1, error_message = $1, updated_at = $2
        WHERE id = $3 AND processed = false
    `, errorMessage, time.Now().UTC(), id)
	if err != nil {
		return err
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return relay_errors.ErrNotFound
	}
	return nil
}

func scanPendingEvent(row rowScanner) (outbox.PendingEvent, error) {
	var (
		e           outbox.PendingEvent
		payload     []byte
		processedAt sql.NullTime
		errMsg      sql.NullString
		origin      sql.NullInt64
	)
	if err := row.Scan(
		&e.ID,
		&e.EventType,
		&e.AggregateType,
		&e.AggregateID,
		&payload,
		&e.Processed,
		&processedAt,
		&errMsg,
		&e.RetryCount,
		&e.CreatedAt,
		&e.UpdatedAt,
		&origin,
	); err != nil {
		return outbox.PendingEvent{}, err
	}
	e.Payload = payload
	e.ProcessedAt = nullTime(processedAt)
	e.ErrorMessage = nullString(errMsg)
	e.OriginEventID = origin.Int64
	return e, nil
}
