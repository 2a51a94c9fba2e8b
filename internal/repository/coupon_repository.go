package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"commerce-relay/internal/domain/coupon"
	relay_errors "commerce-relay/pkg/errors"

	"github.com/google/uuid"
)

type couponRepository struct {
	db DBTX
}

func NewCouponRepository(db DBTX) CouponRepository {
	return &couponRepository{db: db}
}

func (r *couponRepository) Create(ctx context.Context, tx DBTX, c *coupon.Coupon) error {
	execDB := tx
	if execDB == nil {
		execDB = r.db
	}
	if c.CreatedAt.IsZero() {
		c.CreatedAt = time.Now().UTC()
	}
	_, err := execDB.ExecContext(ctx, `
        INSERT INTO coupons (id, name, capacity, valid_from, valid_until, created_at)
        VALUES ($1,$2,$3,$4,$5,$6)
    `, c.ID, c.Name, c.Capacity, c.ValidFrom, c.ValidUntil, c.CreatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return relay_errors.ErrAlreadyExists
		}
		return err
	}
	return nil
}

func (r *couponRepository) GetByID(ctx context.Context, id string) (coupon.Coupon, error) {
	var c coupon.Coupon
	err := r.db.QueryRowContext(ctx, `
        SELECT id, name, capacity, valid_from, valid_until, created_at
        FROM coupons WHERE id = $1
    `, id).Scan(&c.ID, &c.Name, &c.Capacity, &c.ValidFrom, &c.ValidUntil, &c.CreatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return coupon.Coupon{}, relay_errors.ErrNotFound
		}
		return coupon.Coupon{}, err
	}
	return c, nil
}

type couponIssueRepository struct {
	db DBTX
}

func NewCouponIssueRepository(db DBTX) CouponIssueRepository {
	return &couponIssueRepository{db: db}
}

// BulkInsert writes a drained batch in one statement and returns the grants
// that produced a new row. Rows already present from an earlier partially
// failed cycle are skipped.
func (r *couponIssueRepository) BulkInsert(ctx context.Context, tx DBTX, couponID string, grants []coupon.Grant, issuedAt time.Time) ([]coupon.Grant, error) {
	if len(grants) == 0 {
		return nil, nil
	}
	execDB := tx
	if execDB == nil {
		execDB = r.db
	}
	const cols = 5
	args := make([]interface{}, 0, len(grants)*cols)
	for _, g := range grants {
		args = append(args, uuid.New(), couponID, g.RequesterID, g.Sequence, issuedAt)
	}
	rows, err := execDB.QueryContext(ctx, fmt.Sprintf(`
        INSERT INTO coupon_issues (id, coupon_id, user_id, sequence, issued_at)
        VALUES %s
        ON CONFLICT (coupon_id, user_id) DO NOTHING
        RETURNING user_id, sequence
    `, buildRows(len(grants), cols)), args...)
	if err != nil {
		return nil, fmt.Errorf("bulk insert coupon issues: %w", err)
	}
	defer rows.Close()

	inserted := make([]coupon.Grant, 0, len(grants))
	for rows.Next() {
		var g coupon.Grant
		if err := rows.Scan(&g.RequesterID, &g.Sequence); err != nil {
			return nil, err
		}
		inserted = append(inserted, g)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("bulk insert coupon issues: %w", err)
	}
	return inserted, nil
}

func (r *couponIssueRepository) CountByCoupon(ctx context.Context, couponID string) (int64, error) {
	var n int64
	err := r.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM coupon_issues WHERE coupon_id = $1`, couponID).Scan(&n)
	return n, err
}
