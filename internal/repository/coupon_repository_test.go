package repository

import (
	"context"
	"testing"
	"time"

	"commerce-relay/internal/domain/coupon"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCouponIssueRepository_BulkInsert(t *testing.T) {
	ctx := context.Background()
	issuedAt := time.Now().UTC()
	grants := []coupon.Grant{
		{RequesterID: "u1", Sequence: 1},
		{RequesterID: "u2", Sequence: 2},
	}

	t.Run("returns inserted grants", func(t *testing.T) {
		db, mock := newMock(t)
		repo := NewCouponIssueRepository(db)

		mock.ExpectQuery(`INSERT INTO coupon_issues .+ VALUES \(\$1,\$2,\$3,\$4,\$5\),\(\$6,\$7,\$8,\$9,\$10\)\s+ON CONFLICT \(coupon_id, user_id\) DO NOTHING\s+RETURNING user_id, sequence`).
			WithArgs(sqlmock.AnyArg(), "c1", "u1", int64(1), issuedAt, sqlmock.AnyArg(), "c1", "u2", int64(2), issuedAt).
			WillReturnRows(sqlmock.NewRows([]string{"user_id", "sequence"}).
				AddRow("u1", int64(1)).
				AddRow("u2", int64(2)))

		inserted, err := repo.BulkInsert(ctx, nil, "c1", grants, issuedAt)
		require.NoError(t, err)
		assert.Equal(t, grants, inserted)

		inserted, err = repo.BulkInsert(ctx, nil, "c1", nil, issuedAt)
		require.NoError(t, err)
		assert.Empty(t, inserted)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("rows hit by the conflict clause are left out", func(t *testing.T) {
		db, mock := newMock(t)
		repo := NewCouponIssueRepository(db)

		mock.ExpectQuery(`INSERT INTO coupon_issues`).
			WillReturnRows(sqlmock.NewRows([]string{"user_id", "sequence"}).AddRow("u2", int64(2)))

		inserted, err := repo.BulkInsert(ctx, nil, "c1", grants, issuedAt)
		require.NoError(t, err)
		assert.Equal(t, []coupon.Grant{{RequesterID: "u2", Sequence: 2}}, inserted)
		assert.NoError(t, mock.ExpectationsWereMet())
	})
}

func TestStockRepository_DecreaseStock(t *testing.T) {
	db, mock := newMock(t)
	repo := NewStockRepository(db)

	mock.ExpectExec(`UPDATE product_stocks AS s`).
		WithArgs("p1", int64(3), "p2", int64(5), sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 2))

	require.NoError(t, repo.DecreaseStock(context.Background(), map[string]int64{"p2": 5, "p1": 3}))
	require.NoError(t, repo.DecreaseStock(context.Background(), nil))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestBuildRows(t *testing.T) {
	assert.Equal(t, "($1,$2),($3,$4)", buildRows(2, 2))
	assert.Equal(t, "($1::text,$2::bigint),($3::text,$4::bigint)", castRows(2))
}
