package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"
	"time"

	relay_errors "commerce-relay/pkg/errors"
)

type stockRepository struct {
	db DBTX
}

func NewStockRepository(db DBTX) StockRepository {
	return &stockRepository{db: db}
}

// DecreaseStock applies every delta with one UPDATE ... FROM (VALUES ...).
func (r *stockRepository) DecreaseStock(ctx context.Context, deltas map[string]int64) error {
	if len(deltas) == 0 {
		return nil
	}
	ids := make([]string, 0, len(deltas))
	for id := range deltas {
		ids = append(ids, id)
	}
	// stable row order keeps lock acquisition consistent across writers
	sort.Strings(ids)

	const cols = 2
	args := make([]interface{}, 0, len(ids)*cols+1)
	for _, id := range ids {
		args = append(args, id, deltas[id])
	}
	args = append(args, time.Now().UTC())
	query := fmt.Sprintf(`
        UPDATE product_stocks AS s
        SET quantity = s.quantity - v.delta, updated_at = $%d
        FROM (VALUES %s) AS v(product_id, delta)
        WHERE s.product_id = v.product_id::text
    `, len(ids)*cols+1, castRows(len(ids)))
	_, err := r.db.ExecContext(ctx, query, args...)
	return err
}

func (r *stockRepository) GetStock(ctx context.Context, productID string) (int64, error) {
	var qty int64
	err := r.db.QueryRowContext(ctx, `SELECT quantity FROM product_stocks WHERE product_id = $1`, productID).Scan(&qty)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return 0, relay_errors.ErrNotFound
		}
		return 0, err
	}
	return qty, nil
}

// castRows renders ($1::text,$2::bigint),... so VALUES has typed columns.
func castRows(rows int) string {
	out := ""
	for i := 0; i < rows; i++ {
		if i > 0 {
			out += ","
		}
		out += fmt.Sprintf("($%d::text,$%d::bigint)", i*2+1, i*2+2)
	}
	return out
}
