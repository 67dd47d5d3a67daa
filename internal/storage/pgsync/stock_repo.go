package pgsync

import (
	"context"
	"time"

	"github.com/BearBump/PartSync/internal/models"
	"github.com/jackc/pgx/v5"
	"github.com/pkg/errors"
)

// RecordStockHistory appends entries; a repeated (order_id, checked_at) is ignored.
// Returns the number of rows actually inserted.
func (s *Storage) RecordStockHistory(ctx context.Context, entries []models.StockHistoryEntry) (int, error) {
	if len(entries) == 0 {
		return 0, nil
	}
	now := time.Now().UTC()
	batch := &pgx.Batch{}
	for _, e := range entries {
		batch.Queue(`
INSERT INTO stock_history (
  order_id, sku, status, label, in_stock_qty, variant_id,
  status_source, quantity_source, checked_at, error, created_at
)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)
ON CONFLICT (order_id, checked_at) DO NOTHING
`, e.OrderID, e.SKU, string(e.Status), e.Label, e.InStockQty, e.VariantID,
			e.StatusSource, e.QuantitySource, e.CheckedAt.UTC(), e.Error, now)
	}

	br := s.db.SendBatch(ctx, batch)
	defer br.Close()
	inserted := 0
	for range entries {
		tag, err := br.Exec()
		if err != nil {
			return inserted, errors.Wrap(err, "insert stock history")
		}
		inserted += int(tag.RowsAffected())
	}
	return inserted, nil
}

func (s *Storage) ListStockHistory(ctx context.Context, orderID string, limit int) ([]models.StockHistoryEntry, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	rows, err := s.db.Query(ctx, `
SELECT order_id, sku, status, label, in_stock_qty, variant_id,
       status_source, quantity_source, checked_at, error
FROM stock_history
WHERE order_id = $1
ORDER BY checked_at DESC
LIMIT $2
`, orderID, limit)
	if err != nil {
		return nil, errors.Wrap(err, "select stock history")
	}
	defer rows.Close()

	var out []models.StockHistoryEntry
	for rows.Next() {
		var e models.StockHistoryEntry
		var status string
		if err := rows.Scan(
			&e.OrderID, &e.SKU, &status, &e.Label, &e.InStockQty, &e.VariantID,
			&e.StatusSource, &e.QuantitySource, &e.CheckedAt, &e.Error,
		); err != nil {
			return nil, errors.Wrap(err, "scan stock history")
		}
		e.Status = models.StockStatus(status)
		out = append(out, e)
	}
	if rows.Err() != nil {
		return nil, errors.Wrap(rows.Err(), "rows")
	}
	return out, nil
}
