package pgsync

import (
	"context"
	"encoding/json"

	"github.com/BearBump/PartSync/internal/models"
	"github.com/jackc/pgx/v5"
	"github.com/pkg/errors"
)

func (s *Storage) ListOrders(ctx context.Context, filter models.OrderFilter) ([]*models.Order, error) {
	rows, err := s.db.Query(ctx, `
SELECT id, status, vendor, vendor_part_number, COALESCE(group_id, ''), tracking, stock_snapshot
FROM orders
WHERE ($1::text = '' OR status = $1::text)
ORDER BY id
`, filter.Status)
	if err != nil {
		return nil, errors.Wrap(err, "select orders")
	}
	defer rows.Close()

	var out []*models.Order
	for rows.Next() {
		var o models.Order
		var tracking, stock []byte
		if err := rows.Scan(&o.ID, &o.Status, &o.Vendor, &o.VendorPartNumber, &o.GroupID, &tracking, &stock); err != nil {
			return nil, errors.Wrap(err, "scan order")
		}
		if len(tracking) > 0 {
			if err := json.Unmarshal(tracking, &o.Tracking); err != nil {
				return nil, errors.Wrapf(err, "decode tracking of order %s", o.ID)
			}
		}
		if len(stock) > 0 {
			var snap models.OrderStockSnapshot
			if err := json.Unmarshal(stock, &snap); err != nil {
				return nil, errors.Wrapf(err, "decode stock of order %s", o.ID)
			}
			snap.OrderID = o.ID
			o.Stock = &snap
		}
		out = append(out, &o)
	}
	if rows.Err() != nil {
		return nil, errors.Wrap(rows.Err(), "rows")
	}
	return out, nil
}

func (s *Storage) ListOrderGroups(ctx context.Context) ([]*models.OrderGroup, error) {
	rows, err := s.db.Query(ctx, `SELECT id, tracking FROM order_groups ORDER BY id`)
	if err != nil {
		return nil, errors.Wrap(err, "select order groups")
	}
	defer rows.Close()

	var out []*models.OrderGroup
	for rows.Next() {
		var g models.OrderGroup
		var tracking []byte
		if err := rows.Scan(&g.ID, &tracking); err != nil {
			return nil, errors.Wrap(err, "scan order group")
		}
		if len(tracking) > 0 {
			if err := json.Unmarshal(tracking, &g.Tracking); err != nil {
				return nil, errors.Wrapf(err, "decode tracking of group %s", g.ID)
			}
		}
		out = append(out, &g)
	}
	if rows.Err() != nil {
		return nil, errors.Wrap(rows.Err(), "rows")
	}
	return out, nil
}

// BulkUpdateStockSnapshot writes the denormalized stock snapshot onto each order.
func (s *Storage) BulkUpdateStockSnapshot(ctx context.Context, entries []models.OrderStockSnapshot) error {
	if len(entries) == 0 {
		return nil
	}
	batch := &pgx.Batch{}
	for _, e := range entries {
		b, err := json.Marshal(e)
		if err != nil {
			return errors.Wrap(err, "marshal stock snapshot")
		}
		batch.Queue(`UPDATE orders SET stock_snapshot = $2, updated_at = now() WHERE id = $1`, e.OrderID, b)
	}

	br := s.db.SendBatch(ctx, batch)
	defer br.Close()
	for range entries {
		if _, err := br.Exec(); err != nil {
			return errors.Wrap(err, "update stock snapshot")
		}
	}
	return nil
}
