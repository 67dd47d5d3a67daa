package pgsync

import (
	"context"

	"github.com/pkg/errors"
)

func (s *Storage) initSchema(ctx context.Context) error {
	stmts := []string{
		`
CREATE TABLE IF NOT EXISTS provider_settings (
  id SMALLINT PRIMARY KEY CHECK (id = 1),
  ups_client_id TEXT NOT NULL DEFAULT '',
  ups_client_secret TEXT NOT NULL DEFAULT '',
  usps_user_id TEXT NOT NULL DEFAULT '',
  fedex_client_id TEXT NOT NULL DEFAULT '',
  fedex_client_secret TEXT NOT NULL DEFAULT '',
  refresh_minutes INT NOT NULL DEFAULT 0,
  stock_refresh_minutes INT NOT NULL DEFAULT 0,
  updated_at TIMESTAMPTZ NOT NULL
)`,
		`
CREATE TABLE IF NOT EXISTS tracking_cache (
  id BIGSERIAL PRIMARY KEY,
  carrier TEXT NOT NULL,
  tracking_number TEXT NOT NULL,
  status TEXT NOT NULL DEFAULT '',
  summary TEXT NOT NULL DEFAULT '',
  delivered BOOLEAN NOT NULL DEFAULT FALSE,
  last_event_time TIMESTAMPTZ NULL,
  eta TIMESTAMPTZ NULL,
  last_checked_at TIMESTAMPTZ NULL,
  next_check_after TIMESTAMPTZ NULL,
  tracking_url TEXT NOT NULL DEFAULT '',
  raw TEXT NOT NULL DEFAULT '',
  last_error TEXT NOT NULL DEFAULT '',
  created_at TIMESTAMPTZ NOT NULL,
  updated_at TIMESTAMPTZ NOT NULL,
  UNIQUE (carrier, tracking_number)
)`,
		// Partial index: terminal rows never show up in the due set.
		`CREATE INDEX IF NOT EXISTS idx_tracking_cache_next_check_after ON tracking_cache(next_check_after) WHERE next_check_after IS NOT NULL`,
		// orders/order_groups belong to the host application; created here so a bare database works.
		`
CREATE TABLE IF NOT EXISTS order_groups (
  id TEXT PRIMARY KEY,
  tracking JSONB NOT NULL DEFAULT '[]'
)`,
		`
CREATE TABLE IF NOT EXISTS orders (
  id TEXT PRIMARY KEY,
  status TEXT NOT NULL DEFAULT '',
  vendor TEXT NOT NULL DEFAULT '',
  vendor_part_number TEXT NOT NULL DEFAULT '',
  group_id TEXT NULL,
  tracking JSONB NOT NULL DEFAULT '[]',
  stock_snapshot JSONB NULL,
  updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
)`,
		`CREATE INDEX IF NOT EXISTS idx_orders_status ON orders(status)`,
		`
CREATE TABLE IF NOT EXISTS stock_history (
  id BIGSERIAL PRIMARY KEY,
  order_id TEXT NOT NULL,
  sku TEXT NOT NULL,
  status TEXT NOT NULL,
  label TEXT NOT NULL,
  in_stock_qty INT NULL,
  variant_id TEXT NOT NULL DEFAULT '',
  status_source TEXT NOT NULL DEFAULT '',
  quantity_source TEXT NOT NULL DEFAULT '',
  checked_at TIMESTAMPTZ NOT NULL,
  error TEXT NOT NULL DEFAULT '',
  created_at TIMESTAMPTZ NOT NULL,
  UNIQUE (order_id, checked_at)
)`,
	}

	for _, q := range stmts {
		if _, err := s.db.Exec(ctx, q); err != nil {
			return errors.Wrap(err, "init schema")
		}
	}
	return nil
}
