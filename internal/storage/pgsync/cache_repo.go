package pgsync

import (
	"context"
	"strings"
	"time"

	"github.com/BearBump/PartSync/internal/models"
	"github.com/jackc/pgx/v5"
	"github.com/pkg/errors"
)

const cacheColumns = `
  carrier, tracking_number, status, summary, delivered,
  last_event_time, eta, last_checked_at, next_check_after,
  tracking_url, raw, last_error`

func scanSnapshot(row pgx.Row) (*models.TrackingSnapshot, error) {
	var s models.TrackingSnapshot
	if err := row.Scan(
		&s.Carrier, &s.TrackingNumber, &s.Status, &s.Summary, &s.Delivered,
		&s.LastEventTime, &s.ETA, &s.LastCheckedAt, &s.NextCheckAfter,
		&s.TrackingURL, &s.Raw, &s.LastError,
	); err != nil {
		return nil, err
	}
	return &s, nil
}

func collectSnapshots(rows pgx.Rows) ([]*models.TrackingSnapshot, error) {
	defer rows.Close()
	var out []*models.TrackingSnapshot
	for rows.Next() {
		s, err := scanSnapshot(rows)
		if err != nil {
			return nil, errors.Wrap(err, "scan cache")
		}
		out = append(out, s)
	}
	if rows.Err() != nil {
		return nil, errors.Wrap(rows.Err(), "rows")
	}
	return out, nil
}

// GetCacheFor returns the cached snapshots of refs keyed by the canonical tracking key.
func (s *Storage) GetCacheFor(ctx context.Context, refs []models.TrackingReference) (map[string]*models.TrackingSnapshot, error) {
	out := make(map[string]*models.TrackingSnapshot, len(refs))
	if len(refs) == 0 {
		return out, nil
	}
	carriers, numbers := refColumns(refs)

	rows, err := s.db.Query(ctx, `
SELECT`+cacheColumns+`
FROM tracking_cache
WHERE (carrier, tracking_number) IN (SELECT * FROM unnest($1::text[], $2::text[]))
`, carriers, numbers)
	if err != nil {
		return nil, errors.Wrap(err, "select cache")
	}
	snaps, err := collectSnapshots(rows)
	if err != nil {
		return nil, err
	}
	for _, sn := range snaps {
		out[sn.Key()] = sn
	}
	return out, nil
}

// DueForRefresh returns up to limit rows of refs whose next check is due, oldest first.
// Terminal rows (next_check_after NULL) and rows outside refs are never returned.
func (s *Storage) DueForRefresh(ctx context.Context, now time.Time, refs []models.TrackingReference, limit int) ([]*models.TrackingSnapshot, error) {
	if len(refs) == 0 {
		return nil, nil
	}
	if limit <= 0 {
		limit = 50
	}
	carriers, numbers := refColumns(refs)
	rows, err := s.db.Query(ctx, `
SELECT`+cacheColumns+`
FROM tracking_cache
WHERE next_check_after IS NOT NULL AND next_check_after <= $1
  AND (carrier, tracking_number) IN (SELECT * FROM unnest($2::text[], $3::text[]))
ORDER BY next_check_after ASC, id ASC
LIMIT $4
`, now.UTC(), carriers, numbers, limit)
	if err != nil {
		return nil, errors.Wrap(err, "select due cache")
	}
	return collectSnapshots(rows)
}

func refColumns(refs []models.TrackingReference) (carriers, numbers []string) {
	carriers = make([]string, 0, len(refs))
	numbers = make([]string, 0, len(refs))
	for _, r := range refs {
		carriers = append(carriers, strings.ToLower(strings.TrimSpace(r.Carrier)))
		numbers = append(numbers, strings.TrimSpace(r.TrackingNumber))
	}
	return carriers, numbers
}

// UpsertCache creates the row if needed and changes only the fields the patch sets.
func (s *Storage) UpsertCache(ctx context.Context, p models.TrackingCachePatch) error {
	if p.TrackingNumber == "" {
		return errors.New("upsert cache: empty tracking number")
	}
	carrier := strings.ToLower(strings.TrimSpace(p.Carrier))
	if carrier == "" {
		carrier = string(models.CarrierUnknown)
	}

	_, err := s.db.Exec(ctx, `
INSERT INTO tracking_cache (`+cacheColumns+`, created_at, updated_at)
VALUES (
  $1, $2, COALESCE($3::text, ''), COALESCE($4::text, ''), COALESCE($5::boolean, FALSE),
  $6::timestamptz, $7::timestamptz, $8::timestamptz, $9::timestamptz,
  COALESCE($10::text, ''), COALESCE($11::text, ''), COALESCE($12::text, ''), now(), now()
)
ON CONFLICT (carrier, tracking_number) DO UPDATE SET
  status = COALESCE($3::text, tracking_cache.status),
  summary = COALESCE($4::text, tracking_cache.summary),
  delivered = COALESCE($5::boolean, tracking_cache.delivered),
  last_event_time = CASE WHEN $13::boolean THEN $6::timestamptz ELSE tracking_cache.last_event_time END,
  eta = CASE WHEN $14::boolean THEN $7::timestamptz ELSE tracking_cache.eta END,
  last_checked_at = CASE WHEN $15::boolean THEN $8::timestamptz ELSE tracking_cache.last_checked_at END,
  next_check_after = CASE WHEN $16::boolean THEN $9::timestamptz ELSE tracking_cache.next_check_after END,
  tracking_url = COALESCE($10::text, tracking_cache.tracking_url),
  raw = COALESCE($11::text, tracking_cache.raw),
  last_error = COALESCE($12::text, tracking_cache.last_error),
  updated_at = now()
`,
		carrier, p.TrackingNumber, p.Status, p.Summary, p.Delivered,
		p.LastEventTime.Value, p.ETA.Value, p.LastCheckedAt.Value, p.NextCheckAfter.Value,
		p.TrackingURL, p.Raw, p.LastError,
		p.LastEventTime.Set, p.ETA.Set, p.LastCheckedAt.Set, p.NextCheckAfter.Set,
	)
	if err != nil {
		return errors.Wrap(err, "upsert cache")
	}
	return nil
}
