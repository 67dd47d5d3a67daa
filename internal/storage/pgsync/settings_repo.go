package pgsync

import (
	"context"
	"time"

	"github.com/BearBump/PartSync/internal/models"
	"github.com/jackc/pgx/v5"
	"github.com/pkg/errors"
)

type queryRower interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

func getSettings(ctx context.Context, q queryRower, forUpdate bool) (models.ProviderSettings, error) {
	sql := `
SELECT ups_client_id, ups_client_secret, usps_user_id, fedex_client_id, fedex_client_secret,
       refresh_minutes, stock_refresh_minutes, updated_at
FROM provider_settings
WHERE id = 1`
	if forUpdate {
		sql += ` FOR UPDATE`
	}

	var st models.ProviderSettings
	var updatedAt time.Time
	err := q.QueryRow(ctx, sql).Scan(
		&st.UPSClientID, &st.UPSClientSecret, &st.USPSUserID, &st.FedExClientID, &st.FedExClientSecret,
		&st.RefreshMinutes, &st.StockRefreshMinutes, &updatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.ProviderSettings{}, nil
	}
	if err != nil {
		return models.ProviderSettings{}, errors.Wrap(err, "select settings")
	}
	st.UpdatedAt = &updatedAt
	return st, nil
}

// GetSettings returns zero settings when nothing was saved yet.
func (s *Storage) GetSettings(ctx context.Context) (models.ProviderSettings, error) {
	return getSettings(ctx, s.db, false)
}

func (s *Storage) SaveSettings(ctx context.Context, patch models.SettingsPatch) (models.ProviderSettings, error) {
	tx, err := s.db.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return models.ProviderSettings{}, errors.Wrap(err, "begin tx")
	}
	defer func() { _ = tx.Rollback(ctx) }()

	cur, err := getSettings(ctx, tx, true)
	if err != nil {
		return models.ProviderSettings{}, err
	}
	next := patch.Apply(cur)
	now := time.Now().UTC()
	next.UpdatedAt = &now

	_, err = tx.Exec(ctx, `
INSERT INTO provider_settings (
  id, ups_client_id, ups_client_secret, usps_user_id, fedex_client_id, fedex_client_secret,
  refresh_minutes, stock_refresh_minutes, updated_at
)
VALUES (1,$1,$2,$3,$4,$5,$6,$7,$8)
ON CONFLICT (id) DO UPDATE SET
  ups_client_id = EXCLUDED.ups_client_id,
  ups_client_secret = EXCLUDED.ups_client_secret,
  usps_user_id = EXCLUDED.usps_user_id,
  fedex_client_id = EXCLUDED.fedex_client_id,
  fedex_client_secret = EXCLUDED.fedex_client_secret,
  refresh_minutes = EXCLUDED.refresh_minutes,
  stock_refresh_minutes = EXCLUDED.stock_refresh_minutes,
  updated_at = EXCLUDED.updated_at
`, next.UPSClientID, next.UPSClientSecret, next.USPSUserID, next.FedExClientID, next.FedExClientSecret,
		next.RefreshMinutes, next.StockRefreshMinutes, now)
	if err != nil {
		return models.ProviderSettings{}, errors.Wrap(err, "upsert settings")
	}

	if err := tx.Commit(ctx); err != nil {
		return models.ProviderSettings{}, errors.Wrap(err, "commit tx")
	}
	return next, nil
}
