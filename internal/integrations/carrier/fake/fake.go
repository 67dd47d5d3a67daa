package fake

import (
	"context"
	"hash/fnv"
	"time"

	"github.com/BearBump/PartSync/internal/models"
)

// Client: заглушка перевозчика для локального запуска без ключей (sync.fake_carriers).
// Статус детерминирован по (carrier, track_number): часть треков становится Delivered.
type Client struct {
	carrier models.Carrier
	now     func() time.Time
}

func New(c models.Carrier) *Client { return &Client{carrier: c, now: time.Now} }

func (f *Client) WithClock(now func() time.Time) *Client {
	f.now = now
	return f
}

func (f *Client) GetTracking(ctx context.Context, _ models.ProviderSettings, trackNumber string) (models.TrackingResult, error) {
	now := f.now().UTC()

	h := fnv.New32a()
	_, _ = h.Write([]byte(f.carrier))
	_, _ = h.Write([]byte("|"))
	_, _ = h.Write([]byte(trackNumber))
	v := h.Sum32()

	// 20% треков считаем доставленными
	res := models.TrackingResult{
		Status:        "In Transit",
		LastEventTime: &now,
		TrackingURL:   models.BuildTrackingURL(string(f.carrier), trackNumber),
	}
	if v%5 == 0 {
		res.Status = "Delivered"
		res.Delivered = true
	} else {
		eta := now.Add(time.Duration(1+v%4) * 24 * time.Hour).Truncate(24 * time.Hour)
		res.ETA = &eta
	}
	res.Summary = res.Status
	return res, nil
}
