package carrier

import (
	"context"
	"io"
	"net/http"
	"regexp"
	"strings"
	"time"

	"github.com/BearBump/PartSync/internal/models"
	"github.com/BearBump/PartSync/internal/syncerr"
)

// Client is one carrier's tracking adapter. Credentials come from the
// settings reloaded at the start of each cycle.
type Client interface {
	GetTracking(ctx context.Context, creds models.ProviderSettings, trackNumber string) (models.TrackingResult, error)
}

var deliveredPattern = regexp.MustCompile(`(?i)\bdelivered\b`)

func IsDelivered(status string) bool {
	return deliveredPattern.MatchString(status)
}

// FirstTime returns the first non-nil candidate.
func FirstTime(candidates ...*time.Time) *time.Time {
	for _, c := range candidates {
		if c != nil {
			return c
		}
	}
	return nil
}

var timeLayouts = []string{
	time.RFC3339,
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
	"2006-01-02",
	"20060102150405",
	"20060102",
	"January 2, 2006 3:04 pm",
	"January 2, 2006",
}

// ParseTime accepts the timestamp shapes carriers actually send; nil when nothing matches.
func ParseTime(v string) *time.Time {
	v = strings.TrimSpace(v)
	if v == "" {
		return nil
	}
	for _, layout := range timeLayouts {
		if t, err := time.Parse(layout, v); err == nil {
			t = t.UTC()
			return &t
		}
	}
	return nil
}

// ReadError drains a failed response into a classified error.
func ReadError(resp *http.Response, provider, op string) error {
	b, _ := io.ReadAll(io.LimitReader(resp.Body, 200))
	return syncerr.HTTPStatus(provider, op, resp.StatusCode, string(b))
}

func NewHTTPClient() *http.Client {
	return &http.Client{Timeout: 15 * time.Second}
}
