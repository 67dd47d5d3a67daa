// Package metrics provides Prometheus metrics for the sync worker.
package metrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	DomainTracking = "tracking"
	DomainStock    = "stock"
)

var (
	// CycleTotal tracks completed sync cycles per domain
	CycleTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "partsync",
			Name:      "cycle_total",
			Help:      "Total number of completed sync cycles",
		},
		[]string{"domain", "forced"},
	)

	// CycleDuration tracks cycle duration in seconds
	CycleDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "partsync",
			Name:      "cycle_duration_seconds",
			Help:      "Duration of sync cycles in seconds",
			Buckets:   []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60, 120, 300},
		},
		[]string{"domain"},
	)

	// CycleSkipped counts ticks that found a cycle already running
	CycleSkipped = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "partsync",
			Name:      "cycle_skipped_total",
			Help:      "Total number of ticks skipped because a cycle was in flight",
		},
		[]string{"domain"},
	)

	ProviderErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "partsync",
			Name:      "provider_errors_total",
			Help:      "Total number of failed provider calls by error class",
		},
		[]string{"provider", "kind"},
	)

	HistoryRows = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "partsync",
			Name:      "history_rows_total",
			Help:      "Total number of stock history rows written",
		},
	)
)

// RecordCycle records a finished cycle
func RecordCycle(domain string, forced bool, d time.Duration) {
	CycleTotal.WithLabelValues(domain, strconv.FormatBool(forced)).Inc()
	CycleDuration.WithLabelValues(domain).Observe(d.Seconds())
}

func RecordSkipped(domain string) {
	CycleSkipped.WithLabelValues(domain).Inc()
}

func RecordProviderError(provider, kind string) {
	ProviderErrors.WithLabelValues(provider, kind).Inc()
}

func RecordHistoryRows(n int) {
	if n > 0 {
		HistoryRows.Add(float64(n))
	}
}
