// Package metrics holds the relay's Prometheus collectors.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Source poller
	FetchTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "relaybot_fetch_total",
			Help: "Source fetches by result",
		},
		[]string{"result"}, // "ok", "empty", "error"
	)

	FetchDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "relaybot_fetch_duration_seconds",
			Help:    "Source fetch duration",
			Buckets: []float64{.05, .1, .25, .5, 1, 2.5, 5, 10, 30},
		},
	)

	// Latest-message cache
	CacheUpdates = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "relaybot_cache_updates_total",
			Help: "Snapshots stored in the latest-message cache",
		},
	)

	CacheLastUpdate = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "relaybot_cache_last_update_timestamp_seconds",
			Help: "Unix time of the last cache update",
		},
	)

	// Destinations
	SendTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "relaybot_send_total",
			Help: "Destination ticks by result",
		},
		[]string{"destination", "result"}, // "ok", "error", "skipped"
	)

	SendDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "relaybot_send_duration_seconds",
			Help:    "Destination send duration",
			Buckets: []float64{.05, .1, .25, .5, 1, 2.5, 5, 10, 30},
		},
		[]string{"destination"},
	)

	DestinationsRunning = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "relaybot_destinations_running",
			Help: "Destination timers currently running",
		},
	)

	// Delivery journal
	JournalErrors = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "relaybot_journal_errors_total",
			Help: "Delivery records that failed to persist",
		},
	)
)
