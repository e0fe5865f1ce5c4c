// -------------------------------------------------------------------------------
// Metrics - Prometheus Instrumentation
//
// Project: Munchbox / Author: Alex Freidah
//
// Prometheus metric definitions for the tile proxy. Tracks tile request counts,
// latencies, fallbacks, provider fetch outcomes, download session progress, and
// store sizes. All metrics are prefixed with 'tileproxy_' for easy
// identification in dashboards and alerting rules.
// -------------------------------------------------------------------------------

package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// -------------------------------------------------------------------------
// METRIC DEFINITIONS
// -------------------------------------------------------------------------

var (
	// --- Request metrics ---

	// RequestsTotal counts all HTTP requests by method and status code.
	RequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tileproxy_requests_total",
			Help: "Total number of HTTP requests processed",
		},
		[]string{"method", "status_code"},
	)

	// RequestDuration tracks request latency distribution by method.
	RequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "tileproxy_request_duration_seconds",
			Help:    "HTTP request latency in seconds",
			Buckets: []float64{.001, .0025, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5},
		},
		[]string{"method"},
	)

	// InflightRequests tracks currently processing requests.
	InflightRequests = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "tileproxy_inflight_requests",
			Help: "Number of requests currently being processed",
		},
		[]string{"method"},
	)

	// --- Tile serving metrics ---

	// TilesServedTotal counts tile lookups by layer and result. Result is
	// "hit", "fallback" (served by a non-primary source), or "miss"
	// (placeholder returned).
	TilesServedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tileproxy_tiles_served_total",
			Help: "Total tile lookups by layer and result",
		},
		[]string{"layer", "result"},
	)

	// TileBytesServed tracks served tile sizes per layer.
	TileBytesServed = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "tileproxy_tile_bytes_served",
			Help:    "Served tile size in bytes",
			Buckets: prometheus.ExponentialBuckets(256, 4, 8), // 256B to 4MB
		},
		[]string{"layer"},
	)

	// SourcesDegraded exposes the degraded flag per source (1 = degraded).
	SourcesDegraded = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "tileproxy_source_degraded",
			Help: "Whether a tile source is currently degraded (skipped)",
		},
		[]string{"source"},
	)

	// --- Store metrics ---

	// StoreRequestsTotal counts store operations by operation type and status.
	StoreRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tileproxy_store_requests_total",
			Help: "Total number of tile store operations",
		},
		[]string{"operation", "store", "status"},
	)

	// StoreDuration tracks store operation latency.
	StoreDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "tileproxy_store_duration_seconds",
			Help:    "Tile store operation latency in seconds",
			Buckets: []float64{.0001, .00025, .0005, .001, .0025, .005, .01, .025, .05, .1, .5, 1},
		},
		[]string{"operation", "store"},
	)

	// StoreTiles tracks the number of tiles per store.
	StoreTiles = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "tileproxy_store_tiles",
			Help: "Number of tiles stored in each store file",
		},
		[]string{"store"},
	)

	// StoreBytes tracks total tile bytes per store.
	StoreBytes = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "tileproxy_store_bytes",
			Help: "Total tile bytes stored in each store file",
		},
		[]string{"store"},
	)

	// --- Provider fetch metrics ---

	// FetchesTotal counts provider fetches by source and outcome. Outcome is
	// "success", "retryable", or "terminal".
	FetchesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tileproxy_fetches_total",
			Help: "Total provider tile fetches by outcome",
		},
		[]string{"source", "outcome"},
	)

	// FetchDuration tracks provider fetch latency.
	FetchDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "tileproxy_fetch_duration_seconds",
			Help:    "Provider fetch latency in seconds",
			Buckets: []float64{.05, .1, .25, .5, 1, 2.5, 5, 10, 15, 30},
		},
		[]string{"source"},
	)

	// FetchRetriesTotal counts retry attempts after retryable failures.
	FetchRetriesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tileproxy_fetch_retries_total",
			Help: "Total fetch retry attempts",
		},
		[]string{"source"},
	)

	// RateLimitWait tracks time workers spend blocked on the provider token
	// bucket.
	RateLimitWait = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "tileproxy_ratelimit_wait_seconds",
			Help:    "Time spent waiting for a provider rate limit token",
			Buckets: []float64{.001, .01, .05, .1, .25, .5, 1, 2.5, 5, 10},
		},
	)

	// RateLimitThrottledTotal counts 429-triggered cooldowns of the shared
	// limiter.
	RateLimitThrottledTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "tileproxy_ratelimit_throttled_total",
			Help: "Times the shared limiter was throttled after provider 429s",
		},
	)

	// --- Download session metrics ---

	// SessionsActive tracks currently running download sessions.
	SessionsActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "tileproxy_sessions_active",
			Help: "Number of download sessions currently running",
		},
	)

	// SessionTilesTotal counts per-tile outcomes across sessions. Result is
	// "succeeded", "failed", or "skipped".
	SessionTilesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tileproxy_session_tiles_total",
			Help: "Per-tile download outcomes across all sessions",
		},
		[]string{"layer", "result"},
	)

	// CheckpointsTotal counts persisted session checkpoints.
	CheckpointsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tileproxy_checkpoints_total",
			Help: "Total session checkpoints written",
		},
		[]string{"status"},
	)

	// --- Info metric ---

	// BuildInfo exposes version information.
	BuildInfo = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "tileproxy_build_info",
			Help: "Build information for the tile proxy",
		},
		[]string{"version", "go_version"},
	)
)
