// Package metrics defines the Prometheus collectors shared across the
// service.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// HTTPRequestsTotal counts requests by method, route and status.
	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gigapix_http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "route", "status"},
	)

	// HTTPRequestDuration observes request latency by method and route.
	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "gigapix_http_request_duration_seconds",
			Help:    "HTTP request latency",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "route"},
	)

	// HTTPRequestsInFlight tracks concurrently served requests.
	HTTPRequestsInFlight = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "gigapix_http_requests_in_flight",
			Help: "Number of HTTP requests currently being served",
		},
	)

	// TilesServed counts on-demand tile responses by outcome
	// (hit, generated, broken).
	TilesServed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gigapix_tiles_served_total",
			Help: "Tile responses by outcome",
		},
		[]string{"outcome"},
	)

	// ThumbnailsServed counts thumbnail responses by outcome.
	ThumbnailsServed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gigapix_thumbnails_served_total",
			Help: "Thumbnail responses by outcome",
		},
		[]string{"outcome"},
	)

	// GiveUps counts bounded waits that ran out of budget, by stage.
	GiveUps = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gigapix_giveups_total",
			Help: "Bounded waits that exceeded their budget",
		},
		[]string{"stage"},
	)

	// CacheOutcomes counts cache lookups by cache name and hit/miss.
	CacheOutcomes = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gigapix_cache_lookups_total",
			Help: "Cache lookups by cache and outcome",
		},
		[]string{"cache", "outcome"},
	)

	// OffloadJobs counts enqueued cold-storage upload jobs by kind.
	OffloadJobs = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gigapix_offload_jobs_total",
			Help: "Cold-storage upload jobs enqueued",
		},
		[]string{"kind"},
	)
)
