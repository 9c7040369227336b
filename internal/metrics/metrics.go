// Package metrics registers the Prometheus collectors shared by the API
// server and the worker.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Ingests counts single-card ingests by container format and outcome.
	Ingests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cardvault_ingests_total",
			Help: "Card ingests by format and outcome.",
		},
		[]string{"format", "outcome"},
	)

	CollectionItems = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cardvault_collection_items_total",
			Help: "Package items processed during collection expansion.",
		},
		[]string{"outcome"},
	)

	UploadSessions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cardvault_upload_sessions_total",
			Help: "Upload session transitions by outcome.",
		},
		[]string{"outcome"},
	)

	MediaResolutions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cardvault_media_resolutions_total",
			Help: "Deferred media resolution runs by outcome.",
		},
		[]string{"outcome"},
	)

	ListCacheLookups = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cardvault_list_cache_lookups_total",
			Help: "Listing cache lookups by result.",
		},
		[]string{"result"},
	)

	ListCacheInvalidations = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cardvault_list_cache_invalidations_total",
			Help: "Listing cache prefix invalidations by prefix.",
		},
		[]string{"prefix"},
	)

	HTTPRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cardvault_http_requests_total",
			Help: "HTTP requests by method, route and status.",
		},
		[]string{"method", "route", "status"},
	)

	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "cardvault_http_request_duration_seconds",
			Help:    "HTTP request latency by method and route.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "route"},
	)
)

// Outcome labels.
const (
	OutcomeSuccess = "success"
	OutcomeFailure = "failure"
	OutcomeNoop    = "noop"
	OutcomeTimeout = "timeout"
)
