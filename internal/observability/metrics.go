package observability

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	// total requests per endpoint, method and status code
	RequestCount = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mediation_requests_total",
			Help: "Total API requests received",
		},
		[]string{"endpoint", "method", "status"},
	)

	// request latency in seconds per endpoint/method
	RequestLatency = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "mediation_request_duration_seconds",
			Help:    "Histogram of request latencies",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"endpoint", "method"},
	)

	// waterfall attempts by network, ad type and outcome
	WaterfallAttempts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mediation_waterfall_attempts_total",
			Help: "Total waterfall attempts per network",
		},
		[]string{"network", "ad_type", "outcome"},
	)

	// latency of network loads
	AttemptLatency = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "mediation_attempt_duration_seconds",
			Help:    "Duration of network load attempts",
			Buckets: []float64{0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2, 5},
		},
		[]string{"network", "ad_type"},
	)

	// filled waterfalls per ad type
	FillCount = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mediation_fills_total",
			Help: "Total waterfall runs that produced an ad",
		},
		[]string{"ad_type", "network"},
	)

	// exhausted waterfalls per ad type
	NoFillCount = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mediation_nofill_total",
			Help: "Total waterfall runs that ended without an ad",
		},
		[]string{"ad_type"},
	)

	// shows by ad type and result
	ShowCount = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mediation_shows_total",
			Help: "Total show calls",
		},
		[]string{"ad_type", "result"},
	)

	// 1 when an ad of the type is cached and ready
	CacheReady = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "mediation_cache_ready",
			Help: "Whether an ad is cached and ready per ad type",
		},
		[]string{"ad_type"},
	)

	// number of events delivered, labelled by kind
	EventCount = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mediation_events_total",
			Help: "Total lifecycle events dispatched",
		},
		[]string{"kind"},
	)

	// rate limit hits per network
	RateLimitHits = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mediation_ratelimit_hits_total",
			Help: "Total rate limit hits per network",
		},
		[]string{"network"},
	)

	// rate limit requests per network
	RateLimitRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mediation_ratelimit_requests_total",
			Help: "Total rate limit requests per network",
		},
		[]string{"network"},
	)

	// analytics writes that failed
	AnalyticsErrors = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "mediation_analytics_errors_total",
			Help: "Total analytics write errors",
		},
	)
)

func init() {
	// register all metrics
	prometheus.MustRegister(
		RequestCount,
		RequestLatency,
		WaterfallAttempts,
		AttemptLatency,
		FillCount,
		NoFillCount,
		ShowCount,
		CacheReady,
		EventCount,
		RateLimitHits,
		RateLimitRequests,
		AnalyticsErrors,
	)
}
