package observability

import "time"

// MetricsRegistry provides an interface for recording application metrics
// This replaces direct access to global Prometheus metrics with dependency injection
type MetricsRegistry interface {
	// HTTP Request metrics
	IncrementRequests(endpoint, method, status string)
	RecordRequestLatency(endpoint, method string, duration time.Duration)

	// Waterfall metrics
	IncrementAttempts(network, adType, outcome string)
	RecordAttemptLatency(network, adType string, duration time.Duration)
	IncrementFills(adType, network string)
	IncrementNoFills(adType string)

	// Presentation metrics
	IncrementShows(adType, result string)
	SetCacheReady(adType string, ready bool)

	// Event tracking metrics
	IncrementEvent(kind string)

	// Rate limiting metrics
	IncrementRateLimitRequests(network string)
	IncrementRateLimitHits(network string)

	// Analytics metrics
	IncrementAnalyticsErrors()
}

// PrometheusRegistry implements MetricsRegistry using the existing global Prometheus metrics
type PrometheusRegistry struct{}

// NewPrometheusRegistry creates a new PrometheusRegistry
func NewPrometheusRegistry() *PrometheusRegistry {
	return &PrometheusRegistry{}
}

// HTTP Request metrics
func (r *PrometheusRegistry) IncrementRequests(endpoint, method, status string) {
	RequestCount.WithLabelValues(endpoint, method, status).Inc()
}

func (r *PrometheusRegistry) RecordRequestLatency(endpoint, method string, duration time.Duration) {
	RequestLatency.WithLabelValues(endpoint, method).Observe(duration.Seconds())
}

// Waterfall metrics
func (r *PrometheusRegistry) IncrementAttempts(network, adType, outcome string) {
	WaterfallAttempts.WithLabelValues(network, adType, outcome).Inc()
}

func (r *PrometheusRegistry) RecordAttemptLatency(network, adType string, duration time.Duration) {
	AttemptLatency.WithLabelValues(network, adType).Observe(duration.Seconds())
}

func (r *PrometheusRegistry) IncrementFills(adType, network string) {
	FillCount.WithLabelValues(adType, network).Inc()
}

func (r *PrometheusRegistry) IncrementNoFills(adType string) {
	NoFillCount.WithLabelValues(adType).Inc()
}

// Presentation metrics
func (r *PrometheusRegistry) IncrementShows(adType, result string) {
	ShowCount.WithLabelValues(adType, result).Inc()
}

func (r *PrometheusRegistry) SetCacheReady(adType string, ready bool) {
	v := 0.0
	if ready {
		v = 1
	}
	CacheReady.WithLabelValues(adType).Set(v)
}

// Event tracking metrics
func (r *PrometheusRegistry) IncrementEvent(kind string) {
	EventCount.WithLabelValues(kind).Inc()
}

// Rate limiting metrics
func (r *PrometheusRegistry) IncrementRateLimitRequests(network string) {
	RateLimitRequests.WithLabelValues(network).Inc()
}

func (r *PrometheusRegistry) IncrementRateLimitHits(network string) {
	RateLimitHits.WithLabelValues(network).Inc()
}

// Analytics metrics
func (r *PrometheusRegistry) IncrementAnalyticsErrors() {
	AnalyticsErrors.Inc()
}

// NoOpRegistry implements MetricsRegistry with no-op methods for testing
type NoOpRegistry struct{}

// NewNoOpRegistry creates a new NoOpRegistry
func NewNoOpRegistry() *NoOpRegistry {
	return &NoOpRegistry{}
}

// HTTP Request metrics
func (r *NoOpRegistry) IncrementRequests(endpoint, method, status string)                    {}
func (r *NoOpRegistry) RecordRequestLatency(endpoint, method string, duration time.Duration) {}

// Waterfall metrics
func (r *NoOpRegistry) IncrementAttempts(network, adType, outcome string)                   {}
func (r *NoOpRegistry) RecordAttemptLatency(network, adType string, duration time.Duration) {}
func (r *NoOpRegistry) IncrementFills(adType, network string)                               {}
func (r *NoOpRegistry) IncrementNoFills(adType string)                                      {}

// Presentation metrics
func (r *NoOpRegistry) IncrementShows(adType, result string)   {}
func (r *NoOpRegistry) SetCacheReady(adType string, ready bool) {}

// Event tracking metrics
func (r *NoOpRegistry) IncrementEvent(kind string) {}

// Rate limiting metrics
func (r *NoOpRegistry) IncrementRateLimitRequests(network string) {}
func (r *NoOpRegistry) IncrementRateLimitHits(network string)     {}

// Analytics metrics
func (r *NoOpRegistry) IncrementAnalyticsErrors() {}
