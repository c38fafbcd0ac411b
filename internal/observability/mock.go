package observability

import (
	"strings"
	"sync"
	"time"
)

// MockMetricsRegistry is a mock implementation of MetricsRegistry for testing.
// It counts calls keyed by metric name and labels, e.g.
// "attempts:yandex|banner|fill".
type MockMetricsRegistry struct {
	mu     sync.Mutex
	counts map[string]int
	ready  map[string]bool
}

// NewMockMetricsRegistry creates an empty mock.
func NewMockMetricsRegistry() *MockMetricsRegistry {
	return &MockMetricsRegistry{counts: make(map[string]int), ready: make(map[string]bool)}
}

func (m *MockMetricsRegistry) inc(name string, labels ...string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.counts == nil {
		m.counts = make(map[string]int)
	}
	m.counts[name+":"+strings.Join(labels, "|")]++
}

// Count returns how often the metric was recorded with exactly these labels.
func (m *MockMetricsRegistry) Count(name string, labels ...string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.counts[name+":"+strings.Join(labels, "|")]
}

// Ready returns the last cache readiness recorded for an ad type.
func (m *MockMetricsRegistry) Ready(adType string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.ready[adType]
}

// HTTP Request metrics
func (m *MockMetricsRegistry) IncrementRequests(endpoint, method, status string) {
	m.inc("requests", endpoint, method, status)
}
func (m *MockMetricsRegistry) RecordRequestLatency(endpoint, method string, duration time.Duration) {}

// Waterfall metrics
func (m *MockMetricsRegistry) IncrementAttempts(network, adType, outcome string) {
	m.inc("attempts", network, adType, outcome)
}
func (m *MockMetricsRegistry) RecordAttemptLatency(network, adType string, duration time.Duration) {}
func (m *MockMetricsRegistry) IncrementFills(adType, network string)                               { m.inc("fills", adType, network) }
func (m *MockMetricsRegistry) IncrementNoFills(adType string)                                      { m.inc("nofills", adType) }

// Presentation metrics
func (m *MockMetricsRegistry) IncrementShows(adType, result string) { m.inc("shows", adType, result) }
func (m *MockMetricsRegistry) SetCacheReady(adType string, ready bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.ready == nil {
		m.ready = make(map[string]bool)
	}
	m.ready[adType] = ready
}

// Event tracking metrics
func (m *MockMetricsRegistry) IncrementEvent(kind string) { m.inc("events", kind) }

// Rate limiting metrics
func (m *MockMetricsRegistry) IncrementRateLimitRequests(network string) {
	m.inc("ratelimit_requests", network)
}
func (m *MockMetricsRegistry) IncrementRateLimitHits(network string) { m.inc("ratelimit_hits", network) }

// Analytics metrics
func (m *MockMetricsRegistry) IncrementAnalyticsErrors() { m.inc("analytics_errors") }
