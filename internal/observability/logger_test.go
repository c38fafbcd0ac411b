package observability

import (
	"testing"

	"go.uber.org/zap"
)

func TestSetDebugTogglesLevel(t *testing.T) {
	logger, err := InitLoggerWithLevel(zap.WarnLevel, "test")
	if err != nil {
		t.Fatalf("init logger: %v", err)
	}
	defer func() { _ = logger.Sync() }()

	if logger.Core().Enabled(zap.InfoLevel) {
		t.Fatalf("info should be disabled at warn level")
	}
	SetDebug(true)
	if !DebugEnabled() || !logger.Core().Enabled(zap.DebugLevel) {
		t.Fatalf("debug should be enabled after SetDebug(true)")
	}
	SetDebug(false)
	if DebugEnabled() {
		t.Fatalf("debug should be disabled after SetDebug(false)")
	}
	if logger.Core().Enabled(zap.InfoLevel) {
		t.Errorf("SetDebug(false) should restore warn level")
	}
}

func TestShouldSampleBounds(t *testing.T) {
	ResetSamplingStats()
	if !ShouldSample(1.0) {
		t.Errorf("rate 1.0 must always sample")
	}
	if ShouldSample(0) {
		t.Errorf("rate 0 must never sample")
	}
	for i := 0; i < 100; i++ {
		ShouldSample(0.5)
	}
	stats := GetSamplingStats()[0.5]
	if stats.Total != 100 {
		t.Errorf("expected 100 tracked samples, got %d", stats.Total)
	}
}

func TestMockMetricsRegistryCounts(t *testing.T) {
	m := NewMockMetricsRegistry()
	m.IncrementAttempts("yandex", "banner", "fill")
	m.IncrementAttempts("yandex", "banner", "fill")
	m.SetCacheReady("banner", true)

	if got := m.Count("attempts", "yandex", "banner", "fill"); got != 2 {
		t.Errorf("expected 2 attempts, got %d", got)
	}
	if !m.Ready("banner") {
		t.Errorf("expected banner ready")
	}
}
