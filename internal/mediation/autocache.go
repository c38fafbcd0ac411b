package mediation

import (
	"time"

	"go.uber.org/zap"

	"github.com/patrickwarner/openmediation/internal/models"
)

// scheduleLocked arranges a background load of t after delay. At most one
// pending load exists per type. m.mu must be held.
func (m *Mediator) scheduleLocked(t models.AdType, delay time.Duration) {
	if !m.initialized || !m.autocache[t] {
		return
	}
	if _, pending := m.timers[t]; pending {
		return
	}
	life := m.lifeCtx
	m.bg.Add(1)
	var timer *time.Timer
	timer = time.AfterFunc(delay, func() {
		defer m.bg.Done()
		m.mu.Lock()
		if m.timers[t] != timer {
			// Cancelled after firing; the slot may belong to a newer timer.
			m.mu.Unlock()
			return
		}
		delete(m.timers, t)
		run := m.initialized && m.autocache[t]
		m.mu.Unlock()
		if !run || life.Err() != nil || m.cacheFull(t) {
			return
		}
		_, _ = m.load(life, t)
	})
	m.timers[t] = timer
}

func (m *Mediator) cacheFull(t models.AdType) bool {
	return m.cache.Ready(t, m.now()) && m.cache.Len(t) >= m.cache.Capacity(t)
}

// retryLater schedules the next autocache attempt after a failed load.
// The delay doubles per consecutive failure up to AutocacheBackoffMax and
// resets once a load succeeds.
func (m *Mediator) retryLater(t models.AdType) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.initialized || !m.autocache[t] {
		return
	}
	delay, ok := m.backoff[t]
	if !ok {
		delay = m.opts.AutocacheBackoff
	}
	next := delay * 2
	if next > m.opts.AutocacheBackoffMax {
		next = m.opts.AutocacheBackoffMax
	}
	if delay > m.opts.AutocacheBackoffMax {
		delay = m.opts.AutocacheBackoffMax
	}
	m.backoff[t] = next
	m.logger.Debug("autocache retry scheduled",
		zap.String("ad_type", t.String()),
		zap.Duration("delay", delay))
	m.scheduleLocked(t, delay)
}

// nextBackoff returns the delay the next failed load of t would wait.
func (m *Mediator) nextBackoff(t models.AdType) time.Duration {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if d, ok := m.backoff[t]; ok {
		return d
	}
	return m.opts.AutocacheBackoff
}
