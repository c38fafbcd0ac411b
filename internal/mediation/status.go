package mediation

import (
	"sort"

	"github.com/patrickwarner/openmediation/internal/models"
)

// TypeStatus describes one ad type.
type TypeStatus struct {
	AdType     string        `json:"ad_type"`
	Ready      bool          `json:"ready"`
	Cached     int           `json:"cached"`
	Network    string        `json:"network,omitempty"`
	Price      float64       `json:"price,omitempty"`
	RequestID  string        `json:"request_id,omitempty"`
	Autocache  bool          `json:"autocache"`
	Presenting bool          `json:"presenting"`
	Disabled   []string      `json:"disabled_networks,omitempty"`
	LastRun    *AttemptTrace `json:"last_run,omitempty"`
}

// Status is a snapshot of the mediator.
type Status struct {
	Initialized   bool         `json:"initialized"`
	Version       string       `json:"version"`
	BannerVisible bool         `json:"banner_visible"`
	Types         []TypeStatus `json:"types"`
}

// Status reports readiness, autocache and presentation state per ad type.
func (m *Mediator) Status() Status {
	now := m.now()
	m.purgeExpired(now)

	m.mu.RLock()
	defer m.mu.RUnlock()
	st := Status{
		Initialized:   m.initialized,
		Version:       m.opts.Version,
		BannerVisible: m.presented[models.AdTypeBanner] != nil,
	}
	for _, t := range models.AdTypeAll.Split() {
		ts := TypeStatus{
			AdType:     t.String(),
			Cached:     m.cache.Len(t),
			Autocache:  m.autocache[t],
			Presenting: m.presented[t] != nil,
			LastRun:    m.lastTrace[t],
		}
		if ad := m.cache.Peek(t, now); ad != nil {
			ts.Ready = true
			ts.Network = ad.Network
			ts.Price = ad.Price
			ts.RequestID = ad.RequestID
		}
		for name, off := range m.disabled[t] {
			if off {
				ts.Disabled = append(ts.Disabled, name)
			}
		}
		sort.Strings(ts.Disabled)
		st.Types = append(st.Types, ts)
	}
	return st
}
