package models

import (
	"encoding/json"
	"time"
)

// DefaultAdTTL bounds how long a loaded ad may wait in the cache when the
// network does not say otherwise.
const DefaultAdTTL = 30 * time.Minute

// Ad is a loaded, showable unit held in the mediation cache.
type Ad struct {
	ID          string          `json:"id"`
	RequestID   string          `json:"request_id"` // Correlates the load with the later show.
	Network     string          `json:"network"`
	PlacementID string          `json:"placement_id,omitempty"` // Network-side block or slot id.
	AdType      AdType          `json:"ad_type"`
	Markup      string          `json:"markup,omitempty"`
	Native      json.RawMessage `json:"native,omitempty"`
	Price       float64         `json:"price"` // eCPM
	Width       int             `json:"width,omitempty"`
	Height      int             `json:"height,omitempty"`
	LoadedAt    time.Time       `json:"loaded_at"`
	ExpiresAt   time.Time       `json:"expires_at"`
	// ImpressionURLs and ClickURLs are fired by the host when the ad is
	// displayed or clicked.
	ImpressionURLs []string `json:"impression_urls,omitempty"`
	ClickURLs      []string `json:"click_urls,omitempty"`
}

// Expired reports whether the ad can no longer be shown at now.
// An ad without an expiry never expires.
func (a *Ad) Expired(now time.Time) bool {
	if a == nil {
		return true
	}
	return !a.ExpiresAt.IsZero() && !now.Before(a.ExpiresAt)
}
