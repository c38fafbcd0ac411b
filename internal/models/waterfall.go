package models

import (
	"encoding/json"
	"sort"
)

// WaterfallEntry places one network at a position in the waterfall of one
// ad type.
type WaterfallEntry struct {
	Network     string  `json:"network"`
	AdType      AdType  `json:"ad_type"`
	Priority    int     `json:"priority"` // Lower runs first.
	FloorCPM    float64 `json:"floor_cpm"`
	PlacementID string  `json:"placement_id"` // Block id on the network side.
	Enabled     bool    `json:"enabled"`
}

// Waterfall is the ordered list of entries tried for one ad type.
type Waterfall []WaterfallEntry

// SortWaterfall orders entries by priority ascending, then floor descending,
// then network name so that the order is deterministic.
func SortWaterfall(w Waterfall) {
	sort.SliceStable(w, func(i, j int) bool {
		a, b := w[i], w[j]
		if a.Priority != b.Priority {
			return a.Priority < b.Priority
		}
		if a.FloorCPM != b.FloorCPM {
			return a.FloorCPM > b.FloorCPM
		}
		return a.Network < b.Network
	})
}

// HouseCreative is a fallback ad owned by the app publisher.
type HouseCreative struct {
	ID         string          `json:"id"`
	AdType     AdType          `json:"ad_type"`
	Markup     string          `json:"markup,omitempty"`
	Native     json.RawMessage `json:"native,omitempty"`
	Width      int             `json:"width,omitempty"`
	Height     int             `json:"height,omitempty"`
	ECPM       float64         `json:"ecpm"`
	Country    string          `json:"country,omitempty"`     // Empty matches any.
	DeviceType string          `json:"device_type,omitempty"` // Empty matches any.
	ClickURL   string          `json:"click_url,omitempty"`
	Active     bool            `json:"active"`
}
