package models

import (
	"fmt"
	"time"
)

// Network kinds understood by the network registry.
const (
	NetworkKindOpenRTB = "openrtb"
	NetworkKindHouse   = "house"
	NetworkKindStub    = "stub"
)

// NetworkConfig describes one demand source.
type NetworkConfig struct {
	Name            string        `json:"name"`
	Kind            string        `json:"kind"`
	Endpoint        string        `json:"endpoint,omitempty"`
	AppKey          string        `json:"app_key,omitempty"`
	GDPRVendorID    uint16        `json:"gdpr_vendor_id,omitempty"`
	Timeout         time.Duration `json:"timeout,omitempty"`
	AdTTL           time.Duration `json:"ad_ttl,omitempty"`
	MaxRetries      int           `json:"max_retries,omitempty"`
	RateLimitCap    int           `json:"rate_limit_capacity,omitempty"`
	RateLimitRefill int           `json:"rate_limit_refill,omitempty"`
	Enabled         bool          `json:"enabled"`
}

// Validate checks that a config can be turned into a network.
func (c NetworkConfig) Validate() error {
	if c.Name == "" {
		return fmt.Errorf("network name is empty")
	}
	switch c.Kind {
	case NetworkKindOpenRTB:
		if c.Endpoint == "" {
			return fmt.Errorf("network %s: openrtb endpoint is empty", c.Name)
		}
	case NetworkKindHouse, NetworkKindStub:
	default:
		return fmt.Errorf("network %s: unknown kind %q", c.Name, c.Kind)
	}
	if c.Timeout < 0 || c.AdTTL < 0 || c.MaxRetries < 0 {
		return fmt.Errorf("network %s: negative timeout, ttl or retries", c.Name)
	}
	return nil
}
