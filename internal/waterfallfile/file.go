// Package waterfallfile reads and writes the mediation setup as YAML. It is
// the config source when no Postgres DSN is configured and the exchange
// format of waterfallctl.
package waterfallfile

import (
	"context"
	"fmt"
	"os"
	"sort"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/patrickwarner/openmediation/internal/db"
	"github.com/patrickwarner/openmediation/internal/models"
)

type document struct {
	Networks  []network          `yaml:"networks"`
	Waterfall map[string][]entry `yaml:"waterfall"`
	House     []creative         `yaml:"house,omitempty"`
}

type rateLimit struct {
	Capacity int `yaml:"capacity,omitempty"`
	Refill   int `yaml:"refill,omitempty"`
}

type network struct {
	Name         string     `yaml:"name"`
	Kind         string     `yaml:"kind"`
	Endpoint     string     `yaml:"endpoint,omitempty"`
	AppKey       string     `yaml:"app_key,omitempty"`
	GDPRVendorID uint16     `yaml:"gdpr_vendor_id,omitempty"`
	Timeout      string     `yaml:"timeout,omitempty"`
	AdTTL        string     `yaml:"ad_ttl,omitempty"`
	MaxRetries   int        `yaml:"max_retries,omitempty"`
	RateLimit    *rateLimit `yaml:"rate_limit,omitempty"`
	Enabled      *bool      `yaml:"enabled,omitempty"`
}

type entry struct {
	Network     string  `yaml:"network"`
	Priority    int     `yaml:"priority"`
	FloorCPM    float64 `yaml:"floor_cpm,omitempty"`
	PlacementID string  `yaml:"placement_id,omitempty"`
	Enabled     *bool   `yaml:"enabled,omitempty"`
}

type creative struct {
	ID         string  `yaml:"id"`
	AdType     string  `yaml:"ad_type"`
	Markup     string  `yaml:"markup,omitempty"`
	Native     string  `yaml:"native,omitempty"`
	Width      int     `yaml:"width,omitempty"`
	Height     int     `yaml:"height,omitempty"`
	ECPM       float64 `yaml:"ecpm"`
	Country    string  `yaml:"country,omitempty"`
	DeviceType string  `yaml:"device_type,omitempty"`
	ClickURL   string  `yaml:"click_url,omitempty"`
	Active     *bool   `yaml:"active,omitempty"`
}

func enabled(b *bool) bool { return b == nil || *b }

func parseDuration(field, s string) (time.Duration, error) {
	if s == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", field, err)
	}
	return d, nil
}

// Parse decodes a YAML document and validates the result.
func Parse(data []byte) (db.Setup, error) {
	var doc document
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return db.Setup{}, fmt.Errorf("decode waterfall yaml: %w", err)
	}

	var s db.Setup
	for _, n := range doc.Networks {
		cfg := models.NetworkConfig{
			Name:         n.Name,
			Kind:         n.Kind,
			Endpoint:     n.Endpoint,
			AppKey:       n.AppKey,
			GDPRVendorID: n.GDPRVendorID,
			MaxRetries:   n.MaxRetries,
			Enabled:      enabled(n.Enabled),
		}
		var err error
		if cfg.Timeout, err = parseDuration("network "+n.Name+" timeout", n.Timeout); err != nil {
			return db.Setup{}, err
		}
		if cfg.AdTTL, err = parseDuration("network "+n.Name+" ad_ttl", n.AdTTL); err != nil {
			return db.Setup{}, err
		}
		if n.RateLimit != nil {
			cfg.RateLimitCap = n.RateLimit.Capacity
			cfg.RateLimitRefill = n.RateLimit.Refill
		}
		s.Networks = append(s.Networks, cfg)
	}

	types := make([]string, 0, len(doc.Waterfall))
	for name := range doc.Waterfall {
		types = append(types, name)
	}
	sort.Strings(types)
	for _, name := range types {
		t, err := models.ParseAdType(name)
		if err != nil {
			return db.Setup{}, fmt.Errorf("waterfall: %w", err)
		}
		for _, split := range t.Split() {
			for _, e := range doc.Waterfall[name] {
				s.Waterfall = append(s.Waterfall, models.WaterfallEntry{
					Network:     e.Network,
					AdType:      split,
					Priority:    e.Priority,
					FloorCPM:    e.FloorCPM,
					PlacementID: e.PlacementID,
					Enabled:     enabled(e.Enabled),
				})
			}
		}
	}

	for _, c := range doc.House {
		t, err := models.ParseAdType(c.AdType)
		if err != nil {
			return db.Setup{}, fmt.Errorf("house creative %s: %w", c.ID, err)
		}
		hc := models.HouseCreative{
			ID:         c.ID,
			AdType:     t,
			Markup:     c.Markup,
			Width:      c.Width,
			Height:     c.Height,
			ECPM:       c.ECPM,
			Country:    c.Country,
			DeviceType: c.DeviceType,
			ClickURL:   c.ClickURL,
			Active:     enabled(c.Active),
		}
		if c.Native != "" {
			hc.Native = []byte(c.Native)
		}
		s.House = append(s.House, hc)
	}

	if err := models.ValidateSetup(s.Networks, s.Waterfall, s.House); err != nil {
		return db.Setup{}, err
	}
	return s, nil
}

// Load reads and parses the file at path.
func Load(path string) (db.Setup, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return db.Setup{}, fmt.Errorf("read waterfall file: %w", err)
	}
	return Parse(data)
}

func boolPtr(b bool) *bool { return &b }

func formatDuration(d time.Duration) string {
	if d == 0 {
		return ""
	}
	return d.String()
}

// Marshal encodes a setup as YAML. Entries are grouped by ad type.
func Marshal(s db.Setup) ([]byte, error) {
	doc := document{Waterfall: make(map[string][]entry)}
	for _, n := range s.Networks {
		dn := network{
			Name:         n.Name,
			Kind:         n.Kind,
			Endpoint:     n.Endpoint,
			AppKey:       n.AppKey,
			GDPRVendorID: n.GDPRVendorID,
			Timeout:      formatDuration(n.Timeout),
			AdTTL:        formatDuration(n.AdTTL),
			MaxRetries:   n.MaxRetries,
			Enabled:      boolPtr(n.Enabled),
		}
		if n.RateLimitCap > 0 || n.RateLimitRefill > 0 {
			dn.RateLimit = &rateLimit{Capacity: n.RateLimitCap, Refill: n.RateLimitRefill}
		}
		doc.Networks = append(doc.Networks, dn)
	}
	for _, e := range s.Waterfall {
		key := e.AdType.String()
		doc.Waterfall[key] = append(doc.Waterfall[key], entry{
			Network:     e.Network,
			Priority:    e.Priority,
			FloorCPM:    e.FloorCPM,
			PlacementID: e.PlacementID,
			Enabled:     boolPtr(e.Enabled),
		})
	}
	for _, c := range s.House {
		doc.House = append(doc.House, creative{
			ID:         c.ID,
			AdType:     c.AdType.String(),
			Markup:     c.Markup,
			Native:     string(c.Native),
			Width:      c.Width,
			Height:     c.Height,
			ECPM:       c.ECPM,
			Country:    c.Country,
			DeviceType: c.DeviceType,
			ClickURL:   c.ClickURL,
			Active:     boolPtr(c.Active),
		})
	}
	return yaml.Marshal(doc)
}

// File is a db.Loader backed by a YAML file, re-read on every load.
type File struct {
	Path string
}

func (f File) LoadSetup(context.Context) (db.Setup, error) {
	return Load(f.Path)
}
