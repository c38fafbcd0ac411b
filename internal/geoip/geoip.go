// Package geoip resolves client IPs to country and region codes.
package geoip

import (
	"encoding/json"
	"fmt"
	"net"
	"os"

	"github.com/oschwald/geoip2-golang"
)

// GeoIP looks up a MaxMind database, or a JSON list of CIDR ranges when the
// file is not a MaxMind database. The JSON form is used in demos and tests.
type GeoIP struct {
	db    *geoip2.Reader
	cidrs []cidr
}

type cidr struct {
	net     *net.IPNet
	country string
	region  string
}

// Range is one entry of the JSON fallback.
type Range struct {
	Net     string `json:"net"`
	Country string `json:"country"`
	Region  string `json:"region"`
}

// Init opens the database at path.
func Init(path string) (*GeoIP, error) {
	db, err := geoip2.Open(path)
	if err == nil {
		return &GeoIP{db: db}, nil
	}
	data, rerr := os.ReadFile(path)
	if rerr != nil {
		return nil, fmt.Errorf("open geoip db: %w", err)
	}
	var ranges []Range
	if jerr := json.Unmarshal(data, &ranges); jerr != nil {
		return nil, fmt.Errorf("open geoip db: %w", err)
	}
	return FromRanges(ranges)
}

// FromRanges builds a lookup over CIDR ranges. The first matching range wins.
func FromRanges(ranges []Range) (*GeoIP, error) {
	g := &GeoIP{}
	for _, r := range ranges {
		_, n, err := net.ParseCIDR(r.Net)
		if err != nil {
			return nil, fmt.Errorf("geoip range %q: %w", r.Net, err)
		}
		g.cidrs = append(g.cidrs, cidr{net: n, country: r.Country, region: r.Region})
	}
	return g, nil
}

// Lookup returns the ISO country and subdivision codes for ip. Unknown
// addresses yield empty strings.
func (g *GeoIP) Lookup(ip net.IP) (country, region string) {
	if g == nil || ip == nil {
		return "", ""
	}
	if g.db != nil {
		if rec, err := g.db.City(ip); err == nil {
			country = rec.Country.IsoCode
			if len(rec.Subdivisions) > 0 {
				region = rec.Subdivisions[0].IsoCode
			}
			return country, region
		}
		if rec, err := g.db.Country(ip); err == nil {
			return rec.Country.IsoCode, ""
		}
	}
	for _, c := range g.cidrs {
		if c.net.Contains(ip) {
			return c.country, c.region
		}
	}
	return "", ""
}

// Country returns the ISO country code for ip.
func (g *GeoIP) Country(ip net.IP) string {
	c, _ := g.Lookup(ip)
	return c
}

// Close releases the database.
func (g *GeoIP) Close() error {
	if g != nil && g.db != nil {
		return g.db.Close()
	}
	return nil
}
