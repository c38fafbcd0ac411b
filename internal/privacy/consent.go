// Package privacy gates demand networks on GDPR vendor consent.
package privacy

import (
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/prebid/go-gdpr/api"
	"github.com/prebid/go-gdpr/vendorconsent"
	"go.uber.org/zap"
)

// DefaultCacheSize bounds the number of parsed consent strings kept.
const DefaultCacheSize = 1024

type parsed struct {
	consent api.VendorConsents
	err     error
}

// ConsentChecker decides whether a vendor may receive a request. Parsed
// consent strings are memoized.
type ConsentChecker struct {
	cache  *lru.Cache[string, parsed]
	logger *zap.Logger
}

// NewConsentChecker creates a checker memoizing up to size strings.
func NewConsentChecker(size int, logger *zap.Logger) (*ConsentChecker, error) {
	if size <= 0 {
		size = DefaultCacheSize
	}
	cache, err := lru.New[string, parsed](size)
	if err != nil {
		return nil, err
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ConsentChecker{cache: cache, logger: logger}, nil
}

// Allowed reports whether vendorID may receive a request. Requests outside
// GDPR scope and networks without a vendor id are always allowed. A missing
// or malformed consent string denies every vendor.
func (c *ConsentChecker) Allowed(applies bool, consent string, vendorID uint16) bool {
	if !applies || vendorID == 0 {
		return true
	}
	if consent == "" {
		return false
	}
	p, ok := c.cache.Get(consent)
	if !ok {
		vc, err := vendorconsent.ParseString(consent)
		p = parsed{consent: vc, err: err}
		c.cache.Add(consent, p)
		if err != nil {
			c.logger.Debug("malformed consent string", zap.Error(err))
		}
	}
	if p.err != nil {
		return false
	}
	return p.consent.VendorConsent(vendorID)
}

// Valid reports whether consent parses as a TCF string.
func Valid(consent string) bool {
	_, err := vendorconsent.ParseString(consent)
	return err == nil
}
