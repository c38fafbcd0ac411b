package mediation

import (
	"context"

	"github.com/patrickwarner/openmediation/internal/models"
)

// Network is a demand source the waterfall can ask for an ad.
//
// Load returns an *AdError for expected failures such as no fill. Any other
// error is treated as a bad server response.
type Network interface {
	Name() string
	Initialize(ctx context.Context, appKey string) error
	Supports(t models.AdType) bool
	Load(ctx context.Context, req LoadRequest) (*models.Ad, error)
}

// LoadRequest bundles what a network needs for one attempt.
type LoadRequest struct {
	Request *models.AdRequest
	Entry   models.WaterfallEntry
	Config  models.NetworkConfig
}

// NetworkSource resolves live network instances by name. The registry in the
// networks package implements it.
type NetworkSource interface {
	Get(name string) (Network, bool)
	All() []Network
}

// RateLimiter gates attempts against a network.
type RateLimiter interface {
	Allow(network string) bool
}

// ConsentChecker decides whether a network may receive a request under GDPR.
type ConsentChecker interface {
	Allowed(applies bool, consent string, vendorID uint16) bool
}

// ShowCapper enforces per-user show frequency caps.
type ShowCapper interface {
	// Allow reports whether userID may see another ad of type t.
	Allow(ctx context.Context, userID string, t models.AdType) bool
	// Record counts a show.
	Record(ctx context.Context, userID string, t models.AdType) error
}
