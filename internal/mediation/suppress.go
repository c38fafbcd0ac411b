package mediation

import (
	"time"

	"github.com/coocood/freecache"

	"github.com/patrickwarner/openmediation/internal/models"
)

const suppressorCacheSize = 1 << 20

// noFillSuppressor pauses (network, ad type) pairs after a no-fill.
// Expiry is handled by freecache, so the entries need no sweeping.
type noFillSuppressor struct {
	cache  *freecache.Cache
	window time.Duration
}

func newNoFillSuppressor(window time.Duration) *noFillSuppressor {
	return &noFillSuppressor{cache: freecache.NewCache(suppressorCacheSize), window: window}
}

func suppressKey(network string, t models.AdType) []byte {
	return []byte(network + "|" + t.String())
}

// Suppress marks the pair for the configured window. A window below one
// second disables suppression since freecache expires in whole seconds.
func (s *noFillSuppressor) Suppress(network string, t models.AdType) {
	secs := int(s.window / time.Second)
	if secs <= 0 {
		return
	}
	_ = s.cache.Set(suppressKey(network, t), []byte{1}, secs)
}

// Suppressed reports whether the pair is still paused.
func (s *noFillSuppressor) Suppressed(network string, t models.AdType) bool {
	_, err := s.cache.Get(suppressKey(network, t))
	return err == nil
}

// Clear lifts every suppression.
func (s *noFillSuppressor) Clear() {
	s.cache.Clear()
}
