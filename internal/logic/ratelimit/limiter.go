package ratelimit

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/patrickwarner/openmediation/internal/models"
)

// Config holds the default bucket settings.
type Config struct {
	Capacity   int  // burst allowance
	RefillRate int  // tokens per second
	Enabled    bool // false allows everything
}

// NetworkLimiter keeps one token bucket per network. Buckets are created
// lazily. A network's own RateLimitCap/RateLimitRefill override the defaults;
// when they change on reload the bucket is replaced.
type NetworkLimiter struct {
	config Config
	store  models.MediationStore
	now    func() time.Time

	mu      sync.RWMutex
	buckets map[string]*TokenBucket
}

// NewNetworkLimiter creates a limiter. store may be nil, in which case every
// network uses the defaults.
func NewNetworkLimiter(config Config, store models.MediationStore) *NetworkLimiter {
	return &NetworkLimiter{
		config:  config,
		store:   store,
		now:     time.Now,
		buckets: make(map[string]*TokenBucket),
	}
}

func (l *NetworkLimiter) limits(network string) (capacity, refill int) {
	capacity, refill = l.config.Capacity, l.config.RefillRate
	if l.store == nil {
		return
	}
	if cfg := l.store.GetNetwork(network); cfg != nil {
		if cfg.RateLimitCap > 0 {
			capacity = cfg.RateLimitCap
		}
		if cfg.RateLimitRefill > 0 {
			refill = cfg.RateLimitRefill
		}
	}
	return
}

// Allow reports whether the waterfall may call network now.
func (l *NetworkLimiter) Allow(network string) bool {
	if !l.config.Enabled {
		return true
	}
	capacity, refill := l.limits(network)
	if capacity <= 0 {
		return true
	}

	l.mu.RLock()
	bucket, ok := l.buckets[network]
	l.mu.RUnlock()
	if !ok || !bucket.Configured(capacity, refill) {
		l.mu.Lock()
		bucket, ok = l.buckets[network]
		if !ok || !bucket.Configured(capacity, refill) {
			bucket = newTokenBucket(capacity, refill, l.now)
			l.buckets[network] = bucket
		}
		l.mu.Unlock()
	}
	return bucket.Allow()
}

// Stats returns per-network statistics sorted by network name.
func (l *NetworkLimiter) Stats() []Stats {
	l.mu.RLock()
	defer l.mu.RUnlock()

	out := make([]Stats, 0, len(l.buckets))
	for name, bucket := range l.buckets {
		hits, total := bucket.Stats()
		s := Stats{Network: name, Hits: hits, Total: total}
		if total > 0 {
			s.HitRate = float64(hits) / float64(total)
		}
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Network < out[j].Network })
	return out
}

// Stats summarizes one network's bucket.
type Stats struct {
	Network string  `json:"network"`
	Hits    int64   `json:"hits"`
	Total   int64   `json:"total"`
	HitRate float64 `json:"hit_rate"`
}

func (s Stats) String() string {
	return fmt.Sprintf("network %s: %d/%d limited (%.2f%%)", s.Network, s.Hits, s.Total, s.HitRate*100)
}
