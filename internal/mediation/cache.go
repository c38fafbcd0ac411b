package mediation

import (
	"sort"
	"sync"
	"time"

	"github.com/patrickwarner/openmediation/internal/models"
)

// AdCache holds loaded ads per single ad type, best price first.
type AdCache struct {
	mu       sync.Mutex
	ads      map[models.AdType][]*models.Ad
	capacity map[models.AdType]int
	def      int
}

// NewAdCache creates a cache holding up to defaultCap ads per type.
func NewAdCache(defaultCap int) *AdCache {
	if defaultCap < 1 {
		defaultCap = 1
	}
	return &AdCache{
		ads:      make(map[models.AdType][]*models.Ad),
		capacity: make(map[models.AdType]int),
		def:      defaultCap,
	}
}

// SetCapacity overrides the capacity of one ad type.
func (c *AdCache) SetCapacity(t models.AdType, n int) {
	if n < 1 {
		n = 1
	}
	c.mu.Lock()
	c.capacity[t] = n
	c.trim(t)
	c.mu.Unlock()
}

// Capacity returns how many ads of type t the cache keeps.
func (c *AdCache) Capacity(t models.AdType) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.capFor(t)
}

func (c *AdCache) capFor(t models.AdType) int {
	if n, ok := c.capacity[t]; ok {
		return n
	}
	return c.def
}

// Put stores ad and returns the ad evicted to make room, if any.
func (c *AdCache) Put(ad *models.Ad) *models.Ad {
	if ad == nil {
		return nil
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	list := append(c.ads[ad.AdType], ad)
	sort.SliceStable(list, func(i, j int) bool { return list[i].Price > list[j].Price })
	c.ads[ad.AdType] = list
	return c.trim(ad.AdType)
}

func (c *AdCache) trim(t models.AdType) *models.Ad {
	list := c.ads[t]
	limit := c.capFor(t)
	if len(list) <= limit {
		return nil
	}
	evicted := list[limit]
	c.ads[t] = list[:limit]
	return evicted
}

// Peek returns the best unexpired ad of type t without removing it.
func (c *AdCache) Peek(t models.AdType, now time.Time) *models.Ad {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, ad := range c.ads[t] {
		if !ad.Expired(now) {
			return ad
		}
	}
	return nil
}

// Take removes and returns the best unexpired ad of type t.
func (c *AdCache) Take(t models.AdType, now time.Time) *models.Ad {
	c.mu.Lock()
	defer c.mu.Unlock()
	list := c.ads[t]
	for i, ad := range list {
		if ad.Expired(now) {
			continue
		}
		c.ads[t] = append(list[:i:i], list[i+1:]...)
		return ad
	}
	return nil
}

// Ready reports whether an unexpired ad of type t is cached.
func (c *AdCache) Ready(t models.AdType, now time.Time) bool {
	return c.Peek(t, now) != nil
}

// Len returns how many ads of type t are held, expired ones included.
func (c *AdCache) Len(t models.AdType) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.ads[t])
}

// Purge drops expired ads and returns them.
func (c *AdCache) Purge(now time.Time) []*models.Ad {
	c.mu.Lock()
	defer c.mu.Unlock()
	var expired []*models.Ad
	for t, list := range c.ads {
		kept := list[:0]
		for _, ad := range list {
			if ad.Expired(now) {
				expired = append(expired, ad)
				continue
			}
			kept = append(kept, ad)
		}
		c.ads[t] = kept
	}
	return expired
}

// Clear empties the cache.
func (c *AdCache) Clear() {
	c.mu.Lock()
	c.ads = make(map[models.AdType][]*models.Ad)
	c.mu.Unlock()
}
