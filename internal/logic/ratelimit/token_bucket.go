// Package ratelimit throttles how often the waterfall may call each demand
// network.
//
// Every network gets a token bucket: it allows bursts up to its capacity and
// a sustained rate equal to its refill rate.
package ratelimit

import (
	"sync"
	"time"
)

// TokenBucket is a thread-safe token bucket. Each Allow consumes one token.
//
//	bucket := NewTokenBucket(100, 10) // burst of 100, 10 tokens/second
//	if !bucket.Allow() {
//	    // skip this network for now
//	}
type TokenBucket struct {
	capacity   int
	refillRate int
	now        func() time.Time

	mu         sync.Mutex
	tokens     float64
	lastRefill time.Time
	hitCount   int64 // rejected requests
	totalCount int64
}

// NewTokenBucket creates a full bucket.
func NewTokenBucket(capacity, refillRate int) *TokenBucket {
	return newTokenBucket(capacity, refillRate, time.Now)
}

func newTokenBucket(capacity, refillRate int, now func() time.Time) *TokenBucket {
	return &TokenBucket{
		capacity:   capacity,
		refillRate: refillRate,
		now:        now,
		tokens:     float64(capacity),
		lastRefill: now(),
	}
}

// Allow consumes a token if one is available.
func (tb *TokenBucket) Allow() bool {
	tb.mu.Lock()
	defer tb.mu.Unlock()

	tb.totalCount++
	now := tb.now()
	if elapsed := now.Sub(tb.lastRefill); elapsed > 0 {
		tb.tokens = min(float64(tb.capacity), tb.tokens+elapsed.Seconds()*float64(tb.refillRate))
		tb.lastRefill = now
	}
	if tb.tokens >= 1 {
		tb.tokens--
		return true
	}
	tb.hitCount++
	return false
}

// Stats returns the number of rejected and total requests.
func (tb *TokenBucket) Stats() (hits, total int64) {
	tb.mu.Lock()
	defer tb.mu.Unlock()
	return tb.hitCount, tb.totalCount
}

// Configured reports whether the bucket was built for capacity and refillRate.
func (tb *TokenBucket) Configured(capacity, refillRate int) bool {
	return tb.capacity == capacity && tb.refillRate == refillRate
}
