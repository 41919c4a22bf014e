package governance

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// RateLimiterConfig defines the token bucket applied to every key.
type RateLimiterConfig struct {
	RequestsPerSecond float64
	BurstSize         int
	// IdleTTL drops buckets that have not been used for this long. Zero keeps them.
	IdleTTL time.Duration
}

// RateLimiter keeps one token bucket per key. Buckets are created on first use, so
// keys may be derived from request data; Sweep bounds their number.
type RateLimiter struct {
	limit rate.Limit
	burst int
	ttl   time.Duration
	now   func() time.Time

	mu      sync.Mutex
	buckets map[string]*bucket
}

type bucket struct {
	*rate.Limiter
	lastUsed time.Time
}

// NewRateLimiter creates a rate limiter. A non-positive rate selects 100 rps and a
// non-positive burst selects the rate, at least 1.
func NewRateLimiter(config RateLimiterConfig) *RateLimiter {
	rps := config.RequestsPerSecond
	if rps <= 0 {
		rps = 100
	}
	burst := config.BurstSize
	if burst <= 0 {
		burst = max(1, int(rps))
	}
	return &RateLimiter{
		limit:   rate.Limit(rps),
		burst:   burst,
		ttl:     config.IdleTTL,
		now:     time.Now,
		buckets: make(map[string]*bucket),
	}
}

func (rl *RateLimiter) bucketLocked(key string, now time.Time) *bucket {
	b, ok := rl.buckets[key]
	if !ok {
		b = &bucket{Limiter: rate.NewLimiter(rl.limit, rl.burst)}
		rl.buckets[key] = b
	}
	b.lastUsed = now
	return b
}

// Allow consumes one token for key. It returns false when the bucket is empty.
func (rl *RateLimiter) Allow(key string) bool {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	now := rl.now()
	return rl.bucketLocked(key, now).AllowN(now, 1)
}

// RetryAfter estimates how long key must wait for its next token.
func (rl *RateLimiter) RetryAfter(key string) time.Duration {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	b, ok := rl.buckets[key]
	if !ok {
		return 0
	}
	missing := 1 - b.TokensAt(rl.now())
	if missing <= 0 {
		return 0
	}
	return time.Duration(missing / float64(rl.limit) * float64(time.Second))
}

// Sweep removes buckets idle for longer than IdleTTL and returns how many it dropped.
func (rl *RateLimiter) Sweep() int {
	if rl.ttl <= 0 {
		return 0
	}
	rl.mu.Lock()
	defer rl.mu.Unlock()

	cutoff := rl.now().Add(-rl.ttl)
	removed := 0
	for key, b := range rl.buckets {
		if b.lastUsed.Before(cutoff) {
			delete(rl.buckets, key)
			removed++
		}
	}
	return removed
}

// RateLimitStats exposes the state of one bucket.
type RateLimitStats struct {
	Limit     float64 `json:"limit"`
	BurstSize int     `json:"burstSize"`
	Available float64 `json:"available"`
}

// Stats reports every live bucket.
func (rl *RateLimiter) Stats() map[string]RateLimitStats {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.now()
	stats := make(map[string]RateLimitStats, len(rl.buckets))
	for key, b := range rl.buckets {
		stats[key] = RateLimitStats{
			Limit:     float64(rl.limit),
			BurstSize: rl.burst,
			Available: b.TokensAt(now),
		}
	}
	return stats
}
