package governance

import (
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"
)

// RateLimiterConfig defines the limit for one endpoint and method.
type RateLimiterConfig struct {
	RequestsPerSecond float64
	BurstSize         int
}

// Key builds the limiter key for an endpoint and method.
func Key(endpoint, method string) string {
	return endpoint + " " + strings.ToUpper(method)
}

// RateLimiter implements token bucket rate limiting per key.
type RateLimiter struct {
	mu      sync.RWMutex
	buckets map[string]*tokenBucket
	now     func() time.Time
}

// NewRateLimiter creates a rate limiter with the provided configuration.
func NewRateLimiter(config map[string]RateLimiterConfig) *RateLimiter {
	rl := &RateLimiter{
		buckets: make(map[string]*tokenBucket),
		now:     time.Now,
	}
	rl.Configure(config)
	return rl
}

// Configure replaces the limits. Buckets for keys that stay configured keep
// their remaining tokens.
func (rl *RateLimiter) Configure(config map[string]RateLimiterConfig) {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.now()
	next := make(map[string]*tokenBucket, len(config))
	for key, cfg := range config {
		if bucket, exists := rl.buckets[key]; exists {
			bucket.configure(cfg.RequestsPerSecond, cfg.BurstSize)
			next[key] = bucket
			continue
		}
		next[key] = newTokenBucket(cfg.RequestsPerSecond, cfg.BurstSize, now)
	}
	rl.buckets = next
}

// Allow reports whether a request for key may proceed. Keys without a
// configured limit are always allowed.
func (rl *RateLimiter) Allow(key string) bool {
	allowed, _ := rl.Take(key)
	return allowed
}

// Take is Allow plus the bucket state after the attempt, for response
// headers. The returned stats are zero when key has no limit.
func (rl *RateLimiter) Take(key string) (bool, RateLimitStats) {
	rl.mu.RLock()
	bucket, exists := rl.buckets[key]
	now := rl.now()
	rl.mu.RUnlock()

	if !exists {
		return true, RateLimitStats{}
	}
	return bucket.take(now)
}

// Stats returns the current state of every bucket.
func (rl *RateLimiter) Stats() map[string]RateLimitStats {
	rl.mu.RLock()
	defer rl.mu.RUnlock()

	now := rl.now()
	stats := make(map[string]RateLimitStats, len(rl.buckets))
	for key, bucket := range rl.buckets {
		stats[key] = bucket.stats(now)
	}
	return stats
}

// RateLimitStats exposes current state of a rate limit bucket.
type RateLimitStats struct {
	Limit     float64   `json:"limit"`
	BurstSize int       `json:"burstSize"`
	Available float64   `json:"available"`
	ResetAt   time.Time `json:"resetAt"`
}

type tokenBucket struct {
	mu         sync.Mutex
	rate       float64 // tokens per second
	capacity   float64
	tokens     float64
	lastRefill time.Time
}

func newTokenBucket(rps float64, burst int, now time.Time) *tokenBucket {
	rps, capacity := bucketLimits(rps, burst)
	return &tokenBucket{
		rate:       rps,
		capacity:   capacity,
		tokens:     capacity,
		lastRefill: now,
	}
}

func bucketLimits(rps float64, burst int) (float64, float64) {
	if rps <= 0 {
		rps = 100
	}
	if burst <= 0 {
		burst = int(rps)
		if burst < 1 {
			burst = 1
		}
	}
	return rps, float64(burst)
}

func (tb *tokenBucket) configure(rps float64, burst int) {
	tb.mu.Lock()
	defer tb.mu.Unlock()

	oldCapacity := tb.capacity
	tb.rate, tb.capacity = bucketLimits(rps, burst)
	if tb.capacity > oldCapacity {
		tb.tokens += tb.capacity - oldCapacity
	}
	if tb.tokens > tb.capacity {
		tb.tokens = tb.capacity
	}
}

func (tb *tokenBucket) take(now time.Time) (bool, RateLimitStats) {
	tb.mu.Lock()
	defer tb.mu.Unlock()

	tb.refill(now)
	allowed := tb.tokens >= 1.0
	if allowed {
		tb.tokens -= 1.0
	}
	return allowed, tb.statsLocked()
}

func (tb *tokenBucket) refill(now time.Time) {
	elapsed := now.Sub(tb.lastRefill).Seconds()
	if elapsed <= 0 {
		return
	}
	tb.tokens += elapsed * tb.rate
	if tb.tokens > tb.capacity {
		tb.tokens = tb.capacity
	}
	tb.lastRefill = now
}

func (tb *tokenBucket) stats(now time.Time) RateLimitStats {
	tb.mu.Lock()
	defer tb.mu.Unlock()
	tb.refill(now)
	return tb.statsLocked()
}

func (tb *tokenBucket) statsLocked() RateLimitStats {
	missing := tb.capacity - tb.tokens
	reset := tb.lastRefill
	if missing > 0 {
		reset = reset.Add(time.Duration(missing / tb.rate * float64(time.Second)))
	}
	return RateLimitStats{
		Limit:     tb.rate,
		BurstSize: int(tb.capacity),
		Available: tb.tokens,
		ResetAt:   reset,
	}
}

// WriteRateLimitHeaders adds rate limit status headers to the response.
func WriteRateLimitHeaders(w http.ResponseWriter, stats RateLimitStats) {
	w.Header().Set("X-RateLimit-Limit", strconv.Itoa(stats.BurstSize))
	w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(int(stats.Available)))
	w.Header().Set("X-RateLimit-Reset", strconv.FormatInt(stats.ResetAt.Unix(), 10))
}
