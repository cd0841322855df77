package governance

import (
	"sync"
	"time"
)

// RateLimiterConfig defines a per-key token bucket.
type RateLimiterConfig struct {
	RequestsPerSecond float64 `yaml:"requests_per_second"`
	BurstSize         int     `yaml:"burst_size"`
	// IdleTTL evicts buckets untouched for this long. Zero keeps them.
	IdleTTL time.Duration `yaml:"idle_ttl"`
}

// RateLimiter hands out one token bucket per key, typically a remote host.
// A zero RequestsPerSecond disables limiting.
type RateLimiter struct {
	mu      sync.Mutex
	config  RateLimiterConfig
	buckets map[string]*tokenBucket
	now     func() time.Time
}

// NewRateLimiter creates a limiter with the given configuration.
func NewRateLimiter(config RateLimiterConfig) *RateLimiter {
	if config.BurstSize <= 0 {
		config.BurstSize = int(config.RequestsPerSecond)
		if config.BurstSize < 1 {
			config.BurstSize = 1
		}
	}
	return &RateLimiter{
		config:  config,
		buckets: make(map[string]*tokenBucket),
		now:     time.Now,
	}
}

// Allow consumes a token for key and reports whether one was available.
func (rl *RateLimiter) Allow(key string) bool {
	if rl == nil || rl.config.RequestsPerSecond <= 0 {
		return true
	}

	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.now()
	rl.evict(now)

	bucket, ok := rl.buckets[key]
	if !ok {
		bucket = &tokenBucket{
			rate:       rl.config.RequestsPerSecond,
			capacity:   float64(rl.config.BurstSize),
			tokens:     float64(rl.config.BurstSize),
			lastRefill: now,
		}
		rl.buckets[key] = bucket
	}
	return bucket.take(now)
}

// Len reports how many keys currently hold a bucket.
func (rl *RateLimiter) Len() int {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	return len(rl.buckets)
}

func (rl *RateLimiter) evict(now time.Time) {
	if rl.config.IdleTTL <= 0 {
		return
	}
	for key, bucket := range rl.buckets {
		if now.Sub(bucket.lastRefill) > rl.config.IdleTTL {
			delete(rl.buckets, key)
		}
	}
}

type tokenBucket struct {
	rate       float64 // tokens per second
	capacity   float64
	tokens     float64
	lastRefill time.Time
}

func (tb *tokenBucket) take(now time.Time) bool {
	tb.tokens += now.Sub(tb.lastRefill).Seconds() * tb.rate
	if tb.tokens > tb.capacity {
		tb.tokens = tb.capacity
	}
	tb.lastRefill = now

	if tb.tokens >= 1.0 {
		tb.tokens -= 1.0
		return true
	}
	return false
}
