package governance

import (
	"context"
	"sync"
	"time"
)

// LimiterConfig defines per-capability pacing.
type LimiterConfig struct {
	RequestsPerSecond int
	BurstSize         int
}

// RateLimiter implements token bucket pacing per capability. Capabilities
// without a configured bucket are never delayed.
type RateLimiter struct {
	mu      sync.RWMutex
	buckets map[string]*tokenBucket
}

// NewRateLimiter creates a rate limiter with the provided configuration.
func NewRateLimiter(config map[string]LimiterConfig) *RateLimiter {
	rl := &RateLimiter{buckets: make(map[string]*tokenBucket)}
	rl.Configure(config)
	return rl
}

// Configure replaces the per-capability limits, preserving bucket fill for
// capabilities that keep a limit across reloads.
func (rl *RateLimiter) Configure(config map[string]LimiterConfig) {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	next := make(map[string]*tokenBucket, len(config))
	for capability, cfg := range config {
		if bucket, exists := rl.buckets[capability]; exists {
			bucket.configure(cfg.RequestsPerSecond, cfg.BurstSize)
			next[capability] = bucket
		} else {
			next[capability] = newTokenBucket(cfg.RequestsPerSecond, cfg.BurstSize)
		}
	}
	rl.buckets = next
}

// Allow reports whether a call for the capability may proceed immediately.
func (rl *RateLimiter) Allow(capability string) bool {
	rl.mu.RLock()
	bucket, exists := rl.buckets[capability]
	rl.mu.RUnlock()
	if !exists {
		return true
	}
	return bucket.take()
}

// Wait blocks until a token is available or the context expires. The wait
// counts against the caller's deadline.
func (rl *RateLimiter) Wait(ctx context.Context, capability string) error {
	rl.mu.RLock()
	bucket, exists := rl.buckets[capability]
	rl.mu.RUnlock()
	if !exists {
		return ctx.Err()
	}
	delay := bucket.reserve()
	return Sleep(ctx, delay)
}

// tokenBucket implements the token bucket algorithm.
type tokenBucket struct {
	mu         sync.Mutex
	rate       float64
	capacity   float64
	tokens     float64
	lastRefill time.Time
}

func newTokenBucket(rps, burstSize int) *tokenBucket {
	if rps <= 0 {
		rps = 100
	}
	if burstSize <= 0 {
		burstSize = rps
	}
	return &tokenBucket{
		rate:       float64(rps),
		capacity:   float64(burstSize),
		tokens:     float64(burstSize),
		lastRefill: time.Now(),
	}
}

func (tb *tokenBucket) configure(rps, burstSize int) {
	tb.mu.Lock()
	defer tb.mu.Unlock()

	if rps <= 0 {
		rps = 100
	}
	if burstSize <= 0 {
		burstSize = rps
	}

	oldCapacity := tb.capacity
	tb.rate = float64(rps)
	tb.capacity = float64(burstSize)
	if tb.capacity > oldCapacity {
		tb.tokens += tb.capacity - oldCapacity
	}
	if tb.tokens > tb.capacity {
		tb.tokens = tb.capacity
	}
}

func (tb *tokenBucket) take() bool {
	tb.mu.Lock()
	defer tb.mu.Unlock()

	tb.refill()
	if tb.tokens >= 1.0 {
		tb.tokens -= 1.0
		return true
	}
	return false
}

// reserve consumes a token immediately, returning how long the caller must
// wait for it to have been legitimately available. Tokens may go negative;
// later callers absorb the debt as longer waits.
func (tb *tokenBucket) reserve() time.Duration {
	tb.mu.Lock()
	defer tb.mu.Unlock()

	tb.refill()
	tb.tokens -= 1.0
	if tb.tokens >= 0 {
		return 0
	}
	return time.Duration(-tb.tokens / tb.rate * float64(time.Second))
}

func (tb *tokenBucket) refill() {
	now := time.Now()
	elapsed := now.Sub(tb.lastRefill).Seconds()
	tb.tokens += elapsed * tb.rate
	if tb.tokens > tb.capacity {
		tb.tokens = tb.capacity
	}
	tb.lastRefill = now
}
