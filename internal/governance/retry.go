package governance

import (
	"context"
	"math"
	"math/rand"
	"sync"
	"time"

	"github.com/skeinworks/skein/pkg/domain"
)

// RetryPolicy decides whether a failed attempt is retried and how long to
// wait first. Attempt numbers are 1-based counts of completed attempts.
type RetryPolicy struct {
	spec domain.RetrySpec

	// rand.Rand is not goroutine-safe; the mutex keeps jittered delays usable
	// from concurrent step executors sharing a policy.
	mu  sync.Mutex
	rng *rand.Rand
}

// NewRetryPolicy builds a policy from a spec, normalizing zero values. The
// seed feeds jitter; pass a fixed seed for reproducible schedules and zero to
// seed from the clock.
func NewRetryPolicy(spec domain.RetrySpec, seed int64) *RetryPolicy {
	if spec.MaxAttempts < 1 {
		spec.MaxAttempts = 1
	}
	if spec.BaseDelay <= 0 {
		spec.BaseDelay = 100 * time.Millisecond
	}
	if spec.MaxDelay <= 0 {
		spec.MaxDelay = 5 * time.Second
	}
	if spec.Multiplier <= 0 {
		spec.Multiplier = 2.0
	}
	if spec.Backoff == "" {
		spec.Backoff = domain.BackoffExponential
	}
	if seed == 0 {
		seed = time.Now().UnixNano()
	}
	// #nosec G404 - Non-cryptographic random is acceptable for jitter
	return &RetryPolicy{spec: spec, rng: rand.New(rand.NewSource(seed))}
}

// Spec returns a copy of the normalized retry spec.
func (p *RetryPolicy) Spec() domain.RetrySpec {
	return p.spec
}

// ShouldRetry reports whether another attempt is allowed after the given
// attempt failed with the given kind, and the delay to wait before it.
func (p *RetryPolicy) ShouldRetry(attempt int, kind domain.ErrorKind) (bool, time.Duration) {
	if attempt >= p.spec.MaxAttempts {
		return false, 0
	}
	if !p.spec.RetryableKind(kind) {
		return false, 0
	}
	return true, p.Backoff(attempt)
}

// Backoff returns the delay after the given 1-based attempt.
func (p *RetryPolicy) Backoff(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	delay := p.spec.BaseDelay
	if p.spec.Backoff == domain.BackoffExponential {
		delay = time.Duration(float64(p.spec.BaseDelay) * math.Pow(p.spec.Multiplier, float64(attempt-1)))
	}
	if delay > p.spec.MaxDelay {
		delay = p.spec.MaxDelay
	}
	if p.spec.Jitter && delay > 0 {
		// up to 25% extra to spread synchronized retries
		p.mu.Lock()
		jitter := time.Duration(p.rng.Int63n(int64(delay/4) + 1))
		p.mu.Unlock()
		delay += jitter
	}
	return delay
}

// Sleep waits for the delay or until the context is done, whichever is first.
func Sleep(ctx context.Context, delay time.Duration) error {
	if delay <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
