package governance

import (
	"errors"
	"sync"
	"time"
)

// ErrCircuitOpen is returned when a capability's breaker is rejecting calls.
var ErrCircuitOpen = errors.New("circuit breaker is open")

// BreakerState represents the state of a circuit breaker.
type BreakerState string

const (
	// BreakerClosed allows calls through.
	BreakerClosed BreakerState = "closed"
	// BreakerOpen rejects calls until the cooldown elapses.
	BreakerOpen BreakerState = "open"
	// BreakerHalfOpen admits a limited number of probe calls.
	BreakerHalfOpen BreakerState = "half-open"
)

// BreakerConfig defines thresholds for circuit breaking a capability.
type BreakerConfig struct {
	// MaxFailures is the consecutive failure count that opens the circuit.
	MaxFailures int
	// Cooldown is how long the circuit stays open before probing.
	Cooldown time.Duration
	// HalfOpenProbes is how many consecutive probe successes close the
	// circuit again; a probe failure reopens it.
	HalfOpenProbes int
}

// DefaultBreakerConfig returns sensible defaults.
func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{
		MaxFailures:    5,
		Cooldown:       30 * time.Second,
		HalfOpenProbes: 3,
	}
}

// Breaker implements the circuit breaker pattern around one capability.
type Breaker struct {
	mu     sync.Mutex
	config BreakerConfig
	state  BreakerState

	consecutiveFailures  int
	consecutiveSuccesses int
	halfOpenInFlight     int
	openUntil            time.Time
}

// NewBreaker creates a breaker with the provided configuration.
func NewBreaker(config BreakerConfig) *Breaker {
	if config.MaxFailures <= 0 {
		config.MaxFailures = 5
	}
	if config.Cooldown <= 0 {
		config.Cooldown = 30 * time.Second
	}
	if config.HalfOpenProbes <= 0 {
		config.HalfOpenProbes = 3
	}
	return &Breaker{config: config, state: BreakerClosed}
}

// Allow reports whether a call may proceed. Callers that proceed must report
// the outcome through Record.
func (b *Breaker) Allow() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := time.Now()
	switch b.state {
	case BreakerClosed:
		return nil
	case BreakerOpen:
		if now.Before(b.openUntil) {
			return ErrCircuitOpen
		}
		b.transitionLocked(BreakerHalfOpen, now)
		b.halfOpenInFlight++
		return nil
	case BreakerHalfOpen:
		if b.halfOpenInFlight < b.config.HalfOpenProbes {
			b.halfOpenInFlight++
			return nil
		}
		return ErrCircuitOpen
	}
	return nil
}

// Record feeds a call outcome back into the breaker.
func (b *Breaker) Record(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := time.Now()
	if b.state == BreakerHalfOpen && b.halfOpenInFlight > 0 {
		b.halfOpenInFlight--
	}

	if err == nil {
		b.consecutiveSuccesses++
		b.consecutiveFailures = 0
		if b.state == BreakerHalfOpen && b.consecutiveSuccesses >= b.config.HalfOpenProbes {
			b.transitionLocked(BreakerClosed, now)
		}
		return
	}

	b.consecutiveFailures++
	b.consecutiveSuccesses = 0
	switch b.state {
	case BreakerHalfOpen:
		b.transitionLocked(BreakerOpen, now)
	case BreakerClosed:
		if b.consecutiveFailures >= b.config.MaxFailures {
			b.transitionLocked(BreakerOpen, now)
		}
	}
}

// State returns the current state, reporting half-open once an open
// circuit's cooldown has elapsed.
func (b *Breaker) State() BreakerState {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state == BreakerOpen && !time.Now().Before(b.openUntil) {
		return BreakerHalfOpen
	}
	return b.state
}

func (b *Breaker) transitionLocked(next BreakerState, now time.Time) {
	b.state = next
	b.consecutiveFailures = 0
	b.consecutiveSuccesses = 0
	b.halfOpenInFlight = 0
	if next == BreakerOpen {
		b.openUntil = now.Add(b.config.Cooldown)
	} else {
		b.openUntil = time.Time{}
	}
}

// BreakerSet hands out per-capability breakers sharing one configuration.
type BreakerSet struct {
	mu       sync.Mutex
	config   BreakerConfig
	breakers map[string]*Breaker
}

// NewBreakerSet builds an empty set.
func NewBreakerSet(config BreakerConfig) *BreakerSet {
	return &BreakerSet{config: config, breakers: make(map[string]*Breaker)}
}

// For returns the breaker for a capability, creating it on first use.
func (s *BreakerSet) For(capability string) *Breaker {
	s.mu.Lock()
	defer s.mu.Unlock()
	breaker, ok := s.breakers[capability]
	if !ok {
		breaker = NewBreaker(s.config)
		s.breakers[capability] = breaker
	}
	return breaker
}
