// Package reliability wraps a provider adapter with retry and a circuit
// breaker, short-circuiting requests to known-bad providers so failover
// costs a state check instead of a timeout.
package reliability

import (
	"sync"
	"time"
)

// State represents the circuit breaker state.
type State int

const (
	// StateClosed allows all requests through.
	StateClosed State = iota
	// StateOpen rejects all requests.
	StateOpen
	// StateHalfOpen allows a probe request after the reset timeout.
	StateHalfOpen
)

// String returns a human-readable state name.
func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

// BreakerConfig holds circuit breaker parameters.
type BreakerConfig struct {
	FailureThreshold int           // consecutive failures to trip
	ResetTimeout     time.Duration // time in OPEN before a probe is allowed
}

// DefaultBreakerConfig returns sensible defaults.
func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{
		FailureThreshold: 5,
		ResetTimeout:     30 * time.Second,
	}
}

// Breaker is a consecutive-failure circuit breaker state machine.
// Safe for concurrent use.
type Breaker struct {
	mu           sync.Mutex
	state        State
	failureCount int
	openedAt     time.Time
	threshold    int
	resetTimeout time.Duration
	now          func() time.Time // overridable for tests
}

// NewBreaker creates a breaker with the given config.
func NewBreaker(cfg BreakerConfig) *Breaker {
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = DefaultBreakerConfig().FailureThreshold
	}
	if cfg.ResetTimeout <= 0 {
		cfg.ResetTimeout = DefaultBreakerConfig().ResetTimeout
	}
	return &Breaker{
		state:        StateClosed,
		threshold:    cfg.FailureThreshold,
		resetTimeout: cfg.ResetTimeout,
		now:          time.Now,
	}
}

// State returns the current breaker state.
func (b *Breaker) State() State {
	b.mu.Lock()
	s := b.state
	b.mu.Unlock()
	return s
}

// Allow reports whether a request may proceed. While open, it returns false
// until the reset timeout elapses, at which point the breaker transitions
// to half-open and allows a probe.
func (b *Breaker) Allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state == StateOpen {
		if b.now().Sub(b.openedAt) >= b.resetTimeout {
			b.state = StateHalfOpen
			return true
		}
		return false
	}
	return true
}

// RecordSuccess resets the failure count and closes the breaker.
func (b *Breaker) RecordSuccess() {
	b.mu.Lock()
	b.failureCount = 0
	b.state = StateClosed
	b.mu.Unlock()
}

// RecordFailure counts a failure and reports whether the breaker opened on
// this call. A failure in half-open reopens immediately.
func (b *Breaker) RecordFailure() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.state == StateHalfOpen {
		b.state = StateOpen
		b.openedAt = b.now()
		return true
	}

	b.failureCount++
	if b.failureCount >= b.threshold && b.state != StateOpen {
		b.state = StateOpen
		b.openedAt = b.now()
		return true
	}
	return false
}
