package fallback

import (
	"sync"
	"time"
)

// CircuitState represents the state of a module circuit breaker.
type CircuitState int

const (
	// StateClosed lets invocations through.
	StateClosed CircuitState = iota
	// StateOpen treats the module as unavailable.
	StateOpen
	// StateHalfOpen lets a trial invocation through after the reset timeout.
	StateHalfOpen
)

// String returns a string representation of the circuit state.
func (s CircuitState) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// BreakerConfig controls when a module's circuit opens.
type BreakerConfig struct {
	// FailureThreshold is the number of consecutive failures that opens the
	// circuit. Zero disables breaking.
	FailureThreshold int
	// ResetTimeout is how long an open circuit waits before a trial invocation.
	ResetTimeout time.Duration
}

// CircuitBreaker tracks consecutive invocation failures of one module.
type CircuitBreaker struct {
	mu           sync.Mutex
	cfg          BreakerConfig
	failureCount int
	lastFailure  time.Time
	state        CircuitState
	now          func() time.Time
}

func newCircuitBreaker(cfg BreakerConfig, now func() time.Time) *CircuitBreaker {
	return &CircuitBreaker{cfg: cfg, state: StateClosed, now: now}
}

// IsOpen reports whether the module should be skipped. An open circuit whose
// reset timeout has passed moves to half-open and admits a trial.
func (cb *CircuitBreaker) IsOpen() bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if cb.state == StateOpen && cb.now().Sub(cb.lastFailure) >= cb.cfg.ResetTimeout {
		cb.state = StateHalfOpen
	}
	return cb.state == StateOpen
}

// RecordSuccess closes the circuit.
func (cb *CircuitBreaker) RecordSuccess() (changed bool) {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	changed = cb.state != StateClosed
	cb.state = StateClosed
	cb.failureCount = 0
	return changed
}

// RecordFailure counts a failure and opens the circuit at the threshold. A
// failed half-open trial reopens it immediately.
func (cb *CircuitBreaker) RecordFailure() (opened bool) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if cb.cfg.FailureThreshold <= 0 {
		return false
	}
	if cb.failureCount < cb.cfg.FailureThreshold {
		cb.failureCount++
	}
	cb.lastFailure = cb.now()

	if cb.state == StateHalfOpen || (cb.state == StateClosed && cb.failureCount >= cb.cfg.FailureThreshold) {
		cb.state = StateOpen
		return true
	}
	return false
}

// State returns the current state without advancing it.
func (cb *CircuitBreaker) State() CircuitState {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}

// Breakers holds one circuit breaker per module id.
type Breakers struct {
	mu       sync.Mutex
	cfg      BreakerConfig
	breakers map[string]*CircuitBreaker
	now      func() time.Time
}

// NewBreakers creates a breaker set sharing cfg.
func NewBreakers(cfg BreakerConfig) *Breakers {
	return &Breakers{cfg: cfg, breakers: make(map[string]*CircuitBreaker), now: time.Now}
}

// For returns the breaker of a module, creating it on first use.
func (b *Breakers) For(moduleID string) *CircuitBreaker {
	b.mu.Lock()
	defer b.mu.Unlock()
	cb, ok := b.breakers[moduleID]
	if !ok {
		cb = newCircuitBreaker(b.cfg, b.now)
		b.breakers[moduleID] = cb
	}
	return cb
}

// States reports the state of every breaker seen so far.
func (b *Breakers) States() map[string]CircuitState {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make(map[string]CircuitState, len(b.breakers))
	for id, cb := range b.breakers {
		out[id] = cb.State()
	}
	return out
}
