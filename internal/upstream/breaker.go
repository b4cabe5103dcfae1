package upstream

import (
	"sync"
	"time"
)

// CircuitBreakerConfig holds circuit breaker settings
type CircuitBreakerConfig struct {
	// FailureThreshold is the number of consecutive failed attempts that opens the circuit
	FailureThreshold int
	// SuccessThreshold is the number of probe successes that closes a half-open circuit
	SuccessThreshold int
	// Timeout is how long the circuit stays open before a probe is let through
	Timeout time.Duration
}

// DefaultCircuitBreakerConfig returns the settings used when the breaker is switched on.
func DefaultCircuitBreakerConfig() *CircuitBreakerConfig {
	return &CircuitBreakerConfig{
		FailureThreshold: 5,
		SuccessThreshold: 2,
		Timeout:          30 * time.Second,
	}
}

type circuitState int

const (
	circuitClosed circuitState = iota
	circuitOpen
	circuitHalfOpen
)

var circuitStateNames = [...]string{
	circuitClosed:   "closed",
	circuitOpen:     "open",
	circuitHalfOpen: "half-open",
}

func (s circuitState) String() string {
	if int(s) < len(circuitStateNames) {
		return circuitStateNames[s]
	}
	return "unknown"
}

// circuitBreaker refuses calls after a run of failed attempts and lets
// probes through once the open period has elapsed.
type circuitBreaker struct {
	cfg CircuitBreakerConfig
	now func() time.Time

	mu         sync.Mutex
	state      circuitState
	failStreak int
	probeWins  int
	openUntil  time.Time
}

func newCircuitBreaker(failureThreshold, successThreshold int, timeout time.Duration) *circuitBreaker {
	return &circuitBreaker{
		cfg: CircuitBreakerConfig{
			FailureThreshold: failureThreshold,
			SuccessThreshold: successThreshold,
			Timeout:          timeout,
		},
		now: time.Now,
	}
}

// trip opens the circuit. Caller must hold cb.mu.
func (cb *circuitBreaker) trip() {
	cb.state = circuitOpen
	cb.openUntil = cb.now().Add(cb.cfg.Timeout)
	cb.probeWins = 0
}

// Allow reports whether a call may proceed.
func (cb *circuitBreaker) Allow() bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if cb.state != circuitOpen {
		return true
	}
	if cb.now().Before(cb.openUntil) {
		return false
	}
	cb.state = circuitHalfOpen
	cb.probeWins = 0
	return true
}

// RecordSuccess records a 2xx attempt.
func (cb *circuitBreaker) RecordSuccess() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if cb.state == circuitHalfOpen {
		cb.probeWins++
		if cb.probeWins < cb.cfg.SuccessThreshold {
			return
		}
		cb.state = circuitClosed
	}
	cb.failStreak = 0
}

// RecordFailure records a failed attempt. Any failure while half-open reopens the circuit.
func (cb *circuitBreaker) RecordFailure() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.failStreak++
	switch {
	case cb.state == circuitHalfOpen:
		cb.trip()
	case cb.state == circuitClosed && cb.failStreak >= cb.cfg.FailureThreshold:
		cb.trip()
	}
}

// State returns the current circuit state name
func (cb *circuitBreaker) State() string {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state.String()
}
