package relay

import (
	"sync"
	"time"
)

// CircuitState represents the state of a circuit breaker.
type CircuitState int

const (
	// CircuitClosed lets reconnect attempts follow the normal backoff.
	CircuitClosed CircuitState = iota
	// CircuitOpen holds reconnects back for the extended cooldown.
	CircuitOpen
)

func (s CircuitState) String() string {
	switch s {
	case CircuitClosed:
		return "closed"
	case CircuitOpen:
		return "open"
	default:
		return "unknown"
	}
}

// CircuitBreakerConfig holds configuration for a circuit breaker.
type CircuitBreakerConfig struct {
	// FailureThreshold is the number of consecutive failures before opening
	// the circuit. Zero disables the breaker.
	FailureThreshold int
	// Cooldown is how long an open circuit holds reconnects back.
	Cooldown time.Duration
	// OnStateChange is called when the circuit state changes.
	OnStateChange func(from, to CircuitState)
}

// CircuitBreaker counts consecutive session failures of one feed. Once the
// threshold is reached the circuit opens; the owner waits out the cooldown and
// resets it, which restarts the backoff sequence.
type CircuitBreaker struct {
	config CircuitBreakerConfig

	mu              sync.RWMutex
	state           CircuitState
	failures        int
	lastFailureTime time.Time
	lastStateChange time.Time
}

// NewCircuitBreaker creates a new circuit breaker.
func NewCircuitBreaker(config CircuitBreakerConfig) *CircuitBreaker {
	return &CircuitBreaker{
		config:          config,
		state:           CircuitClosed,
		lastStateChange: time.Now(),
	}
}

// State returns the current circuit state.
func (cb *CircuitBreaker) State() CircuitState {
	cb.mu.RLock()
	defer cb.mu.RUnlock()
	return cb.state
}

// Cooldown returns how long an open circuit lasts.
func (cb *CircuitBreaker) Cooldown() time.Duration {
	return cb.config.Cooldown
}

// RecordSuccess clears the failure count.
func (cb *CircuitBreaker) RecordSuccess() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.failures = 0
}

// RecordFailure counts a failure and returns the resulting state.
func (cb *CircuitBreaker) RecordFailure() CircuitState {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.lastFailureTime = time.Now()
	cb.failures++
	if cb.config.FailureThreshold > 0 && cb.failures >= cb.config.FailureThreshold {
		cb.transitionTo(CircuitOpen)
	}
	return cb.state
}

// Failures returns the consecutive failure count.
func (cb *CircuitBreaker) Failures() int {
	cb.mu.RLock()
	defer cb.mu.RUnlock()
	return cb.failures
}

// transitionTo changes the circuit state (must be called with lock held).
func (cb *CircuitBreaker) transitionTo(newState CircuitState) {
	if cb.state == newState {
		return
	}

	oldState := cb.state
	cb.state = newState
	cb.lastStateChange = time.Now()
	cb.failures = 0

	if cb.config.OnStateChange != nil {
		cb.config.OnStateChange(oldState, newState)
	}
}

// Reset closes the circuit and clears the failure count.
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if cb.state != CircuitClosed {
		cb.transitionTo(CircuitClosed)
	} else {
		cb.failures = 0
	}
}

// Stats returns current circuit breaker statistics.
func (cb *CircuitBreaker) Stats() CircuitStats {
	cb.mu.RLock()
	defer cb.mu.RUnlock()

	return CircuitStats{
		State:           cb.state.String(),
		Failures:        cb.failures,
		LastFailureTime: cb.lastFailureTime,
		LastStateChange: cb.lastStateChange,
	}
}

// CircuitStats holds circuit breaker statistics.
type CircuitStats struct {
	State           string    `json:"state"`
	Failures        int       `json:"failures"`
	LastFailureTime time.Time `json:"last_failure_time,omitempty"`
	LastStateChange time.Time `json:"last_state_change"`
}
