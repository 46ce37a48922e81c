package reliability

import (
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/tradesim/tradesim/internal/errs"
)

// CircuitState represents the breaker's current position
type CircuitState int

const (
	CircuitClosed CircuitState = iota
	CircuitOpen
	CircuitHalfOpen
)

// String returns the state name for logging
func (s CircuitState) String() string {
	switch s {
	case CircuitOpen:
		return "open"
	case CircuitHalfOpen:
		return "half_open"
	default:
		return "closed"
	}
}

// Default thresholds for downstream call protection (auth validator, session
// lookups, exchange data, container API).
const (
	DefaultFailureThreshold = 3
	DefaultResetTimeout     = 30 * time.Second
)

// CircuitBreaker guards calls to a downstream dependency. Consecutive
// failures open the breaker; while open every call is refused with an
// UNAVAILABLE error without touching the downstream. After the reset timeout
// a single probe is admitted: success closes the breaker, failure re-opens it
// for another full timeout.
type CircuitBreaker struct {
	mu                  sync.Mutex
	name                string
	failureThreshold    int
	resetTimeout        time.Duration
	state               CircuitState
	consecutiveFailures int
	openedAt            time.Time
	probing             bool
	nowFn               func() time.Time
	log                 zerolog.Logger
}

// NewCircuitBreaker creates a breaker with explicit thresholds
func NewCircuitBreaker(name string, failureThreshold int, resetTimeout time.Duration, log zerolog.Logger) *CircuitBreaker {
	if failureThreshold <= 0 {
		failureThreshold = DefaultFailureThreshold
	}
	if resetTimeout <= 0 {
		resetTimeout = DefaultResetTimeout
	}
	return &CircuitBreaker{
		name:             name,
		failureThreshold: failureThreshold,
		resetTimeout:     resetTimeout,
		state:            CircuitClosed,
		nowFn:            time.Now,
		log:              log.With().Str("breaker", name).Logger(),
	}
}

// NewDefaultCircuitBreaker creates a breaker with the standard thresholds
func NewDefaultCircuitBreaker(name string, log zerolog.Logger) *CircuitBreaker {
	return NewCircuitBreaker(name, DefaultFailureThreshold, DefaultResetTimeout, log)
}

// SetNowFunc overrides the clock, for tests
func (cb *CircuitBreaker) SetNowFunc(nowFn func() time.Time) {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.nowFn = nowFn
}

// Do runs fn under the breaker. When the breaker is open the call is refused
// with an UNAVAILABLE error and fn is never invoked.
func (cb *CircuitBreaker) Do(fn func() error) error {
	if err := cb.Allow(); err != nil {
		return err
	}
	err := fn()
	if err != nil {
		cb.RecordFailure()
		return err
	}
	cb.RecordSuccess()
	return nil
}

// Allow reports whether a call may proceed. Open breakers refuse until the
// reset timeout elapses; then exactly one caller is admitted as the probe and
// everyone else keeps getting refused until the probe reports back.
func (cb *CircuitBreaker) Allow() error {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case CircuitClosed:
		return nil

	case CircuitOpen:
		if cb.nowFn().Sub(cb.openedAt) < cb.resetTimeout {
			return errs.Unavailablef("%s unavailable: circuit open", cb.name)
		}
		cb.state = CircuitHalfOpen
		cb.probing = true
		cb.log.Debug().Msg("Circuit half-open, admitting probe")
		return nil

	default: // CircuitHalfOpen
		if cb.probing {
			return errs.Unavailablef("%s unavailable: circuit half-open, probe in flight", cb.name)
		}
		cb.probing = true
		return nil
	}
}

// RecordSuccess reports a successful downstream call
func (cb *CircuitBreaker) RecordSuccess() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.consecutiveFailures = 0
	if cb.state != CircuitClosed {
		cb.log.Info().Msg("Circuit closed after successful probe")
	}
	cb.state = CircuitClosed
	cb.probing = false
}

// RecordFailure reports a failed downstream call. The third consecutive
// failure opens the breaker; a failed half-open probe re-opens it.
func (cb *CircuitBreaker) RecordFailure() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if cb.state == CircuitHalfOpen {
		cb.trip("probe failed")
		return
	}

	cb.consecutiveFailures++
	if cb.state == CircuitClosed && cb.consecutiveFailures >= cb.failureThreshold {
		cb.trip("failure threshold reached")
	}
}

// trip opens the breaker; caller must hold the lock
func (cb *CircuitBreaker) trip(reason string) {
	cb.state = CircuitOpen
	cb.openedAt = cb.nowFn()
	cb.probing = false
	cb.consecutiveFailures = 0
	cb.log.Warn().
		Str("reason", reason).
		Dur("reset_timeout", cb.resetTimeout).
		Msg("Circuit opened")
}

// State returns the breaker's current position
func (cb *CircuitBreaker) State() CircuitState {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}
