package resilience

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rotisserie/eris"
)

// CircuitState is the position of a CircuitBreaker.
type CircuitState int

const (
	// CircuitClosed passes every call through.
	CircuitClosed CircuitState = iota
	// CircuitOpen rejects calls until the cooldown has elapsed.
	CircuitOpen
	// CircuitHalfOpen lets one trial call through to test the upstream.
	CircuitHalfOpen
)

func (s CircuitState) String() string {
	switch s {
	case CircuitClosed:
		return "closed"
	case CircuitOpen:
		return "open"
	case CircuitHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// ErrCircuitOpen is returned, wrapped with the time the breaker will next
// admit a trial, when a call is rejected without running.
var ErrCircuitOpen = eris.New("circuit breaker is open")

// CircuitBreakerConfig controls a CircuitBreaker.
type CircuitBreakerConfig struct {
	// FailureThreshold is the number of consecutive tripping failures that
	// open the circuit. Default: 5.
	FailureThreshold int
	// Cooldown is how long the circuit stays open before a trial call is
	// admitted. Default: 30s.
	Cooldown time.Duration
	// ShouldTrip reports whether an error counts as a failure. Errors it
	// rejects count as successes. Default: any error except a cancelled
	// context.
	ShouldTrip func(err error) bool
	// OnStateChange is called, with the breaker's lock held, on every
	// transition.
	OnStateChange func(from, to CircuitState)
}

// CircuitStatus is a point-in-time view of a breaker.
type CircuitStatus struct {
	State    CircuitState
	Failures int
	// RetryAt is when an open circuit admits its next trial.
	RetryAt time.Time
}

// CircuitBreaker guards calls to one upstream. While open it fails calls
// immediately, so callers can take their fallback path without waiting on
// a dead dependency. At most one trial call runs in half-open.
type CircuitBreaker struct {
	cfg CircuitBreakerConfig
	now func() time.Time

	mu       sync.Mutex
	state    CircuitState
	failures int
	openedAt time.Time
	trial    bool
}

// NewCircuitBreaker creates a closed breaker.
func NewCircuitBreaker(cfg CircuitBreakerConfig) *CircuitBreaker {
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = 5
	}
	if cfg.Cooldown <= 0 {
		cfg.Cooldown = 30 * time.Second
	}
	if cfg.ShouldTrip == nil {
		cfg.ShouldTrip = func(err error) bool { return !errors.Is(err, context.Canceled) }
	}
	return &CircuitBreaker{cfg: cfg, now: time.Now}
}

// ExecuteVal runs fn unless the circuit rejects the call, and records the
// outcome.
func ExecuteVal[T any](ctx context.Context, cb *CircuitBreaker, fn func(ctx context.Context) (T, error)) (T, error) {
	var zero T
	if err := cb.admit(); err != nil {
		return zero, err
	}
	val, err := fn(ctx)
	cb.record(err)
	return val, err
}

// State returns the current state. An open circuit whose cooldown has
// elapsed reports half-open.
func (cb *CircuitBreaker) State() CircuitState {
	return cb.Status().State
}

// Status returns the state together with the failure streak.
func (cb *CircuitBreaker) Status() CircuitStatus {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	st := CircuitStatus{State: cb.state, Failures: cb.failures}
	if cb.state == CircuitOpen {
		st.RetryAt = cb.openedAt.Add(cb.cfg.Cooldown)
		if !cb.now().Before(st.RetryAt) {
			st.State = CircuitHalfOpen
		}
	}
	return st
}

func (cb *CircuitBreaker) admit() error {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case CircuitOpen:
		retryAt := cb.openedAt.Add(cb.cfg.Cooldown)
		if cb.now().Before(retryAt) {
			return eris.Wrapf(ErrCircuitOpen, "retry after %s", retryAt.UTC().Format(time.RFC3339))
		}
		cb.transition(CircuitHalfOpen)
		cb.trial = true
		return nil
	case CircuitHalfOpen:
		if cb.trial {
			return eris.Wrap(ErrCircuitOpen, "trial call in flight")
		}
		cb.trial = true
		return nil
	default:
		return nil
	}
}

func (cb *CircuitBreaker) record(err error) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	wasTrial := cb.state == CircuitHalfOpen
	if wasTrial {
		cb.trial = false
	}

	if err == nil || !cb.cfg.ShouldTrip(err) {
		cb.failures = 0
		if wasTrial {
			cb.transition(CircuitClosed)
		}
		return
	}

	cb.failures++
	if wasTrial || (cb.state == CircuitClosed && cb.failures >= cb.cfg.FailureThreshold) {
		cb.openedAt = cb.now()
		cb.transition(CircuitOpen)
	}
}

func (cb *CircuitBreaker) transition(to CircuitState) {
	from := cb.state
	if from == to {
		return
	}
	cb.state = to
	if cb.cfg.OnStateChange != nil {
		cb.cfg.OnStateChange(from, to)
	}
}
