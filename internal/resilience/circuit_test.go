package resilience

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	errOverloaded = errors.New("collaborator 529 overloaded")
	errBadOutput  = errors.New("collaborator returned prose instead of JSON")
)

type breakerClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *breakerClock) now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *breakerClock) advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

func newTestBreaker(threshold int, cooldown time.Duration) (*CircuitBreaker, *breakerClock, *[]string) {
	clock := &breakerClock{t: time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)}
	var transitions []string
	cb := NewCircuitBreaker(CircuitBreakerConfig{
		FailureThreshold: threshold,
		Cooldown:         cooldown,
		ShouldTrip:       func(err error) bool { return !errors.Is(err, errBadOutput) },
		OnStateChange: func(from, to CircuitState) {
			transitions = append(transitions, from.String()+"->"+to.String())
		},
	})
	cb.now = clock.now
	return cb, clock, &transitions
}

func score(cb *CircuitBreaker, err error) (int, error) {
	return ExecuteVal(context.Background(), cb, func(context.Context) (int, error) {
		if err != nil {
			return 0, err
		}
		return 8, nil
	})
}

func TestCircuitBreaker_TransportFailuresOpen(t *testing.T) {
	cb, clock, transitions := newTestBreaker(3, time.Minute)

	for range 3 {
		_, err := score(cb, errOverloaded)
		assert.ErrorIs(t, err, errOverloaded)
	}
	assert.Equal(t, CircuitOpen, cb.State())

	st := cb.Status()
	assert.Equal(t, 3, st.Failures)
	assert.Equal(t, clock.now().Add(time.Minute), st.RetryAt)

	ran := false
	_, err := ExecuteVal(context.Background(), cb, func(context.Context) (int, error) {
		ran = true
		return 8, nil
	})
	assert.ErrorIs(t, err, ErrCircuitOpen)
	assert.Contains(t, err.Error(), "retry after")
	assert.False(t, ran)
	assert.Equal(t, []string{"closed->open"}, *transitions)
}

func TestCircuitBreaker_MalformedOutputDoesNotTrip(t *testing.T) {
	cb, _, transitions := newTestBreaker(1, time.Minute)

	for range 5 {
		_, err := score(cb, errBadOutput)
		assert.ErrorIs(t, err, errBadOutput)
	}
	assert.Equal(t, CircuitClosed, cb.State())
	assert.Zero(t, cb.Status().Failures)
	assert.Empty(t, *transitions)
}

func TestCircuitBreaker_SuccessResetsStreak(t *testing.T) {
	cb, _, _ := newTestBreaker(3, time.Minute)

	_, _ = score(cb, errOverloaded)
	_, _ = score(cb, errOverloaded)
	v, err := score(cb, nil)
	require.NoError(t, err)
	assert.Equal(t, 8, v)
	_, _ = score(cb, errOverloaded)

	assert.Equal(t, CircuitClosed, cb.State())
	assert.Equal(t, 1, cb.Status().Failures)
}

func TestCircuitBreaker_CancelledCallsDoNotTripByDefault(t *testing.T) {
	cb := NewCircuitBreaker(CircuitBreakerConfig{FailureThreshold: 1})
	_, err := score(cb, context.Canceled)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, CircuitClosed, cb.State())
}

func TestCircuitBreaker_TrialAfterCooldown(t *testing.T) {
	t.Run("success closes", func(t *testing.T) {
		cb, clock, transitions := newTestBreaker(1, time.Minute)
		_, _ = score(cb, errOverloaded)
		require.Equal(t, CircuitOpen, cb.State())

		clock.advance(time.Minute)
		assert.Equal(t, CircuitHalfOpen, cb.State())

		_, err := score(cb, nil)
		require.NoError(t, err)
		assert.Equal(t, CircuitClosed, cb.State())
		assert.Equal(t, []string{"closed->open", "open->half-open", "half-open->closed"}, *transitions)
	})

	t.Run("failure reopens", func(t *testing.T) {
		cb, clock, _ := newTestBreaker(3, time.Minute)
		for range 3 {
			_, _ = score(cb, errOverloaded)
		}
		clock.advance(2 * time.Minute)

		_, err := score(cb, errOverloaded)
		assert.ErrorIs(t, err, errOverloaded)
		assert.Equal(t, CircuitOpen, cb.State())
		assert.Equal(t, clock.now().Add(time.Minute), cb.Status().RetryAt)
	})
}

func TestCircuitBreaker_SingleTrialInFlight(t *testing.T) {
	cb, clock, _ := newTestBreaker(1, time.Minute)
	_, _ = score(cb, errOverloaded)
	clock.advance(time.Minute)

	entered := make(chan struct{})
	release := make(chan struct{})
	done := make(chan error, 1)
	go func() {
		_, err := ExecuteVal(context.Background(), cb, func(context.Context) (int, error) {
			close(entered)
			<-release
			return 8, nil
		})
		done <- err
	}()
	<-entered

	_, err := score(cb, nil)
	assert.ErrorIs(t, err, ErrCircuitOpen)
	assert.Contains(t, err.Error(), "trial call in flight")

	close(release)
	require.NoError(t, <-done)
	assert.Equal(t, CircuitClosed, cb.State())
}

func TestCircuitState_String(t *testing.T) {
	assert.Equal(t, "closed", CircuitClosed.String())
	assert.Equal(t, "open", CircuitOpen.String())
	assert.Equal(t, "half-open", CircuitHalfOpen.String())
	assert.Equal(t, "unknown", CircuitState(9).String())
}
