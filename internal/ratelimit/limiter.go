// Package ratelimit funnels calls to a fragile upstream through one shared
// scheduler: a concurrency gate, a minimum delay between starts, and an
// adaptive backoff floor raised by throttle signals.
package ratelimit

import (
	"context"
	"math"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"
)

// Config holds the limiter knobs.
type Config struct {
	MaxConcurrency int
	MinDelay       time.Duration
	BaseBackoff    time.Duration
	MaxBackoff     time.Duration
	ResetWindow    time.Duration
	MaxLevel       int
}

// DefaultConfig returns the limiter defaults.
func DefaultConfig() Config {
	return Config{
		MaxConcurrency: 4,
		MinDelay:       250 * time.Millisecond,
		BaseBackoff:    2 * time.Second,
		MaxBackoff:     60 * time.Second,
		ResetWindow:    2 * time.Minute,
		MaxLevel:       8,
	}
}

// ThrottleState is a snapshot of the backoff state.
type ThrottleState struct {
	Level        int       `json:"level"`
	Until        time.Time `json:"until"`
	LastSignalAt time.Time `json:"last_signal_at"`
}

// Option configures a Limiter.
type Option func(*Limiter)

// WithClock overrides the time source used for throttle bookkeeping.
func WithClock(now func() time.Time) Option {
	return func(l *Limiter) { l.now = now }
}

// Limiter schedules operations against a shared upstream. A nil *Limiter is
// valid and runs operations immediately.
type Limiter struct {
	cfg  Config
	sem  *semaphore.Weighted
	pace *rate.Limiter
	now  func() time.Time

	mu     sync.Mutex
	state  ThrottleState
	active int
	peak   int
}

// New creates a Limiter. Zero-valued knobs fall back to DefaultConfig.
func New(cfg Config, opts ...Option) *Limiter {
	def := DefaultConfig()
	if cfg.MaxConcurrency <= 0 {
		cfg.MaxConcurrency = def.MaxConcurrency
	}
	if cfg.MinDelay < 0 {
		cfg.MinDelay = 0
	}
	if cfg.BaseBackoff <= 0 {
		cfg.BaseBackoff = def.BaseBackoff
	}
	if cfg.MaxBackoff <= 0 {
		cfg.MaxBackoff = def.MaxBackoff
	}
	if cfg.MaxBackoff < cfg.BaseBackoff {
		cfg.MaxBackoff = cfg.BaseBackoff
	}
	if cfg.ResetWindow <= 0 {
		cfg.ResetWindow = def.ResetWindow
	}
	if cfg.MaxLevel <= 0 {
		cfg.MaxLevel = def.MaxLevel
	}

	pace := rate.NewLimiter(rate.Inf, 1)
	if cfg.MinDelay > 0 {
		pace = rate.NewLimiter(rate.Every(cfg.MinDelay), 1)
	}

	l := &Limiter{
		cfg:  cfg,
		sem:  semaphore.NewWeighted(int64(cfg.MaxConcurrency)),
		pace: pace,
		now:  time.Now,
	}
	for _, o := range opts {
		o(l)
	}
	return l
}

// Config returns the effective configuration.
func (l *Limiter) Config() Config {
	return l.cfg
}

// Schedule runs fn once a concurrency slot is free, the minimum inter-start
// delay has elapsed and the backoff floor has passed.
func Schedule[T any](ctx context.Context, l *Limiter, fn func(ctx context.Context) (T, error)) (T, error) {
	var zero T
	if l == nil {
		return fn(ctx)
	}

	if err := l.sem.Acquire(ctx, 1); err != nil {
		return zero, err
	}
	defer l.sem.Release(1)

	if err := l.waitTurn(ctx); err != nil {
		return zero, err
	}

	l.enter()
	defer l.leave()
	return fn(ctx)
}

// Do is Schedule for operations without a result.
func (l *Limiter) Do(ctx context.Context, fn func(ctx context.Context) error) error {
	_, err := Schedule(ctx, l, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, fn(ctx)
	})
	return err
}

// waitTurn blocks until the backoff floor has passed and the pacer admits
// one start. A throttle signal raised while pacing pushes the caller back
// behind the new floor.
func (l *Limiter) waitTurn(ctx context.Context) error {
	for {
		if err := sleepUntil(ctx, l.NotBefore(), l.now); err != nil {
			return err
		}
		if err := l.pace.Wait(ctx); err != nil {
			return err
		}
		if !l.NotBefore().After(l.now()) {
			return nil
		}
	}
}

func sleepUntil(ctx context.Context, t time.Time, now func() time.Time) error {
	d := t.Sub(now())
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func (l *Limiter) enter() {
	l.mu.Lock()
	l.active++
	if l.active > l.peak {
		l.peak = l.active
	}
	l.mu.Unlock()
}

func (l *Limiter) leave() {
	l.mu.Lock()
	l.active--
	l.mu.Unlock()
}

// RegisterThrottleSignal raises the backoff level and pushes the not-before
// floor out. The floor never moves backward.
func (l *Limiter) RegisterThrottleSignal(reason string, fields ...zap.Field) {
	if l == nil {
		return
	}
	l.mu.Lock()
	now := l.now()
	l.decayLocked(now)
	l.state.Level = min(l.state.Level+1, l.cfg.MaxLevel)
	l.state.LastSignalAt = now
	delay := l.backoffFor(l.state.Level)
	if until := now.Add(delay); until.After(l.state.Until) {
		l.state.Until = until
	}
	level, until := l.state.Level, l.state.Until
	l.mu.Unlock()

	zap.L().Warn("ratelimit: throttle signal",
		append([]zap.Field{
			zap.String("reason", reason),
			zap.Int("level", level),
			zap.Duration("backoff", delay),
			zap.Time("until", until),
		}, fields...)...,
	)
}

// RegisterSuccess lowers the backoff level by one and clears the floor once
// the level reaches zero.
func (l *Limiter) RegisterSuccess() {
	if l == nil {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.decayLocked(l.now())
	if l.state.Level > 0 {
		l.state.Level--
	}
	if l.state.Level == 0 {
		l.state.Until = time.Time{}
	}
}

// backoffFor returns min(maxBackoff, baseBackoff * 2^(level-1)).
func (l *Limiter) backoffFor(level int) time.Duration {
	if level <= 0 {
		return 0
	}
	d := float64(l.cfg.BaseBackoff) * math.Pow(2, float64(level-1))
	if d >= float64(l.cfg.MaxBackoff) {
		return l.cfg.MaxBackoff
	}
	return time.Duration(d)
}

func (l *Limiter) decayLocked(now time.Time) {
	if l.state.Level > 0 && now.Sub(l.state.LastSignalAt) >= l.cfg.ResetWindow {
		l.state.Level = 0
	}
}

// State returns the current throttle state after applying decay.
func (l *Limiter) State() ThrottleState {
	if l == nil {
		return ThrottleState{}
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.decayLocked(l.now())
	return l.state
}

// NotBefore returns the earliest time a new operation may start.
func (l *Limiter) NotBefore() time.Time {
	return l.State().Until
}

// Active returns the number of operations currently running.
func (l *Limiter) Active() int {
	if l == nil {
		return 0
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.active
}

// PeakActive returns the highest concurrent count observed.
func (l *Limiter) PeakActive() int {
	if l == nil {
		return 0
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.peak
}
