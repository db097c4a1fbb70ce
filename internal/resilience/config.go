package resilience

import (
	"time"
)

// fetchJitter spreads retries of concurrent listing fetches apart.
const fetchJitter = 0.25

// FetchRetry is the retry policy for listing-page and proxy fetches. Only
// the attempt count is tunable; backoff follows DefaultRetryConfig and is
// further floored by the shared limiter through RetryConfig.NotBefore.
func FetchRetry(maxAttempts int) RetryConfig {
	cfg := DefaultRetryConfig()
	if maxAttempts > 0 {
		cfg.MaxAttempts = maxAttempts
	}
	cfg.JitterFraction = fetchJitter
	return cfg
}

// ScoringBreaker is the breaker policy around the scoring collaborator.
// Zero values keep the CircuitBreaker defaults.
func ScoringBreaker(failureThreshold, cooldownSecs int) CircuitBreakerConfig {
	cfg := CircuitBreakerConfig{FailureThreshold: failureThreshold}
	if cooldownSecs > 0 {
		cfg.Cooldown = time.Duration(cooldownSecs) * time.Second
	}
	return cfg
}
