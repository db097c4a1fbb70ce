// Package monitoring watches job health and posts threshold alerts to a
// webhook.
package monitoring

import (
	"context"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/lead-scorer/internal/model"
	"github.com/sells-group/lead-scorer/internal/ratelimit"
	"github.com/sells-group/lead-scorer/internal/resilience"
	"github.com/sells-group/lead-scorer/internal/store"
)

// maxScan bounds how many recent jobs one collection reads.
const maxScan = 500

// MetricsSnapshot holds a point-in-time view of job health.
type MetricsSnapshot struct {
	// Job metrics (within lookback window).
	JobsTotal      int     `json:"jobs_total"`
	JobsCompleted  int     `json:"jobs_completed"`
	JobsFailed     int     `json:"jobs_failed"`
	JobsCancelled  int     `json:"jobs_cancelled"`
	JobsQueued     int     `json:"jobs_queued"`
	JobsProcessing int     `json:"jobs_processing"`
	JobFailRate    float64 `json:"job_fail_rate"`
	LeadsProcessed int     `json:"leads_processed"`

	// StaleJobs are processing jobs whose heartbeat is older than the
	// staleness window.
	StaleJobs []string `json:"stale_jobs,omitempty"`

	// Upstream throttle state, when a limiter is attached.
	ThrottleLevel int       `json:"throttle_level"`
	ThrottleUntil time.Time `json:"throttle_until,omitempty"`

	// Scoring collaborator breaker, when one is attached.
	ScoringCircuit  string `json:"scoring_circuit,omitempty"`
	ScoringFailures int    `json:"scoring_failures,omitempty"`

	// Metadata.
	LookbackHours int       `json:"lookback_hours"`
	CollectedAt   time.Time `json:"collected_at"`
}

// ThrottleSource reports the shared limiter's backoff state.
type ThrottleSource interface {
	State() ratelimit.ThrottleState
}

// BreakerSource reports the scoring collaborator's circuit.
type BreakerSource interface {
	BreakerStatus() resilience.CircuitStatus
}

// Collector gathers metrics from the job store.
type Collector struct {
	store      store.Store
	throttle   ThrottleSource
	breaker    BreakerSource
	staleAfter time.Duration
	now        func() time.Time
}

// NewCollector creates a new metrics collector. throttle may be nil.
func NewCollector(st store.Store, throttle ThrottleSource, staleAfter time.Duration) *Collector {
	if staleAfter <= 0 {
		staleAfter = 5 * time.Minute
	}
	return &Collector{store: st, throttle: throttle, staleAfter: staleAfter, now: time.Now}
}

// WithBreaker attaches the scoring breaker to future snapshots.
func (c *Collector) WithBreaker(b BreakerSource) *Collector {
	c.breaker = b
	return c
}

// Collect gathers a snapshot of job metrics over the given lookback window.
func (c *Collector) Collect(ctx context.Context, lookbackHours int) (*MetricsSnapshot, error) {
	now := c.now().UTC()
	snap := &MetricsSnapshot{
		LookbackHours: lookbackHours,
		CollectedAt:   now,
	}
	cutoff := now.Add(-time.Duration(lookbackHours) * time.Hour)

	jobs, err := c.store.ListJobs(ctx, store.JobFilter{Limit: maxScan})
	if err != nil {
		return nil, eris.Wrap(err, "monitoring: list jobs")
	}

	for _, j := range jobs {
		// Stale processing jobs count regardless of the window.
		if j.Status == model.JobStatusProcessing && now.Sub(j.UpdatedAt) > c.staleAfter {
			snap.StaleJobs = append(snap.StaleJobs, j.ID)
		}
		if j.CreatedAt.Before(cutoff) {
			continue
		}
		snap.JobsTotal++
		snap.LeadsProcessed += j.Processed
		switch j.Status {
		case model.JobStatusCompleted:
			snap.JobsCompleted++
		case model.JobStatusFailed:
			if j.Metadata.CancelRequested {
				snap.JobsCancelled++
			} else {
				snap.JobsFailed++
			}
		case model.JobStatusQueued:
			snap.JobsQueued++
		case model.JobStatusProcessing:
			snap.JobsProcessing++
		}
	}

	// Cancelled jobs are neither successes nor failures.
	if finished := snap.JobsCompleted + snap.JobsFailed; finished > 0 {
		snap.JobFailRate = float64(snap.JobsFailed) / float64(finished)
	}

	if c.throttle != nil {
		st := c.throttle.State()
		snap.ThrottleLevel = st.Level
		snap.ThrottleUntil = st.Until
	}
	if c.breaker != nil {
		st := c.breaker.BreakerStatus()
		snap.ScoringCircuit = st.State.String()
		snap.ScoringFailures = st.Failures
	}

	return snap, nil
}
