// Package store persists scoring jobs and their items. PostgresStore is the
// production backend; SQLiteStore serves local runs and tests.
package store

import (
	"context"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/lead-scorer/internal/model"
)

var (
	// ErrNotFound is returned when a job does not exist.
	ErrNotFound = eris.New("store: not found")
	// ErrConflict is returned when a conditional update matched no row
	// because another process changed the job first.
	ErrConflict = eris.New("store: conflict")
)

// JobFilter specifies criteria for listing jobs.
type JobFilter struct {
	Status model.JobStatus `json:"status,omitempty"`
	Limit  int             `json:"limit,omitempty"`
}

// Store defines the persistence interface for the job state machine. Every
// transition is a conditional update; a lost race shows up as a nil job or
// ErrConflict, never as a silent overwrite.
type Store interface {
	// Jobs
	CreateJob(ctx context.Context, leads []model.Lead, meta model.JobMetadata) (*model.Job, error)
	GetJob(ctx context.Context, jobID string) (*model.Job, error)
	ListJobs(ctx context.Context, filter JobFilter) ([]model.Job, error)

	// ClaimJob moves a queued job, or a processing job whose updated_at is
	// at or before staleBefore, to processing under owner. It returns nil
	// when the job is not claimable.
	ClaimJob(ctx context.Context, jobID, owner string, staleBefore time.Time) (*model.Job, error)
	// ClaimNext claims the oldest claimable job, or returns nil.
	ClaimNext(ctx context.Context, owner string, staleBefore time.Time) (*model.Job, error)
	// Touch refreshes updated_at for a job owner still holds and returns the
	// current row so the caller can observe cancel requests.
	Touch(ctx context.Context, jobID, owner string) (*model.Job, error)
	CompleteJob(ctx context.Context, jobID, owner string) error
	FailJob(ctx context.Context, jobID, owner, reason string) error
	// RequestCancel records a cancel request. A queued job fails at once.
	RequestCancel(ctx context.Context, jobID, reason string) (*model.Job, error)

	// Items
	ListItems(ctx context.Context, jobID string) ([]model.JobItem, error)
	PendingItems(ctx context.Context, jobID string) ([]model.JobItem, error)
	// CompleteItem stores an item's result and increments the job's
	// processed count in one transaction. It reports false, and leaves the
	// count alone, when the item was already completed. It returns
	// ErrConflict when owner no longer holds the job as processing.
	CompleteItem(ctx context.Context, jobID, owner string, index int, result *model.LeadResult) (bool, error)

	// Lifecycle
	Migrate(ctx context.Context) error
	Ping(ctx context.Context) error
	Close() error
}

// CancelledReason formats the error recorded on a cancelled job.
func CancelledReason(reason string) string {
	if reason == "" {
		reason = "requested"
	}
	return "cancelled: " + reason
}

func limitOrDefault(n int) int {
	if n <= 0 || n > 500 {
		return 50
	}
	return n
}

func errString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

// notFound wraps ErrNotFound with the job id.
func notFound(jobID string) error {
	return eris.Wrapf(ErrNotFound, "job %s", jobID)
}

// conflict wraps ErrConflict with the job id and the attempted action.
func conflict(action, jobID string) error {
	return eris.Wrapf(ErrConflict, "%s %s", action, jobID)
}

func utcNow() time.Time { return time.Now().UTC() }
