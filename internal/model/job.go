package model

import "time"

// JobStatus represents the lifecycle state of a scoring job or job item.
type JobStatus string

const (
	JobStatusQueued     JobStatus = "queued"
	JobStatusProcessing JobStatus = "processing"
	JobStatusCompleted  JobStatus = "completed"
	JobStatusFailed     JobStatus = "failed"
)

// Terminal reports whether no further transitions are possible.
func (s JobStatus) Terminal() bool {
	return s == JobStatusCompleted || s == JobStatusFailed
}

// JobOptions are the submitter's processing options, persisted with the job.
type JobOptions struct {
	UseCleaner     bool `json:"use_cleaner"`
	SaveResults    bool `json:"save_results"`
	MaxConcurrency int  `json:"max_concurrency,omitempty" validate:"omitempty,min=1,max=50"`
}

// JobMetadata is the JSON document stored in jobs.metadata.
type JobMetadata struct {
	Options         JobOptions `json:"options"`
	CancelRequested bool       `json:"cancel_requested,omitempty"`
	CancelReason    string     `json:"cancel_reason,omitempty"`
}

// Job is the header row of a batch.
type Job struct {
	ID        string      `json:"id"`
	Status    JobStatus   `json:"status"`
	Total     int         `json:"total"`
	Processed int         `json:"processed"`
	Error     string      `json:"error,omitempty"`
	Owner     string      `json:"owner,omitempty"`
	Metadata  JobMetadata `json:"metadata"`
	CreatedAt time.Time   `json:"created_at"`
	UpdatedAt time.Time   `json:"updated_at"`
}

// JobItem is one lead within a job. Index preserves upload order.
type JobItem struct {
	JobID     string      `json:"job_id"`
	Index     int         `json:"index"`
	Payload   Lead        `json:"payload"`
	Status    JobStatus   `json:"status"`
	Result    *LeadResult `json:"result,omitempty"`
	Error     string      `json:"error,omitempty"`
	CreatedAt time.Time   `json:"created_at"`
	UpdatedAt time.Time   `json:"updated_at"`
}

// JobSnapshot is the read projection returned to callers: the job header
// plus results reassembled in upload order.
type JobSnapshot struct {
	Job     Job           `json:"job"`
	Results []*LeadResult `json:"results"`
	Failed  []int         `json:"failed_indexes,omitempty"`
}
