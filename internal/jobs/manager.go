// Package jobs drives durable scoring jobs through
// queued → processing → completed|failed on top of a Store.
package jobs

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/lead-scorer/internal/enrich"
	"github.com/sells-group/lead-scorer/internal/model"
	"github.com/sells-group/lead-scorer/internal/store"
)

var (
	// ErrNoLeads is returned by Enqueue for an empty batch.
	ErrNoLeads = eris.New("jobs: no leads")
	// ErrLostOwnership is returned by RunClaimed when another worker
	// reclaimed the job mid-run.
	ErrLostOwnership = eris.New("jobs: lost ownership")
)

// Processor runs a batch of leads. enrich.Orchestrator implements it.
type Processor interface {
	Process(ctx context.Context, leads []model.Lead, opts enrich.Options) (*enrich.BatchResult, error)
}

// Config tunes a Manager.
type Config struct {
	// Owner identifies this process in jobs.owner.
	Owner string
	// StaleAfter is how long a processing job may go without a heartbeat
	// before another worker may reclaim it.
	StaleAfter time.Duration
	// Heartbeat is the interval between updated_at touches. It must be
	// well below StaleAfter.
	Heartbeat time.Duration
	// MaxConcurrency is the lead concurrency for jobs that do not set one.
	MaxConcurrency int
}

// Manager owns job transitions for one process.
type Manager struct {
	store store.Store
	proc  Processor
	cfg   Config
	now   func() time.Time

	mu      sync.Mutex
	running map[string]*run
}

// NewManager creates a Manager.
func NewManager(st store.Store, proc Processor, cfg Config) *Manager {
	if cfg.Owner == "" {
		cfg.Owner = "worker-" + uuid.NewString()[:8]
	}
	if cfg.StaleAfter <= 0 {
		cfg.StaleAfter = 5 * time.Minute
	}
	if cfg.Heartbeat <= 0 {
		cfg.Heartbeat = 30 * time.Second
	}
	return &Manager{
		store:   st,
		proc:    proc,
		cfg:     cfg,
		now:     time.Now,
		running: make(map[string]*run),
	}
}

// Owner returns the owner id this manager claims jobs under.
func (m *Manager) Owner() string { return m.cfg.Owner }

// Enqueue persists a new queued job and returns its id without waiting for
// it to run.
func (m *Manager) Enqueue(ctx context.Context, leads []model.Lead, opts model.JobOptions) (string, error) {
	if len(leads) == 0 {
		return "", ErrNoLeads
	}
	job, err := m.store.CreateJob(ctx, leads, model.JobMetadata{Options: opts})
	if err != nil {
		return "", eris.Wrap(err, "jobs: enqueue")
	}
	zap.L().Info("jobs: enqueued",
		zap.String("job_id", job.ID),
		zap.Int("total", job.Total),
	)
	return job.ID, nil
}

func (m *Manager) staleBefore() time.Time {
	return m.now().Add(-m.cfg.StaleAfter)
}

// Claim takes ownership of a queued job, or of a processing job whose
// worker has gone silent past the staleness window. It returns nil when
// another worker holds the job.
func (m *Manager) Claim(ctx context.Context, jobID string) (*model.Job, error) {
	job, err := m.store.ClaimJob(ctx, jobID, m.cfg.Owner, m.staleBefore())
	if err != nil {
		return nil, eris.Wrapf(err, "jobs: claim %s", jobID)
	}
	return job, nil
}

// ClaimNext claims the oldest claimable job, or returns nil.
func (m *Manager) ClaimNext(ctx context.Context) (*model.Job, error) {
	job, err := m.store.ClaimNext(ctx, m.cfg.Owner, m.staleBefore())
	if err != nil {
		return nil, eris.Wrap(err, "jobs: claim next")
	}
	return job, nil
}

// RunClaimed processes every item of a claimed job that has no result
// yet. Each finished item is persisted as it completes. The job ends
// completed when every item is stored, or failed with the orchestrator's
// error. A cancel request fails the job with "cancelled: <reason>" and
// returns enrich.ErrCancelled. When ctx ends without a cancel request the
// job is left processing so another worker reclaims it once stale.
func (m *Manager) RunClaimed(ctx context.Context, job *model.Job) error {
	log := zap.L().With(zap.String("job_id", job.ID), zap.String("owner", m.cfg.Owner))
	persistCtx := context.WithoutCancel(ctx)

	r := m.register(job.ID)
	defer m.unregister(job.ID)
	if job.Metadata.CancelRequested {
		r.stop(job.Metadata.CancelReason)
	}

	items, err := m.store.PendingItems(ctx, job.ID)
	if err != nil {
		return eris.Wrapf(err, "jobs: load pending items %s", job.ID)
	}
	leads := make([]model.Lead, len(items))
	for i, it := range items {
		leads[i] = it.Payload
	}
	log.Info("jobs: run started", zap.Int("pending", len(items)), zap.Int("total", job.Total))

	hbCtx, stopHeartbeat := context.WithCancel(ctx)
	hbDone := make(chan struct{})
	go func() {
		defer close(hbDone)
		m.heartbeat(hbCtx, job.ID, r)
	}()

	concurrency := job.Metadata.Options.MaxConcurrency
	if concurrency <= 0 {
		concurrency = m.cfg.MaxConcurrency
	}
	res, err := m.process(ctx, leads, enrich.Options{
		UseCleaner:     job.Metadata.Options.UseCleaner,
		MaxConcurrency: concurrency,
		Cancel:         r.done,
		OnProgress: func(p enrich.Progress) {
			m.persist(persistCtx, job, items[p.Result.Index].Index, p.Result)
		},
	})
	stopHeartbeat()
	<-hbDone

	if r.isLost() {
		log.Warn("jobs: ownership lost, abandoning run")
		return eris.Wrapf(ErrLostOwnership, "job %s", job.ID)
	}

	if errors.Is(err, enrich.ErrCancelled) {
		reason, requested := r.reasonIfStopped()
		if !requested {
			log.Info("jobs: run interrupted, leaving job for reclaim")
			return err
		}
		msg := store.CancelledReason(reason)
		if ferr := m.store.FailJob(persistCtx, job.ID, m.cfg.Owner, msg); ferr != nil {
			log.Error("jobs: record cancellation", zap.Error(ferr))
		}
		log.Info("jobs: job cancelled", zap.String("reason", msg))
		return err
	}
	if err != nil {
		if ferr := m.store.FailJob(persistCtx, job.ID, m.cfg.Owner, err.Error()); ferr != nil {
			log.Error("jobs: record failure", zap.Error(ferr))
		}
		log.Error("jobs: job failed", zap.Error(err))
		return err
	}

	if err := m.store.CompleteJob(persistCtx, job.ID, m.cfg.Owner); err != nil {
		msg := "incomplete: not every item result was stored"
		if ferr := m.store.FailJob(persistCtx, job.ID, m.cfg.Owner, msg); ferr != nil {
			log.Error("jobs: record failure", zap.Error(ferr))
		}
		return eris.Wrapf(err, "jobs: complete %s", job.ID)
	}

	log.Info("jobs: job completed",
		zap.Int("processed", len(res.Results)),
		zap.Int("fallbacks", res.Usage.Fallbacks),
		zap.Float64("cost_usd", res.Usage.CostUSD),
	)
	return nil
}

// process shields the job from an orchestrator panic.
func (m *Manager) process(ctx context.Context, leads []model.Lead, opts enrich.Options) (res *enrich.BatchResult, err error) {
	defer func() {
		if p := recover(); p != nil {
			err = eris.Errorf("jobs: orchestrator panic: %v", p)
		}
	}()
	return m.proc.Process(ctx, leads, opts)
}

func (m *Manager) persist(ctx context.Context, job *model.Job, index int, res *model.LeadResult) {
	stored := *res
	stored.Index = index
	if !job.Metadata.Options.SaveResults {
		stored.Cleaned = nil
		stored.Website = nil
	}
	ok, err := m.store.CompleteItem(ctx, job.ID, m.cfg.Owner, index, &stored)
	switch {
	case errors.Is(err, store.ErrConflict):
		zap.L().Warn("jobs: item result rejected, job no longer held",
			zap.String("job_id", job.ID), zap.Int("index", index), zap.Error(err))
	case err != nil:
		zap.L().Warn("jobs: persist item result",
			zap.String("job_id", job.ID), zap.Int("index", index), zap.Error(err))
	case !ok:
		zap.L().Debug("jobs: item already completed",
			zap.String("job_id", job.ID), zap.Int("index", index))
	}
}

// heartbeat touches the job until ctx ends, raising the local cancel flag
// when another process requested cancellation.
func (m *Manager) heartbeat(ctx context.Context, jobID string, r *run) {
	t := time.NewTicker(m.cfg.Heartbeat)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
		}
		job, err := m.store.Touch(ctx, jobID, m.cfg.Owner)
		switch {
		case ctx.Err() != nil:
			return
		case errors.Is(err, store.ErrConflict):
			r.lose()
			return
		case err != nil:
			zap.L().Warn("jobs: heartbeat", zap.String("job_id", jobID), zap.Error(err))
		case job.Metadata.CancelRequested:
			r.stop(job.Metadata.CancelReason)
		}
	}
}

// Cancel raises the cancel flag of a job running in this process and
// records the request durably. A queued job fails immediately.
func (m *Manager) Cancel(ctx context.Context, jobID, reason string) (*model.JobSnapshot, error) {
	m.mu.Lock()
	r := m.running[jobID]
	m.mu.Unlock()
	if r != nil {
		r.stop(reason)
	}
	if _, err := m.store.RequestCancel(ctx, jobID, reason); err != nil {
		return nil, eris.Wrapf(err, "jobs: cancel %s", jobID)
	}
	return m.GetStatus(ctx, jobID)
}

// GetStatus returns the job with its stored results in upload order.
func (m *Manager) GetStatus(ctx context.Context, jobID string) (*model.JobSnapshot, error) {
	job, err := m.store.GetJob(ctx, jobID)
	if err != nil {
		return nil, eris.Wrapf(err, "jobs: get %s", jobID)
	}
	items, err := m.store.ListItems(ctx, jobID)
	if err != nil {
		return nil, eris.Wrapf(err, "jobs: items of %s", jobID)
	}
	snap := &model.JobSnapshot{Job: *job, Results: []*model.LeadResult{}}
	for _, it := range items {
		if it.Result != nil {
			snap.Results = append(snap.Results, it.Result)
		}
		if it.Status == model.JobStatusFailed {
			snap.Failed = append(snap.Failed, it.Index)
		}
	}
	return snap, nil
}

// List returns job headers, newest first.
func (m *Manager) List(ctx context.Context, filter store.JobFilter) ([]model.Job, error) {
	jobs, err := m.store.ListJobs(ctx, filter)
	if err != nil {
		return nil, eris.Wrap(err, "jobs: list")
	}
	return jobs, nil
}

func (m *Manager) register(jobID string) *run {
	r := &run{done: make(chan struct{})}
	m.mu.Lock()
	m.running[jobID] = r
	m.mu.Unlock()
	return r
}

func (m *Manager) unregister(jobID string) {
	m.mu.Lock()
	delete(m.running, jobID)
	m.mu.Unlock()
}

// run is the local cancel flag of a job executing in this process.
type run struct {
	done chan struct{}
	once sync.Once

	mu      sync.Mutex
	reason  string
	stopped bool
	lost    bool
}

func (r *run) stop(reason string) {
	r.once.Do(func() {
		r.mu.Lock()
		r.reason = reason
		r.stopped = true
		r.mu.Unlock()
		close(r.done)
	})
}

func (r *run) lose() {
	r.mu.Lock()
	r.lost = true
	r.mu.Unlock()
	r.stop("lost ownership")
}

func (r *run) isLost() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.lost
}

func (r *run) reasonIfStopped() (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.reason, r.stopped
}
