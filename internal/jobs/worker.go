package jobs

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"
)

// Worker polls the store for claimable jobs and runs up to a fixed number
// of them at once.
type Worker struct {
	manager *Manager
	poll    time.Duration
	slots   *semaphore.Weighted
	wg      sync.WaitGroup
}

// NewWorker creates a Worker.
func NewWorker(m *Manager, pollInterval time.Duration, maxParallelJobs int) *Worker {
	if pollInterval <= 0 {
		pollInterval = 2 * time.Second
	}
	if maxParallelJobs <= 0 {
		maxParallelJobs = 1
	}
	return &Worker{
		manager: m,
		poll:    pollInterval,
		slots:   semaphore.NewWeighted(int64(maxParallelJobs)),
	}
}

// Run polls until ctx is done, then waits for running jobs to settle.
// Interrupted jobs stay processing and are reclaimed once stale.
func (w *Worker) Run(ctx context.Context) error {
	log := zap.L().With(zap.String("owner", w.manager.Owner()))
	log.Info("jobs: worker started", zap.Duration("poll", w.poll))

	t := time.NewTicker(w.poll)
	defer t.Stop()
	for {
		w.ClaimAvailable(ctx)
		select {
		case <-ctx.Done():
			w.wg.Wait()
			log.Info("jobs: worker stopped")
			return nil
		case <-t.C:
		}
	}
}

// ClaimAvailable claims jobs while slots are free and starts them. It
// returns the number of jobs started.
func (w *Worker) ClaimAvailable(ctx context.Context) int {
	started := 0
	for ctx.Err() == nil && w.slots.TryAcquire(1) {
		job, err := w.manager.ClaimNext(ctx)
		if err != nil || job == nil {
			w.slots.Release(1)
			if err != nil && ctx.Err() == nil {
				zap.L().Warn("jobs: poll", zap.Error(err))
			}
			return started
		}
		started++
		w.wg.Add(1)
		go func() {
			defer w.wg.Done()
			defer w.slots.Release(1)
			if err := w.manager.RunClaimed(ctx, job); err != nil {
				zap.L().Warn("jobs: run ended with error", zap.String("job_id", job.ID), zap.Error(err))
			}
		}()
	}
	return started
}

// Wait blocks until every job started by this worker has returned.
func (w *Worker) Wait() { w.wg.Wait() }
