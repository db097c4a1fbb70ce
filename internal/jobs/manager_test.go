package jobs

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/lead-scorer/internal/cleaner"
	"github.com/sells-group/lead-scorer/internal/enrich"
	"github.com/sells-group/lead-scorer/internal/model"
	"github.com/sells-group/lead-scorer/internal/scoring"
	"github.com/sells-group/lead-scorer/internal/store"
)

func newTestStore(t *testing.T) *store.SQLiteStore {
	t.Helper()
	st, err := store.NewSQLite(filepath.Join(t.TempDir(), "jobs.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() }) //nolint:errcheck
	require.NoError(t, st.Migrate(context.Background()))
	return st
}

type processFunc func(ctx context.Context, leads []model.Lead, opts enrich.Options) (*enrich.BatchResult, error)

func (f processFunc) Process(ctx context.Context, leads []model.Lead, opts enrich.Options) (*enrich.BatchResult, error) {
	return f(ctx, leads, opts)
}

func scored(i int, lead model.Lead) *model.LeadResult {
	return &model.LeadResult{
		Index:   i,
		LeadID:  lead.ID,
		Company: lead.Company,
		Cleaned: &model.CleanedLead{Lead: lead},
		Reviews: model.NotFoundSnapshot(),
		Score:   model.ScoreResult{FinalScore: 7, Interpretation: model.InterpretationQualified, Reasoning: "ok"},
	}
}

// sequential emits one result per lead in order and stops admitting once
// opts.Cancel is closed. gate, when set, is called before each lead.
func sequential(gate func(i int)) processFunc {
	return func(ctx context.Context, leads []model.Lead, opts enrich.Options) (*enrich.BatchResult, error) {
		out := &enrich.BatchResult{}
		for i, lead := range leads {
			if gate != nil {
				gate(i)
			}
			select {
			case <-opts.Cancel:
				return out, enrich.ErrCancelled
			default:
			}
			if ctx.Err() != nil {
				return out, enrich.ErrCancelled
			}
			r := scored(i, lead)
			out.Results = append(out.Results, r)
			if opts.OnProgress != nil {
				opts.OnProgress(enrich.Progress{Completed: i + 1, Total: len(leads), Result: r})
			}
		}
		return out, nil
	}
}

func leadsNamed(names ...string) []model.Lead {
	out := make([]model.Lead, len(names))
	for i, n := range names {
		out[i] = model.Lead{ID: fmt.Sprintf("lead-%d", i), Company: n}
	}
	return out
}

func TestEnqueue(t *testing.T) {
	st := newTestStore(t)
	m := NewManager(st, sequential(nil), Config{Owner: "w1"})
	ctx := context.Background()

	_, err := m.Enqueue(ctx, nil, model.JobOptions{})
	assert.ErrorIs(t, err, ErrNoLeads)

	id, err := m.Enqueue(ctx, leadsNamed("Alpine Roofing", "Zed Consulting"), model.JobOptions{UseCleaner: true})
	require.NoError(t, err)

	snap, err := m.GetStatus(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, model.JobStatusQueued, snap.Job.Status)
	assert.Equal(t, 2, snap.Job.Total)
	assert.Equal(t, 0, snap.Job.Processed)
	assert.Empty(t, snap.Results)
	assert.True(t, snap.Job.Metadata.Options.UseCleaner)
}

func TestClaim_SecondClaimIsNil(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	a := NewManager(st, sequential(nil), Config{Owner: "a"})
	b := NewManager(st, sequential(nil), Config{Owner: "b"})

	id, err := a.Enqueue(ctx, leadsNamed("x"), model.JobOptions{})
	require.NoError(t, err)

	job, err := a.Claim(ctx, id)
	require.NoError(t, err)
	require.NotNil(t, job)
	assert.Equal(t, "a", job.Owner)

	again, err := b.Claim(ctx, id)
	require.NoError(t, err)
	assert.Nil(t, again)
}

func TestRunClaimed_CompletesInOrder(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	var gotOpts enrich.Options
	proc := processFunc(func(ctx context.Context, leads []model.Lead, opts enrich.Options) (*enrich.BatchResult, error) {
		gotOpts = opts
		// Finish out of order; storage must still come back ordered.
		out := &enrich.BatchResult{}
		for i := len(leads) - 1; i >= 0; i-- {
			r := scored(i, leads[i])
			out.Results = append(out.Results, r)
			opts.OnProgress(enrich.Progress{Completed: len(leads) - i, Total: len(leads), Result: r})
		}
		return out, nil
	})
	m := NewManager(st, proc, Config{Owner: "w1", MaxConcurrency: 4})

	leads := leadsNamed("Alpine Roofing", "Zed Consulting", "Alpine Roofing")
	leads[2].ID = leads[0].ID
	id, err := m.Enqueue(ctx, leads, model.JobOptions{UseCleaner: true, SaveResults: true})
	require.NoError(t, err)

	job, err := m.Claim(ctx, id)
	require.NoError(t, err)
	require.NoError(t, m.RunClaimed(ctx, job))

	assert.True(t, gotOpts.UseCleaner)
	assert.Equal(t, 4, gotOpts.MaxConcurrency)

	snap, err := m.GetStatus(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, model.JobStatusCompleted, snap.Job.Status)
	assert.Equal(t, snap.Job.Total, snap.Job.Processed)
	require.Len(t, snap.Results, 3)
	for i, r := range snap.Results {
		assert.Equal(t, i, r.Index)
		assert.Equal(t, leads[i].Company, r.Company)
		assert.NotNil(t, r.Cleaned)
	}
	assert.Empty(t, snap.Failed)
}

func TestRunClaimed_ResumesOnlyPendingItems(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	var seen []string
	proc := processFunc(func(ctx context.Context, leads []model.Lead, opts enrich.Options) (*enrich.BatchResult, error) {
		for _, l := range leads {
			seen = append(seen, l.Company)
		}
		return sequential(nil)(ctx, leads, opts)
	})
	m := NewManager(st, proc, Config{Owner: "w1"})

	id, err := m.Enqueue(ctx, leadsNamed("a", "b", "c"), model.JobOptions{})
	require.NoError(t, err)
	job, err := m.Claim(ctx, id)
	require.NoError(t, err)

	// A previous run stored item 1 before dying.
	_, err = st.CompleteItem(ctx, id, "w1", 1, scored(1, model.Lead{Company: "b"}))
	require.NoError(t, err)

	require.NoError(t, m.RunClaimed(ctx, job))
	assert.Equal(t, []string{"a", "c"}, seen)

	snap, err := m.GetStatus(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, model.JobStatusCompleted, snap.Job.Status)
	assert.Equal(t, 3, snap.Job.Processed)
	require.Len(t, snap.Results, 3)
	assert.Equal(t, []string{"a", "b", "c"}, []string{snap.Results[0].Company, snap.Results[1].Company, snap.Results[2].Company})
	assert.Equal(t, 2, snap.Results[2].Index)
}

func TestRunClaimed_CompactResultsWithoutSave(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	m := NewManager(st, sequential(nil), Config{Owner: "w1"})

	id, err := m.Enqueue(ctx, leadsNamed("a"), model.JobOptions{})
	require.NoError(t, err)
	job, err := m.Claim(ctx, id)
	require.NoError(t, err)
	require.NoError(t, m.RunClaimed(ctx, job))

	snap, err := m.GetStatus(ctx, id)
	require.NoError(t, err)
	require.Len(t, snap.Results, 1)
	assert.Nil(t, snap.Results[0].Cleaned)
	assert.Equal(t, 7.0, snap.Results[0].Score.FinalScore)
}

func TestRunClaimed_OrchestratorFailure(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	proc := processFunc(func(ctx context.Context, leads []model.Lead, opts enrich.Options) (*enrich.BatchResult, error) {
		opts.OnProgress(enrich.Progress{Completed: 1, Total: len(leads), Result: scored(0, leads[0])})
		panic("scoring pool exploded")
	})
	m := NewManager(st, proc, Config{Owner: "w1"})

	id, err := m.Enqueue(ctx, leadsNamed("a", "b", "c"), model.JobOptions{})
	require.NoError(t, err)
	job, err := m.Claim(ctx, id)
	require.NoError(t, err)

	err = m.RunClaimed(ctx, job)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "scoring pool exploded")

	snap, err := m.GetStatus(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, model.JobStatusFailed, snap.Job.Status)
	assert.Contains(t, snap.Job.Error, "scoring pool exploded")
	assert.Equal(t, 1, snap.Job.Processed)
	require.Len(t, snap.Results, 1)
	assert.Equal(t, []int{1, 2}, snap.Failed)
}

func TestRunClaimed_LocalCancel(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	var m *Manager
	var id string
	proc := sequential(func(i int) {
		if i == 2 {
			_, err := m.Cancel(ctx, id, "user abort")
			require.NoError(t, err)
		}
	})
	m = NewManager(st, proc, Config{Owner: "w1"})

	var err error
	id, err = m.Enqueue(ctx, leadsNamed("a", "b", "c", "d"), model.JobOptions{})
	require.NoError(t, err)
	job, err := m.Claim(ctx, id)
	require.NoError(t, err)

	err = m.RunClaimed(ctx, job)
	require.ErrorIs(t, err, enrich.ErrCancelled)

	snap, err := m.GetStatus(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, model.JobStatusFailed, snap.Job.Status)
	assert.Equal(t, "cancelled: user abort", snap.Job.Error)
	assert.Equal(t, 2, snap.Job.Processed)
	assert.Len(t, snap.Results, 2)
	assert.Equal(t, []int{2, 3}, snap.Failed)
}

func TestRunClaimed_CancelObservedOnHeartbeat(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	release := make(chan struct{})
	proc := processFunc(func(ctx context.Context, leads []model.Lead, opts enrich.Options) (*enrich.BatchResult, error) {
		close(release)
		select {
		case <-opts.Cancel:
			return &enrich.BatchResult{}, enrich.ErrCancelled
		case <-time.After(5 * time.Second):
			return nil, errors.New("cancel never observed")
		}
	})
	m := NewManager(st, proc, Config{Owner: "w1", Heartbeat: 10 * time.Millisecond})

	id, err := m.Enqueue(ctx, leadsNamed("a"), model.JobOptions{})
	require.NoError(t, err)
	job, err := m.Claim(ctx, id)
	require.NoError(t, err)

	go func() {
		<-release
		// Another process records the cancel request directly.
		_, err := st.RequestCancel(ctx, id, "from api replica")
		assert.NoError(t, err)
	}()

	err = m.RunClaimed(ctx, job)
	require.ErrorIs(t, err, enrich.ErrCancelled)

	snap, err := m.GetStatus(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, model.JobStatusFailed, snap.Job.Status)
	assert.Equal(t, "cancelled: from api replica", snap.Job.Error)
}

func TestRunClaimed_ShutdownLeavesJobForReclaim(t *testing.T) {
	st := newTestStore(t)
	ctx, cancel := context.WithCancel(context.Background())

	proc := sequential(func(i int) {
		if i == 1 {
			cancel()
		}
	})
	m := NewManager(st, proc, Config{Owner: "w1"})

	id, err := m.Enqueue(context.Background(), leadsNamed("a", "b", "c"), model.JobOptions{})
	require.NoError(t, err)
	job, err := m.Claim(context.Background(), id)
	require.NoError(t, err)

	err = m.RunClaimed(ctx, job)
	require.ErrorIs(t, err, enrich.ErrCancelled)

	snap, err := m.GetStatus(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, model.JobStatusProcessing, snap.Job.Status)
	assert.Equal(t, 1, snap.Job.Processed)

	// A fresh worker with zero staleness picks it up and finishes it.
	next := NewManager(st, sequential(nil), Config{Owner: "w2", StaleAfter: time.Nanosecond})
	time.Sleep(5 * time.Millisecond)
	reclaimed, err := next.Claim(context.Background(), id)
	require.NoError(t, err)
	require.NotNil(t, reclaimed)
	require.NoError(t, next.RunClaimed(context.Background(), reclaimed))

	snap, err = next.GetStatus(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, model.JobStatusCompleted, snap.Job.Status)
	assert.Equal(t, 3, snap.Job.Processed)
}

type notFoundResolver struct{}

func (notFoundResolver) Resolve(context.Context, string, string, string) model.ReviewSnapshot {
	return model.NotFoundSnapshot()
}

func (notFoundResolver) Cached(string, string, string) (model.ReviewSnapshot, bool) {
	return model.ReviewSnapshot{}, false
}

type noWebsite struct{}

func (noWebsite) Analyze(context.Context, string) *model.WebsiteSignal { return nil }

// blockingCollaborator signals entered for every call and holds it until
// release is closed.
type blockingCollaborator struct {
	entered chan struct{}
	release chan struct{}
}

func (b blockingCollaborator) Score(context.Context, []scoring.Input) ([]model.ScoreResult, model.Usage, error) {
	b.entered <- struct{}{}
	<-b.release
	return nil, model.Usage{}, errors.New("released")
}

func TestRunClaimed_ShutdownDuringScoringKeepsItemsPending(t *testing.T) {
	st := newTestStore(t)
	collab := blockingCollaborator{entered: make(chan struct{}, 8), release: make(chan struct{})}
	t.Cleanup(func() { close(collab.release) })
	batcher := scoring.NewBatcher(collab, scoring.DefaultProfiles(), scoring.BatcherConfig{BatchSize: 1})
	orch := enrich.New(cleaner.New(), notFoundResolver{}, noWebsite{}, batcher, 2)

	m := NewManager(st, orch, Config{Owner: "w1", MaxConcurrency: 2})
	id, err := m.Enqueue(context.Background(), leadsNamed("Alpine Roofing", "Birch Plumbing", "Cedar Dental"), model.JobOptions{})
	require.NoError(t, err)
	job, err := m.Claim(context.Background(), id)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		<-collab.entered
		<-collab.entered
		cancel()
	}()
	err = m.RunClaimed(ctx, job)
	require.ErrorIs(t, err, enrich.ErrCancelled)

	snap, err := m.GetStatus(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, model.JobStatusProcessing, snap.Job.Status)
	assert.Equal(t, 0, snap.Job.Processed)
	assert.Empty(t, snap.Results)

	pending, err := st.PendingItems(context.Background(), id)
	require.NoError(t, err)
	assert.Len(t, pending, 3)

	next := NewManager(st, sequential(nil), Config{Owner: "w2", StaleAfter: time.Nanosecond})
	time.Sleep(5 * time.Millisecond)
	reclaimed, err := next.Claim(context.Background(), id)
	require.NoError(t, err)
	require.NotNil(t, reclaimed)
	require.NoError(t, next.RunClaimed(context.Background(), reclaimed))

	snap, err = next.GetStatus(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, model.JobStatusCompleted, snap.Job.Status)
	require.Len(t, snap.Results, 3)
	for _, r := range snap.Results {
		assert.NotEqual(t, model.InterpretationColdDead, r.Score.Interpretation, r.Company)
	}
}

func TestCancel_QueuedJobFailsImmediately(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	m := NewManager(st, sequential(nil), Config{Owner: "w1"})

	id, err := m.Enqueue(ctx, leadsNamed("a", "b"), model.JobOptions{})
	require.NoError(t, err)

	snap, err := m.Cancel(ctx, id, "")
	require.NoError(t, err)
	assert.Equal(t, model.JobStatusFailed, snap.Job.Status)
	assert.Equal(t, "cancelled: requested", snap.Job.Error)
	assert.Equal(t, []int{0, 1}, snap.Failed)

	_, err = m.Cancel(ctx, "missing", "x")
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestList(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	m := NewManager(st, sequential(nil), Config{Owner: "w1"})

	for i := 0; i < 3; i++ {
		_, err := m.Enqueue(ctx, leadsNamed("a"), model.JobOptions{})
		require.NoError(t, err)
	}
	jobs, err := m.List(ctx, store.JobFilter{Status: model.JobStatusQueued})
	require.NoError(t, err)
	assert.Len(t, jobs, 3)
}

func TestWorker_DrainsQueue(t *testing.T) {
	st := newTestStore(t)
	m := NewManager(st, sequential(nil), Config{Owner: "w1"})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var ids []string
	for i := 0; i < 5; i++ {
		id, err := m.Enqueue(ctx, leadsNamed("a", "b"), model.JobOptions{})
		require.NoError(t, err)
		ids = append(ids, id)
	}

	w := NewWorker(m, 5*time.Millisecond, 2)
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		assert.NoError(t, w.Run(ctx))
	}()

	require.Eventually(t, func() bool {
		jobs, err := m.List(context.Background(), store.JobFilter{Status: model.JobStatusCompleted})
		return err == nil && len(jobs) == len(ids)
	}, 5*time.Second, 10*time.Millisecond)

	cancel()
	wg.Wait()
}

func TestWorker_ClaimAvailableRespectsSlots(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	block := make(chan struct{})
	proc := processFunc(func(ctx context.Context, leads []model.Lead, opts enrich.Options) (*enrich.BatchResult, error) {
		<-block
		return sequential(nil)(ctx, leads, opts)
	})
	m := NewManager(st, proc, Config{Owner: "w1"})
	for i := 0; i < 3; i++ {
		_, err := m.Enqueue(ctx, leadsNamed("a"), model.JobOptions{})
		require.NoError(t, err)
	}

	w := NewWorker(m, time.Second, 2)
	assert.Equal(t, 2, w.ClaimAvailable(ctx))
	assert.Equal(t, 0, w.ClaimAvailable(ctx))
	close(block)
	w.Wait()
	assert.Equal(t, 1, w.ClaimAvailable(ctx))
	w.Wait()
}
