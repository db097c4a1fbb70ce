package enrich

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rotisserie/eris"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/lead-scorer/internal/cleaner"
	"github.com/sells-group/lead-scorer/internal/model"
	"github.com/sells-group/lead-scorer/internal/ratelimit"
	"github.com/sells-group/lead-scorer/internal/resilience"
	"github.com/sells-group/lead-scorer/internal/scoring"
)

type fakeResolver struct {
	calls   atomic.Int32
	resolve func(ctx context.Context, query, company string) model.ReviewSnapshot
	cached  map[string]model.ReviewSnapshot
}

func (f *fakeResolver) Resolve(ctx context.Context, query, _, company string) model.ReviewSnapshot {
	f.calls.Add(1)
	if f.resolve != nil {
		return f.resolve(ctx, query, company)
	}
	rating, count := 4.6, 128
	return model.NewReviewSnapshot(rating, &count, "https://maps.example/maps/place/x", "serp_place:ldjson")
}

func (f *fakeResolver) Cached(_, _, company string) (model.ReviewSnapshot, bool) {
	s, ok := f.cached[company]
	return s, ok
}

type fakeWebsite struct {
	panicOn string
}

func (f fakeWebsite) Analyze(_ context.Context, url string) *model.WebsiteSignal {
	if url == "" {
		return nil
	}
	if f.panicOn != "" && strings.Contains(url, f.panicOn) {
		panic("website classifier blew up")
	}
	return &model.WebsiteSignal{URL: url, Reachable: true, BaseScore: 6, FinalScore: 8, Method: "homepage"}
}

type collabFunc func(ctx context.Context, in []scoring.Input) ([]model.ScoreResult, model.Usage, error)

func (f collabFunc) Score(ctx context.Context, in []scoring.Input) ([]model.ScoreResult, model.Usage, error) {
	return f(ctx, in)
}

// allEights scores every sub-score 8 and fails for the poisoned company.
func allEights(poison string) collabFunc {
	return func(_ context.Context, in []scoring.Input) ([]model.ScoreResult, model.Usage, error) {
		out := make([]model.ScoreResult, len(in))
		for i, x := range in {
			if x.Lead.Lead.Company == poison {
				return nil, model.Usage{}, eris.New("collaborator returned 500 for " + poison)
			}
			out[i] = model.ScoreResult{
				SubScores: model.SubScores{WebsiteActivity: 8, Reviews: 8, YearsInBusiness: 8, RevenueProxy: 8, IndustryFit: 8},
				Reasoning: "scored " + x.Lead.Lead.Company,
			}
		}
		return out, model.Usage{InputTokens: 100, OutputTokens: 10}, nil
	}
}

func newOrchestrator(r ReviewResolver, w WebsiteAnalyzer, collab scoring.Collaborator, batchSize int) *Orchestrator {
	b := scoring.NewBatcher(collab, scoring.DefaultProfiles(), scoring.BatcherConfig{
		BatchSize:  batchSize,
		FlushDelay: 5 * time.Millisecond,
	})
	return New(cleaner.New(), r, w, b, 5)
}

func leads(n int) []model.Lead {
	out := make([]model.Lead, n)
	for i := range out {
		out[i] = model.Lead{
			ID:       fmt.Sprintf("id-%d", i+1),
			Company:  fmt.Sprintf("Lead %d", i+1),
			Location: "Denver, CO",
			Website:  fmt.Sprintf("lead%d.example.com", i+1),
		}
	}
	return out
}

func TestProcess_ScoringFailureIsolatedToOneLead(t *testing.T) {
	o := newOrchestrator(&fakeResolver{}, fakeWebsite{}, allEights("Lead 7"), 3)

	var progress []Progress
	var mu sync.Mutex
	res, err := o.Process(context.Background(), leads(10), Options{
		MaxConcurrency: 4,
		OnProgress: func(p Progress) {
			mu.Lock()
			progress = append(progress, p)
			mu.Unlock()
		},
	})
	require.NoError(t, err)
	require.Len(t, res.Results, 10)

	for i, r := range res.Results {
		assert.Equal(t, i, r.Index)
		if i == 6 {
			assert.Equal(t, model.InterpretationColdDead, r.Score.Interpretation)
			assert.Equal(t, 0.0, r.Score.FinalScore)
			assert.Contains(t, r.Score.Reasoning, "collaborator returned 500 for Lead 7")
			assert.NotEmpty(t, r.Error)
			continue
		}
		assert.Empty(t, r.Error, "lead %d", i+1)
		assert.Equal(t, 8.0, r.Score.FinalScore, "lead %d", i+1)
		assert.Equal(t, model.InterpretationHot, r.Score.Interpretation)
		assert.Equal(t, fmt.Sprintf("scored Lead %d", i+1), r.Score.Reasoning)
	}

	assert.Equal(t, 1, res.Usage.Fallbacks)
	assert.Equal(t, 10, res.Usage.Lookups)
	require.Len(t, progress, 10)
	for i, p := range progress {
		assert.Equal(t, i+1, p.Completed)
		assert.Equal(t, 10, p.Total)
		assert.NotNil(t, p.Result)
	}
}

func TestProcess_NotFoundZeroesReviewsSubScore(t *testing.T) {
	r := &fakeResolver{resolve: func(context.Context, string, string) model.ReviewSnapshot {
		return model.NotFoundSnapshot()
	}}
	o := newOrchestrator(r, fakeWebsite{}, allEights(""), 1)

	res, err := o.Process(context.Background(), []model.Lead{{ID: "z", Company: "Zed Consulting"}}, Options{})
	require.NoError(t, err)
	require.Len(t, res.Results, 1)

	got := res.Results[0]
	assert.Equal(t, model.MethodNotFound, got.Reviews.Method)
	assert.Nil(t, got.Reviews.AverageRating)
	assert.Equal(t, 0, got.Score.SubScores.Reviews)
	assert.Nil(t, got.Website)
}

func TestProcess_DuplicateLeadsShareOneLookup(t *testing.T) {
	release := make(chan struct{})
	var started atomic.Int32
	r := &fakeResolver{resolve: func(context.Context, string, string) model.ReviewSnapshot {
		started.Add(1)
		<-release
		rating, count := 4.2, 40
		return model.NewReviewSnapshot(rating, &count, "", "direct:ldjson")
	}}
	o := newOrchestrator(r, fakeWebsite{}, allEights(""), 1)

	dupes := []model.Lead{
		{ID: "a", Company: "Alpine Roofing"},
		{ID: "b", Company: "Alpine Roofing LLC"},
		{ID: "c", Company: "alpine  roofing"},
	}
	go func() {
		// Let all three leads reach the lookup before it completes.
		for o.inflight.len() == 0 {
			time.Sleep(time.Millisecond)
		}
		time.Sleep(30 * time.Millisecond)
		close(release)
	}()

	res, err := o.Process(context.Background(), dupes, Options{MaxConcurrency: 3})
	require.NoError(t, err)

	// "Alpine Roofing LLC" has a distinct normalized company key but the
	// other two coalesce.
	assert.Equal(t, int32(2), r.calls.Load())
	assert.Equal(t, 1, res.Usage.DedupHits)
	assert.Equal(t, 2, res.Usage.Lookups)
	for _, lr := range res.Results {
		require.NotNil(t, lr.Reviews.AverageRating)
		assert.Equal(t, 4.2, *lr.Reviews.AverageRating)
	}
	assert.Equal(t, 0, o.inflight.len())
}

func TestProcess_CachedLookupCounted(t *testing.T) {
	rating, count := 3.9, 12
	r := &fakeResolver{cached: map[string]model.ReviewSnapshot{
		"Lead 1": model.NewReviewSnapshot(rating, &count, "", "direct:ldjson"),
	}}
	o := newOrchestrator(r, fakeWebsite{}, allEights(""), 1)

	res, err := o.Process(context.Background(), leads(2), Options{})
	require.NoError(t, err)
	assert.Equal(t, 1, res.Usage.LookupCacheHits)
	assert.Equal(t, 1, res.Usage.Lookups)
	assert.Equal(t, int32(1), r.calls.Load())
	assert.Equal(t, 3.9, *res.Results[0].Reviews.AverageRating)
}

func TestProcess_PanicBecomesFallback(t *testing.T) {
	o := newOrchestrator(&fakeResolver{}, fakeWebsite{panicOn: "lead2."}, allEights(""), 1)

	res, err := o.Process(context.Background(), leads(3), Options{})
	require.NoError(t, err)
	require.Len(t, res.Results, 3)

	assert.Equal(t, model.InterpretationColdDead, res.Results[1].Score.Interpretation)
	assert.Contains(t, res.Results[1].Score.Reasoning, "website classifier blew up")
	assert.Equal(t, 8.0, res.Results[0].Score.FinalScore)
	assert.Equal(t, 8.0, res.Results[2].Score.FinalScore)
}

func TestProcess_CancelStopsAdmission(t *testing.T) {
	o := newOrchestrator(&fakeResolver{}, fakeWebsite{}, allEights(""), 1)
	cancel := make(chan struct{})
	var once sync.Once

	res, err := o.Process(context.Background(), leads(20), Options{
		MaxConcurrency: 2,
		Cancel:         cancel,
		OnProgress: func(p Progress) {
			if p.Completed == 3 {
				once.Do(func() { close(cancel) })
			}
		},
	})
	require.ErrorIs(t, err, ErrCancelled)
	assert.GreaterOrEqual(t, len(res.Results), 3)
	assert.Less(t, len(res.Results), 20)
	for i := 1; i < len(res.Results); i++ {
		assert.Less(t, res.Results[i-1].Index, res.Results[i].Index)
	}
}

func TestProcess_ContextCancelledBeforeStart(t *testing.T) {
	o := newOrchestrator(&fakeResolver{}, fakeWebsite{}, allEights(""), 1)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	res, err := o.Process(ctx, leads(5), Options{})
	assert.ErrorIs(t, err, ErrCancelled)
	assert.Empty(t, res.Results)
}

func TestProcess_OpenBreakerFallsBack(t *testing.T) {
	var calls atomic.Int32
	down := collabFunc(func(context.Context, []scoring.Input) ([]model.ScoreResult, model.Usage, error) {
		calls.Add(1)
		return nil, model.Usage{}, eris.New("collaborator 529 overloaded")
	})
	b := scoring.NewBatcher(down, scoring.DefaultProfiles(), scoring.BatcherConfig{
		BatchSize: 1,
		Breaker:   resilience.CircuitBreakerConfig{FailureThreshold: 1, Cooldown: time.Hour},
	})
	o := New(cleaner.New(), &fakeResolver{}, fakeWebsite{}, b, 1)

	res, err := o.Process(context.Background(), leads(3), Options{MaxConcurrency: 1})
	require.NoError(t, err)
	require.Len(t, res.Results, 3)

	assert.Equal(t, int32(1), calls.Load())
	assert.Equal(t, 3, res.Usage.Fallbacks)
	assert.Contains(t, res.Results[0].Score.Reasoning, "overloaded")
	for _, r := range res.Results[1:] {
		assert.Equal(t, model.InterpretationColdDead, r.Score.Interpretation)
		assert.Contains(t, r.Score.Reasoning, "circuit breaker is open")
		assert.Equal(t, "serp_place:ldjson", r.Reviews.Method)
	}
}

func TestProcess_ShutdownDropsInterruptedLeads(t *testing.T) {
	entered := make(chan struct{}, 8)
	release := make(chan struct{})
	t.Cleanup(func() { close(release) })
	collab := collabFunc(func(context.Context, []scoring.Input) ([]model.ScoreResult, model.Usage, error) {
		entered <- struct{}{}
		<-release
		return nil, model.Usage{}, eris.New("released")
	})
	o := newOrchestrator(&fakeResolver{}, fakeWebsite{}, collab, 1)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		<-entered
		<-entered
		cancel()
	}()

	var progressed atomic.Int32
	res, err := o.Process(ctx, leads(3), Options{
		MaxConcurrency: 2,
		OnProgress:     func(Progress) { progressed.Add(1) },
	})
	require.ErrorIs(t, err, ErrCancelled)
	assert.Empty(t, res.Results)
	assert.Zero(t, progressed.Load())
	assert.Zero(t, res.Usage.Fallbacks)
}

func TestProcess_LimiterBoundsConcurrentLookups(t *testing.T) {
	for _, concurrency := range []int{5, 20} {
		t.Run(fmt.Sprintf("concurrency=%d", concurrency), func(t *testing.T) {
			l := ratelimit.New(ratelimit.Config{MaxConcurrency: 4, BaseBackoff: time.Millisecond, MaxBackoff: time.Millisecond})
			var active, peak atomic.Int32
			r := &fakeResolver{resolve: func(ctx context.Context, _, _ string) model.ReviewSnapshot {
				n := active.Add(1)
				defer active.Add(-1)
				for {
					p := peak.Load()
					if n <= p || peak.CompareAndSwap(p, n) {
						break
					}
				}
				snap, _ := ratelimit.Schedule(ctx, l, func(context.Context) (model.ReviewSnapshot, error) {
					time.Sleep(time.Millisecond)
					return model.NotFoundSnapshot(), nil
				})
				return snap
			}}
			o := newOrchestrator(r, fakeWebsite{}, allEights(""), 5)

			res, err := o.Process(context.Background(), leads(300), Options{MaxConcurrency: concurrency})
			require.NoError(t, err)
			require.Len(t, res.Results, 300)

			assert.LessOrEqual(t, l.PeakActive(), 4)
			assert.Positive(t, l.PeakActive())
			assert.LessOrEqual(t, peak.Load(), int32(concurrency))
			assert.Equal(t, 300, res.Usage.Lookups)
			assert.Equal(t, 0, res.Usage.Fallbacks)
			for i, lr := range res.Results {
				assert.Equal(t, i, lr.Index)
			}
		})
	}
}
