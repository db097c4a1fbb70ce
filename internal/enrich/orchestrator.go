// Package enrich runs leads through clean, enrich and score stages on a
// bounded worker pool, isolating per-lead failures.
package enrich

import (
	"context"
	"sort"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/sells-group/lead-scorer/internal/model"
	"github.com/sells-group/lead-scorer/internal/resolver"
	"github.com/sells-group/lead-scorer/internal/scoring"
)

// ErrCancelled is returned by Process when the batch was cancelled before
// every lead was admitted.
var ErrCancelled = eris.New("enrich: cancelled")

// Cleaner normalizes a raw lead.
type Cleaner interface {
	Clean(ctx context.Context, lead model.Lead, useLLM bool) (*model.CleanedLead, model.Usage)
}

// ReviewResolver resolves a lead's review snapshot.
type ReviewResolver interface {
	Resolve(ctx context.Context, query, providedURL, company string) model.ReviewSnapshot
	Cached(query, providedURL, company string) (model.ReviewSnapshot, bool)
}

// WebsiteAnalyzer classifies a lead's website.
type WebsiteAnalyzer interface {
	Analyze(ctx context.Context, url string) *model.WebsiteSignal
}

// Scorer scores an enriched lead.
type Scorer interface {
	Submit(ctx context.Context, in scoring.Input) (model.ScoreResult, model.Usage, error)
	Weights(lead *model.CleanedLead) model.Weights
}

// Options control one Process call.
type Options struct {
	UseCleaner     bool
	MaxConcurrency int
	OnProgress     func(Progress)
	// Cancel stops admission of new leads when closed.
	Cancel <-chan struct{}
}

// Progress is emitted once per finished lead, in completion order.
type Progress struct {
	Completed int
	Total     int
	Result    *model.LeadResult
}

// BatchResult holds per-lead results ordered by input index plus usage
// totals.
type BatchResult struct {
	Results []*model.LeadResult
	Usage   model.Usage
}

// Orchestrator processes batches of leads. One Orchestrator should be
// shared process-wide so duplicate lookups across batches are coalesced.
type Orchestrator struct {
	cleaner        Cleaner
	resolver       ReviewResolver
	website        WebsiteAnalyzer
	scorer         Scorer
	maxConcurrency int
	inflight       *inflight
}

// New creates an Orchestrator. maxConcurrency is the default lead
// concurrency when Options leave it unset.
func New(c Cleaner, r ReviewResolver, w WebsiteAnalyzer, s Scorer, maxConcurrency int) *Orchestrator {
	if maxConcurrency <= 0 {
		maxConcurrency = 5
	}
	return &Orchestrator{
		cleaner:        c,
		resolver:       r,
		website:        w,
		scorer:         s,
		maxConcurrency: maxConcurrency,
		inflight:       newInflight(),
	}
}

// Process runs every lead through the pipeline. Up to MaxConcurrency leads
// are in flight; each completion admits the next lead. Per-lead failures
// become fallback results and never fail the batch. When Cancel is closed
// or ctx is done, admission stops, in-flight leads settle, and the results
// gathered so far are returned with ErrCancelled. A lead cut short by ctx
// ending is dropped: it is neither reported to OnProgress nor returned.
func (o *Orchestrator) Process(ctx context.Context, leads []model.Lead, opts Options) (*BatchResult, error) {
	limit := opts.MaxConcurrency
	if limit <= 0 {
		limit = o.maxConcurrency
	}

	start := time.Now()
	done := make(chan leadOutcome)
	byIndex := make([]*model.LeadResult, len(leads))
	out := &BatchResult{}

	next, active, completed, interrupted := 0, 0, 0, 0
	cancelled := false
	for next < len(leads) || active > 0 {
		for !cancelled && active < limit && next < len(leads) {
			if isCancelled(ctx, opts.Cancel) {
				cancelled = true
				break
			}
			i := next
			next++
			active++
			go func() { done <- o.runLead(ctx, i, leads[i], opts) }()
		}
		if active == 0 {
			break
		}

		lo := <-done
		active--
		if lo.interrupted {
			interrupted++
			cancelled = true
			continue
		}
		res := lo.res
		completed++
		byIndex[res.Index] = res
		out.Usage.Add(res.Usage)
		if opts.OnProgress != nil {
			opts.OnProgress(Progress{Completed: completed, Total: len(leads), Result: res})
		}
	}

	for _, r := range byIndex {
		if r != nil {
			out.Results = append(out.Results, r)
		}
	}
	sort.SliceStable(out.Results, func(i, j int) bool { return out.Results[i].Index < out.Results[j].Index })

	zap.L().Info("enrich: batch complete",
		zap.Int("leads", len(leads)),
		zap.Int("completed", completed),
		zap.Int("interrupted", interrupted),
		zap.Bool("cancelled", cancelled),
		zap.Int("fallbacks", out.Usage.Fallbacks),
		zap.Int("dedup_hits", out.Usage.DedupHits),
		zap.Float64("cost_usd", out.Usage.CostUSD),
		zap.Duration("elapsed", time.Since(start)),
	)

	if cancelled {
		return out, ErrCancelled
	}
	return out, nil
}

func isCancelled(ctx context.Context, cancel <-chan struct{}) bool {
	if ctx.Err() != nil {
		return true
	}
	select {
	case <-cancel:
		return true
	default:
		return false
	}
}

// leadOutcome is one settled lead. interrupted leads were cut short by ctx
// ending and carry no usable result.
type leadOutcome struct {
	res         *model.LeadResult
	interrupted bool
}

// runLead processes one lead. It never panics.
func (o *Orchestrator) runLead(ctx context.Context, index int, lead model.Lead, opts Options) (out leadOutcome) {
	res := &model.LeadResult{Index: index, LeadID: lead.ID, Company: lead.Company}
	out.res = res
	log := zap.L().With(zap.Int("index", index), zap.String("company", lead.Company))

	defer func() {
		if p := recover(); p != nil {
			o.fallback(res, eris.Errorf("enrich: panic: %v", p))
			log.Error("enrich: lead panicked", zap.Any("panic", p))
		}
	}()

	cleaned, usage := o.cleaner.Clean(ctx, lead, opts.UseCleaner)
	res.Cleaned = cleaned
	res.Usage.Add(usage)

	err := o.enrich(ctx, res)
	if ctx.Err() != nil {
		log.Debug("enrich: lead interrupted during lookup")
		return leadOutcome{res: res, interrupted: true}
	}
	if err != nil {
		o.fallback(res, err)
		log.Warn("enrich: lookup failed", zap.Error(err))
		return out
	}

	score, usage, err := o.scorer.Submit(ctx, scoring.Input{Lead: cleaned, Reviews: res.Reviews, Website: res.Website})
	res.Usage.Add(usage)
	if err != nil {
		if ctx.Err() != nil {
			log.Debug("enrich: lead interrupted during scoring")
			return leadOutcome{res: res, interrupted: true}
		}
		o.fallback(res, err)
		log.Warn("enrich: scoring failed", zap.Error(err))
		return out
	}
	res.Score = score
	return out
}

// enrich runs the review lookup and website classification concurrently.
func (o *Orchestrator) enrich(ctx context.Context, res *model.LeadResult) error {
	cl := res.Cleaned
	query := cl.Query()

	var g errgroup.Group
	g.Go(guard(func() error {
		if snap, ok := o.resolver.Cached(query, cl.MapsURL, cl.Lead.Company); ok {
			res.Reviews = snap
			res.Usage.LookupCacheHits++
			return nil
		}
		snap, shared, err := o.inflight.do(ctx, lookupKeys(cl), func() model.ReviewSnapshot {
			return o.resolver.Resolve(ctx, query, cl.MapsURL, cl.Lead.Company)
		})
		if err != nil {
			return eris.Wrap(err, "enrich: await shared lookup")
		}
		res.Reviews = snap
		if shared {
			res.Usage.DedupHits++
		} else {
			res.Usage.Lookups++
		}
		return nil
	}))

	var site *model.WebsiteSignal
	g.Go(guard(func() error {
		site = o.website.Analyze(ctx, cl.Website)
		return nil
	}))

	err := g.Wait()
	res.Website = site
	return err
}

// guard converts a panic in an enrichment goroutine into an error.
func guard(fn func() error) func() error {
	return func() (err error) {
		defer func() {
			if p := recover(); p != nil {
				err = eris.Errorf("enrich: panic: %v", p)
			}
		}()
		return fn()
	}
}

// lookupKeys derives the dedup keys for a lead: listing URL, company and
// query.
func lookupKeys(cl *model.CleanedLead) []string {
	var keys []string
	if cl.MapsURL != "" {
		keys = append(keys, "url:"+cl.MapsURL)
	}
	if c := resolver.NormalizeKey(cl.Lead.Company); c != "" {
		keys = append(keys, "company:"+c)
	}
	if q := resolver.NormalizeKey(cl.Query()); q != "" {
		keys = append(keys, "query:"+q)
	}
	return keys
}

func (o *Orchestrator) fallback(res *model.LeadResult, err error) {
	res.Score = scoring.Fallback(err, o.scorer.Weights(res.Cleaned))
	res.Error = err.Error()
	res.Usage.Fallbacks++
	if res.Reviews.Method == "" {
		res.Reviews = model.NotFoundSnapshot()
	}
}
