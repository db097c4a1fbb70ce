package scoring

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/sells-group/lead-scorer/internal/model"
	"github.com/sells-group/lead-scorer/internal/resilience"
)

const callTimeout = 2 * time.Minute

// BatcherConfig controls batching.
type BatcherConfig struct {
	// BatchSize is the number of leads per collaborator call. Default: 5.
	BatchSize int
	// FlushDelay is how long a partial batch waits for more leads.
	FlushDelay time.Duration
	// Breaker configures the circuit breaker around collaborator calls.
	Breaker resilience.CircuitBreakerConfig
}

type response struct {
	score model.ScoreResult
	usage model.Usage
	err   error
}

type request struct {
	ctx  context.Context
	in   Input
	done chan response
}

type batchResult struct {
	scores []model.ScoreResult
	usage  model.Usage
}

// Batcher groups concurrent Submit calls into collaborator batches and
// recomputes each final score with the lead's industry weights.
type Batcher struct {
	collab   Collaborator
	profiles Profiles
	breaker  *resilience.CircuitBreaker
	size     int
	delay    time.Duration

	mu      sync.Mutex
	pending []*request
	timer   *time.Timer
}

// NewBatcher creates a Batcher.
func NewBatcher(collab Collaborator, profiles Profiles, cfg BatcherConfig) *Batcher {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 5
	}
	if cfg.Breaker.ShouldTrip == nil {
		cfg.Breaker.ShouldTrip = func(err error) bool {
			return !errors.Is(err, ErrMalformedScore) && !errors.Is(err, context.Canceled)
		}
	}
	if cfg.Breaker.OnStateChange == nil {
		cfg.Breaker.OnStateChange = func(from, to resilience.CircuitState) {
			zap.L().Warn("scoring: circuit breaker state change",
				zap.String("from", from.String()),
				zap.String("to", to.String()),
			)
		}
	}
	return &Batcher{
		collab:   collab,
		profiles: profiles,
		breaker:  resilience.NewCircuitBreaker(cfg.Breaker),
		size:     cfg.BatchSize,
		delay:    cfg.FlushDelay,
	}
}

// Submit queues a lead for scoring and waits for its result. The returned
// usage is this lead's share of its batch's usage. On error the caller
// decides the fallback.
func (b *Batcher) Submit(ctx context.Context, in Input) (model.ScoreResult, model.Usage, error) {
	req := &request{ctx: ctx, in: in, done: make(chan response, 1)}

	b.mu.Lock()
	b.pending = append(b.pending, req)
	var batch []*request
	switch {
	case len(b.pending) >= b.size || b.delay <= 0:
		batch = b.takeLocked()
	case b.timer == nil:
		b.timer = time.AfterFunc(b.delay, b.flush)
	}
	b.mu.Unlock()

	if batch != nil {
		go b.run(batch)
	}

	select {
	case r := <-req.done:
		if r.err != nil {
			return model.ScoreResult{}, r.usage, r.err
		}
		return b.finalize(in, r.score), r.usage, nil
	case <-ctx.Done():
		return model.ScoreResult{}, model.Usage{}, ctx.Err()
	}
}

// Weights returns the weights that apply to a lead.
func (b *Batcher) Weights(lead *model.CleanedLead) model.Weights {
	if lead == nil {
		return b.profiles.Default
	}
	return b.profiles.For(lead.Lead.Industry)
}

// BreakerState reports the collaborator circuit state.
func (b *Batcher) BreakerState() resilience.CircuitState {
	return b.breaker.State()
}

// BreakerStatus reports the collaborator circuit state with its failure
// streak.
func (b *Batcher) BreakerStatus() resilience.CircuitStatus {
	return b.breaker.Status()
}

func (b *Batcher) finalize(in Input, raw model.ScoreResult) model.ScoreResult {
	return Recompute(raw, b.Weights(in.Lead), in.Reviews.HasRating())
}

func (b *Batcher) flush() {
	b.mu.Lock()
	batch := b.takeLocked()
	b.mu.Unlock()
	if len(batch) > 0 {
		b.run(batch)
	}
}

func (b *Batcher) takeLocked() []*request {
	batch := b.pending
	b.pending = nil
	if b.timer != nil {
		b.timer.Stop()
		b.timer = nil
	}
	return batch
}

func (b *Batcher) run(batch []*request) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(batch[0].ctx), callTimeout)
	defer cancel()

	inputs := make([]Input, len(batch))
	for i, r := range batch {
		inputs[i] = r.in
	}

	res, err := b.call(ctx, inputs)
	if err == nil {
		shares := splitUsage(res.usage, len(batch))
		for i, r := range batch {
			r.done <- response{score: res.scores[i], usage: shares[i]}
		}
		return
	}

	if len(batch) == 1 {
		batch[0].done <- response{usage: res.usage, err: err}
		return
	}

	// Retry each lead alone so one bad lead cannot sink its batch-mates.
	zap.L().Warn("scoring: batch failed, retrying leads individually",
		zap.Int("batch_size", len(batch)),
		zap.Error(err),
	)
	for _, r := range batch {
		one, err := b.call(ctx, []Input{r.in})
		if err != nil {
			r.done <- response{usage: one.usage, err: err}
			continue
		}
		r.done <- response{score: one.scores[0], usage: one.usage}
	}
}

func (b *Batcher) call(ctx context.Context, inputs []Input) (batchResult, error) {
	var usage model.Usage
	res, err := resilience.ExecuteVal(ctx, b.breaker, func(ctx context.Context) (batchResult, error) {
		scores, u, err := b.collab.Score(ctx, inputs)
		usage = u
		if err != nil {
			return batchResult{}, err
		}
		if len(scores) != len(inputs) {
			return batchResult{}, ErrMalformedScore
		}
		return batchResult{scores: scores, usage: u}, nil
	})
	if err != nil {
		return batchResult{usage: usage}, err
	}
	return res, nil
}

// splitUsage divides usage evenly across n leads; remainders go to the first.
func splitUsage(u model.Usage, n int) []model.Usage {
	out := make([]model.Usage, n)
	if n == 0 {
		return out
	}
	k := int64(n)
	for i := range out {
		out[i] = model.Usage{
			InputTokens:      u.InputTokens / k,
			OutputTokens:     u.OutputTokens / k,
			CacheReadTokens:  u.CacheReadTokens / k,
			CacheWriteTokens: u.CacheWriteTokens / k,
			CostUSD:          u.CostUSD / float64(n),
		}
	}
	out[0].InputTokens += u.InputTokens % k
	out[0].OutputTokens += u.OutputTokens % k
	out[0].CacheReadTokens += u.CacheReadTokens % k
	out[0].CacheWriteTokens += u.CacheWriteTokens % k
	return out
}
