package main

import (
	"context"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/lead-scorer/internal/cleaner"
	"github.com/sells-group/lead-scorer/internal/enrich"
	"github.com/sells-group/lead-scorer/internal/jobs"
	"github.com/sells-group/lead-scorer/internal/monitoring"
	"github.com/sells-group/lead-scorer/internal/ratelimit"
	"github.com/sells-group/lead-scorer/internal/render"
	"github.com/sells-group/lead-scorer/internal/resilience"
	"github.com/sells-group/lead-scorer/internal/resolver"
	"github.com/sells-group/lead-scorer/internal/scoring"
	"github.com/sells-group/lead-scorer/internal/store"
	"github.com/sells-group/lead-scorer/internal/website"
	anthropicpkg "github.com/sells-group/lead-scorer/pkg/anthropic"
	"github.com/sells-group/lead-scorer/pkg/google"
	"github.com/sells-group/lead-scorer/pkg/jina"
)

// appEnv holds the store, the shared orchestrator and the job manager
// needed by the serve/worker/score/jobs commands. Fields are nil when the
// mode does not need them.
type appEnv struct {
	Store        store.Store
	Limiter      *ratelimit.Limiter
	Scorer       *scoring.Batcher
	Orchestrator *enrich.Orchestrator
	Manager      *jobs.Manager
}

// Close releases resources held by the environment.
func (e *appEnv) Close() {
	if e.Store != nil {
		_ = e.Store.Close()
	}
}

func initStore(ctx context.Context) (store.Store, error) {
	switch cfg.Store.Driver {
	case "sqlite":
		dsn := cfg.Store.DatabaseURL
		if dsn == "" {
			dsn = "leads.db"
		}
		return store.NewSQLite(dsn)
	case "postgres":
		return store.NewPostgres(ctx, cfg.Store.DatabaseURL, &store.PoolConfig{
			MaxConns: cfg.Store.MaxConns,
			MinConns: cfg.Store.MinConns,
		})
	default:
		return nil, eris.Errorf("unsupported store driver: %s", cfg.Store.Driver)
	}
}

// initEnv validates config for mode and builds what the mode needs. With
// withOrchestrator false the environment can enqueue and read jobs but not
// process them.
func initEnv(ctx context.Context, mode string, withStore, withOrchestrator bool) (*appEnv, error) {
	if err := cfg.Validate(mode); err != nil {
		return nil, err
	}

	env := &appEnv{}
	if withStore {
		st, err := initStore(ctx)
		if err != nil {
			return nil, err
		}
		if err := st.Migrate(ctx); err != nil {
			_ = st.Close()
			return nil, eris.Wrap(err, "migrate store")
		}
		env.Store = st
	}

	if withOrchestrator {
		orch, limiter, scorer, err := initOrchestrator()
		if err != nil {
			env.Close()
			return nil, err
		}
		env.Orchestrator = orch
		env.Limiter = limiter
		env.Scorer = scorer
	}

	if env.Store != nil {
		var proc jobs.Processor
		if env.Orchestrator != nil {
			proc = env.Orchestrator
		}
		env.Manager = jobs.NewManager(env.Store, proc, jobs.Config{
			Owner:          cfg.Jobs.WorkerID,
			StaleAfter:     cfg.Jobs.StaleAfter(),
			Heartbeat:      cfg.Jobs.Heartbeat(),
			MaxConcurrency: cfg.Orchestrator.MaxConcurrency,
		})
	}

	return env, nil
}

// startMonitoring runs the job health checker in the background when
// monitoring is enabled.
func startMonitoring(ctx context.Context, env *appEnv) {
	if !cfg.Monitoring.Enabled || env.Store == nil {
		return
	}
	var throttle monitoring.ThrottleSource
	if env.Limiter != nil {
		throttle = env.Limiter
	}
	collector := monitoring.NewCollector(env.Store, throttle, cfg.Jobs.StaleAfter())
	if env.Scorer != nil {
		collector.WithBreaker(env.Scorer)
	}
	checker := monitoring.NewChecker(collector, monitoring.NewAlerter(cfg.Monitoring), cfg.Monitoring)
	go checker.Run(ctx)
}

// initOrchestrator wires the limiter, resolver cascade, cleaner, website
// classifier and scoring batcher into one process-wide Orchestrator.
func initOrchestrator() (*enrich.Orchestrator, *ratelimit.Limiter, *scoring.Batcher, error) {
	limiter := ratelimit.New(ratelimit.Config{
		MaxConcurrency: cfg.Limiter.MaxConcurrency,
		MinDelay:       cfg.Limiter.MinDelay(),
		BaseBackoff:    cfg.Limiter.BaseBackoff(),
		MaxBackoff:     cfg.Limiter.MaxBackoff(),
		ResetWindow:    cfg.Limiter.ResetWindow(),
		MaxLevel:       cfg.Limiter.MaxLevel,
	})

	retry := resilience.FetchRetry(cfg.Resolver.MaxAttempts)
	fetcher := resolver.NewFetcher(limiter,
		time.Duration(cfg.Resolver.FetchTimeoutSecs)*time.Second,
		cfg.Resolver.UserAgent,
		retry,
	)

	var resolverOpts []resolver.Option
	if cfg.Resolver.RenderEnabled {
		resolverOpts = append(resolverOpts, resolver.WithRenderer(render.New(render.Config{
			Timeout:   time.Duration(cfg.Resolver.RenderTimeoutSecs) * time.Second,
			UserAgent: cfg.Resolver.UserAgent,
			SearchURL: cfg.Resolver.SearchURL,
		})))
		zap.L().Info("browser rendering enabled")
	}
	if cfg.Google.Key != "" {
		resolverOpts = append(resolverOpts, resolver.WithPlaces(google.NewClient(cfg.Google.Key)))
		zap.L().Info("google places api enabled")
	} else {
		zap.L().Debug("LEADSCORE_GOOGLE_KEY not set, Places API step disabled")
	}
	resolverOpts = append(resolverOpts, resolver.WithTextProxy(jina.NewClient(cfg.Jina.Key, jina.WithBaseURL(cfg.Jina.BaseURL))))

	res := resolver.New(resolver.Config{
		SearchURL:        cfg.Resolver.SearchURL,
		RedirectURL:      cfg.Resolver.RedirectURL,
		CanonicalPattern: cfg.Resolver.CanonicalPattern,
		CacheTTL:         cfg.Resolver.CacheTTL(),
		MinTokenMatches:  cfg.Resolver.MinTokenMatches,
		RenderEnabled:    cfg.Resolver.RenderEnabled,
	}, fetcher, limiter, resolverOpts...)

	ai := anthropicpkg.NewClient(cfg.Anthropic.Key)

	profiles := scoring.DefaultProfiles()
	if cfg.Scoring.WeightsFile != "" {
		p, err := scoring.LoadProfiles(cfg.Scoring.WeightsFile)
		if err != nil {
			return nil, nil, nil, eris.Wrap(err, "load weight profiles")
		}
		profiles = p
	}

	breaker := resilience.ScoringBreaker(cfg.Scoring.FailureThreshold, cfg.Scoring.ResetTimeoutSecs)

	batcher := scoring.NewBatcher(
		scoring.NewAnthropicScorer(ai, cfg.Anthropic.Model, cfg.Anthropic.MaxTokens),
		profiles,
		scoring.BatcherConfig{
			BatchSize:  cfg.Scoring.BatchSize,
			FlushDelay: cfg.Scoring.FlushDelay(),
			Breaker:    breaker,
		},
	)

	cl := cleaner.New(cleaner.WithNormalizer(
		cleaner.NewLLMNormalizer(ai, cfg.Anthropic.CleanerModel, cfg.Anthropic.MaxTokens),
	))

	site := website.New(website.Config{
		Timeout:   time.Duration(cfg.Website.TimeoutSecs) * time.Second,
		UserAgent: cfg.Resolver.UserAgent,
	})

	return enrich.New(cl, res, site, batcher, cfg.Orchestrator.MaxConcurrency), limiter, batcher, nil
}
