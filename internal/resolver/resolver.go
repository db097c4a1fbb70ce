// Package resolver finds a business's public listing and extracts its
// rating signals through a cascade of strategies, verifying identity before
// trusting any page.
package resolver

import (
	"context"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/sells-group/lead-scorer/internal/extract"
	"github.com/sells-group/lead-scorer/internal/model"
	"github.com/sells-group/lead-scorer/internal/ratelimit"
	"github.com/sells-group/lead-scorer/internal/render"
	"github.com/sells-group/lead-scorer/internal/resilience"
	"github.com/sells-group/lead-scorer/pkg/google"
	"github.com/sells-group/lead-scorer/pkg/jina"
)

// Method prefixes, one per strategy.
const (
	MethodDirect      = "direct"
	MethodRender      = "render"
	MethodSerpPlace   = "serp_place"
	MethodSerpInline  = "serp_inline"
	MethodAPIRedirect = "api_redirect"
	MethodPlacesAPI   = "places_api"
	MethodTextProxy   = "text_proxy"
)

// Config holds resolver settings.
type Config struct {
	SearchURL        string
	RedirectURL      string
	CanonicalPattern string
	CacheTTL         time.Duration
	MinTokenMatches  int
	RenderEnabled    bool
	MaxCandidates    int
}

// Renderer renders a listing in a browser.
type Renderer interface {
	RenderAndExtract(ctx context.Context, query, candidateURL string) (*render.Rendered, error)
}

// Option configures a Resolver.
type Option func(*Resolver)

// WithRenderer enables the browser rendering step.
func WithRenderer(r Renderer) Option {
	return func(res *Resolver) { res.renderer = r }
}

// WithPlaces enables the Places API step.
func WithPlaces(c google.Client) Option {
	return func(res *Resolver) { res.places = c }
}

// WithTextProxy enables the text proxy step.
func WithTextProxy(c jina.Client) Option {
	return func(res *Resolver) { res.proxy = c }
}

// WithExtractors replaces the default extraction strategies.
func WithExtractors(ex ...extract.Extractor) Option {
	return func(res *Resolver) { res.extractors = ex }
}

// WithClock overrides the cache clock.
func WithClock(now func() time.Time) Option {
	return func(res *Resolver) { res.now = now }
}

// Resolver resolves review snapshots. It is safe for concurrent use.
type Resolver struct {
	cfg        Config
	fetcher    *Fetcher
	limiter    *ratelimit.Limiter
	verifier   Verifier
	urls       *URLExtractor
	extractors []extract.Extractor
	renderer   Renderer
	places     google.Client
	proxy      jina.Client
	apiRetry   resilience.RetryConfig
	now        func() time.Time
	cache      *snapshotCache

	mu   sync.Mutex
	seen map[string]string
}

// New creates a Resolver. The fetcher and any proxy calls share limiter.
func New(cfg Config, fetcher *Fetcher, limiter *ratelimit.Limiter, opts ...Option) *Resolver {
	if cfg.CanonicalPattern == "" {
		cfg.CanonicalPattern = "/maps/place/"
	}
	if cfg.MaxCandidates <= 0 {
		cfg.MaxCandidates = 3
	}
	r := &Resolver{
		cfg:        cfg,
		fetcher:    fetcher,
		limiter:    limiter,
		verifier:   Verifier{MinMatches: cfg.MinTokenMatches},
		urls:       NewURLExtractor(cfg.CanonicalPattern),
		extractors: extract.Default(),
		apiRetry:   fetcher.retry,
		now:        time.Now,
		seen:       make(map[string]string),
	}
	for _, o := range opts {
		o(r)
	}
	r.cache = newSnapshotCache(cfg.CacheTTL, r.now)
	return r
}

// lookup carries one resolution through the cascade.
type lookup struct {
	query       string
	providedURL string
	company     string
	tokens      []string
	loose       []string
	searchURL   string
	mismatch    bool
	log         *zap.Logger
}

type outcome int

const (
	miss outcome = iota
	found
	mismatched
)

type step struct {
	name string
	run  func(ctx context.Context, l *lookup) (model.ReviewSnapshot, outcome)
}

func (r *Resolver) steps() []step {
	s := []step{{MethodDirect, r.direct}}
	if r.renderer != nil && r.cfg.RenderEnabled {
		s = append(s, step{MethodRender, r.rendered})
	}
	s = append(s, step{MethodSerpPlace, r.search})
	if r.cfg.RedirectURL != "" {
		s = append(s, step{MethodAPIRedirect, r.redirect})
	}
	if r.places != nil {
		s = append(s, step{MethodPlacesAPI, r.placesAPI})
	}
	if r.proxy != nil {
		s = append(s, step{MethodTextProxy, r.textProxy})
	}
	return s
}

// Cached returns a snapshot from the cache without touching the network.
func (r *Resolver) Cached(query, providedURL, company string) (model.ReviewSnapshot, bool) {
	return r.cache.get(cacheKey(providedURL, company, query))
}

// Resolve returns the review snapshot for a business. It never fails:
// absence and identity mismatches are encoded in the snapshot's method.
func (r *Resolver) Resolve(ctx context.Context, query, providedURL, company string) model.ReviewSnapshot {
	key := cacheKey(providedURL, company, query)
	if snap, ok := r.cache.get(key); ok {
		return snap
	}

	snap := r.resolve(ctx, query, providedURL, company)
	if ctx.Err() != nil {
		return snap
	}
	if snap.NotFound() && companyOnly(providedURL, query) {
		r.cache.delete(key)
		return snap
	}
	r.cache.put(key, snap)
	return snap
}

func (r *Resolver) resolve(ctx context.Context, query, providedURL, company string) model.ReviewSnapshot {
	searchQuery := strings.TrimSpace(query)
	if searchQuery == "" {
		searchQuery = company
	}
	l := &lookup{
		query:       searchQuery,
		providedURL: providedURL,
		company:     company,
		tokens:      Tokens(company),
		loose:       looseTokens(company),
		log:         zap.L().With(zap.String("company", company)),
	}
	if r.cfg.SearchURL != "" {
		l.searchURL = buildURL(r.cfg.SearchURL, searchQuery)
	}

	for _, s := range r.steps() {
		if ctx.Err() != nil {
			break
		}
		snap, out := s.run(ctx, l)
		switch out {
		case found:
			l.log.Debug("resolver: listing resolved", zap.String("method", snap.Method))
			return snap
		case mismatched:
			l.mismatch = true
		}
	}

	if l.mismatch {
		return model.ReviewSnapshot{Method: model.MethodIdentityMismatch}
	}
	return model.NotFoundSnapshot()
}

func (r *Resolver) remember(company, listingURL string) {
	if !IsCanonical(listingURL, r.cfg.CanonicalPattern) {
		return
	}
	r.mu.Lock()
	r.seen[normalizeKey(company)] = listingURL
	r.mu.Unlock()
}

func (r *Resolver) remembered(company string) string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.seen[normalizeKey(company)]
}

// evaluate verifies identity on a fetched listing and extracts its rating.
func (r *Resolver) evaluate(l *lookup, listingURL string, page *Page, prefix string) (model.ReviewSnapshot, outcome) {
	doc, err := extract.Parse(page.FinalURL, page.Body)
	if err != nil {
		l.log.Debug("resolver: parse listing", zap.Error(err))
		return model.ReviewSnapshot{}, miss
	}
	if !r.verifier.Verify(l.tokens, listingURL+" "+page.FinalURL, doc.Title, doc.Prefix(extract.PrefixBytes)) {
		l.log.Debug("resolver: identity mismatch", zap.String("url", listingURL), zap.String("title", doc.Title))
		return model.ReviewSnapshot{}, mismatched
	}
	m, ok := extract.First(doc, r.extractors)
	if !ok {
		return model.ReviewSnapshot{}, miss
	}
	return model.NewReviewSnapshot(m.Candidate.Rating, m.Candidate.ReviewCount, listingURL, prefix+":"+m.Strategy), found
}

func (r *Resolver) fromListing(ctx context.Context, l *lookup, listingURL, prefix string) (model.ReviewSnapshot, outcome) {
	page, err := r.fetcher.Get(ctx, listingURL)
	if err != nil {
		l.log.Debug("resolver: fetch listing", zap.String("url", listingURL), zap.Error(err))
		return model.ReviewSnapshot{}, miss
	}
	snap, out := r.evaluate(l, listingURL, page, prefix)
	if out == found {
		r.remember(l.company, listingURL)
	}
	return snap, out
}

// direct tries the provided URL and the last listing seen for this company.
func (r *Resolver) direct(ctx context.Context, l *lookup) (model.ReviewSnapshot, outcome) {
	var candidates []string
	if IsCanonical(l.providedURL, r.cfg.CanonicalPattern) {
		candidates = append(candidates, l.providedURL)
	}
	if prev := r.remembered(l.company); prev != "" && prev != l.providedURL {
		candidates = append(candidates, prev)
	}

	result := miss
	for _, u := range candidates {
		snap, out := r.fromListing(ctx, l, u, MethodDirect)
		if out == found {
			return snap, found
		}
		if out == mismatched {
			result = mismatched
		}
	}
	return model.ReviewSnapshot{}, result
}

func (r *Resolver) rendered(ctx context.Context, l *lookup) (model.ReviewSnapshot, outcome) {
	hint := ""
	if IsCanonical(l.providedURL, r.cfg.CanonicalPattern) {
		hint = l.providedURL
	} else if prev := r.remembered(l.company); prev != "" {
		hint = prev
	}

	res, err := ratelimit.Schedule(ctx, r.limiter, func(ctx context.Context) (*render.Rendered, error) {
		return r.renderer.RenderAndExtract(ctx, l.query, hint)
	})
	if err != nil {
		l.log.Debug("resolver: render", zap.Error(err))
		return model.ReviewSnapshot{}, miss
	}
	if res == nil || res.Rating <= 0 {
		return model.ReviewSnapshot{}, miss
	}
	if !r.verifier.Verify(l.tokens, res.URL, res.Name+" "+res.Title, res.Address) {
		return model.ReviewSnapshot{}, mismatched
	}
	rating := min(res.Rating, extract.MaxRating)
	r.remember(l.company, res.URL)
	return model.NewReviewSnapshot(rating, res.ReviewCount, res.URL, MethodRender+":"+res.Strategy), found
}

// search fetches the search page. A single-result search lands on the
// listing itself; otherwise embedded listing URLs are followed.
func (r *Resolver) search(ctx context.Context, l *lookup) (model.ReviewSnapshot, outcome) {
	if l.searchURL == "" {
		return model.ReviewSnapshot{}, miss
	}
	page, err := r.fetcher.Get(ctx, l.searchURL)
	if err != nil {
		l.log.Debug("resolver: fetch search page", zap.Error(err))
		return model.ReviewSnapshot{}, miss
	}

	if IsCanonical(page.FinalURL, r.cfg.CanonicalPattern) {
		snap, out := r.evaluate(l, page.FinalURL, page, MethodSerpInline)
		if out == found {
			r.remember(l.company, page.FinalURL)
		}
		return snap, out
	}

	result := miss
	for i, u := range r.urls.Find(page.Body) {
		if i >= r.cfg.MaxCandidates || ctx.Err() != nil {
			break
		}
		snap, out := r.fromListing(ctx, l, u, MethodSerpPlace)
		if out == found {
			return snap, found
		}
		if out == mismatched {
			result = mismatched
		}
	}
	return model.ReviewSnapshot{}, result
}

// redirect asks the redirect endpoint where the query lands without
// following it.
func (r *Resolver) redirect(ctx context.Context, l *lookup) (model.ReviewSnapshot, outcome) {
	loc, err := r.fetcher.Redirect(ctx, buildURL(r.cfg.RedirectURL, l.query))
	if err != nil {
		l.log.Debug("resolver: redirect probe", zap.Error(err))
		return model.ReviewSnapshot{}, miss
	}
	if !IsCanonical(loc, r.cfg.CanonicalPattern) {
		return model.ReviewSnapshot{}, miss
	}
	return r.fromListing(ctx, l, loc, MethodAPIRedirect)
}

func (r *Resolver) placesAPI(ctx context.Context, l *lookup) (model.ReviewSnapshot, outcome) {
	retry := r.apiRetry
	retry.ShouldRetry = resilience.IsTransient
	retry.NotBefore = nil
	resp, err := resilience.DoVal(ctx, retry, func(ctx context.Context) (*google.TextSearchResponse, error) {
		return r.places.TextSearch(ctx, l.query)
	})
	if err != nil {
		l.log.Debug("resolver: places text search", zap.Error(err))
		return model.ReviewSnapshot{}, miss
	}

	result := miss
	for _, p := range resp.Places {
		if p.Rating <= 0 || p.Rating > extract.MaxRating {
			continue
		}
		if !r.verifier.Verify(l.tokens, p.GoogleMapsURI, p.DisplayName.Text, p.FormattedAddress) {
			result = mismatched
			continue
		}
		count := p.UserRatingCount
		return model.NewReviewSnapshot(p.Rating, &count, p.GoogleMapsURI, MethodPlacesAPI), found
	}
	return model.ReviewSnapshot{}, result
}

// textProxy reads the search page through the text proxy and scans the
// plain text for rating tuples next to the company's name.
func (r *Resolver) textProxy(ctx context.Context, l *lookup) (model.ReviewSnapshot, outcome) {
	if l.searchURL == "" {
		return model.ReviewSnapshot{}, miss
	}
	resp, err := resilience.DoVal(ctx, r.apiRetry, func(ctx context.Context) (*jina.ReadResponse, error) {
		return ratelimit.Schedule(ctx, r.limiter, func(ctx context.Context) (*jina.ReadResponse, error) {
			res, err := r.proxy.Read(ctx, l.searchURL)
			switch {
			case err == nil:
				r.limiter.RegisterSuccess()
			case resilience.IsThrottled(err):
				r.limiter.RegisterThrottleSignal("text proxy", zap.Error(err))
			}
			return res, err
		})
	})
	if err != nil {
		l.log.Debug("resolver: text proxy", zap.Error(err))
		return model.ReviewSnapshot{}, miss
	}

	text := resp.Data.Content
	hit, pass := scanText(text, l.tokens, l.loose)
	if hit == nil {
		return model.ReviewSnapshot{}, miss
	}
	count := hit.tuple.Count
	return model.NewReviewSnapshot(hit.tuple.Rating, &count, l.searchURL, MethodTextProxy+":"+pass), found
}

// CacheLen returns the number of cached snapshots.
func (r *Resolver) CacheLen() int {
	return r.cache.len()
}
