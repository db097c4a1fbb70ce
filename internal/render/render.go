// Package render drives a headless browser for listing pages that only
// expose their rating once scripts run.
package render

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
	"github.com/chromedp/chromedp"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/lead-scorer/internal/extract"
)

// readySelector resolves as soon as any rating-bearing element or the body
// is present.
const readySelector = `[role="img"][aria-label*="star"], script[type="application/ld+json"], body`

// settleDelay gives client-side rendering a moment after the ready selector.
const settleDelay = 750 * time.Millisecond

// maxRenderedRating tolerates rounding artifacts in rendered labels.
const maxRenderedRating = 5.1

// Rendered is what a browser render produced for a listing.
type Rendered struct {
	URL         string
	Rating      float64
	ReviewCount *int
	Strategy    string
	Name        string
	Title       string
	Address     string
}

// Config holds renderer settings.
type Config struct {
	Timeout   time.Duration
	UserAgent string
	SearchURL string
}

// Renderer renders pages with chromedp.
type Renderer struct {
	cfg       Config
	allocOpts []chromedp.ExecAllocatorOption
}

// New creates a Renderer. Each call to RenderAndExtract starts its own
// browser so concurrent renders never share state.
func New(cfg Config) *Renderer {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	opts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.Flag("headless", true),
		chromedp.Flag("disable-gpu", true),
		chromedp.Flag("no-sandbox", true),
		chromedp.Flag("disable-dev-shm-usage", true),
	)
	if cfg.UserAgent != "" {
		opts = append(opts, chromedp.UserAgent(cfg.UserAgent))
	}
	return &Renderer{cfg: cfg, allocOpts: opts}
}

// RenderAndExtract navigates to candidateURL, or the search page for query
// when no candidate is known, and extracts the rating from the rendered
// DOM. It returns nil without error when the page shows no rating.
func (r *Renderer) RenderAndExtract(ctx context.Context, query, candidateURL string) (*Rendered, error) {
	target := candidateURL
	if target == "" {
		if r.cfg.SearchURL == "" {
			return nil, eris.New("render: no candidate url and no search url configured")
		}
		target = fmt.Sprintf(r.cfg.SearchURL, url.QueryEscape(query))
	}

	allocCtx, cancelAlloc := chromedp.NewExecAllocator(ctx, r.allocOpts...)
	defer cancelAlloc()

	browserCtx, cancelBrowser := chromedp.NewContext(allocCtx)
	defer cancelBrowser()

	runCtx, cancelRun := context.WithTimeout(browserCtx, r.cfg.Timeout)
	defer cancelRun()

	var html, finalURL string
	err := chromedp.Run(runCtx,
		chromedp.Navigate(target),
		chromedp.WaitReady(readySelector, chromedp.ByQuery),
		chromedp.Sleep(settleDelay),
		chromedp.Location(&finalURL),
		chromedp.OuterHTML("html", &html, chromedp.ByQuery),
	)
	if err != nil {
		return nil, eris.Wrapf(err, "render: load %s", target)
	}

	res, err := ExtractRendered(finalURL, html)
	if err != nil {
		return nil, err
	}
	zap.L().Debug("render: page rendered",
		zap.String("url", finalURL),
		zap.Int("html_bytes", len(html)),
		zap.Bool("rating_found", res != nil),
	)
	return res, nil
}

// ExtractRendered runs every extraction strategy over rendered HTML and
// keeps the highest plausible rating and the highest review count. The
// strategy reported is the one that produced the rating.
func ExtractRendered(finalURL, html string) (*Rendered, error) {
	doc, err := extract.Parse(finalURL, []byte(html))
	if err != nil {
		return nil, eris.Wrap(err, "render: parse rendered html")
	}

	var res *Rendered
	var bestCount *int
	for _, m := range extract.All(doc, extract.Default()) {
		c := m.Candidate
		if c.Rating <= maxRenderedRating && (res == nil || c.Rating > res.Rating) {
			if res == nil {
				res = &Rendered{}
			}
			res.Rating = c.Rating
			res.Strategy = m.Strategy
			if c.Name != "" {
				res.Name = c.Name
			}
		}
		if c.ReviewCount != nil && (bestCount == nil || *c.ReviewCount > *bestCount) {
			n := *c.ReviewCount
			bestCount = &n
		}
	}
	if res == nil {
		return nil, nil
	}

	res.URL = finalURL
	res.ReviewCount = bestCount
	res.Title = doc.Title
	if res.Name == "" {
		res.Name = strings.TrimSpace(doc.Doc.Find("h1").First().Text())
	}
	res.Address = address(doc.Doc)
	return res, nil
}

func address(doc *goquery.Document) string {
	for _, sel := range []string{`[itemprop="streetAddress"]`, `[data-item-id="address"]`, `address`} {
		s := doc.Find(sel).First()
		if s.Length() == 0 {
			continue
		}
		if v, ok := s.Attr("aria-label"); ok && v != "" {
			return strings.TrimSpace(v)
		}
		if t := strings.TrimSpace(s.Text()); t != "" {
			return t
		}
	}
	return ""
}
