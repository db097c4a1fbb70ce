// Package website classifies a lead's homepage into an activity score with
// conversion bonus flags.
package website

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/sells-group/lead-scorer/internal/cleaner"
	"github.com/sells-group/lead-scorer/internal/model"
	"github.com/sells-group/lead-scorer/internal/resolver"
)

// Methods recorded on a WebsiteSignal.
const (
	MethodHomepage    = "homepage"
	MethodUnreachable = "unreachable"
	MethodHTTPError   = "http_error"
	MethodBlocked     = "blocked"
	MethodInvalidURL  = "invalid_url"
)

const (
	maxBaseScore  = 7
	maxFinalScore = 10
	maxBodyBytes  = 512 * 1024
)

// Config holds classifier settings.
type Config struct {
	Timeout   time.Duration
	UserAgent string
}

// Classifier fetches a homepage and scores it. Concurrent requests for the
// same registrable domain share one fetch.
type Classifier struct {
	http      *http.Client
	userAgent string
	now       func() time.Time
	group     singleflight.Group
}

// New creates a Classifier.
func New(cfg Config) *Classifier {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if cfg.UserAgent == "" {
		cfg.UserAgent = "Mozilla/5.0 (compatible; LeadScorer/1.0)"
	}
	return &Classifier{
		http:      &http.Client{Timeout: cfg.Timeout},
		userAgent: cfg.UserAgent,
		now:       time.Now,
	}
}

// Analyze classifies the site at rawURL. It returns nil when rawURL is
// empty and never fails: unreachable sites score zero.
func (c *Classifier) Analyze(ctx context.Context, rawURL string) *model.WebsiteSignal {
	if strings.TrimSpace(rawURL) == "" {
		return nil
	}
	site, domain, ok := cleaner.NormalizeWebsite(rawURL)
	if !ok {
		return &model.WebsiteSignal{URL: rawURL, Method: MethodInvalidURL}
	}

	v, _, _ := c.group.Do(domain, func() (any, error) {
		return c.classify(ctx, site), nil
	})
	sig := *v.(*model.WebsiteSignal)
	return &sig
}

func (c *Classifier) classify(ctx context.Context, site string) *model.WebsiteSignal {
	sig := &model.WebsiteSignal{URL: site}
	log := zap.L().With(zap.String("url", site))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, site, nil)
	if err != nil {
		sig.Method = MethodInvalidURL
		return sig
	}
	req.Header.Set("User-Agent", c.userAgent)

	resp, err := c.http.Do(req)
	if err != nil {
		log.Debug("website: fetch failed", zap.Error(err))
		sig.Method = MethodUnreachable
		return sig
	}
	defer resp.Body.Close() //nolint:errcheck

	body, _ := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	sig.URL = resp.Request.URL.String()
	sig.Reachable = true

	if blocked, kind := resolver.DetectBlock(resp, body); blocked {
		// A bot wall still proves the site is live.
		log.Debug("website: blocked", zap.String("block", string(kind)))
		sig.BaseScore, sig.FinalScore = 3, 3
		sig.Method = MethodBlocked
		return sig
	}
	if resp.StatusCode >= 400 {
		sig.Method = MethodHTTPError
		return sig
	}

	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(body))
	if err != nil {
		sig.Method = MethodHTTPError
		return sig
	}

	sig.BaseScore = baseScore(doc, sig.URL, c.now().Year())
	sig.BonusFlags = bonusFlags(doc)
	sig.FinalScore = min(maxFinalScore, sig.BaseScore+countFlags(sig.BonusFlags))
	sig.Method = MethodHomepage

	log.Debug("website: classified",
		zap.Int("base_score", sig.BaseScore),
		zap.Int("final_score", sig.FinalScore),
	)
	return sig
}

var yearRe = regexp.MustCompile(`\b(19|20)\d{2}\b`)

// baseScore rates how alive and maintained the homepage looks.
func baseScore(doc *goquery.Document, finalURL string, currentYear int) int {
	score := 2 // reachable with a 2xx

	if strings.HasPrefix(finalURL, "https://") {
		score++
	}
	title := strings.TrimSpace(doc.Find("title").First().Text())
	desc, _ := doc.Find(`meta[name="description"]`).Attr("content")
	if title != "" && strings.TrimSpace(desc) != "" {
		score++
	}
	if doc.Find(`meta[name="viewport"]`).Length() > 0 {
		score++
	}

	text := doc.Find("body").Text()
	if len(strings.Fields(text)) >= 300 {
		score++
	}

	latest := 0
	for _, y := range yearRe.FindAllString(text, -1) {
		if n, err := strconv.Atoi(y); err == nil && n <= currentYear && n > latest {
			latest = n
		}
	}
	switch {
	case latest >= currentYear-1:
		score += 2
	case latest >= currentYear-3:
		score++
	}
	return min(score, maxBaseScore)
}

var (
	priceRe    = regexp.MustCompile(`\$\s?\d`)
	pricingKW  = []string{"pricing", "price list", "our prices", "packages", "plans start"}
	bookingKW  = []string{"book now", "book online", "schedule online", "schedule a", "appointment", "reserve now", "make a reservation"}
	bookingURL = []string{"calendly.com", "acuityscheduling.com", "booksy.com", "squareup.com/appointments", "zocdoc.com", "/book"}
	ctaKW      = []string{"get a quote", "free quote", "free estimate", "request a quote", "contact us", "call now", "call today", "get started"}
)

func bonusFlags(doc *goquery.Document) model.BonusFlags {
	text := strings.ToLower(doc.Find("body").Text())
	var hrefs strings.Builder
	doc.Find("a[href]").Each(func(_ int, s *goquery.Selection) {
		h, _ := s.Attr("href")
		hrefs.WriteString(strings.ToLower(h))
		hrefs.WriteByte(' ')
	})
	links := hrefs.String()

	return model.BonusFlags{
		Pricing: containsAny(text, pricingKW...) || priceRe.MatchString(text) || strings.Contains(links, "pricing"),
		Booking: containsAny(text, bookingKW...) || containsAny(links, bookingURL...),
		CTA: containsAny(text, ctaKW...) || strings.Contains(links, "tel:") ||
			doc.Find("form").Length() > 0,
	}
}

func countFlags(f model.BonusFlags) int {
	n := 0
	for _, b := range []bool{f.Pricing, f.Booking, f.CTA} {
		if b {
			n++
		}
	}
	return n
}

// containsAny checks if s contains any of the given substrings.
func containsAny(s string, substrs ...string) bool {
	for _, sub := range substrs {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}
