package extract

import (
	"regexp"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"github.com/tidwall/gjson"
)

// Candidate is a rating signal pulled from a page.
type Candidate struct {
	Rating      float64
	ReviewCount *int
	Name        string
}

// Extractor is one extraction strategy.
type Extractor interface {
	Name() string
	TryExtract(doc *Document) (*Candidate, bool)
}

// Match pairs a candidate with the strategy that produced it.
type Match struct {
	Strategy  string
	Candidate *Candidate
}

// Default returns the strategies in priority order.
func Default() []Extractor {
	return []Extractor{LDJSON{}, Aria{}, Meta{}, Regex{}}
}

// First runs extractors in order and returns the first that yields a rating.
func First(doc *Document, extractors []Extractor) (Match, bool) {
	for _, e := range extractors {
		if c, ok := e.TryExtract(doc); ok {
			return Match{Strategy: e.Name(), Candidate: c}, true
		}
	}
	return Match{}, false
}

// All runs every extractor and returns each one that yields a rating.
func All(doc *Document, extractors []Extractor) []Match {
	var out []Match
	for _, e := range extractors {
		if c, ok := e.TryExtract(doc); ok {
			out = append(out, Match{Strategy: e.Name(), Candidate: c})
		}
	}
	return out
}

func intPtr(n int) *int { return &n }

// LDJSON reads schema.org aggregateRating from JSON-LD blocks.
type LDJSON struct{}

func (LDJSON) Name() string { return "ldjson" }

func (LDJSON) TryExtract(doc *Document) (*Candidate, bool) {
	var found *Candidate
	doc.Doc.Find(`script[type="application/ld+json"]`).EachWithBreak(func(_ int, s *goquery.Selection) bool {
		raw := strings.TrimSpace(s.Text())
		if !gjson.Valid(raw) {
			return true
		}
		found = findAggregateRating(gjson.Parse(raw), "")
		return found == nil
	})
	return found, found != nil
}

func findAggregateRating(r gjson.Result, name string) *Candidate {
	switch {
	case r.IsArray():
		var found *Candidate
		r.ForEach(func(_, v gjson.Result) bool {
			found = findAggregateRating(v, name)
			return found == nil
		})
		return found
	case r.IsObject():
		if n := r.Get("name"); n.Type == gjson.String {
			name = n.Str
		}
		if r.Get("@type").String() == "AggregateRating" {
			if c := ratingFromJSON(r, name); c != nil {
				return c
			}
		}
		if ar := r.Get("aggregateRating"); ar.IsObject() {
			if c := ratingFromJSON(ar, name); c != nil {
				return c
			}
		}
		var found *Candidate
		r.ForEach(func(_, v gjson.Result) bool {
			if v.IsObject() || v.IsArray() {
				found = findAggregateRating(v, name)
			}
			return found == nil
		})
		return found
	}
	return nil
}

func ratingFromJSON(ar gjson.Result, name string) *Candidate {
	rating, ok := ParseRating(ar.Get("ratingValue").String())
	if !ok {
		return nil
	}
	c := &Candidate{Rating: rating, Name: name}
	for _, key := range []string{"reviewCount", "ratingCount"} {
		if v := ar.Get(key); v.Exists() {
			if n, ok := ParseCount(v.String()); ok {
				c.ReviewCount = intPtr(n)
				break
			}
		}
	}
	return c
}

var (
	ariaRatingRe = regexp.MustCompile(`(?i)(\d(?:[.,]\d{1,2})?)\s*(?:stars?|out of 5)`)
	ariaCountRe  = regexp.MustCompile(`(?i)(\d[\d,.]*\s*[kK]?)\s*(?:reviews?|ratings?)\b`)
)

// Aria reads accessibility labels such as aria-label="4.6 stars".
type Aria struct{}

func (Aria) Name() string { return "aria" }

func (Aria) TryExtract(doc *Document) (*Candidate, bool) {
	var c *Candidate
	var count *int
	doc.Doc.Find("[aria-label]").Each(func(_ int, s *goquery.Selection) {
		label, _ := s.Attr("aria-label")
		if c == nil {
			if m := ariaRatingRe.FindStringSubmatch(label); m != nil {
				if r, ok := ParseRating(m[1]); ok {
					c = &Candidate{Rating: r}
				}
			}
		}
		if count == nil {
			if m := ariaCountRe.FindStringSubmatch(label); m != nil {
				if n, ok := ParseCount(m[1]); ok {
					count = intPtr(n)
				}
			}
		}
	})
	if c == nil {
		return nil, false
	}
	c.ReviewCount = count
	return c, true
}

// Meta reads microdata itemprops and description meta tags.
type Meta struct{}

func (Meta) Name() string { return "meta" }

func (Meta) TryExtract(doc *Document) (*Candidate, bool) {
	if v := itemprop(doc.Doc, "ratingValue"); v != "" {
		if r, ok := ParseRating(v); ok {
			c := &Candidate{Rating: r}
			for _, key := range []string{"reviewCount", "ratingCount"} {
				if n, ok := ParseCount(itemprop(doc.Doc, key)); ok {
					c.ReviewCount = intPtr(n)
					break
				}
			}
			return c, true
		}
	}

	for _, sel := range []string{`meta[property="og:description"]`, `meta[name="description"]`, `meta[name="twitter:description"]`} {
		content, ok := doc.Doc.Find(sel).First().Attr("content")
		if !ok {
			continue
		}
		if t := FindTuples(content); len(t) > 0 {
			return &Candidate{Rating: t[0].Rating, ReviewCount: intPtr(t[0].Count)}, true
		}
	}
	return nil, false
}

func itemprop(doc *goquery.Document, name string) string {
	s := doc.Find(`[itemprop="` + name + `"]`).First()
	if s.Length() == 0 {
		return ""
	}
	if v, ok := s.Attr("content"); ok {
		return strings.TrimSpace(v)
	}
	return strings.TrimSpace(s.Text())
}

var starsRe = regexp.MustCompile(`(?i)\b(\d[.,]\d)\s*(?:★+|stars?\b|out of 5\b)`)

// Regex scans visible text loosely.
type Regex struct{}

func (Regex) Name() string { return "regex" }

func (Regex) TryExtract(doc *Document) (*Candidate, bool) {
	if t := FindTuples(doc.Text); len(t) > 0 {
		return &Candidate{Rating: t[0].Rating, ReviewCount: intPtr(t[0].Count)}, true
	}
	if m := starsRe.FindStringSubmatch(doc.Text); m != nil {
		if r, ok := ParseRating(m[1]); ok {
			return &Candidate{Rating: r}, true
		}
	}
	return nil, false
}
