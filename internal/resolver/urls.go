package resolver

import (
	"fmt"
	"net/url"
	"regexp"
	"strings"
)

// IsCanonical reports whether u points at a listing page, i.e. its path
// contains the canonical pattern.
func IsCanonical(u, pattern string) bool {
	if u == "" || pattern == "" {
		return false
	}
	parsed, err := url.Parse(u)
	if err != nil || parsed.Host == "" {
		return false
	}
	return strings.Contains(parsed.EscapedPath(), pattern) || strings.Contains(parsed.Path, pattern)
}

// jsonEscapes undoes the escaping listing URLs get when embedded in inline
// script payloads.
var jsonEscapes = strings.NewReplacer(
	`\u003d`, "=",
	`\u0026`, "&",
	`\u002f`, "/",
	`\u002F`, "/",
	`\/`, "/",
	`&amp;`, "&",
)

// URLExtractor finds embedded listing URLs in search result pages.
type URLExtractor struct {
	pattern string
	re      *regexp.Regexp
}

// NewURLExtractor compiles the embedded-URL pattern for a canonical path.
func NewURLExtractor(pattern string) *URLExtractor {
	return &URLExtractor{
		pattern: pattern,
		re:      regexp.MustCompile(`https?://[^"'\s<>\\]+` + regexp.QuoteMeta(pattern) + `[^"'\s<>\\]+`),
	}
}

// Find returns distinct canonical URLs in order of first appearance.
func (e *URLExtractor) Find(body []byte) []string {
	text := jsonEscapes.Replace(string(body))
	seen := make(map[string]bool)
	var out []string
	for _, m := range e.re.FindAllString(text, -1) {
		m = strings.TrimRight(m, ".,;)")
		if seen[m] || !IsCanonical(m, e.pattern) {
			continue
		}
		seen[m] = true
		out = append(out, m)
	}
	return out
}

// buildURL fills a "%s" template with the query-escaped query.
func buildURL(template, query string) string {
	return fmt.Sprintf(template, url.QueryEscape(strings.TrimSpace(query)))
}

// normalizeKey folds a lookup key for cache and dedup comparisons.
func normalizeKey(s string) string {
	return strings.Join(words(s), " ")
}

// NormalizeKey is the exported form used by callers that dedup lookups.
func NormalizeKey(s string) string { return normalizeKey(s) }

// normalizeURLKey lowercases the host and strips query and fragment noise.
func normalizeURLKey(u string) string {
	u = strings.TrimSpace(u)
	if u == "" {
		return ""
	}
	parsed, err := url.Parse(u)
	if err != nil || parsed.Host == "" {
		return strings.ToLower(u)
	}
	return strings.ToLower(parsed.Host) + strings.TrimRight(parsed.EscapedPath(), "/")
}
