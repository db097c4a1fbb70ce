package resolver

import (
	"net/url"
	"regexp"
	"strings"
	"unicode"

	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

// boilerplate words never count as identity tokens.
var boilerplate = map[string]bool{
	"llc": true, "inc": true, "co": true, "corp": true, "corporation": true,
	"ltd": true, "company": true, "the": true, "and": true, "group": true,
	"services": true, "service": true, "llp": true, "pllc": true, "pc": true,
	"plc": true, "of": true, "holdings": true, "enterprises": true,
	"international": true, "solutions": true, "incorporated": true,
	"limited": true, "dba": true,
}

var (
	camelRe   = regexp.MustCompile(`([a-z])([A-Z])`)
	nonWordRe = regexp.MustCompile(`[^a-z0-9]+`)
)

// fold strips diacritics and lowercases.
func fold(s string) string {
	t := transform.Chain(norm.NFKD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)
	out, _, err := transform.String(t, s)
	if err != nil {
		out = s
	}
	return strings.ToLower(out)
}

// words splits s into folded alphanumeric words, splitting camelCase first.
func words(s string) []string {
	s = camelRe.ReplaceAllString(s, "$1 $2")
	s = strings.ReplaceAll(s, "&", " and ")
	return strings.Fields(nonWordRe.ReplaceAllString(fold(s), " "))
}

// Tokens returns the distinctive identity tokens of a company name. Tokens
// shorter than three characters are only kept when nothing longer remains.
func Tokens(company string) []string {
	var long, short []string
	seen := make(map[string]bool)
	for _, w := range words(company) {
		if boilerplate[w] || seen[w] {
			continue
		}
		seen[w] = true
		switch {
		case len(w) >= 3:
			long = append(long, w)
		case len(w) == 2:
			short = append(short, w)
		}
	}
	if len(long) > 0 {
		return long
	}
	return short
}

// looseTokens returns every non-boilerplate word of two or more
// characters, including the short ones Tokens drops.
func looseTokens(company string) []string {
	var out []string
	seen := make(map[string]bool)
	for _, w := range words(company) {
		if len(w) < 2 || boilerplate[w] || seen[w] {
			continue
		}
		seen[w] = true
		out = append(out, w)
	}
	return out
}

// Verifier checks that a page belongs to the business being looked up.
type Verifier struct {
	MinMatches int
}

// Required is how many tokens must appear.
func (v Verifier) Required(tokens []string) int {
	return min(max(v.MinMatches, 0), len(tokens))
}

// Matches counts how many tokens appear in the haystack parts.
func Matches(tokens []string, parts ...string) int {
	set := make(map[string]bool)
	var compact strings.Builder
	for _, p := range parts {
		if u, err := url.QueryUnescape(p); err == nil {
			p = u
		}
		for _, w := range words(p) {
			set[w] = true
			compact.WriteString(w)
		}
	}
	joined := compact.String()

	n := 0
	for _, t := range tokens {
		// Long tokens may be glued to neighbours, as in domain names.
		if set[t] || (len(t) >= 5 && strings.Contains(joined, t)) {
			n++
		}
	}
	return n
}

// Verify reports whether enough tokens appear in the URL, title or page text.
func (v Verifier) Verify(tokens []string, pageURL, title, text string) bool {
	return Matches(tokens, pageURL, title, text) >= v.Required(tokens)
}
