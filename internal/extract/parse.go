package extract

import (
	"regexp"
	"strconv"
	"strings"
)

// MaxRating is the upper bound for a plausible star rating.
const MaxRating = 5.0

// ParseRating parses "4.6" or "4,6" into a rating in (0, 5].
func ParseRating(s string) (float64, bool) {
	s = strings.TrimSpace(strings.Replace(s, ",", ".", 1))
	v, err := strconv.ParseFloat(s, 64)
	if err != nil || v <= 0 || v > MaxRating {
		return 0, false
	}
	return v, true
}

// ParseCount parses review counts such as "128", "1,204", "2.3K" or "1 204".
func ParseCount(s string) (int, bool) {
	s = strings.TrimSpace(s)
	s = strings.Trim(s, "()")
	s = strings.ReplaceAll(s, " ", "")
	s = strings.ReplaceAll(s, "\u00a0", "")
	if s == "" {
		return 0, false
	}

	mult := 1.0
	switch s[len(s)-1] {
	case 'k', 'K':
		mult = 1000
		s = s[:len(s)-1]
	case 'm', 'M':
		mult = 1_000_000
		s = s[:len(s)-1]
	}

	if mult > 1 {
		v, err := strconv.ParseFloat(strings.Replace(s, ",", ".", 1), 64)
		if err != nil || v < 0 {
			return 0, false
		}
		return int(v * mult), true
	}

	s = strings.NewReplacer(",", "", ".", "").Replace(s)
	v, err := strconv.Atoi(s)
	if err != nil || v < 0 {
		return 0, false
	}
	return v, true
}

// Tuple is a "(rating) (count)" pair found in free text.
type Tuple struct {
	Rating float64
	Count  int
	Start  int
	End    int
}

// tupleRe matches "4.6 (128)", "4.6 ★★★★★ (1,204)" and "4,6 stars (2.3K)".
var tupleRe = regexp.MustCompile(`(?i)\b(\d[.,]\d)\s*(?:★+|☆+|stars?)?\s*\(\s*(\d[\d,.\s]*[kKmM]?)\s*\)`)

// reviewsRe matches "4.6 stars · 128 reviews" and "4.6 · 128 Google reviews".
var reviewsRe = regexp.MustCompile(`(?i)\b(\d[.,]\d)\s*(?:★+|stars?)?\s*[·|\-,]?\s*(\d[\d,.]*\s*[kK]?)\s+(?:google\s+)?reviews?\b`)

// FindTuples returns every plausible rating/count pair in text, in order.
func FindTuples(text string) []Tuple {
	var out []Tuple
	for _, re := range []*regexp.Regexp{tupleRe, reviewsRe} {
		for _, m := range re.FindAllStringSubmatchIndex(text, -1) {
			rating, ok := ParseRating(text[m[2]:m[3]])
			if !ok {
				continue
			}
			count, ok := ParseCount(text[m[4]:m[5]])
			if !ok {
				continue
			}
			out = append(out, Tuple{Rating: rating, Count: count, Start: m[0], End: m[1]})
		}
		if len(out) > 0 {
			break
		}
	}
	return out
}
