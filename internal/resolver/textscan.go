package resolver

import (
	"strings"

	"github.com/sells-group/lead-scorer/internal/extract"
)

// Text proxy passes, strictest first.
const (
	passStrong2 = "strong2"
	passStrong1 = "strong1"
	passAny     = "any"
)

// textHit is a rating tuple found in proxied text with its context line.
type textHit struct {
	tuple   extract.Tuple
	context string
	overlap int
}

// scanText looks for "(rating) (count)" tuples in text extracted by the
// proxy and attributes each to the nearest preceding context line. A hit
// is accepted in relaxed passes: two matching tokens, then one, then a
// lone tuple whose line or context mentions any loose token. A tuple with
// no overlap at all is never accepted.
func scanText(text string, tokens, loose []string) (*textHit, string) {
	tuples := extract.FindTuples(text)
	if len(tuples) == 0 {
		return nil, ""
	}

	hits := make([]textHit, 0, len(tuples))
	for _, t := range tuples {
		ctx := contextLine(text, t.Start)
		hits = append(hits, textHit{tuple: t, context: ctx, overlap: Matches(tokens, ctx)})
	}

	strong2 := min(2, len(tokens))
	if strong2 > 0 {
		if h := bestHit(hits, strong2); h != nil {
			return h, passStrong2
		}
	}
	if len(tokens) > 0 {
		if h := bestHit(hits, 1); h != nil {
			return h, passStrong1
		}
	}
	if len(hits) == 1 && len(loose) > 0 {
		h := &hits[0]
		if Matches(loose, h.context, tupleLine(text, h.tuple)) > 0 {
			return h, passAny
		}
	}
	return nil, ""
}

func bestHit(hits []textHit, minOverlap int) *textHit {
	var best *textHit
	for i := range hits {
		h := &hits[i]
		if h.overlap < minOverlap {
			continue
		}
		if best == nil || h.overlap > best.overlap {
			best = h
		}
	}
	return best
}

// tupleLine returns the full line holding the tuple.
func tupleLine(text string, t extract.Tuple) string {
	start := strings.LastIndexByte(text[:t.Start], '\n') + 1
	end := len(text)
	if i := strings.IndexByte(text[t.End:], '\n'); i >= 0 {
		end = t.End + i
	}
	return strings.TrimSpace(text[start:end])
}

// contextLine returns the text on the tuple's line before it, or the
// closest non-empty line above when the tuple starts its line.
func contextLine(text string, pos int) string {
	lineStart := strings.LastIndexByte(text[:pos], '\n') + 1
	if same := strings.TrimSpace(text[lineStart:pos]); len(same) > 3 {
		return same
	}
	above := text[:max(lineStart-1, 0)]
	for above != "" {
		i := strings.LastIndexByte(above, '\n')
		line := strings.TrimSpace(above[i+1:])
		if line != "" {
			return line
		}
		if i < 0 {
			break
		}
		above = above[:i]
	}
	return ""
}
