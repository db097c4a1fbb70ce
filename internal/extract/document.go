// Package extract parses listing pages and pulls rating signals out of them
// with an ordered list of strategies.
package extract

import (
	"bytes"
	"regexp"
	"strings"
	"unicode/utf8"

	"github.com/PuerkitoBio/goquery"
	"github.com/rotisserie/eris"
)

// PrefixBytes is how much visible text identity checks look at.
const PrefixBytes = 4096

// Document is a parsed page.
type Document struct {
	URL   string
	Title string
	Text  string
	Doc   *goquery.Document
}

var spaceRe = regexp.MustCompile(`\s+`)

// Parse builds a Document from an HTML body. The body must already be UTF-8.
func Parse(pageURL string, body []byte) (*Document, error) {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(body))
	if err != nil {
		return nil, eris.Wrap(err, "extract: parse html")
	}

	title := strings.TrimSpace(doc.Find("title").First().Text())
	if title == "" {
		title, _ = doc.Find(`meta[property="og:title"]`).Attr("content")
	}

	return &Document{
		URL:   pageURL,
		Title: strings.TrimSpace(title),
		Text:  visibleText(doc),
		Doc:   doc,
	}, nil
}

// visibleText returns body text with scripts, styles and templates removed
// and whitespace collapsed. Block boundaries become newlines so line-based
// scanning keeps working.
func visibleText(doc *goquery.Document) string {
	body := doc.Find("body").Clone()
	if body.Length() == 0 {
		body = doc.Selection.Clone()
	}
	body.Find("script, style, noscript, template, svg").Remove()
	body.Find("br, p, div, li, h1, h2, h3, h4, tr, section, article").Each(func(_ int, s *goquery.Selection) {
		s.AppendHtml("\n")
	})

	lines := strings.Split(body.Text(), "\n")
	out := lines[:0]
	for _, l := range lines {
		l = strings.TrimSpace(spaceRe.ReplaceAllString(l, " "))
		if l != "" {
			out = append(out, l)
		}
	}
	return strings.Join(out, "\n")
}

// Prefix returns at most n bytes of the visible text without splitting a rune.
func (d *Document) Prefix(n int) string {
	if len(d.Text) <= n {
		return d.Text
	}
	cut := n
	for cut > 0 && !utf8.RuneStart(d.Text[cut]) {
		cut--
	}
	return d.Text[:cut]
}
