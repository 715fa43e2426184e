package fetcher

import (
	"bytes"
	"strings"

	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"
)

const (
	minBytes     = 256
	minText      = 200
	minTextRatio = 0.10
)

// Empty mount points and noscript notices left by client-rendered apps.
var spaIndicators = []string{
	`<div id="root"></div>`,
	`<div id="app"></div>`,
	`<div id="__next"></div>`,
	"<noscript>you need to enable javascript",
	"<noscript>enable javascript",
}

// IsSufficient reports whether body has enough visible text relative to
// markup that a browser is not needed to see the page's elements.
func IsSufficient(body []byte) bool {
	if len(body) < minBytes {
		return false
	}

	text, markup := textMarkupRatio(body)
	total := text + markup
	if total == 0 || text < minText || float64(text)/float64(total) < minTextRatio {
		return false
	}

	lower := bytes.ToLower(body)
	for _, ind := range spaIndicators {
		if bytes.Contains(lower, []byte(ind)) {
			return false
		}
	}
	return true
}

// textMarkupRatio counts non-whitespace text bytes against everything else.
// Script and style contents count as markup.
func textMarkupRatio(body []byte) (text, markup int) {
	z := html.NewTokenizer(bytes.NewReader(body))
	skip := 0
	for {
		tt := z.Next()
		if tt == html.ErrorToken {
			return text, markup
		}
		raw := len(z.Raw())

		switch tt {
		case html.TextToken:
			if skip > 0 {
				markup += raw
				continue
			}
			n := len(strings.Join(strings.Fields(string(z.Text())), ""))
			text += n
			markup += raw - n
		case html.StartTagToken:
			markup += raw
			if isRawText(z) {
				skip++
			}
		case html.EndTagToken:
			markup += raw
			if isRawText(z) && skip > 0 {
				skip--
			}
		default:
			markup += raw
		}
	}
}

func isRawText(z *html.Tokenizer) bool {
	name, _ := z.TagName()
	a := atom.Lookup(name)
	return a == atom.Script || a == atom.Style
}
