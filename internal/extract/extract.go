// Package extract derives page content fields (title, visible text, word
// count, quality score, language) from raw HTML bodies returned by the
// scrape worker.
package extract

import (
	"strings"

	"golang.org/x/net/html"
)

// Result holds the fields extracted from one document.
type Result struct {
	Title     string
	Text      string
	WordCount int
	Language  string
}

// skipElements are elements whose text content is not page content.
var skipElements = map[string]struct{}{
	"script":   {},
	"style":    {},
	"noscript": {},
	"template": {},
	"head":     {},
}

// FromHTML parses an HTML document and extracts the title, the visible
// text, and a word count. Parsing is lenient: malformed markup yields
// whatever could be recovered, never an error, matching how archived pages
// actually look.
func FromHTML(body []byte) *Result {
	doc, err := html.Parse(strings.NewReader(string(body)))
	if err != nil {
		// html.Parse only fails on reader errors; a string reader cannot.
		return &Result{}
	}

	r := &Result{}
	var textParts []string
	traverse(doc, r, &textParts)

	r.Text = strings.Join(textParts, " ")
	r.WordCount = len(strings.Fields(r.Text))
	return r
}

func traverse(n *html.Node, r *Result, textParts *[]string) {
	if n.Type == html.ElementNode {
		if _, skip := skipElements[n.Data]; skip && n.Data != "head" {
			return
		}
		switch n.Data {
		case "title":
			if r.Title == "" && n.FirstChild != nil && n.FirstChild.Type == html.TextNode {
				r.Title = strings.TrimSpace(n.FirstChild.Data)
			}
			return
		case "html":
			for _, attr := range n.Attr {
				if attr.Key == "lang" && attr.Val != "" {
					r.Language = normalizeLang(attr.Val)
				}
			}
		case "head":
			// Descend only for <title> and the lang attribute; head text
			// is never page content.
			for c := n.FirstChild; c != nil; c = c.NextSibling {
				if c.Type == html.ElementNode && c.Data == "title" {
					traverse(c, r, textParts)
				}
			}
			return
		}
	}

	if n.Type == html.TextNode {
		if text := strings.TrimSpace(n.Data); text != "" {
			*textParts = append(*textParts, text)
		}
	}

	for c := n.FirstChild; c != nil; c = c.NextSibling {
		traverse(c, r, textParts)
	}
}

func normalizeLang(lang string) string {
	lang = strings.ToLower(strings.TrimSpace(lang))
	if i := strings.IndexAny(lang, "-_"); i > 0 {
		lang = lang[:i]
	}
	return lang
}

// QualityScore rates extracted content 0-100 from its word count and title
// presence. Pages with no text score zero; the scale saturates around
// typical article length.
func QualityScore(title string, wordCount int) int {
	if wordCount == 0 {
		return 0
	}

	score := 0
	switch {
	case wordCount >= 800:
		score = 80
	case wordCount >= 300:
		score = 60
	case wordCount >= 100:
		score = 40
	default:
		score = 20
	}

	if title != "" {
		score += 20
	}
	if score > 100 {
		score = 100
	}
	return score
}
