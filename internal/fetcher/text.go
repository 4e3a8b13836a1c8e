package fetcher

import (
	"fmt"
	"io"
	"strings"

	"github.com/PuerkitoBio/goquery"
)

// DefaultStripSelector removes elements that never carry policy text.
const DefaultStripSelector = "script, style, noscript, template, svg, iframe, object"

var blockElements = map[string]bool{
	"address": true, "article": true, "aside": true, "blockquote": true, "dd": true,
	"div": true, "dl": true, "dt": true, "fieldset": true, "figcaption": true,
	"figure": true, "footer": true, "form": true, "h1": true, "h2": true, "h3": true,
	"h4": true, "h5": true, "h6": true, "header": true, "hr": true, "li": true,
	"main": true, "nav": true, "ol": true, "p": true, "pre": true, "section": true,
	"table": true, "tbody": true, "td": true, "th": true, "thead": true, "tr": true,
	"ul": true, "caption": true, "summary": true, "details": true,
}

// ExtractText renders the visible text of an HTML document with one line per
// block element. selector narrows extraction to matching elements; when it
// matches nothing the whole body is used.
func ExtractText(r io.Reader, selector string) (string, error) {
	doc, err := goquery.NewDocumentFromReader(r)
	if err != nil {
		return "", fmt.Errorf("parse html: %w", err)
	}
	doc.Find(DefaultStripSelector).Remove()

	root := doc.Find("body")
	if selector != "" {
		if sel := doc.Find(selector); sel.Length() > 0 {
			root = sel
		}
	}
	if root.Length() == 0 {
		root = doc.Selection
	}

	var b strings.Builder
	root.Each(func(_ int, s *goquery.Selection) {
		writeText(&b, s)
		b.WriteByte('\n')
	})
	return strings.TrimSpace(b.String()), nil
}

// ExtractTextString is ExtractText over an in-memory document.
func ExtractTextString(html, selector string) (string, error) {
	return ExtractText(strings.NewReader(html), selector)
}

func writeText(b *strings.Builder, sel *goquery.Selection) {
	sel.Contents().Each(func(_ int, c *goquery.Selection) {
		switch name := goquery.NodeName(c); {
		case name == "#text":
			b.WriteString(c.Text())
		case name == "#comment":
		case name == "br":
			b.WriteByte('\n')
		case blockElements[name]:
			b.WriteByte('\n')
			writeText(b, c)
			b.WriteByte('\n')
		default:
			writeText(b, c)
		}
	})
}
