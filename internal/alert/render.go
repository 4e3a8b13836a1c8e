package alert

import (
	"bytes"
	"fmt"
	htmltemplate "html/template"
	"strings"
	texttemplate "text/template"
	"time"
	"unicode/utf8"

	"github.com/JakeFAU/policy-watch/internal/policy"
)

// Disclaimer is appended to every alert.
const Disclaimer = "This alert is informational only and is not legal advice. " +
	"Always confirm requirements with the official source or a qualified immigration professional."

const truncationMarker = "... (preview truncated, see the full diff)"

// Rendered is a ready-to-send alert.
type Rendered struct {
	Subject string
	HTML    string
	Text    string
}

type view struct {
	Origin      string
	Destination string
	VisaType    string
	SourceName  string
	SourceURL   string
	DetectedAt  string
	Preview     string
	DiffURL     string
	Disclaimer  string
}

var htmlTmpl = htmltemplate.Must(htmltemplate.New("alert.html").Parse(`<!DOCTYPE html>
<html>
<body style="font-family: sans-serif;">
<h2>Policy change detected</h2>
<p><strong>Route:</strong> {{.Origin}} &rarr; {{.Destination}} ({{.VisaType}} visa)</p>
<p><strong>Source:</strong> <a href="{{.SourceURL}}">{{.SourceName}}</a></p>
<p><strong>Detected:</strong> {{.DetectedAt}}</p>
<h3>What changed</h3>
<pre style="background:#f6f8fa;padding:12px;white-space:pre-wrap;">{{.Preview}}</pre>
{{if .DiffURL}}<p><a href="{{.DiffURL}}">View the full diff</a></p>{{end}}
<hr>
<p style="color:#666;font-size:12px;">{{.Disclaimer}}</p>
</body>
</html>
`))

var textTmpl = texttemplate.Must(texttemplate.New("alert.txt").Parse(`Policy change detected

Route: {{.Origin}} -> {{.Destination}} ({{.VisaType}} visa)
Source: {{.SourceName}}
URL: {{.SourceURL}}
Detected: {{.DetectedAt}}

What changed:
{{.Preview}}
{{if .DiffURL}}
Full diff: {{.DiffURL}}
{{end}}
--
{{.Disclaimer}}
`))

// Subject formats the alert subject line.
func Subject(route policy.RouteSubscription, src policy.Source) string {
	return fmt.Sprintf("Policy Change Detected: %s → %s, %s Visa - %s",
		strings.ToUpper(route.OriginCountry),
		strings.ToUpper(route.DestinationCountry),
		route.VisaType,
		src.DisplayName())
}

// Render builds the alert for one subscriber.
func (e *Engine) Render(change policy.PolicyChange, src policy.Source, route policy.RouteSubscription) (Rendered, error) {
	preview, _ := Preview(change.DiffText, e.cfg.PreviewMaxChars, e.cfg.PreviewMaxLines)
	v := view{
		Origin:      strings.ToUpper(route.OriginCountry),
		Destination: strings.ToUpper(route.DestinationCountry),
		VisaType:    route.VisaType,
		SourceName:  src.DisplayName(),
		SourceURL:   src.URL,
		DetectedAt:  change.DetectedAt.UTC().Format(time.RFC1123),
		Preview:     preview,
		DiffURL:     e.diffURL(change.ID),
		Disclaimer:  Disclaimer,
	}
	var html, text bytes.Buffer
	if err := htmlTmpl.Execute(&html, v); err != nil {
		return Rendered{}, fmt.Errorf("render html: %w", err)
	}
	if err := textTmpl.Execute(&text, v); err != nil {
		return Rendered{}, fmt.Errorf("render text: %w", err)
	}
	return Rendered{Subject: Subject(route, src), HTML: html.String(), Text: text.String()}, nil
}

func (e *Engine) diffURL(changeID string) string {
	base := strings.TrimRight(e.cfg.PublicBaseURL, "/")
	if base == "" {
		return ""
	}
	return fmt.Sprintf("%s/v1/changes/%s/diff", base, changeID)
}

// Preview bounds diff text by rune count and line count, whichever is hit
// first, and appends a truncation marker when anything was cut.
func Preview(diffText string, maxChars, maxLines int) (string, bool) {
	diffText = strings.TrimRight(diffText, "\n")
	if maxChars <= 0 {
		maxChars = DefaultPreviewChars
	}
	if maxLines <= 0 {
		maxLines = DefaultPreviewLines
	}
	lines := strings.Split(diffText, "\n")
	var b strings.Builder
	chars := 0
	for i, line := range lines {
		if i == maxLines {
			return finishPreview(&b), true
		}
		sep := 0
		if i > 0 {
			sep = 1
		}
		n := utf8.RuneCountInString(line)
		if chars+sep+n > maxChars {
			if room := maxChars - chars - sep; room > 0 {
				if sep == 1 {
					b.WriteByte('\n')
				}
				b.WriteString(string([]rune(line)[:room]))
			}
			return finishPreview(&b), true
		}
		if sep == 1 {
			b.WriteByte('\n')
		}
		b.WriteString(line)
		chars += sep + n
	}
	return b.String(), false
}

func finishPreview(b *strings.Builder) string {
	if b.Len() > 0 {
		b.WriteByte('\n')
	}
	b.WriteString(truncationMarker)
	return b.String()
}
