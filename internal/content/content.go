package content

import (
	"bytes"
	"html"
	"regexp"
	"strings"
	"unicode/utf8"

	"github.com/microcosm-cc/bluemonday"
	"github.com/yuin/goldmark"
)

var (
	policy   = bluemonday.UGCPolicy()
	strip    = bluemonday.StrictPolicy()
	markdown = goldmark.New()

	blockTags  = regexp.MustCompile(`<br\s*/?>|</?p>|</?div>|</?pre>|</?li>|</?h[1-6]>`)
	whitespace = regexp.MustCompile(`\s+`)
)

// Sanitize removes unsafe HTML from the input string using a strict policy.
// It is applied to message content before it is stored.
func Sanitize(input string) string {
	return policy.Sanitize(input)
}

// Render converts markdown content into HTML that is safe to embed in a page.
// Content that fails to convert is returned escaped.
func Render(input string) string {
	if input == "" {
		return ""
	}
	var buf bytes.Buffer
	if err := markdown.Convert([]byte(input), &buf); err != nil {
		return html.EscapeString(input)
	}
	return policy.Sanitize(buf.String())
}

// Preview returns a single-line plain-text rendition of markdown content,
// shortened to at most maxRunes runes.
func Preview(input string, maxRunes int) string {
	if input == "" {
		return ""
	}
	var buf bytes.Buffer
	text := input
	if err := markdown.Convert([]byte(input), &buf); err == nil {
		text = blockTags.ReplaceAllString(buf.String(), " ")
		text = html.UnescapeString(strip.Sanitize(text))
	}
	text = strings.TrimSpace(whitespace.ReplaceAllString(text, " "))

	if maxRunes > 0 && utf8.RuneCountInString(text) > maxRunes {
		runes := []rune(text)
		text = strings.TrimSpace(string(runes[:maxRunes])) + "…"
	}
	return text
}
