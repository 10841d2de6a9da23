package utils

import (
	"io"
	"strings"
	"unicode/utf8"

	"github.com/microcosm-cc/bluemonday"
	"golang.org/x/net/html"
)

var (
	// StrictPolicy removes all markup
	StrictPolicy *bluemonday.Policy
	// UGCPolicy keeps the formatting elements mail bodies use
	UGCPolicy *bluemonday.Policy
)

func init() {
	StrictPolicy = bluemonday.StrictPolicy()

	UGCPolicy = bluemonday.UGCPolicy()
	UGCPolicy.AllowElements("p", "br", "div", "span", "h1", "h2", "h3", "h4", "h5", "h6")
	UGCPolicy.AllowElements("strong", "em", "u", "s", "code", "pre")
	UGCPolicy.AllowElements("ul", "ol", "li")
	UGCPolicy.AllowElements("blockquote")
	UGCPolicy.AllowElements("a", "img")
	UGCPolicy.AllowElements("table", "thead", "tbody", "tr", "th", "td")

	UGCPolicy.AllowAttrs("href").OnElements("a")
	UGCPolicy.AllowAttrs("src", "alt", "title", "width", "height").OnElements("img")
	UGCPolicy.AllowAttrs("style").OnElements("span", "div", "p")

	UGCPolicy.RequireParseableURLs(true)
	UGCPolicy.AllowURLSchemes("http", "https", "mailto", "cid")
}

// SanitizeHTML sanitizes an inbound HTML body before it is stored
func SanitizeHTML(body string) string {
	return UGCPolicy.Sanitize(body)
}

// StripHTML removes all HTML tags from content
func StripHTML(body string) string {
	return StrictPolicy.Sanitize(body)
}

var skipTextElements = map[string]bool{
	"script": true,
	"style":  true,
	"head":   true,
	"title":  true,
}

// HTMLToText extracts the visible text of an HTML document, dropping
// script/style content and separating words across tags.
func HTMLToText(body string) string {
	z := html.NewTokenizer(strings.NewReader(body))
	var b strings.Builder
	skip := 0

	for {
		switch z.Next() {
		case html.ErrorToken:
			// io.EOF or a malformed document: either way return what was read
			if err := z.Err(); err != nil && err != io.EOF {
				Log.Debug("html text extraction stopped early: %v", err)
			}
			return strings.Join(strings.Fields(b.String()), " ")
		case html.StartTagToken:
			name, _ := z.TagName()
			if skipTextElements[string(name)] {
				skip++
			}
			b.WriteByte(' ')
		case html.EndTagToken:
			name, _ := z.TagName()
			if skipTextElements[string(name)] && skip > 0 {
				skip--
			}
			b.WriteByte(' ')
		case html.SelfClosingTagToken:
			b.WriteByte(' ')
		case html.TextToken:
			if skip == 0 {
				b.Write(z.Text())
			}
		}
	}
}

// BuildPreview returns at most limit runes of the message text, preferring
// the plain-text body and falling back to the HTML body's visible text.
func BuildPreview(text, htmlBody string, limit int) string {
	preview := strings.Join(strings.Fields(text), " ")
	if preview == "" && htmlBody != "" {
		preview = HTMLToText(htmlBody)
	}
	if limit <= 0 || utf8.RuneCountInString(preview) <= limit {
		return preview
	}

	runes := []rune(preview)
	cut := strings.TrimRight(string(runes[:limit-1]), " ")
	return cut + "…"
}
