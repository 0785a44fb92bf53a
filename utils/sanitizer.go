package utils

import (
	"github.com/microcosm-cc/bluemonday"
)

var (
	// StrictPolicy removes all markup
	StrictPolicy *bluemonday.Policy
	// UGCPolicy for rich text content
	UGCPolicy *bluemonday.Policy
)

func init() {
	StrictPolicy = bluemonday.StrictPolicy()

	UGCPolicy = bluemonday.UGCPolicy()

	// Allow additional safe elements for email content
	UGCPolicy.AllowElements("p", "br", "div", "span", "h1", "h2", "h3", "h4", "h5", "h6")
	UGCPolicy.AllowElements("strong", "em", "u", "s", "code", "pre")
	UGCPolicy.AllowElements("ul", "ol", "li")
	UGCPolicy.AllowElements("blockquote")
	UGCPolicy.AllowElements("a", "img")
	UGCPolicy.AllowElements("table", "thead", "tbody", "tr", "th", "td")

	UGCPolicy.AllowAttrs("href").OnElements("a")
	UGCPolicy.AllowAttrs("src", "alt", "title", "width", "height").OnElements("img")
	UGCPolicy.AllowAttrs("class", "id").Globally()
	UGCPolicy.AllowAttrs("style").OnElements("span", "div", "p", "td", "table")

	UGCPolicy.RequireParseableURLs(true)
	UGCPolicy.AllowURLSchemes("http", "https", "mailto", "cid")
}

// SanitizeHTML sanitizes HTML content using the UGC policy
func SanitizeHTML(html string) string {
	return UGCPolicy.Sanitize(html)
}

// StripHTML removes all HTML tags from content
func StripHTML(html string) string {
	return StrictPolicy.Sanitize(html)
}
