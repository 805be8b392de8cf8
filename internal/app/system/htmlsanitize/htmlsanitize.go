// Package htmlsanitize cleans user-supplied text before it is stored on
// sessions and cohorts.
package htmlsanitize

import (
	"html"
	"strings"

	"github.com/microcosm-cc/bluemonday"
)

var (
	// ugc allows the light formatting admins paste into session descriptions.
	ugc = bluemonday.UGCPolicy()
	// strict removes every tag; used for single-line fields.
	strict = bluemonday.StrictPolicy()
)

// Description sanitizes a session description. Whitespace-only input
// becomes the empty string.
func Description(s string) string {
	s = strings.TrimSpace(s)
	if s == "" {
		return ""
	}
	return strings.TrimSpace(ugc.Sanitize(s))
}

// Plain strips all markup from a single-line value (room, type, cohort name)
// and returns unescaped, trimmed text.
func Plain(s string) string {
	s = strings.TrimSpace(s)
	if s == "" {
		return ""
	}
	return strings.TrimSpace(html.UnescapeString(strict.Sanitize(s)))
}

// IsPlainText reports whether s contains no tag-like markup.
func IsPlainText(s string) bool {
	return !(strings.Contains(s, "<") && strings.Contains(s, ">"))
}
