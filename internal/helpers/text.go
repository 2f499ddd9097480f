package helpers

import (
	"html"
	"strings"
	"sync"
	"unicode"

	"github.com/microcosm-cc/bluemonday"
)

var (
	strictPolicyOnce sync.Once
	strictPolicy     *bluemonday.Policy
)

// StripHTML removes every tag from s and returns plain, whitespace-collapsed text.
func StripHTML(s string) string {
	if strings.TrimSpace(s) == "" {
		return ""
	}
	strictPolicyOnce.Do(func() {
		strictPolicy = bluemonday.StrictPolicy()
	})
	return CollapseWhitespace(html.UnescapeString(strictPolicy.Sanitize(s)))
}

// CollapseWhitespace folds every whitespace run into a single space.
func CollapseWhitespace(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

// TruncateAtSentence shortens s to at most max runes. It cuts after the last
// sentence terminator in the budget when that keeps at least half of it, then
// falls back to the last word boundary, then to a hard cut.
func TruncateAtSentence(s string, max int) string {
	if max <= 0 {
		return ""
	}
	runes := []rune(s)
	if len(runes) <= max {
		return s
	}
	window := runes[:max]
	floor := max / 2

	for i := len(window) - 1; i >= floor; i-- {
		switch window[i] {
		case '.', '!', '?', '\n':
			if i == len(runes)-1 || unicode.IsSpace(runes[i+1]) {
				return strings.TrimSpace(string(window[:i+1]))
			}
		}
	}
	for i := len(window) - 1; i >= floor; i-- {
		if unicode.IsSpace(window[i]) {
			return strings.TrimSpace(string(window[:i]))
		}
	}
	return string(window)
}
