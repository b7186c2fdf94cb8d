package orderparse

import (
	"regexp"
	"strings"
)

// MaxItems caps the number of items returned for one order.
const MaxItems = 20

var (
	separatorPattern = regexp.MustCompile(`(?i)\s*(?:[,;\n]|\band\b|\bplus\b|\bthen\b|\balso\b)\s*`)
	tagPattern       = regexp.MustCompile(`<[^>]*>`)
	listMarkPattern  = regexp.MustCompile(`^(?:[-*•]+|\d+[.)])\s+`)
	spacePattern     = regexp.MustCompile(`\s+`)
)

// SplitFallback is the deterministic parser: it splits a transcript on
// commas, semicolons, newlines and common conjunctions.
func SplitFallback(text string) []string {
	return Sanitize(separatorPattern.Split(text, -1))
}

// Sanitize strips markup, trims and drops empty entries, and caps the list
// at MaxItems.
func Sanitize(items []string) []string {
	out := make([]string, 0, min(len(items), MaxItems))
	for _, item := range items {
		item = tagPattern.ReplaceAllString(item, " ")
		item = strings.NewReplacer("*", "", "_", "", "`", "", "#", "").Replace(item)
		item = strings.TrimSpace(spacePattern.ReplaceAllString(item, " "))
		item = listMarkPattern.ReplaceAllString(item, "")
		item = strings.TrimSpace(strings.Trim(item, ".!?\"'"))
		if item == "" {
			continue
		}
		out = append(out, item)
		if len(out) == MaxItems {
			break
		}
	}
	return out
}
