package handler

import (
	"regexp"
	"strings"

	"github.com/danshapiro/ganaudit/internal/audit"
)

// Audit trigger heuristics. A thought is audit-worthy iff any of: an inline
// gan-config block, a fenced code block with a recognized language tag,
// unified-diff markers, or enough programming keywords to look like code.

var codeFencePattern = regexp.MustCompile(
	"(?im)^```(go|golang|js|javascript|jsx|ts|typescript|tsx|python|py|rust|java|c|cpp|csharp|cs|sh|bash|shell|ruby|rb|php|kotlin|swift|scala|sql|yaml|json|html|css)\\s*$")

var diffMarkers = []string{"\n--- ", "\n+++ ", "\n@@ "}

var keywordPatterns = []*regexp.Regexp{
	regexp.MustCompile(`\bfunc\s+\w+\s*\(`),
	regexp.MustCompile(`\bdef\s+\w+\s*\(`),
	regexp.MustCompile(`\bclass\s+\w+`),
	regexp.MustCompile(`\b(?:var|let|const)\s+\w+\s*=`),
	regexp.MustCompile(`\breturn\b.*;`),
	regexp.MustCompile(`\bimport\s+[\w."'{]`),
	regexp.MustCompile(`#include\s*<`),
	regexp.MustCompile(`=>\s*[{(]`),
	regexp.MustCompile(`\bif\s*\(.+\)\s*{`),
}

// ShouldAudit reports whether the thought text warrants an audit cycle.
func ShouldAudit(text string) bool {
	if _, found, _ := audit.ExtractInlineConfig(text); found {
		return true
	}
	if codeFencePattern.MatchString(text) {
		return true
	}
	padded := "\n" + text
	for _, m := range diffMarkers {
		if strings.Contains(padded, m) {
			return true
		}
	}
	hits := 0
	for _, p := range keywordPatterns {
		if p.MatchString(text) {
			hits++
			if hits >= 2 {
				return true
			}
		}
	}
	return false
}
