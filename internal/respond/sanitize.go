package respond

import "regexp"

// Sanitization runs over every outbound text field. Patterns are replaced
// with stable placeholders so downstream agents cannot echo PII, secrets,
// or user-identifying paths back to the operator.
var sanitizers = []struct {
	pattern     *regexp.Regexp
	replacement string
}{
	{regexp.MustCompile(`[A-Za-z0-9._%+-]+@[A-Za-z0-9.-]+\.[A-Za-z]{2,}`), "[EMAIL]"},
	{regexp.MustCompile(`\b\d{3}-\d{2}-\d{4}\b`), "[SSN]"},
	{regexp.MustCompile(`\b(?:\d[ -]?){13,16}\b`), "[CARD]"},
	{regexp.MustCompile(`\+?\d{1,3}[ .-]?\(?\d{3}\)?[ .-]?\d{3}[ .-]?\d{4}\b`), "[PHONE]"},
	{regexp.MustCompile(`(?i)\b(api[_-]?key|secret|token|password|passwd)\b(\s*[:=]\s*)\S+`), "$1$2[REDACTED]"},
	{regexp.MustCompile(`(?i)\bbearer\s+[A-Za-z0-9._~+/-]+=*`), "Bearer [REDACTED]"},
	{regexp.MustCompile(`\bsk-[A-Za-z0-9]{16,}\b`), "[REDACTED]"},
	{regexp.MustCompile(`(?:/home|/Users)/[A-Za-z0-9._-]+`), "[HOME]"},
	{regexp.MustCompile(`[A-Za-z]:\\Users\\[A-Za-z0-9._-]+`), "[HOME]"},
}

// Sanitize replaces PII, secret-like strings, and user paths in s.
func Sanitize(s string) string {
	for _, sub := range sanitizers {
		s = sub.pattern.ReplaceAllString(s, sub.replacement)
	}
	return s
}

func sanitizeAll(items []string) []string {
	out := make([]string, len(items))
	for i, s := range items {
		out[i] = Sanitize(s)
	}
	return out
}
