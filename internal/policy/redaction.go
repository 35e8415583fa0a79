// Package policy holds the log hygiene rules applied to user and tool text.
package policy

import (
	"regexp"
	"strings"
	"unicode/utf8"
)

type redaction struct {
	pattern *regexp.Regexp
	marker  string
}

// Applied in order; cards go before phones so long digit runs are not
// classified as phone numbers.
var redactions = []redaction{
	{regexp.MustCompile(`(?i)\bbearer\s+[a-z0-9._\-]+`), "[REDACTED_TOKEN]"},
	{regexp.MustCompile(`\bsk-[A-Za-z0-9_\-]{16,}`), "[REDACTED_KEY]"},
	{regexp.MustCompile(`[a-zA-Z0-9._%+\-]+@[a-zA-Z0-9.\-]+\.[a-zA-Z]{2,}`), "[REDACTED_EMAIL]"},
	{regexp.MustCompile(`\b(?:\d[ -]*?){13,19}\b`), "[REDACTED_CARD]"},
	{regexp.MustCompile(`\+?[0-9][0-9\-() ]{7,}[0-9]`), "[REDACTED_PHONE]"},
}

// RedactPII masks credentials and common high-risk PII patterns.
func RedactPII(input string) (redacted string, changed bool) {
	out := input
	for _, r := range redactions {
		next := r.pattern.ReplaceAllString(out, r.marker)
		changed = changed || next != out
		out = next
	}
	return out, changed
}

// Preview redacts s, collapses whitespace and truncates it to max runes for
// log attributes.
func Preview(s string, max int) string {
	s, _ = RedactPII(s)
	s = strings.Join(strings.Fields(s), " ")
	if max <= 0 || utf8.RuneCountInString(s) <= max {
		return s
	}
	runes := []rune(s)
	return string(runes[:max]) + "..."
}
