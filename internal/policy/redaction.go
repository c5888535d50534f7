// Package policy holds content rules applied to learner text before it leaves the process.
package policy

import (
	"regexp"
	"strings"
	"unicode/utf8"
)

var (
	emailPattern = regexp.MustCompile(`[a-zA-Z0-9._%+\-]+@[a-zA-Z0-9.\-]+\.[a-zA-Z]{2,}`)
	phonePattern = regexp.MustCompile(`\+?[0-9][0-9\-() ]{7,}[0-9]`)
	cardPattern  = regexp.MustCompile(`\b(?:\d[ -]*?){13,19}\b`)
)

// RedactPII masks common high-risk PII patterns.
func RedactPII(input string) (redacted string, changed bool) {
	out := input

	next := emailPattern.ReplaceAllString(out, "[REDACTED_EMAIL]")
	changed = changed || next != out
	out = next

	// Card before phone so long digit runs are not classified as phone numbers.
	next = cardPattern.ReplaceAllString(out, "[REDACTED_CARD]")
	changed = changed || next != out
	out = next

	next = phonePattern.ReplaceAllString(out, "[REDACTED_PHONE]")
	changed = changed || next != out
	out = next

	return out, changed
}

const logTextLimit = 120

// LogText prepares learner text for structured logs: PII is masked, whitespace
// collapsed and the result capped at a fixed number of runes.
func LogText(input string) string {
	out, _ := RedactPII(input)
	out = strings.Join(strings.Fields(out), " ")
	if utf8.RuneCountInString(out) <= logTextLimit {
		return out
	}
	runes := []rune(out)
	return string(runes[:logTextLimit]) + "…"
}
