package policy

import (
	"regexp"

	"github.com/ent0n29/memorylane/internal/memory"
)

type redactionRule struct {
	pattern *regexp.Regexp
	marker  string
}

// Cards are matched before phones so long digit runs are not classified as
// phone numbers.
var redactionRules = []redactionRule{
	{regexp.MustCompile(`[a-zA-Z0-9._%+\-]+@[a-zA-Z0-9.\-]+\.[a-zA-Z]{2,}`), "[REDACTED_EMAIL]"},
	{regexp.MustCompile(`\b(?:\d[ -]*?){13,19}\b`), "[REDACTED_CARD]"},
	{regexp.MustCompile(`\+?[0-9][0-9\-() ]{7,}[0-9]`), "[REDACTED_PHONE]"},
}

// RedactPII masks common high-risk PII patterns.
func RedactPII(input string) (redacted string, changed bool) {
	out := input
	for _, rule := range redactionRules {
		next := rule.pattern.ReplaceAllString(out, rule.marker)
		changed = changed || next != out
		out = next
	}
	return out, changed
}

// RedactTranscript returns a copy of t with every entry redacted. PIIRedacted
// is set when any entry changed.
func RedactTranscript(t memory.Transcript) memory.Transcript {
	entries := make([]memory.Entry, len(t.Entries))
	for i, e := range t.Entries {
		text, changed := RedactPII(e.Text)
		e.Text = text
		entries[i] = e
		t.PIIRedacted = t.PIIRedacted || changed
	}
	t.Entries = entries
	return t
}
