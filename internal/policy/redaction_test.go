package policy

import (
	"strings"
	"testing"

	"github.com/ent0n29/memorylane/internal/memory"
)

func TestRedactPII(t *testing.T) {
	input := "Email me at sam@example.com or +1 (555) 123-9876 and use 4242 4242 4242 4242."
	out, changed := RedactPII(input)
	if !changed {
		t.Fatalf("changed = false, want true")
	}
	for _, marker := range []string{"[REDACTED_EMAIL]", "[REDACTED_PHONE]", "[REDACTED_CARD]"} {
		if !strings.Contains(out, marker) {
			t.Fatalf("output missing marker %q: %q", marker, out)
		}
	}
	if strings.Contains(out, "4242") {
		t.Fatalf("card digits survived redaction: %q", out)
	}
}

func TestRedactPIIUnchanged(t *testing.T) {
	in := "My grandmother baked bread every Sunday."
	out, changed := RedactPII(in)
	if changed || out != in {
		t.Fatalf("RedactPII(%q) = %q, %v", in, out, changed)
	}
}

func TestRedactTranscript(t *testing.T) {
	orig := memory.Transcript{
		UserID: "u1",
		Entries: []memory.Entry{
			{Role: "user", Text: "You can reach me at grandpa@example.org"},
			{Role: "assistant", Text: "Thank you for sharing."},
		},
	}
	got := RedactTranscript(orig)
	if !got.PIIRedacted {
		t.Fatalf("PIIRedacted = false, want true")
	}
	if got.Entries[0].Text != "You can reach me at [REDACTED_EMAIL]" {
		t.Fatalf("entry 0 = %q", got.Entries[0].Text)
	}
	if got.Entries[1].Text != "Thank you for sharing." {
		t.Fatalf("entry 1 = %q", got.Entries[1].Text)
	}
	if orig.Entries[0].Text != "You can reach me at grandpa@example.org" {
		t.Fatalf("RedactTranscript mutated its input")
	}
}
