package main

import (
	"bytes"
	"strings"
	"testing"
	"time"

	"github.com/ent0n29/memorylane/internal/conversation"
)

func TestParseFlagsRepeatableQuestions(t *testing.T) {
	opts, err := parseFlags([]string{
		"-question", "Where did you grow up?",
		"-question", "Who was your best friend?",
		"-max-duration", "90s",
		"-voice", "verse",
	})
	if err != nil {
		t.Fatalf("parseFlags() error = %v", err)
	}
	if len(opts.questions) != 2 || opts.questions[1] != "Who was your best friend?" {
		t.Fatalf("questions = %v", opts.questions)
	}
	if opts.maxDuration != 90*time.Second || opts.voice != "verse" {
		t.Fatalf("opts = %+v", opts)
	}
}

func TestParseFlagsRejectsBadInput(t *testing.T) {
	if _, err := parseFlags([]string{"-question", "  "}); err == nil {
		t.Fatalf("parseFlags() error = nil for blank question")
	}
	if _, err := parseFlags([]string{"-max-duration", "-5s"}); err == nil {
		t.Fatalf("parseFlags() error = nil for negative duration")
	}
}

func TestApplyOverrides(t *testing.T) {
	base := conversation.Options{Voice: "alloy", Instructions: "base", MaxDuration: time.Hour}
	got := applyOverrides(base, options{instructions: "custom", questions: stringList{"Q1"}})
	if got.Voice != "alloy" || got.Instructions != "custom" || got.MaxDuration != time.Hour {
		t.Fatalf("applyOverrides() = %+v", got)
	}
	if len(got.Questions) != 1 || got.Questions[0] != "Q1" {
		t.Fatalf("Questions = %v", got.Questions)
	}
}

func TestPrintTranscript(t *testing.T) {
	var buf bytes.Buffer
	printTranscript(&buf, []conversation.Entry{
		{Role: conversation.RoleUser, Text: "hello", Timestamp: time.Now()},
		{Role: conversation.RoleAssistant, Text: "hi there", Timestamp: time.Now()},
	})
	out := buf.String()
	if !strings.Contains(out, "2 entries") || !strings.Contains(out, "hi there") {
		t.Fatalf("printTranscript() = %q", out)
	}
}
