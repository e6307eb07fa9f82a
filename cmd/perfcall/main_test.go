package main

import (
	"errors"
	"strings"
	"testing"
	"time"
)

func TestWSURLForCall(t *testing.T) {
	got, err := wsURLForCall("https://voice.example/base/", "abc")
	if err != nil {
		t.Fatalf("wsURLForCall() error = %v", err)
	}
	if want := "wss://voice.example/base/v1/voice/calls/abc/ws"; got != want {
		t.Fatalf("wsURLForCall() = %q, want %q", got, want)
	}
	if _, err := wsURLForCall("ftp://voice.example", "abc"); err == nil {
		t.Fatalf("wsURLForCall() error = nil for ftp scheme")
	}
}

func TestSummarize(t *testing.T) {
	out := summarize([]callResult{
		{connect: 300 * time.Millisecond},
		{connect: 100 * time.Millisecond},
		{connect: 200 * time.Millisecond},
		{err: errors.New("boom")},
	})
	for _, want := range []string{"4 calls", "1 failed", "min=100ms", "p50=200ms", "max=300ms"} {
		if !strings.Contains(out, want) {
			t.Fatalf("summarize() = %q, missing %q", out, want)
		}
	}
	if got := summarize([]callResult{{err: errors.New("x")}}); !strings.Contains(got, "no connect samples") {
		t.Fatalf("summarize() = %q", got)
	}
}

func TestParseFlagsValidates(t *testing.T) {
	if _, err := parseFlags([]string{"-calls", "0"}); err == nil {
		t.Fatalf("parseFlags() error = nil for zero calls")
	}
	cfg, err := parseFlags([]string{"-connect-timeout", "10ms", "-base-url", "http://h:1/"})
	if err != nil {
		t.Fatalf("parseFlags() error = %v", err)
	}
	if cfg.connectTimeout != time.Second || cfg.baseURL != "http://h:1" {
		t.Fatalf("cfg = %+v", cfg)
	}
}
