package protocol

import (
	"errors"
	"strings"
	"testing"
)

func TestParseServerEventTranscriptionCompleted(t *testing.T) {
	raw := []byte(`{"type":"conversation.item.input_audio_transcription.completed","item_id":"i1","content_index":0,"transcript":"I grew up by the sea"}`)
	msg, err := ParseServerEvent(raw)
	if err != nil {
		t.Fatalf("ParseServerEvent() error = %v", err)
	}
	done, ok := msg.(TranscriptionCompleted)
	if !ok {
		t.Fatalf("message type = %T, want TranscriptionCompleted", msg)
	}
	if done.Transcript != "I grew up by the sea" || done.ItemID != "i1" {
		t.Fatalf("unexpected transcription: %+v", done)
	}
}

func TestParseServerEventDeltaVariants(t *testing.T) {
	for _, typ := range []EventType{TypeAudioTranscriptDelta, TypeOutputTranscriptDelta, TypeTextDelta} {
		raw := []byte(`{"type":"` + string(typ) + `","delta":"Hel"}`)
		msg, err := ParseServerEvent(raw)
		if err != nil {
			t.Fatalf("ParseServerEvent(%s) error = %v", typ, err)
		}
		delta, ok := msg.(TextDelta)
		if !ok {
			t.Fatalf("ParseServerEvent(%s) type = %T, want TextDelta", typ, msg)
		}
		if delta.Delta != "Hel" {
			t.Fatalf("Delta = %q, want %q", delta.Delta, "Hel")
		}
	}
}

func TestTextDoneFinalText(t *testing.T) {
	msg, err := ParseServerEvent([]byte(`{"type":"response.audio_transcript.done","transcript":"Hello there"}`))
	if err != nil {
		t.Fatalf("ParseServerEvent() error = %v", err)
	}
	if got := msg.(TextDone).FinalText(); got != "Hello there" {
		t.Fatalf("FinalText() = %q, want %q", got, "Hello there")
	}

	msg, err = ParseServerEvent([]byte(`{"type":"response.text.done","text":"Plain"}`))
	if err != nil {
		t.Fatalf("ParseServerEvent() error = %v", err)
	}
	if got := msg.(TextDone).FinalText(); got != "Plain" {
		t.Fatalf("FinalText() = %q, want %q", got, "Plain")
	}
}

func TestParseServerEventError(t *testing.T) {
	raw := []byte(`{"type":"error","event_id":"e1","error":{"type":"invalid_request_error","code":"rate_limit_exceeded","message":"slow down"}}`)
	msg, err := ParseServerEvent(raw)
	if err != nil {
		t.Fatalf("ParseServerEvent() error = %v", err)
	}
	ev, ok := msg.(ErrorEvent)
	if !ok {
		t.Fatalf("message type = %T, want ErrorEvent", msg)
	}
	if ev.Error.Code != "rate_limit_exceeded" {
		t.Fatalf("Code = %q, want %q", ev.Error.Code, "rate_limit_exceeded")
	}
}

func TestParseServerEventRejectsEmptyError(t *testing.T) {
	if _, err := ParseServerEvent([]byte(`{"type":"error"}`)); err == nil {
		t.Fatalf("expected validation error")
	}
}

func TestParseServerEventRejectsUnknownType(t *testing.T) {
	_, err := ParseServerEvent([]byte(`{"type":"rate_limits.updated","rate_limits":[]}`))
	if !errors.Is(err, ErrUnsupportedType) {
		t.Fatalf("error = %v, want ErrUnsupportedType", err)
	}
}

func TestParseServerEventRejectsMalformed(t *testing.T) {
	for _, raw := range []string{`{not json`, `{}`, `[]`} {
		_, err := ParseServerEvent([]byte(raw))
		if err == nil {
			t.Fatalf("ParseServerEvent(%q) expected error", raw)
		}
		if errors.Is(err, ErrUnsupportedType) {
			t.Fatalf("ParseServerEvent(%q) = ErrUnsupportedType, want malformed error", raw)
		}
	}
}

func TestEncodeAssistantMessage(t *testing.T) {
	out, err := Encode(NewAssistantMessage("What was your first job?"))
	if err != nil {
		t.Fatalf("Encode() error = %v", err)
	}
	if strings.Contains(out, "\n") {
		t.Fatalf("encoded event contains newline: %q", out)
	}
	for _, want := range []string{`"type":"conversation.item.create"`, `"role":"assistant"`, `"text":"What was your first job?"`} {
		if !strings.Contains(out, want) {
			t.Fatalf("encoded event %q missing %q", out, want)
		}
	}
}

func TestTypeOfOutbound(t *testing.T) {
	typ, ok := TypeOf(NewResponseCreate())
	if !ok || typ != TypeResponseCreate {
		t.Fatalf("TypeOf(ResponseCreate) = %q, %v", typ, ok)
	}
}

func BenchmarkParseServerEventDelta(b *testing.B) {
	raw := []byte(`{"type":"response.audio_transcript.delta","event_id":"e9","response_id":"r1","item_id":"i2","output_index":0,"content_index":0,"delta":"remember"}`)
	b.ReportAllocs()
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		msg, err := ParseServerEvent(raw)
		if err != nil {
			b.Fatalf("ParseServerEvent() error = %v", err)
		}
		if _, ok := msg.(TextDelta); !ok {
			b.Fatalf("message type = %T, want TextDelta", msg)
		}
	}
}
