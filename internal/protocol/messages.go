package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
)

// EventType identifies realtime data channel payload variants.
type EventType string

const (
	TypeSpeechStarted          EventType = "input_audio_buffer.speech_started"
	TypeSpeechStopped          EventType = "input_audio_buffer.speech_stopped"
	TypeTranscriptionCompleted EventType = "conversation.item.input_audio_transcription.completed"
	TypeAudioTranscriptDelta   EventType = "response.audio_transcript.delta"
	TypeAudioTranscriptDone    EventType = "response.audio_transcript.done"
	TypeOutputTranscriptDelta  EventType = "response.output_audio_transcript.delta"
	TypeOutputTranscriptDone   EventType = "response.output_audio_transcript.done"
	TypeTextDelta              EventType = "response.text.delta"
	TypeTextDone               EventType = "response.text.done"
	TypeOutputItemAdded        EventType = "response.output_item.added"
	TypeResponseDone           EventType = "response.done"
	TypeError                  EventType = "error"

	TypeSessionUpdate          EventType = "session.update"
	TypeConversationItemCreate EventType = "conversation.item.create"
	TypeResponseCreate         EventType = "response.create"
)

var ErrUnsupportedType = errors.New("unsupported event type")

type Envelope struct {
	Type    EventType `json:"type"`
	EventID string    `json:"event_id,omitempty"`
}

type SpeechStarted struct {
	Type         EventType `json:"type"`
	ItemID       string    `json:"item_id"`
	AudioStartMS int64     `json:"audio_start_ms"`
}

type SpeechStopped struct {
	Type       EventType `json:"type"`
	ItemID     string    `json:"item_id"`
	AudioEndMS int64     `json:"audio_end_ms"`
}

type TranscriptionCompleted struct {
	Type       EventType `json:"type"`
	ItemID     string    `json:"item_id"`
	Transcript string    `json:"transcript"`
}

// TextDelta covers both text and audio-transcript deltas of a response.
type TextDelta struct {
	Type       EventType `json:"type"`
	ResponseID string    `json:"response_id"`
	ItemID     string    `json:"item_id"`
	Delta      string    `json:"delta"`
}

// TextDone carries the final text of a response part. Audio transcripts put
// it in "transcript", text parts in "text".
type TextDone struct {
	Type       EventType `json:"type"`
	ResponseID string    `json:"response_id"`
	ItemID     string    `json:"item_id"`
	Text       string    `json:"text"`
	Transcript string    `json:"transcript"`
}

// FinalText returns whichever of Text/Transcript the server populated.
func (d TextDone) FinalText() string {
	if d.Transcript != "" {
		return d.Transcript
	}
	return d.Text
}

type OutputItemAdded struct {
	Type       EventType `json:"type"`
	ResponseID string    `json:"response_id"`
	Item       *Item     `json:"item"`
}

type ResponseDone struct {
	Type     EventType `json:"type"`
	Response struct {
		ID     string `json:"id"`
		Status string `json:"status"`
	} `json:"response"`
}

type ErrorDetail struct {
	Type    string `json:"type"`
	Code    string `json:"code"`
	Message string `json:"message"`
	Param   string `json:"param"`
	EventID string `json:"event_id"`
}

type ErrorEvent struct {
	Type  EventType   `json:"type"`
	Error ErrorDetail `json:"error"`
}

type Item struct {
	ID      string        `json:"id,omitempty"`
	Type    string        `json:"type"`
	Role    string        `json:"role,omitempty"`
	Content []ContentPart `json:"content,omitempty"`
}

type ContentPart struct {
	Type       string `json:"type"`
	Text       string `json:"text,omitempty"`
	Transcript string `json:"transcript,omitempty"`
}

// ParseServerEvent decodes one inbound data channel message into its typed
// variant. Unknown but well-formed events return ErrUnsupportedType.
func ParseServerEvent(raw []byte) (any, error) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("invalid envelope: %w", err)
	}
	if env.Type == "" {
		return nil, errors.New("invalid envelope: missing type")
	}

	switch env.Type {
	case TypeSpeechStarted:
		return decode[SpeechStarted](raw)
	case TypeSpeechStopped:
		return decode[SpeechStopped](raw)
	case TypeTranscriptionCompleted:
		return decode[TranscriptionCompleted](raw)
	case TypeAudioTranscriptDelta, TypeOutputTranscriptDelta, TypeTextDelta:
		return decode[TextDelta](raw)
	case TypeAudioTranscriptDone, TypeOutputTranscriptDone, TypeTextDone:
		return decode[TextDone](raw)
	case TypeOutputItemAdded:
		return decode[OutputItemAdded](raw)
	case TypeResponseDone:
		return decode[ResponseDone](raw)
	case TypeError:
		msg, err := decode[ErrorEvent](raw)
		if err != nil {
			return nil, err
		}
		if msg.Error.Code == "" && msg.Error.Type == "" && msg.Error.Message == "" {
			return nil, errors.New("invalid error event")
		}
		return msg, nil
	default:
		return nil, ErrUnsupportedType
	}
}

func decode[T any](raw []byte) (T, error) {
	var msg T
	if err := json.Unmarshal(raw, &msg); err != nil {
		return msg, err
	}
	return msg, nil
}

// TypeOf reports the wire type of a parsed or outbound event.
func TypeOf(v any) (EventType, bool) {
	switch m := v.(type) {
	case SpeechStarted:
		return m.Type, true
	case SpeechStopped:
		return m.Type, true
	case TranscriptionCompleted:
		return m.Type, true
	case TextDelta:
		return m.Type, true
	case TextDone:
		return m.Type, true
	case OutputItemAdded:
		return m.Type, true
	case ResponseDone:
		return m.Type, true
	case ErrorEvent:
		return m.Type, true
	case SessionUpdate:
		return m.Type, true
	case ConversationItemCreate:
		return m.Type, true
	case ResponseCreate:
		return m.Type, true
	default:
		return "", false
	}
}
