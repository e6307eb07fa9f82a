package protocol

import "encoding/json"

type TurnDetection struct {
	Type              string  `json:"type"`
	Threshold         float64 `json:"threshold,omitempty"`
	PrefixPaddingMS   int     `json:"prefix_padding_ms,omitempty"`
	SilenceDurationMS int     `json:"silence_duration_ms,omitempty"`
}

type InputTranscription struct {
	Model string `json:"model"`
}

type SessionConfig struct {
	Instructions            string              `json:"instructions,omitempty"`
	Voice                   string              `json:"voice,omitempty"`
	Modalities              []string            `json:"modalities,omitempty"`
	InputAudioTranscription *InputTranscription `json:"input_audio_transcription,omitempty"`
	TurnDetection           *TurnDetection      `json:"turn_detection,omitempty"`
}

type SessionUpdate struct {
	Type    EventType     `json:"type"`
	Session SessionConfig `json:"session"`
}

type ConversationItemCreate struct {
	Type EventType `json:"type"`
	Item Item      `json:"item"`
}

type ResponseCreate struct {
	Type EventType `json:"type"`
}

func NewSessionUpdate(cfg SessionConfig) SessionUpdate {
	return SessionUpdate{Type: TypeSessionUpdate, Session: cfg}
}

// NewAssistantMessage authors text as an assistant turn in the conversation.
func NewAssistantMessage(text string) ConversationItemCreate {
	return ConversationItemCreate{
		Type: TypeConversationItemCreate,
		Item: Item{
			Type:    "message",
			Role:    "assistant",
			Content: []ContentPart{{Type: "text", Text: text}},
		},
	}
}

func NewResponseCreate() ResponseCreate {
	return ResponseCreate{Type: TypeResponseCreate}
}

// Encode renders an outbound event as a single newline-free JSON object.
func Encode(v any) (string, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	return string(b), nil
}
