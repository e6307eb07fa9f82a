// Package conversation holds the transport-free state of one realtime voice
// conversation. Every function takes a Session value and returns the next
// value plus the commands the caller must execute; nothing here touches the
// network, timers or callbacks.
package conversation

import (
	"strings"
	"time"

	"github.com/ent0n29/memorylane/internal/protocol"
	"github.com/ent0n29/memorylane/internal/reliability"
)

const (
	defaultNextQuestionDelay  = 1500 * time.Millisecond
	defaultTranscriptionModel = "whisper-1"
)

// Session is the single in-flight conversation. It is a value: transitions
// never mutate a Session another holder can observe.
type Session struct {
	ID          string
	State       State
	StartedAt   time.Time
	ConnectedAt time.Time
	MaxDuration time.Duration

	Transcript    []Entry
	UserText      string
	AssistantText string

	Questions    []string
	NextQuestion int

	config        protocol.SessionConfig
	questionDelay time.Duration

	// userCommitted is set once UserText has been appended to Transcript.
	userCommitted bool
	// assistantSeeded marks AssistantText as an authored question that has
	// not yet been superseded by model output.
	assistantSeeded   bool
	answered          bool
	questionScheduled bool
}

func New(id string, opts Options, now time.Time) Session {
	delay := opts.NextQuestionDelay
	if delay <= 0 {
		delay = defaultNextQuestionDelay
	}
	model := strings.TrimSpace(opts.TranscriptionModel)
	if model == "" {
		model = defaultTranscriptionModel
	}
	td := opts.TurnDetection
	if td.Type == "" {
		td.Type = "server_vad"
	}

	questions := make([]string, 0, len(opts.Questions))
	for _, q := range opts.Questions {
		if q = strings.TrimSpace(q); q != "" {
			questions = append(questions, q)
		}
	}

	return Session{
		ID:          id,
		State:       StateRequesting,
		StartedAt:   now,
		MaxDuration: opts.MaxDuration,
		Questions:   questions,
		config: protocol.SessionConfig{
			Instructions:            opts.Instructions,
			Voice:                   opts.Voice,
			Modalities:              []string{"text", "audio"},
			InputAudioTranscription: &protocol.InputTranscription{Model: model},
			TurnDetection:           &td,
		},
		questionDelay: delay,
	}
}

// Open moves the session to connected once the data channel is usable. It
// sends the session configuration and, for guided conversations, the first
// question.
func Open(s Session, now time.Time) (Session, []Command) {
	s.State = StateConnected
	s.ConnectedAt = now
	cmds := []Command{Send{Event: protocol.NewSessionUpdate(s.config)}}
	if len(s.Questions) > 0 {
		var more []Command
		s, more = AskNext(s, now)
		cmds = append(cmds, more...)
	}
	return s, cmds
}

// Dispatch applies one parsed inbound event. Events it does not know are
// returned unchanged with no commands.
func Dispatch(s Session, event any, now time.Time) (Session, []Command) {
	switch ev := event.(type) {
	case protocol.SpeechStarted:
		s.State = StateListening
		s.UserText = ""
		s.userCommitted = false
		return s, nil

	case protocol.SpeechStopped:
		s.State = StateThinking
		return s, nil

	case protocol.TranscriptionCompleted:
		text := strings.TrimSpace(ev.Transcript)
		if text == "" {
			return s, nil
		}
		s.Transcript = appendEntry(s.Transcript, Entry{Role: RoleUser, Text: text, Timestamp: now})
		s.UserText = text
		s.userCommitted = true
		s.answered = true
		return s, nil

	case protocol.TextDelta:
		if s.assistantSeeded {
			s = flushAssistant(s, now)
		}
		s.AssistantText += ev.Delta
		return s, nil

	case protocol.TextDone:
		// A seeded question the model answered with different words keeps
		// both: the question as authored, then what was actually said.
		if final := strings.TrimSpace(ev.FinalText()); s.assistantSeeded && final != "" && final != strings.TrimSpace(s.AssistantText) {
			s = flushAssistant(s, now)
		}
		text := s.AssistantText
		if strings.TrimSpace(text) == "" {
			text = ev.FinalText()
		}
		s.AssistantText = ""
		s.assistantSeeded = false
		text = strings.TrimSpace(text)
		if text == "" {
			return s, nil
		}
		s.Transcript = appendEntry(s.Transcript, Entry{Role: RoleAssistant, Text: text, Timestamp: now})
		if s.UserText == "" {
			return s, nil
		}
		turn := EmitTurn{User: s.UserText, Assistant: text}
		s.UserText = ""
		s.userCommitted = false
		return s, []Command{turn}

	case protocol.OutputItemAdded:
		if ev.Item != nil && len(ev.Item.Content) > 0 {
			s.State = StateAISpeaking
		}
		return s, nil

	case protocol.ResponseDone:
		s.State = StateConnected
		if s.NextQuestion < len(s.Questions) && s.answered && !s.questionScheduled {
			s.questionScheduled = true
			return s, []Command{ScheduleQuestion{After: s.questionDelay}}
		}
		return s, nil

	case protocol.ErrorEvent:
		if reliability.IsRecoverableRealtimeError(ev.Error.Code, ev.Error.Type) {
			return s, nil
		}
		return s, []Command{ReportError{Code: ev.Error.Code, Type: ev.Error.Type, Message: ev.Error.Message}}

	default:
		return s, nil
	}
}

// AskNext dispatches the next unasked guided question as an assistant
// message followed by a response trigger.
func AskNext(s Session, now time.Time) (Session, []Command) {
	s.questionScheduled = false
	if s.NextQuestion >= len(s.Questions) {
		return s, nil
	}
	if strings.TrimSpace(s.AssistantText) != "" {
		s = flushAssistant(s, now)
	}
	q := s.Questions[s.NextQuestion]
	s.NextQuestion++
	s.answered = false
	s.AssistantText = q
	s.assistantSeeded = true
	return s, []Command{
		Send{Event: protocol.NewAssistantMessage(q)},
		Send{Event: protocol.NewResponseCreate()},
	}
}

// Finalize appends whatever partial user and assistant text is pending so the
// transcript reflects the conversation up to now.
func Finalize(s Session, now time.Time) Session {
	if text := strings.TrimSpace(s.UserText); text != "" && !s.userCommitted {
		s.Transcript = appendEntry(s.Transcript, Entry{Role: RoleUser, Text: text, Timestamp: now})
	}
	s.UserText = ""
	s.userCommitted = false
	s = flushAssistant(s, now)
	s.questionScheduled = false
	return s
}

// Expired reports whether the maximum duration has elapsed since connect.
func (s Session) Expired(now time.Time) bool {
	if s.MaxDuration <= 0 || s.ConnectedAt.IsZero() {
		return false
	}
	return now.Sub(s.ConnectedAt) >= s.MaxDuration
}

// TranscriptCopy returns a copy the caller may keep.
func (s Session) TranscriptCopy() []Entry {
	out := make([]Entry, len(s.Transcript))
	copy(out, s.Transcript)
	return out
}

func flushAssistant(s Session, now time.Time) Session {
	if text := strings.TrimSpace(s.AssistantText); text != "" {
		s.Transcript = appendEntry(s.Transcript, Entry{Role: RoleAssistant, Text: text, Timestamp: now})
	}
	s.AssistantText = ""
	s.assistantSeeded = false
	return s
}

// appendEntry caps the slice before appending so the result never shares a
// backing array with an earlier Session value.
func appendEntry(entries []Entry, e Entry) []Entry {
	n := len(entries)
	return append(entries[:n:n], e)
}
