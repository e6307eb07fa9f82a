package conversation

import (
	"time"

	"github.com/ent0n29/memorylane/internal/protocol"
)

// State is the lifecycle position of a voice conversation.
type State string

const (
	StateIdle       State = "idle"
	StateRequesting State = "requesting"
	StateConnecting State = "connecting"
	StateConnected  State = "connected"
	StateListening  State = "listening"
	StateThinking   State = "thinking"
	StateAISpeaking State = "aiSpeaking"
	StateError      State = "error"
)

// Live reports whether the data channel is open and events are flowing.
func (s State) Live() bool {
	switch s {
	case StateConnected, StateListening, StateThinking, StateAISpeaking:
		return true
	default:
		return false
	}
}

// Active reports whether a session owns (or is acquiring) media resources.
func (s State) Active() bool {
	return s == StateRequesting || s == StateConnecting || s.Live()
}

type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Entry is one finalized utterance. Entries are appended, never edited.
type Entry struct {
	Role      Role      `json:"role"`
	Text      string    `json:"text"`
	Timestamp time.Time `json:"timestamp"`
}

// Options configure a single conversation.
type Options struct {
	Instructions       string
	Voice              string
	TranscriptionModel string
	TurnDetection      protocol.TurnDetection
	Questions          []string
	NextQuestionDelay  time.Duration
	MaxDuration        time.Duration
}

// Command is a side effect requested by the dispatcher. The caller owns the
// transport and timers and executes commands in order.
type Command interface {
	command()
}

// Send writes one outbound event on the data channel.
type Send struct {
	Event any
}

// EmitTurn hands a finished (user, assistant) exchange to the caller.
type EmitTurn struct {
	User      string
	Assistant string
}

// ScheduleQuestion asks the caller to run AskNext after the delay.
type ScheduleQuestion struct {
	After time.Duration
}

// ReportError surfaces a non-fatal upstream error.
type ReportError struct {
	Code    string
	Type    string
	Message string
}

func (Send) command()             {}
func (EmitTurn) command()         {}
func (ScheduleQuestion) command() {}
func (ReportError) command()      {}
