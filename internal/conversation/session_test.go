package conversation

import (
	"testing"
	"time"

	"github.com/ent0n29/memorylane/internal/protocol"
)

var t0 = time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

func apply(t *testing.T, s Session, events ...any) (Session, []Command) {
	t.Helper()
	var all []Command
	for i, ev := range events {
		var cmds []Command
		s, cmds = Dispatch(s, ev, t0.Add(time.Duration(i+1)*time.Second))
		all = append(all, cmds...)
	}
	return s, all
}

func TestHappyPathTurn(t *testing.T) {
	s, cmds := Open(New("s1", Options{}, t0), t0)
	if s.State != StateConnected {
		t.Fatalf("State = %q, want %q", s.State, StateConnected)
	}
	if len(cmds) != 1 {
		t.Fatalf("len(cmds) = %d, want 1 (session.update only)", len(cmds))
	}
	if send, ok := cmds[0].(Send); !ok {
		t.Fatalf("cmds[0] = %T, want Send", cmds[0])
	} else if _, ok := send.Event.(protocol.SessionUpdate); !ok {
		t.Fatalf("cmds[0].Event = %T, want SessionUpdate", send.Event)
	}

	s, cmds = apply(t, s,
		protocol.SpeechStarted{Type: protocol.TypeSpeechStarted},
		protocol.SpeechStopped{Type: protocol.TypeSpeechStopped},
		protocol.TranscriptionCompleted{Type: protocol.TypeTranscriptionCompleted, Transcript: "My grandmother baked bread"},
		protocol.TextDelta{Delta: "That "},
		protocol.TextDelta{Delta: "sounds "},
		protocol.TextDelta{Delta: "lovely."},
		protocol.TextDone{Type: protocol.TypeAudioTranscriptDone},
	)
	if len(cmds) != 1 {
		t.Fatalf("len(cmds) = %d, want 1", len(cmds))
	}
	turn, ok := cmds[0].(EmitTurn)
	if !ok {
		t.Fatalf("cmds[0] = %T, want EmitTurn", cmds[0])
	}
	if turn.User != "My grandmother baked bread" || turn.Assistant != "That sounds lovely." {
		t.Fatalf("turn = %+v", turn)
	}

	s = Finalize(s, t0.Add(time.Minute))
	if len(s.Transcript) != 2 {
		t.Fatalf("len(Transcript) = %d, want 2: %+v", len(s.Transcript), s.Transcript)
	}
	if s.Transcript[0].Role != RoleUser || s.Transcript[1].Role != RoleAssistant {
		t.Fatalf("roles = %q,%q, want user,assistant", s.Transcript[0].Role, s.Transcript[1].Role)
	}
	if !s.Transcript[0].Timestamp.Before(s.Transcript[1].Timestamp) {
		t.Fatalf("transcript not chronological: %+v", s.Transcript)
	}
}

func TestStateTransitionsFollowEvents(t *testing.T) {
	s, _ := Open(New("s1", Options{}, t0), t0)
	steps := []struct {
		event any
		want  State
	}{
		{protocol.SpeechStarted{}, StateListening},
		{protocol.SpeechStopped{}, StateThinking},
		{protocol.OutputItemAdded{Item: &protocol.Item{Type: "message", Role: "assistant", Content: []protocol.ContentPart{{Type: "audio"}}}}, StateAISpeaking},
		{protocol.ResponseDone{}, StateConnected},
	}
	for _, step := range steps {
		s, _ = Dispatch(s, step.event, t0)
		if s.State != step.want {
			t.Fatalf("after %T State = %q, want %q", step.event, s.State, step.want)
		}
	}
}

func TestOutputItemWithoutContentKeepsState(t *testing.T) {
	s, _ := Open(New("s1", Options{}, t0), t0)
	for _, ev := range []protocol.OutputItemAdded{
		{},
		{Item: &protocol.Item{Type: "message", Role: "assistant"}},
		{Item: &protocol.Item{Type: "function_call"}},
	} {
		s, _ = Dispatch(s, ev, t0)
		if s.State != StateConnected {
			t.Fatalf("after %+v State = %q, want %q", ev, s.State, StateConnected)
		}
	}
}

func TestSpeechStartedClearsUserBuffer(t *testing.T) {
	s, _ := Open(New("s1", Options{}, t0), t0)
	s, _ = apply(t, s, protocol.TranscriptionCompleted{Transcript: "first"})
	if s.UserText != "first" {
		t.Fatalf("UserText = %q, want %q", s.UserText, "first")
	}
	s, _ = apply(t, s, protocol.SpeechStarted{})
	if s.UserText != "" {
		t.Fatalf("UserText = %q, want empty", s.UserText)
	}
}

func TestTextDoneWithoutUserDoesNotEmitTurn(t *testing.T) {
	s, _ := Open(New("s1", Options{}, t0), t0)
	s, cmds := apply(t, s, protocol.TextDelta{Delta: "Hello"}, protocol.TextDone{})
	if len(cmds) != 0 {
		t.Fatalf("cmds = %+v, want none", cmds)
	}
	if len(s.Transcript) != 1 || s.Transcript[0].Text != "Hello" {
		t.Fatalf("Transcript = %+v", s.Transcript)
	}
}

func TestTextDoneFallsBackToEventText(t *testing.T) {
	s, _ := Open(New("s1", Options{}, t0), t0)
	s, _ = apply(t, s, protocol.TextDone{Transcript: "From the server"})
	if len(s.Transcript) != 1 || s.Transcript[0].Text != "From the server" {
		t.Fatalf("Transcript = %+v", s.Transcript)
	}
}

func TestTurnPairsMostRecentUserUtterance(t *testing.T) {
	s, _ := Open(New("s1", Options{}, t0), t0)
	_, cmds := apply(t, s,
		protocol.TranscriptionCompleted{Transcript: "older"},
		protocol.SpeechStarted{},
		protocol.TranscriptionCompleted{Transcript: "newer"},
		protocol.TextDelta{Delta: "a"},
		protocol.TextDelta{Delta: "b"},
		protocol.TextDone{},
	)
	if len(cmds) != 1 {
		t.Fatalf("len(cmds) = %d, want 1", len(cmds))
	}
	if turn := cmds[0].(EmitTurn); turn.User != "newer" || turn.Assistant != "ab" {
		t.Fatalf("turn = %+v, want newer/ab", turn)
	}
}

func TestFinalizeAppendsPartials(t *testing.T) {
	s, _ := Open(New("s1", Options{}, t0), t0)
	s.UserText = "half a sentence"
	s, _ = apply(t, s, protocol.TextDelta{Delta: "I was say"})
	s = Finalize(s, t0.Add(time.Minute))
	if len(s.Transcript) != 2 {
		t.Fatalf("len(Transcript) = %d, want 2", len(s.Transcript))
	}
	if s.Transcript[0].Text != "half a sentence" || s.Transcript[1].Text != "I was say" {
		t.Fatalf("Transcript = %+v", s.Transcript)
	}
	if s.UserText != "" || s.AssistantText != "" {
		t.Fatalf("buffers not cleared: %q / %q", s.UserText, s.AssistantText)
	}
}

func TestFinalizeDoesNotDuplicateCommittedUser(t *testing.T) {
	s, _ := Open(New("s1", Options{}, t0), t0)
	s, _ = apply(t, s, protocol.TranscriptionCompleted{Transcript: "said it"})
	s = Finalize(s, t0.Add(time.Minute))
	if len(s.Transcript) != 1 {
		t.Fatalf("len(Transcript) = %d, want 1: %+v", len(s.Transcript), s.Transcript)
	}
}

func TestGuidedQuestionsPacedByResponseDone(t *testing.T) {
	opts := Options{Questions: []string{"q1", "q2", "q3"}, NextQuestionDelay: 2 * time.Second}
	s, cmds := Open(New("s1", opts, t0), t0)
	if len(cmds) != 3 {
		t.Fatalf("len(cmds) = %d, want 3 (update, item, response)", len(cmds))
	}
	item, ok := cmds[1].(Send).Event.(protocol.ConversationItemCreate)
	if !ok || item.Item.Content[0].Text != "q1" || item.Item.Role != "assistant" {
		t.Fatalf("cmds[1] = %+v, want assistant q1", cmds[1])
	}
	if _, ok := cmds[2].(Send).Event.(protocol.ResponseCreate); !ok {
		t.Fatalf("cmds[2] = %+v, want response.create", cmds[2])
	}
	if s.AssistantText != "q1" {
		t.Fatalf("AssistantText = %q, want q1", s.AssistantText)
	}

	// The response to the authored question finishes before the user answers.
	s, cmds = apply(t, s, protocol.TextDone{}, protocol.ResponseDone{})
	if len(cmds) != 0 {
		t.Fatalf("cmds = %+v, want none before the user answers", cmds)
	}

	s, cmds = apply(t, s,
		protocol.TranscriptionCompleted{Transcript: "answer one"},
		protocol.TextDelta{Delta: "Thanks."},
		protocol.TextDone{},
		protocol.ResponseDone{},
	)
	var sched *ScheduleQuestion
	for _, c := range cmds {
		if sc, ok := c.(ScheduleQuestion); ok {
			sched = &sc
		}
	}
	if sched == nil || sched.After != 2*time.Second {
		t.Fatalf("cmds = %+v, want ScheduleQuestion after 2s", cmds)
	}

	// A second response.done while scheduled must not schedule again.
	s, cmds = apply(t, s, protocol.ResponseDone{})
	if len(cmds) != 0 {
		t.Fatalf("cmds = %+v, want none while a question is pending", cmds)
	}

	s, cmds = AskNext(s, t0.Add(time.Hour))
	if item := cmds[0].(Send).Event.(protocol.ConversationItemCreate); item.Item.Content[0].Text != "q2" {
		t.Fatalf("next question = %q, want q2", item.Item.Content[0].Text)
	}
	if s.NextQuestion != 2 {
		t.Fatalf("NextQuestion = %d, want 2", s.NextQuestion)
	}

	var assistant []string
	for _, e := range Finalize(s, t0.Add(2*time.Hour)).Transcript {
		if e.Role == RoleAssistant {
			assistant = append(assistant, e.Text)
		}
	}
	if len(assistant) == 0 || assistant[0] != "q1" {
		t.Fatalf("assistant entries = %q, want to begin with q1", assistant)
	}
	if assistant[len(assistant)-1] != "q2" {
		t.Fatalf("assistant entries = %q, want to end with q2", assistant)
	}
}

func TestSeededQuestionSupersededByDeltas(t *testing.T) {
	s, _ := Open(New("s1", Options{Questions: []string{"What is your earliest memory?"}}, t0), t0)
	s, _ = apply(t, s,
		protocol.TextDelta{Delta: "Tell me, "},
		protocol.TextDelta{Delta: "what is your earliest memory?"},
		protocol.TextDone{},
	)
	if len(s.Transcript) != 2 {
		t.Fatalf("len(Transcript) = %d, want 2: %+v", len(s.Transcript), s.Transcript)
	}
	if s.Transcript[0].Text != "What is your earliest memory?" {
		t.Fatalf("Transcript[0] = %q, want the authored question", s.Transcript[0].Text)
	}
	if s.Transcript[1].Text != "Tell me, what is your earliest memory?" {
		t.Fatalf("Transcript[1] = %q", s.Transcript[1].Text)
	}
}

func TestSeededQuestionKeptWhenModelRephrases(t *testing.T) {
	s, _ := Open(New("s1", Options{Questions: []string{"Where did you grow up?"}}, t0), t0)
	s, _ = apply(t, s, protocol.TextDone{Transcript: "So, where did you grow up?"})
	if len(s.Transcript) != 2 {
		t.Fatalf("len(Transcript) = %d, want 2: %+v", len(s.Transcript), s.Transcript)
	}
	if s.Transcript[0].Text != "Where did you grow up?" {
		t.Fatalf("Transcript[0] = %q, want the authored question", s.Transcript[0].Text)
	}
	if s.Transcript[1].Text != "So, where did you grow up?" {
		t.Fatalf("Transcript[1] = %q, want the spoken text", s.Transcript[1].Text)
	}
}

func TestSeededQuestionNotDuplicatedWhenEchoed(t *testing.T) {
	s, _ := Open(New("s1", Options{Questions: []string{"Where did you grow up?"}}, t0), t0)
	s, _ = apply(t, s, protocol.TextDone{Transcript: "Where did you grow up?"})
	if len(s.Transcript) != 1 || s.Transcript[0].Text != "Where did you grow up?" {
		t.Fatalf("Transcript = %+v, want the question once", s.Transcript)
	}
}

func TestAskNextExhausted(t *testing.T) {
	s := New("s1", Options{}, t0)
	s, cmds := AskNext(s, t0)
	if len(cmds) != 0 || s.NextQuestion != 0 {
		t.Fatalf("AskNext on empty list = %+v / %d", cmds, s.NextQuestion)
	}
}

func TestErrorEventClassification(t *testing.T) {
	s, _ := Open(New("s1", Options{}, t0), t0)
	_, cmds := Dispatch(s, protocol.ErrorEvent{Error: protocol.ErrorDetail{Code: "rate_limit_exceeded", Message: "slow"}}, t0)
	if len(cmds) != 0 {
		t.Fatalf("rate limit cmds = %+v, want none", cmds)
	}
	s2, cmds := Dispatch(s, protocol.ErrorEvent{Error: protocol.ErrorDetail{Code: "invalid_value", Type: "invalid_request_error", Message: "bad"}}, t0)
	if len(cmds) != 1 {
		t.Fatalf("len(cmds) = %d, want 1", len(cmds))
	}
	if rep := cmds[0].(ReportError); rep.Code != "invalid_value" || rep.Message != "bad" {
		t.Fatalf("ReportError = %+v", rep)
	}
	if s2.State != StateConnected {
		t.Fatalf("State = %q, want session to keep running", s2.State)
	}
}

func TestUnknownEventIgnored(t *testing.T) {
	s, _ := Open(New("s1", Options{}, t0), t0)
	next, cmds := Dispatch(s, struct{ X int }{1}, t0)
	if len(cmds) != 0 || next.State != s.State {
		t.Fatalf("unknown event changed session: %+v / %+v", next, cmds)
	}
}

func TestDispatchDoesNotAliasTranscript(t *testing.T) {
	s, _ := Open(New("s1", Options{}, t0), t0)
	s, _ = apply(t, s, protocol.TranscriptionCompleted{Transcript: "one"})
	before := s
	after, _ := Dispatch(s, protocol.TranscriptionCompleted{Transcript: "two"}, t0)
	after.Transcript[0].Text = "mutated"
	if before.Transcript[0].Text != "one" {
		t.Fatalf("earlier session observed mutation: %+v", before.Transcript)
	}
}

func TestExpired(t *testing.T) {
	s := New("s1", Options{MaxDuration: 10 * time.Second}, t0)
	if s.Expired(t0.Add(time.Hour)) {
		t.Fatalf("Expired() before connect = true")
	}
	s, _ = Open(s, t0)
	if s.Expired(t0.Add(9999 * time.Millisecond)) {
		t.Fatalf("Expired() before limit = true")
	}
	if !s.Expired(t0.Add(10 * time.Second)) {
		t.Fatalf("Expired() at limit = false")
	}
}

func TestNewDropsBlankQuestions(t *testing.T) {
	s := New("s1", Options{Questions: []string{" ", "q1", ""}}, t0)
	if len(s.Questions) != 1 || s.Questions[0] != "q1" {
		t.Fatalf("Questions = %q", s.Questions)
	}
	if s.State != StateRequesting {
		t.Fatalf("State = %q, want %q", s.State, StateRequesting)
	}
}
