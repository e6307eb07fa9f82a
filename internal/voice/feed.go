package voice

import (
	"sync"
	"time"

	"github.com/ent0n29/memorylane/internal/conversation"
)

type CallEventType string

const (
	EventStateChanged  CallEventType = "state_changed"
	EventTurnCompleted CallEventType = "turn_completed"
	EventCallError     CallEventType = "call_error"
	EventCallCompleted CallEventType = "call_completed"
)

// CallEvent is pushed to subscribers of a call.
type CallEvent struct {
	Type       CallEventType        `json:"type"`
	CallID     string               `json:"call_id"`
	State      conversation.State   `json:"state,omitempty"`
	User       string               `json:"user,omitempty"`
	Assistant  string               `json:"assistant,omitempty"`
	Error      string               `json:"error,omitempty"`
	Transcript []conversation.Entry `json:"transcript,omitempty"`
	At         time.Time            `json:"at"`
}

const subscriberBuffer = 64

// feed fans events out to subscribers. Slow subscribers lose events rather
// than stalling the session.
type feed struct {
	mu     sync.Mutex
	closed bool
	next   int
	subs   map[int]chan CallEvent
}

func newFeed() *feed {
	return &feed{subs: make(map[int]chan CallEvent)}
}

func (f *feed) subscribe() (<-chan CallEvent, func()) {
	f.mu.Lock()
	defer f.mu.Unlock()
	ch := make(chan CallEvent, subscriberBuffer)
	if f.closed {
		close(ch)
		return ch, func() {}
	}
	id := f.next
	f.next++
	f.subs[id] = ch
	return ch, func() {
		f.mu.Lock()
		defer f.mu.Unlock()
		if sub, ok := f.subs[id]; ok {
			delete(f.subs, id)
			close(sub)
		}
	}
}

func (f *feed) publish(ev CallEvent) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return
	}
	for _, ch := range f.subs {
		select {
		case ch <- ev:
		default:
		}
	}
}

func (f *feed) close() {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return
	}
	f.closed = true
	for id, ch := range f.subs {
		delete(f.subs, id)
		close(ch)
	}
}
