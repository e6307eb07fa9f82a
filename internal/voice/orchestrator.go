package voice

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/ent0n29/memorylane/internal/conversation"
	"github.com/ent0n29/memorylane/internal/memory"
	"github.com/ent0n29/memorylane/internal/observability"
	"github.com/ent0n29/memorylane/internal/policy"
	"github.com/ent0n29/memorylane/internal/session"
)

const (
	memorySaveTimeout = 5 * time.Second
	defaultRetention  = 10 * time.Minute
)

var ErrCallNotFound = errors.New("call not found")

// OrchestratorConfig holds what every call shares. Defaults seeds the
// options of each call; request fields override it when set.
type OrchestratorConfig struct {
	Tokens     TokenIssuer
	Signaling  SDPExchanger
	Peers      PeerFactory
	Microphone Microphone

	Defaults         conversation.Options
	ICEGatherTimeout time.Duration
	// Retention is how long a finished call stays readable.
	Retention time.Duration

	Store   memory.Store
	Metrics *observability.Metrics
	Logger  *slog.Logger
}

// Orchestrator runs one Manager per call, registers calls in the session
// registry, persists completed transcripts and fans call events out to
// subscribers.
type Orchestrator struct {
	cfg      OrchestratorConfig
	sessions *session.Registry
	log      *slog.Logger

	mu    sync.Mutex
	calls map[string]*call
}

type call struct {
	rec  session.Record
	mgr  *Manager
	feed *feed

	mu      sync.Mutex
	started bool
	ended   bool
}

// CallView is the public snapshot of one call.
type CallView struct {
	CallID          string               `json:"call_id"`
	UserID          string               `json:"user_id"`
	Status          session.Status       `json:"status"`
	State           conversation.State   `json:"state"`
	Transcript      []conversation.Entry `json:"transcript"`
	CurrentUserText string               `json:"current_user_text"`
	CurrentAIText   string               `json:"current_ai_text"`
	Error           string               `json:"error,omitempty"`
	IsSupported     bool                 `json:"is_supported"`
	StartedAt       time.Time            `json:"started_at"`
	ConnectedAt     *time.Time           `json:"connected_at,omitempty"`
	EndedAt         *time.Time           `json:"ended_at,omitempty"`
}

func NewOrchestrator(cfg OrchestratorConfig, sessions *session.Registry) *Orchestrator {
	if cfg.Retention <= 0 {
		cfg.Retention = defaultRetention
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Orchestrator{
		cfg:      cfg,
		sessions: sessions,
		log:      logger,
		calls:    make(map[string]*call),
	}
}

// StartCall registers a call for req.UserID and starts its session. The
// returned view is valid even when err is non-nil and a call was created.
func (o *Orchestrator) StartCall(ctx context.Context, req session.CreateRequest) (CallView, error) {
	opts := o.optionsFor(req)
	rec, err := o.sessions.Create(req.UserID, opts.Voice)
	if err != nil {
		return CallView{}, err
	}

	c := &call{rec: rec, feed: newFeed()}
	c.mgr = NewManager(Config{
		Tokens:           o.cfg.Tokens,
		Signaling:        o.cfg.Signaling,
		Peers:            o.cfg.Peers,
		Microphone:       o.cfg.Microphone,
		ICEGatherTimeout: o.cfg.ICEGatherTimeout,
		Metrics:          o.cfg.Metrics,
		Logger:           o.log.With("call_id", rec.ID, "user_id", rec.UserID),
		Callbacks:        o.callbacks(c),
	})
	if err := o.sessions.Attach(rec.ID, c.mgr); err != nil {
		return CallView{}, err
	}
	o.mu.Lock()
	o.calls[rec.ID] = c
	o.mu.Unlock()

	c.mu.Lock()
	c.started = true
	c.mu.Unlock()
	if err := c.mgr.Start(ctx, opts); err != nil {
		o.finish(c)
		return o.view(c), err
	}
	return o.view(c), nil
}

func (o *Orchestrator) optionsFor(req session.CreateRequest) conversation.Options {
	opts := o.cfg.Defaults
	if v := strings.TrimSpace(req.Voice); v != "" {
		opts.Voice = v
	}
	if v := strings.TrimSpace(req.Instructions); v != "" {
		opts.Instructions = v
	}
	if len(req.Questions) > 0 {
		opts.Questions = append([]string(nil), req.Questions...)
	}
	if req.MaxDurationSeconds > 0 {
		opts.MaxDuration = time.Duration(req.MaxDurationSeconds) * time.Second
	}
	return opts
}

func (o *Orchestrator) callbacks(c *call) Callbacks {
	id := c.rec.ID
	return Callbacks{
		OnStateChange: func(s conversation.State) {
			_ = o.sessions.Touch(id)
			c.feed.publish(CallEvent{Type: EventStateChanged, CallID: id, State: s, At: time.Now().UTC()})
			if !s.Active() {
				o.finish(c)
			}
		},
		OnTranscript: func(user, ai string) {
			_ = o.sessions.Touch(id)
			c.feed.publish(CallEvent{Type: EventTurnCompleted, CallID: id, User: user, Assistant: ai, At: time.Now().UTC()})
		},
		OnError: func(err error) {
			c.feed.publish(CallEvent{Type: EventCallError, CallID: id, Error: userMessage(err), At: time.Now().UTC()})
		},
		OnComplete: func(transcript []conversation.Entry) {
			o.persist(c, transcript)
			c.feed.publish(CallEvent{Type: EventCallCompleted, CallID: id, Transcript: transcript, At: time.Now().UTC()})
		},
	}
}

// finish runs once per call when its session reaches a terminal state.
func (o *Orchestrator) finish(c *call) {
	c.mu.Lock()
	if !c.started || c.ended {
		c.mu.Unlock()
		return
	}
	c.ended = true
	c.mu.Unlock()

	if rec, err := o.sessions.End(c.rec.ID); err == nil {
		c.mu.Lock()
		c.rec = rec
		c.mu.Unlock()
	}
	c.feed.close()

	id := c.rec.ID
	time.AfterFunc(o.cfg.Retention, func() {
		o.mu.Lock()
		delete(o.calls, id)
		o.mu.Unlock()
	})
}

func (o *Orchestrator) persist(c *call, transcript []conversation.Entry) {
	if o.cfg.Store == nil || len(transcript) == 0 {
		return
	}
	c.mu.Lock()
	rec := c.rec
	c.mu.Unlock()

	entries := make([]memory.Entry, len(transcript))
	for i, e := range transcript {
		entries[i] = memory.Entry{Role: string(e.Role), Text: e.Text, Timestamp: e.Timestamp}
	}
	t := policy.RedactTranscript(memory.Transcript{
		UserID:    rec.UserID,
		CallID:    rec.ID,
		Entries:   entries,
		StartedAt: rec.StartedAt,
		EndedAt:   time.Now().UTC(),
	})

	ctx, cancel := context.WithTimeout(context.Background(), memorySaveTimeout)
	defer cancel()
	if err := o.cfg.Store.SaveTranscript(ctx, t); err != nil {
		o.cfg.Metrics.ObservePersistFailure()
		o.log.Error("persist transcript", "call_id", rec.ID, "err", err)
		return
	}
	o.log.Info("transcript saved", "call_id", rec.ID, "entries", len(entries), "pii_redacted", t.PIIRedacted)
}

func (o *Orchestrator) lookup(id string) (*call, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	c, ok := o.calls[id]
	if !ok {
		return nil, ErrCallNotFound
	}
	return c, nil
}

func (o *Orchestrator) Call(id string) (CallView, error) {
	c, err := o.lookup(id)
	if err != nil {
		return CallView{}, err
	}
	return o.view(c), nil
}

// StopCall ends the call gracefully; the transcript is persisted.
func (o *Orchestrator) StopCall(id string) (CallView, error) {
	return o.endCall(id, session.Call.Stop)
}

// AbortCall ends the call and discards its transcript.
func (o *Orchestrator) AbortCall(id string) (CallView, error) {
	return o.endCall(id, session.Call.Abort)
}

// endCall applies end to the live side of a call. Ending a call that has
// already ended returns its final view.
func (o *Orchestrator) endCall(id string, end func(session.Call) error) (CallView, error) {
	c, err := o.lookup(id)
	if err != nil {
		return CallView{}, err
	}
	live, err := o.sessions.Call(id)
	if err != nil {
		return o.view(c), nil
	}
	if err := end(live); err != nil && !errors.Is(err, ErrNoActiveSession) {
		return o.view(c), err
	}
	return o.view(c), nil
}

// Subscribe streams events of a call until it ends or cancel is called.
func (o *Orchestrator) Subscribe(id string) (<-chan CallEvent, func(), error) {
	c, err := o.lookup(id)
	if err != nil {
		return nil, nil, err
	}
	ch, cancel := c.feed.subscribe()
	return ch, cancel, nil
}

// ActiveCalls counts calls that have not ended.
func (o *Orchestrator) ActiveCalls() int {
	return o.sessions.ActiveCount()
}

// Shutdown aborts every call still running.
func (o *Orchestrator) Shutdown() {
	o.sessions.AbortAll()
}

func (o *Orchestrator) view(c *call) CallView {
	snap := c.mgr.Snapshot()
	c.mu.Lock()
	rec := c.rec
	c.mu.Unlock()
	if cur, err := o.sessions.Get(rec.ID); err == nil {
		rec = cur
	}
	v := CallView{
		CallID:          rec.ID,
		UserID:          rec.UserID,
		Status:          rec.Status,
		State:           snap.State,
		Transcript:      snap.Transcript,
		CurrentUserText: snap.CurrentUserText,
		CurrentAIText:   snap.CurrentAIText,
		Error:           snap.Error,
		IsSupported:     snap.IsSupported,
		StartedAt:       rec.StartedAt,
	}
	if !snap.ConnectedAt.IsZero() {
		t := snap.ConnectedAt
		v.ConnectedAt = &t
	}
	if !rec.EndedAt.IsZero() {
		t := rec.EndedAt
		v.EndedAt = &t
	}
	return v
}

func userMessage(err error) string {
	var verr *Error
	if errors.As(err, &verr) && verr.Message != "" {
		return verr.Message
	}
	return err.Error()
}
