// Package voice runs one realtime voice conversation at a time: it fetches a
// credential, opens the microphone, negotiates a peer connection with the
// realtime service and drives the conversation from data channel events until
// the caller stops or aborts it.
package voice

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ent0n29/memorylane/internal/conversation"
	"github.com/ent0n29/memorylane/internal/observability"
	"github.com/ent0n29/memorylane/internal/protocol"
)

const (
	defaultICEGatherTimeout      = 3 * time.Second
	defaultDurationCheckInterval = time.Second
	defaultChannelLabel          = "oai-events"
	inboxSize                    = 256
)

// Callbacks are invoked outside the manager's lock. They may call Stop or
// Abort. When a session ends, OnComplete or OnError runs before the final
// OnStateChange. OnTranscript is not called once the session has ended, but
// a turn that completes while another goroutine is stopping the session may
// be reported after OnComplete; the transcript given to OnComplete already
// contains it.
type Callbacks struct {
	OnTranscript  func(userText, aiText string)
	OnComplete    func(transcript []conversation.Entry)
	OnError       func(err error)
	OnStateChange func(state conversation.State)
}

type Config struct {
	Tokens     TokenIssuer
	Signaling  SDPExchanger
	Peers      PeerFactory
	Microphone Microphone

	ICEGatherTimeout      time.Duration
	DurationCheckInterval time.Duration
	ChannelLabel          string

	Metrics *observability.Metrics
	Logger  *slog.Logger
	Now     func() time.Time

	Callbacks
}

// Snapshot is the public view of the manager at one instant.
type Snapshot struct {
	SessionID       string               `json:"session_id,omitempty"`
	State           conversation.State   `json:"state"`
	Transcript      []conversation.Entry `json:"transcript"`
	CurrentUserText string               `json:"current_user_text"`
	CurrentAIText   string               `json:"current_ai_text"`
	Error           string               `json:"error,omitempty"`
	IsSupported     bool                 `json:"is_supported"`
	StartedAt       time.Time            `json:"started_at,omitempty"`
	ConnectedAt     time.Time            `json:"connected_at,omitempty"`
}

// Manager owns the lifecycle of one voice conversation at a time. A second
// Start while a session holds resources is rejected with ErrSessionActive.
type Manager struct {
	cfg Config
	log *slog.Logger
	now func() time.Time

	mu      sync.Mutex
	current *attempt
	// state, err and last describe the manager when no attempt is running.
	state conversation.State
	err   error
	last  conversation.Session
}

// attempt is one Start call. Nothing about it is reused by the next Start.
type attempt struct {
	id     string
	ctx    context.Context
	cancel context.CancelFunc

	session conversation.Session
	media   *mediaBundle
	timers  *scheduler
	inbox   chan loopEvent
}

type eventKind int

const (
	evChannelOpen eventKind = iota
	evChannelClosed
	evMessage
	evTransport
	evAskNext
)

type loopEvent struct {
	kind      eventKind
	data      []byte
	transport TransportState
}

func NewManager(cfg Config) *Manager {
	if cfg.ICEGatherTimeout <= 0 {
		cfg.ICEGatherTimeout = defaultICEGatherTimeout
	}
	if cfg.DurationCheckInterval <= 0 {
		cfg.DurationCheckInterval = defaultDurationCheckInterval
	}
	if cfg.ChannelLabel == "" {
		cfg.ChannelLabel = defaultChannelLabel
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	return &Manager{
		cfg:   cfg,
		log:   logger,
		now:   now,
		state: conversation.StateIdle,
	}
}

// IsSupported reports whether peer connections and microphone access are
// available in this runtime.
func (m *Manager) IsSupported() bool {
	return m.cfg.Peers != nil && m.cfg.Microphone != nil
}

// Start begins a new session and returns once negotiation is under way.
// Progress is reported through callbacks and Snapshot.
func (m *Manager) Start(ctx context.Context, opts conversation.Options) error {
	if !m.IsSupported() {
		err := &Error{Kind: KindCapability, Message: msgUnsupported, Err: ErrUnsupported}
		m.mu.Lock()
		if m.current != nil {
			m.mu.Unlock()
			return ErrSessionActive
		}
		m.state = conversation.StateError
		m.err = err
		m.last = conversation.Session{State: conversation.StateError}
		m.mu.Unlock()
		m.cfg.Metrics.ObserveSessionEvent("unsupported")
		m.notifyError(err)
		m.notifyState(conversation.StateError)
		return err
	}
	if m.cfg.Tokens == nil || m.cfg.Signaling == nil {
		return ErrNotConfigured
	}

	m.mu.Lock()
	if m.current != nil {
		m.mu.Unlock()
		return ErrSessionActive
	}
	actx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	id := uuid.NewString()
	a := &attempt{
		id:      id,
		ctx:     actx,
		cancel:  cancel,
		session: conversation.New(id, opts, m.now()),
		media:   &mediaBundle{},
		timers:  newScheduler(),
		inbox:   make(chan loopEvent, inboxSize),
	}
	m.current = a
	m.err = nil
	questions := len(a.session.Questions)
	m.mu.Unlock()

	m.log.Info("voice session starting", "session_id", id, "questions", questions)
	m.cfg.Metrics.CallStarted()
	m.cfg.Metrics.ObserveSessionEvent("started")
	m.notifyState(conversation.StateRequesting)

	go m.run(a)
	go m.negotiate(a, opts)
	return nil
}

// Stop finalizes the transcript, emits it through OnComplete and releases
// all media resources.
func (m *Manager) Stop() error {
	return m.end(endComplete)
}

// Abort releases all media resources and discards the transcript.
func (m *Manager) Abort() error {
	return m.end(endAbort)
}

func (m *Manager) end(mode endMode) error {
	m.mu.Lock()
	a := m.current
	if a == nil {
		if m.state == conversation.StateError {
			m.state = conversation.StateIdle
			m.err = nil
			m.mu.Unlock()
			m.notifyState(conversation.StateIdle)
			return nil
		}
		m.mu.Unlock()
		return ErrNoActiveSession
	}
	finish := m.endLocked(a, mode, nil)
	m.mu.Unlock()
	finish()
	return nil
}

type endMode int

const (
	endComplete endMode = iota
	endAbort
	endFailed
)

// endLocked tears the attempt down while m.mu is held and returns the
// callback work to run once the lock is released.
func (m *Manager) endLocked(a *attempt, mode endMode, cause error) func() {
	now := m.now()
	a.cancel()
	a.timers.stop()
	if err := a.media.release(); err != nil {
		m.log.Warn("release media resources", "session_id", a.id, "err", err)
	}
	m.current = nil

	var transcript []conversation.Entry
	switch mode {
	case endComplete:
		a.session = conversation.Finalize(a.session, now)
		transcript = a.session.TranscriptCopy()
		m.state = conversation.StateIdle
		m.err = nil
		m.last = a.session
	case endAbort:
		m.state = conversation.StateIdle
		m.err = nil
		m.last = conversation.Session{ID: a.id}
	case endFailed:
		m.state = conversation.StateError
		m.err = cause
		m.last = conversation.Session{ID: a.id, StartedAt: a.session.StartedAt}
	}
	m.last.State = m.state
	state := m.state
	sessionID := a.id

	return func() {
		m.cfg.Metrics.CallEnded()
		switch mode {
		case endComplete:
			m.log.Info("voice session completed", "session_id", sessionID, "entries", len(transcript))
			m.cfg.Metrics.ObserveSessionEvent("completed")
		case endAbort:
			m.log.Info("voice session aborted", "session_id", sessionID)
			m.cfg.Metrics.ObserveSessionEvent("aborted")
		case endFailed:
			m.log.Warn("voice session failed", "session_id", sessionID, "err", cause)
			m.cfg.Metrics.ObserveSessionEvent("failed")
		}
		switch mode {
		case endComplete:
			if m.cfg.OnComplete != nil {
				m.cfg.OnComplete(transcript)
			}
		case endFailed:
			m.notifyError(cause)
		}
		// The terminal state change is always the last callback of a session.
		m.notifyState(state)
	}
}

// fail ends the attempt with a fatal error unless it has already ended.
func (m *Manager) fail(a *attempt, err error) {
	m.mu.Lock()
	if m.current != a {
		m.mu.Unlock()
		m.log.Debug("discarding late negotiation result", "session_id", a.id, "err", err)
		return
	}
	finish := m.endLocked(a, endFailed, err)
	m.mu.Unlock()
	finish()
}

// run is the session's event loop. Events are handled one at a time in
// arrival order.
func (m *Manager) run(a *attempt) {
	ticker := time.NewTicker(m.cfg.DurationCheckInterval)
	defer ticker.Stop()
	for {
		select {
		case <-a.ctx.Done():
			return
		case ev := <-a.inbox:
			m.handle(a, ev)
		case <-ticker.C:
			m.checkDuration(a)
		}
	}
}

func (a *attempt) post(ev loopEvent) {
	select {
	case a.inbox <- ev:
	case <-a.ctx.Done():
	}
}

func (m *Manager) handle(a *attempt, ev loopEvent) {
	m.mu.Lock()
	if m.current != a {
		m.mu.Unlock()
		return
	}
	before := a.session.State
	now := m.now()
	var cmds []conversation.Command

	switch ev.kind {
	case evChannelOpen:
		if before != conversation.StateConnecting {
			m.mu.Unlock()
			return
		}
		a.session, cmds = conversation.Open(a.session, now)
		m.cfg.Metrics.ObserveStage(observability.StageStartToConnected, now.Sub(a.session.StartedAt))
		m.log.Info("voice session connected", "session_id", a.id)

	case evMessage:
		parsed, err := protocol.ParseServerEvent(ev.data)
		if err != nil {
			m.mu.Unlock()
			if errors.Is(err, protocol.ErrUnsupportedType) {
				m.log.Debug("ignoring realtime event", "session_id", a.id, "raw_len", len(ev.data))
				m.cfg.Metrics.ObserveProtocolEvent("inbound", "unsupported")
				return
			}
			m.log.Warn("dropping malformed realtime event", "session_id", a.id, "err", err)
			m.cfg.Metrics.ObserveProtocolEvent("inbound", "malformed")
			return
		}
		if t, ok := protocol.TypeOf(parsed); ok {
			m.cfg.Metrics.ObserveProtocolEvent("inbound", string(t))
		}
		a.session, cmds = conversation.Dispatch(a.session, parsed, now)

	case evAskNext:
		if !before.Live() {
			m.mu.Unlock()
			return
		}
		a.session, cmds = conversation.AskNext(a.session, now)

	case evTransport, evChannelClosed:
		lost := ev.kind == evChannelClosed || ev.transport == TransportDisconnected || ev.transport == TransportFailed
		if !lost || !before.Active() {
			m.mu.Unlock()
			return
		}
		m.cfg.Metrics.ObserveSessionEvent("transport_lost")
		var finish func()
		if before.Live() {
			// Loss after connect ends the session like Stop.
			m.log.Info("realtime transport lost, stopping", "session_id", a.id, "transport", ev.transport)
			finish = m.endLocked(a, endComplete, nil)
		} else {
			// Nothing was said yet; the attempt failed to connect.
			m.log.Warn("realtime transport lost while connecting", "session_id", a.id, "transport", ev.transport)
			finish = m.endLocked(a, endFailed, &Error{Kind: KindTransport, Message: msgConnectFailed, Err: errTransportLost})
		}
		m.mu.Unlock()
		finish()
		return
	}
	after := a.session.State
	m.mu.Unlock()

	m.execute(a, cmds)
	if after != before && m.isCurrent(a) {
		m.notifyState(after)
	}
}

// execute runs dispatcher commands in order on the loop goroutine.
func (m *Manager) execute(a *attempt, cmds []conversation.Command) {
	for _, c := range cmds {
		switch c := c.(type) {
		case conversation.Send:
			text, err := protocol.Encode(c.Event)
			if err != nil {
				m.log.Error("encode realtime event", "session_id", a.id, "err", err)
				continue
			}
			if err := a.media.send(text); err != nil {
				m.log.Warn("send realtime event", "session_id", a.id, "err", err)
				continue
			}
			if t, ok := protocol.TypeOf(c.Event); ok {
				m.cfg.Metrics.ObserveProtocolEvent("outbound", string(t))
			}
		case conversation.EmitTurn:
			if m.cfg.OnTranscript != nil && m.isCurrent(a) {
				m.cfg.OnTranscript(c.User, c.Assistant)
			}
		case conversation.ScheduleQuestion:
			a.timers.after(c.After, func() {
				a.post(loopEvent{kind: evAskNext})
			})
		case conversation.ReportError:
			m.cfg.Metrics.ObserveProviderError("realtime", c.Code)
			m.log.Warn("realtime error event", "session_id", a.id, "code", c.Code, "type", c.Type, "message", c.Message)
			m.notifyError(&Error{Kind: KindProtocol, Message: c.Message, Code: c.Code})
		}
	}
}

func (m *Manager) checkDuration(a *attempt) {
	m.mu.Lock()
	if m.current != a || !a.session.State.Live() || !a.session.Expired(m.now()) {
		m.mu.Unlock()
		return
	}
	m.log.Info("maximum session duration reached", "session_id", a.id, "max", a.session.MaxDuration)
	m.cfg.Metrics.ObserveSessionEvent("max_duration")
	finish := m.endLocked(a, endComplete, nil)
	m.mu.Unlock()
	finish()
}

func (m *Manager) notifyState(state conversation.State) {
	if m.cfg.OnStateChange != nil {
		m.cfg.OnStateChange(state)
	}
}

func (m *Manager) notifyError(err error) {
	if m.cfg.OnError != nil {
		m.cfg.OnError(err)
	}
}

// State returns the current lifecycle state.
func (m *Manager) State() conversation.State {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.current != nil {
		return m.current.session.State
	}
	return m.state
}

// Err returns the fatal error that moved the manager to StateError, if any.
func (m *Manager) Err() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.err
}

// Transcript returns a copy of the finalized entries of the current or most
// recently completed session.
func (m *Manager) Transcript() []conversation.Entry {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.current != nil {
		return m.current.session.TranscriptCopy()
	}
	return m.last.TranscriptCopy()
}

// LiveResources counts media resources currently held. It is zero whenever
// no session is active.
func (m *Manager) LiveResources() int {
	m.mu.Lock()
	a := m.current
	m.mu.Unlock()
	if a == nil {
		return 0
	}
	return a.media.live()
}

func (m *Manager) Snapshot() Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	s := m.last
	state := m.state
	if m.current != nil {
		s = m.current.session
		state = s.State
	}
	snap := Snapshot{
		SessionID:       s.ID,
		State:           state,
		Transcript:      s.TranscriptCopy(),
		CurrentUserText: s.UserText,
		CurrentAIText:   s.AssistantText,
		IsSupported:     m.IsSupported(),
		StartedAt:       s.StartedAt,
		ConnectedAt:     s.ConnectedAt,
	}
	if m.current == nil && m.err != nil {
		snap.Error = m.err.Error()
	}
	return snap
}
