package voice

import (
	"errors"
	"time"

	"github.com/ent0n29/memorylane/internal/conversation"
	"github.com/ent0n29/memorylane/internal/observability"
)

// negotiate runs the setup steps of one attempt in order: credential,
// microphone, peer connection, data channel, offer, answer. Each step checks
// that the attempt is still current; a result that arrives after Stop or
// Abort is released and dropped.
func (m *Manager) negotiate(a *attempt, opts conversation.Options) {
	ctx := a.ctx

	stage := m.now()
	token, err := m.cfg.Tokens.IssueToken(ctx, TokenRequest{Voice: opts.Voice, Instructions: opts.Instructions})
	m.observeStage(observability.StageToken, stage)
	if err != nil {
		m.cfg.Metrics.ObserveProviderError("token", "issue_failed")
		m.fail(a, negotiationError(msgTokenFailed, err))
		return
	}
	if !m.advance(a, conversation.StateConnecting) {
		return
	}

	stage = m.now()
	src, err := m.cfg.Microphone.Open(ctx)
	m.observeStage(observability.StageMicrophone, stage)
	if err != nil {
		if errors.Is(err, ErrPermissionDenied) {
			m.fail(a, permissionError(err))
		} else {
			m.fail(a, &Error{Kind: KindCapability, Message: msgUnsupported, Err: err})
		}
		return
	}
	if a.media.attachSource(src) != nil {
		return
	}

	peer, err := m.cfg.Peers.NewPeer(ctx)
	if err != nil {
		m.fail(a, &Error{Kind: KindTransport, Message: msgConnectFailed, Err: err})
		return
	}
	if a.media.attachPeer(peer) != nil {
		return
	}
	peer.OnTransportStateChange(func(s TransportState) {
		a.post(loopEvent{kind: evTransport, transport: s})
	})
	if err := peer.AddAudio(src); err != nil {
		m.fail(a, &Error{Kind: KindTransport, Message: msgConnectFailed, Err: err})
		return
	}

	channelStage := m.now()
	ch, err := peer.CreateDataChannel(m.cfg.ChannelLabel, ChannelHandlers{
		OnOpen: func() {
			m.observeStage(observability.StageChannelOpen, channelStage)
			a.post(loopEvent{kind: evChannelOpen})
		},
		OnMessage: func(data []byte) {
			a.post(loopEvent{kind: evMessage, data: data})
		},
		OnClose: func() {
			a.post(loopEvent{kind: evChannelClosed})
		},
	})
	if err != nil {
		m.fail(a, &Error{Kind: KindTransport, Message: msgConnectFailed, Err: err})
		return
	}
	if a.media.attachChannel(ch) != nil {
		return
	}

	stage = m.now()
	offer, err := peer.CreateOffer(ctx, m.cfg.ICEGatherTimeout)
	m.observeStage(observability.StageICEGather, stage)
	if err != nil {
		m.fail(a, negotiationError(msgConnectFailed, err))
		return
	}

	stage = m.now()
	answer, err := m.cfg.Signaling.ExchangeSDP(ctx, token, offer)
	m.observeStage(observability.StageSDPExchange, stage)
	if err != nil {
		m.cfg.Metrics.ObserveProviderError("signaling", "exchange_failed")
		m.fail(a, negotiationError(msgConnectFailed, err))
		return
	}
	if !m.isCurrent(a) {
		m.log.Debug("discarding late sdp answer", "session_id", a.id)
		return
	}
	if err := peer.SetAnswer(answer); err != nil {
		m.fail(a, negotiationError(msgConnectFailed, err))
		return
	}
	m.log.Debug("sdp negotiated, waiting for data channel", "session_id", a.id)
}

// advance moves a current attempt to state and reports whether it is still
// current.
func (m *Manager) advance(a *attempt, state conversation.State) bool {
	m.mu.Lock()
	if m.current != a {
		m.mu.Unlock()
		return false
	}
	changed := a.session.State != state
	a.session.State = state
	m.mu.Unlock()
	if changed {
		m.notifyState(state)
	}
	return true
}

func (m *Manager) isCurrent(a *attempt) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.current == a
}

func (m *Manager) observeStage(stage string, started time.Time) {
	m.cfg.Metrics.ObserveStage(stage, m.now().Sub(started))
}
