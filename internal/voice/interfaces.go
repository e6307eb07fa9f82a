package voice

import (
	"context"
	"time"
)

// TokenRequest describes the conversation a credential is minted for.
type TokenRequest struct {
	Voice        string `json:"voice"`
	Instructions string `json:"instructions"`
}

// TokenIssuer returns a short-lived credential for exactly one session.
type TokenIssuer interface {
	IssueToken(ctx context.Context, req TokenRequest) (string, error)
}

// SDPExchanger posts a local offer to the realtime service and returns the
// remote answer.
type SDPExchanger interface {
	ExchangeSDP(ctx context.Context, token, offer string) (string, error)
}

// AudioSource is a live microphone stream.
type AudioSource interface {
	Close() error
}

// Microphone acquires the local audio input. Implementations return an error
// wrapping ErrPermissionDenied when access is refused or unavailable.
type Microphone interface {
	Open(ctx context.Context) (AudioSource, error)
}

// TransportState mirrors the peer connection's aggregate state.
type TransportState string

const (
	TransportNew          TransportState = "new"
	TransportConnecting   TransportState = "connecting"
	TransportConnected    TransportState = "connected"
	TransportDisconnected TransportState = "disconnected"
	TransportFailed       TransportState = "failed"
	TransportClosed       TransportState = "closed"
)

// ChannelHandlers receive data channel callbacks. They may be invoked from
// transport goroutines and must not block for long.
type ChannelHandlers struct {
	OnOpen    func()
	OnMessage func(data []byte)
	OnClose   func()
}

// DataChannel is the signaling channel carrying protocol events.
type DataChannel interface {
	SendText(text string) error
	Close() error
}

// Peer is one peer-to-peer media and data connection.
type Peer interface {
	AddAudio(src AudioSource) error
	CreateDataChannel(label string, h ChannelHandlers) (DataChannel, error)
	OnTransportStateChange(fn func(TransportState))
	// CreateOffer sets the local description and waits for ICE gathering, at
	// most gatherTimeout, returning whatever candidates were collected.
	CreateOffer(ctx context.Context, gatherTimeout time.Duration) (string, error)
	SetAnswer(sdp string) error
	Close() error
}

// PeerFactory creates peer connections.
type PeerFactory interface {
	NewPeer(ctx context.Context) (Peer, error)
}
