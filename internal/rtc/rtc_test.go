package rtc

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/pion/webrtc/v4"

	"github.com/ent0n29/memorylane/internal/voice"
)

func TestFileMicrophoneMissingFileIsPermissionDenied(t *testing.T) {
	mic := FileMicrophone{Path: filepath.Join(t.TempDir(), "missing.ogg")}
	_, err := mic.Open(context.Background())
	if !errors.Is(err, voice.ErrPermissionDenied) {
		t.Fatalf("Open() error = %v, want ErrPermissionDenied", err)
	}
}

func TestFileMicrophoneUnconfiguredIsPermissionDenied(t *testing.T) {
	_, err := FileMicrophone{}.Open(context.Background())
	if !errors.Is(err, voice.ErrPermissionDenied) {
		t.Fatalf("Open() error = %v, want ErrPermissionDenied", err)
	}
}

func TestFileMicrophoneRejectsNonOgg(t *testing.T) {
	path := filepath.Join(t.TempDir(), "input.ogg")
	if err := os.WriteFile(path, []byte("definitely not an ogg stream"), 0o600); err != nil {
		t.Fatalf("WriteFile() error = %v", err)
	}
	_, err := FileMicrophone{Path: path}.Open(context.Background())
	if err == nil {
		t.Fatalf("Open() error = nil, want header error")
	}
	if errors.Is(err, voice.ErrPermissionDenied) {
		t.Fatalf("Open() error = %v, want a format error", err)
	}
}

func TestTransportState(t *testing.T) {
	tests := []struct {
		in   webrtc.PeerConnectionState
		want voice.TransportState
	}{
		{webrtc.PeerConnectionStateNew, voice.TransportNew},
		{webrtc.PeerConnectionStateConnecting, voice.TransportConnecting},
		{webrtc.PeerConnectionStateConnected, voice.TransportConnected},
		{webrtc.PeerConnectionStateDisconnected, voice.TransportDisconnected},
		{webrtc.PeerConnectionStateFailed, voice.TransportFailed},
		{webrtc.PeerConnectionStateClosed, voice.TransportClosed},
	}
	for _, tt := range tests {
		if got := transportState(tt.in); got != tt.want {
			t.Fatalf("transportState(%v) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestPeerCreateOfferIncludesDataChannel(t *testing.T) {
	factory, err := NewFactory(Options{})
	if err != nil {
		t.Fatalf("NewFactory() error = %v", err)
	}
	p, err := factory.NewPeer(context.Background())
	if err != nil {
		t.Fatalf("NewPeer() error = %v", err)
	}
	defer p.Close()

	if _, err := p.CreateDataChannel("oai-events", voice.ChannelHandlers{}); err != nil {
		t.Fatalf("CreateDataChannel() error = %v", err)
	}
	sdp, err := p.CreateOffer(context.Background(), 500*time.Millisecond)
	if err != nil {
		t.Fatalf("CreateOffer() error = %v", err)
	}
	if !strings.Contains(sdp, "m=application") {
		t.Fatalf("offer has no data channel section:\n%s", sdp)
	}
}

func TestPeerCreateOfferBoundedByGatherTimeout(t *testing.T) {
	// 192.0.2.0/24 is reserved for documentation and never answers.
	factory, err := NewFactory(Options{STUNURLs: []string{"stun:192.0.2.1:3478"}})
	if err != nil {
		t.Fatalf("NewFactory() error = %v", err)
	}
	p, err := factory.NewPeer(context.Background())
	if err != nil {
		t.Fatalf("NewPeer() error = %v", err)
	}
	defer p.Close()
	if _, err := p.CreateDataChannel("oai-events", voice.ChannelHandlers{}); err != nil {
		t.Fatalf("CreateDataChannel() error = %v", err)
	}

	const gatherTimeout = 200 * time.Millisecond
	started := time.Now()
	sdp, err := p.CreateOffer(context.Background(), gatherTimeout)
	elapsed := time.Since(started)
	if err != nil {
		t.Fatalf("CreateOffer() error = %v", err)
	}
	if elapsed > gatherTimeout+time.Second {
		t.Fatalf("CreateOffer() took %v, want about %v", elapsed, gatherTimeout)
	}
	if !strings.Contains(sdp, "m=application") {
		t.Fatalf("partial offer has no data channel section:\n%s", sdp)
	}
}

func TestPeerCreateOfferHonorsContext(t *testing.T) {
	factory, err := NewFactory(Options{STUNURLs: []string{"stun:192.0.2.1:3478"}})
	if err != nil {
		t.Fatalf("NewFactory() error = %v", err)
	}
	p, err := factory.NewPeer(context.Background())
	if err != nil {
		t.Fatalf("NewPeer() error = %v", err)
	}
	defer p.Close()
	if _, err := p.CreateDataChannel("oai-events", voice.ChannelHandlers{}); err != nil {
		t.Fatalf("CreateDataChannel() error = %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := p.CreateOffer(ctx, time.Minute); !errors.Is(err, context.Canceled) {
		t.Fatalf("CreateOffer() error = %v, want context.Canceled", err)
	}
}

func TestPeerAddAudioRejectsForeignSource(t *testing.T) {
	factory, err := NewFactory(Options{STUNURLs: []string{" ", "stun:stun.l.google.com:19302"}})
	if err != nil {
		t.Fatalf("NewFactory() error = %v", err)
	}
	if len(factory.iceServers) != 1 || len(factory.iceServers[0].URLs) != 1 {
		t.Fatalf("iceServers = %+v, want one blank-filtered server", factory.iceServers)
	}
	p, err := factory.NewPeer(context.Background())
	if err != nil {
		t.Fatalf("NewPeer() error = %v", err)
	}
	defer p.Close()
	if err := p.AddAudio(foreignSource{}); err == nil {
		t.Fatalf("AddAudio() error = nil, want unsupported source")
	}
}

type foreignSource struct{}

func (foreignSource) Close() error { return nil }
