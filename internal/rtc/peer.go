// Package rtc implements the voice transport interfaces on top of
// pion/webrtc.
package rtc

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/pion/webrtc/v4"
	"github.com/pion/webrtc/v4/pkg/media/oggwriter"

	"github.com/ent0n29/memorylane/internal/voice"
)

// Options configure the peer factory.
type Options struct {
	STUNURLs []string
	// RecordPath, when set, receives the remote audio track as Ogg/Opus.
	RecordPath string
	Logger     *slog.Logger
}

// Factory creates pion peer connections with Opus audio and a data channel.
type Factory struct {
	api        *webrtc.API
	iceServers []webrtc.ICEServer
	recordPath string
	log        *slog.Logger
}

func NewFactory(opts Options) (*Factory, error) {
	engine := &webrtc.MediaEngine{}
	if err := engine.RegisterDefaultCodecs(); err != nil {
		return nil, fmt.Errorf("register codecs: %w", err)
	}
	var servers []webrtc.ICEServer
	urls := make([]string, 0, len(opts.STUNURLs))
	for _, u := range opts.STUNURLs {
		if u = strings.TrimSpace(u); u != "" {
			urls = append(urls, u)
		}
	}
	if len(urls) > 0 {
		servers = []webrtc.ICEServer{{URLs: urls}}
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Factory{
		api:        webrtc.NewAPI(webrtc.WithMediaEngine(engine)),
		iceServers: servers,
		recordPath: strings.TrimSpace(opts.RecordPath),
		log:        logger,
	}, nil
}

func (f *Factory) NewPeer(ctx context.Context) (voice.Peer, error) {
	pc, err := f.api.NewPeerConnection(webrtc.Configuration{ICEServers: f.iceServers})
	if err != nil {
		return nil, fmt.Errorf("new peer connection: %w", err)
	}
	p := &peer{pc: pc, log: f.log}
	pc.OnTrack(func(track *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		go p.consumeRemote(track, f.recordPath)
	})
	pc.OnConnectionStateChange(func(s webrtc.PeerConnectionState) {
		if s == webrtc.PeerConnectionStateConnected {
			p.startAudio()
		}
		p.mu.Lock()
		fn := p.onState
		p.mu.Unlock()
		if fn != nil {
			fn(transportState(s))
		}
	})
	return p, nil
}

type peer struct {
	pc  *webrtc.PeerConnection
	log *slog.Logger

	mu      sync.Mutex
	onState func(voice.TransportState)
	source  *fileSource
}

// AddAudio attaches a local track. Sources created by FileMicrophone begin
// streaming once the connection is established.
func (p *peer) AddAudio(src voice.AudioSource) error {
	source, ok := src.(*fileSource)
	if !ok {
		return fmt.Errorf("unsupported audio source %T", src)
	}
	sender, err := p.pc.AddTrack(source.track)
	if err != nil {
		return fmt.Errorf("add audio track: %w", err)
	}
	// RTCP has to be read for interceptors to run.
	go func() {
		buf := make([]byte, 1500)
		for {
			if _, _, err := sender.Read(buf); err != nil {
				return
			}
		}
	}()
	p.mu.Lock()
	p.source = source
	p.mu.Unlock()
	return nil
}

func (p *peer) startAudio() {
	p.mu.Lock()
	src := p.source
	p.mu.Unlock()
	if src != nil {
		src.start()
	}
}

func (p *peer) CreateDataChannel(label string, h voice.ChannelHandlers) (voice.DataChannel, error) {
	dc, err := p.pc.CreateDataChannel(label, nil)
	if err != nil {
		return nil, fmt.Errorf("create data channel: %w", err)
	}
	if h.OnOpen != nil {
		dc.OnOpen(h.OnOpen)
	}
	if h.OnMessage != nil {
		dc.OnMessage(func(msg webrtc.DataChannelMessage) {
			h.OnMessage(msg.Data)
		})
	}
	if h.OnClose != nil {
		dc.OnClose(h.OnClose)
	}
	return &channel{dc: dc}, nil
}

func (p *peer) OnTransportStateChange(fn func(voice.TransportState)) {
	p.mu.Lock()
	p.onState = fn
	p.mu.Unlock()
}

// CreateOffer returns the local offer once ICE gathering completes or the
// timeout elapses, whichever is first.
func (p *peer) CreateOffer(ctx context.Context, gatherTimeout time.Duration) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	offer, err := p.pc.CreateOffer(nil)
	if err != nil {
		return "", fmt.Errorf("create offer: %w", err)
	}
	gathered := webrtc.GatheringCompletePromise(p.pc)
	if err := p.pc.SetLocalDescription(offer); err != nil {
		return "", fmt.Errorf("set local description: %w", err)
	}

	timer := time.NewTimer(gatherTimeout)
	defer timer.Stop()
	select {
	case <-gathered:
	case <-timer.C:
		p.log.Debug("ice gathering timed out, sending partial candidates", "timeout", gatherTimeout)
	case <-ctx.Done():
		return "", ctx.Err()
	}

	local := p.pc.LocalDescription()
	if local == nil {
		return "", errors.New("local description unavailable")
	}
	return local.SDP, nil
}

func (p *peer) SetAnswer(sdp string) error {
	err := p.pc.SetRemoteDescription(webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: sdp})
	if err != nil {
		return fmt.Errorf("set remote description: %w", err)
	}
	return nil
}

func (p *peer) Close() error {
	return p.pc.Close()
}

// consumeRemote drains the remote track, optionally writing it to disk.
func (p *peer) consumeRemote(track *webrtc.TrackRemote, recordPath string) {
	if track.Kind() != webrtc.RTPCodecTypeAudio {
		return
	}
	var rec *oggwriter.OggWriter
	if recordPath != "" {
		w, err := oggwriter.New(recordPath, track.Codec().ClockRate, uint16(track.Codec().Channels))
		if err != nil {
			p.log.Warn("open remote audio recording", "path", recordPath, "err", err)
		} else {
			rec = w
			defer rec.Close()
		}
	}
	for {
		pkt, _, err := track.ReadRTP()
		if err != nil {
			return
		}
		if rec != nil {
			if err := rec.WriteRTP(pkt); err != nil {
				p.log.Warn("write remote audio", "err", err)
				rec = nil
			}
		}
	}
}

type channel struct {
	dc *webrtc.DataChannel
}

func (c *channel) SendText(text string) error {
	return c.dc.SendText(text)
}

func (c *channel) Close() error {
	return c.dc.Close()
}

func transportState(s webrtc.PeerConnectionState) voice.TransportState {
	switch s {
	case webrtc.PeerConnectionStateNew:
		return voice.TransportNew
	case webrtc.PeerConnectionStateConnecting:
		return voice.TransportConnecting
	case webrtc.PeerConnectionStateConnected:
		return voice.TransportConnected
	case webrtc.PeerConnectionStateDisconnected:
		return voice.TransportDisconnected
	case webrtc.PeerConnectionStateFailed:
		return voice.TransportFailed
	case webrtc.PeerConnectionStateClosed:
		return voice.TransportClosed
	default:
		return voice.TransportNew
	}
}
