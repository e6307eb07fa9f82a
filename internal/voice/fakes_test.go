package voice

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"
)

type fakeTokens struct {
	mu    sync.Mutex
	calls int
	err   error
	// gate, when set, blocks IssueToken until it is closed.
	gate chan struct{}
}

func (f *fakeTokens) IssueToken(ctx context.Context, req TokenRequest) (string, error) {
	f.mu.Lock()
	f.calls++
	gate := f.gate
	f.mu.Unlock()
	if gate != nil {
		<-gate
	}
	if f.err != nil {
		return "", f.err
	}
	return "ek_test", nil
}

type fakeSignaling struct {
	mu     sync.Mutex
	token  string
	offers []string
	err    error
	gate   chan struct{}
}

func (f *fakeSignaling) ExchangeSDP(ctx context.Context, token, offer string) (string, error) {
	if f.gate != nil {
		<-f.gate
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.token = token
	f.offers = append(f.offers, offer)
	if f.err != nil {
		return "", f.err
	}
	return "v=0 answer", nil
}

type fakeSource struct {
	mu     sync.Mutex
	closed bool
}

func (s *fakeSource) Close() error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	return nil
}

func (s *fakeSource) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

type fakeMic struct {
	mu      sync.Mutex
	err     error
	sources []*fakeSource
}

func (m *fakeMic) Open(ctx context.Context) (AudioSource, error) {
	if m.err != nil {
		return nil, m.err
	}
	src := &fakeSource{}
	m.mu.Lock()
	m.sources = append(m.sources, src)
	m.mu.Unlock()
	return src, nil
}

func (m *fakeMic) opened() []*fakeSource {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]*fakeSource(nil), m.sources...)
}

type fakeChannel struct {
	mu       sync.Mutex
	sent     []string
	closed   bool
	handlers ChannelHandlers
}

func (c *fakeChannel) SendText(text string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return errors.New("channel closed")
	}
	c.sent = append(c.sent, text)
	return nil
}

func (c *fakeChannel) Close() error {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
	return nil
}

func (c *fakeChannel) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func (c *fakeChannel) messages() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.sent...)
}

type fakePeer struct {
	mu       sync.Mutex
	closed   bool
	audio    AudioSource
	channel  *fakeChannel
	onState  func(TransportState)
	answer   string
	answered chan struct{}
	offerErr error
}

func (p *fakePeer) AddAudio(src AudioSource) error {
	p.mu.Lock()
	p.audio = src
	p.mu.Unlock()
	return nil
}

func (p *fakePeer) CreateDataChannel(label string, h ChannelHandlers) (DataChannel, error) {
	ch := &fakeChannel{handlers: h}
	p.mu.Lock()
	p.channel = ch
	p.mu.Unlock()
	return ch, nil
}

func (p *fakePeer) OnTransportStateChange(fn func(TransportState)) {
	p.mu.Lock()
	p.onState = fn
	p.mu.Unlock()
}

func (p *fakePeer) CreateOffer(ctx context.Context, gatherTimeout time.Duration) (string, error) {
	if p.offerErr != nil {
		return "", p.offerErr
	}
	return "v=0 offer", nil
}

func (p *fakePeer) SetAnswer(sdp string) error {
	p.mu.Lock()
	p.answer = sdp
	p.mu.Unlock()
	close(p.answered)
	return nil
}

func (p *fakePeer) Close() error {
	p.mu.Lock()
	p.closed = true
	p.mu.Unlock()
	return nil
}

func (p *fakePeer) isClosed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}

func (p *fakePeer) dataChannel() *fakeChannel {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.channel
}

// open fires the data channel's open handler as the transport would.
func (p *fakePeer) open() {
	p.dataChannel().handlers.OnOpen()
}

func (p *fakePeer) deliver(format string, args ...any) {
	p.dataChannel().handlers.OnMessage([]byte(fmt.Sprintf(format, args...)))
}

// closeChannel fires the data channel's close handler as the transport would.
func (p *fakePeer) closeChannel() {
	p.dataChannel().handlers.OnClose()
}

func (p *fakePeer) transport(s TransportState) {
	p.mu.Lock()
	fn := p.onState
	p.mu.Unlock()
	fn(s)
}

type fakePeers struct {
	mu    sync.Mutex
	peers []*fakePeer
	err   error
}

func (f *fakePeers) NewPeer(ctx context.Context) (Peer, error) {
	if f.err != nil {
		return nil, f.err
	}
	p := &fakePeer{answered: make(chan struct{})}
	f.mu.Lock()
	f.peers = append(f.peers, p)
	f.mu.Unlock()
	return p, nil
}

func (f *fakePeers) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.peers)
}

func (f *fakePeers) last() *fakePeer {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.peers) == 0 {
		return nil
	}
	return f.peers[len(f.peers)-1]
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}
