package voice

import (
	"errors"
	"sync"
)

// mediaBundle owns the microphone stream, the peer connection and the data
// channel of one session. Resources attached after release are closed
// immediately, so a negotiation that loses a race with Stop never leaks.
type mediaBundle struct {
	mu       sync.Mutex
	released bool
	source   AudioSource
	peer     Peer
	channel  DataChannel
}

func (b *mediaBundle) attachSource(src AudioSource) error {
	b.mu.Lock()
	if b.released {
		b.mu.Unlock()
		_ = src.Close()
		return errReleased
	}
	b.source = src
	b.mu.Unlock()
	return nil
}

func (b *mediaBundle) attachPeer(p Peer) error {
	b.mu.Lock()
	if b.released {
		b.mu.Unlock()
		_ = p.Close()
		return errReleased
	}
	b.peer = p
	b.mu.Unlock()
	return nil
}

func (b *mediaBundle) attachChannel(ch DataChannel) error {
	b.mu.Lock()
	if b.released {
		b.mu.Unlock()
		_ = ch.Close()
		return errReleased
	}
	b.channel = ch
	b.mu.Unlock()
	return nil
}

func (b *mediaBundle) send(text string) error {
	b.mu.Lock()
	ch := b.channel
	released := b.released
	b.mu.Unlock()
	if released || ch == nil {
		return errReleased
	}
	return ch.SendText(text)
}

// live counts the resources currently held.
func (b *mediaBundle) live() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	n := 0
	if b.source != nil {
		n++
	}
	if b.peer != nil {
		n++
	}
	if b.channel != nil {
		n++
	}
	return n
}

// release closes the channel, then the peer, then the microphone. It is safe
// to call more than once.
func (b *mediaBundle) release() error {
	b.mu.Lock()
	if b.released {
		b.mu.Unlock()
		return nil
	}
	b.released = true
	ch, peer, src := b.channel, b.peer, b.source
	b.channel, b.peer, b.source = nil, nil, nil
	b.mu.Unlock()

	var errs []error
	if ch != nil {
		if err := ch.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	if peer != nil {
		if err := peer.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	if src != nil {
		if err := src.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
