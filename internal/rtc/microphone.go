package rtc

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"sync"
	"time"

	"github.com/pion/webrtc/v4"
	"github.com/pion/webrtc/v4/pkg/media"
	"github.com/pion/webrtc/v4/pkg/media/oggreader"

	"github.com/ent0n29/memorylane/internal/voice"
)

const (
	opusClockRate = 48000
	pageInterval  = 20 * time.Millisecond
)

// FileMicrophone plays an Ogg/Opus file as the local microphone. It stands in
// for a capture device on hosts without one.
type FileMicrophone struct {
	Path string
	// Loop restarts the file when it ends instead of going silent.
	Loop bool
}

// Open fails with voice.ErrPermissionDenied when the file is missing or not
// readable, mirroring a refused capture device.
func (m FileMicrophone) Open(ctx context.Context) (voice.AudioSource, error) {
	if m.Path == "" {
		return nil, fmt.Errorf("%w: no microphone input configured", voice.ErrPermissionDenied)
	}
	f, err := os.Open(m.Path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) || errors.Is(err, fs.ErrPermission) {
			return nil, fmt.Errorf("%w: %v", voice.ErrPermissionDenied, err)
		}
		return nil, err
	}
	ogg, _, err := oggreader.NewWith(f)
	if err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("read ogg header %s: %w", m.Path, err)
	}
	track, err := webrtc.NewTrackLocalStaticSample(
		webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus, ClockRate: opusClockRate, Channels: 2},
		"audio", "memorylane",
	)
	if err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("create audio track: %w", err)
	}
	return &fileSource{
		file:  f,
		ogg:   ogg,
		track: track,
		loop:  m.Loop,
		done:  make(chan struct{}),
	}, nil
}

type fileSource struct {
	file  *os.File
	ogg   *oggreader.OggReader
	track *webrtc.TrackLocalStaticSample
	loop  bool

	startOnce sync.Once
	closeOnce sync.Once
	done      chan struct{}
	wg        sync.WaitGroup
}

// start begins pacing pages onto the track. Later calls do nothing.
func (s *fileSource) start() {
	s.startOnce.Do(func() {
		s.wg.Add(1)
		go s.pump()
	})
}

func (s *fileSource) pump() {
	defer s.wg.Done()
	ticker := time.NewTicker(pageInterval)
	defer ticker.Stop()

	var lastGranule uint64
	for {
		select {
		case <-s.done:
			return
		case <-ticker.C:
		}
		page, header, err := s.ogg.ParseNextPage()
		if errors.Is(err, io.EOF) {
			if !s.loop || s.rewind() != nil {
				return
			}
			lastGranule = 0
			continue
		}
		if err != nil {
			return
		}
		samples := header.GranulePosition - lastGranule
		lastGranule = header.GranulePosition
		duration := time.Duration(float64(samples) / opusClockRate * float64(time.Second))
		if err := s.track.WriteSample(media.Sample{Data: page, Duration: duration}); err != nil {
			return
		}
	}
}

func (s *fileSource) rewind() error {
	if _, err := s.file.Seek(0, io.SeekStart); err != nil {
		return err
	}
	ogg, _, err := oggreader.NewWith(s.file)
	if err != nil {
		return err
	}
	s.ogg = ogg
	return nil
}

func (s *fileSource) Close() error {
	var err error
	s.closeOnce.Do(func() {
		close(s.done)
		s.wg.Wait()
		err = s.file.Close()
	})
	return err
}
