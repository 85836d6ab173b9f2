package media

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/pion/webrtc/v4/pkg/media/oggreader"
)

// SilenceSource is a synthetic microphone that produces Opus silence. It is
// the default for headless runs.
type SilenceSource struct {
	// Deny makes RequestPermission fail, as a user refusing the prompt would.
	Deny bool

	lock exclusive
}

// RequestPermission implements Source.
func (s *SilenceSource) RequestPermission(ctx context.Context) error {
	if s.Deny {
		return ErrPermissionDenied
	}
	return ctx.Err()
}

// Open implements Source.
func (s *SilenceSource) Open(ctx context.Context) (*LocalAudio, error) {
	if err := s.RequestPermission(ctx); err != nil {
		return nil, err
	}
	if err := s.lock.acquire(); err != nil {
		return nil, err
	}
	l, err := NewLocalAudio(&silenceReader{closed: make(chan struct{})}, "silence")
	if err != nil {
		s.lock.release()
		return nil, err
	}
	l.release = s.lock.release
	return l, nil
}

type silenceReader struct {
	once   sync.Once
	closed chan struct{}
}

func (r *silenceReader) ReadFrame() ([]byte, time.Duration, error) {
	select {
	case <-r.closed:
		return nil, 0, io.EOF
	default:
		return SilenceFrame, FrameDuration, nil
	}
}

func (r *silenceReader) Close() error {
	r.once.Do(func() { close(r.closed) })
	return nil
}

// OggSource plays an Ogg/Opus file as the microphone.
type OggSource struct {
	Path string
	// Loop restarts from the beginning at end of file.
	Loop bool

	lock exclusive
}

// RequestPermission implements Source. A missing file is reported as no
// device.
func (s *OggSource) RequestPermission(ctx context.Context) error {
	if _, err := os.Stat(s.Path); err != nil {
		return fmt.Errorf("%w: %v", ErrNoDevice, err)
	}
	return ctx.Err()
}

// Open implements Source.
func (s *OggSource) Open(ctx context.Context) (*LocalAudio, error) {
	if err := s.RequestPermission(ctx); err != nil {
		return nil, err
	}
	if err := s.lock.acquire(); err != nil {
		return nil, err
	}

	r, err := openOgg(s.Path, s.Loop)
	if err != nil {
		s.lock.release()
		return nil, err
	}
	l, err := NewLocalAudio(r, "ogg")
	if err != nil {
		r.Close()
		s.lock.release()
		return nil, err
	}
	l.release = s.lock.release
	return l, nil
}

// oggFrames reads one Opus sample per Ogg page, timed by the granule
// position delta at 48 kHz.
type oggFrames struct {
	path string
	loop bool

	mu      sync.Mutex
	file    *os.File
	reader  *oggreader.OggReader
	granule uint64
	closed  bool
}

func openOgg(path string, loop bool) (*oggFrames, error) {
	o := &oggFrames{path: path, loop: loop}
	if err := o.rewind(); err != nil {
		return nil, err
	}
	return o, nil
}

func (o *oggFrames) rewind() error {
	if o.file != nil {
		o.file.Close()
	}
	f, err := os.Open(o.path)
	if err != nil {
		return fmt.Errorf("failed to open %s: %w", o.path, err)
	}
	r, _, err := oggreader.NewWith(f)
	if err != nil {
		f.Close()
		return fmt.Errorf("failed to read Ogg header of %s: %w", o.path, err)
	}
	o.file, o.reader, o.granule = f, r, 0
	return nil
}

func (o *oggFrames) ReadFrame() ([]byte, time.Duration, error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	for rewound := false; ; {
		if o.closed {
			return nil, 0, io.EOF
		}
		page, header, err := o.reader.ParseNextPage()
		if errors.Is(err, io.EOF) && o.loop && !rewound {
			if err := o.rewind(); err != nil {
				return nil, 0, err
			}
			rewound = true
			continue
		}
		if err != nil {
			return nil, 0, err
		}
		if len(page) >= 8 && string(page[:8]) == "OpusTags" {
			continue
		}

		var samples uint64
		if header.GranulePosition > o.granule {
			samples = header.GranulePosition - o.granule
		}
		o.granule = header.GranulePosition
		dur := time.Duration(samples) * time.Second / 48000
		return page, dur, nil
	}
}

func (o *oggFrames) Close() error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.closed {
		return nil
	}
	o.closed = true
	return o.file.Close()
}
