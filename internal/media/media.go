// Package media holds the audio endpoints of a call: microphone sources and
// the local track they feed, the remote track handed over by a transport,
// and the playback sink that renders it.
package media

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"
)

var (
	// ErrPermissionDenied is returned when microphone access is refused.
	ErrPermissionDenied = errors.New("media: microphone permission denied")
	// ErrNoDevice is returned when no capture device is available.
	ErrNoDevice = errors.New("media: no microphone available")
	// ErrBusy is returned when a source is opened while already held.
	ErrBusy = errors.New("media: microphone already in use")
)

// FrameDuration is the packetization interval of generated audio.
const FrameDuration = 20 * time.Millisecond

// SilenceFrame is an Opus packet that decodes to 20ms of silence.
var SilenceFrame = []byte{0xf8, 0xff, 0xfe}

// FrameReader yields encoded Opus frames with their durations.
type FrameReader interface {
	ReadFrame() (frame []byte, duration time.Duration, err error)
	Close() error
}

// Source is a microphone. RequestPermission models the capture permission
// prompt; Open acquires the device and starts a local track fed by it.
// A source is held by at most one LocalAudio at a time.
type Source interface {
	RequestPermission(ctx context.Context) error
	Open(ctx context.Context) (*LocalAudio, error)
}

// ParseSource builds a Source from its textual form: "silence" (default),
// "ogg:<path>" or "device".
func ParseSource(name string) (Source, error) {
	switch {
	case name == "" || name == "silence":
		return &SilenceSource{}, nil
	case strings.HasPrefix(name, "ogg:"):
		path := strings.TrimPrefix(name, "ogg:")
		if path == "" {
			return nil, fmt.Errorf("invalid microphone %q: missing file path", name)
		}
		return &OggSource{Path: path, Loop: true}, nil
	case name == "device":
		return NewDeviceSource(), nil
	}
	return nil, fmt.Errorf("invalid microphone %q (want silence, ogg:<path> or device)", name)
}

// exclusive enforces single ownership of a source.
type exclusive struct {
	mu   sync.Mutex
	held bool
}

func (e *exclusive) acquire() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.held {
		return ErrBusy
	}
	e.held = true
	return nil
}

func (e *exclusive) release() {
	e.mu.Lock()
	e.held = false
	e.mu.Unlock()
}
