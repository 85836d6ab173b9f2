package media

import (
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pion/webrtc/v4"
	"github.com/pion/webrtc/v4/pkg/media"

	rtc "github.com/1ureka/medcall/internal/webrtc"
	"github.com/1ureka/medcall/internal/util"
)

// LocalAudio is the outbound audio track of a call. A pump goroutine reads
// frames from the source and writes them to the track, pacing them by their
// durations. While disabled (muted) the pump keeps the stream alive with
// silence.
type LocalAudio struct {
	track  *webrtc.TrackLocalStaticSample
	frames FrameReader

	enabled atomic.Bool
	ended   atomic.Bool

	release  func()
	stopOnce sync.Once
	stop     chan struct{}
	done     chan struct{}
}

// NewLocalAudio creates a track named label and starts pumping frames into it.
func NewLocalAudio(frames FrameReader, label string) (*LocalAudio, error) {
	track, err := webrtc.NewTrackLocalStaticSample(rtc.OpusCodec, "audio", label)
	if err != nil {
		return nil, fmt.Errorf("failed to create local track: %w", err)
	}

	l := &LocalAudio{
		track:  track,
		frames: frames,
		stop:   make(chan struct{}),
		done:   make(chan struct{}),
	}
	l.enabled.Store(true)
	go l.pump()
	return l, nil
}

func (l *LocalAudio) pump() {
	defer close(l.done)
	next := time.Now()

	for {
		frame, dur, err := l.frames.ReadFrame()
		if err != nil {
			if !errors.Is(err, io.EOF) && !l.ended.Load() {
				util.LogWarning("microphone stopped: %v", err)
			}
			l.ended.Store(true)
			return
		}
		if dur <= 0 {
			dur = FrameDuration
		}
		if !l.enabled.Load() {
			frame = SilenceFrame
		}

		if err := l.track.WriteSample(media.Sample{Data: frame, Duration: dur}); err != nil {
			if errors.Is(err, io.ErrClosedPipe) {
				l.ended.Store(true)
				return
			}
			util.LogDebug("local track write failed: %v", err)
		} else {
			util.Stats.AddSent(len(frame))
		}

		next = next.Add(dur)
		wait := time.Until(next)
		if wait < 0 {
			wait = 0
		}
		select {
		case <-time.After(wait):
		case <-l.stop:
			return
		}
	}
}

// Track returns the pion track to attach to a PeerConnection or RTPSender.
func (l *LocalAudio) Track() *webrtc.TrackLocalStaticSample { return l.track }

// SetEnabled turns the microphone on (true) or replaces it with silence.
func (l *LocalAudio) SetEnabled(enabled bool) { l.enabled.Store(enabled) }

// Enabled reports whether real audio is being sent.
func (l *LocalAudio) Enabled() bool { return l.enabled.Load() }

// Ready reports whether the track is still live.
func (l *LocalAudio) Ready() bool { return !l.ended.Load() }

// Stop ends the track and releases the source. Safe to call more than once.
func (l *LocalAudio) Stop() {
	l.stopOnce.Do(func() {
		l.ended.Store(true)
		close(l.stop)
		if err := l.frames.Close(); err != nil {
			util.LogDebug("microphone close: %v", err)
		}
		<-l.done
		if l.release != nil {
			l.release()
		}
	})
}

// Done is closed once the pump has exited.
func (l *LocalAudio) Done() <-chan struct{} { return l.done }
