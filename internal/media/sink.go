package media

import (
	"encoding/binary"
	"errors"
	"io"
	"math"
	"sync"

	"github.com/pion/opus"

	"github.com/1ureka/medcall/internal/util"
)

// Sink renders remote audio.
type Sink interface {
	Attach(remote *RemoteAudio) error
	Play() error
	SetVolume(volume float64)
	SetMuted(muted bool)
	Detach()
}

// maxFrameBytes fits 60ms of 48 kHz stereo 16-bit PCM.
const maxFrameBytes = 48000 * 60 / 1000 * 2 * 2

// PlaybackSink decodes Opus RTP and writes signed 16-bit little-endian PCM
// to an io.Writer (a file, a pipe into an audio player, io.Discard). Frames
// that fail to decode are replaced by silence of the same length.
type PlaybackSink struct {
	out io.Writer

	mu      sync.Mutex
	remote  *RemoteAudio
	playing bool
	stop    chan struct{}
	done    chan struct{}
	volume  float64
	muted   bool
	rate    int
}

var _ Sink = (*PlaybackSink)(nil)

// NewPlaybackSink creates a sink writing to out.
func NewPlaybackSink(out io.Writer) *PlaybackSink {
	return &PlaybackSink{out: out, volume: 1}
}

// Attach selects the remote track to render, replacing any previous one.
func (s *PlaybackSink) Attach(remote *RemoteAudio) error {
	if remote == nil {
		return errors.New("media: nil remote audio")
	}
	s.Detach()

	s.mu.Lock()
	s.remote = remote
	s.mu.Unlock()
	return nil
}

// Play starts rendering the attached track.
func (s *PlaybackSink) Play() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.remote == nil {
		return errors.New("media: no remote audio attached")
	}
	if s.playing {
		return nil
	}
	s.playing = true
	s.stop = make(chan struct{})
	s.done = make(chan struct{})
	go s.loop(s.remote, s.stop, s.done)
	return nil
}

// SetVolume sets the gain, clamped to [0, 1].
func (s *PlaybackSink) SetVolume(volume float64) {
	s.mu.Lock()
	s.volume = math.Max(0, math.Min(1, volume))
	s.mu.Unlock()
}

// SetMuted silences output without stopping the decoder.
func (s *PlaybackSink) SetMuted(muted bool) {
	s.mu.Lock()
	s.muted = muted
	s.mu.Unlock()
}

// SampleRate returns the rate of the most recently decoded frame.
func (s *PlaybackSink) SampleRate() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.rate
}

// Detach stops rendering and forgets the track. The render loop exits at
// its next packet.
func (s *PlaybackSink) Detach() {
	s.mu.Lock()
	stop := s.stop
	s.remote, s.playing, s.stop, s.done = nil, false, nil, nil
	s.mu.Unlock()
	if stop != nil {
		close(stop)
	}
}

func (s *PlaybackSink) loop(remote *RemoteAudio, stop, done chan struct{}) {
	defer close(done)
	decoder := opus.NewDecoder()
	pcm := make([]byte, maxFrameBytes)

	for {
		pkt, err := remote.ReadPacket()
		if err != nil {
			util.LogDebug("playback stopped: %v", err)
			return
		}
		select {
		case <-stop:
			return
		default:
		}
		if len(pkt.Payload) == 0 {
			continue
		}

		n, rate := s.decode(&decoder, pkt.Payload, pcm)
		frame := pcm[:n]

		s.mu.Lock()
		volume, muted := s.volume, s.muted
		s.rate = rate
		s.mu.Unlock()
		applyGain(frame, volume, muted)

		if _, err := s.out.Write(frame); err != nil {
			util.LogWarning("playback write failed: %v", err)
			return
		}
	}
}

// decode writes one frame of PCM into out and returns its length and rate.
func (s *PlaybackSink) decode(decoder *opus.Decoder, payload, out []byte) (int, int) {
	bandwidth, stereo, err := decoder.Decode(payload, out)
	if err != nil {
		util.Stats.AddDecodeError()
		util.LogDebug("opus decode failed: %v", err)
		n := frameBytes(48000, false)
		clear(out[:n])
		return n, 48000
	}
	rate := bandwidth.SampleRate()
	return frameBytes(rate, stereo), rate
}

func frameBytes(rate int, stereo bool) int {
	n := rate * int(FrameDuration.Milliseconds()) / 1000 * 2
	if stereo {
		n *= 2
	}
	return min(n, maxFrameBytes)
}

func applyGain(pcm []byte, volume float64, muted bool) {
	if muted {
		clear(pcm)
		return
	}
	if volume >= 1 {
		return
	}
	for i := 0; i+1 < len(pcm); i += 2 {
		v := int16(binary.LittleEndian.Uint16(pcm[i:]))
		binary.LittleEndian.PutUint16(pcm[i:], uint16(int16(float64(v)*volume)))
	}
}
