//go:build mediadevices

package media

import (
	"context"
	"fmt"
	"time"

	"github.com/pion/mediadevices"
	"github.com/pion/mediadevices/pkg/codec/opus"
	_ "github.com/pion/mediadevices/pkg/driver/microphone"
	"github.com/pion/webrtc/v4"
)

// DeviceSource captures the system microphone through pion/mediadevices and
// encodes it to Opus.
type DeviceSource struct {
	lock exclusive
}

// NewDeviceSource returns the native microphone source.
func NewDeviceSource() Source { return &DeviceSource{} }

// RequestPermission implements Source. There is no prompt on a desktop;
// the check is that a capture device exists.
func (s *DeviceSource) RequestPermission(ctx context.Context) error {
	for _, d := range mediadevices.EnumerateDevices() {
		if d.Kind == mediadevices.AudioInput {
			return ctx.Err()
		}
	}
	return ErrNoDevice
}

// Open implements Source.
func (s *DeviceSource) Open(ctx context.Context) (*LocalAudio, error) {
	if err := s.RequestPermission(ctx); err != nil {
		return nil, err
	}
	if err := s.lock.acquire(); err != nil {
		return nil, err
	}

	r, err := openDevice()
	if err != nil {
		s.lock.release()
		return nil, err
	}
	l, err := NewLocalAudio(r, "microphone")
	if err != nil {
		r.Close()
		s.lock.release()
		return nil, err
	}
	l.release = s.lock.release
	return l, nil
}

type deviceFrames struct {
	track  mediadevices.Track
	reader mediadevices.EncodedReadCloser
}

func openDevice() (*deviceFrames, error) {
	params, err := opus.NewParams()
	if err != nil {
		return nil, fmt.Errorf("failed to configure Opus encoder: %w", err)
	}
	selector := mediadevices.NewCodecSelector(mediadevices.WithAudioEncoders(&params))

	stream, err := mediadevices.GetUserMedia(mediadevices.MediaStreamConstraints{
		Audio: func(_ *mediadevices.MediaTrackConstraints) {},
		Codec: selector,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrNoDevice, err)
	}

	tracks := stream.GetAudioTracks()
	if len(tracks) == 0 {
		return nil, ErrNoDevice
	}
	for _, extra := range tracks[1:] {
		extra.Close()
	}

	reader, err := tracks[0].NewEncodedReader(webrtc.MimeTypeOpus)
	if err != nil {
		tracks[0].Close()
		return nil, fmt.Errorf("failed to start Opus encoder: %w", err)
	}
	return &deviceFrames{track: tracks[0], reader: reader}, nil
}

func (d *deviceFrames) ReadFrame() ([]byte, time.Duration, error) {
	buf, release, err := d.reader.Read()
	if err != nil {
		return nil, 0, err
	}
	defer release()

	frame := make([]byte, len(buf.Data))
	copy(frame, buf.Data)
	return frame, time.Duration(buf.Samples) * time.Second / 48000, nil
}

func (d *deviceFrames) Close() error {
	err := d.reader.Close()
	d.track.Close()
	return err
}
