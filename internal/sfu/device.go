package sfu

import (
	"fmt"
	"strings"

	"github.com/pion/webrtc/v4"

	"github.com/1ureka/medcall/internal/protocol"
	rtc "github.com/1ureka/medcall/internal/webrtc"
)

// ortcDevice implements Device on pion's ORTC API.
type ortcDevice struct {
	api  *webrtc.API
	caps protocol.RTPCapabilities
}

// NewDevice returns an unloaded device.
func NewDevice() Device { return &ortcDevice{} }

// Load keeps the router's audio Opus codecs and builds the media engine
// from them. Other codecs are dropped.
func (d *ortcDevice) Load(caps protocol.RTPCapabilities) error {
	var (
		codecs []webrtc.RTPCodecParameters
		kept   []protocol.CodecCapability
	)
	for _, c := range caps.Codecs {
		if c.Kind != "audio" || !strings.EqualFold(c.MimeType, webrtc.MimeTypeOpus) {
			continue
		}
		codecs = append(codecs, webrtc.RTPCodecParameters{
			RTPCodecCapability: webrtc.RTPCodecCapability{
				MimeType:    webrtc.MimeTypeOpus,
				ClockRate:   c.ClockRate,
				Channels:    c.Channels,
				SDPFmtpLine: c.SDPFmtpLine,
			},
			PayloadType: webrtc.PayloadType(c.PayloadType),
		})
		kept = append(kept, c)
	}
	if len(codecs) == 0 {
		return ErrNoAudioCodec
	}

	api, err := rtc.NewAPI(codecs...)
	if err != nil {
		return fmt.Errorf("failed to load device: %w", err)
	}
	d.api = api
	d.caps = protocol.RTPCapabilities{Codecs: kept}
	return nil
}

func (d *ortcDevice) RTPCapabilities() protocol.RTPCapabilities { return d.caps }

func (d *ortcDevice) CreateSendTransport(opts protocol.TransportOptions, h TransportHandler) (Transport, error) {
	return d.createTransport(opts, h)
}

func (d *ortcDevice) CreateRecvTransport(opts protocol.TransportOptions, h TransportHandler) (Transport, error) {
	return d.createTransport(opts, h)
}

func (d *ortcDevice) createTransport(opts protocol.TransportOptions, h TransportHandler) (Transport, error) {
	if d.api == nil {
		return nil, fmt.Errorf("sfu: device not loaded")
	}
	t, err := newTransport(d.api, opts, h)
	if err != nil {
		return nil, err
	}
	return t, nil
}
