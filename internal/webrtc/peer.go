// Package webrtc builds the pion API shared by the P2P and SFU paths and
// resolves the ICE servers a call should use.
package webrtc

import (
	"context"
	"fmt"
	"time"

	"github.com/pion/interceptor"
	"github.com/pion/webrtc/v4"

	"github.com/1ureka/medcall/internal/protocol"
	"github.com/1ureka/medcall/internal/signaling"
	"github.com/1ureka/medcall/internal/util"
)

// DefaultSTUNServers is used when the signaling server hands out no ICE
// configuration in time.
var DefaultSTUNServers = []string{
	"stun:stun.l.google.com:19302",
	"stun:stun1.l.google.com:19302",
}

// OpusPayloadType is the dynamic payload type offered for Opus.
const OpusPayloadType webrtc.PayloadType = 111

// OpusCodec is the single audio codec this client sends and receives.
var OpusCodec = webrtc.RTPCodecCapability{
	MimeType:    webrtc.MimeTypeOpus,
	ClockRate:   48000,
	Channels:    2,
	SDPFmtpLine: "minptime=10;useinbandfec=1",
}

// NewAPI creates a pion API with the given audio codecs (Opus when none are
// given) and the default interceptor chain (NACK, RTCP reports, TWCC).
func NewAPI(codecs ...webrtc.RTPCodecParameters) (*webrtc.API, error) {
	if len(codecs) == 0 {
		codecs = []webrtc.RTPCodecParameters{{RTPCodecCapability: OpusCodec, PayloadType: OpusPayloadType}}
	}

	mediaEngine := &webrtc.MediaEngine{}
	for _, codec := range codecs {
		if err := mediaEngine.RegisterCodec(codec, webrtc.RTPCodecTypeAudio); err != nil {
			return nil, fmt.Errorf("failed to register codec %s: %w", codec.MimeType, err)
		}
	}

	registry := &interceptor.Registry{}
	if err := webrtc.RegisterDefaultInterceptors(mediaEngine, registry); err != nil {
		return nil, fmt.Errorf("failed to register interceptors: %w", err)
	}

	return webrtc.NewAPI(
		webrtc.WithMediaEngine(mediaEngine),
		webrtc.WithInterceptorRegistry(registry),
	), nil
}

// NewPeerConnection creates a PeerConnection on api with the given ICE servers.
func NewPeerConnection(api *webrtc.API, iceServers []webrtc.ICEServer) (*webrtc.PeerConnection, error) {
	pc, err := api.NewPeerConnection(webrtc.Configuration{ICEServers: iceServers})
	if err != nil {
		return nil, fmt.Errorf("failed to create peer connection: %w", err)
	}
	return pc, nil
}

// DefaultICEServers returns the public STUN configuration.
func DefaultICEServers(urls []string) []webrtc.ICEServer {
	if len(urls) == 0 {
		urls = DefaultSTUNServers
	}
	return []webrtc.ICEServer{{URLs: urls}}
}

// ConvertICEServers maps the signaling representation to pion's.
func ConvertICEServers(servers []protocol.ICEServer) []webrtc.ICEServer {
	out := make([]webrtc.ICEServer, 0, len(servers))
	for _, s := range servers {
		if len(s.URLs) == 0 {
			continue
		}
		srv := webrtc.ICEServer{URLs: s.URLs, Username: s.Username}
		if s.Credential != "" {
			srv.Credential = s.Credential
		}
		out = append(out, srv)
	}
	return out
}

// FetchICEServers asks the signaling server for its ICE configuration. Any
// failure, including an empty list or no reply within timeout, falls back
// to the public STUN servers in fallback.
func FetchICEServers(ctx context.Context, ch signaling.Channel, timeout time.Duration, fallback []string) []webrtc.ICEServer {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var reply protocol.ICEServersReply
	if err := ch.Request(ctx, protocol.EventGetICE, struct{}{}, &reply); err != nil {
		util.LogWarning("ICE server fetch failed, using public STUN: %v", err)
		return DefaultICEServers(fallback)
	}

	servers := ConvertICEServers(reply.ICEServers)
	if len(servers) == 0 {
		util.LogDebug("signaling returned no ICE servers, using public STUN")
		return DefaultICEServers(fallback)
	}
	return servers
}
