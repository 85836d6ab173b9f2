// Package call is the call session controller: it turns signaling and
// transport events into one authoritative call status, moves a failing
// peer-to-peer attempt onto the SFU once, and tears everything down exactly
// once when the call ends.
package call

import (
	"context"
	"errors"

	"github.com/1ureka/medcall/internal/config"
	"github.com/1ureka/medcall/internal/media"
	"github.com/1ureka/medcall/internal/p2p"
	"github.com/1ureka/medcall/internal/sfu"
	"github.com/1ureka/medcall/internal/signaling"
)

var (
	// ErrAlreadyInitialized is returned when Initialize is repeated for a call.
	ErrAlreadyInitialized = errors.New("call: already initialized for this call")
	// ErrNotConnected is returned by operations that need a connected call.
	ErrNotConnected = errors.New("call: not connected")
	// ErrMissingCallID is returned when Initialize gets no call identity.
	ErrMissingCallID = errors.New("call: missing call identity")
	// ErrEnded is returned by Initialize when the call ends while it runs.
	ErrEnded = errors.New("call: call ended")
)

// Callbacks connect a transport attempt back to the session.
type Callbacks struct {
	OnConnected   func()
	OnFailed      func(err error)
	OnRemoteAudio func(remote *media.RemoteAudio)
}

// P2PTransport is the direct leg of a call.
type P2PTransport interface {
	Initialize(ctx context.Context, isInitiator bool) error
	SetMuted(muted bool)
	RemoteAudio() *media.RemoteAudio
	Cleanup()
}

// SFUTransport is the relayed leg of a call.
type SFUTransport interface {
	Initialize(ctx context.Context, callID string) error
	SetMuted(muted bool)
	RemoteAudio() *media.RemoteAudio
	Cleanup()
}

// P2PFactory creates the P2P attempt of a call.
type P2PFactory func(callID string, cb Callbacks) P2PTransport

// SFUFactory creates the SFU attempt of a call.
type SFUFactory func(callID string, cb Callbacks) SFUTransport

// Options configures a Session.
type Options struct {
	// OwnsChannel is set when the channel was created for this session and
	// must be closed with it. Such a session serves a single call.
	OwnsChannel bool
	// Source is the microphone. Defaults to synthetic silence.
	Source media.Source
	// Sink renders remote audio. It may also be supplied later via SetSink.
	Sink media.Sink

	Timeouts    config.Timeouts
	STUNServers []string
	// PreferSFU skips the P2P attempt.
	PreferSFU bool

	NewP2P P2PFactory
	NewSFU SFUFactory
}

func (o *Options) applyDefaults(ch signaling.Channel) {
	if o.Source == nil {
		o.Source = &media.SilenceSource{}
	}
	if o.Timeouts == (config.Timeouts{}) {
		o.Timeouts = config.Default().Timeouts
	}
	if o.NewP2P == nil {
		src, cfg := o.Source, p2p.Config{STUNServers: o.STUNServers, Timeouts: o.Timeouts}
		o.NewP2P = func(callID string, cb Callbacks) P2PTransport {
			c := cfg
			c.CallID = callID
			return p2p.NewManager(ch, src, c, p2p.Handler{
				OnConnected:   cb.OnConnected,
				OnFailed:      cb.OnFailed,
				OnRemoteAudio: cb.OnRemoteAudio,
			})
		}
	}
	if o.NewSFU == nil {
		src, cfg := o.Source, sfu.Config{Timeouts: o.Timeouts}
		o.NewSFU = func(_ string, cb Callbacks) SFUTransport {
			return sfu.NewManager(ch, src, cfg, sfu.Handler{
				OnConnected:   cb.OnConnected,
				OnFailed:      cb.OnFailed,
				OnRemoteAudio: cb.OnRemoteAudio,
			})
		}
	}
}
