// Package sfu carries a call over a Selective Forwarding Unit: one send and
// one receive transport negotiated through the signaling channel, a single
// audio producer and at most one remote consumer.
package sfu

import (
	"context"
	"errors"

	"github.com/pion/webrtc/v4"

	"github.com/1ureka/medcall/internal/media"
	"github.com/1ureka/medcall/internal/protocol"
)

var (
	// ErrTransportFailed is reported when a transport fails or closes.
	ErrTransportFailed = errors.New("sfu: transport failed")
	// ErrNoAudioCodec is returned when the router cannot forward Opus.
	ErrNoAudioCodec = errors.New("sfu: router has no Opus codec")
	// ErrTrackNotReady is returned when a consumer yields no remote track.
	ErrTrackNotReady = errors.New("sfu: consumer track not ready")
)

// TransportState is the combined ICE and DTLS state of a transport.
type TransportState string

const (
	StateNew        TransportState = "new"
	StateConnecting TransportState = "connecting"
	StateConnected  TransportState = "connected"
	StateFailed     TransportState = "failed"
	StateClosed     TransportState = "closed"
)

// Terminal reports whether the transport can no longer carry media.
func (s TransportState) Terminal() bool { return s == StateFailed || s == StateClosed }

// TransportHandler is how a transport asks the application to talk to the
// server: once before its first use (connect) and for every new producer.
type TransportHandler struct {
	OnConnect func(ctx context.Context, dtls webrtc.DTLSParameters) error
	OnProduce func(ctx context.Context, kind string, params protocol.RTPParameters) (string, error)
}

// Device holds the codec configuration negotiated with the router and
// creates transports on it.
type Device interface {
	Load(caps protocol.RTPCapabilities) error
	RTPCapabilities() protocol.RTPCapabilities
	CreateSendTransport(opts protocol.TransportOptions, h TransportHandler) (Transport, error)
	CreateRecvTransport(opts protocol.TransportOptions, h TransportHandler) (Transport, error)
}

// Transport is one ICE+DTLS path to the server.
type Transport interface {
	ID() string
	State() TransportState
	OnStateChange(fn func(TransportState))
	Produce(ctx context.Context, local *media.LocalAudio) (Producer, error)
	Consume(ctx context.Context, opts protocol.ConsumerOptions) (Consumer, error)
	Close() error
}

// Producer is the local audio published on the send transport.
type Producer interface {
	ID() string
	Close() error
}

// Consumer is a subscription to a remote producer.
type Consumer interface {
	ID() string
	ProducerID() string
	Remote() *media.RemoteAudio
	Close() error
}
