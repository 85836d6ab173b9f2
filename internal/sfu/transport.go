package sfu

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/pion/webrtc/v4"

	"github.com/1ureka/medcall/internal/media"
	"github.com/1ureka/medcall/internal/protocol"
	"github.com/1ureka/medcall/internal/util"
)

// ortcTransport is an ICE gatherer, ICE transport and DTLS transport
// connected to a server-side transport. It connects lazily, on the first
// Produce or Consume.
type ortcTransport struct {
	api     *webrtc.API
	opts    protocol.TransportOptions
	handler TransportHandler

	gatherer *webrtc.ICEGatherer
	ice      *webrtc.ICETransport
	dtls     *webrtc.DTLSTransport

	connectOnce sync.Once
	connectErr  error
	connected   chan struct{}
	dead        chan struct{}
	upOnce      sync.Once
	downOnce    sync.Once

	mu        sync.Mutex
	state     TransportState
	listeners []func(TransportState)
	senders   []*webrtc.RTPSender
	receivers []*webrtc.RTPReceiver
}

func newTransport(api *webrtc.API, opts protocol.TransportOptions, h TransportHandler) (*ortcTransport, error) {
	gatherer, err := api.NewICEGatherer(webrtc.ICEGatherOptions{})
	if err != nil {
		return nil, fmt.Errorf("failed to create ICE gatherer: %w", err)
	}
	ice := api.NewICETransport(gatherer)
	dtls, err := api.NewDTLSTransport(ice, nil)
	if err != nil {
		gatherer.Close()
		return nil, fmt.Errorf("failed to create DTLS transport: %w", err)
	}

	t := &ortcTransport{
		api:       api,
		opts:      opts,
		handler:   h,
		gatherer:  gatherer,
		ice:       ice,
		dtls:      dtls,
		connected: make(chan struct{}),
		dead:      make(chan struct{}),
		state:     StateNew,
	}

	ice.OnConnectionStateChange(func(s webrtc.ICETransportState) {
		switch s {
		case webrtc.ICETransportStateFailed:
			t.setState(StateFailed)
		case webrtc.ICETransportStateClosed:
			t.setState(StateClosed)
		}
	})
	dtls.OnStateChange(func(s webrtc.DTLSTransportState) {
		switch s {
		case webrtc.DTLSTransportStateConnecting:
			t.setState(StateConnecting)
		case webrtc.DTLSTransportStateConnected:
			t.setState(StateConnected)
		case webrtc.DTLSTransportStateFailed:
			t.setState(StateFailed)
		case webrtc.DTLSTransportStateClosed:
			t.setState(StateClosed)
		}
	})
	return t, nil
}

func (t *ortcTransport) ID() string { return t.opts.ID }

func (t *ortcTransport) State() TransportState {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

func (t *ortcTransport) OnStateChange(fn func(TransportState)) {
	t.mu.Lock()
	t.listeners = append(t.listeners, fn)
	t.mu.Unlock()
}

func (t *ortcTransport) setState(s TransportState) {
	t.mu.Lock()
	if t.state == s || t.state.Terminal() {
		t.mu.Unlock()
		return
	}
	t.state = s
	listeners := append([]func(TransportState){}, t.listeners...)
	t.mu.Unlock()

	switch {
	case s == StateConnected:
		t.upOnce.Do(func() { close(t.connected) })
	case s.Terminal():
		t.downOnce.Do(func() { close(t.dead) })
	}
	for _, fn := range listeners {
		fn(s)
	}
}

// connect gathers local candidates, hands the DTLS parameters to the
// server and starts ICE and DTLS in the background.
func (t *ortcTransport) connect(ctx context.Context) error {
	t.connectOnce.Do(func() {
		t.connectErr = t.start(ctx)
		if t.connectErr != nil {
			t.setState(StateFailed)
		}
	})
	return t.connectErr
}

func (t *ortcTransport) start(ctx context.Context) error {
	gathered := make(chan struct{})
	var once sync.Once
	t.gatherer.OnLocalCandidate(func(c *webrtc.ICECandidate) {
		if c == nil {
			once.Do(func() { close(gathered) })
		}
	})
	if err := t.gatherer.Gather(); err != nil {
		return fmt.Errorf("failed to gather candidates: %w", err)
	}
	select {
	case <-gathered:
	case <-ctx.Done():
		return ctx.Err()
	}

	local, err := t.dtls.GetLocalParameters()
	if err != nil {
		return fmt.Errorf("failed to read DTLS parameters: %w", err)
	}
	if t.handler.OnConnect != nil {
		if err := t.handler.OnConnect(ctx, local); err != nil {
			return err
		}
	}

	if err := t.ice.SetRemoteCandidates(t.opts.ICECandidates); err != nil {
		return fmt.Errorf("failed to set remote candidates: %w", err)
	}
	t.setState(StateConnecting)

	// Start blocks until the handshakes complete.
	go func() {
		role := webrtc.ICERoleControlling
		if err := t.ice.Start(t.gatherer, t.opts.ICEParameters, &role); err != nil {
			util.LogDebug("sfu transport %s: ICE start: %v", t.opts.ID, err)
			t.setState(StateFailed)
			return
		}
		if err := t.dtls.Start(t.opts.DTLSParameters); err != nil {
			util.LogDebug("sfu transport %s: DTLS start: %v", t.opts.ID, err)
			t.setState(StateFailed)
		}
	}()
	return nil
}

// ready connects if needed and waits for the DTLS handshake.
func (t *ortcTransport) ready(ctx context.Context) error {
	if err := t.connect(ctx); err != nil {
		return err
	}
	select {
	case <-t.connected:
		return nil
	case <-t.dead:
		return fmt.Errorf("%w: %s", ErrTransportFailed, t.opts.ID)
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (t *ortcTransport) Produce(ctx context.Context, local *media.LocalAudio) (Producer, error) {
	if err := t.ready(ctx); err != nil {
		return nil, err
	}

	sender, err := t.api.NewRTPSender(local.Track(), t.dtls)
	if err != nil {
		return nil, fmt.Errorf("failed to create RTP sender: %w", err)
	}
	params := sender.GetParameters()
	if len(params.Encodings) == 0 || len(params.Codecs) == 0 {
		sender.Stop()
		return nil, errors.New("sfu: sender has no negotiated encoding")
	}
	if err := sender.Send(params); err != nil {
		sender.Stop()
		return nil, fmt.Errorf("failed to start sending: %w", err)
	}
	go func() {
		buf := make([]byte, 1500)
		for {
			if _, _, err := sender.Read(buf); err != nil {
				return
			}
		}
	}()

	t.mu.Lock()
	t.senders = append(t.senders, sender)
	t.mu.Unlock()

	codec := params.Codecs[0]
	rtpParams := protocol.RTPParameters{
		MimeType:    codec.MimeType,
		PayloadType: uint8(codec.PayloadType),
		ClockRate:   codec.ClockRate,
		Channels:    codec.Channels,
		SSRC:        uint32(params.Encodings[0].SSRC),
	}
	if t.handler.OnProduce == nil {
		return nil, errors.New("sfu: transport cannot produce")
	}
	id, err := t.handler.OnProduce(ctx, "audio", rtpParams)
	if err != nil {
		return nil, err
	}
	return &producer{id: id, sender: sender}, nil
}

func (t *ortcTransport) Consume(ctx context.Context, opts protocol.ConsumerOptions) (Consumer, error) {
	if err := t.ready(ctx); err != nil {
		return nil, err
	}

	receiver, err := t.api.NewRTPReceiver(webrtc.RTPCodecTypeAudio, t.dtls)
	if err != nil {
		return nil, fmt.Errorf("failed to create RTP receiver: %w", err)
	}
	err = receiver.Receive(webrtc.RTPReceiveParameters{
		Encodings: []webrtc.RTPDecodingParameters{{
			RTPCodingParameters: webrtc.RTPCodingParameters{
				SSRC:        webrtc.SSRC(opts.RTPParameters.SSRC),
				PayloadType: webrtc.PayloadType(opts.RTPParameters.PayloadType),
			},
		}},
	})
	if err != nil {
		receiver.Stop()
		return nil, fmt.Errorf("failed to start receiving: %w", err)
	}

	t.mu.Lock()
	t.receivers = append(t.receivers, receiver)
	t.mu.Unlock()

	c := &consumer{id: opts.ID, producerID: opts.ProducerID, receiver: receiver}
	if track := receiver.Track(); track != nil {
		c.remote = media.NewRemoteAudio(opts.ID, track)
	}
	return c, nil
}

func (t *ortcTransport) Close() error {
	t.mu.Lock()
	senders, receivers := t.senders, t.receivers
	t.senders, t.receivers = nil, nil
	t.mu.Unlock()

	var errs []error
	for _, s := range senders {
		errs = append(errs, s.Stop())
	}
	for _, r := range receivers {
		errs = append(errs, r.Stop())
	}
	errs = append(errs, t.dtls.Stop(), t.ice.Stop(), t.gatherer.Close())
	t.setState(StateClosed)
	return errors.Join(errs...)
}

type producer struct {
	id     string
	sender *webrtc.RTPSender
}

func (p *producer) ID() string   { return p.id }
func (p *producer) Close() error { return p.sender.Stop() }

type consumer struct {
	id         string
	producerID string
	receiver   *webrtc.RTPReceiver
	remote     *media.RemoteAudio
}

func (c *consumer) ID() string                 { return c.id }
func (c *consumer) ProducerID() string         { return c.producerID }
func (c *consumer) Remote() *media.RemoteAudio { return c.remote }

func (c *consumer) Close() error {
	if c.remote != nil {
		c.remote.End()
	}
	return c.receiver.Stop()
}
