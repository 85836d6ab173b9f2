package sfu

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/pion/webrtc/v4"

	"github.com/1ureka/medcall/internal/config"
	"github.com/1ureka/medcall/internal/media"
	"github.com/1ureka/medcall/internal/protocol"
	"github.com/1ureka/medcall/internal/signaling"
	"github.com/1ureka/medcall/internal/util"
)

// Handler receives the outcome of the SFU attempt. Callbacks run on their
// own goroutine. OnConnected and OnFailed fire at most once.
type Handler struct {
	OnConnected   func()
	OnFailed      func(err error)
	OnRemoteAudio func(remote *media.RemoteAudio)
}

// Config parameterizes the manager.
type Config struct {
	Timeouts config.Timeouts
}

// Manager negotiates the SFU leg of a call. SFU is the last resort, so any
// transport failure is final for the attempt.
type Manager struct {
	ch        signaling.Channel
	src       media.Source
	cfg       Config
	handler   Handler
	log       util.Logger
	newDevice func() Device

	// consumeMu serializes consumer replacement.
	consumeMu sync.Mutex

	mu        sync.Mutex
	callID    string
	ctx       context.Context
	cancel    context.CancelFunc
	device    Device
	send      Transport
	recv      Transport
	local     *media.LocalAudio
	producer  Producer
	consumer  Consumer
	seen      map[string]struct{}
	announced []string
	draining  bool
	muted     bool
	offs      []func()
	confirm   *time.Timer
	connected bool
	reported  bool
	closed    bool
}

// NewManager creates an idle manager.
func NewManager(ch signaling.Channel, src media.Source, cfg Config, handler Handler) *Manager {
	return &Manager{
		ch:        ch,
		src:       src,
		cfg:       cfg,
		handler:   handler,
		log:       util.NewLogger("sfu", ""),
		newDevice: NewDevice,
		seen:      make(map[string]struct{}),
	}
}

// Initialize negotiates both transports, publishes the microphone and
// subscribes to the remote party's audio, whether it is already published
// or appears later. On error every partially built resource is released.
func (m *Manager) Initialize(ctx context.Context, callID string) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return errors.New("sfu: manager already cleaned up")
	}
	m.callID = callID
	m.log = m.log.With(callID)
	m.ctx, m.cancel = context.WithCancel(context.Background())
	m.mu.Unlock()

	if err := m.setup(ctx); err != nil {
		m.Cleanup()
		return err
	}
	return nil
}

func (m *Manager) setup(ctx context.Context) error {
	var caps protocol.RTPCapabilities
	if err := m.ch.Request(ctx, protocol.EventGetCapabilities, protocol.CallRef{CallID: m.callID}, &caps); err != nil {
		return fmt.Errorf("failed to fetch router capabilities: %w", err)
	}
	device := m.newDevice()
	if err := device.Load(caps); err != nil {
		return err
	}

	send, err := m.createTransport(ctx, device, protocol.DirectionSend)
	if err != nil {
		return err
	}
	if !m.keep(func() { m.device, m.send = device, send }) {
		send.Close()
		return errors.New("sfu: cleaned up during initialization")
	}
	recv, err := m.createTransport(ctx, device, protocol.DirectionRecv)
	if err != nil {
		return err
	}
	if !m.keep(func() { m.recv = recv }) {
		recv.Close()
		return errors.New("sfu: cleaned up during initialization")
	}
	send.OnStateChange(func(TransportState) { m.checkTransports() })
	recv.OnStateChange(func(TransportState) { m.checkTransports() })

	local, err := m.src.Open(ctx)
	if err != nil {
		return fmt.Errorf("failed to open microphone: %w", err)
	}
	if !m.keep(func() {
		m.local = local
		local.SetEnabled(!m.muted)
	}) {
		local.Stop()
		return errors.New("sfu: cleaned up during initialization")
	}

	producer, err := send.Produce(ctx, local)
	if err != nil {
		return fmt.Errorf("failed to produce audio: %w", err)
	}
	m.keep(func() { m.producer = producer })
	m.log.Debugf("producing audio as %s", producer.ID())

	// Subscribe before enumerating so a producer created in between is seen.
	off := m.ch.On(protocol.EventNewProducer, m.onNewProducer)
	if !m.keep(func() { m.offs = append(m.offs, off) }) {
		off()
	}

	var existing protocol.ProducersReply
	if err := m.ch.Request(ctx, protocol.EventGetProducers, protocol.CallRef{CallID: m.callID}, &existing); err != nil {
		return fmt.Errorf("failed to list producers: %w", err)
	}
	for _, p := range existing.Producers {
		if err := m.consume(ctx, p.ProducerID); err != nil {
			return err
		}
	}
	return nil
}

// keep runs fn under the lock unless the manager was cleaned up meanwhile.
func (m *Manager) keep(fn func()) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return false
	}
	fn()
	return true
}

func (m *Manager) createTransport(ctx context.Context, device Device, direction string) (Transport, error) {
	var opts protocol.TransportOptions
	req := protocol.TransportRequest{CallID: m.callID, Direction: direction}
	if err := m.ch.Request(ctx, protocol.EventCreateTransport, req, &opts); err != nil {
		return nil, fmt.Errorf("failed to create %s transport: %w", direction, err)
	}

	h := TransportHandler{
		OnConnect: func(ctx context.Context, dtls webrtc.DTLSParameters) error {
			req := protocol.ConnectTransportRequest{TransportID: opts.ID, DTLSParameters: dtls}
			if err := m.ch.Request(ctx, protocol.EventConnectTransport, req, nil); err != nil {
				return fmt.Errorf("failed to connect %s transport: %w", direction, err)
			}
			return nil
		},
	}
	if direction == protocol.DirectionSend {
		h.OnProduce = func(ctx context.Context, kind string, params protocol.RTPParameters) (string, error) {
			req := protocol.ProduceRequest{CallID: m.callID, TransportID: opts.ID, Kind: kind, RTPParameters: params}
			var reply protocol.IDReply
			if err := m.ch.Request(ctx, protocol.EventProduce, req, &reply); err != nil {
				return "", fmt.Errorf("failed to register producer: %w", err)
			}
			return reply.ID, nil
		}
		return device.CreateSendTransport(opts, h)
	}
	return device.CreateRecvTransport(opts, h)
}

// onNewProducer queues the announcement. Consuming involves several
// round trips, so it runs off the signaling goroutine, in arrival order.
func (m *Manager) onNewProducer(data json.RawMessage) {
	var info protocol.ProducerInfo
	if err := protocol.Unmarshal(data, &info); err != nil || info.ProducerID == "" {
		return
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed || (info.CallID != "" && info.CallID != m.callID) {
		return
	}
	m.announced = append(m.announced, info.ProducerID)
	if !m.draining {
		m.draining = true
		go m.drainAnnounced(m.ctx)
	}
}

func (m *Manager) drainAnnounced(ctx context.Context) {
	for {
		m.mu.Lock()
		if m.closed || len(m.announced) == 0 {
			m.announced, m.draining = nil, false
			m.mu.Unlock()
			return
		}
		producerID := m.announced[0]
		m.announced = m.announced[1:]
		m.mu.Unlock()

		if err := m.consume(ctx, producerID); err != nil {
			m.fail(err)
		}
	}
}

// consume subscribes to producerID, replacing the current consumer. A
// producer already consumed, or our own, is ignored.
func (m *Manager) consume(ctx context.Context, producerID string) error {
	m.consumeMu.Lock()
	defer m.consumeMu.Unlock()

	m.mu.Lock()
	_, dup := m.seen[producerID]
	own := m.producer != nil && m.producer.ID() == producerID
	recv, device, closed := m.recv, m.device, m.closed
	if !dup && !own {
		m.seen[producerID] = struct{}{}
	}
	m.mu.Unlock()
	if closed || recv == nil {
		return nil
	}
	if dup || own {
		m.log.Debugf("ignoring producer %s (duplicate=%v own=%v)", producerID, dup, own)
		return nil
	}

	var opts protocol.ConsumerOptions
	req := protocol.ConsumeRequest{
		CallID:          m.callID,
		TransportID:     recv.ID(),
		ProducerID:      producerID,
		RTPCapabilities: device.RTPCapabilities(),
	}
	if err := m.ch.Request(ctx, protocol.EventConsume, req, &opts); err != nil {
		return fmt.Errorf("failed to consume %s: %w", producerID, err)
	}

	c, err := recv.Consume(ctx, opts)
	if err != nil {
		return fmt.Errorf("failed to receive %s: %w", producerID, err)
	}
	// The server creates consumers paused.
	if err := m.ch.Request(ctx, protocol.EventResumeConsumer, protocol.ResumeConsumerRequest{ConsumerID: c.ID()}, nil); err != nil {
		c.Close()
		return fmt.Errorf("failed to resume consumer %s: %w", c.ID(), err)
	}
	remote := c.Remote()
	if remote == nil || remote.Ended() {
		c.Close()
		return fmt.Errorf("%w: %s", ErrTrackNotReady, c.ID())
	}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		c.Close()
		return nil
	}
	old := m.consumer
	m.consumer = c
	m.mu.Unlock()

	if old != nil {
		m.log.Debugf("replacing consumer %s with %s", old.ID(), c.ID())
		old.Close()
	}
	m.log.Infof("consuming remote audio %s", producerID)
	if m.handler.OnRemoteAudio != nil {
		go m.handler.OnRemoteAudio(remote)
	}
	m.checkTransports()
	return nil
}

// checkTransports applies the confirmation policy: connected only once
// both transports are connected and still are after the confirmation
// delay; any terminal state is a failure.
func (m *Manager) checkTransports() {
	m.mu.Lock()
	if m.closed || m.send == nil || m.recv == nil {
		m.mu.Unlock()
		return
	}
	sendState, recvState := m.send.State(), m.recv.State()
	if sendState.Terminal() || recvState.Terminal() {
		m.mu.Unlock()
		m.fail(fmt.Errorf("%w: send=%s recv=%s", ErrTransportFailed, sendState, recvState))
		return
	}
	if m.connected || m.confirm != nil || sendState != StateConnected || recvState != StateConnected {
		m.mu.Unlock()
		return
	}
	m.confirm = time.AfterFunc(m.cfg.Timeouts.TransportConfirm, m.confirmConnected)
	m.mu.Unlock()
}

func (m *Manager) confirmConnected() {
	m.mu.Lock()
	m.confirm = nil
	if m.closed || m.connected {
		m.mu.Unlock()
		return
	}
	sendState, recvState := m.send.State(), m.recv.State()
	switch {
	case sendState.Terminal() || recvState.Terminal():
		m.mu.Unlock()
		m.fail(fmt.Errorf("%w: send=%s recv=%s", ErrTransportFailed, sendState, recvState))
		return
	case sendState != StateConnected || recvState != StateConnected:
		// Transient; the next state change re-arms the check.
		m.mu.Unlock()
		return
	}
	m.connected = true
	m.mu.Unlock()

	m.log.Infof("SFU transports connected")
	if m.handler.OnConnected != nil {
		go m.handler.OnConnected()
	}
}

func (m *Manager) fail(err error) {
	m.mu.Lock()
	if m.reported || m.closed {
		m.mu.Unlock()
		return
	}
	m.reported = true
	m.mu.Unlock()

	m.log.Errorf("attempt failed: %v", err)
	if m.handler.OnFailed != nil {
		go m.handler.OnFailed(err)
	}
}

// SetMuted enables or silences the producer's track. Before the
// microphone is open the state is kept and applied when it opens.
func (m *Manager) SetMuted(muted bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.muted = muted
	if m.local != nil {
		m.local.SetEnabled(!muted)
	}
}

// RemoteAudio returns the current consumer's track, or nil.
func (m *Manager) RemoteAudio() *media.RemoteAudio {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.consumer == nil {
		return nil
	}
	return m.consumer.Remote()
}

// Cleanup closes the consumer, the producer, the microphone and both
// transports, and removes the signaling handlers. Safe to call more than once.
func (m *Manager) Cleanup() {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.closed = true
	if m.cancel != nil {
		m.cancel()
	}
	if m.confirm != nil {
		m.confirm.Stop()
	}
	offs, consumer, producer, local, send, recv := m.offs, m.consumer, m.producer, m.local, m.send, m.recv
	m.offs = nil
	m.mu.Unlock()

	for _, off := range offs {
		off()
	}
	var errs []error
	if consumer != nil {
		errs = append(errs, consumer.Close())
	}
	if producer != nil {
		errs = append(errs, producer.Close())
	}
	if local != nil {
		local.Stop()
	}
	for _, t := range []Transport{send, recv} {
		if t != nil {
			errs = append(errs, t.Close())
		}
	}
	if err := errors.Join(errs...); err != nil {
		m.log.Debugf("cleanup: %v", err)
	}
	m.log.Debugf("cleaned up")
}
