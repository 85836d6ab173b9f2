// Package p2p negotiates a direct audio PeerConnection with the remote party
// over the signaling channel.
package p2p

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
	rtc "github.com/1ureka/medcall/internal/webrtc"
)

var (
	// ErrNoAudioSection is returned when a generated offer carries no audio.
	ErrNoAudioSection = errors.New("p2p: offer has no audio section")
	// ErrConnectTimeout is reported when the connection is not up in time.
	ErrConnectTimeout = errors.New("p2p: connection timed out")
	// ErrConnectionFailed is reported on a failed or disconnected connection.
	ErrConnectionFailed = errors.New("p2p: connection failed")
	// ErrICEFailed is reported when ICE stays failed past the grace period.
	ErrICEFailed = errors.New("p2p: ICE failed")
)

// Handler receives the outcome of an attempt. Callbacks run on their own
// goroutine and at most once each, except OnRemoteAudio.
type Handler struct {
	OnConnected   func()
	OnFailed      func(err error)
	OnRemoteAudio func(remote *media.RemoteAudio)
}

// Config parameterizes one attempt.
type Config struct {
	CallID      string
	STUNServers []string
	Timeouts    config.Timeouts
}

// Manager owns one PeerConnection for one call. It never reconnects: the
// first failure is reported and the caller decides what to do next.
type Manager struct {
	ch      signaling.Channel
	src     media.Source
	cfg     Config
	handler Handler
	log     util.Logger
	newPeer func([]webrtc.ICEServer) (peerConn, error)

	mu        sync.Mutex
	pc        peerConn
	local     *media.LocalAudio
	remote    *media.RemoteAudio
	initiator bool
	remoteSet bool
	answered  bool
	offer     *webrtc.SessionDescription
	queued    []*webrtc.ICECandidateInit
	iceState  webrtc.ICEConnectionState
	offs      []func()
	connTimer *time.Timer
	iceTimer  *time.Timer
	connected bool
	reported  bool
	closed    bool
}

// NewManager creates an idle manager. Nothing is allocated until Initialize.
func NewManager(ch signaling.Channel, src media.Source, cfg Config, handler Handler) *Manager {
	return &Manager{
		ch:      ch,
		src:     src,
		cfg:     cfg,
		handler: handler,
		log:     util.NewLogger("p2p", cfg.CallID),
		newPeer: newPionPeer,
	}
}

// Initialize builds the PeerConnection, attaches the microphone and starts
// negotiation: the initiator sends an offer, the responder waits for one.
// A nil error means the attempt is running; its outcome arrives through the
// Handler. On error every partially built resource is released.
func (m *Manager) Initialize(ctx context.Context, isInitiator bool) error {
	if err := m.setup(ctx, isInitiator); err != nil {
		m.Cleanup()
		return err
	}
	if isInitiator {
		if err := m.CreateOffer(ctx, nil); err != nil {
			m.Cleanup()
			return err
		}
	}
	return nil
}

func (m *Manager) setup(ctx context.Context, isInitiator bool) error {
	// The connect deadline covers ICE server lookup and microphone start.
	m.mu.Lock()
	m.connTimer = time.AfterFunc(m.cfg.Timeouts.P2PConnect, func() { m.fail(ErrConnectTimeout) })
	m.mu.Unlock()

	iceServers := rtc.FetchICEServers(ctx, m.ch, m.cfg.Timeouts.ICEServers, m.cfg.STUNServers)

	pc, err := m.newPeer(iceServers)
	if err != nil {
		return err
	}

	local, err := m.src.Open(ctx)
	if err != nil {
		pc.Close()
		return fmt.Errorf("failed to open microphone: %w", err)
	}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		local.Stop()
		pc.Close()
		return errors.New("p2p: cleaned up during initialization")
	}
	m.pc, m.local, m.initiator = pc, local, isInitiator
	m.mu.Unlock()

	sender, err := pc.AddTrack(local.Track())
	if err != nil {
		return fmt.Errorf("failed to attach microphone track: %w", err)
	}
	go drainRTCP(sender)

	pc.OnICECandidate(m.onLocalCandidate)
	pc.OnConnectionStateChange(m.onConnectionState)
	pc.OnICEConnectionStateChange(m.onICEState)
	pc.OnTrack(m.onTrack)

	m.subscribe()

	// The initiator re-sends its offer on joined, so announce only once
	// the offer handler is in place.
	if !isInitiator {
		if err := m.ch.Emit(protocol.EventJoined, protocol.CallRef{CallID: m.cfg.CallID}); err != nil {
			m.log.Warnf("failed to announce join: %v", err)
		}
	}

	m.log.Debugf("peer connection ready (initiator=%v, %d ICE servers)", isInitiator, len(iceServers))
	return nil
}

// subscribe registers the negotiation handlers for this call.
func (m *Manager) subscribe() {
	offs := []func(){
		m.ch.On(protocol.EventOffer, m.scoped(func(data json.RawMessage) error {
			var d protocol.Description
			if err := protocol.Unmarshal(data, &d); err != nil {
				return err
			}
			return m.HandleOffer(d.SDP)
		})),
		m.ch.On(protocol.EventAnswer, m.scoped(func(data json.RawMessage) error {
			var d protocol.Description
			if err := protocol.Unmarshal(data, &d); err != nil {
				return err
			}
			return m.HandleAnswer(d.SDP)
		})),
		m.ch.On(protocol.EventICECandidate, m.scoped(func(data json.RawMessage) error {
			var c protocol.Candidate
			if err := protocol.Unmarshal(data, &c); err != nil {
				return err
			}
			return m.HandleICECandidate(c.Candidate)
		})),
		m.ch.On(protocol.EventJoined, m.scoped(func(json.RawMessage) error {
			return m.resendOffer()
		})),
	}

	m.mu.Lock()
	m.offs = append(m.offs, offs...)
	m.mu.Unlock()
}

// scoped drops events of other calls and logs handler errors.
func (m *Manager) scoped(fn func(json.RawMessage) error) signaling.Handler {
	return func(data json.RawMessage) {
		var ref protocol.CallRef
		if err := protocol.Unmarshal(data, &ref); err != nil || ref.CallID != m.cfg.CallID {
			return
		}
		if m.isClosed() {
			return
		}
		if err := fn(data); err != nil {
			m.log.Warnf("negotiation error: %v", err)
		}
	}
}

// ---------------------------------------------------------------------------
// Negotiation
// ---------------------------------------------------------------------------

// CreateOffer generates an offer, checks it carries audio and sends it. An
// offer without an audio section is never sent.
func (m *Manager) CreateOffer(_ context.Context, options *webrtc.OfferOptions) error {
	pc := m.peer()
	if pc == nil {
		return errors.New("p2p: not initialized")
	}

	offer, err := pc.CreateOffer(options)
	if err != nil {
		return fmt.Errorf("failed to create offer: %w", err)
	}
	ok, err := rtc.HasAudioSection(offer.SDP)
	if err != nil {
		return err
	}
	if !ok {
		return ErrNoAudioSection
	}
	if err := pc.SetLocalDescription(offer); err != nil {
		return fmt.Errorf("failed to set local offer: %w", err)
	}

	m.mu.Lock()
	m.offer = &offer
	m.mu.Unlock()

	return m.ch.Emit(protocol.EventOffer, protocol.Description{CallID: m.cfg.CallID, SDP: offer})
}

// resendOffer repeats the current offer when the responder announces itself
// after the first offer went out unanswered.
func (m *Manager) resendOffer() error {
	m.mu.Lock()
	offer := m.offer
	pending := m.initiator && !m.answered && offer != nil
	m.mu.Unlock()
	if !pending {
		return nil
	}
	if pc := m.peer(); pc != nil {
		if ld := pc.LocalDescription(); ld != nil {
			offer = ld
		}
	}
	m.log.Debugf("peer joined before answering, re-sending offer")
	return m.ch.Emit(protocol.EventOffer, protocol.Description{CallID: m.cfg.CallID, SDP: *offer})
}

// HandleOffer applies a remote offer and replies with an answer.
func (m *Manager) HandleOffer(offer webrtc.SessionDescription) error {
	pc := m.peer()
	if pc == nil {
		return errors.New("p2p: not initialized")
	}
	if m.initiator {
		m.log.Debugf("ignoring offer: this side is the initiator")
		return nil
	}

	if err := pc.SetRemoteDescription(offer); err != nil {
		return fmt.Errorf("failed to set remote offer: %w", err)
	}
	m.flushCandidates()

	answer, err := pc.CreateAnswer(nil)
	if err != nil {
		return fmt.Errorf("failed to create answer: %w", err)
	}
	if err := pc.SetLocalDescription(answer); err != nil {
		return fmt.Errorf("failed to set local answer: %w", err)
	}
	return m.ch.Emit(protocol.EventAnswer, protocol.Description{CallID: m.cfg.CallID, SDP: answer})
}

// HandleAnswer applies the remote answer to our offer. Duplicates are ignored.
func (m *Manager) HandleAnswer(answer webrtc.SessionDescription) error {
	pc := m.peer()
	if pc == nil {
		return errors.New("p2p: not initialized")
	}

	m.mu.Lock()
	initiator, answered := m.initiator, m.answered
	m.mu.Unlock()
	if !initiator || answered {
		m.log.Debugf("ignoring unexpected answer")
		return nil
	}

	if err := pc.SetRemoteDescription(answer); err != nil {
		return fmt.Errorf("failed to set remote answer: %w", err)
	}
	m.mu.Lock()
	m.answered = true
	m.mu.Unlock()
	m.flushCandidates()
	return nil
}

// HandleICECandidate applies a remote candidate. nil is the end of
// candidates and is passed on as such. Candidates that arrive before the
// remote description are held until it is set.
func (m *Manager) HandleICECandidate(candidate *webrtc.ICECandidateInit) error {
	m.mu.Lock()
	pc := m.pc
	if pc == nil || m.closed {
		m.mu.Unlock()
		return nil
	}
	if !m.remoteSet {
		m.queued = append(m.queued, candidate)
		m.mu.Unlock()
		return nil
	}
	m.mu.Unlock()

	return m.addCandidate(pc, candidate)
}

func (m *Manager) addCandidate(pc peerConn, candidate *webrtc.ICECandidateInit) error {
	init := webrtc.ICECandidateInit{}
	if candidate != nil {
		init = *candidate
	}
	if err := pc.AddICECandidate(init); err != nil {
		if benignCandidateError(err) {
			m.log.Debugf("candidate ignored: %v", err)
			return nil
		}
		return fmt.Errorf("failed to add ICE candidate: %w", err)
	}
	return nil
}

func (m *Manager) flushCandidates() {
	m.mu.Lock()
	m.remoteSet = true
	queued := m.queued
	m.queued = nil
	pc := m.pc
	m.mu.Unlock()

	for _, c := range queued {
		if err := m.addCandidate(pc, c); err != nil {
			m.log.Warnf("%v", err)
		}
	}
}

// ---------------------------------------------------------------------------
// PeerConnection callbacks
// ---------------------------------------------------------------------------

func (m *Manager) onLocalCandidate(c *webrtc.ICECandidate) {
	if m.isClosed() {
		return
	}
	payload := protocol.Candidate{CallID: m.cfg.CallID}
	if c != nil {
		init := c.ToJSON()
		payload.Candidate = &init
	}
	if err := m.ch.Emit(protocol.EventICECandidate, payload); err != nil {
		m.log.Debugf("failed to send candidate: %v", err)
	}
}

func (m *Manager) onConnectionState(state webrtc.PeerConnectionState) {
	m.log.Debugf("connection state: %s", state)
	switch state {
	case webrtc.PeerConnectionStateConnected:
		m.markConnected()
	case webrtc.PeerConnectionStateFailed, webrtc.PeerConnectionStateDisconnected:
		m.fail(fmt.Errorf("%w: %s", ErrConnectionFailed, state))
	}
}

func (m *Manager) onICEState(state webrtc.ICEConnectionState) {
	m.log.Debugf("ICE state: %s", state)

	m.mu.Lock()
	defer m.mu.Unlock()
	m.iceState = state

	switch state {
	case webrtc.ICEConnectionStateFailed:
		if m.iceTimer == nil && !m.closed {
			m.iceTimer = time.AfterFunc(m.cfg.Timeouts.ICEFailureGrace, m.checkICE)
		}
	case webrtc.ICEConnectionStateConnected, webrtc.ICEConnectionStateCompleted, webrtc.ICEConnectionStateChecking:
		if m.iceTimer != nil {
			m.iceTimer.Stop()
			m.iceTimer = nil
		}
	}
}

// checkICE runs when ICE has been failed for the grace period.
func (m *Manager) checkICE() {
	m.mu.Lock()
	failed := m.iceState == webrtc.ICEConnectionStateFailed
	m.iceTimer = nil
	m.mu.Unlock()
	if failed {
		m.fail(ErrICEFailed)
	}
}

func (m *Manager) onTrack(track *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
	if track.Kind() != webrtc.RTPCodecTypeAudio {
		return
	}
	remote := media.NewRemoteAudio(track.ID(), track)

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.remote = remote
	m.mu.Unlock()

	m.log.Debugf("remote audio track %s (%s)", track.ID(), track.Codec().MimeType)
	if m.handler.OnRemoteAudio != nil {
		go m.handler.OnRemoteAudio(remote)
	}
}

func (m *Manager) markConnected() {
	m.mu.Lock()
	if m.connected || m.closed {
		m.mu.Unlock()
		return
	}
	m.connected = true
	if m.connTimer != nil {
		m.connTimer.Stop()
	}
	m.mu.Unlock()

	m.log.Infof("peer-to-peer connected")
	if m.handler.OnConnected != nil {
		go m.handler.OnConnected()
	}
}

// fail reports the first failure of the attempt. Later ones are dropped.
func (m *Manager) fail(err error) {
	m.mu.Lock()
	if m.reported || m.closed {
		m.mu.Unlock()
		return
	}
	m.reported = true
	m.mu.Unlock()

	m.log.Warnf("attempt failed: %v", err)
	if m.handler.OnFailed != nil {
		go m.handler.OnFailed(err)
	}
}

// ---------------------------------------------------------------------------
// Control
// ---------------------------------------------------------------------------

// SetMuted enables or silences the microphone track.
func (m *Manager) SetMuted(muted bool) {
	m.mu.Lock()
	local := m.local
	m.mu.Unlock()
	if local != nil {
		local.SetEnabled(!muted)
	}
}

// LocalAudio returns the microphone track, or nil.
func (m *Manager) LocalAudio() *media.LocalAudio {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.local
}

// RemoteAudio returns the remote track once received, or nil.
func (m *Manager) RemoteAudio() *media.RemoteAudio {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.remote
}

// Cleanup removes the signaling handlers and releases the microphone and
// the PeerConnection. Safe to call more than once; later callbacks of the
// closed connection are ignored.
func (m *Manager) Cleanup() {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.closed = true
	offs, pc, local, remote := m.offs, m.pc, m.local, m.remote
	m.offs = nil
	for _, t := range []*time.Timer{m.connTimer, m.iceTimer} {
		if t != nil {
			t.Stop()
		}
	}
	m.mu.Unlock()

	for _, off := range offs {
		off()
	}
	if local != nil {
		local.Stop()
	}
	if remote != nil {
		remote.End()
	}
	if pc != nil {
		if err := pc.Close(); err != nil {
			m.log.Debugf("close peer connection: %v", err)
		}
	}
	m.log.Debugf("cleaned up")
}

func (m *Manager) peer() peerConn {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil
	}
	return m.pc
}

func (m *Manager) isClosed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closed
}
