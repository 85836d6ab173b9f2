package p2p

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/pion/webrtc/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/1ureka/medcall/internal/config"
	"github.com/1ureka/medcall/internal/media"
	"github.com/1ureka/medcall/internal/protocol"
	"github.com/1ureka/medcall/internal/signaling/sigtest"
	rtc "github.com/1ureka/medcall/internal/webrtc"
)

const callID = "call-42"

// fakePeer records what the manager does and lets tests drive callbacks.
type fakePeer struct {
	mu         sync.Mutex
	offerSDP   string
	candidates []webrtc.ICECandidateInit
	remote     []webrtc.SessionDescription
	local      *webrtc.SessionDescription
	addErr     error
	remoteErr  error
	closed     int

	onCandidate func(*webrtc.ICECandidate)
	onConn      func(webrtc.PeerConnectionState)
	onICE       func(webrtc.ICEConnectionState)
}

func (p *fakePeer) AddTrack(webrtc.TrackLocal) (*webrtc.RTPSender, error) { return nil, nil }

func (p *fakePeer) CreateOffer(*webrtc.OfferOptions) (webrtc.SessionDescription, error) {
	return webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: p.offerSDP}, nil
}

func (p *fakePeer) CreateAnswer(*webrtc.AnswerOptions) (webrtc.SessionDescription, error) {
	return webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: "answer"}, nil
}

func (p *fakePeer) SetLocalDescription(d webrtc.SessionDescription) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.local = &d
	return nil
}

func (p *fakePeer) SetRemoteDescription(d webrtc.SessionDescription) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.remoteErr; err != nil {
		p.remoteErr = nil
		return err
	}
	p.remote = append(p.remote, d)
	return nil
}

func (p *fakePeer) LocalDescription() *webrtc.SessionDescription {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.local
}

func (p *fakePeer) AddICECandidate(c webrtc.ICECandidateInit) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.addErr != nil {
		return p.addErr
	}
	p.candidates = append(p.candidates, c)
	return nil
}

func (p *fakePeer) OnICECandidate(f func(*webrtc.ICECandidate))                 { p.onCandidate = f }
func (p *fakePeer) OnConnectionStateChange(f func(webrtc.PeerConnectionState))   { p.onConn = f }
func (p *fakePeer) OnICEConnectionStateChange(f func(webrtc.ICEConnectionState)) { p.onICE = f }
func (p *fakePeer) OnTrack(func(*webrtc.TrackRemote, *webrtc.RTPReceiver))       {}

func (p *fakePeer) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed++
	return nil
}

func (p *fakePeer) addedCandidates() []webrtc.ICECandidateInit {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]webrtc.ICECandidateInit(nil), p.candidates...)
}

// realOffer is an SDP produced by pion with a microphone track attached.
func realOffer(t *testing.T, withAudio bool) string {
	t.Helper()
	api, err := rtc.NewAPI()
	require.NoError(t, err)
	pc, err := rtc.NewPeerConnection(api, nil)
	require.NoError(t, err)
	defer pc.Close()
	if withAudio {
		track, err := webrtc.NewTrackLocalStaticSample(rtc.OpusCodec, "audio", "t")
		require.NoError(t, err)
		_, err = pc.AddTrack(track)
		require.NoError(t, err)
	} else {
		_, err = pc.CreateDataChannel("x", nil)
		require.NoError(t, err)
	}
	offer, err := pc.CreateOffer(nil)
	require.NoError(t, err)
	return offer.SDP
}

type recorder struct {
	connected atomic.Int32
	failures  atomic.Int32
	lastErr   atomic.Value
}

func (r *recorder) handler() Handler {
	return Handler{
		OnConnected: func() { r.connected.Add(1) },
		OnFailed: func(err error) {
			r.lastErr.Store(err)
			r.failures.Add(1)
		},
	}
}

func testTimeouts() config.Timeouts {
	t := config.Default().Timeouts
	t.ICEServers = 50 * time.Millisecond
	t.ICEFailureGrace = 50 * time.Millisecond
	t.P2PConnect = 5 * time.Second
	return t
}

// joinWatcher notes how many offer handlers exist when joined goes out.
type joinWatcher struct {
	*sigtest.Channel
	offerHandlers atomic.Int32
}

func (c *joinWatcher) Emit(event string, payload any) error {
	if event == protocol.EventJoined {
		c.offerHandlers.Store(int32(c.Handlers(protocol.EventOffer)))
	}
	return c.Channel.Emit(event, payload)
}

func newTestManager(t *testing.T, ch *sigtest.Channel, peer *fakePeer, rec *recorder) *Manager {
	t.Helper()
	m := NewManager(ch, &media.SilenceSource{}, Config{CallID: callID, Timeouts: testTimeouts()}, rec.handler())
	m.newPeer = func([]webrtc.ICEServer) (peerConn, error) { return peer, nil }
	t.Cleanup(m.Cleanup)
	return m
}

func TestInitiatorSendsOfferWithAudio(t *testing.T) {
	ch := sigtest.New("a")
	peer := &fakePeer{offerSDP: realOffer(t, true)}
	m := newTestManager(t, ch, peer, &recorder{})

	require.NoError(t, m.Initialize(context.Background(), true))

	offers := ch.Emitted(protocol.EventOffer)
	require.Len(t, offers, 1)
	var d protocol.Description
	require.NoError(t, json.Unmarshal(offers[0], &d))
	assert.Equal(t, callID, d.CallID)
	assert.Equal(t, webrtc.SDPTypeOffer, d.SDP.Type)
	assert.NotNil(t, m.LocalAudio())
}

func TestOfferWithoutAudioIsNotSent(t *testing.T) {
	ch := sigtest.New("a")
	peer := &fakePeer{offerSDP: realOffer(t, false)}
	m := newTestManager(t, ch, peer, &recorder{})

	err := m.Initialize(context.Background(), true)
	assert.ErrorIs(t, err, ErrNoAudioSection)
	assert.Empty(t, ch.Emitted(protocol.EventOffer))
	assert.Equal(t, 1, peer.closed, "failed initialization releases the connection")
	assert.Zero(t, ch.Handlers(protocol.EventAnswer))
}

func TestResponderAnswersOffer(t *testing.T) {
	ch := sigtest.New("b")
	peer := &fakePeer{}
	m := newTestManager(t, ch, peer, &recorder{})
	require.NoError(t, m.Initialize(context.Background(), false))
	assert.Empty(t, ch.Emitted(protocol.EventOffer))

	// Other calls are ignored.
	ch.Deliver(protocol.EventOffer, protocol.Description{CallID: "other", SDP: webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: "x"}})
	ch.Deliver(protocol.EventOffer, protocol.Description{CallID: callID, SDP: webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: "x"}})
	ch.Sync()

	answers := ch.Emitted(protocol.EventAnswer)
	require.Len(t, answers, 1)
	assert.Len(t, peer.remote, 1)
}

func TestResponderAnnouncesJoinOnceListening(t *testing.T) {
	ch := &joinWatcher{Channel: sigtest.New("b")}
	ch.offerHandlers.Store(-1)
	m := NewManager(ch, &media.SilenceSource{}, Config{CallID: callID, Timeouts: testTimeouts()}, Handler{})
	m.newPeer = func([]webrtc.ICEServer) (peerConn, error) { return &fakePeer{}, nil }
	defer m.Cleanup()

	require.NoError(t, m.Initialize(context.Background(), false))
	joined := ch.Emitted(protocol.EventJoined)
	require.Len(t, joined, 1)
	assert.JSONEq(t, `{"callId":"call-42"}`, string(joined[0]))
	assert.Equal(t, int32(1), ch.offerHandlers.Load(), "offer handler registered before joined")
}

func TestInitiatorDoesNotAnnounceJoin(t *testing.T) {
	ch := sigtest.New("a")
	m := newTestManager(t, ch, &fakePeer{offerSDP: realOffer(t, true)}, &recorder{})
	require.NoError(t, m.Initialize(context.Background(), true))
	assert.Empty(t, ch.Emitted(protocol.EventJoined))
}

func TestCandidatesQueuedUntilRemoteDescription(t *testing.T) {
	ch := sigtest.New("b")
	peer := &fakePeer{}
	m := newTestManager(t, ch, peer, &recorder{})
	require.NoError(t, m.Initialize(context.Background(), false))

	cand := &webrtc.ICECandidateInit{Candidate: "candidate:1 1 udp 2130706431 10.0.0.1 5000 typ host"}
	require.NoError(t, m.HandleICECandidate(cand))
	require.NoError(t, m.HandleICECandidate(nil))
	assert.Empty(t, peer.addedCandidates())

	require.NoError(t, m.HandleOffer(webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: "x"}))
	added := peer.addedCandidates()
	require.Len(t, added, 2)
	assert.Equal(t, cand.Candidate, added[0].Candidate)
	assert.Empty(t, added[1].Candidate, "end-of-candidates reaches the native queue")
}

func TestCandidateErrorPolicy(t *testing.T) {
	ch := sigtest.New("b")
	peer := &fakePeer{}
	m := newTestManager(t, ch, peer, &recorder{})
	require.NoError(t, m.Initialize(context.Background(), false))
	require.NoError(t, m.HandleOffer(webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: "x"}))

	peer.addErr = webrtc.ErrConnectionClosed
	assert.NoError(t, m.HandleICECandidate(&webrtc.ICECandidateInit{Candidate: "c"}))

	peer.addErr = errors.New("candidate already added")
	assert.NoError(t, m.HandleICECandidate(&webrtc.ICECandidateInit{Candidate: "c"}))

	peer.addErr = errors.New("malformed candidate")
	assert.Error(t, m.HandleICECandidate(&webrtc.ICECandidateInit{Candidate: "c"}))
}

func TestLocalCandidatesForwardedVerbatim(t *testing.T) {
	ch := sigtest.New("a")
	peer := &fakePeer{offerSDP: realOffer(t, true)}
	m := newTestManager(t, ch, peer, &recorder{})
	require.NoError(t, m.Initialize(context.Background(), true))

	peer.onCandidate(nil)
	sent := ch.Emitted(protocol.EventICECandidate)
	require.Len(t, sent, 1)
	assert.JSONEq(t, `{"callId":"call-42","candidate":null}`, string(sent[0]))
}

func TestJoinedResendsUnansweredOffer(t *testing.T) {
	ch := sigtest.New("a")
	peer := &fakePeer{offerSDP: realOffer(t, true)}
	m := newTestManager(t, ch, peer, &recorder{})
	require.NoError(t, m.Initialize(context.Background(), true))

	ch.Deliver(protocol.EventJoined, protocol.CallRef{CallID: callID})
	ch.Sync()
	assert.Len(t, ch.Emitted(protocol.EventOffer), 2)

	require.NoError(t, m.HandleAnswer(webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: "answer"}))
	require.NoError(t, m.HandleAnswer(webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: "answer"}))
	assert.Len(t, peer.remote, 1, "duplicate answers are ignored")

	ch.Deliver(protocol.EventJoined, protocol.CallRef{CallID: callID})
	ch.Sync()
	assert.Len(t, ch.Emitted(protocol.EventOffer), 2)
}

func TestRejectedAnswerKeepsOfferPending(t *testing.T) {
	ch := sigtest.New("a")
	peer := &fakePeer{offerSDP: realOffer(t, true)}
	m := newTestManager(t, ch, peer, &recorder{})
	require.NoError(t, m.Initialize(context.Background(), true))

	peer.mu.Lock()
	peer.remoteErr = errors.New("malformed answer")
	peer.mu.Unlock()
	assert.Error(t, m.HandleAnswer(webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: "bad"}))

	ch.Deliver(protocol.EventJoined, protocol.CallRef{CallID: callID})
	ch.Sync()
	assert.Len(t, ch.Emitted(protocol.EventOffer), 2, "offer is still unanswered")

	require.NoError(t, m.HandleAnswer(webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: "answer"}))
	assert.Len(t, peer.remote, 1)

	ch.Deliver(protocol.EventJoined, protocol.CallRef{CallID: callID})
	ch.Sync()
	assert.Len(t, ch.Emitted(protocol.EventOffer), 2)
}

func TestFailureReportedOnce(t *testing.T) {
	ch := sigtest.New("a")
	peer := &fakePeer{offerSDP: realOffer(t, true)}
	rec := &recorder{}
	m := newTestManager(t, ch, peer, rec)
	require.NoError(t, m.Initialize(context.Background(), true))

	peer.onICE(webrtc.ICEConnectionStateFailed)
	peer.onConn(webrtc.PeerConnectionStateFailed)
	peer.onConn(webrtc.PeerConnectionStateDisconnected)

	require.Eventually(t, func() bool { return rec.failures.Load() == 1 }, time.Second, 5*time.Millisecond)
	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, int32(1), rec.failures.Load())
	assert.ErrorIs(t, rec.lastErr.Load().(error), ErrConnectionFailed)
}

func TestICEFailureNeedsGracePeriod(t *testing.T) {
	ch := sigtest.New("a")
	peer := &fakePeer{offerSDP: realOffer(t, true)}
	rec := &recorder{}
	m := newTestManager(t, ch, peer, rec)
	require.NoError(t, m.Initialize(context.Background(), true))

	peer.onICE(webrtc.ICEConnectionStateFailed)
	peer.onICE(webrtc.ICEConnectionStateChecking)
	time.Sleep(150 * time.Millisecond)
	assert.Zero(t, rec.failures.Load(), "recovered ICE is not a failure")

	peer.onICE(webrtc.ICEConnectionStateFailed)
	require.Eventually(t, func() bool { return rec.failures.Load() == 1 }, time.Second, 5*time.Millisecond)
	assert.ErrorIs(t, rec.lastErr.Load().(error), ErrICEFailed)
}

func TestConnectTimeout(t *testing.T) {
	ch := sigtest.New("a")
	peer := &fakePeer{offerSDP: realOffer(t, true)}
	rec := &recorder{}
	m := NewManager(ch, &media.SilenceSource{}, Config{CallID: callID, Timeouts: testTimeouts()}, rec.handler())
	m.cfg.Timeouts.P2PConnect = 50 * time.Millisecond
	m.newPeer = func([]webrtc.ICEServer) (peerConn, error) { return peer, nil }
	defer m.Cleanup()

	require.NoError(t, m.Initialize(context.Background(), true))
	require.Eventually(t, func() bool { return rec.failures.Load() == 1 }, time.Second, 5*time.Millisecond)
	assert.ErrorIs(t, rec.lastErr.Load().(error), ErrConnectTimeout)
}

func TestConnectTimeoutCoversSetup(t *testing.T) {
	ch := sigtest.New("a")
	release := make(chan struct{})
	ch.Respond(protocol.EventGetICE, func(ctx context.Context, _ json.RawMessage) (any, error) {
		select {
		case <-release:
		case <-ctx.Done():
		}
		return protocol.ICEServersReply{}, nil
	})
	peer := &fakePeer{offerSDP: realOffer(t, true)}
	rec := &recorder{}
	m := NewManager(ch, &media.SilenceSource{}, Config{CallID: callID, Timeouts: testTimeouts()}, rec.handler())
	m.cfg.Timeouts.ICEServers = 5 * time.Second
	m.cfg.Timeouts.P2PConnect = 50 * time.Millisecond
	m.newPeer = func([]webrtc.ICEServer) (peerConn, error) { return peer, nil }
	defer m.Cleanup()

	done := make(chan error, 1)
	go func() { done <- m.Initialize(context.Background(), true) }()

	require.Eventually(t, func() bool { return rec.failures.Load() == 1 }, time.Second, 5*time.Millisecond)
	assert.ErrorIs(t, rec.lastErr.Load().(error), ErrConnectTimeout)
	select {
	case <-done:
		t.Fatal("initialization finished before the ICE server lookup was answered")
	default:
	}

	close(release)
	require.NoError(t, <-done)
	assert.Equal(t, int32(1), rec.failures.Load())
}

func TestConnectedStopsTimeout(t *testing.T) {
	ch := sigtest.New("a")
	peer := &fakePeer{offerSDP: realOffer(t, true)}
	rec := &recorder{}
	m := NewManager(ch, &media.SilenceSource{}, Config{CallID: callID, Timeouts: testTimeouts()}, rec.handler())
	m.cfg.Timeouts.P2PConnect = 80 * time.Millisecond
	m.newPeer = func([]webrtc.ICEServer) (peerConn, error) { return peer, nil }
	defer m.Cleanup()

	require.NoError(t, m.Initialize(context.Background(), true))
	peer.onConn(webrtc.PeerConnectionStateConnected)
	peer.onConn(webrtc.PeerConnectionStateConnected)

	require.Eventually(t, func() bool { return rec.connected.Load() == 1 }, time.Second, 5*time.Millisecond)
	time.Sleep(150 * time.Millisecond)
	assert.Zero(t, rec.failures.Load())
	assert.Equal(t, int32(1), rec.connected.Load())
}

func TestCleanupIsIdempotentAndSilencesCallbacks(t *testing.T) {
	ch := sigtest.New("a")
	peer := &fakePeer{offerSDP: realOffer(t, true)}
	rec := &recorder{}
	m := newTestManager(t, ch, peer, rec)
	require.NoError(t, m.Initialize(context.Background(), true))
	local := m.LocalAudio()

	m.Cleanup()
	m.Cleanup()
	assert.Equal(t, 1, peer.closed)
	assert.False(t, local.Ready())
	for _, ev := range []string{protocol.EventOffer, protocol.EventAnswer, protocol.EventICECandidate, protocol.EventJoined} {
		assert.Zero(t, ch.Handlers(ev), ev)
	}

	peer.onConn(webrtc.PeerConnectionStateFailed)
	time.Sleep(50 * time.Millisecond)
	assert.Zero(t, rec.failures.Load())
}

func TestMicrophoneErrorAbortsInitialize(t *testing.T) {
	ch := sigtest.New("a")
	peer := &fakePeer{offerSDP: realOffer(t, true)}
	m := NewManager(ch, &media.SilenceSource{Deny: true}, Config{CallID: callID, Timeouts: testTimeouts()}, Handler{})
	m.newPeer = func([]webrtc.ICEServer) (peerConn, error) { return peer, nil }

	err := m.Initialize(context.Background(), true)
	assert.ErrorIs(t, err, media.ErrPermissionDenied)
	assert.Equal(t, 1, peer.closed)
}

func TestSetMuted(t *testing.T) {
	ch := sigtest.New("a")
	peer := &fakePeer{offerSDP: realOffer(t, true)}
	m := newTestManager(t, ch, peer, &recorder{})
	m.SetMuted(true) // before initialization: no-op
	require.NoError(t, m.Initialize(context.Background(), true))

	m.SetMuted(true)
	assert.False(t, m.LocalAudio().Enabled())
	m.SetMuted(false)
	assert.True(t, m.LocalAudio().Enabled())
}
