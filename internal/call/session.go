package call

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/1ureka/medcall/internal/config"
	"github.com/1ureka/medcall/internal/media"
	"github.com/1ureka/medcall/internal/protocol"
	"github.com/1ureka/medcall/internal/signaling"
	"github.com/1ureka/medcall/internal/util"
)

// run is the per-call state. Callbacks hold the run they were created for
// and are dropped once it is no longer the session's current run.
type run struct {
	callID string
	role   config.Role
	log    util.Logger

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}

	ending            atomic.Bool
	fallbackAttempted atomic.Bool
	switching         atomic.Bool

	// guarded by Session.mu
	joined bool
	p2p    P2PTransport
	sfu    SFUTransport
	offs   []func()
	remote *media.RemoteAudio
}

// Session is the call session controller. A Session handles one call at a
// time; initializing it with a new call ID ends the previous call.
type Session struct {
	ch   signaling.Channel
	opts Options
	log  util.Logger

	mu       sync.Mutex
	run      *run
	snap     Snapshot
	sink     media.Sink
	attached *media.RemoteAudio

	sinkMu sync.Mutex

	teardowns atomic.Int32

	emitMu sync.Mutex
	subs   map[int]func(Event)
	subSeq int
}

// New creates an idle session on ch.
func New(ch signaling.Channel, opts Options) *Session {
	opts.applyDefaults(ch)
	return &Session{
		ch:   ch,
		opts: opts,
		log:  util.NewLogger("call", ""),
		snap: Snapshot{Status: StatusIdle, Mode: ModeP2P},
		sink: opts.Sink,
		subs: make(map[int]func(Event)),
	}
}

// Snapshot returns a copy of the current state.
func (s *Session) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snap
}

// Done is closed when the current call has been torn down. Before the
// first Initialize it returns nil.
func (s *Session) Done() <-chan struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.run == nil {
		return nil
	}
	return s.run.done
}

// ---------------------------------------------------------------------------
// Initialize
// ---------------------------------------------------------------------------

// Initialize starts a call: it checks the microphone, waits for signaling,
// joins the call room and starts the P2P attempt (or the SFU attempt when
// PreferSFU is set). It returns once the attempt is running; the outcome is
// visible through Snapshot and Subscribe. Any error leaves the session in
// StatusError with every resource released.
func (s *Session) Initialize(ctx context.Context, callID string, role config.Role) error {
	if callID == "" {
		s.mu.Lock()
		if s.run == nil || s.snap.Status.Terminal() {
			from := s.snap.Status
			s.snap = Snapshot{Status: StatusError, Mode: ModeP2P, Role: role, Message: "missing call identity"}
			snap := s.snap
			s.mu.Unlock()
			s.emit(Event{Previous: from, Snapshot: snap})
		} else {
			s.mu.Unlock()
		}
		return ErrMissingCallID
	}

	s.mu.Lock()
	prev := s.run
	if prev != nil && prev.callID == callID {
		s.mu.Unlock()
		return ErrAlreadyInitialized
	}
	s.mu.Unlock()
	if prev != nil {
		s.log.Infof("replacing call %s", util.CallTag(prev.callID))
		s.end(prev, StatusEnded, "replaced by a new call", true)
	}

	r := &run{callID: callID, role: role, log: util.NewLogger("call", callID), done: make(chan struct{})}
	r.ctx, r.cancel = context.WithCancel(context.Background())
	mode := ModeP2P
	if s.opts.PreferSFU {
		mode = ModeSFU
	}
	s.mu.Lock()
	s.run = r
	s.snap = Snapshot{CallID: callID, Role: role, Status: StatusIdle, Mode: mode}
	s.attached = nil
	s.mu.Unlock()

	// Blocking steps stop when the call ends.
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	stop := context.AfterFunc(r.ctx, cancel)
	defer stop()

	s.transition(r, StatusConnecting, "")

	if err := s.opts.Source.RequestPermission(ctx); err != nil {
		return s.abort(r, permissionMessage(err), err)
	}

	waitCtx, waitCancel := context.WithTimeout(ctx, s.opts.Timeouts.Reconnect)
	err := s.ch.WaitConnected(waitCtx)
	waitCancel()
	if err != nil {
		return s.abort(r, "signaling unavailable", err)
	}

	s.listen(r)

	if err := s.joinRoom(ctx, r); err != nil {
		return s.abort(r, "could not join the call room", err)
	}

	if mode == ModeSFU {
		if err := s.startSFU(ctx, r); err != nil {
			if r.ending.Load() {
				return ErrEnded
			}
			return s.abort(r, "connection lost", err)
		}
		return nil
	}
	return s.startP2P(ctx, r)
}

func permissionMessage(err error) string {
	switch {
	case errors.Is(err, media.ErrPermissionDenied):
		return "microphone permission denied"
	case errors.Is(err, media.ErrNoDevice):
		return "no microphone available"
	}
	return fmt.Sprintf("microphone unavailable: %v", err)
}

// listen registers the termination handlers and the reconnection hook.
func (s *Session) listen(r *run) {
	offs := make([]func(), 0, len(protocol.TerminationEvents)+1)
	for _, event := range protocol.TerminationEvents {
		offs = append(offs, s.ch.On(event, s.onTermination(r, event)))
	}
	offs = append(offs, s.ch.OnReconnect(func() { s.rejoin(r) }))

	s.mu.Lock()
	r.offs = append(r.offs, offs...)
	s.mu.Unlock()
}

// joinRoom registers this socket in the call room. A failure is retried
// once after waiting for the channel to reconnect.
func (s *Session) joinRoom(ctx context.Context, r *run) error {
	err := s.requestJoin(ctx, r)
	if err == nil {
		return nil
	}
	if ctx.Err() != nil {
		return err
	}
	r.log.Warnf("join failed, retrying after reconnect: %v", err)

	waitCtx, cancel := context.WithTimeout(ctx, s.opts.Timeouts.Reconnect)
	werr := s.ch.WaitConnected(waitCtx)
	cancel()
	if werr != nil {
		return errors.Join(err, werr)
	}
	return s.requestJoin(ctx, r)
}

func (s *Session) requestJoin(ctx context.Context, r *run) error {
	ctx, cancel := context.WithTimeout(ctx, s.opts.Timeouts.JoinRoom)
	defer cancel()

	var ack protocol.Ack
	if err := s.ch.Request(ctx, protocol.EventJoinRoom, protocol.CallRef{CallID: r.callID}, &ack); err != nil {
		return err
	}
	s.mu.Lock()
	r.joined = true
	s.mu.Unlock()
	r.log.Debugf("joined room")
	return nil
}

// rejoin restores room membership after the signaling channel reconnects.
func (s *Session) rejoin(r *run) {
	if s.stale(r) || r.ending.Load() {
		return
	}
	if err := s.requestJoin(r.ctx, r); err != nil {
		r.log.Warnf("rejoin after reconnect failed: %v", err)
	}
}

// ---------------------------------------------------------------------------
// Transport attempts
// ---------------------------------------------------------------------------

func (s *Session) startP2P(ctx context.Context, r *run) error {
	p := s.opts.NewP2P(r.callID, Callbacks{
		OnConnected:   func() { s.onConnected(r, ModeP2P) },
		OnFailed:      func(err error) { s.onP2PFailed(r, err) },
		OnRemoteAudio: func(remote *media.RemoteAudio) { s.onRemoteAudio(r, ModeP2P, remote) },
	})

	s.mu.Lock()
	if s.run != r || r.ending.Load() {
		s.mu.Unlock()
		return ErrEnded
	}
	r.p2p = p
	s.mu.Unlock()

	err := p.Initialize(ctx, r.role == config.RoleInitiator)
	switch {
	case r.ending.Load():
		p.Cleanup()
		return ErrEnded
	case err != nil:
		r.log.Warnf("P2P setup failed: %v", err)
		return s.fallback(ctx, r, err)
	}
	return nil
}

func (s *Session) startSFU(ctx context.Context, r *run) error {
	f := s.opts.NewSFU(r.callID, Callbacks{
		OnConnected:   func() { s.onConnected(r, ModeSFU) },
		OnFailed:      func(err error) { s.abort(r, "connection lost", err) },
		OnRemoteAudio: func(remote *media.RemoteAudio) { s.onRemoteAudio(r, ModeSFU, remote) },
	})

	s.mu.Lock()
	if s.run != r || r.ending.Load() {
		s.mu.Unlock()
		return ErrEnded
	}
	r.sfu = f
	s.mu.Unlock()

	err := f.Initialize(ctx, r.callID)
	if r.ending.Load() {
		f.Cleanup()
		return ErrEnded
	}
	if err != nil {
		s.mu.Lock()
		if r.sfu == f {
			r.sfu = nil
		}
		s.mu.Unlock()
		f.Cleanup()
		return err
	}
	// A toggle during Initialize may have reached f before its microphone
	// was open.
	s.mu.Lock()
	muted := s.snap.Muted
	s.mu.Unlock()
	f.SetMuted(muted)
	return nil
}

func (s *Session) onConnected(r *run, mode Mode) {
	if s.stale(r) || r.ending.Load() {
		return
	}
	if mode == ModeP2P && r.switching.Load() {
		return
	}
	s.mu.Lock()
	current := s.snap.Mode
	s.mu.Unlock()
	if mode != current {
		r.log.Debugf("ignoring %s connected: call is on %s", mode, current)
		return
	}
	if s.transition(r, StatusConnected, "") {
		go s.attachSink(r)
	}
}

func (s *Session) onP2PFailed(r *run, err error) {
	if s.stale(r) || r.ending.Load() || r.switching.Load() {
		return
	}
	_ = s.fallback(r.ctx, r, err)
}

func (s *Session) onRemoteAudio(r *run, mode Mode, remote *media.RemoteAudio) {
	if s.stale(r) || r.ending.Load() {
		return
	}
	if mode == ModeP2P && r.switching.Load() {
		return
	}
	s.mu.Lock()
	if s.snap.Mode != mode {
		s.mu.Unlock()
		return
	}
	r.remote = remote
	s.mu.Unlock()

	r.log.Debugf("remote audio %s available over %s", remote.ID(), mode)
	go s.attachSink(r)
}

// ---------------------------------------------------------------------------
// Termination
// ---------------------------------------------------------------------------

var terminationReasons = map[string]string{
	protocol.EventEnd:      "the other party hung up",
	protocol.EventEnded:    "call ended",
	protocol.EventDeclined: "call declined",
	protocol.EventForceEnd: "call ended by the server",
}

func (s *Session) onTermination(r *run, event string) signaling.Handler {
	return func(data json.RawMessage) {
		var ref protocol.CallRef
		_ = protocol.Unmarshal(data, &ref)
		if !s.matches(r, ref.CallID) {
			r.log.Debugf("ignoring %s for call %q", event, ref.CallID)
			return
		}
		r.log.Infof("remote termination: %s", event)
		s.end(r, StatusEnded, terminationReasons[event], false)
	}
}

// matches decides whether a termination event applies to r. An event that
// names no call is accepted while a call is active.
func (s *Session) matches(r *run, callID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.run != r {
		return false
	}
	if callID == "" {
		return s.snap.Status.Active()
	}
	return callID == r.callID
}

// EndCall hangs up. Only the first call has an effect.
func (s *Session) EndCall() {
	s.mu.Lock()
	r := s.run
	s.mu.Unlock()
	if r == nil {
		return
	}
	s.end(r, StatusEnded, "call ended", true)
}

// end finishes r once: it notifies the peer if asked, moves to status and
// releases every resource.
func (s *Session) end(r *run, status Status, msg string, notifyPeer bool) {
	if !r.ending.CompareAndSwap(false, true) {
		return
	}
	s.mu.Lock()
	joined := r.joined
	s.mu.Unlock()

	if notifyPeer && joined {
		if err := s.ch.Emit(protocol.EventEnd, protocol.CallRef{CallID: r.callID}); err != nil {
			r.log.Debugf("failed to notify peer: %v", err)
		}
	}
	s.transition(r, status, msg)
	s.teardown(r)
}

// abort ends r in StatusError and returns err for Initialize to report.
func (s *Session) abort(r *run, msg string, err error) error {
	if r.ending.Load() {
		return ErrEnded
	}
	r.log.Errorf("%s: %v", msg, err)
	s.end(r, StatusError, msg, true)
	return err
}

func (s *Session) teardown(r *run) {
	s.teardowns.Add(1)
	r.cancel()

	s.mu.Lock()
	p, f, offs, joined := r.p2p, r.sfu, r.offs, r.joined
	r.p2p, r.sfu, r.offs, r.remote = nil, nil, nil, nil
	sink := s.sink
	if s.run == r {
		s.attached = nil
	}
	s.mu.Unlock()

	for _, off := range offs {
		off()
	}
	if p != nil {
		p.Cleanup()
	}
	if f != nil {
		f.Cleanup()
	}
	if sink != nil {
		sink.Detach()
	}

	if joined {
		ctx, cancel := context.WithTimeout(context.Background(), s.opts.Timeouts.JoinRoom)
		if err := s.ch.Request(ctx, protocol.EventLeaveRoom, protocol.CallRef{CallID: r.callID}, nil); err != nil {
			r.log.Debugf("leave room: %v", err)
		}
		cancel()
	}
	if s.opts.OwnsChannel {
		if err := s.ch.Close(); err != nil {
			r.log.Debugf("close signaling: %v", err)
		}
	}
	close(r.done)
	r.log.Infof("call torn down")
}

// ---------------------------------------------------------------------------
// Controls
// ---------------------------------------------------------------------------

// ToggleMute flips the microphone of the active transport and returns the
// new muted state.
func (s *Session) ToggleMute() (bool, error) {
	s.mu.Lock()
	r := s.run
	if r == nil || s.snap.Status != StatusConnected {
		s.mu.Unlock()
		return false, ErrNotConnected
	}
	s.snap.Muted = !s.snap.Muted
	muted, mode, p, f := s.snap.Muted, s.snap.Mode, r.p2p, r.sfu
	snap := s.snap
	s.mu.Unlock()

	switch {
	case mode == ModeSFU && f != nil:
		f.SetMuted(muted)
	case mode == ModeP2P && p != nil:
		p.SetMuted(muted)
	}
	s.emit(Event{Previous: snap.Status, Snapshot: snap})
	return muted, nil
}

// ---------------------------------------------------------------------------
// State
// ---------------------------------------------------------------------------

func (s *Session) stale(r *run) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.run != r
}

// transition moves the current run to status to if the state machine
// allows it.
func (s *Session) transition(r *run, to Status, msg string) bool {
	s.mu.Lock()
	if s.run != r {
		s.mu.Unlock()
		return false
	}
	from := s.snap.Status
	if !from.CanTransition(to) {
		s.mu.Unlock()
		return false
	}
	s.snap.Status = to
	if msg != "" {
		s.snap.Message = msg
	}
	if to == StatusConnected && s.snap.StartedAt.IsZero() {
		s.snap.StartedAt = time.Now()
	}
	snap := s.snap
	s.mu.Unlock()

	r.log.Infof("status %s → %s (%s)", from, to, snap.Mode)
	s.emit(Event{Previous: from, Snapshot: snap})
	return true
}
