package call

import (
	"context"
	"errors"
)

// fallback moves r from P2P onto the SFU. It runs at most once per call;
// later P2P failures are ignored.
func (s *Session) fallback(ctx context.Context, r *run, cause error) error {
	if s.stale(r) || r.ending.Load() {
		return ErrEnded
	}
	if !r.fallbackAttempted.CompareAndSwap(false, true) {
		return nil
	}
	r.switching.Store(true)
	defer r.switching.Store(false)

	r.log.Warnf("P2P failed, switching to SFU: %v", cause)

	s.mu.Lock()
	p := r.p2p
	r.p2p, r.remote = nil, nil
	from := s.snap.Status
	s.snap.Mode = ModeSFU
	snap := s.snap
	s.mu.Unlock()

	if p != nil {
		p.Cleanup()
	}
	s.emit(Event{Previous: from, Snapshot: snap})

	if err := s.startSFU(ctx, r); err != nil {
		if r.ending.Load() || errors.Is(err, ErrEnded) {
			return ErrEnded
		}
		return s.abort(r, "connection lost", errors.Join(cause, err))
	}
	return nil
}
