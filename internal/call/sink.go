package call

import (
	"errors"
	"time"

	"github.com/1ureka/medcall/internal/media"
)

const sinkRetryStep = 100 * time.Millisecond

var errNoSink = errors.New("no audio sink")

// SetSink replaces the audio sink. Remote audio that is already available is
// attached to the new sink.
func (s *Session) SetSink(sink media.Sink) {
	s.mu.Lock()
	old := s.sink
	s.sink = sink
	s.attached = nil
	r := s.run
	s.mu.Unlock()

	if old != nil && old != sink {
		old.Detach()
	}
	if r != nil && sink != nil {
		go s.attachSink(r)
	}
}

// attachSink hands the remote audio of r to the sink, retrying until the
// SinkAttach timeout while the sink is missing or refuses it.
func (s *Session) attachSink(r *run) {
	deadline := time.Now().Add(s.opts.Timeouts.SinkAttach)
	for {
		done, err := s.tryAttach(r)
		if done {
			return
		}
		if !time.Now().Before(deadline) {
			r.log.Warnf("remote audio not rendered: %v", err)
			return
		}
		select {
		case <-time.After(sinkRetryStep):
		case <-r.ctx.Done():
			return
		}
	}
}

func (s *Session) tryAttach(r *run) (bool, error) {
	s.sinkMu.Lock()
	defer s.sinkMu.Unlock()

	s.mu.Lock()
	if s.run != r || r.ending.Load() || r.remote == nil || s.attached == r.remote {
		s.mu.Unlock()
		return true, nil
	}
	sink, remote := s.sink, r.remote
	s.mu.Unlock()

	if sink == nil {
		return false, errNoSink
	}
	if err := sink.Attach(remote); err != nil {
		return false, err
	}
	if err := sink.Play(); err != nil {
		return false, err
	}

	s.mu.Lock()
	if r.remote == remote {
		s.attached = remote
	}
	s.mu.Unlock()
	r.log.Debugf("remote audio %s attached", remote.ID())
	return true, nil
}
