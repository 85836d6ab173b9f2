package call

// Subscribe registers fn for every state change and returns a function that
// removes it. fn runs on the goroutine that caused the change and must not
// block.
func (s *Session) Subscribe(fn func(Event)) (cancel func()) {
	s.emitMu.Lock()
	defer s.emitMu.Unlock()
	s.subSeq++
	id := s.subSeq
	s.subs[id] = fn
	return func() {
		s.emitMu.Lock()
		delete(s.subs, id)
		s.emitMu.Unlock()
	}
}

func (s *Session) emit(ev Event) {
	s.emitMu.Lock()
	fns := make([]func(Event), 0, len(s.subs))
	for _, fn := range s.subs {
		fns = append(fns, fn)
	}
	s.emitMu.Unlock()

	for _, fn := range fns {
		fn(ev)
	}
}
