package signaling

import (
	"encoding/json"
	"sync"
)

// dispatchQueueSize bounds the number of inbound events waiting for handlers.
const dispatchQueueSize = 256

type inbound struct {
	event string
	data  json.RawMessage
}

// dispatcher maintains the event → handlers route table and runs handlers
// on a single goroutine, in arrival order. Handlers therefore never run on
// the read loop and may issue requests of their own.
type dispatcher struct {
	mu     sync.Mutex
	routes map[string]map[uint64]Handler
	seq    uint64

	queue chan inbound
	done  chan struct{}
	once  sync.Once
}

func newDispatcher() *dispatcher {
	d := &dispatcher{
		routes: make(map[string]map[uint64]Handler),
		queue:  make(chan inbound, dispatchQueueSize),
		done:   make(chan struct{}),
	}
	go d.loop()
	return d
}

// register adds fn for event and returns its removal function.
func (d *dispatcher) register(event string, fn Handler) func() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.seq++
	id := d.seq
	if d.routes[event] == nil {
		d.routes[event] = make(map[uint64]Handler)
	}
	d.routes[event][id] = fn

	return func() {
		d.mu.Lock()
		defer d.mu.Unlock()
		delete(d.routes[event], id)
		if len(d.routes[event]) == 0 {
			delete(d.routes, event)
		}
	}
}

// count returns the number of handlers registered for event.
func (d *dispatcher) count(event string) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.routes[event])
}

// enqueue schedules an inbound event. It blocks when the queue is full and
// drops the event once the dispatcher is stopped.
func (d *dispatcher) enqueue(event string, data json.RawMessage) {
	select {
	case d.queue <- inbound{event: event, data: data}:
	case <-d.done:
	}
}

func (d *dispatcher) loop() {
	for {
		select {
		case in := <-d.queue:
			for _, fn := range d.handlers(in.event) {
				fn(in.data)
			}
		case <-d.done:
			return
		}
	}
}

func (d *dispatcher) handlers(event string) []Handler {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]Handler, 0, len(d.routes[event]))
	for _, fn := range d.routes[event] {
		out = append(out, fn)
	}
	return out
}

func (d *dispatcher) stop() {
	d.once.Do(func() { close(d.done) })
}
