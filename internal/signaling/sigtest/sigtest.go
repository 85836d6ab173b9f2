// Package sigtest provides an in-memory signaling.Channel for tests.
package sigtest

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/1ureka/medcall/internal/signaling"
)

// Responder answers one request event. The returned value is marshaled as
// the ack payload; a non-nil error becomes an error ack.
type Responder func(ctx context.Context, data json.RawMessage) (any, error)

// Message is one recorded outbound event or request.
type Message struct {
	Event string
	Data  json.RawMessage
}

type delivery struct {
	event string
	data  json.RawMessage
	hook  bool
	sync  chan struct{}
}

// Channel is a signaling.Channel whose server side is scripted by the test.
// Inbound events are delivered in order on a single goroutine, like the
// WebSocket client does.
type Channel struct {
	id string

	mu         sync.Mutex
	handlers   map[string]map[int]signaling.Handler
	hooks      map[int]func()
	seq        int
	responders map[string]Responder
	emitted    []Message
	requests   []Message
	peer       *Channel
	connectErr error
	closed     int

	queue chan delivery
}

var _ signaling.Channel = (*Channel)(nil)

// New creates a connected channel with the given socket identity.
func New(id string) *Channel {
	c := &Channel{
		id:         id,
		handlers:   make(map[string]map[int]signaling.Handler),
		hooks:      make(map[int]func()),
		responders: make(map[string]Responder),
		queue:      make(chan delivery, 256),
	}
	go c.loop()
	return c
}

// Pair creates two channels whose emitted events are delivered to each other.
func Pair(a, b string) (*Channel, *Channel) {
	ca, cb := New(a), New(b)
	ca.peer, cb.peer = cb, ca
	return ca, cb
}

func (c *Channel) loop() {
	for d := range c.queue {
		switch {
		case d.sync != nil:
			close(d.sync)
		case d.hook:
			for _, fn := range c.snapshotHooks() {
				fn()
			}
		default:
			for _, fn := range c.snapshotHandlers(d.event) {
				fn(d.data)
			}
		}
	}
}

func (c *Channel) snapshotHandlers(event string) []signaling.Handler {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]signaling.Handler, 0, len(c.handlers[event]))
	for _, fn := range c.handlers[event] {
		out = append(out, fn)
	}
	return out
}

func (c *Channel) snapshotHooks() []func() {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]func(), 0, len(c.hooks))
	for _, fn := range c.hooks {
		out = append(out, fn)
	}
	return out
}

// ---------------------------------------------------------------------------
// Test controls
// ---------------------------------------------------------------------------

// Respond installs the server side of a request event.
func (c *Channel) Respond(event string, fn Responder) {
	c.mu.Lock()
	c.responders[event] = fn
	c.mu.Unlock()
}

// Deliver queues an inbound event as if the server had sent it.
func (c *Channel) Deliver(event string, payload any) {
	data, err := json.Marshal(payload)
	if err != nil {
		panic(fmt.Sprintf("sigtest: marshal %s: %v", event, err))
	}
	c.queue <- delivery{event: event, data: data}
}

// Reconnect runs the reconnection hooks on the delivery goroutine.
func (c *Channel) Reconnect() {
	c.queue <- delivery{hook: true}
}

// Sync blocks until every event queued so far has been handled.
func (c *Channel) Sync() {
	done := make(chan struct{})
	c.queue <- delivery{sync: done}
	<-done
}

// SetConnectError makes WaitConnected fail with err (nil restores it).
func (c *Channel) SetConnectError(err error) {
	c.mu.Lock()
	c.connectErr = err
	c.mu.Unlock()
}

// Emitted returns the payloads emitted for event, oldest first.
func (c *Channel) Emitted(event string) []json.RawMessage {
	return filter(c, event, false)
}

// Requested returns the payloads of requests sent for event.
func (c *Channel) Requested(event string) []json.RawMessage {
	return filter(c, event, true)
}

func filter(c *Channel, event string, requests bool) []json.RawMessage {
	c.mu.Lock()
	defer c.mu.Unlock()
	src := c.emitted
	if requests {
		src = c.requests
	}
	var out []json.RawMessage
	for _, m := range src {
		if m.Event == event {
			out = append(out, m.Data)
		}
	}
	return out
}

// Handlers returns the number of handlers registered for event.
func (c *Channel) Handlers(event string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.handlers[event])
}

// Closes returns how many times Close was called.
func (c *Channel) Closes() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// ---------------------------------------------------------------------------
// signaling.Channel
// ---------------------------------------------------------------------------

// ID implements signaling.Channel.
func (c *Channel) ID() string { return c.id }

// Emit implements signaling.Channel.
func (c *Channel) Emit(event string, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	c.mu.Lock()
	c.emitted = append(c.emitted, Message{Event: event, Data: data})
	peer := c.peer
	c.mu.Unlock()

	if peer != nil {
		peer.queue <- delivery{event: event, data: data}
	}
	return nil
}

// Request implements signaling.Channel.
func (c *Channel) Request(ctx context.Context, event string, payload, reply any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	c.mu.Lock()
	c.requests = append(c.requests, Message{Event: event, Data: data})
	fn := c.responders[event]
	c.mu.Unlock()

	if fn == nil {
		return &signaling.AckError{Event: event, Message: "unsupported request"}
	}
	out, err := fn(ctx, data)
	if err != nil {
		if ctx.Err() != nil {
			return fmt.Errorf("%s: %w", event, signaling.ErrTimeout)
		}
		return &signaling.AckError{Event: event, Message: err.Error()}
	}
	if reply == nil || out == nil {
		return nil
	}
	raw, err := json.Marshal(out)
	if err != nil {
		return err
	}
	return json.Unmarshal(raw, reply)
}

// On implements signaling.Channel.
func (c *Channel) On(event string, fn signaling.Handler) func() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.seq++
	id := c.seq
	if c.handlers[event] == nil {
		c.handlers[event] = make(map[int]signaling.Handler)
	}
	c.handlers[event][id] = fn
	return func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		delete(c.handlers[event], id)
	}
}

// OnReconnect implements signaling.Channel.
func (c *Channel) OnReconnect(fn func()) func() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.seq++
	id := c.seq
	c.hooks[id] = fn
	return func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		delete(c.hooks, id)
	}
}

// WaitConnected implements signaling.Channel.
func (c *Channel) WaitConnected(ctx context.Context) error {
	c.mu.Lock()
	err := c.connectErr
	c.mu.Unlock()
	if err != nil {
		return err
	}
	return ctx.Err()
}

// Close implements signaling.Channel. It only counts calls so tests can
// assert ownership rules.
func (c *Channel) Close() error {
	c.mu.Lock()
	c.closed++
	c.mu.Unlock()
	return nil
}
