package signaling

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/1ureka/medcall/internal/protocol"
	"github.com/1ureka/medcall/internal/util"
)

const (
	defaultRequestTimeout = 10 * time.Second
	minBackoff            = 250 * time.Millisecond
	maxBackoff            = 5 * time.Second
)

// Option customizes a Client.
type Option func(*Client)

// WithID sets the socket identity instead of a random UUID.
func WithID(id string) Option { return func(c *Client) { c.id = id } }

// WithToken sets the bearer token presented on every (re)connect.
func WithToken(token string) Option { return func(c *Client) { c.token = token } }

// WithRequestTimeout bounds requests whose context carries no deadline.
func WithRequestTimeout(d time.Duration) Option {
	return func(c *Client) { c.reqTimeout = d }
}

// WithBackoff sets the reconnection delay range.
func WithBackoff(min, max time.Duration) Option {
	return func(c *Client) { c.minBackoff, c.maxBackoff = min, max }
}

type ackResult struct {
	frame *protocol.Frame
	err   error
}

// Client is a reconnecting WebSocket signaling channel.
type Client struct {
	url        string
	id         string
	token      string
	dialer     *websocket.Dialer
	reqTimeout time.Duration
	minBackoff time.Duration
	maxBackoff time.Duration

	dispatcher *dispatcher
	nextID     atomic.Uint64

	mu      sync.Mutex
	conn    *sender       // nil while disconnected
	ready   chan struct{} // closed while connected
	pending map[uint64]chan ackResult
	hooks   map[uint64]func()
	hookSeq uint64
	closed  bool

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
}

var _ Channel = (*Client)(nil)

// Dial connects to the signaling server at url and keeps the connection
// alive until Close. The first connection attempt is synchronous so that
// configuration errors surface immediately.
func Dial(ctx context.Context, url string, opts ...Option) (*Client, error) {
	c := &Client{
		url:        url,
		id:         uuid.NewString(),
		dialer:     websocket.DefaultDialer,
		reqTimeout: defaultRequestTimeout,
		minBackoff: minBackoff,
		maxBackoff: maxBackoff,
		ready:      make(chan struct{}),
		pending:    make(map[uint64]chan ackResult),
		hooks:      make(map[uint64]func()),
		done:       make(chan struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}

	conn, err := dial(ctx, c.dialer, c.url, c.id, c.token)
	if err != nil {
		return nil, err
	}

	c.ctx, c.cancel = context.WithCancel(context.Background())
	c.dispatcher = newDispatcher()
	c.attach(conn)
	go c.run(conn)

	util.LogDebug("signaling connected: %s (id=%s)", url, c.id)
	return c, nil
}

// ID returns the socket identity.
func (c *Client) ID() string { return c.id }

// ---------------------------------------------------------------------------
// Connection lifecycle
// ---------------------------------------------------------------------------

// run owns the connection: it reads until the socket fails, then redials
// with exponential backoff until the client is closed.
func (c *Client) run(conn *websocket.Conn) {
	defer close(c.done)

	for {
		err := watch(conn, c.route)
		c.detach(conn)
		if c.ctx.Err() != nil {
			return
		}
		util.LogWarning("signaling connection lost: %v", err)

		conn = c.redial()
		if conn == nil {
			return
		}
		if !c.attach(conn) {
			conn.Close()
			return
		}
		util.LogInfo("signaling reconnected")
		go c.fireReconnect()
	}
}

func (c *Client) redial() *websocket.Conn {
	delay := c.minBackoff
	for {
		select {
		case <-time.After(delay):
		case <-c.ctx.Done():
			return nil
		}

		conn, err := dial(c.ctx, c.dialer, c.url, c.id, c.token)
		if err == nil {
			return conn
		}
		if c.ctx.Err() != nil {
			return nil
		}
		util.LogDebug("signaling redial failed: %v", err)

		delay *= 2
		if delay > c.maxBackoff {
			delay = c.maxBackoff
		}
	}
}

// attach publishes conn as the current connection. It refuses once the
// client is closed.
func (c *Client) attach(conn *websocket.Conn) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return false
	}
	c.conn = &sender{conn: conn}
	close(c.ready)
	return true
}

// detach drops the current connection and fails every in-flight request.
func (c *Client) detach(conn *websocket.Conn) {
	c.mu.Lock()
	c.conn = nil
	c.ready = make(chan struct{})
	pending := c.pending
	c.pending = make(map[uint64]chan ackResult)
	c.mu.Unlock()

	for _, ch := range pending {
		ch <- ackResult{err: ErrDisconnected}
	}
	conn.Close()
}

func (c *Client) fireReconnect() {
	c.mu.Lock()
	hooks := make([]func(), 0, len(c.hooks))
	for _, fn := range c.hooks {
		hooks = append(hooks, fn)
	}
	c.mu.Unlock()

	for _, fn := range hooks {
		fn()
	}
}

// route handles one inbound frame on the read loop.
func (c *Client) route(f *protocol.Frame) {
	switch f.Kind {
	case protocol.KindAck:
		c.mu.Lock()
		ch, ok := c.pending[f.ID]
		delete(c.pending, f.ID)
		c.mu.Unlock()
		if ok {
			ch <- ackResult{frame: f}
		}

	case protocol.KindEvent:
		c.dispatcher.enqueue(f.Event, f.Data)

	case protocol.KindRequest:
		// Server-initiated requests are not part of the call protocol.
		nack, _ := protocol.NewAck(f.ID, nil, fmt.Errorf("unsupported request %q", f.Event))
		if s := c.current(); s != nil {
			_ = s.send(nack)
		}
	}
}

func (c *Client) current() *sender {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn
}

// WaitConnected blocks until a connection is up, ctx is done or the client
// is closed.
func (c *Client) WaitConnected(ctx context.Context) error {
	c.mu.Lock()
	ready, closed := c.ready, c.closed
	c.mu.Unlock()
	if closed {
		return ErrClosed
	}

	select {
	case <-ready:
		return nil
	case <-c.done:
		return ErrClosed
	case <-ctx.Done():
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return fmt.Errorf("waiting for signaling connection: %w", ErrTimeout)
		}
		return ctx.Err()
	}
}

// OnReconnect registers fn to run after every reconnection.
func (c *Client) OnReconnect(fn func()) func() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.hookSeq++
	id := c.hookSeq
	c.hooks[id] = fn
	return func() {
		c.mu.Lock()
		delete(c.hooks, id)
		c.mu.Unlock()
	}
}

// Close shuts the connection down and stops reconnecting. Safe to call
// more than once.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	s := c.conn
	c.mu.Unlock()

	c.cancel()
	var err error
	if s != nil {
		err = s.close()
	}
	<-c.done
	c.dispatcher.stop()
	return err
}

// ---------------------------------------------------------------------------
// Messaging
// ---------------------------------------------------------------------------

// On registers fn for event.
func (c *Client) On(event string, fn Handler) func() {
	return c.dispatcher.register(event, fn)
}

// Emit sends a fire-and-forget event.
func (c *Client) Emit(event string, payload any) error {
	f, err := protocol.NewEvent(event, payload)
	if err != nil {
		return err
	}

	c.mu.Lock()
	s, closed := c.conn, c.closed
	c.mu.Unlock()
	switch {
	case closed:
		return ErrClosed
	case s == nil:
		return ErrDisconnected
	}

	if err := s.send(f); err != nil {
		return fmt.Errorf("failed to send %s: %w", event, err)
	}
	return nil
}

// Request sends event and waits for the matching acknowledgment.
func (c *Client) Request(ctx context.Context, event string, payload, reply any) error {
	id := c.nextID.Add(1)
	f, err := protocol.NewRequest(id, event, payload)
	if err != nil {
		return err
	}

	ch := make(chan ackResult, 1)
	c.mu.Lock()
	s, closed := c.conn, c.closed
	if !closed && s != nil {
		c.pending[id] = ch
	}
	c.mu.Unlock()
	switch {
	case closed:
		return ErrClosed
	case s == nil:
		return ErrDisconnected
	}
	defer func() {
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
	}()

	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.reqTimeout)
		defer cancel()
	}

	if err := s.send(f); err != nil {
		return fmt.Errorf("failed to send %s: %w", event, err)
	}

	select {
	case r := <-ch:
		if r.err != nil {
			return fmt.Errorf("%s: %w", event, r.err)
		}
		if r.frame.Error != "" {
			return &AckError{Event: event, Message: r.frame.Error}
		}
		if err := protocol.Unmarshal(r.frame.Data, reply); err != nil {
			return fmt.Errorf("failed to decode %s reply: %w", event, err)
		}
		return nil

	case <-ctx.Done():
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return fmt.Errorf("%s: %w", event, ErrTimeout)
		}
		return ctx.Err()
	}
}
