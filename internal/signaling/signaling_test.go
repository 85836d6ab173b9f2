package signaling

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/1ureka/medcall/internal/protocol"
)

func startHub(t *testing.T, opts HubOptions) (*Hub, string) {
	t.Helper()
	hub := NewHub(opts)
	srv := httptest.NewServer(hub)
	t.Cleanup(srv.Close)
	return hub, "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"
}

func dialT(t *testing.T, url string, opts ...Option) *Client {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	c, err := Dial(ctx, url, opts...)
	require.NoError(t, err)
	t.Cleanup(func() { c.Close() })
	return c
}

func joinT(t *testing.T, c *Client, callID string) {
	t.Helper()
	var ack protocol.Ack
	require.NoError(t, c.Request(context.Background(), protocol.EventJoinRoom, protocol.CallRef{CallID: callID}, &ack))
	require.True(t, ack.OK)
}

func TestRelayForwardsRoomEvents(t *testing.T) {
	hub, url := startHub(t, HubOptions{})
	alice := dialT(t, url, WithID("alice"))
	bob := dialT(t, url, WithID("bob"))
	eve := dialT(t, url, WithID("eve"))

	joinT(t, alice, "call-1")
	joinT(t, bob, "call-1")
	joinT(t, eve, "call-2")
	assert.Equal(t, 2, hub.Members("call-1"))

	got := make(chan protocol.Description, 1)
	bob.On(protocol.EventOffer, func(data json.RawMessage) {
		var d protocol.Description
		require.NoError(t, json.Unmarshal(data, &d))
		got <- d
	})
	var leaked atomic.Int32
	eve.On(protocol.EventOffer, func(json.RawMessage) { leaked.Add(1) })
	alice.On(protocol.EventOffer, func(json.RawMessage) { leaked.Add(1) })

	require.NoError(t, alice.Emit(protocol.EventOffer, protocol.Description{CallID: "call-1"}))

	select {
	case d := <-got:
		assert.Equal(t, "call-1", d.CallID)
	case <-time.After(2 * time.Second):
		t.Fatal("offer was not relayed")
	}
	time.Sleep(100 * time.Millisecond)
	assert.Zero(t, leaked.Load(), "offer must reach only the other room member")
}

func TestRelayIgnoresEventsFromNonMembers(t *testing.T) {
	_, url := startHub(t, HubOptions{})
	alice := dialT(t, url)
	mallory := dialT(t, url)
	joinT(t, alice, "call-1")

	var n atomic.Int32
	alice.On(protocol.EventEnded, func(json.RawMessage) { n.Add(1) })
	require.NoError(t, mallory.Emit(protocol.EventEnded, protocol.CallRef{CallID: "call-1"}))
	time.Sleep(150 * time.Millisecond)
	assert.Zero(t, n.Load())
}

func TestICEServersAndUnsupportedRequests(t *testing.T) {
	servers := []protocol.ICEServer{{URLs: []string{"turn:turn.example.org:3478"}, Username: "u", Credential: "p"}}
	_, url := startHub(t, HubOptions{ICEServers: servers})
	c := dialT(t, url)

	var reply protocol.ICEServersReply
	require.NoError(t, c.Request(context.Background(), protocol.EventGetICE, struct{}{}, &reply))
	assert.Equal(t, servers, reply.ICEServers)

	err := c.Request(context.Background(), protocol.EventProduce, protocol.ProduceRequest{}, nil)
	var ackErr *AckError
	require.ErrorAs(t, err, &ackErr)
	assert.Equal(t, protocol.EventProduce, ackErr.Event)
}

func TestForceEndReachesRoom(t *testing.T) {
	hub, url := startHub(t, HubOptions{})
	c := dialT(t, url)
	joinT(t, c, "call-9")

	got := make(chan string, 1)
	c.On(protocol.EventForceEnd, func(data json.RawMessage) {
		var ref protocol.CallRef
		_ = json.Unmarshal(data, &ref)
		got <- ref.CallID
	})
	assert.Equal(t, 1, hub.ForceEnd("call-9"))
	select {
	case id := <-got:
		assert.Equal(t, "call-9", id)
	case <-time.After(2 * time.Second):
		t.Fatal("force-end not delivered")
	}
}

func TestTokenRequired(t *testing.T) {
	_, url := startHub(t, HubOptions{Token: "s3cret"})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_, err := Dial(ctx, url, WithToken("wrong"))
	assert.Error(t, err)

	c := dialT(t, url, WithToken("s3cret"))
	assert.NoError(t, c.WaitConnected(ctx))
}

func TestReconnectFiresHooks(t *testing.T) {
	hub, url := startHub(t, HubOptions{})
	c := dialT(t, url, WithID("flappy"), WithBackoff(20*time.Millisecond, 100*time.Millisecond))
	joinT(t, c, "call-1")

	reconnected := make(chan struct{}, 1)
	c.OnReconnect(func() {
		select {
		case reconnected <- struct{}{}:
		default:
		}
	})

	require.True(t, hub.Disconnect("flappy"))
	select {
	case <-reconnected:
	case <-time.After(3 * time.Second):
		t.Fatal("client did not reconnect")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, c.WaitConnected(ctx))
	joinT(t, c, "call-1")
}

func TestRequestTimeout(t *testing.T) {
	// A server that accepts the socket but never acknowledges anything.
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}))
	defer srv.Close()

	c := dialT(t, "ws"+strings.TrimPrefix(srv.URL, "http"), WithRequestTimeout(100*time.Millisecond))
	start := time.Now()
	err := c.Request(context.Background(), protocol.EventJoinRoom, protocol.CallRef{CallID: "x"}, nil)
	assert.ErrorIs(t, err, ErrTimeout)
	assert.Less(t, time.Since(start), 2*time.Second)
}

func TestCloseIsIdempotent(t *testing.T) {
	_, url := startHub(t, HubOptions{})
	c := dialT(t, url)

	require.NoError(t, c.Close())
	require.NoError(t, c.Close())
	assert.ErrorIs(t, c.Emit(protocol.EventJoined, protocol.CallRef{CallID: "x"}), ErrClosed)
	assert.ErrorIs(t, c.Request(context.Background(), protocol.EventJoinRoom, nil, nil), ErrClosed)
	assert.True(t, errors.Is(c.WaitConnected(context.Background()), ErrClosed))
}

func TestHandlerRemoval(t *testing.T) {
	d := newDispatcher()
	defer d.stop()

	hits := make(chan string, 4)
	off := d.register("x", func(json.RawMessage) { hits <- "a" })
	d.register("x", func(json.RawMessage) { hits <- "b" })
	assert.Equal(t, 2, d.count("x"))

	off()
	assert.Equal(t, 1, d.count("x"))
	d.enqueue("x", nil)
	select {
	case h := <-hits:
		assert.Equal(t, "b", h)
	case <-time.After(time.Second):
		t.Fatal("handler not run")
	}
}

