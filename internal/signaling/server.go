package signaling

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/1ureka/medcall/internal/protocol"
	"github.com/1ureka/medcall/internal/util"
)

const pingPeriod = 30 * time.Second

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// HubOptions configures a Hub.
type HubOptions struct {
	// Token, when set, must be presented as a bearer token.
	Token string
	// ICEServers is the reply to get-ice-servers.
	ICEServers []protocol.ICEServer
}

// Hub is a development signaling relay. It registers sockets in call rooms,
// answers join/leave and ICE-server requests, and forwards room-scoped events
// to the other members of the room. SFU requests are rejected: the media
// server is a separate deployment.
type Hub struct {
	opts   HubOptions
	router chi.Router

	mu    sync.Mutex
	peers map[string]*hubPeer
	rooms map[string]map[string]*hubPeer // callID → peerID → peer

	listener net.Listener
	srv      *http.Server
}

type hubPeer struct {
	id    string
	out   *sender
	rooms map[string]struct{}
}

// NewHub creates a relay with the given options.
func NewHub(opts HubOptions) *Hub {
	h := &Hub{
		opts:  opts,
		peers: make(map[string]*hubPeer),
		rooms: make(map[string]map[string]*hubPeer),
	}

	r := chi.NewRouter()
	r.Get("/ws", h.handleWS)
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	h.router = r
	return h
}

// ServeHTTP makes the Hub usable as an http.Handler.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.router.ServeHTTP(w, r)
}

// Start begins listening on addr (":0" picks a random port). Returns the
// bound address.
func (h *Hub) Start(addr string) (net.Addr, error) {
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("failed to start signaling relay: %w", err)
	}
	h.listener = listener
	h.srv = &http.Server{Handler: h, ReadHeaderTimeout: 10 * time.Second}

	go func() {
		if err := h.srv.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			util.LogError("signaling relay stopped: %v", err)
		}
	}()

	return listener.Addr(), nil
}

// Close shuts down the listener and disconnects every socket.
func (h *Hub) Close() error {
	var err error
	if h.srv != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		err = h.srv.Shutdown(ctx)
	}

	h.mu.Lock()
	peers := make([]*hubPeer, 0, len(h.peers))
	for _, p := range h.peers {
		peers = append(peers, p)
	}
	h.mu.Unlock()
	for _, p := range peers {
		p.out.close()
	}
	return err
}

// Members returns the number of sockets registered in the call room.
func (h *Hub) Members(callID string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.rooms[callID])
}

// ForceEnd sends force-end to every member of the call room, the way an
// operator terminates a call from the admin side. Returns the number of
// sockets notified.
func (h *Hub) ForceEnd(callID string) int {
	f, _ := protocol.NewEvent(protocol.EventForceEnd, protocol.CallRef{CallID: callID})
	return h.broadcast(callID, "", f)
}

// Disconnect drops the socket with the given identity, if connected. The
// client side sees a lost connection and reconnects.
func (h *Hub) Disconnect(peerID string) bool {
	h.mu.Lock()
	p, ok := h.peers[peerID]
	h.mu.Unlock()
	if ok {
		p.out.conn.Close()
	}
	return ok
}

func (h *Hub) handleWS(w http.ResponseWriter, r *http.Request) {
	if h.opts.Token != "" {
		if r.Header.Get("Authorization") != "Bearer "+h.opts.Token {
			http.Error(w, "invalid token", http.StatusUnauthorized)
			return
		}
	}

	id := r.URL.Query().Get("id")
	if id == "" {
		id = uuid.NewString()
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}

	p := &hubPeer{id: id, out: &sender{conn: conn}, rooms: make(map[string]struct{})}
	h.register(p)
	defer h.unregister(p)

	stop := make(chan struct{})
	defer close(stop)
	go func() {
		ticker := time.NewTicker(pingPeriod)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				if p.out.ping() != nil {
					return
				}
			case <-stop:
				return
			}
		}
	}()

	err = watch(conn, func(f *protocol.Frame) { h.handleFrame(p, f) })
	util.LogDebug("relay: socket %s left: %v", id, err)
}

func (h *Hub) register(p *hubPeer) {
	h.mu.Lock()
	defer h.mu.Unlock()
	// A reconnecting identity replaces its stale socket but keeps its rooms.
	if old, ok := h.peers[p.id]; ok {
		for callID := range old.rooms {
			p.rooms[callID] = struct{}{}
			h.rooms[callID][p.id] = p
		}
	}
	h.peers[p.id] = p
}

func (h *Hub) unregister(p *hubPeer) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.peers[p.id] != p {
		return
	}
	delete(h.peers, p.id)
	for callID := range p.rooms {
		h.leaveLocked(p, callID)
	}
	p.out.conn.Close()
}

func (h *Hub) leaveLocked(p *hubPeer, callID string) {
	delete(p.rooms, callID)
	if room := h.rooms[callID]; room != nil {
		delete(room, p.id)
		if len(room) == 0 {
			delete(h.rooms, callID)
		}
	}
}

func (h *Hub) handleFrame(p *hubPeer, f *protocol.Frame) {
	switch f.Kind {
	case protocol.KindRequest:
		reply, err := h.handleRequest(p, f)
		ack, encErr := protocol.NewAck(f.ID, reply, err)
		if encErr != nil {
			ack, _ = protocol.NewAck(f.ID, nil, encErr)
		}
		if err := p.out.send(ack); err != nil {
			util.LogDebug("relay: ack to %s failed: %v", p.id, err)
		}

	case protocol.KindEvent:
		if !protocol.IsRoomScoped(f.Event) {
			return
		}
		var ref protocol.CallRef
		if err := protocol.Unmarshal(f.Data, &ref); err != nil || ref.CallID == "" {
			util.LogDebug("relay: %s from %s without callId", f.Event, p.id)
			return
		}
		if !h.isMember(p, ref.CallID) {
			util.LogDebug("relay: %s from %s outside room %s", f.Event, p.id, ref.CallID)
			return
		}
		h.broadcast(ref.CallID, p.id, f)
	}
}

func (h *Hub) handleRequest(p *hubPeer, f *protocol.Frame) (any, error) {
	switch f.Event {
	case protocol.EventJoinRoom, protocol.EventLeaveRoom:
		var ref protocol.CallRef
		if err := protocol.Unmarshal(f.Data, &ref); err != nil {
			return nil, err
		}
		if ref.CallID == "" {
			return nil, errors.New("missing callId")
		}
		h.mu.Lock()
		if f.Event == protocol.EventJoinRoom {
			if h.rooms[ref.CallID] == nil {
				h.rooms[ref.CallID] = make(map[string]*hubPeer)
			}
			h.rooms[ref.CallID][p.id] = p
			p.rooms[ref.CallID] = struct{}{}
		} else {
			h.leaveLocked(p, ref.CallID)
		}
		h.mu.Unlock()
		return protocol.Ack{OK: true}, nil

	case protocol.EventGetICE:
		return protocol.ICEServersReply{ICEServers: h.opts.ICEServers}, nil
	}
	return nil, fmt.Errorf("unsupported request %q", f.Event)
}

func (h *Hub) isMember(p *hubPeer, callID string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	_, ok := p.rooms[callID]
	return ok
}

// broadcast sends f to every member of the room except the one with
// identity skip.
func (h *Hub) broadcast(callID, skip string, f *protocol.Frame) int {
	h.mu.Lock()
	targets := make([]*hubPeer, 0, len(h.rooms[callID]))
	for id, member := range h.rooms[callID] {
		if id != skip {
			targets = append(targets, member)
		}
	}
	h.mu.Unlock()

	for _, t := range targets {
		if err := t.out.send(f); err != nil {
			util.LogDebug("relay: forward %s to %s failed: %v", f.Event, t.id, err)
		}
	}
	return len(targets)
}
