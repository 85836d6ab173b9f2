package signaling

import (
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/1ureka/medcall/internal/protocol"
)

const writeWait = 5 * time.Second

// sender serializes outgoing frames to one WebSocket; gorilla connections
// allow a single concurrent writer.
type sender struct {
	conn *websocket.Conn
	mu   sync.Mutex
}

// send encodes and writes a frame, guarded by a mutex.
func (s *sender) send(f *protocol.Frame) error {
	data, err := protocol.Encode(f)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return s.conn.WriteMessage(websocket.TextMessage, data)
}

// ping writes a WebSocket ping control frame.
func (s *sender) ping() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait))
}

// close sends a normal-closure frame (best effort) and closes the socket.
func (s *sender) close() error {
	s.mu.Lock()
	_ = s.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(writeWait))
	s.mu.Unlock()
	return s.conn.Close()
}
