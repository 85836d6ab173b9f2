package signaling

import (
	"fmt"

	"github.com/gorilla/websocket"

	"github.com/1ureka/medcall/internal/protocol"
	"github.com/1ureka/medcall/internal/util"
)

// watch reads frames from conn until it fails, handing each decoded frame
// to fn. Malformed frames are logged and skipped.
func watch(conn *websocket.Conn, fn func(*protocol.Frame)) error {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return fmt.Errorf("failed to read WS message: %w", err)
		}

		f, err := protocol.Decode(data)
		if err != nil {
			util.LogWarning("dropping signaling frame: %v", err)
			continue
		}
		fn(f)
	}
}
