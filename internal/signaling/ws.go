package signaling

import (
	"context"
	"fmt"
	"net/http"
	"net/url"

	"github.com/gorilla/websocket"
)

// dial opens a WebSocket to rawURL, presenting the socket identity as the
// "id" query parameter and the token as a bearer Authorization header.
func dial(ctx context.Context, dialer *websocket.Dialer, rawURL, id, token string) (*websocket.Conn, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("invalid signaling URL %q: %w", rawURL, err)
	}
	q := u.Query()
	q.Set("id", id)
	u.RawQuery = q.Encode()

	header := http.Header{}
	if token != "" {
		header.Set("Authorization", "Bearer "+token)
	}

	conn, resp, err := dialer.DialContext(ctx, u.String(), header)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("failed to connect to signaling server (%s): %w", resp.Status, err)
		}
		return nil, fmt.Errorf("failed to connect to signaling server: %w", err)
	}
	return conn, nil
}
