// Package signaling implements the call signaling channel: a persistent,
// authenticated WebSocket carrying fire-and-forget events and request/ack
// round-trips, with transparent reconnection. It also contains a small
// room-scoped relay used for development and tests.
package signaling

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
)

var (
	// ErrTimeout is returned when a request is not acknowledged in time.
	ErrTimeout = errors.New("signaling: request timed out")
	// ErrDisconnected is returned when the channel is between connections.
	ErrDisconnected = errors.New("signaling: not connected")
	// ErrClosed is returned after Close.
	ErrClosed = errors.New("signaling: channel closed")
)

// Handler receives the raw payload of an inbound event.
type Handler func(data json.RawMessage)

// Channel is the surface the call engine needs from a signaling connection.
// It may be shared with the rest of the application; callers detach only the
// handlers they registered and close the channel only if they created it.
type Channel interface {
	// ID is the socket identity the server knows this channel by.
	ID() string
	// Emit sends a fire-and-forget event.
	Emit(event string, payload any) error
	// Request sends an event and waits for its acknowledgment, decoding the
	// reply payload into reply (which may be nil).
	Request(ctx context.Context, event string, payload, reply any) error
	// On registers fn for event and returns a function that removes it.
	On(event string, fn Handler) (off func())
	// OnReconnect registers fn to run after every successful reconnection.
	OnReconnect(fn func()) (off func())
	// WaitConnected blocks until the channel is connected or ctx is done.
	WaitConnected(ctx context.Context) error
	// Close shuts the channel down.
	Close() error
}

// AckError is an error acknowledgment returned by the server.
type AckError struct {
	Event   string
	Message string
}

func (e *AckError) Error() string {
	return fmt.Sprintf("signaling: %s rejected: %s", e.Event, e.Message)
}
