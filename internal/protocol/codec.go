package protocol

import (
	"encoding/json"
	"fmt"
)

// FrameKind discriminates the three frame shapes on the wire.
type FrameKind string

const (
	KindEvent   FrameKind = "event"   // fire-and-forget
	KindRequest FrameKind = "request" // expects an ack with the same ID
	KindAck     FrameKind = "ack"     // reply to a request
)

// Frame is the JSON structure exchanged over the signaling WebSocket.
type Frame struct {
	Kind  FrameKind       `json:"kind"`
	ID    uint64          `json:"id,omitempty"`
	Event string          `json:"event,omitempty"`
	Data  json.RawMessage `json:"data,omitempty"`
	Error string          `json:"error,omitempty"`
}

// NewEvent builds an event frame with payload marshalled into Data.
func NewEvent(event string, payload any) (*Frame, error) {
	data, err := marshalPayload(payload)
	if err != nil {
		return nil, fmt.Errorf("encode %s: %w", event, err)
	}
	return &Frame{Kind: KindEvent, Event: event, Data: data}, nil
}

// NewRequest builds a request frame.
func NewRequest(id uint64, event string, payload any) (*Frame, error) {
	data, err := marshalPayload(payload)
	if err != nil {
		return nil, fmt.Errorf("encode %s: %w", event, err)
	}
	return &Frame{Kind: KindRequest, ID: id, Event: event, Data: data}, nil
}

// NewAck builds the reply to request id. A non-nil ackErr yields an error ack.
func NewAck(id uint64, payload any, ackErr error) (*Frame, error) {
	if ackErr != nil {
		return &Frame{Kind: KindAck, ID: id, Error: ackErr.Error()}, nil
	}
	data, err := marshalPayload(payload)
	if err != nil {
		return nil, fmt.Errorf("encode ack %d: %w", id, err)
	}
	return &Frame{Kind: KindAck, ID: id, Data: data}, nil
}

// Encode serializes a Frame into a WebSocket text message.
func Encode(f *Frame) ([]byte, error) {
	return json.Marshal(f)
}

// Decode deserializes and validates a WebSocket text message.
func Decode(data []byte) (*Frame, error) {
	var f Frame
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("malformed frame: %w", err)
	}
	switch f.Kind {
	case KindEvent:
		if f.Event == "" {
			return nil, fmt.Errorf("event frame without name")
		}
	case KindRequest:
		if f.Event == "" || f.ID == 0 {
			return nil, fmt.Errorf("request frame needs event and id")
		}
	case KindAck:
		if f.ID == 0 {
			return nil, fmt.Errorf("ack frame without id")
		}
	default:
		return nil, fmt.Errorf("unknown frame kind %q", f.Kind)
	}
	return &f, nil
}

// Unmarshal decodes a frame payload into v. An empty payload leaves v untouched.
func Unmarshal(data json.RawMessage, v any) error {
	if len(data) == 0 || v == nil {
		return nil
	}
	return json.Unmarshal(data, v)
}

func marshalPayload(payload any) (json.RawMessage, error) {
	if payload == nil {
		return nil, nil
	}
	if raw, ok := payload.(json.RawMessage); ok {
		return raw, nil
	}
	return json.Marshal(payload)
}
