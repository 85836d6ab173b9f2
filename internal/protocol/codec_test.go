package protocol

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/pion/webrtc/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestEncodeDecodeFrames verifies every frame kind survives the wire format.
func TestEncodeDecodeFrames(t *testing.T) {
	ev, err := NewEvent(EventOffer, Description{
		CallID: "c1",
		SDP:    webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: "v=0\r\n"},
	})
	require.NoError(t, err)
	req, err := NewRequest(7, EventJoinRoom, CallRef{CallID: "c1"})
	require.NoError(t, err)
	ack, err := NewAck(7, Ack{OK: true}, nil)
	require.NoError(t, err)
	nack, err := NewAck(8, nil, errors.New("room full"))
	require.NoError(t, err)

	testCases := []struct {
		name string
		f    *Frame
	}{
		{"event", ev},
		{"request", req},
		{"ack", ack},
		{"error ack", nack},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			data, err := Encode(tc.f)
			require.NoError(t, err)

			got, err := Decode(data)
			require.NoError(t, err)
			assert.Equal(t, tc.f.Kind, got.Kind)
			assert.Equal(t, tc.f.ID, got.ID)
			assert.Equal(t, tc.f.Event, got.Event)
			assert.Equal(t, tc.f.Error, got.Error)
			if len(tc.f.Data) > 0 {
				assert.JSONEq(t, string(tc.f.Data), string(got.Data))
			}
		})
	}
}

func TestDecodeRejectsInvalidFrames(t *testing.T) {
	for name, raw := range map[string]string{
		"not json":           `{`,
		"unknown kind":       `{"kind":"push","event":"x"}`,
		"event without name": `{"kind":"event"}`,
		"request without id": `{"kind":"request","event":"join-room"}`,
		"ack without id":     `{"kind":"ack"}`,
	} {
		t.Run(name, func(t *testing.T) {
			_, err := Decode([]byte(raw))
			assert.Error(t, err)
		})
	}
}

// TestCandidateSentinel checks that the end-of-candidates marker is kept as
// an explicit null on the wire rather than dropped.
func TestCandidateSentinel(t *testing.T) {
	data, err := json.Marshal(Candidate{CallID: "c1"})
	require.NoError(t, err)
	assert.JSONEq(t, `{"callId":"c1","candidate":null}`, string(data))

	var back Candidate
	require.NoError(t, Unmarshal(data, &back))
	assert.Nil(t, back.Candidate)
	assert.Equal(t, "c1", back.CallID)
}

func TestRawPayloadPassthrough(t *testing.T) {
	raw := json.RawMessage(`{"callId":"c9"}`)
	f, err := NewEvent(EventEnded, raw)
	require.NoError(t, err)
	assert.Equal(t, raw, f.Data)

	var ref CallRef
	require.NoError(t, Unmarshal(f.Data, &ref))
	assert.Equal(t, "c9", ref.CallID)
	require.NoError(t, Unmarshal(nil, &ref))
}

func TestIsRoomScoped(t *testing.T) {
	assert.True(t, IsRoomScoped(EventOffer))
	assert.True(t, IsRoomScoped(EventNewProducer))
	assert.False(t, IsRoomScoped(EventJoinRoom))
	assert.False(t, IsRoomScoped(EventForceEnd))
}
