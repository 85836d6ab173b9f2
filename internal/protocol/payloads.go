package protocol

import (
	"github.com/pion/webrtc/v4"
)

// CallRef is the minimal payload of every call-scoped event.
type CallRef struct {
	CallID string `json:"callId,omitempty"`
}

// Ack is the generic reply of requests that return no data.
type Ack struct {
	OK bool `json:"ok"`
}

// Description carries an SDP offer or answer.
type Description struct {
	CallID string                    `json:"callId"`
	SDP    webrtc.SessionDescription `json:"sdp"`
}

// Candidate carries one trickled ICE candidate. A nil Candidate is the
// end-of-candidates sentinel and is forwarded like any other.
type Candidate struct {
	CallID    string                   `json:"callId"`
	Candidate *webrtc.ICECandidateInit `json:"candidate"`
}

// ICEServer mirrors the browser RTCIceServer dictionary.
type ICEServer struct {
	URLs       []string `json:"urls"`
	Username   string   `json:"username,omitempty"`
	Credential string   `json:"credential,omitempty"`
}

// ICEServersReply is the answer to get-ice-servers.
type ICEServersReply struct {
	ICEServers []ICEServer `json:"iceServers"`
}

// ─── SFU ─────────────────────────────────────────────────────────────────────

// Transport directions of create-transport.
const (
	DirectionSend = "send"
	DirectionRecv = "recv"
)

// CodecCapability is one codec the SFU router can forward.
type CodecCapability struct {
	Kind        string `json:"kind"`
	MimeType    string `json:"mimeType"`
	ClockRate   uint32 `json:"clockRate"`
	Channels    uint16 `json:"channels,omitempty"`
	PayloadType uint8  `json:"preferredPayloadType"`
	SDPFmtpLine string `json:"sdpFmtpLine,omitempty"`
}

// RTPCapabilities describes what a router or a device can send and receive.
type RTPCapabilities struct {
	Codecs []CodecCapability `json:"codecs"`
}

// TransportRequest asks the SFU to create a transport for one direction.
type TransportRequest struct {
	CallID    string `json:"callId"`
	Direction string `json:"direction"`
}

// TransportOptions is the server side of a created transport.
type TransportOptions struct {
	ID             string                `json:"id"`
	ICEParameters  webrtc.ICEParameters  `json:"iceParameters"`
	ICECandidates  []webrtc.ICECandidate `json:"iceCandidates"`
	DTLSParameters webrtc.DTLSParameters `json:"dtlsParameters"`
}

// ConnectTransportRequest hands the local DTLS parameters to the SFU.
type ConnectTransportRequest struct {
	TransportID    string                `json:"transportId"`
	DTLSParameters webrtc.DTLSParameters `json:"dtlsParameters"`
}

// RTPParameters describes a single-encoding audio stream.
type RTPParameters struct {
	MimeType    string `json:"mimeType"`
	PayloadType uint8  `json:"payloadType"`
	ClockRate   uint32 `json:"clockRate"`
	Channels    uint16 `json:"channels,omitempty"`
	SSRC        uint32 `json:"ssrc"`
}

// ProduceRequest publishes a local track on a send transport.
type ProduceRequest struct {
	CallID        string        `json:"callId"`
	TransportID   string        `json:"transportId"`
	Kind          string        `json:"kind"`
	RTPParameters RTPParameters `json:"rtpParameters"`
}

// IDReply carries the server-assigned id of a producer.
type IDReply struct {
	ID string `json:"id"`
}

// ProducerInfo identifies a producer published in a call.
type ProducerInfo struct {
	CallID     string `json:"callId,omitempty"`
	ProducerID string `json:"producerId"`
	PeerID     string `json:"peerId,omitempty"`
}

// ProducersReply is the answer to get-producers. The requester's own
// producers are excluded by the server.
type ProducersReply struct {
	Producers []ProducerInfo `json:"producers"`
}

// ConsumeRequest subscribes the receive transport to a remote producer.
type ConsumeRequest struct {
	CallID          string          `json:"callId"`
	TransportID     string          `json:"transportId"`
	ProducerID      string          `json:"producerId"`
	RTPCapabilities RTPCapabilities `json:"rtpCapabilities"`
}

// ConsumerOptions is the server side of a created consumer. The consumer
// starts paused until resume-consumer is acknowledged.
type ConsumerOptions struct {
	ID            string        `json:"id"`
	ProducerID    string        `json:"producerId"`
	Kind          string        `json:"kind"`
	RTPParameters RTPParameters `json:"rtpParameters"`
}

// ResumeConsumerRequest unpauses a server-side consumer.
type ResumeConsumerRequest struct {
	ConsumerID string `json:"consumerId"`
}
