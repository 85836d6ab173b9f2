package p2p

import (
	"errors"
	"strings"

	"github.com/pion/webrtc/v4"

	rtc "github.com/1ureka/medcall/internal/webrtc"
)

// peerConn is the part of *webrtc.PeerConnection the manager drives.
type peerConn interface {
	AddTrack(track webrtc.TrackLocal) (*webrtc.RTPSender, error)
	CreateOffer(options *webrtc.OfferOptions) (webrtc.SessionDescription, error)
	CreateAnswer(options *webrtc.AnswerOptions) (webrtc.SessionDescription, error)
	SetLocalDescription(desc webrtc.SessionDescription) error
	SetRemoteDescription(desc webrtc.SessionDescription) error
	LocalDescription() *webrtc.SessionDescription
	AddICECandidate(candidate webrtc.ICECandidateInit) error
	OnICECandidate(f func(*webrtc.ICECandidate))
	OnConnectionStateChange(f func(webrtc.PeerConnectionState))
	OnICEConnectionStateChange(f func(webrtc.ICEConnectionState))
	OnTrack(f func(*webrtc.TrackRemote, *webrtc.RTPReceiver))
	Close() error
}

// newPionPeer creates a PeerConnection with the Opus-only API.
func newPionPeer(iceServers []webrtc.ICEServer) (peerConn, error) {
	api, err := rtc.NewAPI()
	if err != nil {
		return nil, err
	}
	pc, err := rtc.NewPeerConnection(api, iceServers)
	if err != nil {
		return nil, err
	}
	return pc, nil
}

// drainRTCP reads RTCP from sender so the interceptors keep running.
func drainRTCP(sender *webrtc.RTPSender) {
	if sender == nil {
		return
	}
	buf := make([]byte, 1500)
	for {
		if _, _, err := sender.Read(buf); err != nil {
			return
		}
	}
}

// benignCandidateError reports whether a candidate error is an expected
// race: the candidate was applied already or the connection is gone.
func benignCandidateError(err error) bool {
	if errors.Is(err, webrtc.ErrConnectionClosed) {
		return true
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "already") || strings.Contains(msg, "closed")
}
