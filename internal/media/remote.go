package media

import (
	"sync"
	"sync/atomic"

	"github.com/pion/interceptor"
	"github.com/pion/rtp"

	"github.com/1ureka/medcall/internal/util"
)

// RTPReader is the read side of a remote track. *webrtc.TrackRemote
// satisfies it.
type RTPReader interface {
	ReadRTP() (*rtp.Packet, interceptor.Attributes, error)
}

// RemoteAudio is the inbound audio of a call. It belongs to the transport
// manager that received it; sinks only read from it.
type RemoteAudio struct {
	id     string
	reader RTPReader

	readyOnce sync.Once
	ready     chan struct{}
	ended     atomic.Bool
}

// NewRemoteAudio wraps reader. id names the track (the SFU consumer or the
// P2P track id).
func NewRemoteAudio(id string, reader RTPReader) *RemoteAudio {
	return &RemoteAudio{id: id, reader: reader, ready: make(chan struct{})}
}

// ID returns the track identifier.
func (r *RemoteAudio) ID() string { return r.id }

// ReadPacket returns the next RTP packet. The first successful read marks
// the track ready; any error marks it ended.
func (r *RemoteAudio) ReadPacket() (*rtp.Packet, error) {
	pkt, _, err := r.reader.ReadRTP()
	if err != nil {
		r.ended.Store(true)
		return nil, err
	}
	r.readyOnce.Do(func() { close(r.ready) })
	util.Stats.AddRecv(len(pkt.Payload))
	return pkt, nil
}

// Ready is closed once media has started flowing.
func (r *RemoteAudio) Ready() <-chan struct{} { return r.ready }

// Ended reports whether the track stopped delivering packets.
func (r *RemoteAudio) Ended() bool { return r.ended.Load() }

// End marks the track ended. Called by the owner when it closes the
// underlying receiver.
func (r *RemoteAudio) End() { r.ended.Store(true) }
