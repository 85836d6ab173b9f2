package sfu

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4"
	pmedia "github.com/pion/webrtc/v4/pkg/media"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/1ureka/medcall/internal/media"
	"github.com/1ureka/medcall/internal/protocol"
)

// loopbackServer is the router half of one transport, built from the same
// ORTC pieces as the client half.
type loopbackServer struct {
	gatherer *webrtc.ICEGatherer
	ice      *webrtc.ICETransport
	dtls     *webrtc.DTLSTransport

	done chan struct{}
	err  error
}

func newLoopbackServer(t *testing.T, api *webrtc.API, id string) (*loopbackServer, protocol.TransportOptions) {
	t.Helper()
	gatherer, err := api.NewICEGatherer(webrtc.ICEGatherOptions{})
	require.NoError(t, err)
	ice := api.NewICETransport(gatherer)
	dtls, err := api.NewDTLSTransport(ice, nil)
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = dtls.Stop()
		_ = ice.Stop()
		_ = gatherer.Close()
	})

	gathered := make(chan struct{})
	var once sync.Once
	gatherer.OnLocalCandidate(func(c *webrtc.ICECandidate) {
		if c == nil {
			once.Do(func() { close(gathered) })
		}
	})
	require.NoError(t, gatherer.Gather())
	select {
	case <-gathered:
	case <-time.After(5 * time.Second):
		t.Fatal("server candidates not gathered")
	}

	iceParams, err := gatherer.GetLocalParameters()
	require.NoError(t, err)
	candidates, err := gatherer.GetLocalCandidates()
	require.NoError(t, err)
	dtlsParams, err := dtls.GetLocalParameters()
	require.NoError(t, err)

	s := &loopbackServer{gatherer: gatherer, ice: ice, dtls: dtls, done: make(chan struct{})}
	return s, protocol.TransportOptions{
		ID:             id,
		ICEParameters:  iceParams,
		ICECandidates:  candidates,
		DTLSParameters: dtlsParams,
	}
}

// accept answers connect-transport: it starts ICE and DTLS toward client.
func (s *loopbackServer) accept(client *ortcTransport, remote webrtc.DTLSParameters) error {
	params, err := client.gatherer.GetLocalParameters()
	if err != nil {
		return err
	}
	candidates, err := client.gatherer.GetLocalCandidates()
	if err != nil {
		return err
	}
	if err := s.ice.SetRemoteCandidates(candidates); err != nil {
		return err
	}
	go func() {
		defer close(s.done)
		role := webrtc.ICERoleControlled
		if s.err = s.ice.Start(s.gatherer, params, &role); s.err != nil {
			return
		}
		s.err = s.dtls.Start(remote)
	}()
	return nil
}

func (s *loopbackServer) wait(ctx context.Context) error {
	select {
	case <-s.done:
		return s.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func readWithin(t *testing.T, read func() (*rtp.Packet, error)) *rtp.Packet {
	t.Helper()
	type result struct {
		pkt *rtp.Packet
		err error
	}
	out := make(chan result, 1)
	go func() {
		pkt, err := read()
		out <- result{pkt, err}
	}()
	select {
	case r := <-out:
		require.NoError(t, r.err)
		return r.pkt
	case <-time.After(5 * time.Second):
		t.Fatal("no RTP packet received")
		return nil
	}
}

func TestORTCTransportLoopback(t *testing.T) {
	if testing.Short() {
		t.Skip("opens UDP sockets")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	client := NewDevice()
	require.NoError(t, client.Load(opusCaps))
	router := NewDevice()
	require.NoError(t, router.Load(opusCaps))
	routerAPI := router.(*ortcDevice).api

	// Send transport: the client produces and the router receives.
	sendSrv, sendOpts := newLoopbackServer(t, routerAPI, "t-send")
	var (
		send     *ortcTransport
		produced protocol.RTPParameters
		upstream = make(chan *webrtc.TrackRemote, 1)
	)
	st, err := client.CreateSendTransport(sendOpts, TransportHandler{
		OnConnect: func(_ context.Context, dtls webrtc.DTLSParameters) error {
			return sendSrv.accept(send, dtls)
		},
		OnProduce: func(ctx context.Context, kind string, params protocol.RTPParameters) (string, error) {
			if err := sendSrv.wait(ctx); err != nil {
				return "", err
			}
			r, err := routerAPI.NewRTPReceiver(webrtc.RTPCodecTypeAudio, sendSrv.dtls)
			if err != nil {
				return "", err
			}
			err = r.Receive(webrtc.RTPReceiveParameters{
				Encodings: []webrtc.RTPDecodingParameters{{
					RTPCodingParameters: webrtc.RTPCodingParameters{
						SSRC:        webrtc.SSRC(params.SSRC),
						PayloadType: webrtc.PayloadType(params.PayloadType),
					},
				}},
			})
			if err != nil {
				return "", err
			}
			t.Cleanup(func() { _ = r.Stop() })
			produced = params
			upstream <- r.Track()
			return "producer-1", nil
		},
	})
	require.NoError(t, err)
	send = st.(*ortcTransport)

	var (
		statesMu sync.Mutex
		states   []TransportState
	)
	st.OnStateChange(func(s TransportState) {
		statesMu.Lock()
		states = append(states, s)
		statesMu.Unlock()
	})

	local, err := (&media.SilenceSource{}).Open(ctx)
	require.NoError(t, err)
	t.Cleanup(local.Stop)

	producer, err := st.Produce(ctx, local)
	require.NoError(t, err)
	assert.Equal(t, "producer-1", producer.ID())
	assert.Equal(t, StateConnected, st.State())
	assert.Equal(t, uint8(100), produced.PayloadType)
	assert.NotZero(t, produced.SSRC)

	track := <-upstream
	pkt := readWithin(t, func() (*rtp.Packet, error) {
		p, _, err := track.ReadRTP()
		return p, err
	})
	assert.Equal(t, produced.SSRC, pkt.SSRC)

	// Receive transport: the router forwards a track the client consumes.
	recvSrv, recvOpts := newLoopbackServer(t, routerAPI, "t-recv")
	var recv *ortcTransport
	rt, err := client.CreateRecvTransport(recvOpts, TransportHandler{
		OnConnect: func(_ context.Context, dtls webrtc.DTLSParameters) error {
			return recvSrv.accept(recv, dtls)
		},
	})
	require.NoError(t, err)
	recv = rt.(*ortcTransport)

	forwarded, err := webrtc.NewTrackLocalStaticSample(webrtc.RTPCodecCapability{
		MimeType:  webrtc.MimeTypeOpus,
		ClockRate: 48000,
		Channels:  2,
	}, "audio", "remote-1")
	require.NoError(t, err)
	sender, err := routerAPI.NewRTPSender(forwarded, recvSrv.dtls)
	require.NoError(t, err)
	t.Cleanup(func() { _ = sender.Stop() })
	sendParams := sender.GetParameters()
	require.NotEmpty(t, sendParams.Encodings)
	require.NotEmpty(t, sendParams.Codecs)

	go func() {
		if err := recvSrv.wait(ctx); err != nil {
			return
		}
		if err := sender.Send(sendParams); err != nil {
			return
		}
		ticker := time.NewTicker(media.FrameDuration)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				_ = forwarded.WriteSample(pmedia.Sample{Data: media.SilenceFrame, Duration: media.FrameDuration})
			}
		}
	}()

	c, err := rt.Consume(ctx, protocol.ConsumerOptions{
		ID:         "consumer-1",
		ProducerID: "remote-1",
		Kind:       "audio",
		RTPParameters: protocol.RTPParameters{
			MimeType:    webrtc.MimeTypeOpus,
			PayloadType: uint8(sendParams.Codecs[0].PayloadType),
			ClockRate:   48000,
			Channels:    2,
			SSRC:        uint32(sendParams.Encodings[0].SSRC),
		},
	})
	require.NoError(t, err)
	assert.Equal(t, StateConnected, rt.State())
	assert.Equal(t, "remote-1", c.ProducerID())

	remote := c.Remote()
	require.NotNil(t, remote)
	pkt = readWithin(t, remote.ReadPacket)
	assert.Equal(t, uint32(sendParams.Encodings[0].SSRC), pkt.SSRC)
	select {
	case <-remote.Ready():
	default:
		t.Fatal("remote audio not marked ready")
	}

	_ = c.Close()
	assert.True(t, remote.Ended())
	_ = producer.Close()
	_ = st.Close()
	_ = rt.Close()
	assert.Equal(t, StateClosed, st.State())
	assert.Equal(t, StateClosed, rt.State())

	statesMu.Lock()
	defer statesMu.Unlock()
	assert.Contains(t, states, StateConnecting)
	assert.Contains(t, states, StateConnected)
	require.NotEmpty(t, states)
	assert.Equal(t, StateClosed, states[len(states)-1])
}
