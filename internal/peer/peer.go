// Package peer builds and drives the agent's WebRTC peer connection:
// H.264+Opus codec registration (profile chosen to match the active
// encoder backend), the swappable current-peer cell the video send loop
// polls for generation changes, RTCP PLI/FIR keyframe requests, and the
// input data channel. Grounded on agent/src/peer.rs of the Rust precursor
// and adapted from the teacher's internal/session/session.go WebRTC setup.
package peer

import (
	"encoding/json"
	"fmt"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"beam/internal/protocol"
	"beam/internal/types"

	"github.com/pion/interceptor"
	"github.com/pion/rtcp"
	"github.com/pion/webrtc/v4"
	"github.com/pion/webrtc/v4/pkg/media"
)

// generation is a process-wide monotonic counter bumped on every New call,
// so the video send loop can detect a peer swap (browser reconnect) by
// comparing its cached generation against Peer.Generation.
var generation atomic.Uint64

// IceServer mirrors protocol.IceServerInfo for the webrtc.Configuration it
// feeds, kept distinct so this package never needs to import the wire
// shape directly into peer construction.
type IceServer struct {
	URLs       []string
	Username   string
	Credential string
}

// Config bundles everything needed to (re)create a peer in one call, since
// a browser reconnect tears down and rebuilds the whole thing.
type Config struct {
	IceServers  []IceServer
	EncoderKind types.EncoderKind
}

// Peer wraps one RTCPeerConnection plus the video/audio tracks and input
// data channel layered on top of it.
type Peer struct {
	pc          *webrtc.PeerConnection
	videoTrack  *webrtc.TrackLocalStaticSample
	audioTrack  *webrtc.TrackLocalStaticSample
	videoSender *webrtc.RTPSender

	dcMu sync.Mutex
	dc   *webrtc.DataChannel

	// Generation identifies this peer instance. The send loop compares it
	// against its own cached value to reset keyframe-barrier state across
	// a swap instead of misreading stale state from the previous peer.
	Generation uint64
}

// New builds a peer connection, registering only H.264 + Opus — never
// webrtc.RegisterDefaultCodecs, which also offers VP8/VP9/AV1 and lets
// Chrome sometimes negotiate one of those against an agent that never
// sends it, producing a black 0x0 video element. The registered H.264
// profile must match what the active encoder actually emits: NVENC's
// Main-profile bitstream needs 4d001f registered alongside the
// Constrained-Baseline 42e01f Chrome always offers, or Chrome's decoder
// can refuse the mismatched SDP profile outright.
func New(cfg Config) (*Peer, error) {
	me := &webrtc.MediaEngine{}

	feedback := []webrtc.RTCPFeedback{
		{Type: "goog-remb"},
		{Type: "ccm", Parameter: "fir"},
		{Type: "nack"},
		{Type: "nack", Parameter: "pli"},
		{Type: "transport-cc"},
	}

	var videoFmtp string
	switch cfg.EncoderKind {
	case types.EncoderKindNVIDIA:
		videoFmtp = "level-asymmetry-allowed=1;packetization-mode=1;profile-level-id=42e01f"
		if err := me.RegisterCodec(webrtc.RTPCodecParameters{
			RTPCodecCapability: webrtc.RTPCodecCapability{
				MimeType:     webrtc.MimeTypeH264,
				ClockRate:    90000,
				SDPFmtpLine:  videoFmtp,
				RTCPFeedback: feedback,
			},
			PayloadType: 125,
		}, webrtc.RTPCodecTypeVideo); err != nil {
			return nil, fmt.Errorf("register H.264 baseline: %w", err)
		}
		if err := me.RegisterCodec(webrtc.RTPCodecParameters{
			RTPCodecCapability: webrtc.RTPCodecCapability{
				MimeType:     webrtc.MimeTypeH264,
				ClockRate:    90000,
				SDPFmtpLine:  "level-asymmetry-allowed=1;packetization-mode=1;profile-level-id=4d001f",
				RTCPFeedback: feedback,
			},
			PayloadType: 102,
		}, webrtc.RTPCodecTypeVideo); err != nil {
			return nil, fmt.Errorf("register H.264 main: %w", err)
		}
	default:
		// VA-API and software (libx264) both emit Constrained Baseline.
		videoFmtp = "level-asymmetry-allowed=1;packetization-mode=1;profile-level-id=42e01f"
		if err := me.RegisterCodec(webrtc.RTPCodecParameters{
			RTPCodecCapability: webrtc.RTPCodecCapability{
				MimeType:     webrtc.MimeTypeH264,
				ClockRate:    90000,
				SDPFmtpLine:  videoFmtp,
				RTCPFeedback: feedback,
			},
			PayloadType: 125,
		}, webrtc.RTPCodecTypeVideo); err != nil {
			return nil, fmt.Errorf("register H.264: %w", err)
		}
	}

	if err := me.RegisterCodec(webrtc.RTPCodecParameters{
		RTPCodecCapability: webrtc.RTPCodecCapability{
			MimeType:    webrtc.MimeTypeOpus,
			ClockRate:   48000,
			Channels:    2,
			SDPFmtpLine: "minptime=10;useinbandfec=1",
		},
		PayloadType: 111,
	}, webrtc.RTPCodecTypeAudio); err != nil {
		return nil, fmt.Errorf("register Opus: %w", err)
	}

	registry := &interceptor.Registry{}
	if err := webrtc.RegisterDefaultInterceptors(me, registry); err != nil {
		return nil, fmt.Errorf("register interceptors: %w", err)
	}

	api := webrtc.NewAPI(webrtc.WithMediaEngine(me), webrtc.WithInterceptorRegistry(registry))

	iceServers := make([]webrtc.ICEServer, 0, len(cfg.IceServers))
	for _, s := range cfg.IceServers {
		iceServers = append(iceServers, webrtc.ICEServer{
			URLs:       s.URLs,
			Username:   s.Username,
			Credential: s.Credential,
		})
	}
	if len(iceServers) == 0 {
		iceServers = []webrtc.ICEServer{{
			URLs: []string{"stun:stun.l.google.com:19302", "stun:stun1.l.google.com:19302"},
		}}
	}

	pc, err := api.NewPeerConnection(webrtc.Configuration{ICEServers: iceServers})
	if err != nil {
		return nil, fmt.Errorf("create peer connection: %w", err)
	}

	videoTrack, err := webrtc.NewTrackLocalStaticSample(
		webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeH264, ClockRate: 90000, SDPFmtpLine: videoFmtp},
		"video", "beam",
	)
	if err != nil {
		pc.Close()
		return nil, fmt.Errorf("create video track: %w", err)
	}
	videoSender, err := pc.AddTrack(videoTrack)
	if err != nil {
		pc.Close()
		return nil, fmt.Errorf("add video track: %w", err)
	}

	audioTrack, err := webrtc.NewTrackLocalStaticSample(
		webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus, ClockRate: 48000, Channels: 2},
		"audio", "beam",
	)
	if err != nil {
		pc.Close()
		return nil, fmt.Errorf("create audio track: %w", err)
	}
	if _, err := pc.AddTrack(audioTrack); err != nil {
		pc.Close()
		return nil, fmt.Errorf("add audio track: %w", err)
	}

	p := &Peer{
		pc:          pc,
		videoTrack:  videoTrack,
		audioTrack:  audioTrack,
		videoSender: videoSender,
		Generation:  generation.Add(1),
	}

	// Deliberately never close the peer here. A Failed or Disconnected
	// state is frequently recoverable: the next SDP offer from a
	// reconnecting browser restarts ICE. Closing forces a full re-login
	// instead of a silent reconnect.
	pc.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		switch state {
		case webrtc.PeerConnectionStateFailed:
			log.Printf("peer connection failed (generation %d, will recover on next offer)", p.Generation)
		case webrtc.PeerConnectionStateDisconnected:
			log.Printf("peer connection disconnected (generation %d, ICE reconnecting)", p.Generation)
		default:
			log.Printf("peer connection state: %s (generation %d)", state, p.Generation)
		}
	})

	log.Printf("WebRTC peer connection created, generation %d", p.Generation)
	return p, nil
}

// StartRTCPReader reads the video RTP sender's RTCP feedback and invokes
// onKeyframeRequest for PLI or FIR. Without this, packet loss costs up to
// a full GOP (sometimes a full second) of corrupted video before the next
// periodic keyframe, instead of an immediate recovery.
func (p *Peer) StartRTCPReader(onKeyframeRequest func()) {
	go func() {
		for {
			packets, _, err := p.videoSender.ReadRTCP()
			if err != nil {
				return
			}
			for _, pkt := range packets {
				switch pkt.(type) {
				case *rtcp.PictureLossIndication, *rtcp.FullIntraRequest:
					onKeyframeRequest()
				}
			}
		}
	}()
}

func (p *Peer) HandleOffer(sdp string) (string, error) {
	offer := webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: sdp}
	if err := p.pc.SetRemoteDescription(offer); err != nil {
		return "", fmt.Errorf("set remote description: %w", err)
	}

	answer, err := p.pc.CreateAnswer(nil)
	if err != nil {
		return "", fmt.Errorf("create answer: %w", err)
	}
	if err := p.pc.SetLocalDescription(answer); err != nil {
		return "", fmt.Errorf("set local description: %w", err)
	}
	return answer.SDP, nil
}

func (p *Peer) AddICECandidate(candidate string, sdpMid *string, sdpMLineIndex *uint16) error {
	init := webrtc.ICECandidateInit{
		Candidate:     candidate,
		SDPMid:        sdpMid,
		SDPMLineIndex: sdpMLineIndex,
	}
	if err := p.pc.AddICECandidate(init); err != nil {
		return fmt.Errorf("add ICE candidate: %w", err)
	}
	return nil
}

func (p *Peer) WriteVideoSample(data []byte, dur time.Duration) error {
	if err := p.videoTrack.WriteSample(media.Sample{Data: data, Duration: dur}); err != nil {
		return fmt.Errorf("write video sample: %w", err)
	}
	return nil
}

func (p *Peer) WriteAudioSample(data []byte, dur time.Duration) error {
	if err := p.audioTrack.WriteSample(media.Sample{Data: data, Duration: dur}); err != nil {
		return fmt.Errorf("write audio sample: %w", err)
	}
	return nil
}

// OnICECandidate forwards locally-gathered ICE candidates, typically to a
// channel feeding the signaling client.
func (p *Peer) OnICECandidate(cb func(candidate string, sdpMid *string, sdpMLineIndex *uint16)) {
	p.pc.OnICECandidate(func(c *webrtc.ICECandidate) {
		if c == nil {
			return
		}
		init := c.ToJSON()
		cb(init.Candidate, init.SDPMid, init.SDPMLineIndex)
	})
}

// OnInputEvent registers the data channel handler for the "input" channel
// the browser opens. The decoded wire InputEvent is handed to cb; callers
// translate it into the capture-side types.InputEvent the injector expects.
func (p *Peer) OnInputEvent(cb func(protocol.InputEvent)) {
	p.pc.OnDataChannel(func(dc *webrtc.DataChannel) {
		if dc.Label() != "input" {
			return
		}
		p.dcMu.Lock()
		p.dc = dc
		p.dcMu.Unlock()

		dc.OnMessage(func(msg webrtc.DataChannelMessage) {
			var event protocol.InputEvent
			if err := json.Unmarshal(msg.Data, &event); err != nil {
				log.Printf("invalid input event: %v", err)
				return
			}
			cb(event)
		})
	})
}

// SendDataChannelMessage delivers a text message (e.g. a clipboard update)
// to the browser if the input channel is open; otherwise it is a no-op.
func (p *Peer) SendDataChannelMessage(msg string) error {
	p.dcMu.Lock()
	dc := p.dc
	p.dcMu.Unlock()
	if dc == nil || dc.ReadyState() != webrtc.DataChannelStateOpen {
		return nil
	}
	if err := dc.SendText(msg); err != nil {
		return fmt.Errorf("send data channel message: %w", err)
	}
	return nil
}

func (p *Peer) GetStats() webrtc.StatsReport {
	return p.pc.GetStats()
}

func (p *Peer) IsConnected() bool {
	return p.pc.ConnectionState() == webrtc.PeerConnectionStateConnected
}

// VideoPacketsSent reads OutboundRTP video packets_sent, used by the send
// loop's connection-health check to detect the silent-drop failure mode
// where WriteSample keeps returning nil but no RTP actually leaves.
func (p *Peer) VideoPacketsSent() uint64 {
	stats := p.pc.GetStats()
	for _, stat := range stats {
		if rtp, ok := stat.(webrtc.OutboundRTPStreamStats); ok && rtp.Kind == "video" {
			return uint64(rtp.PacketsSent)
		}
	}
	return 0
}

func (p *Peer) Close() error {
	if err := p.pc.Close(); err != nil {
		return fmt.Errorf("close peer connection: %w", err)
	}
	return nil
}

// Create builds a new Peer and wires its ICE-candidate, RTCP, and input
// callbacks in one call — the unit a browser reconnect rebuilds wholesale.
func Create(cfg Config, onICECandidate func(candidate string, sdpMid *string, sdpMLineIndex *uint16), onKeyframeRequest func(), onInputEvent func(protocol.InputEvent)) (*Peer, error) {
	p, err := New(cfg)
	if err != nil {
		return nil, fmt.Errorf("create peer: %w", err)
	}

	if onICECandidate != nil {
		p.OnICECandidate(onICECandidate)
	}
	if onKeyframeRequest != nil {
		p.StartRTCPReader(onKeyframeRequest)
	}
	if onInputEvent != nil {
		p.OnInputEvent(onInputEvent)
	}

	log.Printf("new WebRTC peer created with all callbacks (generation %d)", p.Generation)
	return p, nil
}
