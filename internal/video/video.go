// Package video drives the agent's encoded-frame send loop: the
// keyframe-barrier state machine that gates output on the current peer's
// generation and connection state, detects the "silent RTP drop" failure
// mode, and forwards Opus audio. Grounded on agent/src/video.rs of the
// Rust precursor.
package video

import (
	"context"
	"log"
	"time"

	"beam/internal/h264"
	"beam/internal/types"
)

// Transport is the minimum a video/audio sink must provide.
type Transport interface {
	WriteVideoSample(data []byte, dur time.Duration) error
	WriteAudioSample(data []byte, dur time.Duration) error
}

// PeerHandle is a Transport that can also report WebRTC connection state,
// satisfied structurally by *peer.Peer and by WSTransport.
type PeerHandle interface {
	Transport
	IsConnected() bool
	VideoPacketsSent() uint64
}

// Snapshotter hands out the currently active PeerHandle plus its
// generation in one atomic read, mirroring peer.Cell.SnapshotWithGen — the
// send loop must never observe a torn (peer, generation) pair across a
// concurrent swap. A nil PeerHandle means no peer has been negotiated yet.
type Snapshotter interface {
	Snapshot() (PeerHandle, uint64)
}

// maxEncoderResets caps how many times the send loop will ask the capture
// goroutine to rebuild the encoder pipeline while waiting for a first (or
// post-reset) IDR before giving up and streaming P-frames anyway — a
// decoder that never gets a keyframe is strictly worse than one that
// starts with visible artifacts until the next periodic IDR.
const maxEncoderResets = 3

// idrWaitTimeout is how long the loop waits for an IDR before forcing
// another keyframe request; after 5 such timeouts it escalates to an
// encoder reset.
const idrWaitTimeout = 500 * time.Millisecond

const maxIdrWaitAttempts = 5

// healthCheckMinFrames and healthCheckMinInterval gate the silent-RTP-drop
// check: WriteVideoSample can return nil forever while no RTP packet is
// actually leaving the host (e.g. a DTLS handshake that silently stalled),
// so the loop periodically cross-checks the peer's own packets_sent stat.
const healthCheckMinFrames = 150

const healthCheckMinInterval = 5 * time.Second

// SendLoopConfig bundles everything RunSendLoop needs beyond the frame
// channel itself.
type SendLoopConfig struct {
	Snapshot      Snapshotter
	ForceKeyframe func() // requests the encoder produce an IDR on its next frame
	ResetEncoder  func() // requests a rebuild of the encoder (the capturer is kept)
	FrameDuration func() time.Duration
}

// sendState is the keyframe-barrier state machine's mutable bookkeeping,
// reset wholesale whenever the peer generation changes.
type sendState struct {
	cachedGen         uint64
	haveGen           bool
	wasConnected      bool
	waitingForIDR     bool
	idrWaitStart      time.Time
	idrWaitAttempts   uint32
	encoderResetCount uint32

	framesSinceHealthCheck uint64
	healthCheckStart       time.Time
}

func (s *sendState) resetForNewPeer(gen uint64) {
	s.cachedGen = gen
	s.haveGen = true
	s.wasConnected = false
	s.waitingForIDR = false
	s.idrWaitAttempts = 0
	s.encoderResetCount = 0
	s.framesSinceHealthCheck = 0
	s.healthCheckStart = time.Now()
}

// RunSendLoop consumes encoded H.264 access units from encodedCh and writes
// them to the peer cfg.Snapshot currently reports, gating output on the
// first IDR after every peer swap or reconnect and recovering from a
// silently broken RTP path. Returns when encodedCh is closed or ctx is
// canceled.
func RunSendLoop(ctx context.Context, encodedCh <-chan []byte, cfg SendLoopConfig) {
	st := &sendState{healthCheckStart: time.Now()}

	for {
		select {
		case <-ctx.Done():
			return
		case data, ok := <-encodedCh:
			if !ok {
				log.Printf("video frame channel closed")
				return
			}
			handleVideoFrame(data, st, cfg)
		}
	}
}

func handleVideoFrame(data []byte, st *sendState, cfg SendLoopConfig) {
	var (
		peerHandle PeerHandle
		gen        uint64
	)
	if cfg.Snapshot != nil {
		peerHandle, gen = cfg.Snapshot.Snapshot()
	}
	if peerHandle == nil {
		return // no peer negotiated yet
	}

	// Peer-swap detection is generation-based, not edge-detection on
	// is_connected() — a swap can happen between two connected peers
	// (reconnect) without ever observing a false in between.
	if !st.haveGen || gen != st.cachedGen {
		st.resetForNewPeer(gen)
	}

	if !peerHandle.IsConnected() {
		return // drop frame; nothing to write to yet
	}

	if !st.wasConnected {
		st.wasConnected = true
		st.waitingForIDR = true
		st.idrWaitStart = time.Now()
		st.idrWaitAttempts = 0
		if cfg.ForceKeyframe != nil {
			cfg.ForceKeyframe()
		}
	}

	isIDR := h264.ContainsIDR(data)

	if st.waitingForIDR {
		if !isIDR {
			if time.Since(st.idrWaitStart) > idrWaitTimeout {
				st.idrWaitAttempts++
				if st.idrWaitAttempts > maxIdrWaitAttempts {
					if st.encoderResetCount < maxEncoderResets {
						st.encoderResetCount++
						log.Printf("failed to get IDR after %d attempts, resetting encoder pipeline (reset %d/%d)",
							st.idrWaitAttempts, st.encoderResetCount, maxEncoderResets)
						if cfg.ResetEncoder != nil {
							cfg.ResetEncoder()
						}
						st.idrWaitStart = time.Now()
						st.idrWaitAttempts = 0
					} else {
						log.Printf("exhausted %d encoder resets, proceeding with P-frames", st.encoderResetCount)
						st.waitingForIDR = false
					}
				} else {
					log.Printf("IDR wait timeout (attempt %d), forcing another keyframe", st.idrWaitAttempts)
					if cfg.ForceKeyframe != nil {
						cfg.ForceKeyframe()
					}
					st.idrWaitStart = time.Now()
				}
			}
			if st.waitingForIDR {
				return
			}
		}
		if st.waitingForIDR {
			log.Printf("first IDR frame (%d bytes), starting video stream", len(data))
			st.waitingForIDR = false
		}
	}

	dur := 16 * time.Millisecond
	if cfg.FrameDuration != nil {
		dur = cfg.FrameDuration()
	}

	if err := peerHandle.WriteVideoSample(data, dur); err != nil {
		log.Printf("write video sample: %v", err)
		return
	}

	st.framesSinceHealthCheck++
	if st.framesSinceHealthCheck >= healthCheckMinFrames && time.Since(st.healthCheckStart) >= healthCheckMinInterval {
		sent := peerHandle.VideoPacketsSent()
		st.framesSinceHealthCheck = 0
		st.healthCheckStart = time.Now()
		if sent == 0 {
			// WriteVideoSample keeps succeeding but nothing left the host:
			// the RTP pipeline is silently broken. Force a keyframe and
			// re-run the connection-transition logic on the next peer.
			log.Printf("silent RTP drop detected (generation %d): 0 packets sent after %d frames, forcing IDR", st.cachedGen, healthCheckMinFrames)
			st.wasConnected = false
			if cfg.ForceKeyframe != nil {
				cfg.ForceKeyframe()
			}
		}
	}
}

// RunAudioLoop forwards Opus packets from audioCh to the current peer
// until the channel closes or ctx is canceled. No IDR gating applies to
// audio; frames are simply dropped while no connected peer exists.
func RunAudioLoop(ctx context.Context, audioCh <-chan *types.OpusPacket, snap Snapshotter) {
	var frameCount uint64
	for {
		select {
		case <-ctx.Done():
			return
		case pkt, ok := <-audioCh:
			if !ok {
				log.Printf("audio frame channel closed")
				return
			}
			var peerHandle PeerHandle
			if snap != nil {
				peerHandle, _ = snap.Snapshot()
			}
			if peerHandle == nil || !peerHandle.IsConnected() {
				continue
			}
			if err := peerHandle.WriteAudioSample(pkt.Data, pkt.Duration); err != nil {
				log.Printf("write audio sample: %v", err)
				continue
			}
			frameCount++
			if frameCount%500 == 0 {
				log.Printf("audio frames sent: %d", frameCount)
			}
		}
	}
}
