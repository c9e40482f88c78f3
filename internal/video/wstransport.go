package video

import (
	"fmt"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"beam/internal/protocol"

	"github.com/gorilla/websocket"
)

// outboxCapacity bounds how many frames can queue for the WebSocket write
// goroutine before the send loop starts dropping video frames rather than
// blocking capture on a slow network — matching the Rust original's
// try_send-and-drop policy on its mpsc outbox.
const outboxCapacity = 4

// WSTransport is the alternate media transport: a single binary WebSocket
// connection carrying VideoFrameHeader-prefixed frames instead of RTP.
// It can stand in for the WebRTC peer via StaticSnapshotter, but
// cmd/beam-agent never constructs one and no agent flag selects it.
type WSTransport struct {
	conn  *websocket.Conn
	start time.Time

	mu     sync.Mutex
	outbox chan []byte
	done   chan struct{}
	closeOnce sync.Once

	videoPacketsSent atomic.Uint64
}

// NewWSTransport starts the background writer goroutine over conn.
func NewWSTransport(conn *websocket.Conn) *WSTransport {
	t := &WSTransport{
		conn:   conn,
		start:  time.Now(),
		outbox: make(chan []byte, outboxCapacity),
		done:   make(chan struct{}),
	}
	go t.writeLoop()
	return t
}

func (t *WSTransport) writeLoop() {
	for {
		select {
		case <-t.done:
			return
		case frame, ok := <-t.outbox:
			if !ok {
				return
			}
			if err := t.conn.WriteMessage(websocket.BinaryMessage, frame); err != nil {
				log.Printf("ws transport write failed, closing: %v", err)
				t.Close()
				return
			}
		}
	}
}

// trySend enqueues frame without blocking. A full outbox drops the frame
// (video) rather than stall capture on a slow client; a closed transport
// reports the frame as undeliverable.
func (t *WSTransport) trySend(frame []byte, isVideo bool) error {
	select {
	case t.outbox <- frame:
		if isVideo {
			t.videoPacketsSent.Add(1)
		}
		return nil
	case <-t.done:
		return fmt.Errorf("ws transport closed")
	default:
		if isVideo {
			return nil // dropping video frames under backpressure is intentional
		}
		log.Printf("dropping audio frame (ws outbox full)")
		return nil
	}
}

func (t *WSTransport) WriteVideoSample(data []byte, dur time.Duration) error {
	timestampUs := uint64(time.Since(t.start).Microseconds())
	isIDR := false // caller already classified; header flag is informational only here
	header := protocol.NewVideoFrameHeader(0, 0, timestampUs, uint32(len(data)), isIDR)
	return t.trySend(header.SerializeWithPayload(data), true)
}

// IsConnected reports whether the underlying WebSocket has not yet been
// closed. The raw transport has no ICE/DTLS negotiation phase, so it is
// "connected" from construction until Close.
func (t *WSTransport) IsConnected() bool {
	select {
	case <-t.done:
		return false
	default:
		return true
	}
}

// VideoPacketsSent counts successfully enqueued video frames, standing in
// for peer.Peer's RTP packets_sent stat so WSTransport satisfies
// video.PeerHandle and can drive the same silent-drop health check.
func (t *WSTransport) VideoPacketsSent() uint64 {
	return t.videoPacketsSent.Load()
}

func (t *WSTransport) WriteAudioSample(data []byte, _ time.Duration) error {
	timestampUs := uint64(time.Since(t.start).Microseconds())
	header := protocol.NewAudioFrameHeader(timestampUs, uint32(len(data)))
	return t.trySend(header.SerializeWithPayload(data), false)
}

// WriteVideoFrame is used instead of WriteVideoSample when the caller
// already knows the capture resolution and keyframe flag, giving the
// browser-side decoder an accurate header rather than the zeroed
// placeholder WriteVideoSample falls back to.
func (t *WSTransport) WriteVideoFrame(data []byte, width, height uint16, isIDR bool) error {
	timestampUs := uint64(time.Since(t.start).Microseconds())
	header := protocol.NewVideoFrameHeader(width, height, timestampUs, uint32(len(data)), isIDR)
	return t.trySend(header.SerializeWithPayload(data), true)
}

// StaticSnapshotter adapts a single fixed PeerHandle (such as a
// WSTransport, which never swaps mid-session) to Snapshotter with a
// constant generation of 1.
type StaticSnapshotter struct {
	Handle PeerHandle
}

func (s StaticSnapshotter) Snapshot() (PeerHandle, uint64) {
	return s.Handle, 1
}

func (t *WSTransport) Close() error {
	var err error
	t.closeOnce.Do(func() {
		close(t.done)
		err = t.conn.Close()
	})
	return err
}
