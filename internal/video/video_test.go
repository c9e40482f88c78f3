package video

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"beam/internal/types"
)

// fakePeer is a single connected PeerHandle with a fixed generation, used
// to drive the send loop's keyframe-barrier state machine directly.
type fakePeer struct {
	mu        sync.Mutex
	video     [][]byte
	audio     [][]byte
	connected atomic.Bool
	packets   atomic.Uint64
}

func newFakePeer() *fakePeer {
	p := &fakePeer{}
	p.connected.Store(true)
	return p
}

func (f *fakePeer) WriteVideoSample(data []byte, _ time.Duration) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.video = append(f.video, append([]byte(nil), data...))
	f.packets.Add(1)
	return nil
}

func (f *fakePeer) WriteAudioSample(data []byte, _ time.Duration) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.audio = append(f.audio, append([]byte(nil), data...))
	return nil
}

func (f *fakePeer) IsConnected() bool        { return f.connected.Load() }
func (f *fakePeer) VideoPacketsSent() uint64 { return f.packets.Load() }

func (f *fakePeer) videoCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.video)
}

// fakeCell is a Snapshotter returning a fixed PeerHandle and generation,
// settable mid-test to simulate a peer swap.
type fakeCell struct {
	mu  sync.Mutex
	p   PeerHandle
	gen uint64
}

func (c *fakeCell) set(p PeerHandle, gen uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.p, c.gen = p, gen
}

func (c *fakeCell) Snapshot() (PeerHandle, uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.p, c.gen
}

func idrNAL() []byte    { return []byte{0, 0, 0, 1, 0x65, 1, 2, 3} }
func pFrameNAL() []byte { return []byte{0, 0, 0, 1, 0x61, 1, 2, 3} }

func TestRunSendLoop(t *testing.T) {
	t.Run("drops P-frames while waiting for first IDR", func(t *testing.T) {
		p := newFakePeer()
		cell := &fakeCell{}
		cell.set(p, 1)
		ch := make(chan []byte, 4)
		ctx, cancel := context.WithCancel(context.Background())

		ch <- pFrameNAL()
		ch <- pFrameNAL()

		done := make(chan struct{})
		go func() {
			RunSendLoop(ctx, ch, SendLoopConfig{Snapshot: cell})
			close(done)
		}()

		time.Sleep(20 * time.Millisecond)
		if got := p.videoCount(); got != 0 {
			t.Fatalf("expected 0 frames written before IDR, got %d", got)
		}

		cancel()
		<-done
	})

	t.Run("starts streaming once first IDR arrives", func(t *testing.T) {
		p := newFakePeer()
		cell := &fakeCell{}
		cell.set(p, 1)
		ch := make(chan []byte, 4)
		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()

		ch <- pFrameNAL()
		ch <- idrNAL()
		ch <- pFrameNAL()

		done := make(chan struct{})
		go func() {
			RunSendLoop(ctx, ch, SendLoopConfig{Snapshot: cell})
			close(done)
		}()

		deadline := time.After(time.Second)
		for p.videoCount() < 2 {
			select {
			case <-deadline:
				t.Fatalf("timed out waiting for frames, got %d", p.videoCount())
			case <-time.After(5 * time.Millisecond):
			}
		}

		cancel()
		<-done
	})

	t.Run("stops on channel close", func(t *testing.T) {
		ch := make(chan []byte)
		close(ch)

		done := make(chan struct{})
		go func() {
			RunSendLoop(context.Background(), ch, SendLoopConfig{})
			close(done)
		}()

		select {
		case <-done:
		case <-time.After(time.Second):
			t.Fatal("RunSendLoop did not return after channel close")
		}
	})

	t.Run("drops frames when no peer is connected", func(t *testing.T) {
		p := newFakePeer()
		p.connected.Store(false)
		cell := &fakeCell{}
		cell.set(p, 1)
		ch := make(chan []byte, 2)
		ctx, cancel := context.WithCancel(context.Background())

		ch <- idrNAL()

		done := make(chan struct{})
		go func() {
			RunSendLoop(ctx, ch, SendLoopConfig{Snapshot: cell})
			close(done)
		}()

		time.Sleep(20 * time.Millisecond)
		if got := p.videoCount(); got != 0 {
			t.Fatalf("expected 0 frames written while disconnected, got %d", got)
		}

		cancel()
		<-done
	})

	t.Run("peer generation change re-arms the IDR barrier", func(t *testing.T) {
		peerA := newFakePeer()
		cell := &fakeCell{}
		cell.set(peerA, 1)
		ch := make(chan []byte, 8)
		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()

		var forced atomic.Int32
		cfg := SendLoopConfig{
			Snapshot:      cell,
			ForceKeyframe: func() { forced.Add(1) },
		}

		ch <- idrNAL()
		done := make(chan struct{})
		go func() {
			RunSendLoop(ctx, ch, cfg)
			close(done)
		}()

		deadline := time.After(time.Second)
		for peerA.videoCount() < 1 {
			select {
			case <-deadline:
				t.Fatalf("timed out waiting for first IDR write")
			case <-time.After(5 * time.Millisecond):
			}
		}

		// Swap in a new peer/generation; a P-frame must now be dropped
		// again until a fresh IDR, and ForceKeyframe must fire on the
		// reconnect transition.
		peerB := newFakePeer()
		cell.set(peerB, 2)
		ch <- pFrameNAL()
		time.Sleep(20 * time.Millisecond)
		if got := peerB.videoCount(); got != 0 {
			t.Fatalf("expected new-generation peer to drop P-frame before its own IDR, got %d", got)
		}
		if forced.Load() < 1 {
			t.Fatalf("expected ForceKeyframe to be called on peer swap")
		}

		ch <- idrNAL()
		deadline = time.After(time.Second)
		for peerB.videoCount() < 1 {
			select {
			case <-deadline:
				t.Fatalf("timed out waiting for post-swap IDR write")
			case <-time.After(5 * time.Millisecond):
			}
		}
	})
}

func TestRunAudioLoop(t *testing.T) {
	p := newFakePeer()
	cell := &fakeCell{}
	cell.set(p, 1)
	ch := make(chan *types.OpusPacket, 2)
	ctx, cancel := context.WithCancel(context.Background())

	ch <- &types.OpusPacket{Data: []byte{1, 2, 3}, Duration: 20 * time.Millisecond}
	ch <- &types.OpusPacket{Data: []byte{4, 5, 6}, Duration: 20 * time.Millisecond}

	done := make(chan struct{})
	go func() {
		RunAudioLoop(ctx, ch, cell)
		close(done)
	}()

	deadline := time.After(time.Second)
	for {
		p.mu.Lock()
		n := len(p.audio)
		p.mu.Unlock()
		if n >= 2 {
			break
		}
		select {
		case <-deadline:
			t.Fatalf("timed out waiting for audio frames, got %d", n)
		case <-time.After(5 * time.Millisecond):
		}
	}

	cancel()
	<-done
}
