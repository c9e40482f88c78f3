// Package captureloop drives the single goroutine that exclusively owns
// the screen capturer and video encoder. Every other part of the agent
// (ABR, signaling, resize requests) mutates that pipeline only by sending
// a types.CaptureCommand, never by touching the capturer or encoder
// directly — this keeps resize and encoder-reset linearizable without
// cross-goroutine locking of the underlying GStreamer-equivalent state.
// Grounded on internal/server/server.go's runPipeline, generalized from a
// single fixed-rate ticker loop into the command-driven, idle-throttled
// cycle described for the agent's capture thread.
package captureloop

import (
	"context"
	"log"
	"sync/atomic"
	"time"

	"beam/internal/types"
)

// idleThreshold is how long without input before the loop drops to
// idleFPS to save CPU/bandwidth on an unattended desktop.
const (
	idleThreshold = 5 * time.Minute
	idleFPS       = 5
	drainWindow   = 2 * time.Millisecond
	resizeSettle  = 200 * time.Millisecond
)

// CapturerFactory builds a fresh MediaCapturer at the given dimensions,
// used both at startup and whenever the loop must rebuild the capture
// side of the pipeline (resize). An encoder reset rebuilds only the
// encoder.
type CapturerFactory func(width, height int) (types.MediaCapturer, error)

// EncoderFactory builds a fresh VideoEncoder sized to width/height at
// bitrateKbps.
type EncoderFactory func(width, height, bitrateKbps int) (types.VideoEncoder, error)

// Resizer applies a display mode change and reports once X11 has settled
// on it. Implemented by internal/xserver's XServer; abstracted here so
// captureloop does not import platform setup code directly.
type Resizer interface {
	Resize(width, height int) error
}

// Config configures a Loop. NewCapturer/NewEncoder are invoked at
// construction and on every later rebuild (resize, ResetEncoder,
// HasError recovery).
type Config struct {
	NewCapturer CapturerFactory
	NewEncoder  EncoderFactory
	Resizer     Resizer

	Width, Height       int
	MaxWidth, MaxHeight uint32
	FPS                 int
	BitrateKbps         int

	// LowWANFPS/LowWANBitrateKbps are the "quality low" targets for
	// SetQualityHigh(false); bitrate only applies to non-NVIDIA backends,
	// since NVENC ignores SetBitrate after the first frame.
	LowWANFPS         int
	LowWANBitrateKbps int

	Commands <-chan types.CaptureCommand
	Encoded  chan<- *types.EncodedFrame
}

// Loop owns the capturer and encoder exclusively.
type Loop struct {
	cfg Config

	capturer types.MediaCapturer
	encoder  types.VideoEncoder

	width, height int
	bitrateKbps   int
	qualityHigh   bool

	forceIDR   atomic.Bool
	lastInput  atomic.Int64 // unix nanos
	forcedIdle atomic.Bool
	wake       chan struct{}
}

// New builds a Loop around an already-constructed capturer/encoder pair
// (cmd/beam-agent builds the first pipeline instance so startup errors
// surface before the goroutine starts).
func New(cfg Config, capturer types.MediaCapturer, encoder types.VideoEncoder) *Loop {
	l := &Loop{
		cfg:         cfg,
		capturer:    capturer,
		encoder:     encoder,
		width:       cfg.Width,
		height:      cfg.Height,
		bitrateKbps: cfg.BitrateKbps,
		qualityHigh: true,
		wake:        make(chan struct{}, 1),
	}
	l.lastInput.Store(time.Now().UnixNano())
	return l
}

// RequestIDR sets the force-IDR flag the next cycle will clear by calling
// encoder.ForceIDR. Called from the RTCP PLI/FIR callback and from the
// video send loop's keyframe-barrier retries — both run on goroutines
// other than the one driving Run, so this only ever touches the atomic
// flag, never the encoder itself.
func (l *Loop) RequestIDR() {
	l.forceIDR.Store(true)
}

// NoteInput records that an input event just arrived, keeping the loop
// out of idle framerate mode, and wakes a pending idle-mode sleep so the
// loop re-evaluates its pacing immediately rather than on the next natural
// timeout. Called from the input-injection path.
func (l *Loop) NoteInput() {
	l.lastInput.Store(time.Now().UnixNano())
	select {
	case l.wake <- struct{}{}:
	default:
	}
}

// ForceIdle switches the loop into (or out of) idle framerate immediately,
// bypassing the 5-minute inactivity threshold — used when the browser
// reports its tab went hidden (or became visible again), per
// SPEC_FULL.md §3's "vs" visibility-state event. Wakes any in-progress
// pace sleep so the switch to idle throttling takes effect on the very
// next frame rather than waiting out the current one.
func (l *Loop) ForceIdle(idle bool) {
	l.forcedIdle.Store(idle)
	select {
	case l.wake <- struct{}{}:
	default:
	}
}

// Run drives the capture/encode cycle until ctx is canceled. Capture and
// encode failures are logged and skipped per frame rather than fatal.
func (l *Loop) Run(ctx context.Context) {
	defer l.encoder.Close()
	defer l.capturer.Close()

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		l.drainCommands(ctx)

		if l.encoder.HasError() {
			log.Printf("captureloop: encoder reported a persistent error, rebuilding")
			l.rebuildEncoder()
		}

		if l.forceIDR.CompareAndSwap(true, false) {
			l.encoder.ForceIDR()
		}

		frameDur := l.targetFrameDuration()
		deadline := time.Now().Add(frameDur)

		if exit := l.captureAndEncode(ctx); exit {
			return
		}

		if exit := l.pace(ctx, deadline, frameDur); exit {
			return
		}
	}
}

// captureAndEncode performs one grab/encode/emit cycle. It returns true
// only when the loop must exit (the encoded channel was torn down via
// context cancellation while draining).
func (l *Loop) captureAndEncode(ctx context.Context) bool {
	frame, err := l.capturer.Grab()
	if err != nil {
		return false
	}

	encoded, err := l.encoder.Encode(frame)
	frame.Release()
	if err != nil {
		return false
	}
	if encoded == nil {
		return false
	}

	// Encode is synchronous in every backend wired here, so there is at
	// most one AU to emit per cycle; the up-to-2ms drain window in
	// SPEC_FULL.md exists for asynchronous encoders (NVENC) that can
	// surface more than one completed AU per submission. try-send once
	// now; a backend that buffers internally will surface the rest on
	// the next Encode call instead of being waited on here.
	select {
	case <-ctx.Done():
		return true
	case l.cfg.Encoded <- encoded:
	default:
		// Channel full: drop this AU rather than block the capture
		// thread behind a slow sender.
	}
	return false
}

// drainCommands applies every command currently queued without blocking,
// so the loop never waits on a sender between capture cycles.
func (l *Loop) drainCommands(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case cmd, ok := <-l.cfg.Commands:
			if !ok {
				return
			}
			l.applyCommand(cmd)
		default:
			return
		}
	}
}

func (l *Loop) applyCommand(cmd types.CaptureCommand) {
	switch cmd.Kind {
	case types.CaptureCmdSetBitrate:
		l.bitrateKbps = int(cmd.Bitrate)
		l.encoder.SetBitrate(l.bitrateKbps)

	case types.CaptureCmdResize:
		l.resize(int(cmd.Width), int(cmd.Height))

	case types.CaptureCmdSetQualityHigh:
		l.setQuality(cmd.HighQuality)

	case types.CaptureCmdResetEncoder:
		l.rebuildEncoder()
		l.forceIDR.Store(true)
	}
}

// resize validates and clamps the requested resolution, invokes xrandr,
// waits for the mode change to settle, and rebuilds both capturer and
// encoder at the new dimensions. Out-of-range requests are rejected
// without disturbing the running pipeline.
func (l *Loop) resize(w, h int) {
	cw, ch, ok := ClampResize(uint32(w), uint32(h), l.cfg.MaxWidth, l.cfg.MaxHeight)
	if !ok {
		log.Printf("captureloop: rejecting out-of-range resize %dx%d", w, h)
		return
	}

	if l.cfg.Resizer != nil {
		if err := l.cfg.Resizer.Resize(int(cw), int(ch)); err != nil {
			log.Printf("captureloop: xrandr resize to %dx%d failed: %v", cw, ch, err)
			return
		}
		time.Sleep(resizeSettle)
	}

	l.width, l.height = int(cw), int(ch)
	l.rebuildCapturer()
	l.rebuildEncoder()
	l.forceIDR.Store(true)
}

// setQuality switches between the configured framerate/bitrate and the
// "low WAN" targets. NVENC ignores bitrate changes after the first
// frame, so the bitrate half of the switch is skipped for it.
func (l *Loop) setQuality(high bool) {
	l.qualityHigh = high
	if !high && l.encoder.Kind() != types.EncoderKindNVIDIA && l.cfg.LowWANBitrateKbps > 0 {
		l.bitrateKbps = l.cfg.LowWANBitrateKbps
		l.encoder.SetBitrate(l.bitrateKbps)
	} else if high {
		l.bitrateKbps = l.cfg.BitrateKbps
		if l.encoder.Kind() != types.EncoderKindNVIDIA {
			l.encoder.SetBitrate(l.bitrateKbps)
		}
	}
	l.forceIDR.Store(true)
}

func (l *Loop) rebuildCapturer() {
	next, err := l.cfg.NewCapturer(l.width, l.height)
	if err != nil {
		log.Printf("captureloop: failed to rebuild capturer at %dx%d: %v", l.width, l.height, err)
		return
	}
	old := l.capturer
	l.capturer = next
	old.Close()
}

func (l *Loop) rebuildEncoder() {
	next, err := l.cfg.NewEncoder(l.width, l.height, l.bitrateKbps)
	if err != nil {
		log.Printf("captureloop: failed to rebuild encoder at %dx%d/%dkbps: %v", l.width, l.height, l.bitrateKbps, err)
		return
	}
	old := l.encoder
	l.encoder = next
	old.Close()
}

// targetFrameDuration returns 1/FPS normally, 1/idleFPS after
// idleThreshold has elapsed with no recorded input.
func (l *Loop) targetFrameDuration() time.Duration {
	fps := l.cfg.FPS
	if !l.qualityHigh && l.cfg.LowWANFPS > 0 {
		fps = l.cfg.LowWANFPS
	}
	since := time.Since(time.Unix(0, l.lastInput.Load()))
	if since >= idleThreshold || l.forcedIdle.Load() {
		fps = idleFPS
	}
	if fps <= 0 {
		fps = 30
	}
	return time.Second / time.Duration(fps)
}

// pace sleeps until deadline, in both active and idle mode. The sleep is
// cut short the instant input arrives: NoteInput and ForceIdle both
// non-blockingly send on l.wake, which this select also receives on, so a
// 200ms idle-mode wait wakes instantly instead of running to completion —
// the condition-variable equivalent called for in SPEC_FULL.md §5.
func (l *Loop) pace(ctx context.Context, deadline time.Time, frameDur time.Duration) bool {
	remaining := time.Until(deadline)
	if remaining <= 0 {
		return false
	}
	timer := time.NewTimer(remaining)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return true
	case <-timer.C:
		return false
	case <-l.wake:
		return false
	}
}
