package types

import (
	"image"
	"time"
	"unsafe"
)

// Frame is a captured screen frame. Either Ptr (zero-copy) or Data is populated.
type Frame struct {
	Data   []byte
	Ptr    unsafe.Pointer
	Width  int
	Height int
	Stride int
	IsCUDA bool // true = Ptr is a CUDA device pointer (NV12 format)
	PixFmt int  // 0 = BGRA (default), 1 = NV12

	// release returns Data to its originating pool (internal/framepool),
	// when the capturer checked it out of one. nil for zero-copy GPU
	// frames, where there is no pooled buffer to return. The capture loop
	// must call Release exactly once per frame, after the encoder has
	// consumed it, to honor the pool-size invariant (SPEC_FULL.md §3, §8).
	release func()
}

// SetRelease attaches the pool-return callback; used by capturer
// implementations that check frames out of an internal/framepool.Pool.
func (f *Frame) SetRelease(fn func()) { f.release = fn }

// Release returns the frame's backing buffer to its pool, if any. Safe to
// call on a nil Frame or one with no pool (zero-copy GPU frames).
func (f *Frame) Release() {
	if f != nil && f.release != nil {
		f.release()
	}
}

const (
	PixFmtBGRA = 0
	PixFmtNV12 = 1
)

type EncodedFrame struct {
	Data  []byte
	IsKey bool
}

// InputEvent is the capture-side decoded form of a protocol.InputEvent,
// dispatched by Type to the injector. Distinct from the wire format so the
// injector never depends on protocol's short JSON tags; cmd/beam-agent
// translates one into the other. EvdevCode is the raw Linux evdev
// keycode the browser reported — the injector maps it to an X11 keycode
// by adding 8 (SPEC_FULL.md §6), never through a keysym name table.
type InputEvent struct {
	Type      string
	EvdevCode uint16
	Pressed   bool
	X, Y      float64
	DX, DY    float64
	Button    uint8
	Text      string
	Width     uint32
	Height    uint32
	Layout    string
	Mode      string
	Visible   bool
	Primary   bool
}

type OpusPacket struct {
	Data     []byte
	Duration time.Duration
}

type MediaCapturer interface {
	Width() int
	Height() int
	Grab() (*Frame, error)
	Close()
}

// CUDAProvider is optionally implemented by a MediaCapturer that captures
// directly to CUDA device memory (e.g. NvFBC). The encoder uses this to
// set up a CUDA hw_frames_ctx for zero-copy NVENC encoding.
type CUDAProvider interface {
	CUDAContext() unsafe.Pointer
	CuMemcpy2D() unsafe.Pointer
}

// DebugGrabber is optionally implemented by a MediaCapturer to provide
// a debug image of the current frame. No HTTP route serves it.
type DebugGrabber interface {
	GrabImage() (image.Image, error)
}

// EncoderKind identifies which backend produced a VideoEncoder, so callers
// (abr, the send loop) can apply backend-specific policy such as skipping
// bitrate pushes NVENC ignores mid-stream.
type EncoderKind int

const (
	EncoderKindSoftware EncoderKind = iota
	EncoderKindNVIDIA
	EncoderKindVAAPI
)

func (k EncoderKind) String() string {
	switch k {
	case EncoderKindNVIDIA:
		return "nvidia"
	case EncoderKindVAAPI:
		return "vaapi"
	default:
		return "software"
	}
}

type VideoEncoder interface {
	Encode(frame *Frame) (*EncodedFrame, error)
	// SetBitrate adjusts the target bitrate of the running encoder. NVIDIA
	// backends may no-op this after the first call; callers should not
	// assume the change took effect.
	SetBitrate(kbps int)
	// ForceIDR requests that the next encoded frame be a keyframe.
	ForceIDR()
	// HasError reports whether the encoder has entered a persistent
	// failure state an operator should react to by rebuilding it.
	HasError() bool
	Kind() EncoderKind
	Close()
}

type EventInjector interface {
	Inject(event InputEvent)
	Close()
}

// CaptureCommand is sent from the async video/ABR/signaling side to the
// goroutine that exclusively owns the capturer and encoder, since only
// that goroutine may safely recreate either mid-stream.
type CaptureCommand struct {
	Kind CaptureCommandKind

	Bitrate   uint32 // SetBitrate
	Width     uint32 // Resize
	Height    uint32 // Resize
	HighQuality bool // SetQualityHigh
}

type CaptureCommandKind int

const (
	CaptureCmdSetBitrate CaptureCommandKind = iota
	CaptureCmdResize
	CaptureCmdSetQualityHigh
	// CaptureCmdResetEncoder recreates the encoder pipeline to guarantee a
	// fresh IDR frame. Used on WebRTC reconnection — ForceIDR alone is not
	// always enough to recover a backend stuck emitting only P-frames.
	CaptureCmdResetEncoder
)

func SetBitrateCommand(kbps uint32) CaptureCommand {
	return CaptureCommand{Kind: CaptureCmdSetBitrate, Bitrate: kbps}
}

func ResizeCommand(width, height uint32) CaptureCommand {
	return CaptureCommand{Kind: CaptureCmdResize, Width: width, Height: height}
}

func SetQualityHighCommand(high bool) CaptureCommand {
	return CaptureCommand{Kind: CaptureCmdSetQualityHigh, HighQuality: high}
}

func ResetEncoderCommand() CaptureCommand {
	return CaptureCommand{Kind: CaptureCmdResetEncoder}
}

type ClipboardSync interface {
	SetFromClient(text string)
	SetPrimaryFromClient(text string)
	Run(stop <-chan struct{})
	Close()
}

type AudioCapturer interface {
	Run(packets chan<- *OpusPacket, stop <-chan struct{})
	Close()
}

// CursorReporter watches the X cursor shape and reports a cursor name
// whenever it changes. The X11 implementation in internal/cursor reports
// every change as "default". Best-effort; no testable invariant depends
// on it.
type CursorReporter interface {
	Run(onChange func(name string), stop <-chan struct{})
	Close()
}
