// Command beam-agent is the per-session process: it owns one X display,
// captures frames via SHM, encodes H.264, runs a swappable WebRTC peer,
// injects remote input, and adapts its bitrate to RTCP feedback. Spawned
// by the orchestrator (cmd/beam-server, via internal/session) with its display,
// dimensions, and signaling endpoint on argv and its auth token in the
// environment. Grounded on cmd/bunghole/main.go's flag/signal-handling
// shape and agent/src/main.rs's capture-loop/command-channel/thread layout.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"log"
	"os"
	"os/exec"
	"os/signal"
	"syscall"
	"time"

	"beam/internal/abr"
	"beam/internal/captureloop"
	"beam/internal/clipboard"
	"beam/internal/cursor"
	"beam/internal/encode"
	"beam/internal/capture"
	"beam/internal/input"
	"beam/internal/peer"
	"beam/internal/protocol"
	"beam/internal/signalingclient"
	"beam/internal/types"
	"beam/internal/video"
	"beam/internal/xserver"

	"beam/internal/audio"
)

var (
	flagDisplay    = flag.String("display", "", "X11 display to capture (e.g. :10)")
	flagSessionID  = flag.String("session-id", "", "orchestrator-assigned session UUID")
	flagServerURL  = flag.String("server-url", "", "orchestrator base URL (ws(s)://host:port)")
	flagWidth      = flag.Uint("width", 1920, "capture width")
	flagHeight     = flag.Uint("height", 1080, "capture height")
	flagMaxWidth   = flag.Uint("max-width", 3840, "maximum resize width")
	flagMaxHeight  = flag.Uint("max-height", 2160, "maximum resize height")
	flagFramerate  = flag.Uint("framerate", protocol.AgentDefaultFramerate, "capture/encode framerate")
	flagBitrate    = flag.Uint("bitrate", protocol.AgentDefaultBitrateKbps, "initial video bitrate in kbps")
	flagMinBitrate = flag.Uint("min-bitrate", 500, "ABR floor in kbps")
	flagMaxBitrate = flag.Uint("max-bitrate", 20000, "ABR ceiling in kbps")
	flagLowFPS     = flag.Uint("low-wan-fps", 15, "framerate used in low-quality WAN mode")
	flagLowBitrate = flag.Uint("low-wan-bitrate", 1000, "bitrate used in low-quality WAN mode (non-NVIDIA only)")
	flagGPU        = flag.Int("gpu", 0, "GPU index for the encoder")
	flagCodec      = flag.String("codec", "h264", "video codec (h264 or h265)")
	flagGOP        = flag.Int("gop", 0, "keyframe interval in frames (0 = 2x framerate)")
	flagEncoder    = flag.String("encoder", "", "unused hint; backend selection is always probe-order NVIDIA->VA-API->software")
	flagTLSCert    = flag.String("tls-cert", "", "pinned orchestrator certificate (PEM), augments system roots")
	flagIceServers = flag.String("ice-servers", "", "JSON array of {urls,username,credential} ICE servers")
	flagAudio      = flag.Bool("audio", true, "capture and stream audio")
)

func main() {
	flag.Parse()

	if *flagSessionID == "" || *flagServerURL == "" {
		log.Fatal("--session-id and --server-url are required")
	}
	token := os.Getenv("BEAM_AGENT_TOKEN")
	if token == "" {
		log.Fatal("BEAM_AGENT_TOKEN environment variable is required")
	}

	displayName := *flagDisplay
	if displayName == "" {
		displayName = os.Getenv("DISPLAY")
	}
	if displayName == "" {
		log.Fatal("--display or DISPLAY must be set")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	width, height, ok := captureloop.ClampResize(uint32(*flagWidth), uint32(*flagHeight),
		uint32(*flagMaxWidth), uint32(*flagMaxHeight))
	if !ok {
		log.Fatalf("requested dimensions %dx%d out of range", *flagWidth, *flagHeight)
	}

	capturerFactory := func(w, h int) (types.MediaCapturer, error) {
		return capture.NewCapturer(displayName, int(*flagFramerate), *flagGPU)
	}
	encoderFactory := func(w, h, bitrateKbps int) (types.VideoEncoder, error) {
		return encode.NewEncoder(w, h, int(*flagFramerate), bitrateKbps, *flagGPU, *flagCodec, *flagGOP, nil, nil)
	}

	initialCapturer, err := capturerFactory(int(width), int(height))
	if err != nil {
		log.Fatalf("initial capture failed: %v", err)
	}
	initialEncoder, err := encoderFactory(int(width), int(height), int(*flagBitrate))
	if err != nil {
		initialCapturer.Close()
		log.Fatalf("initial encoder failed: %v", err)
	}
	encoderKind := initialEncoder.Kind()
	log.Printf("beam-agent: display=%s %dx%d encoder=%s", displayName, width, height, encoderKind)

	commands := make(chan types.CaptureCommand, 8)
	encodedFrames := make(chan *types.EncodedFrame, 2)

	loop := captureloop.New(captureloop.Config{
		NewCapturer:       capturerFactory,
		NewEncoder:        encoderFactory,
		Resizer:           xserver.AgentResizer{Display: displayName, Xauthority: os.Getenv("XAUTHORITY")},
		Width:             int(width),
		Height:            int(height),
		MaxWidth:          uint32(*flagMaxWidth),
		MaxHeight:         uint32(*flagMaxHeight),
		FPS:               int(*flagFramerate),
		BitrateKbps:       int(*flagBitrate),
		LowWANFPS:         int(*flagLowFPS),
		LowWANBitrateKbps: int(*flagLowBitrate),
		Commands:          commands,
		Encoded:           encodedFrames,
	}, initialCapturer, initialEncoder)

	// The send loop speaks []byte access units; the capture loop emits
	// *types.EncodedFrame (data + IDR flag it never itself inspects).
	// This goroutine is the only place the two shapes meet.
	encodedBytes := make(chan []byte, 2)
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case f, ok := <-encodedFrames:
				if !ok {
					close(encodedBytes)
					return
				}
				select {
				case encodedBytes <- f.Data:
				default:
				}
			}
		}
	}()

	var clipSync types.ClipboardSync
	if cs, err := clipboard.New(displayName); err != nil {
		log.Printf("clipboard sync unavailable: %v", err)
	} else {
		clipSync = cs
		go cs.Run(ctx.Done())
	}

	cell := peer.NewCell(nil)

	// A Ctrl+C/X release requests we read the (local) X selection and push
	// it to the browser over the input data channel, per SPEC_FULL.md §4.8.
	inputHandler, err := input.NewInputHandler(displayName, func(primary bool) {
		type xSelReader interface {
			ReadText(primary bool) string
		}
		reader, ok := clipSync.(xSelReader)
		if !ok {
			return
		}
		text := reader.ReadText(primary)
		if text == "" {
			return
		}
		if p := cell.Snapshot(); p != nil {
			msg, _ := json.Marshal(map[string]string{"t": "c", "text": text})
			p.SendDataChannelMessage(string(msg))
		}
	})
	if err != nil {
		log.Printf("input injection unavailable: %v", err)
	}

	var cursorReporter types.CursorReporter
	if cr, err := cursor.New(displayName); err != nil {
		log.Printf("cursor reporting unavailable: %v", err)
	} else {
		cursorReporter = cr
	}

	iceServers, err := parseIceServers(*flagIceServers)
	if err != nil {
		log.Printf("ignoring malformed --ice-servers: %v", err)
	}

	pinnedCert, err := signalingclient.LoadPinnedCert(*flagTLSCert)
	if err != nil {
		log.Printf("failed to load pinned certificate: %v", err)
	}

	newPeer := func() (*peer.Peer, error) {
		return peer.Create(peer.Config{
			IceServers:  iceServers,
			EncoderKind: encoderKind,
		}, nil, loop.RequestIDR, inputDispatcher(commands, loop, inputHandler, clipSync))
	}

	sigClient, err := signalingclient.New(signalingclient.Config{
		ServerURL:     *flagServerURL,
		SessionID:     *flagSessionID,
		AgentToken:    token,
		PinnedCertPEM: pinnedCert,
		NewPeer:       newPeer,
		Cell:          cell,
		Commands:      commands,
	})
	if err != nil {
		log.Fatalf("failed to construct signaling client: %v", err)
	}

	abrController := abr.NewController(abr.Config{
		MinBitrateKbps:     uint32(*flagMinBitrate),
		MaxBitrateKbps:     uint32(*flagMaxBitrate),
		InitialBitrateKbps: uint32(*flagBitrate),
		EncoderKind:        encoderKind,
		SetBitrate: func(kbps uint32) {
			select {
			case commands <- types.SetBitrateCommand(kbps):
			default:
			}
		},
		Snapshot: abr.CellSnapshotter{Cell: cell},
	})

	var audioOpusCh chan *types.OpusPacket
	var audioCapturer types.AudioCapturer
	if *flagAudio {
		ac, err := audio.NewAudioCapture()
		if err != nil {
			log.Printf("audio capture unavailable: %v", err)
		} else {
			audioCapturer = ac
			audioOpusCh = make(chan *types.OpusPacket, 8)
		}
	}

	go loop.Run(ctx)
	go sigClient.Run(ctx)
	go abrController.Run(ctx)
	go video.RunSendLoop(ctx, encodedBytes, video.SendLoopConfig{
		Snapshot:      video.CellSnapshotter{Cell: cell},
		ForceKeyframe: loop.RequestIDR,
		ResetEncoder: func() {
			select {
			case commands <- types.ResetEncoderCommand():
			default:
			}
		},
		FrameDuration: func() time.Duration { return time.Second / time.Duration(*flagFramerate) },
	})

	if audioCapturer != nil {
		audioStop := make(chan struct{})
		go func() { <-ctx.Done(); close(audioStop) }()
		go audioCapturer.Run(audioOpusCh, audioStop)
		go video.RunAudioLoop(ctx, audioOpusCh, abr.CellSnapshotter{Cell: cell})
	}

	if cursorReporter != nil {
		go cursorReporter.Run(func(name string) {
			if p := cell.Snapshot(); p != nil {
				p.SendDataChannelMessage(`{"t":"cursor","name":"` + name + `"}`)
			}
		}, ctx.Done())
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	<-sigCh
	log.Printf("beam-agent: shutting down")
	cancel()

	if inputHandler != nil {
		inputHandler.Close()
	}
	if clipSync != nil {
		clipSync.Close()
	}
	if cursorReporter != nil {
		cursorReporter.Close()
	}
	if p := cell.Snapshot(); p != nil {
		p.Close()
	}
}

func parseIceServers(raw string) ([]peer.IceServer, error) {
	if raw == "" {
		return nil, nil
	}
	var infos []protocol.IceServerInfo
	if err := json.Unmarshal([]byte(raw), &infos); err != nil {
		return nil, err
	}
	out := make([]peer.IceServer, 0, len(infos))
	for _, i := range infos {
		out = append(out, peer.IceServer{URLs: i.URLs, Username: i.Username, Credential: i.Credential})
	}
	return out, nil
}

// inputDispatcher translates the browser's compact wire-format input
// events into X injection calls, capture-loop commands, and clipboard/
// cursor side effects, per SPEC_FULL.md §4.8.
func inputDispatcher(commands chan<- types.CaptureCommand, loop *captureloop.Loop, inj types.EventInjector, clip types.ClipboardSync) func(protocol.InputEvent) {
	var layoutDedup string
	return func(ev protocol.InputEvent) {
		loop.NoteInput()
		switch ev.T {
		case protocol.InputTypeKey:
			if inj != nil {
				inj.Inject(types.InputEvent{Type: "k", EvdevCode: ev.C, Pressed: ev.D})
			}
		case protocol.InputTypeMouseMove:
			if inj != nil {
				inj.Inject(types.InputEvent{Type: "m", X: ev.X, Y: ev.Y})
			}
		case protocol.InputTypeRelativeMouse:
			if inj != nil {
				inj.Inject(types.InputEvent{Type: "rm", DX: clampDelta(ev.DX), DY: clampDelta(ev.DY)})
			}
		case protocol.InputTypeButton:
			if inj != nil {
				inj.Inject(types.InputEvent{Type: "b", Button: ev.B, Pressed: ev.D})
			}
		case protocol.InputTypeScroll:
			if inj != nil {
				inj.Inject(types.InputEvent{Type: "s", DX: ev.DX, DY: ev.DY})
			}
		case protocol.InputTypeClipboard:
			if clip != nil {
				text := ev.Text
				if len(text) > 1<<20 {
					text = text[:1<<20]
				}
				clip.SetFromClient(text)
			}
		case protocol.InputTypeClipboardPrimary:
			if clip != nil {
				text := ev.Text
				if len(text) > 1<<20 {
					text = text[:1<<20]
				}
				clip.SetPrimaryFromClient(text)
			}
		case protocol.InputTypeVisibilityState:
			// Tab-hide/show: force idle throttling immediately instead of
			// waiting out the 5-minute inactivity threshold, per
			// SPEC_FULL.md §3/§4.8. NoteInput (above) already refreshed
			// lastInput; ForceIdle overrides it while the tab is hidden.
			if ev.Visible != nil {
				loop.ForceIdle(!*ev.Visible)
			}
		case protocol.InputTypeResize:
			select {
			case commands <- types.ResizeCommand(ev.W, ev.H):
			default:
			}
		case protocol.InputTypeLayout:
			name := ev.Layout
			if len(name) < 1 || len(name) > 20 || !isValidLayoutName(name) || name == layoutDedup {
				return
			}
			layoutDedup = name
			spawnLayoutTool(name)
		case protocol.InputTypeQuality:
			select {
			case commands <- types.SetQualityHighCommand(ev.Mode == "high"):
			default:
			}
		}
	}
}

// clampDelta bounds relative-mouse deltas to the +-10000 sanity range from
// SPEC_FULL.md §4.8, guarding against a malformed or malicious client
// sending an absurd XWarpPointer offset.
func clampDelta(v float64) float64 {
	const bound = 10000
	if v > bound {
		return bound
	}
	if v < -bound {
		return -bound
	}
	return v
}

func isValidLayoutName(s string) bool {
	for _, r := range s {
		if !(r >= 'a' && r <= 'z' || r >= 'A' && r <= 'Z' || r >= '0' && r <= '9' || r == '_' || r == '-') {
			return false
		}
	}
	return true
}

// spawnLayoutTool invokes the external keyboard-layout switcher
// (setxkbmap), an out-of-core-scope collaborator per SPEC_FULL.md §1/§6.
func spawnLayoutTool(layout string) {
	go func() {
		cmd := exec.Command("setxkbmap", layout)
		if err := cmd.Run(); err != nil {
			log.Printf("setxkbmap %s failed: %v", layout, err)
		}
	}()
}
