package abr

import (
	"testing"

	"beam/internal/types"

	"github.com/pion/webrtc/v4"
)

type fakePeerStats struct {
	sentCum uint32
	lostCum int64
	rtt     float64
}

func (f *fakePeerStats) GetStats() webrtc.StatsReport {
	return webrtc.StatsReport{
		"outbound-video": webrtc.OutboundRTPStreamStats{Kind: "video", PacketsSent: f.sentCum},
		"remote-inbound-video": webrtc.RemoteInboundRTPStreamStats{
			Kind:          "video",
			PacketsLost:   f.lostCum,
			RoundTripTime: f.rtt,
		},
	}
}

type fixedSnapshotter struct{ p PeerStats }

func (s fixedSnapshotter) Snapshot() PeerStats { return s.p }

func TestControllerDisabledForNVIDIA(t *testing.T) {
	peer := &fakePeerStats{}
	var applied []uint32
	ctl := NewController(Config{
		MinBitrateKbps:     500,
		MaxBitrateKbps:     20000,
		InitialBitrateKbps: 5000,
		EncoderKind:        types.EncoderKindNVIDIA,
		SetBitrate:         func(kbps uint32) { applied = append(applied, kbps) },
		Snapshot:           fixedSnapshotter{peer},
	})

	if ctl.Enabled() {
		t.Fatal("expected ABR to be disabled for NVIDIA")
	}

	// Simulate 10 seconds of 10% loss; Tick itself refuses to decide
	// anything once ABR is disabled for this backend.
	for i := 0; i < 10; i++ {
		peer.sentCum += 90
		peer.lostCum += 10
		ctl.Tick()
	}

	if ctl.CurrentBitrateKbps() != 5000 {
		t.Fatalf("expected bitrate to stay at initial value for NVIDIA, got %d", ctl.CurrentBitrateKbps())
	}
	if len(applied) != 0 {
		t.Fatalf("expected SetBitrate never called for NVIDIA, got %d calls", len(applied))
	}
}

func TestControllerLowersBitrateOnHighLoss(t *testing.T) {
	peer := &fakePeerStats{}
	var lastApplied uint32
	ctl := NewController(Config{
		MinBitrateKbps:     500,
		MaxBitrateKbps:     20000,
		InitialBitrateKbps: 5000,
		EncoderKind:        types.EncoderKindSoftware,
		SetBitrate:         func(kbps uint32) { lastApplied = kbps },
		Snapshot:           fixedSnapshotter{peer},
	})

	ctl.Tick() // establishes baseline, no decision yet

	// Sustained 10% loss should eventually push loss_ema above 0.05 and
	// cut the bitrate by 30%.
	for i := 0; i < 5; i++ {
		peer.sentCum += 900
		peer.lostCum += 100
		ctl.Tick()
	}

	if ctl.CurrentBitrateKbps() >= 5000 {
		t.Fatalf("expected bitrate to drop under sustained loss, got %d", ctl.CurrentBitrateKbps())
	}
	if ctl.CurrentBitrateKbps() < 500 {
		t.Fatalf("bitrate must never drop below min_br=500, got %d", ctl.CurrentBitrateKbps())
	}
	if lastApplied != ctl.CurrentBitrateKbps() {
		t.Fatalf("SetBitrate callback should receive the same value as CurrentBitrateKbps")
	}
}

func TestControllerRaisesBitrateOnLowLossAndLowRTT(t *testing.T) {
	peer := &fakePeerStats{rtt: 0.02}
	ctl := NewController(Config{
		MinBitrateKbps:     500,
		MaxBitrateKbps:     20000,
		InitialBitrateKbps: 5000,
		EncoderKind:        types.EncoderKindSoftware,
		Snapshot:           fixedSnapshotter{peer},
	})

	ctl.Tick()
	for i := 0; i < 3; i++ {
		peer.sentCum += 1000
		ctl.Tick()
	}

	if ctl.CurrentBitrateKbps() <= 5000 {
		t.Fatalf("expected bitrate to rise under zero loss + low RTT, got %d", ctl.CurrentBitrateKbps())
	}
}

func TestControllerNeverExceedsMaxBitrate(t *testing.T) {
	peer := &fakePeerStats{rtt: 0.01}
	ctl := NewController(Config{
		MinBitrateKbps:     500,
		MaxBitrateKbps:     6000,
		InitialBitrateKbps: 5000,
		EncoderKind:        types.EncoderKindSoftware,
		Snapshot:           fixedSnapshotter{peer},
	})

	ctl.Tick()
	for i := 0; i < 20; i++ {
		peer.sentCum += 1000
		ctl.Tick()
	}

	if ctl.CurrentBitrateKbps() > 6000 {
		t.Fatalf("bitrate must be clamped to max_br=6000, got %d", ctl.CurrentBitrateKbps())
	}
}
