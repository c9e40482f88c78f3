// Package abr implements the agent's adaptive bitrate controller: a
// once-per-second RTCP-stats-driven decision loop that raises or lowers
// the encoder's target bitrate based on an exponential moving average of
// packet loss and the current round-trip time. Grounded on agent/src/abr.rs
// of the Rust precursor.
package abr

import (
	"context"
	"log"
	"time"

	"beam/internal/types"

	"github.com/pion/webrtc/v4"
)

// PeerStats is the minimum a peer must expose for ABR to read RTCP stats
// from it, satisfied structurally by *peer.Peer.
type PeerStats interface {
	GetStats() webrtc.StatsReport
}

// Snapshotter hands back the currently active peer, or nil if none has
// been negotiated yet.
type Snapshotter interface {
	Snapshot() PeerStats
}

// Config bundles everything the controller needs to make and apply
// bitrate decisions.
type Config struct {
	MinBitrateKbps     uint32
	MaxBitrateKbps     uint32
	InitialBitrateKbps uint32
	EncoderKind        types.EncoderKind
	// SetBitrate enqueues a CaptureCmdSetBitrate command; nil is a no-op,
	// useful in tests that only want to observe CurrentBitrateKbps.
	SetBitrate func(kbps uint32)
	Snapshot   Snapshotter
}

// Controller tracks interval deltas of sent/lost video packets and the
// loss EMA across calls to Tick.
type Controller struct {
	cfg Config

	current uint32
	lossEMA float64

	prevSent uint64
	prevLost uint64
	havePrev bool
}

func NewController(cfg Config) *Controller {
	return &Controller{cfg: cfg, current: cfg.InitialBitrateKbps}
}

// Enabled reports whether ABR runs at all. Disabled entirely for the
// NVIDIA backend (SPEC_FULL.md §4.2: a runtime bitrate change on NVENC can
// corrupt color on ARM64), a flag evaluated once here rather than per
// tick.
func (c *Controller) Enabled() bool {
	return c.cfg.EncoderKind != types.EncoderKindNVIDIA
}

// CurrentBitrateKbps is the controller's last decided bitrate.
func (c *Controller) CurrentBitrateKbps() uint32 { return c.current }

// Run ticks once per second until ctx is canceled. A complete no-op when
// ABR is disabled for the configured encoder backend, so the caller can
// unconditionally spawn this goroutine.
func (c *Controller) Run(ctx context.Context) {
	if !c.Enabled() {
		return
	}
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.Tick()
		}
	}
}

// Tick performs one decision cycle. Exported so tests can drive the
// controller deterministically instead of waiting on a real 1s ticker.
func (c *Controller) Tick() {
	if !c.Enabled() {
		return
	}
	if c.cfg.Snapshot == nil {
		return
	}
	p := c.cfg.Snapshot.Snapshot()
	if p == nil {
		return
	}

	sent, lost, rtt, ok := readVideoStats(p.GetStats())
	if !ok {
		return
	}

	if !c.havePrev {
		c.prevSent, c.prevLost = sent, lost
		c.havePrev = true
		return
	}

	sentDelta := saturatingSub(sent, c.prevSent)
	lostDelta := saturatingSub(lost, c.prevLost)
	c.prevSent, c.prevLost = sent, lost

	total := sentDelta + lostDelta
	lossRate := 0.0
	if total > 0 {
		lossRate = float64(lostDelta) / float64(total)
	}
	c.lossEMA = 0.7*c.lossEMA + 0.3*lossRate

	newBitrate := c.current
	switch {
	case c.lossEMA > 0.05:
		newBitrate = clampMin(scale(c.current, 0.7), c.cfg.MinBitrateKbps)
	case c.lossEMA < 0.01 && rtt < 0.05:
		newBitrate = clampMax(scale(c.current, 1.5), c.cfg.MaxBitrateKbps)
	case c.lossEMA < 0.01:
		newBitrate = clampMax(scale(c.current, 1.2), c.cfg.MaxBitrateKbps)
	}

	if newBitrate != c.current {
		log.Printf("abr: loss_ema=%.4f rtt=%.3fs bitrate %d -> %d kbps", c.lossEMA, rtt, c.current, newBitrate)
		c.current = newBitrate
		if c.cfg.SetBitrate != nil {
			c.cfg.SetBitrate(newBitrate)
		}
	}
}

func scale(kbps uint32, factor float64) uint32 {
	return uint32(float64(kbps) * factor)
}

func clampMin(v, min uint32) uint32 {
	if v < min {
		return min
	}
	return v
}

func clampMax(v, max uint32) uint32 {
	if max > 0 && v > max {
		return max
	}
	return v
}

// saturatingSub mirrors the Rust precursor's u64::saturating_sub: RTCP
// counters are monotonic in steady state, but a peer swap resets them, so
// a naive subtraction could underflow into a huge unsigned delta.
func saturatingSub(a, b uint64) uint64 {
	if a < b {
		return 0
	}
	return a - b
}

// readVideoStats extracts cumulative packets sent (OutboundRTP), packets
// lost and RTT in seconds (RemoteInboundRTP), both filtered to the video
// kind — ABR never reacts to audio loss.
func readVideoStats(report webrtc.StatsReport) (sent, lost uint64, rttSeconds float64, ok bool) {
	for _, s := range report {
		switch st := s.(type) {
		case webrtc.OutboundRTPStreamStats:
			if st.Kind == "video" {
				sent = uint64(st.PacketsSent)
				ok = true
			}
		case webrtc.RemoteInboundRTPStreamStats:
			if st.Kind == "video" {
				if st.PacketsLost > 0 {
					lost = uint64(st.PacketsLost)
				}
				rttSeconds = st.RoundTripTime
			}
		}
	}
	return
}
