package video

import (
	"beam/internal/peer"
)

// CellSnapshotter adapts a *peer.Cell to Snapshotter: every call reads the
// currently active peer and its generation atomically, so the send loop
// picks up a browser reconnect (new Peer, new generation, new tracks)
// without needing to be restarted. *peer.Peer already implements
// PeerHandle (WriteVideoSample/WriteAudioSample/IsConnected/
// VideoPacketsSent), so no adapter type is needed beyond the nil check.
type CellSnapshotter struct {
	Cell *peer.Cell
}

func (c CellSnapshotter) Snapshot() (PeerHandle, uint64) {
	p, gen := c.Cell.SnapshotWithGen()
	if p == nil {
		return nil, gen
	}
	return p, gen
}
