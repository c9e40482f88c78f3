package abr

import "beam/internal/peer"

// CellSnapshotter adapts a *peer.Cell to Snapshotter; *peer.Peer already
// implements PeerStats via GetStats.
type CellSnapshotter struct {
	Cell *peer.Cell
}

func (c CellSnapshotter) Snapshot() PeerStats {
	p := c.Cell.Snapshot()
	if p == nil {
		return nil
	}
	return p
}
