package peer

import "sync"

// Cell holds the current Peer and lets every reader pick up a freshly
// swapped-in instance without taking its own lock on every frame. A
// browser reconnect builds a brand new Peer (new generation, new tracks,
// new data channel) and Swaps it in; in-flight goroutines holding an old
// Snapshot keep writing harmlessly to a peer connection nobody reads from
// anymore until they next call Snapshot.
type Cell struct {
	mu sync.RWMutex
	p  *Peer
}

// NewCell wraps an already-constructed Peer.
func NewCell(p *Peer) *Cell {
	return &Cell{p: p}
}

// Snapshot returns the currently active Peer.
func (c *Cell) Snapshot() *Peer {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.p
}

// SnapshotWithGen returns the currently active Peer along with its
// generation, atomically, so a caller comparing generations never races a
// concurrent Swap between reading the peer and reading its generation.
func (c *Cell) SnapshotWithGen() (*Peer, uint64) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.p == nil {
		return nil, 0
	}
	return c.p, c.p.Generation
}

// Swap installs a new Peer, returning the previous one so the caller can
// close it once any readers still holding it have moved on.
func (c *Cell) Swap(p *Peer) *Peer {
	c.mu.Lock()
	defer c.mu.Unlock()
	old := c.p
	c.p = p
	return old
}
