// Package framepool implements the agent's reusable pixel-buffer pool: a
// single-producer/multi-consumer bag of pre-allocated buffers kept in a
// mutex-guarded slice, with scoped checkout/release semantics so a buffer is
// guaranteed to flow back to the pool on every exit path. Grounded on
// agent/src/capture.rs's FramePool of the Rust precursor (there the
// guarantee comes from Drop; here it comes from Frame.Release, which every
// caller must defer).
package framepool

import "sync"

// Pool holds pre-allocated []byte buffers sized to the current frame byte
// count. Checkout never blocks: on an empty pool it allocates a fresh
// buffer rather than waiting, so a capture thread never stalls behind a
// slow consumer still holding every pooled buffer.
type Pool struct {
	mu       sync.Mutex
	buffers  [][]byte
	size     int // current required buffer size in bytes
	capacity int // target pool size (invariant: outstanding <= capacity+1)

	torn bool
}

// New creates a pool pre-allocated with capacity buffers of size bytes.
// SPEC_FULL.md requires capacity >= 3.
func New(capacity, size int) *Pool {
	if capacity < 1 {
		capacity = 1
	}
	p := &Pool{capacity: capacity, size: size}
	p.buffers = make([][]byte, 0, capacity)
	for i := 0; i < capacity; i++ {
		p.buffers = append(p.buffers, make([]byte, size))
	}
	return p
}

// Frame is a checked-out buffer. Release must be called exactly once, on
// every exit path (including error returns), to return it to the pool —
// the Go equivalent of the Rust precursor's scoped Drop guarantee.
type Frame struct {
	Data     []byte
	pool     *Pool
	released bool
}

// Checkout pops a buffer sized to exactly size bytes, reusing a pooled
// buffer if one is free and already the right size, resizing a pooled
// buffer that has gone stale (a prior Resize changed the required frame
// byte count), or falling back to a fresh allocation when the pool is
// empty — the "+1" in the pool-size invariant.
func (p *Pool) Checkout(size int) *Frame {
	p.mu.Lock()
	var buf []byte
	n := len(p.buffers)
	if n > 0 {
		buf = p.buffers[n-1]
		p.buffers = p.buffers[:n-1]
	}
	p.mu.Unlock()

	if buf == nil || cap(buf) < size {
		buf = make([]byte, size)
	} else {
		buf = buf[:size]
	}
	return &Frame{Data: buf, pool: p}
}

// Release returns f's buffer to the pool, unless the pool has since been
// torn down or the buffer no longer matches its configured size (a resize
// raced the checkout), in which case the buffer is simply discarded —
// resizing a torn-down slot would just be thrown away on the next
// Checkout anyway.
func (f *Frame) Release() {
	if f == nil || f.released {
		return
	}
	f.released = true

	f.pool.mu.Lock()
	defer f.pool.mu.Unlock()
	if f.pool.torn || len(f.Data) != f.pool.size || len(f.pool.buffers) >= f.pool.capacity {
		return
	}
	f.pool.buffers = append(f.pool.buffers, f.Data)
}

// Resize changes the buffer size future Checkouts and Releases expect.
// Buffers already checked out keep their old size and are discarded by
// Release rather than fed back stale.
func (p *Pool) Resize(size int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.size = size
	p.buffers = p.buffers[:0]
}

// Teardown discards every pooled buffer and makes all future Releases
// no-ops, so buffers checked out before a pipeline rebuild are dropped
// instead of rejoining a pool nobody will read from again.
func (p *Pool) Teardown() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.torn = true
	p.buffers = nil
}

// Outstanding returns how many buffers are currently checked out (pool
// size minus buffers sitting in the free list), used by tests asserting
// the §8 invariant: outstanding + buffers-in-channel == pool size ±
// transient allocation.
func (p *Pool) Outstanding() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.capacity - len(p.buffers)
}
