package framepool

import "testing"

func TestCheckoutReleaseRoundTrip(t *testing.T) {
	p := New(3, 64)
	if got := p.Outstanding(); got != 0 {
		t.Fatalf("expected 0 outstanding initially, got %d", got)
	}

	f := p.Checkout(64)
	if len(f.Data) != 64 {
		t.Fatalf("expected 64-byte buffer, got %d", len(f.Data))
	}
	if got := p.Outstanding(); got != 1 {
		t.Fatalf("expected 1 outstanding after checkout, got %d", got)
	}

	f.Release()
	if got := p.Outstanding(); got != 0 {
		t.Fatalf("expected 0 outstanding after release, got %d", got)
	}
}

func TestCheckoutBeyondCapacityAllocatesFresh(t *testing.T) {
	p := New(3, 64)
	var frames []*Frame
	for i := 0; i < 4; i++ {
		frames = append(frames, p.Checkout(64))
	}
	// All 4 should succeed without blocking (the "+1" fallback allocation).
	for _, f := range frames {
		if len(f.Data) != 64 {
			t.Fatalf("expected 64-byte buffer, got %d", len(f.Data))
		}
	}
	for _, f := range frames {
		f.Release()
	}
	if got := p.Outstanding(); got != 0 {
		t.Fatalf("expected all buffers returned, got %d outstanding", got)
	}
}

func TestReleaseIsIdempotent(t *testing.T) {
	p := New(3, 64)
	f := p.Checkout(64)
	f.Release()
	f.Release() // must not double-free into the pool
	if got := p.Outstanding(); got != 0 {
		t.Fatalf("expected 0 outstanding, got %d", got)
	}
}

func TestResizeDiscardsStaleBuffers(t *testing.T) {
	p := New(3, 64)
	f := p.Checkout(64)
	p.Resize(128)
	f.Release() // stale size, must be discarded rather than pooled

	f2 := p.Checkout(128)
	if len(f2.Data) != 128 {
		t.Fatalf("expected 128-byte buffer after resize, got %d", len(f2.Data))
	}
}

func TestTeardownDiscardsReleases(t *testing.T) {
	p := New(3, 64)
	f := p.Checkout(64)
	p.Teardown()
	f.Release() // must not panic or repopulate a torn-down pool

	f2 := p.Checkout(64)
	if len(f2.Data) != 64 {
		t.Fatalf("expected checkout to still work (fresh allocation) after teardown, got %d", len(f2.Data))
	}
}
