package captureloop

import "testing"

func TestClampResizeInvariants(t *testing.T) {
	cases := []struct {
		w, h, maxW, maxH uint32
	}{
		{2561, 1441, 1920, 1080},
		{640, 480, 0, 0},
		{7680, 4320, 0, 0},
		{1000, 1000, 1920, 1080},
		{321, 241, 0, 0},
		{3840, 2160, 1920, 1080},
	}
	for _, c := range cases {
		cw, ch, ok := ClampResize(c.w, c.h, c.maxW, c.maxH)
		if !ok {
			t.Fatalf("ClampResize(%d,%d,%d,%d) unexpectedly rejected", c.w, c.h, c.maxW, c.maxH)
		}
		if cw%2 != 0 || ch%2 != 0 {
			t.Fatalf("ClampResize(%d,%d,%d,%d) = (%d,%d) not even", c.w, c.h, c.maxW, c.maxH, cw, ch)
		}
		if cw < 640 || ch < 480 {
			t.Fatalf("ClampResize(%d,%d,%d,%d) = (%d,%d) below floor", c.w, c.h, c.maxW, c.maxH, cw, ch)
		}
		if c.maxW != 0 && cw > c.maxW {
			t.Fatalf("ClampResize(%d,%d,%d,%d) width %d exceeds max %d", c.w, c.h, c.maxW, c.maxH, cw, c.maxW)
		}
		if c.maxH != 0 && ch > c.maxH {
			t.Fatalf("ClampResize(%d,%d,%d,%d) height %d exceeds max %d", c.w, c.h, c.maxW, c.maxH, ch, c.maxH)
		}
	}
}

func TestClampResizeRoundTripExample(t *testing.T) {
	cw, ch, ok := ClampResize(2561, 1441, 1920, 1080)
	if !ok {
		t.Fatal("expected accept")
	}
	if cw != 1920 || ch != 1080 {
		t.Fatalf("expected (1920,1080), got (%d,%d)", cw, ch)
	}
}

func TestClampResizeRejectsOutOfRange(t *testing.T) {
	if _, _, ok := ClampResize(100, 100, 0, 0); ok {
		t.Fatal("expected reject for width below absolute minimum")
	}
	if _, _, ok := ClampResize(8000, 1000, 0, 0); ok {
		t.Fatal("expected reject for width above absolute maximum")
	}
}
