package captureloop

// Resolution bounds from SPEC_FULL.md §4.3: absolute hardware range, a
// practical floor H.264 encoders need, and H.264 block-alignment (even
// dimensions).
const (
	minAbsWidth  = 320
	minAbsHeight = 240
	maxAbsWidth  = 7680
	maxAbsHeight = 4320

	floorWidth  = 640
	floorHeight = 480
)

// ClampResize validates and clamps a requested resolution per
// SPEC_FULL.md §4.3 / §8: reject anything outside the absolute hardware
// range, then clamp to the configured maxima (0 = no configured maximum),
// floor to the minimum usable size, and round down to even dimensions for
// H.264 block alignment. ok is false when (w,h) falls outside the
// absolute range and the request must be rejected outright rather than
// silently clamped.
func ClampResize(w, h, maxW, maxH uint32) (cw, ch uint32, ok bool) {
	if w < minAbsWidth || w > maxAbsWidth || h < minAbsHeight || h > maxAbsHeight {
		return 0, 0, false
	}

	cw, ch = w, h
	if maxW > 0 && cw > maxW {
		cw = maxW
	}
	if maxH > 0 && ch > maxH {
		ch = maxH
	}
	if cw < floorWidth {
		cw = floorWidth
	}
	if ch < floorHeight {
		ch = floorHeight
	}
	cw -= cw % 2
	ch -= ch % 2
	return cw, ch, true
}
