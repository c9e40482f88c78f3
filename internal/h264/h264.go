// Package h264 provides Annex B bitstream inspection used to verify
// encoder output compatible with the browser's WebRTC H.264 decoder:
// NAL extraction, IDR detection, and SPS parsing for the VUI colour
// parameters invariant in SPEC_FULL.md §8 ("encoder source caps never
// contain colorimetry"). Grounded on agent/src/h264.rs of the Rust
// precursor — a direct port, including its captured real NVENC SPS used
// in tests.
package h264

// NAL holds one decoded NAL unit's type and payload (header byte
// included in Payload, matching the original's tuple shape).
type NAL struct {
	Type    byte
	Payload []byte
}

// ContainsIDR scans an Annex B access unit for a NAL of type 5 (IDR
// slice), checking both 3- and 4-byte start codes.
func ContainsIDR(data []byte) bool {
	i := 0
	for i+4 < len(data) {
		if data[i] == 0 && data[i+1] == 0 && data[i+2] == 0 && data[i+3] == 1 {
			nalType := data[i+4] & 0x1F
			if nalType == 5 {
				return true
			}
			i += 4
		} else if data[i] == 0 && data[i+1] == 0 && data[i+2] == 1 {
			if i+3 < len(data) {
				nalType := data[i+3] & 0x1F
				if nalType == 5 {
					return true
				}
			}
			i += 3
		} else {
			i++
		}
	}
	return false
}

// ExtractNALs splits an Annex B byte stream into its constituent NAL
// units, recognizing both 3- and 4-byte start codes.
func ExtractNALs(data []byte) []NAL {
	var starts []int
	i := 0
	for i+2 < len(data) {
		if data[i] == 0 && data[i+1] == 0 {
			if i+3 < len(data) && data[i+2] == 0 && data[i+3] == 1 {
				starts = append(starts, i+4)
				i += 4
				continue
			} else if data[i+2] == 1 {
				starts = append(starts, i+3)
				i += 3
				continue
			}
		}
		i++
	}

	nals := make([]NAL, 0, len(starts))
	for idx, start := range starts {
		if start >= len(data) {
			continue
		}
		var end int
		if idx+1 < len(starts) {
			next := starts[idx+1]
			switch {
			case next >= 4 && data[next-4] == 0 && data[next-3] == 0 && data[next-2] == 0 && data[next-1] == 1:
				end = next - 4
			case next >= 3 && data[next-3] == 0 && data[next-2] == 0 && data[next-1] == 1:
				end = next - 3
			default:
				end = next
			}
		} else {
			end = len(data)
		}
		nalType := data[start] & 0x1F
		payload := make([]byte, end-start)
		copy(payload, data[start:end])
		nals = append(nals, NAL{Type: nalType, Payload: payload})
	}
	return nals
}

// SpsInfo holds the minimal SPS fields needed to assert Chrome/WebRTC
// decoder compatibility.
type SpsInfo struct {
	ProfileIDC               byte
	ConstraintSet0Flag       bool
	ConstraintSet1Flag       bool
	LevelIDC                 byte
	VUIParametersPresent     bool
	ColourDescriptionPresent bool
}

// bitReader is an Exp-Golomb bit reader over a byte slice.
type bitReader struct {
	data       []byte
	byteOffset int
	bitOffset  uint
}

func newBitReader(data []byte) *bitReader {
	return &bitReader{data: data}
}

func (r *bitReader) readBit() (byte, bool) {
	if r.byteOffset >= len(r.data) {
		return 0, false
	}
	bit := (r.data[r.byteOffset] >> (7 - r.bitOffset)) & 1
	r.bitOffset++
	if r.bitOffset == 8 {
		r.bitOffset = 0
		r.byteOffset++
	}
	return bit, true
}

func (r *bitReader) readBits(n uint) (uint32, bool) {
	var val uint32
	for i := uint(0); i < n; i++ {
		bit, ok := r.readBit()
		if !ok {
			return 0, false
		}
		val = (val << 1) | uint32(bit)
	}
	return val, true
}

// readUE reads an unsigned Exp-Golomb coded value.
func (r *bitReader) readUE() (uint32, bool) {
	var leadingZeros uint32
	for {
		bit, ok := r.readBit()
		if !ok {
			return 0, false
		}
		if bit == 1 {
			break
		}
		leadingZeros++
		if leadingZeros > 31 {
			return 0, false
		}
	}
	if leadingZeros == 0 {
		return 0, true
	}
	suffix, ok := r.readBits(uint(leadingZeros))
	if !ok {
		return 0, false
	}
	return (uint32(1) << leadingZeros) - 1 + suffix, true
}

// readSE reads a signed Exp-Golomb coded value.
func (r *bitReader) readSE() (int32, bool) {
	val, ok := r.readUE()
	if !ok {
		return 0, false
	}
	if val == 0 {
		return 0, true
	}
	if val%2 == 1 {
		return int32(val/2 + 1), true
	}
	return -int32(val / 2), true
}

// highProfileIDCs lists profile_idc values that carry the extra
// chroma_format_idc/bit_depth/scaling-matrix fields before
// log2_max_frame_num_minus4.
var highProfileIDCs = map[byte]bool{
	100: true, 110: true, 122: true, 244: true, 44: true,
	83: true, 86: true, 118: true, 128: true, 138: true, 139: true, 134: true,
}

// ParseSPS parses an SPS NAL (including its header byte) far enough to
// recover profile, level, and whether the VUI's
// colour_description_present_flag is set. Returns nil if nalData isn't
// an SPS or is too short to read the fields this cares about.
func ParseSPS(nalData []byte) *SpsInfo {
	if len(nalData) == 0 {
		return nil
	}
	nalType := nalData[0] & 0x1F
	if nalType != 7 {
		return nil
	}
	if len(nalData) < 4 {
		return nil
	}

	profileIDC := nalData[1]
	constraintFlags := nalData[2]
	levelIDC := nalData[3]

	info := &SpsInfo{
		ProfileIDC:         profileIDC,
		ConstraintSet0Flag: constraintFlags&0x80 != 0,
		ConstraintSet1Flag: constraintFlags&0x40 != 0,
		LevelIDC:           levelIDC,
	}

	r := newBitReader(nalData[4:])

	if _, ok := r.readUE(); !ok { // seq_parameter_set_id
		return info
	}

	if highProfileIDCs[profileIDC] {
		chromaFormatIDC, ok := r.readUE()
		if !ok {
			return info
		}
		if chromaFormatIDC == 3 {
			if _, ok := r.readBits(1); !ok { // separate_colour_plane_flag
				return info
			}
		}
		if _, ok := r.readUE(); !ok { // bit_depth_luma_minus8
			return info
		}
		if _, ok := r.readUE(); !ok { // bit_depth_chroma_minus8
			return info
		}
		if _, ok := r.readBits(1); !ok { // qpprime_y_zero_transform_bypass_flag
			return info
		}
		present, ok := r.readBits(1)
		if !ok {
			return info
		}
		if present == 1 {
			count := 8
			if chromaFormatIDC == 3 {
				count = 12
			}
			for i := 0; i < count; i++ {
				p, ok := r.readBits(1)
				if !ok {
					return info
				}
				if p == 1 {
					size := 16
					if i >= 6 {
						size = 64
					}
					lastScale, nextScale := int32(8), int32(8)
					for j := 0; j < size; j++ {
						if nextScale != 0 {
							delta, ok := r.readSE()
							if !ok {
								return info
							}
							nextScale = (lastScale + delta + 256) % 256
						}
						if nextScale != 0 {
							lastScale = nextScale
						}
					}
				}
			}
		}
	}

	if _, ok := r.readUE(); !ok { // log2_max_frame_num_minus4
		return info
	}
	pocType, ok := r.readUE() // pic_order_cnt_type
	if !ok {
		return info
	}
	switch pocType {
	case 0:
		if _, ok := r.readUE(); !ok { // log2_max_pic_order_cnt_lsb_minus4
			return info
		}
	case 1:
		if _, ok := r.readBits(1); !ok { // delta_pic_order_always_zero_flag
			return info
		}
		if _, ok := r.readSE(); !ok { // offset_for_non_ref_pic
			return info
		}
		if _, ok := r.readSE(); !ok { // offset_for_top_to_bottom_field
			return info
		}
		numRefFramesInPocCycle, ok := r.readUE()
		if !ok {
			return info
		}
		for i := uint32(0); i < numRefFramesInPocCycle; i++ {
			if _, ok := r.readSE(); !ok {
				return info
			}
		}
	}

	if _, ok := r.readUE(); !ok { // max_num_ref_frames
		return info
	}
	if _, ok := r.readBits(1); !ok { // gaps_in_frame_num_value_allowed_flag
		return info
	}
	if _, ok := r.readUE(); !ok { // pic_width_in_mbs_minus1
		return info
	}
	if _, ok := r.readUE(); !ok { // pic_height_in_map_units_minus1
		return info
	}
	frameMbsOnly, ok := r.readBits(1)
	if !ok {
		return info
	}
	if frameMbsOnly == 0 {
		if _, ok := r.readBits(1); !ok { // mb_adaptive_frame_field_flag
			return info
		}
	}
	if _, ok := r.readBits(1); !ok { // direct_8x8_inference_flag
		return info
	}
	crop, ok := r.readBits(1)
	if !ok {
		return info
	}
	if crop == 1 {
		for i := 0; i < 4; i++ {
			if _, ok := r.readUE(); !ok {
				return info
			}
		}
	}

	vuiPresent, ok := r.readBits(1)
	if !ok {
		return info
	}
	info.VUIParametersPresent = vuiPresent == 1
	if !info.VUIParametersPresent {
		return info
	}

	arPresent, ok := r.readBits(1) // aspect_ratio_info_present_flag
	if !ok {
		return info
	}
	if arPresent == 1 {
		arIDC, ok := r.readBits(8)
		if !ok {
			return info
		}
		if arIDC == 255 {
			if _, ok := r.readBits(16); !ok { // sar_width
				return info
			}
			if _, ok := r.readBits(16); !ok { // sar_height
				return info
			}
		}
	}
	overscan, ok := r.readBits(1) // overscan_info_present_flag
	if !ok {
		return info
	}
	if overscan == 1 {
		if _, ok := r.readBits(1); !ok { // overscan_appropriate_flag
			return info
		}
	}
	signalType, ok := r.readBits(1) // video_signal_type_present_flag
	if !ok {
		return info
	}
	if signalType == 1 {
		if _, ok := r.readBits(3); !ok { // video_format
			return info
		}
		if _, ok := r.readBits(1); !ok { // video_full_range_flag
			return info
		}
		colourPresent, ok := r.readBits(1) // colour_description_present_flag
		if !ok {
			return info
		}
		info.ColourDescriptionPresent = colourPresent == 1
	}

	return info
}
