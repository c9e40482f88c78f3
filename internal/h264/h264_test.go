package h264

import "testing"

func TestContainsIDR(t *testing.T) {
	t.Run("idr_with_4byte_start_code", func(t *testing.T) {
		data := []byte{0x00, 0x00, 0x00, 0x01, 0x65, 0xAB, 0xCD}
		if !ContainsIDR(data) {
			t.Fatal("expected IDR")
		}
	})

	t.Run("idr_with_3byte_start_code", func(t *testing.T) {
		data := []byte{0x00, 0x00, 0x01, 0x65, 0xAB, 0xCD}
		if !ContainsIDR(data) {
			t.Fatal("expected IDR")
		}
	})

	t.Run("non_idr_returns_false", func(t *testing.T) {
		data := []byte{0x00, 0x00, 0x00, 0x01, 0x61, 0xAB, 0xCD}
		if ContainsIDR(data) {
			t.Fatal("expected no IDR")
		}
	})

	t.Run("sps_pps_then_idr", func(t *testing.T) {
		data := []byte{
			0x00, 0x00, 0x00, 0x01, 0x67, 0x4d, 0x40, 0x28,
			0x00, 0x00, 0x00, 0x01, 0x68, 0xEE, 0x3C, 0x80,
			0x00, 0x00, 0x00, 0x01, 0x65, 0x88, 0x80, 0x40,
		}
		if !ContainsIDR(data) {
			t.Fatal("expected IDR")
		}
	})

	t.Run("sps_pps_without_idr", func(t *testing.T) {
		data := []byte{
			0x00, 0x00, 0x00, 0x01, 0x67, 0x4d, 0x40, 0x28, 0x00, 0x00, 0x00, 0x01, 0x68, 0xEE,
			0x3C, 0x80, 0x00, 0x00, 0x00, 0x01, 0x61, 0x88, 0x80, 0x40,
		}
		if ContainsIDR(data) {
			t.Fatal("expected no IDR")
		}
	})

	t.Run("empty_data", func(t *testing.T) {
		if ContainsIDR(nil) {
			t.Fatal("expected no IDR")
		}
	})

	t.Run("too_short", func(t *testing.T) {
		if ContainsIDR([]byte{0x00, 0x00, 0x01}) {
			t.Fatal("expected no IDR")
		}
	})
}

func TestExtractNALs(t *testing.T) {
	t.Run("extract_single_nal", func(t *testing.T) {
		data := []byte{0x00, 0x00, 0x00, 0x01, 0x67, 0x4d, 0x40}
		nals := ExtractNALs(data)
		if len(nals) != 1 || nals[0].Type != 7 {
			t.Fatalf("got %+v", nals)
		}
	})

	t.Run("extract_multiple_nals", func(t *testing.T) {
		data := []byte{
			0x00, 0x00, 0x00, 0x01, 0x67, 0x4d, 0x40, 0x28, 0x00, 0x00, 0x00, 0x01, 0x68, 0xEE,
			0x3C, 0x80, 0x00, 0x00, 0x00, 0x01, 0x65, 0x88, 0x80, 0x40,
		}
		nals := ExtractNALs(data)
		if len(nals) != 3 {
			t.Fatalf("got %d nals", len(nals))
		}
		wantTypes := []byte{7, 8, 5}
		for i, want := range wantTypes {
			if nals[i].Type != want {
				t.Errorf("nal %d: got type %d, want %d", i, nals[i].Type, want)
			}
		}
	})

	t.Run("extract_with_3byte_start_codes", func(t *testing.T) {
		data := []byte{
			0x00, 0x00, 0x01, 0x67, 0x4d, 0x40, 0x00, 0x00, 0x01, 0x68, 0xEE, 0x3C,
		}
		nals := ExtractNALs(data)
		if len(nals) != 2 || nals[0].Type != 7 || nals[1].Type != 8 {
			t.Fatalf("got %+v", nals)
		}
	})
}

func TestParseSPS(t *testing.T) {
	t.Run("parse_sps_main_profile", func(t *testing.T) {
		nalData := []byte{0x67, 0x4d, 0x40, 0x28, 0x80}
		sps := ParseSPS(nalData)
		if sps == nil {
			t.Fatal("expected partial SPS")
		}
		if sps.ProfileIDC != 0x4d || !sps.ConstraintSet1Flag || sps.LevelIDC != 0x28 {
			t.Fatalf("got %+v", sps)
		}
	})

	t.Run("parse_sps_rejects_non_sps", func(t *testing.T) {
		if ParseSPS([]byte{0x68, 0xEE, 0x3C, 0x80}) != nil {
			t.Fatal("expected nil for PPS")
		}
	})

	t.Run("parse_sps_empty", func(t *testing.T) {
		if ParseSPS(nil) != nil {
			t.Fatal("expected nil")
		}
	})

	t.Run("parse_sps_too_short", func(t *testing.T) {
		if ParseSPS([]byte{0x67, 0x4d}) != nil {
			t.Fatal("expected nil")
		}
	})

	// Real SPS from nvh264enc Main profile, 1920x1080 — must not carry
	// VUI colour description (SPEC_FULL.md §8 colorimetry invariant).
	t.Run("parse_real_nvenc_sps_no_colorimetry", func(t *testing.T) {
		spsBytes := []byte{
			0x67, 0x4d, 0x00, 0x28, 0xac, 0xd9, 0x40, 0x78, 0x02, 0x27, 0xe5, 0xc0, 0x44, 0x00,
			0x00, 0x03, 0x00, 0x04, 0x00, 0x00, 0x03, 0x00, 0xf0, 0x3c, 0x60, 0xc6, 0x58,
		}
		sps := ParseSPS(spsBytes)
		if sps == nil {
			t.Fatal("expected SPS to parse")
		}
		if sps.ProfileIDC != 0x4d {
			t.Fatalf("expected Main profile, got %#x", sps.ProfileIDC)
		}
		if sps.ColourDescriptionPresent {
			t.Fatal("real encoder output must not set colour_description_present_flag")
		}
	})
}
