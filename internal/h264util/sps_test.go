package h264util

import "testing"

// bitWriter is the mirror of bitReader, used only to construct test fixtures.
type bitWriter struct {
	buf  []byte
	cur  byte
	bit  int
}

func (bw *bitWriter) writeBit(b uint) {
	bw.cur = bw.cur<<1 | byte(b&1)
	bw.bit++
	if bw.bit == 8 {
		bw.buf = append(bw.buf, bw.cur)
		bw.cur = 0
		bw.bit = 0
	}
}

func (bw *bitWriter) writeBits(val uint, n int) {
	for i := n - 1; i >= 0; i-- {
		bw.writeBit((val >> uint(i)) & 1)
	}
}

func (bw *bitWriter) writeUE(val uint) {
	v := val + 1
	nbits := 0
	for tmp := v; tmp > 0; tmp >>= 1 {
		nbits++
	}
	for i := 0; i < nbits-1; i++ {
		bw.writeBit(0)
	}
	bw.writeBits(v, nbits)
}

func (bw *bitWriter) finish() []byte {
	for bw.bit != 0 {
		bw.writeBit(0)
	}
	return bw.buf
}

func buildBaselineSPS(widthMbsMinus1, heightMapUnitsMinus1 uint) []byte {
	bw := &bitWriter{}
	bw.writeUE(0)           // seq_parameter_set_id
	bw.writeUE(0)           // log2_max_frame_num_minus4
	bw.writeUE(0)           // pic_order_cnt_type
	bw.writeUE(0)           // log2_max_pic_order_cnt_lsb_minus4
	bw.writeUE(1)           // max_num_ref_frames
	bw.writeBit(0)          // gaps_in_frame_num_value_allowed_flag
	bw.writeUE(widthMbsMinus1)
	bw.writeUE(heightMapUnitsMinus1)
	bw.writeBit(1) // frame_mbs_only_flag
	bw.writeBit(1) // direct_8x8_inference_flag
	bw.writeBit(0) // frame_cropping_flag
	bw.writeBit(0) // vui_parameters_present_flag
	rbsp := bw.finish()

	nal := make([]byte, 0, len(rbsp)+4)
	nal = append(nal, 0x67, 0x42, 0xC0, 0x1E) // NAL header + profile/constraint/level
	nal = append(nal, rbsp...)
	return nal
}

func TestParseSPS_BaselineResolution(t *testing.T) {
	// 176x144 => 11 macroblocks wide, 9 map units tall.
	nal := buildBaselineSPS(10, 8)

	info, err := ParseSPS(nal)
	if err != nil {
		t.Fatalf("ParseSPS: %v", err)
	}
	if info.Width != 176 {
		t.Errorf("Width = %d, want 176", info.Width)
	}
	if info.Height != 144 {
		t.Errorf("Height = %d, want 144", info.Height)
	}
	if info.ProfileIDC != 0x42 {
		t.Errorf("ProfileIDC = %#x, want 0x42", info.ProfileIDC)
	}
	if info.LevelIDC != 0x1E {
		t.Errorf("LevelIDC = %#x, want 0x1E", info.LevelIDC)
	}
	if got, want := info.CodecString(), "avc1.42C01E"; got != want {
		t.Errorf("CodecString() = %q, want %q", got, want)
	}
}

func TestParseSPS_TooShort(t *testing.T) {
	if _, err := ParseSPS([]byte{0x67, 0x42}); err == nil {
		t.Fatal("expected error for truncated SPS")
	}
}

func TestParseAnnexB_MixedStartCodes(t *testing.T) {
	data := []byte{
		0x00, 0x00, 0x00, 0x01, 0x09, 0xF0, // AUD, 4-byte start code
		0x00, 0x00, 0x01, 0x67, 0xAA, 0xBB, // SPS, 3-byte start code
		0x00, 0x00, 0x01, 0x68, 0xCC, // PPS
		0x00, 0x00, 0x00, 0x01, 0x65, 0xDD, 0xEE, // IDR slice
	}

	units := ParseAnnexB(data)
	if len(units) != 4 {
		t.Fatalf("got %d units, want 4", len(units))
	}

	want := []byte{NALTypeAUD, NALTypeSPS, NALTypePPS, NALTypeIDR}
	for i, u := range units {
		if u.Type != want[i] {
			t.Errorf("unit %d: type = %d, want %d", i, u.Type, want[i])
		}
	}

	if !IsSPS(units[1].Type) {
		t.Error("unit 1 should be SPS")
	}
	if !IsPPS(units[2].Type) {
		t.Error("unit 2 should be PPS")
	}
	if !IsKeyframe(units[3].Type) {
		t.Error("unit 3 should be a keyframe slice")
	}
}

func TestParseAnnexB_EmptyAndShort(t *testing.T) {
	if units := ParseAnnexB(nil); units != nil {
		t.Errorf("nil input: got %v, want nil", units)
	}
	if units := ParseAnnexB([]byte{0x00, 0x00, 0x01}); units != nil {
		t.Errorf("short input: got %v, want nil", units)
	}
}

func TestRemoveEmulationPrevention(t *testing.T) {
	in := []byte{0x00, 0x00, 0x03, 0x01, 0x00, 0x00, 0x03, 0x02, 0x00, 0x00, 0x03, 0x03}
	want := []byte{0x00, 0x00, 0x01, 0x00, 0x00, 0x02, 0x00, 0x00, 0x03}
	got := removeEmulationPrevention(in)
	if len(got) != len(want) {
		t.Fatalf("len = %d, want %d (%v)", len(got), len(want), got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("byte %d = %#x, want %#x", i, got[i], want[i])
		}
	}
}
