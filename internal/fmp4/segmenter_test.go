package fmp4

import (
	"bytes"
	"encoding/binary"
	"errors"
	"testing"
	"time"

	"github.com/zmgate/streaming-server/pkg/types"
)

var testPPS = []byte{0x68, 0xce, 0x3c, 0x80}

func annexB(nal []byte) []byte {
	return append([]byte{0x00, 0x00, 0x00, 0x01}, nal...)
}

func idrNAL(tag byte) []byte {
	return []byte{0x65, 0x88, 0x84, tag}
}

func sliceNAL(tag byte) []byte {
	return []byte{0x41, 0x9a, 0x02, tag}
}

// feedParamSets pushes a 1080p SPS and a PPS through the segmenter.
func feedParamSets(t *testing.T, s *Segmenter) {
	t.Helper()
	if _, err := s.WriteNAL(annexB(makeH264SPS(120, 68, 4)), 0, false); err != nil {
		t.Fatalf("write SPS: %v", err)
	}
	if _, err := s.WriteNAL(annexB(testPPS), 0, false); err != nil {
		t.Fatalf("write PPS: %v", err)
	}
}

// moofSampleCount reads sample_count out of the trun of a moof+mdat
// fragment. The fragment layout is fixed: mfhd at 8, traf at 24, tfhd
// at 32, tfdt at 48, trun at 68.
func moofSampleCount(t *testing.T, data []byte) int {
	t.Helper()
	if len(data) < 96 {
		t.Fatalf("fragment too short: %d bytes", len(data))
	}
	if string(data[4:8]) != "moof" {
		t.Fatalf("fragment does not start with moof: %q", data[4:8])
	}
	return int(binary.BigEndian.Uint32(data[80:84]))
}

func TestInitSegmentRequiresParameterSets(t *testing.T) {
	s := NewSegmenter(types.CodecH264, 4*time.Second)
	if _, err := s.InitSegment(); !errors.Is(err, types.ErrParamSetsMissing) {
		t.Fatalf("err = %v, want ErrParamSetsMissing", err)
	}
	if _, err := s.WriteNAL(annexB(makeH264SPS(120, 68, 4)), 0, false); err != nil {
		t.Fatalf("write SPS: %v", err)
	}
	if _, err := s.InitSegment(); !errors.Is(err, types.ErrParamSetsMissing) {
		t.Fatalf("err after SPS only = %v, want ErrParamSetsMissing", err)
	}
	if _, err := s.WriteNAL(annexB(testPPS), 0, false); err != nil {
		t.Fatalf("write PPS: %v", err)
	}
	init, err := s.InitSegment()
	if err != nil {
		t.Fatalf("InitSegment: %v", err)
	}
	if init.Width != 1920 || init.Height != 1080 {
		t.Errorf("init dimensions %dx%d, want 1920x1080", init.Width, init.Height)
	}
	if init.TimeScale != types.TimeScale {
		t.Errorf("timescale = %d, want %d", init.TimeScale, types.TimeScale)
	}
	if string(init.Data[4:8]) != "ftyp" {
		t.Errorf("init does not start with ftyp: %q", init.Data[4:8])
	}
	if !bytes.Contains(init.Data, []byte("avcC")) {
		t.Error("init missing avcC box")
	}
	if !bytes.Contains(init.Data, makeH264SPS(120, 68, 4)) {
		t.Error("init does not embed the SPS")
	}
	// cached
	again, err := s.InitSegment()
	if err != nil {
		t.Fatalf("InitSegment second call: %v", err)
	}
	if &again.Data[0] != &init.Data[0] {
		t.Error("init segment not cached")
	}
}

// makeH265SPS synthesizes a minimal H.265 SPS NAL (no start code) for
// the given picture size.
func makeH265SPS(width, height uint) []byte {
	w := &bitWriter{}
	w.writeBits(0, 4) // sps_video_parameter_set_id
	w.writeBits(0, 3) // sps_max_sub_layers_minus1
	w.writeBit(1)     // sps_temporal_id_nesting
	for i := 0; i < 3; i++ {
		w.writeBits(0, 32) // profile_tier_level
	}
	w.writeUE(0) // sps_seq_parameter_set_id
	w.writeUE(1) // chroma_format_idc: 4:2:0
	w.writeUE(width)
	w.writeUE(height)
	w.writeBit(0) // conformance_window_flag
	return append([]byte{0x42, 0x01}, w.bytes()...)
}

func TestH265InitWithoutVPS(t *testing.T) {
	s := NewSegmenter(types.CodecH265, 4*time.Second)
	if _, err := s.WriteNAL(annexB(makeH265SPS(1280, 720)), 0, false); err != nil {
		t.Fatalf("write SPS: %v", err)
	}
	if _, err := s.WriteNAL(annexB([]byte{0x44, 0x01, 0xc0}), 0, false); err != nil {
		t.Fatalf("write PPS: %v", err)
	}
	init, err := s.InitSegment()
	if err != nil {
		t.Fatalf("InitSegment: %v", err)
	}
	if init.Width != 1280 || init.Height != 720 {
		t.Errorf("init dimensions %dx%d, want 1280x720", init.Width, init.Height)
	}
	i := bytes.Index(init.Data, []byte("hvcC"))
	if i < 0 {
		t.Fatal("init missing hvcC box")
	}
	record := init.Data[i+4:]
	if got := record[22]; got != 2 {
		t.Errorf("hvcC numOfArrays = %d, want 2 (SPS and PPS only)", got)
	}

	// a VPS, when the encoder sends one, is carried as a third array
	vps := []byte{0x40, 0x01, 0x0c, 0x01}
	s2 := NewSegmenter(types.CodecH265, 4*time.Second)
	for _, nal := range [][]byte{vps, makeH265SPS(1280, 720), {0x44, 0x01, 0xc0}} {
		if _, err := s2.WriteNAL(annexB(nal), 0, false); err != nil {
			t.Fatal(err)
		}
	}
	init2, err := s2.InitSegment()
	if err != nil {
		t.Fatalf("InitSegment with VPS: %v", err)
	}
	j := bytes.Index(init2.Data, []byte("hvcC"))
	if j < 0 {
		t.Fatal("init missing hvcC box")
	}
	record2 := init2.Data[j+4:]
	if got := record2[22]; got != 3 {
		t.Errorf("hvcC numOfArrays = %d, want 3", got)
	}
	if !bytes.Contains(init2.Data, vps) {
		t.Error("init does not embed the VPS")
	}
}

func TestInitInvalidationOnResolutionChange(t *testing.T) {
	s := NewSegmenter(types.CodecH264, 4*time.Second)
	feedParamSets(t, s)
	if _, err := s.InitSegment(); err != nil {
		t.Fatalf("InitSegment: %v", err)
	}
	if _, err := s.WriteNAL(annexB(makeH264SPS(240, 135, 0)), 0, false); err != nil {
		t.Fatalf("write 4K SPS: %v", err)
	}
	if got := s.InitInvalidations(); got != 1 {
		t.Fatalf("InitInvalidations = %d, want 1", got)
	}
	init, err := s.InitSegment()
	if err != nil {
		t.Fatalf("InitSegment after change: %v", err)
	}
	if init.Width != 3840 || init.Height != 2160 {
		t.Errorf("rebuilt init %dx%d, want 3840x2160", init.Width, init.Height)
	}
}

func TestDropsFramesBeforeKeyframe(t *testing.T) {
	s := NewSegmenter(types.CodecH264, 4*time.Second)
	feedParamSets(t, s)
	for i := 0; i < 5; i++ {
		segs, err := s.WriteNAL(annexB(sliceNAL(byte(i))), int64(i)*500000, false)
		if err != nil {
			t.Fatalf("write pre-key slice: %v", err)
		}
		if segs != nil {
			t.Fatal("segments emitted before first keyframe")
		}
	}
	if _, err := s.WriteNAL(annexB(idrNAL(0)), 3000000, false); err != nil {
		t.Fatalf("write IDR: %v", err)
	}
	segs := s.Flush()
	if len(segs) != 1 {
		t.Fatalf("flush emitted %d segments, want 1", len(segs))
	}
	if n := moofSampleCount(t, segs[0].Data); n != 1 {
		t.Errorf("segment has %d samples, want 1 (pre-key frames dropped)", n)
	}
}

func TestSegmentBoundaries(t *testing.T) {
	s := NewSegmenter(types.CodecH264, 4*time.Second)
	feedParamSets(t, s)

	var fulls, partials []types.Segment
	push := func(nal []byte, ptsMicros int64) {
		t.Helper()
		segs, err := s.WriteNAL(annexB(nal), ptsMicros, false)
		if err != nil {
			t.Fatalf("WriteNAL @%dus: %v", ptsMicros, err)
		}
		for _, seg := range segs {
			if seg.Partial {
				partials = append(partials, seg)
			} else {
				fulls = append(fulls, seg)
			}
		}
	}

	// 2 fps keyframe-less run with an IDR every 4s
	for group := 0; group < 2; group++ {
		base := int64(group) * 4000000
		push(idrNAL(byte(group)), base)
		for i := 1; i < 8; i++ {
			push(sliceNAL(byte(i)), base+int64(i)*500000)
		}
	}
	push(idrNAL(2), 8000000) // closes the second segment

	if len(fulls) != 2 {
		t.Fatalf("got %d full segments, want 2", len(fulls))
	}
	for i, seg := range fulls {
		if seg.Sequence != uint64(i) {
			t.Errorf("segment %d sequence = %d", i, seg.Sequence)
		}
		if seg.Part != -1 {
			t.Errorf("segment %d part = %d, want -1", i, seg.Part)
		}
		if !seg.Keyframe {
			t.Errorf("segment %d not marked keyframe", i)
		}
		if seg.Duration != 4*time.Second {
			t.Errorf("segment %d duration = %v, want 4s", i, seg.Duration)
		}
		if n := moofSampleCount(t, seg.Data); n != 8 {
			t.Errorf("segment %d has %d samples, want 8", i, n)
		}
		wantTS := uint64(i) * 4 * types.TimeScale
		if seg.Timestamp != wantTS {
			t.Errorf("segment %d timestamp = %d, want %d", i, seg.Timestamp, wantTS)
		}
		// mfhd sequence_number is 1-based
		if got := binary.BigEndian.Uint32(seg.Data[20:24]); got != uint32(i)+1 {
			t.Errorf("segment %d mfhd sequence = %d, want %d", i, got, i+1)
		}
	}

	// four 1s partials per segment
	if len(partials) != 8 {
		t.Fatalf("got %d partials, want 8", len(partials))
	}
	for i, p := range partials {
		wantSeq := uint64(i / 4)
		wantPart := i % 4
		if p.Sequence != wantSeq || p.Part != wantPart {
			t.Errorf("partial %d = seq %d part %d, want seq %d part %d",
				i, p.Sequence, p.Part, wantSeq, wantPart)
		}
		if p.Duration != time.Second {
			t.Errorf("partial %d duration = %v, want 1s", i, p.Duration)
		}
		if n := moofSampleCount(t, p.Data); n != 2 {
			t.Errorf("partial %d has %d samples, want 2", i, n)
		}
	}
}

func TestFragmentDataOffset(t *testing.T) {
	s := NewSegmenter(types.CodecH264, time.Second)
	feedParamSets(t, s)
	if _, err := s.WriteNAL(annexB(idrNAL(0)), 0, false); err != nil {
		t.Fatal(err)
	}
	if _, err := s.WriteNAL(annexB(sliceNAL(1)), 500000, false); err != nil {
		t.Fatal(err)
	}
	var data []byte
	for _, seg := range s.Flush() {
		if !seg.Partial {
			data = seg.Data
		}
	}
	if data == nil {
		t.Fatal("flush emitted no full segment")
	}
	moofSize := binary.BigEndian.Uint32(data[0:4])
	if string(data[moofSize+4:moofSize+8]) != "mdat" {
		t.Fatalf("mdat not at moof boundary: %q", data[moofSize+4:moofSize+8])
	}
	dataOffset := binary.BigEndian.Uint32(data[84:88])
	if dataOffset != moofSize+8 {
		t.Errorf("trun data_offset = %d, want %d", dataOffset, moofSize+8)
	}
	// first mdat payload byte is the AVCC length prefix of the IDR NAL
	payload := data[dataOffset:]
	if got := binary.BigEndian.Uint32(payload[0:4]); got != uint32(len(idrNAL(0))) {
		t.Errorf("first NAL length prefix = %d, want %d", got, len(idrNAL(0)))
	}
	if !bytes.Equal(payload[4:4+len(idrNAL(0))], idrNAL(0)) {
		t.Error("mdat does not carry the IDR NAL payload")
	}
}

func TestAccessUnitFolding(t *testing.T) {
	s := NewSegmenter(types.CodecH264, time.Second)
	feedParamSets(t, s)
	// two VCL NALs sharing a timestamp form one sample
	if _, err := s.WriteNAL(annexB(idrNAL(0)), 0, false); err != nil {
		t.Fatal(err)
	}
	if _, err := s.WriteNAL(annexB(idrNAL(1)), 0, false); err != nil {
		t.Fatal(err)
	}
	segs := s.Flush()
	if len(segs) != 1 {
		t.Fatalf("flush emitted %d segments, want 1", len(segs))
	}
	if n := moofSampleCount(t, segs[0].Data); n != 1 {
		t.Errorf("sample count = %d, want 1 (NALs folded into one AU)", n)
	}
	moofSize := binary.BigEndian.Uint32(segs[0].Data[0:4])
	mdatPayload := segs[0].Data[moofSize+8:]
	wantLen := 2 * (4 + len(idrNAL(0)))
	if len(mdatPayload) != wantLen {
		t.Errorf("mdat payload %d bytes, want %d", len(mdatPayload), wantLen)
	}
}

func TestKeyframeHintOverride(t *testing.T) {
	s := NewSegmenter(types.CodecH264, time.Second)
	feedParamSets(t, s)
	// a non-IDR slice flagged as keyframe by the daemon still starts the stream
	if _, err := s.WriteNAL(annexB(sliceNAL(0)), 0, true); err != nil {
		t.Fatal(err)
	}
	segs := s.Flush()
	if len(segs) != 1 || !segs[0].Keyframe {
		t.Fatalf("hinted keyframe not honored: %+v", segs)
	}
}

func TestWriteNALRejectsBadInput(t *testing.T) {
	s := NewSegmenter(types.CodecH264, time.Second)
	if _, err := s.WriteNAL([]byte{0x65, 0x88}, 0, false); !errors.Is(err, types.ErrInvalid) {
		t.Errorf("missing start code: err = %v, want ErrInvalid", err)
	}
	if _, err := s.WriteNAL([]byte{0x00, 0x00, 0x00, 0x01}, 0, false); !errors.Is(err, types.ErrInvalid) {
		t.Errorf("empty NAL: err = %v, want ErrInvalid", err)
	}
	feedParamSets(t, s)
	if _, err := s.WriteNAL(annexB(idrNAL(0)), -5, false); !errors.Is(err, types.ErrInvalid) {
		t.Errorf("negative pts: err = %v, want ErrInvalid", err)
	}
}

func TestFlushEmptySegmenter(t *testing.T) {
	s := NewSegmenter(types.CodecH264, time.Second)
	if segs := s.Flush(); segs != nil {
		t.Errorf("flush of empty segmenter emitted %d segments", len(segs))
	}
}
