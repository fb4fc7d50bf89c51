package fmp4

import (
	"fmt"

	"github.com/zmgate/streaming-server/pkg/types"
)

// paramSets holds the out-of-band parameter set NALs (already stripped of
// start codes) needed to build a decoder configuration record.
type paramSets struct {
	vps []byte // H.265 only
	sps []byte
	pps []byte
}

func (p *paramSets) complete(codec types.Codec) bool {
	// a VPS is carried when the encoder sends one but is not required
	return p.sps != nil && p.pps != nil
}

// generateInitSegment builds the ftyp+moov initialization segment for a
// single-track fragmented MP4 stream.
func generateInitSegment(codec types.Codec, ps *paramSets, info spsInfo) (*types.InitSegment, error) {
	if !ps.complete(codec) {
		return nil, types.ErrParamSetsMissing
	}
	if info.Width == 0 || info.Height == 0 {
		return nil, fmt.Errorf("init segment: %w: no decoded dimensions", types.ErrInvalid)
	}

	ftyp := box("ftyp",
		[]byte("isom"),
		u32(0x200),
		[]byte("isom"), []byte("iso6"), []byte("mp41"),
	)

	var sampleEntry []byte
	switch codec {
	case types.CodecH264:
		sampleEntry = avc1Box(ps, info)
	case types.CodecH265:
		sampleEntry = hvc1Box(ps, info)
	default:
		return nil, fmt.Errorf("init segment: %w: codec %v", types.ErrInvalid, codec)
	}

	stsd := fullBox("stsd", 0, 0, u32(1), sampleEntry)
	stbl := box("stbl",
		stsd,
		fullBox("stts", 0, 0, u32(0)),
		fullBox("stsc", 0, 0, u32(0)),
		fullBox("stsz", 0, 0, u32(0), u32(0)),
		fullBox("stco", 0, 0, u32(0)),
	)

	dref := fullBox("dref", 0, 0, u32(1), fullBox("url ", 0, 1))
	minf := box("minf",
		fullBox("vmhd", 0, 1, u16(0), u16(0), u16(0), u16(0)),
		box("dinf", dref),
		stbl,
	)

	hdlr := fullBox("hdlr", 0, 0,
		u32(0),
		[]byte("vide"),
		u32(0), u32(0), u32(0),
		[]byte("VideoHandler\x00"),
	)

	mdhd := fullBox("mdhd", 0, 0,
		u32(0),                // creation_time
		u32(0),                // modification_time
		u32(types.TimeScale),  // timescale
		u32(0),                // duration
		u16(0x55c4),           // language: und
		u16(0),                // pre_defined
	)

	mdia := box("mdia", mdhd, hdlr, minf)

	tkhd := fullBox("tkhd", 0, 0x7, // enabled | in_movie | in_preview
		u32(0),          // creation_time
		u32(0),          // modification_time
		u32(1),          // track_ID
		u32(0),          // reserved
		u32(0),          // duration
		u32(0), u32(0),  // reserved
		u16(0),          // layer
		u16(0),          // alternate_group
		u16(0),          // volume
		u16(0),          // reserved
		unityMatrix(),
		fixed1616(int(info.Width)),
		fixed1616(int(info.Height)),
	)

	trak := box("trak", tkhd, mdia)

	mvhd := fullBox("mvhd", 0, 0,
		u32(0),               // creation_time
		u32(0),               // modification_time
		u32(types.TimeScale), // timescale
		u32(0),               // duration
		fixed1616(1),         // rate
		u16(0x0100),          // volume
		u16(0),               // reserved
		u32(0), u32(0),       // reserved
		unityMatrix(),
		u32(0), u32(0), u32(0), u32(0), u32(0), u32(0), // pre_defined
		u32(2), // next_track_ID
	)

	mvex := box("mvex", fullBox("trex", 0, 0,
		u32(1), // track_ID
		u32(1), // default_sample_description_index
		u32(0), // default_sample_duration
		u32(0), // default_sample_size
		u32(0), // default_sample_flags
	))

	moov := box("moov", mvhd, trak, mvex)

	return &types.InitSegment{
		Codec:     codec,
		Width:     info.Width,
		Height:    info.Height,
		TimeScale: types.TimeScale,
		Data:      concat(ftyp, moov),
	}, nil
}

func unityMatrix() []byte {
	return concat(
		u32(0x00010000), u32(0), u32(0),
		u32(0), u32(0x00010000), u32(0),
		u32(0), u32(0), u32(0x40000000),
	)
}

// visualSampleEntryHeader is the common VisualSampleEntry prefix shared by
// avc1 and hvc1.
func visualSampleEntryHeader(info spsInfo) []byte {
	compressor := make([]byte, 32)
	return concat(
		make([]byte, 6), // reserved
		u16(1),          // data_reference_index
		u16(0), u16(0),  // pre_defined, reserved
		u32(0), u32(0), u32(0), // pre_defined
		u16(uint16(info.Width)),
		u16(uint16(info.Height)),
		u32(0x00480000), // horizresolution 72dpi
		u32(0x00480000), // vertresolution 72dpi
		u32(0),          // reserved
		u16(1),          // frame_count
		compressor,
		u16(0x0018), // depth
		u16(0xffff), // pre_defined
	)
}

func avc1Box(ps *paramSets, info spsInfo) []byte {
	avcC := box("avcC", concat(
		[]byte{1, info.ProfileIDC, info.ConstraintFlags, info.LevelIDC},
		[]byte{0xff},    // lengthSizeMinusOne = 3
		[]byte{0xe1},    // one SPS
		u16(uint16(len(ps.sps))), ps.sps,
		[]byte{1}, // one PPS
		u16(uint16(len(ps.pps))), ps.pps,
	))
	return box("avc1", visualSampleEntryHeader(info), avcC)
}

func hvc1Box(ps *paramSets, info spsInfo) []byte {
	// HEVCDecoderConfigurationRecord with mostly-neutral profile fields;
	// players read the in-band VPS/SPS/PPS arrays for the details.
	record := concat(
		[]byte{1},    // configurationVersion
		[]byte{0x01}, // general_profile_space/tier/idc: Main
		u32(0x60000000), // general_profile_compatibility_flags
		make([]byte, 6), // general_constraint_indicator_flags
		[]byte{0x78},    // general_level_idc: 4.0
		u16(0xf000),  // min_spatial_segmentation_idc
		[]byte{0xfc}, // parallelismType
		[]byte{0xfd}, // chroma_format_idc: 4:2:0
		[]byte{0xf8}, // bit_depth_luma_minus8
		[]byte{0xf8}, // bit_depth_chroma_minus8
		u16(0),       // avgFrameRate
		[]byte{0x0f}, // constantFrameRate=0, numTemporalLayers=1, temporalIdNested=1, lengthSizeMinusOne=3
	)
	var arrays []byte
	numArrays := byte(2)
	if ps.vps != nil {
		numArrays = 3
		arrays = hvcArray(types.HEVCNALTypeVPS, ps.vps)
	}
	arrays = concat(arrays,
		hvcArray(types.HEVCNALTypeSPS, ps.sps),
		hvcArray(types.HEVCNALTypePPS, ps.pps),
	)
	record = concat(record, []byte{numArrays}, arrays)
	return box("hvc1", visualSampleEntryHeader(info), box("hvcC", record))
}

func hvcArray(nalType byte, nal []byte) []byte {
	return concat(
		[]byte{0x80 | nalType}, // array_completeness=1
		u16(1),
		u16(uint16(len(nal))), nal,
	)
}
