package types

import "time"

// Codec identifies the video codec carried by a monitor's bitstream.
type Codec int

const (
	CodecH264 Codec = iota
	CodecH265
)

// String returns the RFC 6381 family name of the codec.
func (c Codec) String() string {
	switch c {
	case CodecH264:
		return "h264"
	case CodecH265:
		return "h265"
	default:
		return "unknown"
	}
}

// ParseCodec maps a codec name from configuration or the plugin protocol.
func ParseCodec(s string) (Codec, bool) {
	switch s {
	case "h264", "H264", "avc", "avc1":
		return CodecH264, true
	case "h265", "H265", "hevc", "hvc1":
		return CodecH265, true
	default:
		return CodecH264, false
	}
}

// H.264 NAL unit types (ITU-T H.264 Table 7-1).
const (
	NALTypeSlice     uint8 = 1
	NALTypeIDR       uint8 = 5
	NALTypeSEI       uint8 = 6
	NALTypeSPS       uint8 = 7
	NALTypePPS       uint8 = 8
	NALTypeAUD       uint8 = 9
	NALTypeEndSeq    uint8 = 10
	NALTypeEndStream uint8 = 11
	NALTypeFiller    uint8 = 12
)

// H.265 NAL unit types (ITU-T H.265 Table 7-1). VCL types are 0-31;
// IRAP pictures occupy 16-21.
const (
	HEVCNALTypeIRAPFirst uint8 = 16
	HEVCNALTypeIRAPLast  uint8 = 21
	HEVCNALTypeVCLMax    uint8 = 31
	HEVCNALTypeVPS       uint8 = 32
	HEVCNALTypeSPS       uint8 = 33
	HEVCNALTypePPS       uint8 = 34
)

// TimeScale is the ISO-BMFF tick rate used for all durations and
// decode times.
const TimeScale = 90000

// Segment is a single emitted fMP4 media segment (moof+mdat). Partial
// segments share the Sequence of their parent and carry Part >= 0.
type Segment struct {
	Sequence  uint64
	Part      int // -1 for full segments
	Data      []byte
	Duration  time.Duration
	Timestamp uint64 // segment start in TimeScale ticks
	Keyframe  bool
	Partial   bool
}

// InitSegment is an fMP4 initialization segment (ftyp+moov) for one
// (codec, width, height) tuple.
type InitSegment struct {
	Codec     Codec
	Width     int
	Height    int
	TimeScale uint32
	Data      []byte
}
