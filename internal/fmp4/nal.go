package fmp4

import (
	"fmt"

	"github.com/zmgate/streaming-server/pkg/types"
)

// stripStartCode removes the 3- or 4-byte Annex-B start code. NALs
// without a start code are rejected; this segmenter only accepts
// byte-stream input.
func stripStartCode(data []byte) ([]byte, error) {
	if len(data) >= 4 && data[0] == 0 && data[1] == 0 && data[2] == 0 && data[3] == 1 {
		return data[4:], nil
	}
	if len(data) >= 3 && data[0] == 0 && data[1] == 0 && data[2] == 1 {
		return data[3:], nil
	}
	return nil, fmt.Errorf("NAL without Annex-B start code (%d bytes)", len(data))
}

// nalType extracts the NAL unit type for the codec. H.264 keeps it in
// the low 5 bits of the first byte; H.265 in bits 1-6.
func nalType(codec types.Codec, nal []byte) uint8 {
	if len(nal) == 0 {
		return 0xFF
	}
	switch codec {
	case types.CodecH265:
		return (nal[0] >> 1) & 0x3F
	default:
		return nal[0] & 0x1F
	}
}

// isVCL reports whether the NAL carries slice data. Only VCL NALs ever
// enter media segments.
func isVCL(codec types.Codec, nt uint8) bool {
	switch codec {
	case types.CodecH265:
		return nt <= types.HEVCNALTypeVCLMax
	default:
		return nt >= types.NALTypeSlice && nt <= types.NALTypeIDR
	}
}

// isKeyframeNAL reports whether the NAL starts a random-access picture.
func isKeyframeNAL(codec types.Codec, nt uint8) bool {
	switch codec {
	case types.CodecH265:
		return nt >= types.HEVCNALTypeIRAPFirst && nt <= types.HEVCNALTypeIRAPLast
	default:
		return nt == types.NALTypeIDR
	}
}

// SplitAnnexB cuts a byte-stream chunk into individual NAL units, each
// returned with its start code intact.
func SplitAnnexB(data []byte) [][]byte {
	var out [][]byte
	start := -1
	i := 0
	for i+2 < len(data) {
		if data[i] == 0 && data[i+1] == 0 && (data[i+2] == 1 || (i+3 < len(data) && data[i+2] == 0 && data[i+3] == 1)) {
			if start >= 0 {
				out = append(out, data[start:i])
			}
			start = i
			if data[i+2] == 1 {
				i += 3
			} else {
				i += 4
			}
			continue
		}
		i++
	}
	if start >= 0 {
		out = append(out, data[start:])
	}
	return out
}
