package fmp4

import "errors"

// SPS dimension extraction. The segmenter only needs resolution and the
// profile/level bytes for the codec configuration record; VUI and HRD
// fields are not parsed.

var errSPSTooShort = errors.New("SPS data too short")

type bitReader struct {
	data []byte
	pos  int
	bit  int
}

func newBitReader(data []byte) *bitReader {
	return &bitReader{data: data}
}

func (br *bitReader) readBit() (uint, error) {
	if br.pos >= len(br.data) {
		return 0, errSPSTooShort
	}
	val := uint((br.data[br.pos] >> (7 - br.bit)) & 1)
	br.bit++
	if br.bit == 8 {
		br.bit = 0
		br.pos++
	}
	return val, nil
}

func (br *bitReader) readBits(n int) (uint, error) {
	var val uint
	for i := 0; i < n; i++ {
		b, err := br.readBit()
		if err != nil {
			return 0, err
		}
		val = (val << 1) | b
	}
	return val, nil
}

// readUE reads an unsigned exp-Golomb value.
func (br *bitReader) readUE() (uint, error) {
	zeros := 0
	for {
		b, err := br.readBit()
		if err != nil {
			return 0, err
		}
		if b == 1 {
			break
		}
		zeros++
		if zeros > 31 {
			return 0, errSPSTooShort
		}
	}
	if zeros == 0 {
		return 0, nil
	}
	suffix, err := br.readBits(zeros)
	if err != nil {
		return 0, err
	}
	return (1 << zeros) - 1 + suffix, nil
}

func (br *bitReader) readSE() (int, error) {
	val, err := br.readUE()
	if err != nil {
		return 0, err
	}
	if val%2 == 0 {
		return -int(val / 2), nil
	}
	return int((val + 1) / 2), nil
}

func (br *bitReader) skipScalingList(size int) error {
	lastScale := 8
	nextScale := 8
	for j := 0; j < size; j++ {
		if nextScale != 0 {
			delta, err := br.readSE()
			if err != nil {
				return err
			}
			nextScale = (lastScale + delta + 256) % 256
		}
		if nextScale != 0 {
			lastScale = nextScale
		}
	}
	return nil
}

// removeEmulationPrevention strips 0x03 bytes from 00 00 03 sequences.
func removeEmulationPrevention(data []byte) []byte {
	out := make([]byte, 0, len(data))
	zeros := 0
	for _, b := range data {
		if zeros >= 2 && b == 0x03 {
			zeros = 0
			continue
		}
		if b == 0x00 {
			zeros++
		} else {
			zeros = 0
		}
		out = append(out, b)
	}
	return out
}

// spsInfo holds the fields the segmenter consumes from an SPS.
type spsInfo struct {
	Width           int
	Height          int
	ProfileIDC      byte
	ConstraintFlags byte
	LevelIDC        byte
}

// parseH264SPS extracts resolution and profile bytes from an H.264 SPS.
// The input is the raw NAL with header byte, start code stripped.
func parseH264SPS(nal []byte) (spsInfo, error) {
	if len(nal) < 4 {
		return spsInfo{}, errSPSTooShort
	}
	rbsp := removeEmulationPrevention(nal[1:])
	br := newBitReader(rbsp)

	profileIDC, err := br.readBits(8)
	if err != nil {
		return spsInfo{}, err
	}
	constraintFlags, err := br.readBits(8)
	if err != nil {
		return spsInfo{}, err
	}
	levelIDC, err := br.readBits(8)
	if err != nil {
		return spsInfo{}, err
	}
	if _, err := br.readUE(); err != nil { // seq_parameter_set_id
		return spsInfo{}, err
	}

	chromaFormatIDC := uint(1)
	separateColourPlane := false

	switch profileIDC {
	case 100, 110, 122, 244, 44, 83, 86, 118, 128, 138, 139, 134:
		chromaFormatIDC, err = br.readUE()
		if err != nil {
			return spsInfo{}, err
		}
		if chromaFormatIDC == 3 {
			v, err := br.readBits(1)
			if err != nil {
				return spsInfo{}, err
			}
			separateColourPlane = v == 1
		}
		if _, err := br.readUE(); err != nil { // bit_depth_luma_minus8
			return spsInfo{}, err
		}
		if _, err := br.readUE(); err != nil { // bit_depth_chroma_minus8
			return spsInfo{}, err
		}
		if _, err := br.readBits(1); err != nil { // qpprime_y_zero_transform_bypass
			return spsInfo{}, err
		}
		scalingMatrix, err := br.readBits(1)
		if err != nil {
			return spsInfo{}, err
		}
		if scalingMatrix == 1 {
			limit := 8
			if chromaFormatIDC == 3 {
				limit = 12
			}
			for i := 0; i < limit; i++ {
				flag, err := br.readBits(1)
				if err != nil {
					return spsInfo{}, err
				}
				if flag == 1 {
					size := 16
					if i >= 6 {
						size = 64
					}
					if err := br.skipScalingList(size); err != nil {
						return spsInfo{}, err
					}
				}
			}
		}
	}

	if _, err := br.readUE(); err != nil { // log2_max_frame_num_minus4
		return spsInfo{}, err
	}

	picOrderCntType, err := br.readUE()
	if err != nil {
		return spsInfo{}, err
	}
	switch picOrderCntType {
	case 0:
		if _, err := br.readUE(); err != nil {
			return spsInfo{}, err
		}
	case 1:
		if _, err := br.readBits(1); err != nil {
			return spsInfo{}, err
		}
		if _, err := br.readSE(); err != nil {
			return spsInfo{}, err
		}
		if _, err := br.readSE(); err != nil {
			return spsInfo{}, err
		}
		numRefFrames, err := br.readUE()
		if err != nil {
			return spsInfo{}, err
		}
		for i := uint(0); i < numRefFrames; i++ {
			if _, err := br.readSE(); err != nil {
				return spsInfo{}, err
			}
		}
	}

	if _, err := br.readUE(); err != nil { // max_num_ref_frames
		return spsInfo{}, err
	}
	if _, err := br.readBits(1); err != nil { // gaps_in_frame_num_value_allowed
		return spsInfo{}, err
	}

	picWidthMbs, err := br.readUE()
	if err != nil {
		return spsInfo{}, err
	}
	picHeightMapUnits, err := br.readUE()
	if err != nil {
		return spsInfo{}, err
	}

	frameMbsOnly, err := br.readBits(1)
	if err != nil {
		return spsInfo{}, err
	}
	if frameMbsOnly == 0 {
		if _, err := br.readBits(1); err != nil { // mb_adaptive_frame_field
			return spsInfo{}, err
		}
	}
	if _, err := br.readBits(1); err != nil { // direct_8x8_inference
		return spsInfo{}, err
	}

	cropLeft, cropRight, cropTop, cropBottom := uint(0), uint(0), uint(0), uint(0)
	croppingFlag, err := br.readBits(1)
	if err != nil {
		return spsInfo{}, err
	}
	if croppingFlag == 1 {
		if cropLeft, err = br.readUE(); err != nil {
			return spsInfo{}, err
		}
		if cropRight, err = br.readUE(); err != nil {
			return spsInfo{}, err
		}
		if cropTop, err = br.readUE(); err != nil {
			return spsInfo{}, err
		}
		if cropBottom, err = br.readUE(); err != nil {
			return spsInfo{}, err
		}
	}

	chromaArrayType := chromaFormatIDC
	if separateColourPlane {
		chromaArrayType = 0
	}
	var subWidthC, subHeightC uint
	switch chromaArrayType {
	case 1:
		subWidthC, subHeightC = 2, 2
	case 2:
		subWidthC, subHeightC = 2, 1
	default:
		subWidthC, subHeightC = 1, 1
	}
	cropUnitX := subWidthC
	cropUnitY := subHeightC * (2 - frameMbsOnly)

	return spsInfo{
		Width:           int((picWidthMbs+1)*16 - cropUnitX*(cropLeft+cropRight)),
		Height:          int((picHeightMapUnits+1)*16*(2-frameMbsOnly) - cropUnitY*(cropTop+cropBottom)),
		ProfileIDC:      byte(profileIDC),
		ConstraintFlags: byte(constraintFlags),
		LevelIDC:        byte(levelIDC),
	}, nil
}

// parseH265SPS extracts resolution from an H.265 SPS. The input is the
// raw NAL with its 2-byte header, start code stripped.
func parseH265SPS(nal []byte) (spsInfo, error) {
	if len(nal) < 4 {
		return spsInfo{}, errSPSTooShort
	}
	rbsp := removeEmulationPrevention(nal[2:])
	br := newBitReader(rbsp)

	if _, err := br.readBits(4); err != nil { // sps_video_parameter_set_id
		return spsInfo{}, err
	}
	maxSubLayersMinus1, err := br.readBits(3)
	if err != nil {
		return spsInfo{}, err
	}
	if _, err := br.readBits(1); err != nil { // sps_temporal_id_nesting
		return spsInfo{}, err
	}
	if err := skipH265ProfileTierLevel(br, maxSubLayersMinus1); err != nil {
		return spsInfo{}, err
	}
	if _, err := br.readUE(); err != nil { // sps_seq_parameter_set_id
		return spsInfo{}, err
	}
	chromaFormatIDC, err := br.readUE()
	if err != nil {
		return spsInfo{}, err
	}
	if chromaFormatIDC == 3 {
		if _, err := br.readBits(1); err != nil { // separate_colour_plane
			return spsInfo{}, err
		}
	}
	width, err := br.readUE()
	if err != nil {
		return spsInfo{}, err
	}
	height, err := br.readUE()
	if err != nil {
		return spsInfo{}, err
	}

	info := spsInfo{Width: int(width), Height: int(height)}

	confWindow, err := br.readBits(1)
	if err != nil || confWindow == 0 {
		return info, nil
	}
	left, err := br.readUE()
	if err != nil {
		return info, nil
	}
	right, err := br.readUE()
	if err != nil {
		return info, nil
	}
	top, err := br.readUE()
	if err != nil {
		return info, nil
	}
	bottom, err := br.readUE()
	if err != nil {
		return info, nil
	}

	var subWidthC, subHeightC uint
	switch chromaFormatIDC {
	case 1:
		subWidthC, subHeightC = 2, 2
	case 2:
		subWidthC, subHeightC = 2, 1
	default:
		subWidthC, subHeightC = 1, 1
	}
	info.Width -= int((left + right) * subWidthC)
	info.Height -= int((top + bottom) * subHeightC)
	return info, nil
}

func skipH265ProfileTierLevel(br *bitReader, maxSubLayersMinus1 uint) error {
	// general profile tier level: 2+1+5+32+48+8 = 96 bits
	if _, err := br.readBits(32); err != nil {
		return err
	}
	if _, err := br.readBits(32); err != nil {
		return err
	}
	if _, err := br.readBits(32); err != nil {
		return err
	}

	if maxSubLayersMinus1 == 0 {
		return nil
	}

	profilePresent := make([]bool, maxSubLayersMinus1)
	tierPresent := make([]bool, maxSubLayersMinus1)
	for i := uint(0); i < maxSubLayersMinus1; i++ {
		p, err := br.readBits(1)
		if err != nil {
			return err
		}
		l, err := br.readBits(1)
		if err != nil {
			return err
		}
		profilePresent[i] = p == 1
		tierPresent[i] = l == 1
	}
	if maxSubLayersMinus1 > 0 {
		for i := maxSubLayersMinus1; i < 8; i++ {
			if _, err := br.readBits(2); err != nil {
				return err
			}
		}
	}
	for i := uint(0); i < maxSubLayersMinus1; i++ {
		if profilePresent[i] {
			if _, err := br.readBits(88); err != nil {
				return err
			}
		}
		if tierPresent[i] {
			if _, err := br.readBits(8); err != nil {
				return err
			}
		}
	}
	return nil
}
