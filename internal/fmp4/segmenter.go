package fmp4

import (
	"encoding/binary"
	"fmt"
	"time"

	"github.com/zmgate/streaming-server/pkg/types"
)

// sample is one access unit, stored as AVCC (length-prefixed) payload.
type sample struct {
	data     []byte
	ticks    uint64
	duration uint32
	keyframe bool
}

// Segmenter turns an Annex-B elementary stream into fMP4 media
// segments. NALs arrive one at a time with a presentation timestamp in
// microseconds; NALs sharing a timestamp are folded into one access
// unit. A segment closes when the next keyframe access unit starts and
// at least the target duration has elapsed; partials are emitted every
// quarter of the target for low-latency playlists.
//
// Not safe for concurrent use. Each live session drives exactly one
// segmenter from its pump goroutine.
type Segmenter struct {
	codec       types.Codec
	targetTicks uint64
	partTicks   uint64

	ps   paramSets
	sps  spsInfo
	init *types.InitSegment

	initInvalidations uint64

	haveKeyframe bool
	started      bool

	// access unit in progress
	pending      []byte
	pendingTicks uint64
	pendingKey   bool

	// open segment
	samples   []sample
	seq       uint64
	segStart  uint64
	partStart int
	partBase  uint64
	partIndex int
	lastDur   uint32
}

// NewSegmenter builds a segmenter targeting the given segment duration.
// Partials are emitted at a quarter of the target.
func NewSegmenter(codec types.Codec, target time.Duration) *Segmenter {
	targetTicks := uint64(target) * types.TimeScale / uint64(time.Second)
	return &Segmenter{
		codec:       codec,
		targetTicks: targetTicks,
		partTicks:   targetTicks / 4,
	}
}

// WriteNAL consumes one Annex-B NAL unit and returns any segments it
// completed (at most one partial plus one full segment per call).
// Parameter set NALs are retained for the init segment and never enter
// media segments; VCL NALs before the first keyframe are dropped.
func (s *Segmenter) WriteNAL(nal []byte, ptsMicros int64, keyframeHint bool) ([]types.Segment, error) {
	payload, err := stripStartCode(nal)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", types.ErrInvalid, err)
	}
	if len(payload) == 0 {
		return nil, fmt.Errorf("%w: empty NAL", types.ErrInvalid)
	}
	nt := nalType(s.codec, payload)
	if !isVCL(s.codec, nt) {
		return nil, s.storeParameterSet(nt, payload)
	}
	if ptsMicros < 0 {
		return nil, fmt.Errorf("%w: negative timestamp %d", types.ErrInvalid, ptsMicros)
	}
	ticks := uint64(ptsMicros) * 9 / 100

	key := keyframeHint || isKeyframeNAL(s.codec, nt)
	if !s.haveKeyframe {
		if !key {
			return nil, nil
		}
		s.haveKeyframe = true
	}

	var out []types.Segment
	if s.pending != nil && ticks != s.pendingTicks {
		out = s.completeAU(ticks, key)
	}
	if s.pending == nil {
		s.pendingTicks = ticks
		s.pendingKey = false
		if !s.started {
			s.started = true
			s.segStart = ticks
			s.partBase = ticks
		}
	}
	s.pendingKey = s.pendingKey || key
	s.pending = appendAVCC(s.pending, payload)
	return out, nil
}

// Flush closes out whatever is buffered, reusing the last observed
// sample duration for the trailing access unit. Called when a live
// session stops so viewers receive the tail of the stream.
func (s *Segmenter) Flush() []types.Segment {
	if s.pending != nil {
		dur := s.lastDur
		if dur == 0 {
			dur = 1
		}
		s.samples = append(s.samples, sample{
			data:     s.pending,
			ticks:    s.pendingTicks,
			duration: dur,
			keyframe: s.pendingKey,
		})
		s.pending = nil
	}
	if len(s.samples) == 0 {
		return nil
	}
	last := s.samples[len(s.samples)-1]
	return s.closeSegment(last.ticks + uint64(last.duration))
}

// InitSegment returns the cached initialization segment, building it on
// first use. It fails with ErrParamSetsMissing until all parameter sets
// for the codec have been seen.
func (s *Segmenter) InitSegment() (*types.InitSegment, error) {
	if s.init != nil {
		return s.init, nil
	}
	init, err := generateInitSegment(s.codec, &s.ps, s.sps)
	if err != nil {
		return nil, err
	}
	s.init = init
	return init, nil
}

// InitInvalidations counts how many times a parameter set change forced
// the cached init segment to be rebuilt.
func (s *Segmenter) InitInvalidations() uint64 {
	return s.initInvalidations
}

func (s *Segmenter) storeParameterSet(nt uint8, payload []byte) error {
	isH265 := s.codec == types.CodecH265
	switch {
	case isH265 && nt == types.HEVCNALTypeVPS:
		s.ps.vps = cloneNAL(payload)
	case (isH265 && nt == types.HEVCNALTypeSPS) || (!isH265 && nt == types.NALTypeSPS):
		var info spsInfo
		var err error
		if isH265 {
			info, err = parseH265SPS(payload)
		} else {
			info, err = parseH264SPS(payload)
		}
		s.ps.sps = cloneNAL(payload)
		if err != nil {
			// keep the bytes for the decoder config; dimensions stay
			// whatever the last parseable SPS said
			return nil
		}
		if s.init != nil && (info.Width != s.sps.Width || info.Height != s.sps.Height) {
			s.init = nil
			s.initInvalidations++
		}
		s.sps = info
	case (isH265 && nt == types.HEVCNALTypePPS) || (!isH265 && nt == types.NALTypePPS):
		s.ps.pps = cloneNAL(payload)
	}
	// SEI, AUD and other non-VCL types are dropped.
	return nil
}

// completeAU seals the pending access unit (its duration is the gap to
// the next one, floored at one tick) and emits whatever segment or
// partial that completes.
func (s *Segmenter) completeAU(nextTicks uint64, nextKey bool) []types.Segment {
	dur := uint32(1)
	if nextTicks > s.pendingTicks {
		dur = uint32(nextTicks - s.pendingTicks)
	}
	s.lastDur = dur
	s.samples = append(s.samples, sample{
		data:     s.pending,
		ticks:    s.pendingTicks,
		duration: dur,
		keyframe: s.pendingKey,
	})
	s.pending = nil

	if nextKey && nextTicks-s.segStart >= s.targetTicks {
		return s.closeSegment(nextTicks)
	}
	if s.partTicks > 0 && nextTicks-s.partBase >= s.partTicks {
		return []types.Segment{s.emitPartial(nextTicks)}
	}
	return nil
}

func (s *Segmenter) closeSegment(nextTicks uint64) []types.Segment {
	var out []types.Segment
	if s.partIndex > 0 && s.partStart < len(s.samples) {
		out = append(out, s.emitPartial(nextTicks))
	}
	var total uint64
	for _, sm := range s.samples {
		total += uint64(sm.duration)
	}
	out = append(out, types.Segment{
		Sequence:  s.seq,
		Part:      -1,
		Data:      fragment(s.seq, s.segStart, s.samples),
		Duration:  ticksToDuration(total),
		Timestamp: s.segStart,
		Keyframe:  s.samples[0].keyframe,
	})
	s.seq++
	s.samples = s.samples[:0]
	s.partStart = 0
	s.partIndex = 0
	s.segStart = nextTicks
	s.partBase = nextTicks
	return out
}

func (s *Segmenter) emitPartial(nextTicks uint64) types.Segment {
	part := s.samples[s.partStart:]
	var total uint64
	for _, sm := range part {
		total += uint64(sm.duration)
	}
	seg := types.Segment{
		Sequence:  s.seq,
		Part:      s.partIndex,
		Data:      fragment(s.seq, part[0].ticks, part),
		Duration:  ticksToDuration(total),
		Timestamp: part[0].ticks,
		Keyframe:  part[0].keyframe,
		Partial:   true,
	}
	s.partIndex++
	s.partStart = len(s.samples)
	s.partBase = nextTicks
	return seg
}

// fragment builds one moof+mdat pair. The moof layout is fixed, so the
// trun data_offset (first mdat payload byte relative to moof start) is
// 8 bytes past the moof.
func fragment(seq, baseTicks uint64, samples []sample) []byte {
	n := len(samples)
	moofSize := 88 + 12*n

	entries := make([]byte, 0, 12*n)
	mdatLen := 0
	for _, sm := range samples {
		entries = append(entries, u32(sm.duration)...)
		entries = append(entries, u32(uint32(len(sm.data)))...)
		flags := uint32(0x01010000) // non-sync, depends on others
		if sm.keyframe {
			flags = 0x02000000
		}
		entries = append(entries, u32(flags)...)
		mdatLen += len(sm.data)
	}

	// duration + size + flags per sample
	trun := fullBox("trun", 0, 0x000701,
		u32(uint32(n)),
		u32(uint32(moofSize+8)),
		entries,
	)
	tfdt := fullBox("tfdt", 1, 0, u64(baseTicks))
	tfhd := fullBox("tfhd", 0, 0x020000, u32(1)) // default-base-is-moof
	traf := box("traf", tfhd, tfdt, trun)
	mfhd := fullBox("mfhd", 0, 0, u32(uint32(seq+1)))
	moof := box("moof", mfhd, traf)

	payload := make([]byte, 0, mdatLen)
	for _, sm := range samples {
		payload = append(payload, sm.data...)
	}
	return concat(moof, box("mdat", payload))
}

func appendAVCC(dst, nal []byte) []byte {
	var l [4]byte
	binary.BigEndian.PutUint32(l[:], uint32(len(nal)))
	dst = append(dst, l[:]...)
	return append(dst, nal...)
}

func cloneNAL(nal []byte) []byte {
	out := make([]byte, len(nal))
	copy(out, nal)
	return out
}

func ticksToDuration(ticks uint64) time.Duration {
	return time.Duration(ticks) * time.Second / types.TimeScale
}
