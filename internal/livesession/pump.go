package livesession

import (
	"context"
	"time"

	"github.com/zmgate/streaming-server/internal/fmp4"
	"github.com/zmgate/streaming-server/internal/logger"
	"github.com/zmgate/streaming-server/pkg/types"
)

// isBMFF reports whether the payload already carries ISO-BMFF boxes.
// The MSE plugin normally delivers finished fMP4; a daemon in
// passthrough mode delivers the raw Annex-B elementary stream instead.
func isBMFF(data []byte) bool {
	if len(data) < 8 {
		return false
	}
	switch string(data[4:8]) {
	case "ftyp", "styp", "moof", "sidx":
		return true
	}
	return false
}

// pump consumes the MSE subscription until the session stops. Finished
// fMP4 payloads go straight into the store; Annex-B payloads run
// through the session's own segmenter first.
func (m *Manager) pump(ctx context.Context, s *session, ch <-chan []byte) {
	defer close(s.done)
	epoch := time.Now()
	for {
		select {
		case <-ctx.Done():
			return
		case data, ok := <-ch:
			if !ok {
				return
			}
			m.ingest(s, data, time.Since(epoch))
		}
	}
}

func (m *Manager) ingest(s *session, data []byte, elapsed time.Duration) {
	if isBMFF(data) {
		if string(data[4:8]) == "ftyp" {
			if err := m.store.StoreInit(s.monitorID, &types.InitSegment{
				Codec:     s.spec.Codec,
				Width:     s.spec.Width,
				Height:    s.spec.Height,
				TimeScale: types.TimeScale,
				Data:      data,
			}); err != nil {
				logger.Warn("LiveSession", "Monitor %d store init: %v", s.monitorID, err)
			}
			return
		}
		seq := s.passSeq
		s.passSeq++
		m.storeSegment(s, types.Segment{
			Sequence: seq,
			Part:     -1,
			Data:     data,
			Duration: m.cfg.TargetDuration(),
			Keyframe: true,
		})
		return
	}

	pts := elapsed.Microseconds()
	for _, nal := range fmp4.SplitAnnexB(data) {
		segs, err := s.seg.WriteNAL(nal, pts, false)
		if err != nil {
			logger.Warn("LiveSession", "Monitor %d segmenter: %v", s.monitorID, err)
			continue
		}
		if inv := s.seg.InitInvalidations(); inv > s.lastInvalidated {
			if m.metrics != nil {
				m.metrics.InitInvalidations.Add(inv - s.lastInvalidated)
			}
			s.lastInvalidated = inv
		}
		for _, seg := range segs {
			m.syncInit(s)
			m.storeSegment(s, seg)
		}
	}
}

// syncInit pushes the segmenter's current init segment into the store
// whenever it changes (first emission or parameter set update).
func (m *Manager) syncInit(s *session) {
	init, err := s.seg.InitSegment()
	if err != nil || init == s.lastInit {
		return
	}
	if err := m.store.StoreInit(s.monitorID, init); err != nil {
		logger.Warn("LiveSession", "Monitor %d store init: %v", s.monitorID, err)
		return
	}
	s.lastInit = init
}

func (m *Manager) storeSegment(s *session, seg types.Segment) {
	if err := m.store.StoreSegment(s.monitorID, seg); err != nil {
		logger.Warn("LiveSession", "Monitor %d store segment %d: %v", s.monitorID, seg.Sequence, err)
		return
	}
	s.emitted.Add(1)
	if m.metrics != nil {
		if seg.Partial {
			m.metrics.PartialsEmitted.Add(1)
		} else {
			m.metrics.SegmentsEmitted.Add(1)
		}
		m.metrics.SegmentBytes.Add(uint64(len(seg.Data)))
	}
}
