package hlsstore

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/zmgate/streaming-server/internal/logger"
	"github.com/zmgate/streaming-server/internal/metrics"
	"github.com/zmgate/streaming-server/pkg/types"
)

// Config controls the on-disk layout and retention policy.
type Config struct {
	Root           string
	TargetDuration time.Duration
	MaxAge         time.Duration
	MaxSegments    int
}

// PartInfo describes one stored partial segment.
type PartInfo struct {
	Index       int
	Duration    time.Duration
	Size        int64
	Independent bool
}

// SegmentInfo describes one stored full segment and its parts.
type SegmentInfo struct {
	Sequence uint64
	Duration time.Duration
	Size     int64
	StoredAt time.Time
	Parts    []PartInfo
}

// MonitorState is a snapshot of a monitor's stream for playlist
// rendering: completed segments plus the parts of the segment still
// being produced.
type MonitorState struct {
	HasInit      bool
	Segments     []SegmentInfo
	NextSequence uint64
	PendingParts []PartInfo
}

// Stats summarizes store contents.
type Stats struct {
	Monitors int   `json:"monitors"`
	Segments int   `json:"segments"`
	Partials int   `json:"partials"`
	Bytes    int64 `json:"bytes"`
}

// MonitorStats summarizes one monitor's stored data.
type MonitorStats struct {
	MonitorID   int       `json:"monitor_id"`
	HasInit     bool      `json:"has_init"`
	Segments    int       `json:"segments"`
	Partials    int       `json:"partials"`
	Bytes       int64     `json:"bytes"`
	OldestSeq   uint64    `json:"oldest_seq"`
	NewestSeq   uint64    `json:"newest_seq"`
	LastCleanup time.Time `json:"last_cleanup,omitempty"`
}

type monitorIndex struct {
	dir          string
	init         []byte
	segments     []SegmentInfo
	pendingParts map[uint64][]PartInfo
	lastCleanup  time.Time
	updated      chan struct{}
}

// Store keeps fMP4 segments on disk with an in-memory index per
// monitor. Init segments are cached in memory; media segments are read
// back from disk on demand.
type Store struct {
	cfg     Config
	metrics *metrics.Metrics

	mu       sync.RWMutex
	monitors map[int]*monitorIndex
}

// New creates the store root directory and an empty index.
func New(cfg Config, m *metrics.Metrics) (*Store, error) {
	if cfg.Root == "" {
		return nil, fmt.Errorf("store root: %w", types.ErrInvalid)
	}
	if err := os.MkdirAll(cfg.Root, 0o755); err != nil {
		return nil, fmt.Errorf("create store root: %w", err)
	}
	return &Store{
		cfg:      cfg,
		metrics:  m,
		monitors: make(map[int]*monitorIndex),
	}, nil
}

// SetRetention applies new retention bounds, typically from a config
// reload. The next store or reap pass enforces them.
func (s *Store) SetRetention(maxAge time.Duration, maxSegments int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cfg.MaxAge = maxAge
	s.cfg.MaxSegments = maxSegments
}

// InitFileName is the init segment's name under a monitor directory.
const InitFileName = "init.mp4"

// SegmentFileName returns the on-disk name of a full segment.
func SegmentFileName(seq uint64) string {
	return fmt.Sprintf("segment_%05d.m4s", seq)
}

// PartialFileName returns the on-disk name of a partial segment.
func PartialFileName(seq uint64, part int) string {
	return fmt.Sprintf("segment_%05d.%d.m4s", seq, part)
}

// InitMonitor registers a monitor and creates its directory. Calling it
// again for a known monitor is a no-op.
func (s *Store) InitMonitor(id int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.monitors[id]; ok {
		return nil
	}
	dir := filepath.Join(s.cfg.Root, strconv.Itoa(id))
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create monitor dir: %w", err)
	}
	s.monitors[id] = &monitorIndex{
		dir:          dir,
		pendingParts: make(map[uint64][]PartInfo),
		updated:      make(chan struct{}),
	}
	return nil
}

// StoreInit writes the init segment to disk and caches it.
func (s *Store) StoreInit(id int, init *types.InitSegment) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	idx, ok := s.monitors[id]
	if !ok {
		return fmt.Errorf("monitor %d: %w", id, types.ErrNotFound)
	}
	if err := os.WriteFile(filepath.Join(idx.dir, InitFileName), init.Data, 0o644); err != nil {
		return fmt.Errorf("write init segment: %w", err)
	}
	idx.init = init.Data
	idx.notify()
	return nil
}

// StoreSegment persists a full or partial segment and updates the
// index. Storing a full segment folds any pending parts with the same
// sequence into it and enforces both retention bounds, count and age.
func (s *Store) StoreSegment(id int, seg types.Segment) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	idx, ok := s.monitors[id]
	if !ok {
		return fmt.Errorf("monitor %d: %w", id, types.ErrNotFound)
	}

	var name string
	if seg.Partial {
		name = PartialFileName(seg.Sequence, seg.Part)
	} else {
		name = SegmentFileName(seg.Sequence)
	}
	if err := os.WriteFile(filepath.Join(idx.dir, name), seg.Data, 0o644); err != nil {
		return fmt.Errorf("write %s: %w", name, err)
	}

	if seg.Partial {
		idx.pendingParts[seg.Sequence] = append(idx.pendingParts[seg.Sequence], PartInfo{
			Index:       seg.Part,
			Duration:    seg.Duration,
			Size:        int64(len(seg.Data)),
			Independent: seg.Keyframe,
		})
	} else {
		info := SegmentInfo{
			Sequence: seg.Sequence,
			Duration: seg.Duration,
			Size:     int64(len(seg.Data)),
			StoredAt: time.Now(),
			Parts:    idx.pendingParts[seg.Sequence],
		}
		delete(idx.pendingParts, seg.Sequence)
		idx.segments = append(idx.segments, info)
		sort.Slice(idx.segments, func(i, j int) bool {
			return idx.segments[i].Sequence < idx.segments[j].Sequence
		})
		if s.cfg.MaxSegments > 0 {
			for len(idx.segments) > s.cfg.MaxSegments {
				s.evictLocked(idx, 0)
			}
		}
		s.reapAgedLocked(idx, time.Now())
	}

	if s.metrics != nil {
		s.metrics.SegmentsStored.Add(1)
	}
	idx.notify()
	return nil
}

// ReadInit returns the cached init segment.
func (s *Store) ReadInit(id int) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	idx, ok := s.monitors[id]
	if !ok {
		return nil, fmt.Errorf("monitor %d: %w", id, types.ErrNotFound)
	}
	if idx.init == nil {
		return nil, fmt.Errorf("monitor %d init segment: %w", id, types.ErrNotFound)
	}
	return idx.init, nil
}

// ReadSegment returns a full segment's bytes from disk.
func (s *Store) ReadSegment(id int, seq uint64) ([]byte, error) {
	return s.readFile(id, SegmentFileName(seq))
}

// ReadPartial returns a partial segment's bytes from disk.
func (s *Store) ReadPartial(id int, seq uint64, part int) ([]byte, error) {
	return s.readFile(id, PartialFileName(seq, part))
}

func (s *Store) readFile(id int, name string) ([]byte, error) {
	s.mu.RLock()
	idx, ok := s.monitors[id]
	s.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("monitor %d: %w", id, types.ErrNotFound)
	}
	data, err := os.ReadFile(filepath.Join(idx.dir, name))
	if os.IsNotExist(err) {
		return nil, fmt.Errorf("%s: %w", name, types.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", name, err)
	}
	return data, nil
}

// State returns the playlist view of a monitor.
func (s *Store) State(id int) (MonitorState, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	idx, ok := s.monitors[id]
	if !ok {
		return MonitorState{}, fmt.Errorf("monitor %d: %w", id, types.ErrNotFound)
	}
	st := MonitorState{
		HasInit:  idx.init != nil,
		Segments: append([]SegmentInfo(nil), idx.segments...),
	}
	if n := len(idx.segments); n > 0 {
		st.NextSequence = idx.segments[n-1].Sequence + 1
	}
	st.PendingParts = append([]PartInfo(nil), idx.pendingParts[st.NextSequence]...)
	return st, nil
}

// Latest returns up to n of the newest completed segments, oldest
// first.
func (s *Store) Latest(id, n int) ([]SegmentInfo, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	idx, ok := s.monitors[id]
	if !ok {
		return nil, fmt.Errorf("monitor %d: %w", id, types.ErrNotFound)
	}
	if n <= 0 || len(idx.segments) == 0 {
		return nil, nil
	}
	start := len(idx.segments) - n
	if start < 0 {
		start = 0
	}
	return append([]SegmentInfo(nil), idx.segments[start:]...), nil
}

// WaitFor blocks until a full segment with sequence >= seq exists, or,
// with part >= 0, until that specific partial (or the finished segment
// containing it) exists. Used for blocking playlist reloads.
func (s *Store) WaitFor(ctx context.Context, id int, seq uint64, part int) error {
	for {
		s.mu.RLock()
		idx, ok := s.monitors[id]
		if !ok {
			s.mu.RUnlock()
			return fmt.Errorf("monitor %d: %w", id, types.ErrNotFound)
		}
		done := idx.satisfiesLocked(seq, part)
		ch := idx.updated
		s.mu.RUnlock()
		if done {
			return nil
		}
		select {
		case <-ch:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (idx *monitorIndex) satisfiesLocked(seq uint64, part int) bool {
	for _, info := range idx.segments {
		if info.Sequence >= seq {
			return true
		}
	}
	if part < 0 {
		return false
	}
	for _, p := range idx.pendingParts[seq] {
		if p.Index >= part {
			return true
		}
	}
	return false
}

// CleanMonitor removes all stored data for a monitor but keeps it
// registered. A restarting live session calls this so sequence numbers
// can begin again at zero without stale segments surviving.
func (s *Store) CleanMonitor(id int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	idx, ok := s.monitors[id]
	if !ok {
		return fmt.Errorf("monitor %d: %w", id, types.ErrNotFound)
	}
	entries, err := os.ReadDir(idx.dir)
	if err != nil {
		return fmt.Errorf("list monitor dir: %w", err)
	}
	for _, e := range entries {
		if err := os.Remove(filepath.Join(idx.dir, e.Name())); err != nil {
			return fmt.Errorf("remove %s: %w", e.Name(), err)
		}
	}
	idx.init = nil
	idx.segments = nil
	idx.pendingParts = make(map[uint64][]PartInfo)
	idx.lastCleanup = time.Now()
	idx.notify()
	return nil
}

// RemoveMonitor deletes a monitor's directory and index entry.
func (s *Store) RemoveMonitor(id int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	idx, ok := s.monitors[id]
	if !ok {
		return fmt.Errorf("monitor %d: %w", id, types.ErrNotFound)
	}
	delete(s.monitors, id)
	idx.notify()
	if err := os.RemoveAll(idx.dir); err != nil {
		return fmt.Errorf("remove monitor dir: %w", err)
	}
	return nil
}

// GetStats reports store-wide totals.
func (s *Store) GetStats() Stats {
	s.mu.RLock()
	defer s.mu.RUnlock()
	st := Stats{Monitors: len(s.monitors)}
	for _, idx := range s.monitors {
		st.Segments += len(idx.segments)
		for _, info := range idx.segments {
			st.Bytes += info.Size
			st.Partials += len(info.Parts)
			for _, p := range info.Parts {
				st.Bytes += p.Size
			}
		}
		for _, parts := range idx.pendingParts {
			st.Partials += len(parts)
			for _, p := range parts {
				st.Bytes += p.Size
			}
		}
		st.Bytes += int64(len(idx.init))
	}
	return st
}

// GetMonitorStats reports one monitor's totals.
func (s *Store) GetMonitorStats(id int) (MonitorStats, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	idx, ok := s.monitors[id]
	if !ok {
		return MonitorStats{}, fmt.Errorf("monitor %d: %w", id, types.ErrNotFound)
	}
	st := MonitorStats{
		MonitorID:   id,
		HasInit:     idx.init != nil,
		Segments:    len(idx.segments),
		Bytes:       int64(len(idx.init)),
		LastCleanup: idx.lastCleanup,
	}
	for _, info := range idx.segments {
		st.Bytes += info.Size
		st.Partials += len(info.Parts)
		for _, p := range info.Parts {
			st.Bytes += p.Size
		}
	}
	for _, parts := range idx.pendingParts {
		st.Partials += len(parts)
		for _, p := range parts {
			st.Bytes += p.Size
		}
	}
	if n := len(idx.segments); n > 0 {
		st.OldestSeq = idx.segments[0].Sequence
		st.NewestSeq = idx.segments[n-1].Sequence
	}
	return st, nil
}

// RunRetention reaps aged segments until the context is cancelled.
// Segments older than MaxAge get one extra target duration of grace so
// a playlist fetched just before expiry can still resolve its entries.
func (s *Store) RunRetention(ctx context.Context) {
	interval := s.cfg.TargetDuration
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.reapAged(time.Now())
		}
	}
}

func (s *Store) reapAged(now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, idx := range s.monitors {
		s.reapAgedLocked(idx, now)
	}
}

// reapAgedLocked evicts segments older than MaxAge from one monitor.
func (s *Store) reapAgedLocked(idx *monitorIndex, now time.Time) {
	if s.cfg.MaxAge <= 0 {
		return
	}
	cutoff := now.Add(-s.cfg.MaxAge - s.cfg.TargetDuration)
	reaped := 0
	for len(idx.segments) > 0 && idx.segments[0].StoredAt.Before(cutoff) {
		s.evictLocked(idx, 0)
		reaped++
	}
	if reaped > 0 {
		logger.Debug("HLSStore", "Reaped %d aged segments from %s", reaped, idx.dir)
		idx.notify()
	}
}

// evictLocked removes segment i of the index and its files. A failed
// file removal is logged but does not block the eviction.
func (s *Store) evictLocked(idx *monitorIndex, i int) {
	info := idx.segments[i]
	removeLogged(filepath.Join(idx.dir, SegmentFileName(info.Sequence)))
	for _, p := range info.Parts {
		removeLogged(filepath.Join(idx.dir, PartialFileName(info.Sequence, p.Index)))
	}
	idx.segments = append(idx.segments[:i], idx.segments[i+1:]...)
	if s.metrics != nil {
		s.metrics.SegmentsReaped.Add(1)
	}
}

func removeLogged(path string) {
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		logger.Warn("HLSStore", "Evict %s: %v", path, err)
	}
}

func (idx *monitorIndex) notify() {
	close(idx.updated)
	idx.updated = make(chan struct{})
}
