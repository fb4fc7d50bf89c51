package livesession

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/zmgate/streaming-server/internal/config"
	"github.com/zmgate/streaming-server/internal/fmp4"
	"github.com/zmgate/streaming-server/internal/hlsstore"
	"github.com/zmgate/streaming-server/internal/logger"
	"github.com/zmgate/streaming-server/internal/metrics"
	"github.com/zmgate/streaming-server/internal/plugin"
	"github.com/zmgate/streaming-server/pkg/types"
)

// State tracks a session through its lifecycle.
type State int

const (
	Starting State = iota
	Running
	Stopping
	Failed
)

func (s State) String() string {
	switch s {
	case Starting:
		return "starting"
	case Running:
		return "running"
	case Stopping:
		return "stopping"
	case Failed:
		return "failed"
	default:
		return "unknown"
	}
}

// StreamSpec describes the monitor's bitstream for plugin registration.
type StreamSpec struct {
	Codec  types.Codec
	Width  int
	Height int
}

func (s *StreamSpec) applyDefaults() {
	if s.Width == 0 {
		s.Width = 1920
	}
	if s.Height == 0 {
		s.Height = 1080
	}
}

// SessionStats is the per-monitor view returned by the stats endpoint.
type SessionStats struct {
	MonitorID       int                    `json:"monitor_id"`
	State           string                 `json:"state"`
	StartedAt       time.Time              `json:"started_at"`
	SegmentsEmitted uint64                 `json:"segments_emitted"`
	Buffer          plugin.BufferStats     `json:"buffer"`
	Store           hlsstore.MonitorStats  `json:"store"`
	Latest          []hlsstore.SegmentInfo `json:"latest,omitempty"`
}

// latestStatsCount bounds the newest-segment list in SessionStats.
const latestStatsCount = 3

type session struct {
	monitorID int
	spec      StreamSpec
	state     State
	startedAt time.Time

	seg    *fmp4.Segmenter
	client *plugin.MSEClient
	subID  int
	cancel context.CancelFunc
	done   chan struct{}

	// pump-goroutine state
	passSeq         uint64
	lastInit        *types.InitSegment
	lastInvalidated uint64
	emitted         atomic.Uint64
}

// Manager owns one live session per monitor: the segmenter, the
// monitor's slice of the HLS store, and the MSE plugin client.
type Manager struct {
	cfg     config.Config
	store   *hlsstore.Store
	mse     *plugin.MSEManager
	metrics *metrics.Metrics

	mu       sync.Mutex
	sessions map[int]*session
}

// NewManager wires the session manager to its collaborators.
func NewManager(cfg config.Config, store *hlsstore.Store, mse *plugin.MSEManager, m *metrics.Metrics) *Manager {
	return &Manager{
		cfg:      cfg,
		store:    store,
		mse:      mse,
		metrics:  m,
		sessions: make(map[int]*session),
	}
}

// Start brings up the monitor's live session. Starting a session that
// is already starting or running succeeds without side effects.
func (m *Manager) Start(monitorID int, spec StreamSpec) error {
	spec.applyDefaults()

	m.mu.Lock()
	if existing, ok := m.sessions[monitorID]; ok {
		if existing.state == Running || existing.state == Starting {
			m.mu.Unlock()
			return nil
		}
		delete(m.sessions, monitorID)
	}
	s := &session{
		monitorID: monitorID,
		spec:      spec,
		state:     Starting,
		done:      make(chan struct{}),
	}
	m.sessions[monitorID] = s
	m.mu.Unlock()

	if err := m.bringUp(s); err != nil {
		m.mu.Lock()
		s.state = Failed
		m.mu.Unlock()
		logger.Error("LiveSession", "Monitor %d start failed: %v", monitorID, err)
		return err
	}

	m.mu.Lock()
	s.state = Running
	s.startedAt = time.Now()
	m.mu.Unlock()
	if m.metrics != nil {
		m.metrics.ActiveSessions.Add(1)
	}
	logger.Info("LiveSession", "Monitor %d session running (%s %dx%d)", monitorID, spec.Codec, spec.Width, spec.Height)
	return nil
}

func (m *Manager) bringUp(s *session) error {
	if err := m.store.InitMonitor(s.monitorID); err != nil {
		return err
	}
	// a restarted session must not serve segments from the previous run
	if err := m.store.CleanMonitor(s.monitorID); err != nil {
		return err
	}
	s.seg = fmp4.NewSegmenter(s.spec.Codec, m.cfg.TargetDuration())

	client, err := m.mse.Ensure(s.monitorID, fmt.Sprintf("monitor-%d", s.monitorID), s.spec.Codec, s.spec.Width, s.spec.Height)
	if err != nil {
		return err
	}
	s.client = client
	subID, ch := client.Subscribe()
	s.subID = subID

	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	go m.pump(ctx, s, ch)
	return nil
}

// Stop tears the monitor's session down: the pump drains, the plugin
// stream is unregistered, and stored segments are left for retention.
func (m *Manager) Stop(monitorID int) error {
	m.mu.Lock()
	s, ok := m.sessions[monitorID]
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("session for monitor %d: %w", monitorID, types.ErrNotFound)
	}
	wasRunning := s.state == Running
	s.state = Stopping
	delete(m.sessions, monitorID)
	m.mu.Unlock()

	if s.cancel != nil {
		s.cancel()
		<-s.done
	}
	if s.client != nil {
		s.client.Unsubscribe(s.subID)
	}
	if err := m.mse.Drop(s.monitorID); err != nil {
		logger.Warn("LiveSession", "Monitor %d plugin teardown: %v", monitorID, err)
	}

	// flush the segmenter tail so viewers get the last pictures
	if s.seg != nil {
		for _, seg := range s.seg.Flush() {
			m.storeSegment(s, seg)
		}
	}

	if wasRunning && m.metrics != nil {
		m.metrics.ActiveSessions.Add(^uint64(0))
	}
	logger.Info("LiveSession", "Monitor %d session stopped", monitorID)
	return nil
}

// StopAll stops every session, used during shutdown.
func (m *Manager) StopAll() {
	m.mu.Lock()
	ids := make([]int, 0, len(m.sessions))
	for id := range m.sessions {
		ids = append(ids, id)
	}
	m.mu.Unlock()
	for _, id := range ids {
		if err := m.Stop(id); err != nil {
			logger.Warn("LiveSession", "Stop monitor %d: %v", id, err)
		}
	}
}

// Stats reports one session's state, its store footprint, and the
// plugin buffer counters.
func (m *Manager) Stats(monitorID int) (SessionStats, error) {
	m.mu.Lock()
	s, ok := m.sessions[monitorID]
	if !ok {
		m.mu.Unlock()
		return SessionStats{}, fmt.Errorf("session for monitor %d: %w", monitorID, types.ErrNotFound)
	}
	stats := SessionStats{
		MonitorID:       s.monitorID,
		State:           s.state.String(),
		StartedAt:       s.startedAt,
		SegmentsEmitted: s.emitted.Load(),
	}
	client := s.client
	m.mu.Unlock()

	if client != nil {
		stats.Buffer = client.Stats()
	}
	if st, err := m.store.GetMonitorStats(monitorID); err == nil {
		stats.Store = st
	}
	if latest, err := m.store.Latest(monitorID, latestStatsCount); err == nil {
		stats.Latest = latest
	}
	return stats, nil
}

// List snapshots all sessions without touching the plugins.
func (m *Manager) List() []SessionStats {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]SessionStats, 0, len(m.sessions))
	for _, s := range m.sessions {
		out = append(out, SessionStats{
			MonitorID:       s.monitorID,
			State:           s.state.String(),
			StartedAt:       s.startedAt,
			SegmentsEmitted: s.emitted.Load(),
		})
	}
	return out
}

// Spec returns the stream spec a running session was started with.
func (m *Manager) Spec(monitorID int) (StreamSpec, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[monitorID]
	if !ok {
		return StreamSpec{}, fmt.Errorf("session for monitor %d: %w", monitorID, types.ErrNotFound)
	}
	return s.spec, nil
}

// Client returns the monitor's MSE client for WebSocket fanout.
func (m *Manager) Client(monitorID int) (*plugin.MSEClient, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[monitorID]
	if !ok || s.client == nil {
		return nil, fmt.Errorf("session for monitor %d: %w", monitorID, types.ErrNotFound)
	}
	return s.client, nil
}
