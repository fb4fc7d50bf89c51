package monshm

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"time"
	"unsafe"

	"golang.org/x/sys/unix"

	"github.com/zmgate/streaming-server/internal/logger"
	"github.com/zmgate/streaming-server/pkg/types"
)

// Monitor is a typed view over one monitor's shared-memory file. Reads
// copy primitives out once per accessor; the daemon's writes are not
// synchronized with ours, so every reading is a best-effort snapshot.
type Monitor struct {
	ID int

	path    string
	mem     []byte
	shared  *SharedData
	trigger *TriggerData
}

// Connect maps the shared-memory file for a monitor. The file lives at
// <base>/<prefix>.<id> and must be at least SharedData+TriggerData long.
func Connect(id int, base, prefix string) (*Monitor, error) {
	path := filepath.Join(base, fmt.Sprintf("%s.%d", prefix, id))

	f, err := os.OpenFile(path, os.O_RDWR, 0)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("monitor %d shared memory %s: %w", id, path, types.ErrNotFound)
		}
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return nil, fmt.Errorf("stat %s: %w", path, err)
	}
	if info.Size() < int64(minMappedSize) {
		return nil, fmt.Errorf("monitor %d map is %d bytes, need %d: %w",
			id, info.Size(), minMappedSize, types.ErrSizeMismatch)
	}

	mem, err := unix.Mmap(int(f.Fd()), 0, int(info.Size()),
		unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		return nil, fmt.Errorf("mmap %s: %w", path, err)
	}

	m := &Monitor{
		ID:      id,
		path:    path,
		mem:     mem,
		shared:  (*SharedData)(unsafe.Pointer(&mem[0])),
		trigger: (*TriggerData)(unsafe.Pointer(&mem[sharedDataSize])),
	}

	if !m.Valid() {
		unix.Munmap(mem)
		return nil, fmt.Errorf("monitor %d shared memory %s not marked valid: %w", id, path, types.ErrInvalid)
	}
	logger.Debug("MonSHM", "Monitor %d mapped (%d bytes)", id, len(mem))
	return m, nil
}

// Close unmaps the region. The Monitor must not be used afterwards.
func (m *Monitor) Close() error {
	if m.mem == nil {
		return nil
	}
	err := unix.Munmap(m.mem)
	m.mem = nil
	m.shared = nil
	m.trigger = nil
	return err
}

// Valid reports whether the capture daemon marked the region valid.
func (m *Monitor) Valid() bool { return m.shared.Valid != 0 }

// State returns the monitor state; out-of-range values collapse to
// StateUnknown rather than failing.
func (m *Monitor) State() State {
	v := State(m.shared.State)
	if v > StateAlert {
		return StateUnknown
	}
	return v
}

func (m *Monitor) CaptureFPS() float64  { return m.shared.CaptureFPS }
func (m *Monitor) AnalysisFPS() float64 { return m.shared.AnalysisFPS }
func (m *Monitor) LastEventID() uint64  { return m.shared.LastEventID }
func (m *Monitor) LastFrameScore() uint32 {
	return m.shared.LastFrameScore
}
func (m *Monitor) AlarmPosition() (x, y int32) {
	return m.shared.AlarmX, m.shared.AlarmY
}
func (m *Monitor) Capturing() bool    { return m.shared.Capturing != 0 }
func (m *Monitor) Analysing() bool    { return m.shared.Analysing != 0 }
func (m *Monitor) Recording() bool    { return m.shared.Recording != 0 }
func (m *Monitor) Signal() bool       { return m.shared.Signal != 0 }
func (m *Monitor) HeartbeatTime() int64 { return m.shared.HeartbeatTime }
func (m *Monitor) LastWriteTime() int64 { return m.shared.LastWriteTime }

func (m *Monitor) AlarmCause() string   { return cstring(m.shared.AlarmCause[:]) }
func (m *Monitor) ControlState() string { return cstring(m.shared.ControlState[:]) }
func (m *Monitor) VideoFifoPath() string {
	return cstring(m.shared.VideoFifoPath[:])
}
func (m *Monitor) AudioFifoPath() string {
	return cstring(m.shared.AudioFifoPath[:])
}
func (m *Monitor) JanusPin() string { return cstring(m.shared.JanusPin[:]) }

// TriggerState returns the current trigger request; out-of-range values
// collapse to TriggerCancel.
func (m *Monitor) TriggerState() TriggerState {
	v := TriggerState(m.trigger.State)
	if v > TriggerOff {
		return TriggerCancel
	}
	return v
}

// IsAlive reports whether the capture daemon looks healthy: the region is
// valid and the heartbeat is recent. The daemon stamps heartbeats with a
// whole-second clock, so the comparison runs on Unix seconds; negative
// skew (heartbeat in the future) counts as dead.
func (m *Monitor) IsAlive(maxDelay time.Duration) bool {
	if !m.Valid() {
		return false
	}
	hb := m.shared.HeartbeatTime
	if hb <= 0 {
		return false
	}
	skew := time.Now().Unix() - hb
	return skew >= 0 && skew <= int64(maxDelay/time.Second)
}

// Snapshot is a plain copy of the monitor state for API responses.
type Snapshot struct {
	MonitorID      int     `json:"monitor_id"`
	State          string  `json:"state"`
	CaptureFPS     float64 `json:"capture_fps"`
	AnalysisFPS    float64 `json:"analysis_fps"`
	LastEventID    uint64  `json:"last_event_id"`
	LastFrameScore uint32  `json:"last_frame_score"`
	Valid          bool    `json:"valid"`
	Capturing      bool    `json:"capturing"`
	Analysing      bool    `json:"analysing"`
	Recording      bool    `json:"recording"`
	Signal         bool    `json:"signal"`
	AlarmX         int32   `json:"alarm_x"`
	AlarmY         int32   `json:"alarm_y"`
	AlarmCause     string  `json:"alarm_cause"`
	ControlState   string  `json:"control_state"`
	HeartbeatTime  int64   `json:"heartbeat_time"`
	LastWriteTime  int64   `json:"last_write_time"`
	TriggerState   string  `json:"trigger_state"`
}

// Snapshot copies the readable fields into a Snapshot struct.
func (m *Monitor) Snapshot() Snapshot {
	x, y := m.AlarmPosition()
	return Snapshot{
		MonitorID:      m.ID,
		State:          m.State().String(),
		CaptureFPS:     m.CaptureFPS(),
		AnalysisFPS:    m.AnalysisFPS(),
		LastEventID:    m.LastEventID(),
		LastFrameScore: m.LastFrameScore(),
		Valid:          m.Valid(),
		Capturing:      m.Capturing(),
		Analysing:      m.Analysing(),
		Recording:      m.Recording(),
		Signal:         m.Signal(),
		AlarmX:         x,
		AlarmY:         y,
		AlarmCause:     m.AlarmCause(),
		ControlState:   m.ControlState(),
		HeartbeatTime:  m.HeartbeatTime(),
		LastWriteTime:  m.LastWriteTime(),
		TriggerState:   m.TriggerState().String(),
	}
}

// cstring returns the bytes up to the first NUL as a string.
func cstring(b []byte) string {
	if idx := bytes.IndexByte(b, 0); idx >= 0 {
		b = b[:idx]
	}
	return string(b)
}
