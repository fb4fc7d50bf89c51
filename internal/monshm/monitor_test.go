package monshm

import (
	"encoding/binary"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"
	"unsafe"

	"github.com/zmgate/streaming-server/pkg/types"
)

func TestSharedDataOffsets(t *testing.T) {
	var sd SharedData
	base := uintptr(unsafe.Pointer(&sd))

	offsets := []struct {
		name string
		got  uintptr
		want uintptr
	}{
		{"Size", unsafe.Offsetof(sd.Size), 0},
		{"LastWriteIndex", unsafe.Offsetof(sd.LastWriteIndex), 4},
		{"LastReadIndex", unsafe.Offsetof(sd.LastReadIndex), 8},
		{"ImageCount", unsafe.Offsetof(sd.ImageCount), 12},
		{"State", unsafe.Offsetof(sd.State), 16},
		{"CaptureFPS", unsafe.Offsetof(sd.CaptureFPS), 24},
		{"AnalysisFPS", unsafe.Offsetof(sd.AnalysisFPS), 32},
		{"LastEventID", unsafe.Offsetof(sd.LastEventID), 56},
		{"AlarmX", unsafe.Offsetof(sd.AlarmX), 84},
		{"AlarmY", unsafe.Offsetof(sd.AlarmY), 88},
		{"Valid", unsafe.Offsetof(sd.Valid), 92},
		{"Capturing", unsafe.Offsetof(sd.Capturing), 93},
		{"Analysing", unsafe.Offsetof(sd.Analysing), 94},
		{"Recording", unsafe.Offsetof(sd.Recording), 95},
		{"Signal", unsafe.Offsetof(sd.Signal), 96},
		{"LastFrameScore", unsafe.Offsetof(sd.LastFrameScore), 104},
		{"HeartbeatTime", unsafe.Offsetof(sd.HeartbeatTime), 128},
		{"ControlState", unsafe.Offsetof(sd.ControlState), 168},
		{"AlarmCause", unsafe.Offsetof(sd.AlarmCause), 424},
		{"VideoFifoPath", unsafe.Offsetof(sd.VideoFifoPath), 680},
		{"AudioFifoPath", unsafe.Offsetof(sd.AudioFifoPath), 744},
		{"JanusPin", unsafe.Offsetof(sd.JanusPin), 808},
	}
	for _, o := range offsets {
		if o.got != o.want {
			t.Errorf("offset of %s = %d, want %d", o.name, o.got, o.want)
		}
	}
	_ = base

	if size := unsafe.Sizeof(sd); size != sharedDataSize {
		t.Errorf("SharedData size = %d, want %d", size, sharedDataSize)
	}
	if size := unsafe.Sizeof(TriggerData{}); size != triggerDataSize {
		t.Errorf("TriggerData size = %d, want %d", size, triggerDataSize)
	}
}

func TestTriggerDataOffsets(t *testing.T) {
	var td TriggerData
	if off := unsafe.Offsetof(td.State); off != 4 {
		t.Errorf("State offset = %d, want 4", off)
	}
	if off := unsafe.Offsetof(td.Score); off != 8 {
		t.Errorf("Score offset = %d, want 8", off)
	}
	if off := unsafe.Offsetof(td.Cause); off != 16 {
		t.Errorf("Cause offset = %d, want 16", off)
	}
	if off := unsafe.Offsetof(td.Text); off != 48 {
		t.Errorf("Text offset = %d, want 48", off)
	}
	if off := unsafe.Offsetof(td.Showtext); off != 304 {
		t.Errorf("Showtext offset = %d, want 304", off)
	}
}

// writeTestRegion creates a monitor shared-memory file the way the
// daemon would, marked valid, with the given state bytes patched in.
func writeTestRegion(t *testing.T, dir string, id int, patch func(buf []byte)) {
	t.Helper()
	buf := make([]byte, minMappedSize)
	binary.LittleEndian.PutUint32(buf[0:4], sharedDataSize)
	buf[92] = 1
	if patch != nil {
		patch(buf)
	}
	path := filepath.Join(dir, "zm.mmap."+itoa(id))
	if err := os.WriteFile(path, buf, 0o644); err != nil {
		t.Fatalf("write region: %v", err)
	}
}

func itoa(n int) string {
	if n == 0 {
		return "0"
	}
	var b [20]byte
	i := len(b)
	for n > 0 {
		i--
		b[i] = byte('0' + n%10)
		n /= 10
	}
	return string(b[i:])
}

func connectTest(t *testing.T, dir string, id int) *Monitor {
	t.Helper()
	m, err := Connect(id, dir, "zm.mmap")
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	t.Cleanup(func() { m.Close() })
	return m
}

func TestConnectErrors(t *testing.T) {
	dir := t.TempDir()

	if _, err := Connect(99, dir, "zm.mmap"); !errors.Is(err, types.ErrNotFound) {
		t.Errorf("missing file: got %v, want ErrNotFound", err)
	}

	short := filepath.Join(dir, "zm.mmap.1")
	if err := os.WriteFile(short, make([]byte, 100), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := Connect(1, dir, "zm.mmap"); !errors.Is(err, types.ErrSizeMismatch) {
		t.Errorf("short file: got %v, want ErrSizeMismatch", err)
	}

	// right size but the daemon never marked the region valid
	writeTestRegion(t, dir, 2, func(buf []byte) { buf[92] = 0 })
	if _, err := Connect(2, dir, "zm.mmap"); !errors.Is(err, types.ErrInvalid) {
		t.Errorf("invalid region: got %v, want ErrInvalid", err)
	}
}

func TestFieldReads(t *testing.T) {
	dir := t.TempDir()
	writeTestRegion(t, dir, 3, func(buf []byte) {
		binary.LittleEndian.PutUint32(buf[16:], 3) // alarm
		buf[92] = 1                                // valid
		buf[93] = 1                                // capturing
		binary.LittleEndian.PutUint64(buf[56:], 4242)
		copy(buf[424:], "Motion: Front Yard\x00")
	})

	m := connectTest(t, dir, 3)
	if got := m.State(); got != StateAlarm {
		t.Errorf("State = %v, want alarm", got)
	}
	if !m.Valid() || !m.Capturing() {
		t.Error("valid/capturing flags not read")
	}
	if got := m.LastEventID(); got != 4242 {
		t.Errorf("LastEventID = %d, want 4242", got)
	}
	if got := m.AlarmCause(); got != "Motion: Front Yard" {
		t.Errorf("AlarmCause = %q", got)
	}
}

func TestStateCollapsesToUnknown(t *testing.T) {
	dir := t.TempDir()
	writeTestRegion(t, dir, 4, func(buf []byte) {
		binary.LittleEndian.PutUint32(buf[16:], 999)
		binary.LittleEndian.PutUint32(buf[sharedDataSize+4:], 77)
	})

	m := connectTest(t, dir, 4)
	if got := m.State(); got != StateUnknown {
		t.Errorf("State = %v, want unknown", got)
	}
	if got := m.TriggerState(); got != TriggerCancel {
		t.Errorf("TriggerState = %v, want cancel", got)
	}
}

func TestIsAlive(t *testing.T) {
	dir := t.TempDir()

	now := time.Now().Unix()
	cases := []struct {
		name      string
		valid     byte
		heartbeat int64
		want      bool
	}{
		{"fresh heartbeat", 1, now, true},
		{"zero heartbeat", 1, 0, false},
		{"not valid", 0, now, false},
		{"stale heartbeat", 1, now - 600, false},
		{"future heartbeat", 1, now + 600, false},
	}

	for i, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			id := 10 + i
			writeTestRegion(t, dir, id, func(buf []byte) {
				binary.LittleEndian.PutUint64(buf[128:], uint64(tc.heartbeat))
			})
			m := connectTest(t, dir, id)
			// the mapping is shared, so a daemon clearing the valid
			// byte after connect shows up on the next read
			m.shared.Valid = tc.valid
			if got := m.IsAlive(30 * time.Second); got != tc.want {
				t.Errorf("IsAlive = %v, want %v", got, tc.want)
			}
		})
	}
}

func TestTriggerAlarmBounds(t *testing.T) {
	dir := t.TempDir()
	writeTestRegion(t, dir, 20, nil)
	m := connectTest(t, dir, 20)

	long := make([]byte, 300)
	for i := range long {
		long[i] = 'x'
	}

	cases := []struct {
		name                  string
		cause, text, showtext string
	}{
		{"cause too long", string(long[:32]), "t", "s"},
		{"text too long", "c", string(long[:256]), "s"},
		{"showtext too long", "c", "t", string(long[:256])},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := m.TriggerAlarm(1, tc.cause, tc.text, tc.showtext)
			if !errors.Is(err, types.ErrStringTooLong) {
				t.Fatalf("got %v, want ErrStringTooLong", err)
			}
			if m.trigger.State != uint32(TriggerCancel) {
				t.Error("trigger region mutated on rejected write")
			}
		})
	}
}

func TestTriggerZeroFillsOldBytes(t *testing.T) {
	dir := t.TempDir()
	writeTestRegion(t, dir, 21, nil)
	m := connectTest(t, dir, 21)

	if err := m.TriggerAlarm(50, "a long first cause", "first text", ""); err != nil {
		t.Fatalf("first trigger: %v", err)
	}
	if err := m.TriggerAlarm(60, "x", "y", ""); err != nil {
		t.Fatalf("second trigger: %v", err)
	}

	if m.trigger.Cause[0] != 'x' || m.trigger.Cause[1] != 0 {
		t.Errorf("cause not zero-filled: % x", m.trigger.Cause[:8])
	}
	for i := 2; i < len(m.trigger.Cause); i++ {
		if m.trigger.Cause[i] != 0 {
			t.Fatalf("stale byte at cause[%d]", i)
		}
	}
	if m.trigger.Score != 60 {
		t.Errorf("score = %d, want 60", m.trigger.Score)
	}
	if m.TriggerState() != TriggerOn {
		t.Errorf("trigger state = %v, want on", m.TriggerState())
	}
}

func TestCancelAndDisableAreDistinct(t *testing.T) {
	dir := t.TempDir()
	writeTestRegion(t, dir, 22, nil)
	m := connectTest(t, dir, 22)

	if err := m.TriggerAlarm(10, "c", "t", "s"); err != nil {
		t.Fatal(err)
	}
	if err := m.CancelAlarm(); err != nil {
		t.Fatal(err)
	}
	if m.TriggerState() != TriggerCancel {
		t.Errorf("after cancel: %v", m.TriggerState())
	}

	if err := m.DisableTriggers(); err != nil {
		t.Fatal(err)
	}
	if m.TriggerState() != TriggerOff {
		t.Errorf("after disable: %v", m.TriggerState())
	}
}
