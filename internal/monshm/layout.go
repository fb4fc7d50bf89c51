package monshm

import "unsafe"

// The capture daemons mmap one region per monitor and treat it as a pair
// of packed C structs. The Go declarations below must stay byte-for-byte
// compatible with that layout; every implicit C padding hole is spelled
// out so the field offsets cannot drift.
const (
	sharedDataSize  = 872
	triggerDataSize = 560

	// SharedData + TriggerData; the VideoStoreData tail is variable and
	// not consumed here.
	minMappedSize = sharedDataSize + triggerDataSize
)

// SharedData mirrors the daemon writer's monitor state block. All fields
// are host-endian. Only the trigger block is ever written from this side.
type SharedData struct {
	Size           uint32
	LastWriteIndex int32
	LastReadIndex  int32
	ImageCount     int32
	State          uint32
	_              [4]byte
	CaptureFPS     float64
	AnalysisFPS    float64
	_              [16]byte
	LastEventID    uint64
	_              [20]byte
	AlarmX         int32
	AlarmY         int32
	Valid          uint8
	Capturing      uint8
	Analysing      uint8
	Recording      uint8
	Signal         uint8
	_              [7]byte
	LastFrameScore uint32
	_              [20]byte
	HeartbeatTime  int64
	LastWriteTime  int64
	LastReadTime   int64
	_              [16]byte
	ControlState   [256]byte
	AlarmCause     [256]byte
	VideoFifoPath  [64]byte
	AudioFifoPath  [64]byte
	JanusPin       [64]byte
}

// TriggerData mirrors the external-trigger block that follows SharedData.
type TriggerData struct {
	Size     uint32
	State    uint32
	Score    uint32
	_        [4]byte
	Cause    [32]byte
	Text     [256]byte
	Showtext [256]byte
}

// Layout guards: both directions fail to compile if a struct size drifts
// from the daemon contract.
var (
	_ [sharedDataSize - unsafe.Sizeof(SharedData{})]byte
	_ [unsafe.Sizeof(SharedData{}) - sharedDataSize]byte
	_ [triggerDataSize - unsafe.Sizeof(TriggerData{})]byte
	_ [unsafe.Sizeof(TriggerData{}) - triggerDataSize]byte
)

// String field capacities, including the NUL terminator.
const (
	causeCapacity    = 32
	textCapacity     = 256
	showtextCapacity = 256
)

// State is the monitor's analysis state as written by the daemon.
type State uint32

const (
	StateUnknown State = iota
	StateIdle
	StatePreAlarm
	StateAlarm
	StateAlert
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StatePreAlarm:
		return "prealarm"
	case StateAlarm:
		return "alarm"
	case StateAlert:
		return "alert"
	default:
		return "unknown"
	}
}

// TriggerState is the external trigger request written by this side.
type TriggerState uint32

const (
	// TriggerCancel ends the current forced alarm.
	TriggerCancel TriggerState = iota
	// TriggerOn forces an alarm.
	TriggerOn
	// TriggerOff makes the daemon ignore triggers entirely. Not the same
	// as cancel.
	TriggerOff
)

func (s TriggerState) String() string {
	switch s {
	case TriggerOn:
		return "on"
	case TriggerOff:
		return "off"
	default:
		return "cancel"
	}
}
