package monshm

import (
	"fmt"

	"golang.org/x/sys/unix"

	"github.com/zmgate/streaming-server/internal/logger"
	"github.com/zmgate/streaming-server/pkg/types"
)

// TriggerAlarm forces an alarm on the monitor. Strings are bounded to
// the field capacity minus the NUL terminator; over-long input fails
// without touching the region. Fields are zeroed before the copy so the
// daemon never sees tail bytes of a previous trigger.
func (m *Monitor) TriggerAlarm(score uint32, cause, text, showtext string) error {
	if len(cause) > causeCapacity-1 {
		return fmt.Errorf("trigger cause is %d bytes, max %d: %w",
			len(cause), causeCapacity-1, types.ErrStringTooLong)
	}
	if len(text) > textCapacity-1 {
		return fmt.Errorf("trigger text is %d bytes, max %d: %w",
			len(text), textCapacity-1, types.ErrStringTooLong)
	}
	if len(showtext) > showtextCapacity-1 {
		return fmt.Errorf("trigger showtext is %d bytes, max %d: %w",
			len(showtext), showtextCapacity-1, types.ErrStringTooLong)
	}

	setField(m.trigger.Cause[:], cause)
	setField(m.trigger.Text[:], text)
	setField(m.trigger.Showtext[:], showtext)
	m.trigger.Score = score
	m.trigger.State = uint32(TriggerOn)

	if err := m.flush(); err != nil {
		return err
	}
	logger.Info("MonSHM", "Monitor %d alarm triggered (score=%d cause=%q)", m.ID, score, cause)
	return nil
}

// CancelAlarm ends the current forced alarm. The daemon keeps honoring
// future triggers.
func (m *Monitor) CancelAlarm() error {
	setField(m.trigger.Cause[:], "")
	setField(m.trigger.Text[:], "")
	setField(m.trigger.Showtext[:], "")
	m.trigger.Score = 0
	m.trigger.State = uint32(TriggerCancel)

	if err := m.flush(); err != nil {
		return err
	}
	logger.Info("MonSHM", "Monitor %d alarm cancelled", m.ID)
	return nil
}

// DisableTriggers tells the daemon to ignore triggers entirely.
func (m *Monitor) DisableTriggers() error {
	m.trigger.State = uint32(TriggerOff)

	if err := m.flush(); err != nil {
		return err
	}
	logger.Info("MonSHM", "Monitor %d triggers disabled", m.ID)
	return nil
}

// setField zero-fills dst and copies src, leaving at least one NUL.
func setField(dst []byte, src string) {
	for i := range dst {
		dst[i] = 0
	}
	copy(dst, src)
}

// flush makes the trigger block visible to the daemon before returning.
func (m *Monitor) flush() error {
	if err := unix.Msync(m.mem, unix.MS_SYNC); err != nil {
		return fmt.Errorf("msync monitor %d: %w", m.ID, err)
	}
	return nil
}
