// Package timer provides the batcher's restartable one-shot deadline,
// the time-bound side of the receive-vs-timeout race in
// internal/batcher.
package timer

import "time"

// Manager owns a single deadline timer that is either armed (counting
// down to a timeout event) or disarmed (never fires).
//
// Manager is not safe for concurrent use; like buffer.Buffer it is
// owned exclusively by the Batcher's single main-loop goroutine.
type Manager struct {
	maxTime time.Duration
	timer   *time.Timer
	armed   bool
}

// NewManager creates a disarmed Manager with the given deadline
// duration.
func NewManager(maxTime time.Duration) *Manager {
	t := time.NewTimer(maxTime)
	stopAndDrain(t)
	return &Manager{maxTime: maxTime, timer: t}
}

// C returns the channel that receives a value when the armed deadline
// expires. When disarmed, nothing is ever sent on it, so selecting on
// C blocks indefinitely.
func (m *Manager) C() <-chan time.Time {
	return m.timer.C
}

// Arm starts a fresh deadline of maxTime from now. Idempotent: if
// already armed, the existing deadline is left in place.
func (m *Manager) Arm() {
	if m.armed {
		return
	}
	m.timer.Reset(m.maxTime)
	m.armed = true
}

// Reset disarms the timer, stopping any pending deadline. The
// Batcher's next loop iteration may re-arm it.
func (m *Manager) Reset() {
	stopAndDrain(m.timer)
	m.armed = false
}

// Armed reports whether a deadline is currently counting down.
func (m *Manager) Armed() bool {
	return m.armed
}

// stopAndDrain stops t and drains a pending fire so a subsequent
// Reset is non-racy, per the documented idiom for time.Timer reuse.
func stopAndDrain(t *time.Timer) {
	if !t.Stop() {
		select {
		case <-t.C:
		default:
		}
	}
}
