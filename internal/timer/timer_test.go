package timer

import (
	"testing"
	"time"
)

func TestManagerDisarmedNeverFires(t *testing.T) {
	m := NewManager(20 * time.Millisecond)
	select {
	case <-m.C():
		t.Fatal("disarmed timer must not fire")
	case <-time.After(60 * time.Millisecond):
	}
}

func TestManagerArmFiresAfterDeadline(t *testing.T) {
	m := NewManager(20 * time.Millisecond)
	start := time.Now()
	m.Arm()

	select {
	case <-m.C():
		if elapsed := time.Since(start); elapsed < 20*time.Millisecond {
			t.Fatalf("timer fired too early: %v", elapsed)
		}
	case <-time.After(500 * time.Millisecond):
		t.Fatal("armed timer never fired")
	}
}

func TestManagerArmIsIdempotent(t *testing.T) {
	m := NewManager(100 * time.Millisecond)
	m.Arm()
	if !m.Armed() {
		t.Fatal("expected armed after Arm()")
	}
	// Re-arming should not reset the deadline further out: the original
	// deadline is 50ms after the second Arm, a reset one would be 100ms.
	time.Sleep(50 * time.Millisecond)
	m.Arm()

	select {
	case <-m.C():
	case <-time.After(80 * time.Millisecond):
		t.Fatal("re-arming must not have pushed the deadline further out")
	}
}

func TestManagerResetDisarms(t *testing.T) {
	m := NewManager(20 * time.Millisecond)
	m.Arm()
	m.Reset()
	if m.Armed() {
		t.Fatal("expected disarmed after Reset()")
	}

	select {
	case <-m.C():
		t.Fatal("reset timer must not fire")
	case <-time.After(60 * time.Millisecond):
	}
}
