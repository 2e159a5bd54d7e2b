package lifecycle

import (
	"testing"
	"time"
)

func TestIsShuttingDown_DefaultFalse(t *testing.T) {
	SetShuttingDown(false)
	if IsShuttingDown() {
		t.Error("IsShuttingDown() = true, want false by default")
	}
}

func TestSetShuttingDown_Toggle(t *testing.T) {
	SetShuttingDown(true)
	if !IsShuttingDown() {
		t.Error("IsShuttingDown() = false after SetShuttingDown(true), want true")
	}
	SetShuttingDown(false)
	if IsShuttingDown() {
		t.Error("IsShuttingDown() = true after SetShuttingDown(false), want false")
	}
}

func TestUptime(t *testing.T) {
	orig := StartedAt()
	defer MarkStarted(orig)

	MarkStarted(time.Now().Add(-90 * time.Second))
	if up := Uptime(); up < 90*time.Second || up > 95*time.Second {
		t.Errorf("Uptime() = %v, want ~90s", up)
	}
	if !StartedAt().Before(time.Now()) {
		t.Error("StartedAt() should be in the past")
	}
}
