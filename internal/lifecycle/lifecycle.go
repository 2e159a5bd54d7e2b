package lifecycle

import (
	"sync/atomic"
	"time"
)

var (
	shuttingDown atomic.Bool
	startedAt    atomic.Int64 // unix nanoseconds
)

func init() {
	MarkStarted(time.Now())
}

// SetShuttingDown sets the shutdown flag. Call when SIGTERM/SIGINT received.
// Health handler returns 503 with status shutting-down while true.
func SetShuttingDown(v bool) {
	shuttingDown.Store(v)
}

// IsShuttingDown returns true if the process is draining and should not receive new traffic.
func IsShuttingDown() bool {
	return shuttingDown.Load()
}

// MarkStarted records the process start time reported on the dashboard and /health.
func MarkStarted(t time.Time) {
	startedAt.Store(t.UnixNano())
}

// StartedAt returns the recorded start time.
func StartedAt() time.Time {
	return time.Unix(0, startedAt.Load())
}

// Uptime returns time elapsed since StartedAt, truncated to seconds.
func Uptime() time.Duration {
	return time.Since(StartedAt()).Truncate(time.Second)
}
