package models

import (
	"encoding/json"
	"time"
)

// CheckStatus is the outcome of a single probe.
type CheckStatus string

const (
	StatusUp      CheckStatus = "up"
	StatusDown    CheckStatus = "down"
	StatusUnknown CheckStatus = "unknown" // no check recorded yet
)

// Target is a URL polled on a fixed interval.
// Interval and Timeout are encoded as whole milliseconds (intervalMs, timeoutMs).
type Target struct {
	Name           string        `json:"name"`
	URL            string        `json:"url"`
	Method         string        `json:"method"`
	Interval       time.Duration `json:"-"`
	Timeout        time.Duration `json:"-"`
	ExpectedStatus int           `json:"expectedStatus,omitempty"`
	Keyword        string        `json:"keyword,omitempty"`
}

type targetAlias Target

func (t Target) MarshalJSON() ([]byte, error) {
	return json.Marshal(struct {
		targetAlias
		IntervalMs int64 `json:"intervalMs"`
		TimeoutMs  int64 `json:"timeoutMs"`
	}{targetAlias(t), t.Interval.Milliseconds(), t.Timeout.Milliseconds()})
}

func (t *Target) UnmarshalJSON(b []byte) error {
	aux := struct {
		*targetAlias
		IntervalMs int64 `json:"intervalMs"`
		TimeoutMs  int64 `json:"timeoutMs"`
	}{targetAlias: (*targetAlias)(t)}
	if err := json.Unmarshal(b, &aux); err != nil {
		return err
	}
	t.Interval = time.Duration(aux.IntervalMs) * time.Millisecond
	t.Timeout = time.Duration(aux.TimeoutMs) * time.Millisecond
	return nil
}

// Check is the recorded result of one probe of a target. StatusCode is zero
// when no HTTP response arrived; Error and ErrorCategory are set only for
// down checks. Latency is encoded as whole milliseconds (latencyMs), the
// same precision the store keeps.
type Check struct {
	ID            string        `json:"id"`
	Target        string        `json:"target"`
	Status        CheckStatus   `json:"status"`
	StatusCode    int           `json:"statusCode,omitempty"`
	Latency       time.Duration `json:"-"`
	Error         string        `json:"error,omitempty"`
	ErrorCategory string        `json:"errorCategory,omitempty"`
	CheckedAt     time.Time     `json:"checkedAt"`
}

type checkAlias Check

func (c Check) MarshalJSON() ([]byte, error) {
	return json.Marshal(struct {
		checkAlias
		LatencyMs int64 `json:"latencyMs"`
	}{checkAlias(c), c.Latency.Milliseconds()})
}

func (c *Check) UnmarshalJSON(b []byte) error {
	aux := struct {
		*checkAlias
		LatencyMs int64 `json:"latencyMs"`
	}{checkAlias: (*checkAlias)(c)}
	if err := json.Unmarshal(b, &aux); err != nil {
		return err
	}
	c.Latency = time.Duration(aux.LatencyMs) * time.Millisecond
	return nil
}

// TargetStatus is a target with its most recent check and derived figures.
type TargetStatus struct {
	Target              Target      `json:"target"`
	Status              CheckStatus `json:"status"`
	LastCheck           *Check      `json:"lastCheck,omitempty"`
	UptimePct           *float64    `json:"uptimePct,omitempty"` // nil when no checks in window
	ConsecutiveFailures int         `json:"consecutiveFailures"`
	Stale               bool        `json:"stale,omitempty"` // last check older than StaleFactor*Interval
}

// Summary is the dashboard view of every target.
type Summary struct {
	Targets     []TargetStatus `json:"targets"`
	Up          int            `json:"up"`
	Down        int            `json:"down"`
	Unknown     int            `json:"unknown"`
	Window      string         `json:"window"`
	GeneratedAt time.Time      `json:"generatedAt"`
}
