package traffic

import (
	"sync"
	"time"
)

// DefaultMaxAge is how long outcomes are retained when no caller widened it.
const DefaultMaxAge = 5 * time.Minute

// Outcome is a kind of recorded event.
type Outcome int

const (
	ProbeUp Outcome = iota
	ProbeDown
	Denied // manual check rejected by the rate limiter
)

var defaultTracker = NewTracker(DefaultMaxAge)

// RecordProbe records a probe outcome: up when ok is true, down otherwise.
func RecordProbe(ok bool) {
	if ok {
		defaultTracker.Record(ProbeUp)
		return
	}
	defaultTracker.Record(ProbeDown)
}

// RecordDenied records a rate-limit denial (429).
func RecordDenied() {
	defaultTracker.Record(Denied)
}

// DenialCount returns the number of denials within the window.
func DenialCount(window time.Duration) int {
	return defaultTracker.Count(Denied, window)
}

// ErrorRate returns (failed probes, total probes) within the window. Denials are excluded.
func ErrorRate(window time.Duration) (errors, total int) {
	return defaultTracker.ErrorRate(window)
}

// EnsureMaxAge widens retention of the default tracker to cover window.
func EnsureMaxAge(window time.Duration) {
	defaultTracker.EnsureMaxAge(window)
}

// Reset clears all recorded outcomes. For tests only.
func Reset() {
	defaultTracker.Reset()
}

type event struct {
	at   time.Time
	kind Outcome
}

// Tracker keeps a time-ordered sliding window of outcomes.
// Single source of truth for the probe error rate reported by /health.
type Tracker struct {
	mu     sync.Mutex
	maxAge time.Duration
	events []event
	now    func() time.Time
}

// NewTracker returns a Tracker that retains outcomes for maxAge.
func NewTracker(maxAge time.Duration) *Tracker {
	if maxAge <= 0 {
		maxAge = DefaultMaxAge
	}
	return &Tracker{maxAge: maxAge, now: time.Now}
}

// Record appends an outcome at the current time.
func (t *Tracker) Record(kind Outcome) {
	t.mu.Lock()
	defer t.mu.Unlock()
	now := t.now()
	t.events = append(t.events, event{at: now, kind: kind})
	t.pruneLocked(now)
}

// Count returns the number of outcomes of kind within the window.
func (t *Tracker) Count(kind Outcome, window time.Duration) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	cutoff := t.now().Add(-window)
	n := 0
	for _, e := range t.events {
		if e.kind == kind && !e.at.Before(cutoff) {
			n++
		}
	}
	return n
}

// ErrorRate returns (down, up+down) within the window.
func (t *Tracker) ErrorRate(window time.Duration) (errors, total int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	cutoff := t.now().Add(-window)
	for _, e := range t.events {
		if e.at.Before(cutoff) {
			continue
		}
		switch e.kind {
		case ProbeDown:
			errors++
			total++
		case ProbeUp:
			total++
		}
	}
	return errors, total
}

// EnsureMaxAge raises retention to at least d. It never shrinks it.
func (t *Tracker) EnsureMaxAge(d time.Duration) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if d > t.maxAge {
		t.maxAge = d
	}
}

// Reset clears all recorded outcomes.
func (t *Tracker) Reset() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.events = nil
}

// pruneLocked drops events older than maxAge. Events are appended in time order.
func (t *Tracker) pruneLocked(now time.Time) {
	cutoff := now.Add(-t.maxAge)
	i := 0
	for ; i < len(t.events) && t.events[i].at.Before(cutoff); i++ {
	}
	if i > 0 {
		t.events = append(t.events[:0], t.events[i:]...)
	}
}
