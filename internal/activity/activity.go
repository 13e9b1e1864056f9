// Package activity implements the Terminal Activity Monitor (spec §4.6):
// it is the single writer of last-human-keystroke-time, fed exclusively
// from the stdin tap, never from the injection path.
package activity

import (
	"sync"
	"time"
)

// Monitor tracks the most recent human keystroke observed on the stdin
// tap. No other component may update this timestamp (spec §3's ownership
// summary reserves it to this package alone).
type Monitor struct {
	now func() time.Time

	mu   sync.Mutex
	last time.Time
}

// New constructs a Monitor. The initial last-keystroke time is now, so a
// freshly started daemon does not treat an idle terminal as immediately
// eligible for injection before any human activity has been observed.
func New() *Monitor {
	now := time.Now
	return &Monitor{now: now, last: now()}
}

// Observe records a non-empty keystroke batch read from the stdin tap.
// An empty batch (n == 0) is a no-op: it carries no information about
// recent human activity.
func (m *Monitor) Observe(n int) {
	if n == 0 {
		return
	}
	m.mu.Lock()
	m.last = m.now()
	m.mu.Unlock()
}

// IdleFor reports how long it has been since the last recorded human
// keystroke.
func (m *Monitor) IdleFor() time.Duration {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.now().Sub(m.last)
}

// LastKeystroke returns the timestamp of the last recorded human
// keystroke.
func (m *Monitor) LastKeystroke() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.last
}
