// Package readiness implements the Readiness Detector (spec §4.5): a
// three-valued state fused from stdout silence timing and pane-snapshot
// marker matching, owned exclusively by this package.
package readiness

import (
	"context"
	"strings"
	"sync"
	"time"

	"agentmux/internal/message"
)

// PaneSnapshotter returns the currently rendered pane text. Implemented by
// internal/termctl.Controller.CapturePane in production.
type PaneSnapshotter interface {
	CapturePane(ctx context.Context) (string, error)
}

// Sink receives state-change and detection-method events.
type Sink interface {
	ReadyDetected(method string)
	ReadinessChanged(state message.ReadinessState)
}

// Config controls detection thresholds and markers.
type Config struct {
	SilenceThreshold time.Duration
	PollInterval     time.Duration
	ReadyPromptGlyph string
	ConfirmMarkers   []string
}

// DefaultConfig mirrors the documented defaults (3s silence window).
func DefaultConfig() Config {
	return Config{
		SilenceThreshold: 3 * time.Second,
		PollInterval:     250 * time.Millisecond,
	}
}

// Detector tracks stdout silence and derives Readiness State. It is fed
// bytes observed on the stdout tap via Observe, and polls the pane
// snapshot on its own cadence to evaluate markers.
type Detector struct {
	cfg  Config
	pane PaneSnapshotter
	sink Sink
	now  func() time.Time

	mu          sync.Mutex
	lastByteAt  time.Time
	state       message.ReadinessState
	promptMatch bool
}

// New constructs a Detector. pane is used to fetch snapshots for marker
// evaluation once silence(T) holds.
func New(cfg Config, pane PaneSnapshotter, sink Sink) *Detector {
	now := time.Now
	return &Detector{
		cfg:        cfg,
		pane:       pane,
		sink:       sink,
		now:        now,
		lastByteAt: now(),
		state:      message.StateBusy,
	}
}

// Observe records that n bytes arrived on the stdout tap just now. Any
// non-zero arrival resets the silence timer, which pushes the state back
// toward busy at the next evaluation.
func (d *Detector) Observe(n int) {
	if n == 0 {
		return
	}
	d.mu.Lock()
	d.lastByteAt = d.now()
	d.mu.Unlock()
}

// State returns the currently derived Readiness State.
func (d *Detector) State() message.ReadinessState {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.state
}

// Run polls the pane on cfg.PollInterval, re-evaluating state and firing
// sink callbacks on change, until ctx is cancelled.
func (d *Detector) Run(ctx context.Context) {
	interval := d.cfg.PollInterval
	if interval <= 0 {
		interval = 250 * time.Millisecond
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			d.evaluate(ctx)
		}
	}
}

func (d *Detector) evaluate(ctx context.Context) {
	d.mu.Lock()
	silent := d.now().Sub(d.lastByteAt) >= d.cfg.SilenceThreshold
	prev := d.state
	d.mu.Unlock()

	if !silent {
		d.transition(prev, message.StateBusy, "skipped")
		return
	}

	if d.cfg.ConfirmMarkers == nil && d.pane == nil {
		d.transition(prev, message.StateReady, "silence")
		return
	}

	snapshot, err := d.pane.CapturePane(ctx)
	if err != nil {
		// No snapshot available; silence alone is not sufficient to
		// confirm readiness, so stay put rather than guess.
		return
	}

	confirm := containsAny(snapshot, d.cfg.ConfirmMarkers)
	promptMatch := d.cfg.ReadyPromptGlyph != "" && lastNonBlankLineContains(snapshot, d.cfg.ReadyPromptGlyph)

	d.mu.Lock()
	d.promptMatch = promptMatch
	d.mu.Unlock()

	if confirm {
		d.transition(prev, message.StateConfirm, "snapshot")
		return
	}
	d.transition(prev, message.StateReady, "snapshot")
}

// transition applies next as the new state if it differs from prev,
// firing exactly one ReadinessChanged callback on an actual change (per
// spec §4.5's "state transitions emit a single event on change"), and
// a ReadyDetected callback recording which method produced this
// evaluation's outcome.
func (d *Detector) transition(prev, next message.ReadinessState, method string) {
	if d.sink != nil {
		d.sink.ReadyDetected(method)
	}
	if prev == next {
		return
	}
	d.mu.Lock()
	d.state = next
	d.mu.Unlock()
	if d.sink != nil {
		d.sink.ReadinessChanged(next)
	}
}

func containsAny(haystack string, markers []string) bool {
	for _, m := range markers {
		if m == "" {
			continue
		}
		if strings.Contains(haystack, m) {
			return true
		}
	}
	return false
}

// lastNonBlankLineContains checks only the last non-blank line of the
// snapshot for glyph, matching the documented "prompt glyph on the last
// non-blank line" rule. This result is advisory only (spec §4.5): it is
// never used to derive state, only recorded for the caller's benefit via
// PromptGlyphMatched.
func lastNonBlankLineContains(snapshot, glyph string) bool {
	lines := strings.Split(snapshot, "\n")
	for i := len(lines) - 1; i >= 0; i-- {
		line := strings.TrimRight(lines[i], " \t\r")
		if line == "" {
			continue
		}
		return strings.Contains(line, glyph)
	}
	return false
}

// PromptGlyphMatched reports the advisory glyph-match result from the
// most recent evaluation. It never gates the derived state.
func (d *Detector) PromptGlyphMatched() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.promptMatch
}
