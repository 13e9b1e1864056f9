package readiness

import (
	"context"
	"sync"
	"testing"
	"time"

	"agentmux/internal/message"
)

type fakePane struct {
	mu   sync.Mutex
	text string
	err  error
}

func (f *fakePane) CapturePane(ctx context.Context) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.text, f.err
}

func (f *fakePane) set(text string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.text = text
}

type fakeSink struct {
	mu      sync.Mutex
	methods []string
	changes []message.ReadinessState
}

func (s *fakeSink) ReadyDetected(method string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.methods = append(s.methods, method)
}

func (s *fakeSink) ReadinessChanged(state message.ReadinessState) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.changes = append(s.changes, state)
}

func (s *fakeSink) changeCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.changes)
}

func (s *fakeSink) lastChange() message.ReadinessState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.changes[len(s.changes)-1]
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newTestDetector(cfg Config, pane PaneSnapshotter, sink Sink) (*Detector, *fakeClock) {
	clock := &fakeClock{now: time.Unix(1700000000, 0)}
	d := &Detector{
		cfg:        cfg,
		pane:       pane,
		sink:       sink,
		now:        clock.Now,
		lastByteAt: clock.Now(),
		state:      message.StateBusy,
	}
	return d, clock
}

func TestBusyWhileStdoutActive(t *testing.T) {
	pane := &fakePane{text: "$ "}
	sink := &fakeSink{}
	d, clock := newTestDetector(Config{SilenceThreshold: 3 * time.Second}, pane, sink)

	clock.Advance(1 * time.Second)
	d.evaluate(context.Background())
	if d.State() != message.StateBusy {
		t.Fatalf("state = %v, want busy", d.State())
	}
}

func TestTransitionsToReadyAfterSilence(t *testing.T) {
	pane := &fakePane{text: "$ "}
	sink := &fakeSink{}
	d, clock := newTestDetector(Config{SilenceThreshold: 3 * time.Second}, pane, sink)

	clock.Advance(4 * time.Second)
	d.evaluate(context.Background())
	if d.State() != message.StateReady {
		t.Fatalf("state = %v, want ready", d.State())
	}
	if sink.changeCount() != 1 || sink.lastChange() != message.StateReady {
		t.Fatalf("sink changes = %+v", sink.changes)
	}
}

func TestConfirmMarkerTakesPrecedenceOverReady(t *testing.T) {
	pane := &fakePane{text: "Overwrite file? (y/n)"}
	sink := &fakeSink{}
	d, clock := newTestDetector(Config{
		SilenceThreshold: 3 * time.Second,
		ConfirmMarkers:   []string{"Overwrite file?"},
	}, pane, sink)

	clock.Advance(4 * time.Second)
	d.evaluate(context.Background())
	if d.State() != message.StateConfirm {
		t.Fatalf("state = %v, want confirm", d.State())
	}
}

func TestStateChangeEmitsExactlyOneEvent(t *testing.T) {
	pane := &fakePane{text: "$ "}
	sink := &fakeSink{}
	d, clock := newTestDetector(Config{SilenceThreshold: 3 * time.Second}, pane, sink)

	clock.Advance(4 * time.Second)
	d.evaluate(context.Background())
	d.evaluate(context.Background())
	d.evaluate(context.Background())

	if sink.changeCount() != 1 {
		t.Fatalf("changeCount = %d, want 1 (no duplicate events for a stable state)", sink.changeCount())
	}
}

func TestObserveResetsSilenceTimer(t *testing.T) {
	pane := &fakePane{text: "$ "}
	sink := &fakeSink{}
	d, clock := newTestDetector(Config{SilenceThreshold: 3 * time.Second}, pane, sink)

	clock.Advance(4 * time.Second)
	d.evaluate(context.Background())
	if d.State() != message.StateReady {
		t.Fatalf("precondition: state = %v, want ready", d.State())
	}

	d.Observe(12)
	d.evaluate(context.Background())
	if d.State() != message.StateBusy {
		t.Fatalf("state after new stdout bytes = %v, want busy", d.State())
	}
}

func TestPromptGlyphIsAdvisoryOnly(t *testing.T) {
	pane := &fakePane{text: "some escaped\x1b[2Ktext\n$ "}
	sink := &fakeSink{}
	d, clock := newTestDetector(Config{
		SilenceThreshold: 3 * time.Second,
		ReadyPromptGlyph: "NOPE-NOT-PRESENT",
	}, pane, sink)

	clock.Advance(4 * time.Second)
	d.evaluate(context.Background())
	if d.State() != message.StateReady {
		t.Fatalf("state = %v, want ready even though glyph never matched", d.State())
	}
	if d.PromptGlyphMatched() {
		t.Fatal("expected glyph match to be false")
	}
}

func TestCapturePaneErrorLeavesStatePut(t *testing.T) {
	pane := &fakePane{err: context.DeadlineExceeded}
	sink := &fakeSink{}
	d, clock := newTestDetector(Config{SilenceThreshold: 3 * time.Second}, pane, sink)

	clock.Advance(4 * time.Second)
	d.evaluate(context.Background())
	if d.State() != message.StateBusy {
		t.Fatalf("state = %v, want busy (unchanged) when snapshot fails", d.State())
	}
}
