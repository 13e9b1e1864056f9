package daemon

import (
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"agentmux/internal/broadcast"
	"agentmux/internal/channelmgr"
	"agentmux/internal/inject"
	"agentmux/internal/logging"
	"agentmux/internal/mcp"
	"agentmux/internal/message"
	"agentmux/internal/queue"
	"agentmux/internal/watcher"
)

func newTestLogger(t *testing.T) *logging.Logger {
	t.Helper()
	l, err := logging.Open(filepath.Join(t.TempDir(), "events.db"), slog.NewTextHandler(io.Discard, nil))
	if err != nil {
		t.Fatalf("logging.Open: %v", err)
	}
	t.Cleanup(func() { l.Close() })
	return l
}

func TestTailFileReportsGrowthInBytes(t *testing.T) {
	path := filepath.Join(t.TempDir(), "stdout.tap")
	if err := os.WriteFile(path, nil, 0o600); err != nil {
		t.Fatal(err)
	}

	var observed []int
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan struct{})
	go func() {
		tailFile(ctx, path, 5*time.Millisecond, func(n int) { observed = append(observed, n) })
		close(done)
	}()

	f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := f.WriteString("hello"); err != nil {
		t.Fatal(err)
	}
	f.Close()

	deadline := time.After(time.Second)
	for {
		if len(observed) > 0 {
			break
		}
		select {
		case <-deadline:
			t.Fatal("timed out waiting for tailFile to observe growth")
		case <-time.After(time.Millisecond):
		}
	}
	if observed[0] != 5 {
		t.Fatalf("observed = %v, want first call with 5 bytes", observed)
	}

	cancel()
	<-done
}

func TestTailFileToleratesMissingFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "does-not-exist.tap")
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan struct{})
	go func() {
		tailFile(ctx, path, 2*time.Millisecond, func(int) {})
		close(done)
	}()

	time.Sleep(20 * time.Millisecond)
	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("tailFile did not exit after cancellation")
	}
}

func TestTailFileResetsOffsetWhenFileShrinks(t *testing.T) {
	path := filepath.Join(t.TempDir(), "stdin.tap")
	if err := os.WriteFile(path, []byte("0123456789"), 0o600); err != nil {
		t.Fatal(err)
	}

	var observed []int
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan struct{})
	go func() {
		tailFile(ctx, path, 5*time.Millisecond, func(n int) { observed = append(observed, n) })
		close(done)
	}()

	time.Sleep(20 * time.Millisecond) // let it observe the initial 10 bytes once

	if err := os.WriteFile(path, []byte("ab"), 0o600); err != nil {
		t.Fatal(err)
	}

	deadline := time.After(time.Second)
	for {
		if len(observed) >= 2 {
			break
		}
		select {
		case <-deadline:
			t.Fatalf("observed = %v, want a second call after shrink+regrowth", observed)
		case <-time.After(time.Millisecond):
		}
	}
	if observed[1] != 2 {
		t.Fatalf("second observation = %d, want 2 (offset reset to 0 after shrink)", observed[1])
	}

	cancel()
	<-done
}

// stubInjector exercises safeTrigger without a fully wired Controller by
// embedding a real *inject.Controller configured with no-op sources, so a
// Trigger call is cheap and side-effect-free; the point of these tests is
// panic containment, not injection behavior.
func newStubInjector() *inject.Controller {
	return inject.New(queue.New(), stubReadiness{}, stubActivity{}, stubTerminal{}, stubSink{}, time.Second, time.UTC)
}

type stubReadiness struct{}

func (stubReadiness) State() message.ReadinessState { return message.StateBusy }

type stubActivity struct{}

func (stubActivity) IdleFor() time.Duration { return 0 }

type stubTerminal struct{}

func (stubTerminal) SendText(ctx context.Context, text string) error { return nil }
func (stubTerminal) SendEnter(ctx context.Context) error             { return nil }

type stubSink struct{}

func (stubSink) MessageInjected(count int)                {}
func (stubSink) Suppressed(reason message.SuppressReason) {}

func TestReadinessRouterTeesAndTriggersOnChange(t *testing.T) {
	log := newTestLogger(t)
	rr := &readinessRouter{log: log, injector: newStubInjector()}

	// Must not panic even though the window stays closed (busy state, no
	// queued messages): ReadinessChanged always re-evaluates the window.
	rr.ReadinessChanged(message.StateReady)
	rr.ReadyDetected("glyph")
}

func TestTurnRouterPublishesToBroadcastAndTriggers(t *testing.T) {
	log := newTestLogger(t)
	path := filepath.Join(t.TempDir(), "output.sock")
	b := broadcast.New(path, log)
	if err := b.Start(); err != nil {
		t.Fatalf("broadcaster Start: %v", err)
	}
	defer b.Stop()

	tr := &turnRouter{bcast: b, injector: newStubInjector(), log: log}
	tr.Publish(message.Turn{Session: "agentmux", Turn: []message.Block{{"type": "text"}}})
}

func TestSafeTriggerRecoversFromPanic(t *testing.T) {
	log := newTestLogger(t)
	// A nil *inject.Controller's Trigger call will panic on the first
	// field dereference; safeTrigger must contain it rather than crash
	// the caller's goroutine.
	safeTrigger(nil, log)
}

func TestDispatchWatchEventsRoutesInToChannelManagerAndOutToMCPRegistry(t *testing.T) {
	log := newTestLogger(t)
	dir := t.TempDir()

	w, err := watcher.New(dir, 5*time.Millisecond)
	if err != nil {
		t.Fatalf("watcher.New: %v", err)
	}

	d := &Daemon{
		watch:       w,
		channelMgr:  channelmgr.New(queue.New(), log),
		mcpRegistry: mcp.NewRegistry(),
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	watchDone := make(chan struct{})
	go func() {
		w.Run(ctx)
		close(watchDone)
	}()
	dispatchDone := make(chan struct{})
	go func() {
		d.dispatchWatchEvents(ctx)
		close(dispatchDone)
	}()

	inPath := filepath.Join(dir, "in.alpha")
	if err := os.WriteFile(inPath, nil, 0o600); err != nil {
		t.Fatal(err)
	}
	outPath := filepath.Join(dir, "out.beta")
	if err := os.WriteFile(outPath, nil, 0o600); err != nil {
		t.Fatal(err)
	}

	deadline := time.After(time.Second)
	for {
		_, haveOut := d.mcpRegistry.Get("beta")
		if d.channelMgr.Registered(inPath) && haveOut {
			break
		}
		select {
		case <-deadline:
			t.Fatalf("routing did not complete: channelMgr registered=%v, mcp registered=%v",
				d.channelMgr.Registered(inPath), haveOut)
		case <-time.After(5 * time.Millisecond):
		}
	}

	cancel()
	<-watchDone
	<-dispatchDone
}
