package inject

import (
	"context"
	"sync"
	"testing"
	"time"

	"agentmux/internal/message"
	"agentmux/internal/queue"
)

type fakeReadiness struct{ state message.ReadinessState }

func (f *fakeReadiness) State() message.ReadinessState { return f.state }

type fakeActivity struct{ idle time.Duration }

func (f *fakeActivity) IdleFor() time.Duration { return f.idle }

type fakeTerminal struct {
	mu        sync.Mutex
	texts     []string
	enterAt   []int
	failText  bool
	failEnter bool
}

func (f *fakeTerminal) SendText(ctx context.Context, text string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failText {
		return context.DeadlineExceeded
	}
	f.texts = append(f.texts, text)
	return nil
}

func (f *fakeTerminal) SendEnter(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failEnter {
		return context.DeadlineExceeded
	}
	f.enterAt = append(f.enterAt, len(f.texts))
	return nil
}

type fakeSink struct {
	mu          sync.Mutex
	injected    []int
	suppressed  []message.SuppressReason
}

func (s *fakeSink) MessageInjected(count int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.injected = append(s.injected, count)
}

func (s *fakeSink) Suppressed(reason message.SuppressReason) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.suppressed = append(s.suppressed, reason)
}

func newMsg(channel, content string, ts int64) message.Message {
	return message.Message{Channel: channel, Content: content, TS: ts}
}

func TestInjectsWhenWindowOpen(t *testing.T) {
	q := queue.New()
	q.Enqueue(newMsg("default", "hello", 1700000000))
	q.Enqueue(newMsg("default", "world", 1700000001))

	term := &fakeTerminal{}
	sink := &fakeSink{}
	c := New(q, &fakeReadiness{state: message.StateReady}, &fakeActivity{idle: 10 * time.Second}, term, sink, 2*time.Second, time.UTC)

	c.Trigger(context.Background())

	if len(term.texts) != 1 {
		t.Fatalf("texts = %v, want 1 combined submission", term.texts)
	}
	if len(term.enterAt) != 1 || term.enterAt[0] != 1 {
		t.Fatalf("enterAt = %v, want Enter issued once after the single SendText", term.enterAt)
	}
	if q.Len() != 0 {
		t.Fatalf("queue len = %d, want drained", q.Len())
	}
	if len(sink.injected) != 1 || sink.injected[0] != 2 {
		t.Fatalf("injected = %v, want [2]", sink.injected)
	}
}

func TestSuppressedWhenBusy(t *testing.T) {
	q := queue.New()
	q.Enqueue(newMsg("default", "hello", 1700000000))

	term := &fakeTerminal{}
	sink := &fakeSink{}
	c := New(q, &fakeReadiness{state: message.StateBusy}, &fakeActivity{idle: 10 * time.Second}, term, sink, 2*time.Second, time.UTC)

	c.Trigger(context.Background())

	if len(term.texts) != 0 {
		t.Fatalf("expected no injection while busy, got %v", term.texts)
	}
	if q.Len() != 1 {
		t.Fatalf("queue len = %d, want message to remain queued", q.Len())
	}
	if len(sink.suppressed) != 1 || sink.suppressed[0] != message.SuppressBusy {
		t.Fatalf("suppressed = %v, want [busy]", sink.suppressed)
	}
}

func TestSuppressedWhenConfirm(t *testing.T) {
	q := queue.New()
	term := &fakeTerminal{}
	sink := &fakeSink{}
	c := New(q, &fakeReadiness{state: message.StateConfirm}, &fakeActivity{idle: 10 * time.Second}, term, sink, 2*time.Second, time.UTC)

	c.Trigger(context.Background())
	if len(sink.suppressed) != 1 || sink.suppressed[0] != message.SuppressConfirm {
		t.Fatalf("suppressed = %v, want [confirm]", sink.suppressed)
	}
}

func TestSuppressedWhenTerminalRecentlyActive(t *testing.T) {
	q := queue.New()
	q.Enqueue(newMsg("default", "hello", 1700000000))
	term := &fakeTerminal{}
	sink := &fakeSink{}
	c := New(q, &fakeReadiness{state: message.StateReady}, &fakeActivity{idle: 500 * time.Millisecond}, term, sink, 2*time.Second, time.UTC)

	c.Trigger(context.Background())
	if len(sink.suppressed) != 1 || sink.suppressed[0] != message.SuppressTerminalActive {
		t.Fatalf("suppressed = %v, want [terminal_active]", sink.suppressed)
	}
	if q.Len() != 1 {
		t.Fatal("message must remain queued when suppressed")
	}
}

func TestNoEmptyDrainWhenQueueEmpty(t *testing.T) {
	q := queue.New()
	term := &fakeTerminal{}
	sink := &fakeSink{}
	c := New(q, &fakeReadiness{state: message.StateReady}, &fakeActivity{idle: 10 * time.Second}, term, sink, 2*time.Second, time.UTC)

	c.Trigger(context.Background())
	if len(term.texts) != 0 {
		t.Fatalf("expected no SendText for an empty queue, got %v", term.texts)
	}
	if len(sink.injected) != 0 {
		t.Fatalf("expected no MessageInjected event, got %v", sink.injected)
	}
}

func TestFailedSendTextRequeuesBatch(t *testing.T) {
	q := queue.New()
	q.Enqueue(newMsg("default", "hello", 1700000000))
	term := &fakeTerminal{failText: true}
	sink := &fakeSink{}
	c := New(q, &fakeReadiness{state: message.StateReady}, &fakeActivity{idle: 10 * time.Second}, term, sink, 2*time.Second, time.UTC)

	c.Trigger(context.Background())
	if q.Len() != 1 {
		t.Fatalf("queue len = %d, want requeued message", q.Len())
	}
	if len(sink.injected) != 0 {
		t.Fatal("expected no MessageInjected on failure")
	}
}

func TestFailedSendEnterRequeuesBatch(t *testing.T) {
	q := queue.New()
	q.Enqueue(newMsg("default", "hello", 1700000000))
	term := &fakeTerminal{failEnter: true}
	sink := &fakeSink{}
	c := New(q, &fakeReadiness{state: message.StateReady}, &fakeActivity{idle: 10 * time.Second}, term, sink, 2*time.Second, time.UTC)

	c.Trigger(context.Background())
	if q.Len() != 1 {
		t.Fatalf("queue len = %d, want requeued message after Enter failure", q.Len())
	}
}
