//go:build !windows

package channelmgr

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"golang.org/x/sys/unix"

	"agentmux/internal/queue"
)

type testSink struct {
	mu           sync.Mutex
	registered   []string
	deregistered []string
	received     []string
	parseFailed  int
}

func (s *testSink) ChannelRegistered(path string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.registered = append(s.registered, path)
}

func (s *testSink) ChannelDeregistered(path string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.deregistered = append(s.deregistered, path)
}

func (s *testSink) MessageReceived(channel string, contentLen int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.received = append(s.received, channel)
}

func (s *testSink) ParseFailed(path string, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.parseFailed++
}

func (s *testSink) receivedCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.received)
}

func (s *testSink) parseFailedCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.parseFailed
}

func mkfifo(t *testing.T, path string) {
	t.Helper()
	if err := unix.Mkfifo(path, 0o600); err != nil {
		t.Fatalf("mkfifo: %v", err)
	}
}

func waitFor(t *testing.T, timeout time.Duration, pred func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if pred() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("timed out waiting for condition")
}

func TestRegisterDeliversLine(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "in.a")
	mkfifo(t, path)

	q := queue.New()
	sink := &testSink{}
	m := New(q, sink)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	m.Register(ctx, path, "a")
	waitFor(t, time.Second, func() bool { return len(sink.registered) == 1 })

	go func() {
		f, err := os.OpenFile(path, os.O_WRONLY, 0)
		if err != nil {
			return
		}
		defer f.Close()
		f.Write([]byte("hello there\n"))
	}()

	waitFor(t, 2*time.Second, func() bool { return q.Len() == 1 })
	msgs := q.DrainAll()
	if len(msgs) != 1 || msgs[0].Content != "hello there" || msgs[0].Channel != "a" {
		t.Fatalf("unexpected messages: %+v", msgs)
	}
	if sink.receivedCount() != 1 {
		t.Fatalf("receivedCount = %d, want 1", sink.receivedCount())
	}
}

func TestParseFailureIsolatedFromSubsequentLines(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "in.b")
	mkfifo(t, path)

	q := queue.New()
	sink := &testSink{}
	m := New(q, sink)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	m.Register(ctx, path, "b")
	waitFor(t, time.Second, func() bool { return len(sink.registered) == 1 })

	go func() {
		f, err := os.OpenFile(path, os.O_WRONLY, 0)
		if err != nil {
			return
		}
		defer f.Close()
		f.Write([]byte("{bad json\n"))
		f.Write([]byte("still fine\n"))
	}()

	waitFor(t, 2*time.Second, func() bool { return q.Len() == 1 })
	if sink.parseFailedCount() != 1 {
		t.Fatalf("parseFailedCount = %d, want 1", sink.parseFailedCount())
	}
	msgs := q.DrainAll()
	if len(msgs) != 1 || msgs[0].Content != "still fine" {
		t.Fatalf("unexpected messages: %+v", msgs)
	}
}

func TestNoWriterYieldsNoMessagesAndStaysRegistered(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "in.c")
	mkfifo(t, path)

	q := queue.New()
	sink := &testSink{}
	m := New(q, sink)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	m.Register(ctx, path, "c")
	waitFor(t, time.Second, func() bool { return len(sink.registered) == 1 })

	time.Sleep(150 * time.Millisecond)
	if q.Len() != 0 {
		t.Fatalf("Len() = %d, want 0", q.Len())
	}
	if !m.Registered(path) {
		t.Fatal("expected reader to remain registered with no writer present")
	}
}

func TestDeregisterStopsDelivery(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "in.d")
	mkfifo(t, path)

	q := queue.New()
	sink := &testSink{}
	m := New(q, sink)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	m.Register(ctx, path, "d")
	waitFor(t, time.Second, func() bool { return len(sink.registered) == 1 })

	m.Deregister(path)
	waitFor(t, time.Second, func() bool { return len(sink.deregistered) == 1 })
	if m.Registered(path) {
		t.Fatal("expected reader to be unregistered")
	}

	// A write after deregistration must not surface as a Message; give the
	// (stopped) reader ample time to have picked it up if it erroneously
	// still were.
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_NONBLOCK, 0)
	if err == nil {
		f.Write([]byte("late\n"))
		f.Close()
	}
	time.Sleep(150 * time.Millisecond)
	if q.Len() != 0 {
		t.Fatalf("Len() = %d, want 0 after deregistration", q.Len())
	}
}

func TestRegisterTwiceIsNoop(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "in.e")
	mkfifo(t, path)

	q := queue.New()
	sink := &testSink{}
	m := New(q, sink)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	m.Register(ctx, path, "e")
	m.Register(ctx, path, "e")
	waitFor(t, time.Second, func() bool { return len(sink.registered) >= 1 })
	time.Sleep(50 * time.Millisecond)
	if len(sink.registered) != 1 {
		t.Fatalf("registered count = %d, want 1", len(sink.registered))
	}
}
