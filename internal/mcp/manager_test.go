//go:build !windows

package mcp

import (
	"bufio"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"golang.org/x/sys/unix"
)

type fakeToolSink struct {
	mu    sync.Mutex
	calls []string
}

func (f *fakeToolSink) ToolCalled(channel string, messageLen int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, channel)
}

func (f *fakeToolSink) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

func mkOutFifo(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "out.logs")
	if err := unix.Mkfifo(path, 0o600); err != nil {
		t.Fatalf("mkfifo: %v", err)
	}
	return path
}

func TestRouteOutputUnknownChannelFails(t *testing.T) {
	m := NewManager(NewRegistry(), nil)
	err := m.RouteOutput("missing", "hello")
	if !errors.Is(err, ErrUnknownChannel) {
		t.Fatalf("err = %v, want ErrUnknownChannel", err)
	}
}

func TestRouteOutputEmptyChannelNameFails(t *testing.T) {
	m := NewManager(NewRegistry(), nil)
	if err := m.RouteOutput("  ", "hello"); err == nil {
		t.Fatal("expected an error for blank channel name")
	}
}

func TestRouteOutputWritesToKnownChannel(t *testing.T) {
	path := mkOutFifo(t)
	registry := NewRegistry()
	registry.Register("logs", path)
	sink := &fakeToolSink{}
	m := NewManager(registry, sink)

	var received string
	readDone := make(chan struct{})
	go func() {
		defer close(readDone)
		f, err := os.OpenFile(path, os.O_RDONLY, 0)
		if err != nil {
			return
		}
		defer f.Close()
		line, _ := bufio.NewReader(f).ReadString('\n')
		received = line
	}()

	// Give the reader goroutine time to open the FIFO for reading before
	// the non-blocking write-side open is attempted.
	time.Sleep(50 * time.Millisecond)

	if err := m.RouteOutput("logs", "hello there"); err != nil {
		t.Fatalf("RouteOutput: %v", err)
	}

	select {
	case <-readDone:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for reader")
	}
	if received != "hello there\n" {
		t.Fatalf("received = %q, want %q", received, "hello there\n")
	}
	if sink.count() != 1 {
		t.Fatalf("ToolCalled count = %d, want 1", sink.count())
	}
}

func TestRouteOutputFailsFastWithNoReader(t *testing.T) {
	path := mkOutFifo(t)
	registry := NewRegistry()
	registry.Register("logs", path)
	m := NewManager(registry, nil)

	done := make(chan error, 1)
	go func() { done <- m.RouteOutput("logs", "hello") }()

	select {
	case err := <-done:
		if err == nil {
			t.Fatal("expected a write error with no reader attached")
		}
	case <-time.After(time.Second):
		t.Fatal("RouteOutput blocked instead of failing fast (ENXIO expected)")
	}
}
