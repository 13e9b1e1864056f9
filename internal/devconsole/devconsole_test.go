package devconsole

import (
	"context"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"agentmux/internal/message"
)

func TestPublishReachesConnectedViewer(t *testing.T) {
	s := New("127.0.0.1:0")
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := s.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer s.Stop()

	deadline := time.Now().Add(time.Second)
	for s.URL() == "" && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if s.URL() == "" {
		t.Fatal("server did not report a URL in time")
	}

	conn, _, err := websocket.DefaultDialer.Dial(s.URL(), nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	for time.Now().Before(deadline) {
		if s.ViewerCount() == 1 {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	if s.ViewerCount() != 1 {
		t.Fatalf("viewer count = %d, want 1", s.ViewerCount())
	}

	s.Publish(message.Turn{TS: 1, Session: "sess"})

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, payload, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if len(payload) == 0 {
		t.Fatal("expected non-empty turn payload")
	}
}
