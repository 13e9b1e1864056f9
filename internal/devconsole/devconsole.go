// Package devconsole is an additive, non-gating browser viewer for the
// Turn stream (SPEC_FULL §4.9 extension): a local HTTP+WebSocket server
// that mirrors every published Turn to any number of connected browser
// tabs. It never affects injection or readiness and can be disabled
// entirely without changing daemon behavior elsewhere.
package devconsole

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"agentmux/internal/message"
)

const (
	writeDeadline = 5 * time.Second
	pingInterval  = 30 * time.Second
	readDeadline  = 90 * time.Second
)

var upgrader = websocket.Upgrader{
	CheckOrigin:     func(r *http.Request) bool { return true },
	ReadBufferSize:  1024,
	WriteBufferSize: 32 * 1024,
}

// Server serves the dev console over HTTP on its configured address,
// which defaults to loopback; a non-loopback address is not rejected.
type Server struct {
	addr string

	mu     sync.Mutex
	ln     net.Listener
	srv    *http.Server
	url    string
	viewMu sync.RWMutex
	views  map[string]*viewer
}

type viewer struct {
	conn    *websocket.Conn
	writeMu sync.Mutex
}

// New constructs a Server. addr defaults to "127.0.0.1:0" (OS-assigned
// port) when empty, matching the teacher's localhost-only binding
// posture for its own single-connection hub.
func New(addr string) *Server {
	if addr == "" {
		addr = "127.0.0.1:0"
	}
	return &Server{addr: addr, views: map[string]*viewer{}}
}

// Start begins serving. ctx governs request handler cancellation; Stop
// must still be called explicitly to shut the server down.
func (s *Server) Start(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("devconsole: listen: %w", err)
	}
	s.mu.Lock()
	s.ln = ln
	port := ln.Addr().(*net.TCPAddr).Port
	s.url = fmt.Sprintf("ws://127.0.0.1:%d/turns", port)
	mux := http.NewServeMux()
	mux.HandleFunc("/turns", s.handleWS)
	s.srv = &http.Server{
		Handler:     mux,
		BaseContext: func(net.Listener) context.Context { return ctx },
	}
	s.mu.Unlock()

	go func() {
		if err := s.srv.Serve(ln); err != nil && err != http.ErrServerClosed {
			slog.Warn("devconsole: serve error", "error", err)
		}
	}()
	return nil
}

// Stop shuts the server down and closes every connected viewer.
func (s *Server) Stop() error {
	s.mu.Lock()
	srv := s.srv
	s.mu.Unlock()
	if srv == nil {
		return nil
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

// URL returns the dev console's WebSocket URL once started.
func (s *Server) URL() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.url
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Warn("devconsole: upgrade failed", "error", err)
		return
	}

	conn.SetReadDeadline(time.Now().Add(readDeadline))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(readDeadline))
	})

	v := &viewer{conn: conn}
	id := r.RemoteAddr + "/" + time.Now().String()
	s.viewMu.Lock()
	s.views[id] = v
	s.viewMu.Unlock()

	done := make(chan struct{})
	go s.pingLoop(v, done)

	defer func() {
		close(done)
		s.viewMu.Lock()
		delete(s.views, id)
		s.viewMu.Unlock()
		conn.Close()
	}()

	// The dev console is read-only from the browser's perspective; drain
	// incoming frames until the client disconnects.
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (s *Server) pingLoop(v *viewer, done <-chan struct{}) {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			v.writeMu.Lock()
			v.conn.SetWriteDeadline(time.Now().Add(writeDeadline))
			err := v.conn.WriteMessage(websocket.PingMessage, nil)
			v.writeMu.Unlock()
			if err != nil {
				return
			}
		}
	}
}

// Publish mirrors turn to every currently connected viewer. Write
// failure on a viewer drops only that viewer (same policy as
// internal/broadcast).
func (s *Server) Publish(turn message.Turn) {
	payload, err := json.Marshal(turn)
	if err != nil {
		slog.Warn("devconsole: marshal turn", "error", err)
		return
	}

	s.viewMu.RLock()
	views := make([]*viewer, 0, len(s.views))
	for _, v := range s.views {
		views = append(views, v)
	}
	s.viewMu.RUnlock()

	for _, v := range views {
		v.writeMu.Lock()
		v.conn.SetWriteDeadline(time.Now().Add(writeDeadline))
		err := v.conn.WriteMessage(websocket.TextMessage, payload)
		v.writeMu.Unlock()
		if err != nil {
			v.conn.Close()
		}
	}
}

// ViewerCount returns the number of currently connected browser viewers.
func (s *Server) ViewerCount() int {
	s.viewMu.RLock()
	defer s.viewMu.RUnlock()
	return len(s.views)
}
