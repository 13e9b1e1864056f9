// Package channelmgr implements the Input Channel Manager (spec §4.3): a
// non-blocking reader per registered input artifact, parsing complete
// lines into Messages and isolating per-line parse failures from the
// reader's lifetime.
package channelmgr

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"agentmux/internal/message"
	"agentmux/internal/queue"
)

// pollInterval is how often a reader attempts a non-blocking read when no
// data was available last time. The reader never blocks on the pipe
// itself (per spec §9's "only safe pattern": non-blocking open plus a
// readiness-notified non-blocking read); this is purely the scheduling
// cadence for re-attempting one.
const pollInterval = 50 * time.Millisecond

// readChunkSize is the buffer size for each non-blocking read attempt.
const readChunkSize = 64 * 1024

// EventSink receives logging-relevant occurrences from a reader.
type EventSink interface {
	ChannelRegistered(path string)
	ChannelDeregistered(path string)
	MessageReceived(channel string, contentLen int)
	ParseFailed(path string, err error)
}

// Manager owns the set of registered reader handles. It is the exclusive
// owner of those handles (spec §3 ownership summary).
type Manager struct {
	q    *queue.Queue
	sink EventSink
	now  func() time.Time

	mu      sync.Mutex
	readers map[string]*reader // keyed by path
}

// New constructs a Manager that appends parsed Messages to q.
func New(q *queue.Queue, sink EventSink) *Manager {
	return &Manager{
		q:       q,
		sink:    sink,
		now:     time.Now,
		readers: map[string]*reader{},
	}
}

// Register opens path in non-blocking mode and starts reading it in a new
// goroutine. channel is the filename-derived default channel name for
// lines that aren't JSON or omit "channel". Calling Register twice for the
// same path is a no-op for the second call.
func (m *Manager) Register(ctx context.Context, path, channel string) {
	m.mu.Lock()
	if _, exists := m.readers[path]; exists {
		m.mu.Unlock()
		return
	}
	r := &reader{path: path, channel: channel, q: m.q, sink: m.sink, now: m.now}
	m.readers[path] = r
	m.mu.Unlock()

	readerCtx, cancel := context.WithCancel(ctx)
	r.cancel = cancel

	if m.sink != nil {
		m.sink.ChannelRegistered(path)
	}

	go r.run(readerCtx)
}

// Deregister stops and closes the reader for path, if any.
func (m *Manager) Deregister(path string) {
	m.mu.Lock()
	r, exists := m.readers[path]
	if exists {
		delete(m.readers, path)
	}
	m.mu.Unlock()

	if !exists {
		return
	}
	r.cancel()
	if m.sink != nil {
		m.sink.ChannelDeregistered(path)
	}
}

// Registered reports whether path currently has an active reader.
func (m *Manager) Registered(path string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.readers[path]
	return ok
}

// Shutdown cancels every active reader.
func (m *Manager) Shutdown() {
	m.mu.Lock()
	readers := m.readers
	m.readers = map[string]*reader{}
	m.mu.Unlock()

	for _, r := range readers {
		r.cancel()
	}
}

type reader struct {
	path    string
	channel string
	q       *queue.Queue
	sink    EventSink
	now     func() time.Time
	cancel  context.CancelFunc
}

func (r *reader) run(ctx context.Context) {
	f, err := openNonBlocking(r.path)
	if err != nil {
		slog.Warn("channelmgr: open failed", "path", r.path, "error", err)
		return
	}
	defer f.Close()

	var lineBuf []byte
	chunk := make([]byte, readChunkSize)
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.pump(f, chunk, &lineBuf)
		}
	}
}

// pump performs one non-blocking read attempt and feeds any bytes read
// into the per-channel line buffer, emitting a Message for each complete
// line. "No data available" (EAGAIN) and EOF (no current writer) both
// result in a no-op return; the reader stays registered either way.
func (r *reader) pump(f nonBlockingFile, chunk []byte, lineBuf *[]byte) {
	for {
		n, err := f.Read(chunk)
		if n > 0 {
			*lineBuf = append(*lineBuf, chunk[:n]...)
			r.extractLines(lineBuf)
		}
		if err != nil {
			return
		}
		if n == 0 {
			return
		}
	}
}

func (r *reader) extractLines(lineBuf *[]byte) {
	buf := *lineBuf
	for {
		idx := indexByte(buf, '\n')
		if idx < 0 {
			break
		}
		line := buf[:idx]
		buf = buf[idx+1:]
		if len(line) > 0 {
			r.handleLine(line)
		}
	}
	// Copy the remainder so the caller's backing array from the read
	// chunk can be reused without aliasing into lineBuf.
	rest := make([]byte, len(buf))
	copy(rest, buf)
	*lineBuf = rest
}

func indexByte(b []byte, c byte) int {
	for i, x := range b {
		if x == c {
			return i
		}
	}
	return -1
}

func (r *reader) handleLine(line []byte) {
	msg, err := message.ParseLine(line, r.channel, r.now)
	if err != nil {
		if r.sink != nil {
			r.sink.ParseFailed(r.path, err)
		}
		return
	}
	r.q.Enqueue(msg)
	if r.sink != nil {
		r.sink.MessageReceived(msg.Channel, len(msg.Content))
	}
}

// nonBlockingFile is the minimal surface channelmgr needs from a
// non-blocking-opened artifact handle.
type nonBlockingFile interface {
	Read(p []byte) (int, error)
	Close() error
}
