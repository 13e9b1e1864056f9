// Package broadcast implements the Output Broadcaster (spec §4.9): a
// local stream endpoint fanning a Turn out to every currently connected
// subscriber as one JSON line each. No replay, no backfill, no
// per-subscriber queue beyond the OS socket buffer; a write failure
// drops only that subscriber.
package broadcast

import (
	"encoding/json"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"

	"agentmux/internal/ctrlsock"
	"agentmux/internal/message"
)

// writeDeadline bounds a single subscriber write; a subscriber that
// cannot keep up within this window is disconnected rather than let a
// slow reader stall every other subscriber (spec §4.9's parallel-safe
// fan-out requirement).
const writeDeadline = 5 * time.Second

// Sink receives per-event counts for logging.
type Sink interface {
	BroadcastSent(subscriberCount int)
}

// Broadcaster accepts subscriber connections on a local endpoint and
// fans out Turns published via Publish.
type Broadcaster struct {
	path string
	sink Sink

	mu       sync.RWMutex
	listener net.Listener
	subs     map[string]*subscriber
	wg       sync.WaitGroup
	closed   chan struct{}
}

type subscriber struct {
	id       string
	conn     net.Conn
	writeMu  sync.Mutex
	connedAt time.Time
}

// New constructs a Broadcaster bound to path once Start is called.
func New(path string, sink Sink) *Broadcaster {
	return &Broadcaster{
		path:   path,
		sink:   sink,
		subs:   map[string]*subscriber{},
		closed: make(chan struct{}),
	}
}

// Start begins accepting subscriber connections.
func (b *Broadcaster) Start() error {
	listener, err := ctrlsock.Listen(b.path)
	if err != nil {
		return err
	}
	b.mu.Lock()
	b.listener = listener
	b.mu.Unlock()

	b.wg.Add(1)
	go b.acceptLoop(listener)
	return nil
}

// Stop closes the listener and every active subscriber connection.
func (b *Broadcaster) Stop() error {
	close(b.closed)
	b.mu.Lock()
	listener := b.listener
	b.listener = nil
	subs := b.subs
	b.subs = map[string]*subscriber{}
	b.mu.Unlock()

	if listener != nil {
		listener.Close()
	}
	for _, s := range subs {
		s.conn.Close()
	}
	b.wg.Wait()
	return nil
}

func (b *Broadcaster) acceptLoop(listener net.Listener) {
	defer b.wg.Done()
	for {
		conn, err := listener.Accept()
		if err != nil {
			select {
			case <-b.closed:
				return
			default:
				slog.Warn("broadcast: accept error", "error", err)
				return
			}
		}
		b.addSubscriber(conn)
	}
}

func (b *Broadcaster) addSubscriber(conn net.Conn) {
	s := &subscriber{id: uuid.NewString(), conn: conn, connedAt: time.Now()}
	b.mu.Lock()
	b.subs[s.id] = s
	b.mu.Unlock()

	// A subscriber connection is write-only from the daemon's
	// perspective; drain and discard any bytes the subscriber sends so
	// the OS read buffer never backs up, and drop the subscriber on
	// disconnect.
	go func() {
		buf := make([]byte, 1024)
		for {
			if _, err := conn.Read(buf); err != nil {
				b.removeSubscriber(s.id)
				return
			}
		}
	}()
}

func (b *Broadcaster) removeSubscriber(id string) {
	b.mu.Lock()
	s, ok := b.subs[id]
	if ok {
		delete(b.subs, id)
	}
	b.mu.Unlock()
	if ok {
		s.conn.Close()
	}
}

// Publish sends turn as one JSON line to every currently connected
// subscriber. If no subscribers are connected, the Turn is simply
// dropped (spec §4.9: it is not retained).
func (b *Broadcaster) Publish(turn message.Turn) {
	line, err := json.Marshal(turn)
	if err != nil {
		slog.Warn("broadcast: marshal turn", "error", err)
		return
	}
	line = append(line, '\n')

	b.mu.RLock()
	subs := make([]*subscriber, 0, len(b.subs))
	for _, s := range b.subs {
		subs = append(subs, s)
	}
	b.mu.RUnlock()

	for _, s := range subs {
		b.writeTo(s, line)
	}

	if b.sink != nil {
		b.sink.BroadcastSent(len(subs))
	}
}

func (b *Broadcaster) writeTo(s *subscriber, line []byte) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	if err := s.conn.SetWriteDeadline(time.Now().Add(writeDeadline)); err != nil {
		b.removeSubscriber(s.id)
		return
	}
	if _, err := s.conn.Write(line); err != nil {
		b.removeSubscriber(s.id)
	}
}

// SubscriberCount returns the number of currently connected subscribers.
func (b *Broadcaster) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}
