// Package queue implements the Message Queue (spec §3/§5): an ordered,
// in-memory buffer of undelivered Messages shared between the Input Channel
// Manager (producer) and the Injection Controller (consumer) under a
// single mutex.
package queue

import (
	"sync"

	"agentmux/internal/message"
)

// Queue is a mutex-guarded FIFO of Messages. Messages from one channel are
// preserved in arrival order relative to each other; the queue as a whole
// preserves global arrival order across channels too, since every Enqueue
// appends under the same lock.
type Queue struct {
	mu    sync.Mutex
	items []message.Message
}

// New creates an empty Queue.
func New() *Queue {
	return &Queue{}
}

// Enqueue appends a Message. Safe for concurrent callers.
func (q *Queue) Enqueue(m message.Message) {
	q.mu.Lock()
	q.items = append(q.items, m)
	q.mu.Unlock()
}

// Len reports the number of Messages currently queued.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// DrainAll atomically removes and returns every queued Message, in arrival
// order. An empty (possibly nil) slice is returned if the queue was empty.
// Callers that decide not to inject the drained batch (e.g. because
// formatting failed) are responsible for re-enqueuing unsent Messages via
// Requeue to preserve the "never silently dropped" invariant.
func (q *Queue) DrainAll() []message.Message {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) == 0 {
		return nil
	}
	drained := q.items
	q.items = nil
	return drained
}

// Requeue puts Messages back at the front of the queue, preserving their
// relative order and ahead of anything enqueued since they were drained.
func (q *Queue) Requeue(msgs []message.Message) {
	if len(msgs) == 0 {
		return
	}
	q.mu.Lock()
	q.items = append(msgs, q.items...)
	q.mu.Unlock()
}
