// Package inject implements the Injection Controller (spec §4.7): it
// evaluates the Injection Window on trigger and, when open, atomically
// drains the Message Queue, formats the batch, and submits it to the
// terminal session as one input submission.
package inject

import (
	"context"
	"sync"
	"time"

	"agentmux/internal/message"
	"agentmux/internal/queue"
)

// Terminal is the subset of termctl.Controller the Injection Controller
// needs: one literal text submission followed by one Enter.
type Terminal interface {
	SendText(ctx context.Context, text string) error
	SendEnter(ctx context.Context) error
}

// ReadinessSource reports the current Readiness State.
type ReadinessSource interface {
	State() message.ReadinessState
}

// ActivitySource reports how long it has been since the last human
// keystroke.
type ActivitySource interface {
	IdleFor() time.Duration
}

// Sink receives injection and suppression events.
type Sink interface {
	MessageInjected(count int)
	Suppressed(reason message.SuppressReason)
}

// Controller evaluates the Injection Window and performs drains.
type Controller struct {
	q         *queue.Queue
	readiness ReadinessSource
	activity  ActivitySource
	term      Terminal
	sink      Sink
	loc       *time.Location

	idleThreshold time.Duration

	// injectMu serializes drain-format-inject so no new drain begins
	// before the prior Enter has been issued (spec §4.7 atomicity).
	injectMu sync.Mutex
}

// New constructs a Controller. idleThreshold is the minimum time since
// the last human keystroke required for the window to be open.
func New(q *queue.Queue, readiness ReadinessSource, activity ActivitySource, term Terminal, sink Sink, idleThreshold time.Duration, loc *time.Location) *Controller {
	if loc == nil {
		loc = time.Local
	}
	return &Controller{
		q:             q,
		readiness:     readiness,
		activity:      activity,
		term:          term,
		sink:          sink,
		loc:           loc,
		idleThreshold: idleThreshold,
	}
}

// windowOpen reports whether the Injection Window (spec §3) is currently
// open: Readiness State is ready AND the terminal has been idle of human
// input for at least idleThreshold.
func (c *Controller) windowOpen() (open bool, reason message.SuppressReason) {
	state := c.readiness.State()
	switch state {
	case message.StateConfirm:
		return false, message.SuppressConfirm
	case message.StateBusy:
		return false, message.SuppressBusy
	}
	if c.activity.IdleFor() < c.idleThreshold {
		return false, message.SuppressTerminalActive
	}
	return true, ""
}

// Trigger evaluates the Injection Window and, if open, drains and
// injects. Called on a Turn arriving at the Hook Control Server or on a
// readiness transition to ready (spec §4.7).
func (c *Controller) Trigger(ctx context.Context) {
	c.injectMu.Lock()
	defer c.injectMu.Unlock()

	open, reason := c.windowOpen()
	if !open {
		if c.sink != nil {
			c.sink.Suppressed(reason)
		}
		return
	}

	batch := c.q.DrainAll()
	if len(batch) == 0 {
		return
	}

	text := formatBatch(batch, c.loc)
	if err := c.term.SendText(ctx, text); err != nil {
		c.q.Requeue(batch)
		return
	}
	if err := c.term.SendEnter(ctx); err != nil {
		c.q.Requeue(batch)
		return
	}

	if c.sink != nil {
		c.sink.MessageInjected(len(batch))
	}
}

func formatBatch(batch []message.Message, loc *time.Location) string {
	lines := make([]string, len(batch))
	for i, m := range batch {
		lines[i] = message.FormatLine(m, loc)
	}
	out := lines[0]
	for _, l := range lines[1:] {
		out += "\n" + l
	}
	return out
}
