// Package message defines the wire and in-memory shapes agentmux moves
// between producers, the queue, the injected agent input, and the
// broadcast output.
package message

import (
	"bytes"
	"encoding/json"
	"fmt"
	"time"
)

// Direction is the direction a Channel carries data in.
type Direction int

const (
	// DirectionIn is producer -> daemon.
	DirectionIn Direction = iota
	// DirectionOut is daemon -> producer.
	DirectionOut
)

// Message is one unit accepted from a producer. See spec §3.
type Message struct {
	Channel string            `json:"channel"`
	Content string            `json:"content"`
	TS      int64             `json:"ts"`
	Meta    map[string]string `json:"meta,omitempty"`
}

// maxLineBytes is the documented single-write atomicity boundary (§4.3):
// writes up to this size from one producer cannot interleave with another
// producer's write to the same pipe.
const maxLineBytes = 4096

// ErrEmptyContent is returned when a JSON payload has no content field.
var ErrEmptyContent = fmt.Errorf("message: content is required")

// ParseLine implements the §4.3 parsing rule: if the first non-whitespace
// byte is '{', attempt a strict JSON decode and return its error if it
// fails (the line is not reinterpreted as raw text); otherwise the whole
// line is content, channel is the filename-derived default, and ts is now.
func ParseLine(line []byte, defaultChannel string, now func() time.Time) (Message, error) {
	trimmed := bytes.TrimSpace(line)
	if len(trimmed) > 0 && trimmed[0] == '{' {
		msg, err := parseJSONLine(trimmed, defaultChannel, now)
		if err == nil {
			return msg, nil
		}
		return Message{}, err
	}
	return Message{
		Channel: defaultChannel,
		Content: string(trimmed),
		TS:      now().Unix(),
	}, nil
}

func parseJSONLine(raw []byte, defaultChannel string, now func() time.Time) (Message, error) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()

	var payload struct {
		Channel *string           `json:"channel"`
		Content *string           `json:"content"`
		TS      *int64            `json:"ts"`
		Meta    map[string]string `json:"meta"`
	}
	if err := dec.Decode(&payload); err != nil {
		return Message{}, fmt.Errorf("message: decode json: %w", err)
	}
	if payload.Content == nil {
		return Message{}, ErrEmptyContent
	}

	msg := Message{
		Content: *payload.Content,
		Meta:    payload.Meta,
	}
	if payload.Channel != nil && *payload.Channel != "" {
		msg.Channel = *payload.Channel
	} else {
		msg.Channel = defaultChannel
	}
	if payload.TS != nil {
		msg.TS = *payload.TS
	} else {
		msg.TS = now().Unix()
	}
	return msg, nil
}

// FormatLine renders a Message the way the agent sees it once injected:
// "[HH:MM channel] content" in loc (the daemon's local time zone).
func FormatLine(m Message, loc *time.Location) string {
	t := time.Unix(m.TS, 0)
	if loc != nil {
		t = t.In(loc)
	}
	return fmt.Sprintf("[%s %s] %s", t.Format("15:04"), m.Channel, m.Content)
}

// Block is one typed content block of a Turn, forwarded verbatim from the
// agent's transcript.
type Block map[string]any

// Turn is one completed agent reply delivered through the hook control
// channel. See spec §3.
type Turn struct {
	TS      int64   `json:"ts"`
	Session string  `json:"session"`
	Turn    []Block `json:"turn"`
}

// ReadinessState is the three-valued state derived by the Readiness
// Detector. See spec §3/§4.5.
type ReadinessState int

const (
	// StateBusy is the zero value: stdout still active within the
	// silence window.
	StateBusy ReadinessState = iota
	StateReady
	StateConfirm
)

func (s ReadinessState) String() string {
	switch s {
	case StateReady:
		return "ready"
	case StateConfirm:
		return "confirm"
	default:
		return "busy"
	}
}

// SuppressReason names why an otherwise-triggered injection was withheld.
type SuppressReason string

const (
	SuppressBusy           SuppressReason = "busy"
	SuppressConfirm        SuppressReason = "confirm"
	SuppressTerminalActive SuppressReason = "terminal_active"
)
