package mcp

import (
	"errors"
	"fmt"
	"strings"
	"sync"
)

// ErrUnknownChannel is returned (and surfaced to the agent as a
// structured tool error, never a transport failure) when route_output
// names a channel with no corresponding out.<name> artifact present.
var ErrUnknownChannel = errors.New("mcp: unknown output channel")

// ToolSink receives route_output invocation events for the Logger.
type ToolSink interface {
	ToolCalled(channel string, messageLen int)
}

// Manager serializes output writes under a single mutex so two
// concurrent route_output calls for the same channel cannot interleave
// their writes. The registry lookup happens before the mutex is taken.
type Manager struct {
	mu       sync.Mutex
	registry *Registry
	sink     ToolSink
}

// NewManager constructs a Manager over registry. sink may be nil.
func NewManager(registry *Registry, sink ToolSink) *Manager {
	if registry == nil {
		registry = NewRegistry()
	}
	return &Manager{registry: registry, sink: sink}
}

// RouteOutput writes content to the out.<channel> artifact, failing with
// ErrUnknownChannel if the channel is not currently registered (spec §7
// "Producer error (MCP-side)"). Never blocks indefinitely: writing opens
// the artifact non-blocking, so a channel with no reader on the other
// end fails fast instead of hanging the calling tool invocation.
func (m *Manager) RouteOutput(channel, content string) error {
	channel = strings.TrimSpace(channel)
	if channel == "" {
		return fmt.Errorf("mcp: channel name is required")
	}

	path, ok := m.registry.Get(channel)
	if !ok {
		return fmt.Errorf("%w: %q", ErrUnknownChannel, channel)
	}

	if err := m.writeLocked(path, content); err != nil {
		return fmt.Errorf("mcp: write to channel %q: %w", channel, err)
	}

	if m.sink != nil {
		m.sink.ToolCalled(channel, len(content))
	}
	return nil
}

func (m *Manager) writeLocked(path, content string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	w, err := openForWrite(path)
	if err != nil {
		return err
	}
	defer w.Close()

	_, err = w.Write([]byte(content + "\n"))
	return err
}

// Registry returns the underlying output-channel registry, so the
// Directory Watcher can feed Register/Deregister calls into it.
func (m *Manager) Registry() *Registry { return m.registry }
