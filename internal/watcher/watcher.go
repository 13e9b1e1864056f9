// Package watcher implements the Directory Watcher (spec §4.2): it watches
// the runtime directory for channel artifact creation/removal and emits
// register/deregister events for in, in.* and out.* names; other names
// are ignored.
package watcher

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/bep/debounce"
	"github.com/fsnotify/fsnotify"

	"agentmux/internal/rundir"
)

// EventKind distinguishes a register (create) from a deregister (remove)
// transition.
type EventKind int

const (
	EventRegister EventKind = iota
	EventDeregister
)

// Event is one artifact lifecycle transition.
type Event struct {
	Kind    EventKind
	Path    string
	Kind2   rundir.ChannelKind // artifact kind (named in/out/default in)
	Channel string
}

// Watcher watches one runtime directory.
type Watcher struct {
	dir     string
	events  chan Event
	fsw     *fsnotify.Watcher
	debounceWindow time.Duration
}

// New constructs a Watcher rooted at dir. debounceWindow coalesces bursts
// of filesystem events (a single mkfifo/bind can emit Create+Chmod) into
// one evaluation; zero selects a sensible default.
func New(dir string, debounceWindow time.Duration) (*Watcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := fsw.Add(dir); err != nil {
		fsw.Close()
		return nil, err
	}
	if debounceWindow <= 0 {
		debounceWindow = 50 * time.Millisecond
	}
	return &Watcher{
		dir:            dir,
		events:         make(chan Event, 64),
		fsw:            fsw,
		debounceWindow: debounceWindow,
	}, nil
}

// Events returns the channel of artifact lifecycle events. Closed when
// Run returns.
func (w *Watcher) Events() <-chan Event { return w.events }

// Run synthesizes a create event for every matching artifact already
// present (crash-tolerance per spec §4.2), then relays fsnotify events
// until ctx is cancelled.
func (w *Watcher) Run(ctx context.Context) error {
	defer close(w.events)
	defer w.fsw.Close()

	w.synthesizeExisting()

	// debounce.New returns a function that, given an inner func, delays
	// invoking it until debounceWindow has elapsed with no further calls
	// -- used here per-path so a rapid create+chmod sequence for the same
	// artifact collapses into one evaluation.
	debouncers := map[string]func(func()){}

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-w.fsw.Events:
			if !ok {
				return nil
			}
			w.handleRaw(ev, debouncers)
		case err, ok := <-w.fsw.Errors:
			if !ok {
				return nil
			}
			slog.Warn("watcher: fsnotify error", "error", err)
		}
	}
}

func (w *Watcher) handleRaw(ev fsnotify.Event, debouncers map[string]func(func())) {
	base := filepath.Base(ev.Name)
	kind, channel := rundir.Classify(base)
	if kind == rundir.KindUnknown {
		return
	}

	d, ok := debouncers[ev.Name]
	if !ok {
		d = debounce.New(w.debounceWindow)
		debouncers[ev.Name] = d
	}

	d(func() {
		w.emitForCurrentState(ev.Name, kind, channel)
	})
}

// emitForCurrentState re-checks the filesystem (rather than trusting the
// specific fsnotify op bit) because the debounce window may have coalesced
// a create-then-remove into one evaluation; the current on-disk state is
// the only thing that matters.
func (w *Watcher) emitForCurrentState(path string, kind rundir.ChannelKind, channel string) {
	_, err := os.Lstat(path)
	exists := err == nil
	if !exists && !os.IsNotExist(err) {
		slog.Warn("watcher: stat failed", "path", path, "error", err)
		return
	}

	evKind := EventDeregister
	if exists {
		evKind = EventRegister
	}
	select {
	case w.events <- Event{Kind: evKind, Path: path, Kind2: kind, Channel: channel}:
	default:
		slog.Warn("watcher: event channel full, dropping", "path", path)
	}
}

// synthesizeExisting emits a register event for every in/in.*/out.* artifact
// already present in the directory, so the runtime converges to the
// current filesystem state without a separate scan path on every caller.
func (w *Watcher) synthesizeExisting() {
	entries, err := os.ReadDir(w.dir)
	if err != nil {
		slog.Warn("watcher: initial scan failed", "dir", w.dir, "error", err)
		return
	}
	for _, entry := range entries {
		kind, channel := rundir.Classify(entry.Name())
		if kind == rundir.KindUnknown {
			continue
		}
		path := filepath.Join(w.dir, entry.Name())
		select {
		case w.events <- Event{Kind: EventRegister, Path: path, Kind2: kind, Channel: channel}:
		default:
			slog.Warn("watcher: event channel full during initial scan", "path", path)
		}
	}
}
