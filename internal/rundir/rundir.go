// Package rundir owns the on-disk runtime directory where channel
// artifacts live and names every path in it (spec §4.1).
package rundir

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
)

// Dir is the Runtime Directory & Path Map. It is the single source of
// truth for where every artifact lives; it never creates in.<name> or
// out.<name> files -- those belong to producers.
type Dir struct {
	root string
}

// New resolves a Dir rooted at root (must be absolute or relative to the
// process working directory; not otherwise validated until Ensure runs).
func New(root string) *Dir {
	return &Dir{root: root}
}

// Root returns the configured runtime directory path.
func (d *Dir) Root() string { return d.root }

// DefaultInPipe returns the path of the daemon-created default input FIFO.
func (d *Dir) DefaultInPipe() string { return filepath.Join(d.root, "in") }

// NamedInPipe returns the path of a producer-created named input FIFO.
func (d *Dir) NamedInPipe(name string) string {
	return filepath.Join(d.root, "in."+name)
}

// NamedOutPipe returns the path of a producer-created named output FIFO.
func (d *Dir) NamedOutPipe(name string) string {
	return filepath.Join(d.root, "out."+name)
}

// ControlSocket returns the path of the hook-to-daemon control endpoint.
func (d *Dir) ControlSocket() string { return filepath.Join(d.root, "control.sock") }

// OutputSocket returns the path of the broadcast endpoint.
func (d *Dir) OutputSocket() string { return filepath.Join(d.root, "output.sock") }

// EventsDB returns the path of the structured-event SQLite database.
func (d *Dir) EventsDB() string { return filepath.Join(d.root, "events.db") }

// StdoutTap returns the path of the file the agent pane's stdout is
// mirrored to via tmux pipe-pane, consumed by the Readiness Detector.
func (d *Dir) StdoutTap() string { return filepath.Join(d.root, "stdout.tap") }

// StdinTap returns the path of the file the agent pane's stdin is
// mirrored to, consumed by the Human Activity Monitor.
func (d *Dir) StdinTap() string { return filepath.Join(d.root, "stdin.tap") }

// ChannelKind classifies a basename observed in the runtime directory.
type ChannelKind int

const (
	// KindUnknown is anything that doesn't match a recognized artifact
	// name pattern; the Directory Watcher ignores these.
	KindUnknown ChannelKind = iota
	KindDefaultIn
	KindNamedIn
	KindNamedOut
)

// Classify reports what kind of artifact basename is and, for named
// channels, the channel name derived from the filename.
func Classify(basename string) (kind ChannelKind, channel string) {
	switch {
	case basename == "in":
		return KindDefaultIn, "default"
	case strings.HasPrefix(basename, "in."):
		name := strings.TrimPrefix(basename, "in.")
		if name == "" {
			return KindUnknown, ""
		}
		return KindNamedIn, name
	case strings.HasPrefix(basename, "out."):
		name := strings.TrimPrefix(basename, "out.")
		if name == "" {
			return KindUnknown, ""
		}
		return KindNamedOut, name
	default:
		return KindUnknown, ""
	}
}

// Ensure creates the runtime directory (owner-only permissions), the
// default "in" FIFO, and removes any stale control.sock/output.sock files
// left behind by a prior unclean shutdown. It does not create in.<name> or
// out.<name> artifacts.
func (d *Dir) Ensure() error {
	if err := os.MkdirAll(d.root, 0o700); err != nil {
		return fmt.Errorf("rundir: create %s: %w", d.root, err)
	}
	if err := os.Chmod(d.root, 0o700); err != nil {
		return fmt.Errorf("rundir: chmod %s: %w", d.root, err)
	}

	if err := ensureFIFO(d.DefaultInPipe()); err != nil {
		return fmt.Errorf("rundir: ensure default in pipe: %w", err)
	}

	for _, stale := range []string{d.ControlSocket(), d.OutputSocket()} {
		if err := removeStaleSocket(stale); err != nil {
			return fmt.Errorf("rundir: remove stale socket %s: %w", stale, err)
		}
	}
	return nil
}

// removeStaleSocket removes a socket file left over from a previous
// daemon instance. It is a best-effort cleanup: a missing file is not an
// error, but anything else (e.g. permission denied) is, since binding a
// listener to a path that still exists and is not ours would fail later
// with a less actionable error.
func removeStaleSocket(path string) error {
	err := os.Remove(path)
	if err == nil || os.IsNotExist(err) {
		return nil
	}
	return err
}

// Cleanup removes the endpoint files the daemon created (control.sock,
// output.sock, the default "in" FIFO), per spec §5 shutdown semantics. It
// never touches in.<name>/out.<name> artifacts, which are producer-owned.
func (d *Dir) Cleanup() {
	for _, path := range []string{d.ControlSocket(), d.OutputSocket(), d.DefaultInPipe()} {
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			slog.Warn("rundir: cleanup failed", "path", path, "error", err)
		}
	}
}
