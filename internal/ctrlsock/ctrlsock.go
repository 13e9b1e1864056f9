// Package ctrlsock provides the one cross-platform primitive the control
// and output endpoints share: binding a local stream listener at a
// runtime-directory path. POSIX uses a Unix domain socket; Windows maps
// the same path onto a named pipe restricted to the current user (the
// teacher's internal/ipc package used the equivalent SDDL construction
// for its tmux-shim pipe).
package ctrlsock

import (
	"context"
	"net"
)

// Listen binds a local stream listener at path.
func Listen(path string) (net.Listener, error) {
	return listen(path)
}

// Dial connects to a listener previously bound with Listen at path. Used
// by cmd/agentmux-hook, a short-lived process that has no listener of
// its own.
func Dial(ctx context.Context, path string) (net.Conn, error) {
	return dial(ctx, path)
}
