//go:build windows

package rundir

import "fmt"

// ensureFIFO is unsupported on Windows: named pipes are not file-system
// path FIFOs there. agentmux is a POSIX-first daemon (the spec's "named
// pipe" channel model is a FIFO concept); Windows support is limited to
// the control/output sockets (see internal/hookserver, internal/broadcast).
func ensureFIFO(path string) error {
	return fmt.Errorf("rundir: FIFO input channels are not supported on windows: %s", path)
}
