//go:build windows

package channelmgr

import "fmt"

// openNonBlocking is unsupported on Windows: there is no FIFO equivalent
// with non-blocking open semantics. Windows deployments rely solely on
// the control/output sockets (internal/hookserver, internal/broadcast)
// for the control plane; named input channels are a POSIX-only feature.
func openNonBlocking(path string) (nonBlockingFile, error) {
	return nil, fmt.Errorf("channelmgr: named input channels are not supported on windows: %s", path)
}
