//go:build !windows

package rundir

import (
	"os"

	"golang.org/x/sys/unix"
)

// ensureFIFO creates a named pipe at path with owner-only permissions if
// one does not already exist. An existing FIFO (or any existing file, on
// the assumption a prior daemon instance or the producer already created
// it) is left untouched.
func ensureFIFO(path string) error {
	if _, err := os.Stat(path); err == nil {
		return nil
	} else if !os.IsNotExist(err) {
		return err
	}
	if err := unix.Mkfifo(path, 0o600); err != nil {
		return err
	}
	return nil
}
