//go:build !windows

package channelmgr

import (
	"errors"
	"io"

	"golang.org/x/sys/unix"
)

// fifoFile wraps a raw non-blocking file descriptor. It deliberately
// bypasses os.File: Go's runtime poller can register a pipe fd and make
// Read block the calling goroutine until data arrives, which defeats the
// "a read with nothing available returns immediately" behavior the
// reader's poll loop depends on (spec §9). unix.Read surfaces EAGAIN
// directly instead.
type fifoFile struct {
	fd int
}

func (f *fifoFile) Read(p []byte) (int, error) {
	n, err := unix.Read(f.fd, p)
	if err == nil && n == 0 {
		return 0, io.EOF
	}
	if errors.Is(err, unix.EAGAIN) {
		return 0, nil
	}
	return n, err
}

func (f *fifoFile) Close() error {
	return unix.Close(f.fd)
}

// openNonBlocking opens path for reading without blocking even if no
// writer currently has it open (the defining behavior a FIFO would
// otherwise lack). A channel artifact with no current writer reads as
// "no data yet", not as an error.
func openNonBlocking(path string) (nonBlockingFile, error) {
	fd, err := unix.Open(path, unix.O_RDONLY|unix.O_NONBLOCK, 0)
	if err != nil {
		return nil, err
	}
	return &fifoFile{fd: fd}, nil
}
