//go:build !windows

package mcp

import (
	"fmt"
	"io"

	"golang.org/x/sys/unix"
)

type fifoWriter struct{ fd int }

func (f *fifoWriter) Write(p []byte) (int, error) { return unix.Write(f.fd, p) }
func (f *fifoWriter) Close() error                { return unix.Close(f.fd) }

// openForWrite opens path non-blocking for writing: if the artifact is a
// FIFO with no reader attached, the open fails immediately with ENXIO
// rather than blocking route_output until one appears.
func openForWrite(path string) (io.WriteCloser, error) {
	fd, err := unix.Open(path, unix.O_WRONLY|unix.O_NONBLOCK, 0)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	return &fifoWriter{fd: fd}, nil
}
