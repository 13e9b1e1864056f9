//go:build windows

package mcp

import (
	"fmt"
	"io"
)

// openForWrite is unsupported on Windows: named output channels, like
// named input channels (internal/channelmgr), are POSIX FIFOs only.
func openForWrite(path string) (io.WriteCloser, error) {
	return nil, fmt.Errorf("mcp: named output channels are not supported on windows")
}
