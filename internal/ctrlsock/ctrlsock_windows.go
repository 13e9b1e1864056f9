//go:build windows

package ctrlsock

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os/user"
	"regexp"
	"strings"

	"github.com/Microsoft/go-winio"
)

const pipeBufferSize = 256 * 1024

var validSIDPattern = regexp.MustCompile(`^S-1(-\d+)+$`)

func listen(path string) (net.Listener, error) {
	sd, err := currentUserSecurityDescriptor()
	if err != nil {
		return nil, err
	}
	return winio.ListenPipe(pipeName(path), &winio.PipeConfig{
		SecurityDescriptor: sd,
		MessageMode:        false,
		InputBufferSize:    int32(pipeBufferSize),
		OutputBufferSize:   int32(pipeBufferSize),
	})
}

func dial(ctx context.Context, path string) (net.Conn, error) {
	return winio.DialPipeContext(ctx, pipeName(path))
}

func pipeName(path string) string {
	return `\\.\pipe\agentmux-` + strings.ReplaceAll(path, `\`, "-")
}

func currentUserSecurityDescriptor() (string, error) {
	current, err := user.Current()
	if err != nil {
		return "", fmt.Errorf("resolve current user: %w", err)
	}
	sid := strings.TrimSpace(current.Uid)
	if sid == "" {
		return "", errors.New("current user SID is unavailable")
	}
	if !validSIDPattern.MatchString(sid) {
		return "", fmt.Errorf("current user SID has unexpected format: %s", sid)
	}
	return fmt.Sprintf("D:P(A;;GA;;;SY)(A;;GA;;;%s)", sid), nil
}
