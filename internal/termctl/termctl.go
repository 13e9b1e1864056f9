// Package termctl implements the Terminal Session Controller (spec
// §4.4): a thin wrapper over the real tmux binary. agentmux never
// reimplements a multiplexer; every operation here is one tmux
// invocation via os/exec.
package termctl

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strconv"
	"strings"
)

// Runner executes a tmux subcommand and returns its stdout. It exists so
// tests can substitute a fake without touching the real binary.
type Runner interface {
	Run(ctx context.Context, args ...string) ([]byte, error)
}

// ExecRunner shells out to the tmux binary named by Bin (default "tmux").
type ExecRunner struct {
	Bin string
}

func (r ExecRunner) bin() string {
	if r.Bin == "" {
		return "tmux"
	}
	return r.Bin
}

// Run invokes tmux with args. args are trusted internal values (session
// names, literal text to type) built up by this package, never raw shell
// input, so no shell is involved.
func (r ExecRunner) Run(ctx context.Context, args ...string) ([]byte, error) {
	cmd := exec.CommandContext(ctx, r.bin(), args...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return nil, fmt.Errorf("termctl: tmux %v: %w: %s", args, err, stderr.String())
	}
	return stdout.Bytes(), nil
}

// Controller drives one tmux session.
type Controller struct {
	runner  Runner
	session string
}

// New constructs a Controller for the named tmux session, using the real
// tmux binary.
func New(session string) *Controller {
	return &Controller{runner: ExecRunner{}, session: session}
}

// NewWithRunner constructs a Controller using a custom Runner, for tests.
func NewWithRunner(session string, r Runner) *Controller {
	return &Controller{runner: r, session: session}
}

// Session returns the controller's tmux session name.
func (c *Controller) Session() string { return c.session }

// EnsureSession creates the session if it does not already exist, or
// leaves an existing one untouched (the Lifecycle Supervisor attaches
// rather than restarts when a session survives a daemon restart, per
// spec §4.10).
func (c *Controller) EnsureSession(ctx context.Context, launchCmd []string) error {
	if _, err := c.runner.Run(ctx, "has-session", "-t", c.session); err == nil {
		return nil
	}
	args := []string{"new-session", "-d", "-s", c.session}
	args = append(args, launchCmd...)
	_, err := c.runner.Run(ctx, args...)
	return err
}

// KillSession terminates the tmux session. Used only by the Lifecycle
// Supervisor on an unrecoverable crash path, never on ordinary daemon
// shutdown (spec §4.10: the agent subprocess outlives the daemon).
func (c *Controller) KillSession(ctx context.Context) error {
	_, err := c.runner.Run(ctx, "kill-session", "-t", c.session)
	return err
}

// SendText types text into the session's active pane literally: tmux's
// -l flag disables key-name interpretation so shell metacharacters and
// multi-byte text pass through unmodified.
func (c *Controller) SendText(ctx context.Context, text string) error {
	_, err := c.runner.Run(ctx, "send-keys", "-t", c.session, "-l", "--", text)
	return err
}

// SendEnter submits the pane's current input line. Issued as its own
// invocation, never appended to SendText's argv, so a text payload that
// happens to look like a key name is never misread as one.
func (c *Controller) SendEnter(ctx context.Context) error {
	_, err := c.runner.Run(ctx, "send-keys", "-t", c.session, "Enter")
	return err
}

// CapturePane returns the rendered text currently visible in the pane.
func (c *Controller) CapturePane(ctx context.Context) (string, error) {
	out, err := c.runner.Run(ctx, "capture-pane", "-t", c.session, "-p")
	if err != nil {
		return "", err
	}
	return string(out), nil
}

// MountStdoutTap pipes the pane's output stream to outputPath for the
// lifetime of the session (or until unmounted), using tmux's own
// pipe-pane rather than a PTY the daemon owns.
func (c *Controller) MountStdoutTap(ctx context.Context, outputPath string) error {
	_, err := c.runner.Run(ctx, "pipe-pane", "-t", c.session, "-o", "cat >> "+shQuote(outputPath))
	return err
}

// MountStdinTap pipes keystrokes typed directly into the pane (by a human
// attached to the session) to inputPath. This is tmux's dedicated
// pane-input tap, physically distinct from whatever SendText injects, so
// the Terminal Activity Monitor (spec §4.6) never confuses the two.
func (c *Controller) MountStdinTap(ctx context.Context, inputPath string) error {
	_, err := c.runner.Run(ctx, "pipe-pane", "-I", "-t", c.session, "cat >> "+shQuote(inputPath))
	return err
}

// UnmountTaps disables any active pipe-pane taps on the session. tmux
// toggles pipe-pane off when invoked with no command argument.
func (c *Controller) UnmountTaps(ctx context.Context) error {
	if _, err := c.runner.Run(ctx, "pipe-pane", "-t", c.session); err != nil {
		return err
	}
	_, err := c.runner.Run(ctx, "pipe-pane", "-I", "-t", c.session)
	return err
}

// PanePID returns the pid of the process currently running in the
// session's active pane (best-effort: this is the pane's top-level
// process, not necessarily the agent itself if it forked).
func (c *Controller) PanePID(ctx context.Context) (int, error) {
	out, err := c.runner.Run(ctx, "list-panes", "-t", c.session, "-F", "#{pane_pid}")
	if err != nil {
		return 0, err
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(out)))
	if err != nil {
		return 0, fmt.Errorf("termctl: parse pane_pid %q: %w", out, err)
	}
	return pid, nil
}

// HasSession reports whether the tmux session currently exists.
func (c *Controller) HasSession(ctx context.Context) bool {
	_, err := c.runner.Run(ctx, "has-session", "-t", c.session)
	return err == nil
}

// shQuote wraps path in single quotes for the shell command tmux invokes
// to implement pipe-pane redirection; paths here are daemon-generated
// runtime-directory paths, never user input.
func shQuote(path string) string {
	return "'" + strings.ReplaceAll(path, "'", `'\''`) + "'"
}
