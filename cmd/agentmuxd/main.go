// agentmuxd is the daemon process: it owns one tmux-backed agent session,
// watches its runtime directory for producer-created input/output
// channels, injects queued input when the agent is ready and the human
// is idle, and broadcasts completed turns to subscribers.
//
// Usage:
//
//	agentmuxd [--config <path>] [--runtime-dir <path>] [--install-hooks <path>]
//
// Environment variables:
//
//	AGENTMUX_CONFIG  Overrides the default config file path.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"agentmux/internal/config"
	"agentmux/internal/daemon"
	"agentmux/internal/hookinstall"
	"agentmux/internal/logging"
	"agentmux/internal/rundir"
)

func main() {
	cfg, err := parseArgs(os.Args[1:])
	if err != nil {
		fmt.Fprintf(os.Stderr, "[agentmuxd] %v\n", err)
		os.Exit(1)
	}

	runtimeCfg, err := loadRuntimeConfig(cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "[agentmuxd] config: %v\n", err)
		os.Exit(1)
	}

	dir := rundir.New(runtimeCfg.RuntimeDir)

	logger, err := logging.Open(dir.EventsDB(), defaultLogHandler())
	if err != nil {
		fmt.Fprintf(os.Stderr, "[agentmuxd] open event log: %v\n", err)
		os.Exit(1)
	}
	defer logger.Close()

	if cfg.hookSettingsPath != "" {
		hookBin, err := hookCommandPath()
		if err != nil {
			logger.Slog().Warn("agentmuxd: could not resolve agentmux-hook path, skipping hook install", "error", err)
		} else {
			hookCmd := shQuote(hookBin) + " --runtime-dir " + shQuote(runtimeCfg.RuntimeDir)
			for _, event := range []string{"SessionStart", "Stop"} {
				if err := hookinstall.Install(cfg.hookSettingsPath, event, hookCmd); err != nil {
					logger.Slog().Error("agentmuxd: hook install failed", "event", event, "error", err)
				}
			}
		}
	}

	d, err := daemon.New(runtimeCfg, dir, logger)
	if err != nil {
		fmt.Fprintf(os.Stderr, "[agentmuxd] construct daemon: %v\n", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := d.Run(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "[agentmuxd] exited with error: %v\n", err)
		os.Exit(1)
	}
}

// cliArgs holds everything parsed from the command line. Parsed
// manually, in the teacher pack's own style for small daemon entrypoints
// (no flag-package indirection for a handful of optional switches).
type cliArgs struct {
	configPath         string
	runtimeDirOverride string
	hookSettingsPath   string
}

func parseArgs(args []string) (cliArgs, error) {
	var c cliArgs
	for i := 0; i < len(args); i++ {
		switch args[i] {
		case "--config":
			if i+1 >= len(args) {
				return c, fmt.Errorf("--config requires a value")
			}
			i++
			c.configPath = args[i]
		case "--runtime-dir":
			if i+1 >= len(args) {
				return c, fmt.Errorf("--runtime-dir requires a value")
			}
			i++
			c.runtimeDirOverride = args[i]
		case "--install-hooks":
			if i+1 >= len(args) {
				return c, fmt.Errorf("--install-hooks requires a value")
			}
			i++
			c.hookSettingsPath = args[i]
		default:
			return c, fmt.Errorf("unrecognized argument: %s", args[i])
		}
	}
	if c.configPath == "" {
		c.configPath = os.Getenv("AGENTMUX_CONFIG")
	}
	return c, nil
}

func loadRuntimeConfig(c cliArgs) (config.Config, error) {
	path := c.configPath
	if path == "" {
		path = config.DefaultPath()
	}
	cfg, err := config.EnsureFile(path)
	if err != nil {
		return config.Config{}, err
	}
	for _, warning := range config.ConsumeDefaultPathWarnings() {
		fmt.Fprintf(os.Stderr, "[agentmuxd] %s\n", warning)
	}
	if c.runtimeDirOverride != "" {
		cfg.RuntimeDir = c.runtimeDirOverride
	}
	return cfg, nil
}

// hookCommandPath resolves the path to this same binary's sibling
// agentmux-hook executable, installed alongside agentmuxd.
func hookCommandPath() (string, error) {
	self, err := os.Executable()
	if err != nil {
		return "", err
	}
	return filepath.Join(filepath.Dir(self), "agentmux-hook"), nil
}

// defaultLogHandler writes plain-text records to stderr so they stay
// visible under tmux/systemd capture while the Logger tees the same
// records into the embedded events database.
func defaultLogHandler() slog.Handler {
	return slog.NewTextHandler(os.Stderr, nil)
}

// shQuote wraps an argument in single quotes for the hook settings
// file's shell command string (grounded on internal/termctl's own
// shQuote for the same reason: the arguments here are daemon-generated
// paths, never attacker-controlled input).
func shQuote(arg string) string {
	return "'" + strings.ReplaceAll(arg, "'", `'\''`) + "'"
}
