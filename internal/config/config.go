// Package config loads and validates agentmux's single configuration file
// (spec §6 EXTERNAL INTERFACES): runtime directory path, terminal-session
// name, idle threshold, silence timeout, backoff initial and cap,
// ready-prompt marker, confirm-marker set, and the agent launch command.
// The file is optional and every field has a default.
package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"reflect"
	"runtime"
	"strings"
	"sync"
	"time"

	"go.yaml.in/yaml/v3"
)

const (
	maxConfigFileBytes int64 = 1 << 20 // 1MB
	maxRenameRetry           = 10
	// Windows file lock releases (antivirus/indexing) typically settle quickly.
	// Use a short linear backoff: baseDelay * (1..maxRenameRetry).
	renameRetryBaseDelay = 10 * time.Millisecond
)

// defaultConfigDirFn is a test seam; tests override it to simulate
// directory-resolution failures in validateConfigPath.
var defaultConfigDirFn = defaultConfigDir
var userHomeDirFn = os.UserHomeDir

var defaultPathWarningState struct {
	mu       sync.Mutex
	messages []string
}

func recordDefaultPathWarning(message string) {
	trimmed := strings.TrimSpace(message)
	if trimmed == "" {
		return
	}
	defaultPathWarningState.mu.Lock()
	defaultPathWarningState.messages = append(defaultPathWarningState.messages, trimmed)
	defaultPathWarningState.mu.Unlock()
}

// ConsumeDefaultPathWarnings returns and clears path-resolution warnings
// accumulated during DefaultPath() calls.
func ConsumeDefaultPathWarnings() []string {
	defaultPathWarningState.mu.Lock()
	defer defaultPathWarningState.mu.Unlock()
	if len(defaultPathWarningState.messages) == 0 {
		return nil
	}
	out := make([]string, len(defaultPathWarningState.messages))
	copy(out, defaultPathWarningState.messages)
	defaultPathWarningState.messages = nil
	return out
}

// Config is agentmux's runtime configuration (spec §6).
type Config struct {
	// RuntimeDir is the Runtime Directory & Path Map root (internal/rundir).
	RuntimeDir string `yaml:"runtime_dir" json:"runtime_dir"`
	// SessionName is the multiplexer session name the Terminal Session
	// Controller creates and attaches to.
	SessionName string `yaml:"session_name" json:"session_name"`
	// IdleThreshold is the minimum time since the last human keystroke
	// before an Injection Window can open (spec §3 Injection Window).
	IdleThreshold time.Duration `yaml:"idle_threshold" json:"idle_threshold"`
	// SilenceTimeout is T_silence, the stdout-silence window the Readiness
	// Detector requires before considering the agent ready or confirming.
	SilenceTimeout time.Duration `yaml:"silence_timeout" json:"silence_timeout"`
	// InitialBackoff and MaxBackoff bound the Lifecycle Supervisor's capped
	// exponential restart backoff (spec §4.10).
	InitialBackoff time.Duration `yaml:"initial_backoff" json:"initial_backoff"`
	MaxBackoff     time.Duration `yaml:"max_backoff" json:"max_backoff"`
	// ReadyPromptGlyph is the advisory literal the Readiness Detector looks
	// for in the last non-blank pane line (spec §4.5; never load-bearing).
	ReadyPromptGlyph string `yaml:"ready_prompt_glyph" json:"ready_prompt_glyph"`
	// ConfirmMarkers are confirmation-prompt phrases; any match in a pane
	// snapshot moves Readiness State to confirm.
	ConfirmMarkers []string `yaml:"confirm_markers" json:"confirm_markers"`
	// AgentMarkers are pane-snapshot strings the Lifecycle Supervisor's
	// fallback crash check looks for when the child pid is unknown.
	AgentMarkers []string `yaml:"agent_markers" json:"agent_markers"`
	// LaunchCommand starts the agent on a fresh session. ResumeCommand
	// relaunches it after a supervisor-detected crash with the agent's own
	// "continue previous conversation" flag, so history survives a restart.
	LaunchCommand []string `yaml:"launch_command" json:"launch_command"`
	ResumeCommand []string `yaml:"resume_command" json:"resume_command"`
	// PollInterval is how often the Lifecycle Supervisor polls the agent
	// process for liveness.
	PollInterval time.Duration `yaml:"poll_interval" json:"poll_interval"`
	// DevConsoleAddr, if non-empty, binds the optional browser viewer
	// (internal/devconsole) to this loopback address. Empty (the
	// default) disables it entirely; this transport is purely additive
	// and never affects injection or readiness.
	DevConsoleAddr string `yaml:"dev_console_addr,omitempty" json:"dev_console_addr,omitempty"`
}

// DefaultConfig returns default values aligned with spec.
func DefaultConfig() Config {
	return Config{
		RuntimeDir:       filepath.Join(os.TempDir(), "agentmux"),
		SessionName:      "agentmux",
		IdleThreshold:    2 * time.Second,
		SilenceTimeout:   3 * time.Second,
		InitialBackoff:   time.Second,
		MaxBackoff:       60 * time.Second,
		ReadyPromptGlyph: "",
		ConfirmMarkers:   []string{},
		AgentMarkers:     []string{},
		LaunchCommand:    []string{"claude"},
		ResumeCommand:    []string{"claude", "--continue"},
		PollInterval:     2 * time.Second,
	}
}

// DefaultPath resolves the config file path, preferring XDG_CONFIG_HOME,
// falling back to ~/.config when unset, and then to os.TempDir() if the
// home directory cannot be resolved.
// The temp-dir fallback is not a stable persistence location and may vary
// between sessions depending on environment configuration.
func DefaultPath() string {
	base := strings.TrimSpace(os.Getenv("XDG_CONFIG_HOME"))
	if base == "" {
		home, err := userHomeDirFn()
		if err != nil {
			// Keep config path resolvable even in restricted environments.
			slog.Warn("[WARN-CONFIG] using temp dir as config path fallback", "error", err)
			recordDefaultPathWarning(
				"Config path fallback: failed to resolve XDG_CONFIG_HOME/home directory. Using temp directory; settings persistence may be limited.",
			)
			base = os.TempDir()
		} else {
			base = filepath.Join(home, ".config")
		}
	}
	return filepath.Join(base, "agentmux", "config.yaml")
}

// Load reads config file. If file does not exist, defaults are returned.
func Load(path string) (Config, error) {
	cfg := DefaultConfig()
	if path == "" {
		return cfg, errors.New("config path required")
	}

	raw, err := readLimitedFile(path, maxConfigFileBytes)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return cfg, nil
		}
		return cfg, err
	}
	if len(raw) == 0 {
		return cfg, nil
	}
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		slog.Warn("[WARN-CONFIG] failed to parse config, using defaults", "path", path, "error", err)
		return DefaultConfig(), err
	}

	warnUnknownKeys(raw)
	if err := applyDefaultsAndValidate(&cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// EnsureFile writes default config if missing and returns loaded config.
func EnsureFile(path string) (Config, error) {
	cfg, err := Load(path)
	if err != nil {
		return cfg, err
	}
	if _, statErr := os.Stat(path); errors.Is(statErr, os.ErrNotExist) {
		if _, err := Save(path, cfg); err != nil {
			return cfg, err
		}
	}
	return cfg, nil
}

// Clone returns a deep copy of cfg.
// Use this when sharing config snapshots across goroutines or package boundaries.
func Clone(src Config) Config {
	dst := src
	dst.ConfirmMarkers = cloneStringSlice(src.ConfirmMarkers)
	dst.AgentMarkers = cloneStringSlice(src.AgentMarkers)
	dst.LaunchCommand = cloneStringSlice(src.LaunchCommand)
	dst.ResumeCommand = cloneStringSlice(src.ResumeCommand)
	return dst
}

func cloneStringSlice(src []string) []string {
	if src == nil {
		return nil
	}
	dst := make([]string, len(src))
	copy(dst, src)
	return dst
}

// Save validates cfg, fills defaults, and atomically writes to path.
// Returns the normalized config that was actually written to disk.
func Save(path string, cfg Config) (Config, error) {
	normalizedPath, err := validateConfigPath(path)
	if err != nil {
		return cfg, err
	}
	if err := applyDefaultsAndValidate(&cfg); err != nil {
		return cfg, fmt.Errorf("save config: %w", err)
	}

	raw, err := yaml.Marshal(cfg)
	if err != nil {
		return cfg, fmt.Errorf("save config: marshal: %w", err)
	}
	if err := atomicWrite(normalizedPath, raw); err != nil {
		return cfg, err
	}
	slog.Debug("[DEBUG-CONFIG] config saved", "path", path)
	return cfg, nil
}

// atomicWrite writes config data using temp-file + rename to avoid partial
// writes and retries rename on Windows to tolerate transient file locks.
func atomicWrite(path string, data []byte) (err error) {
	dir := filepath.Dir(path)
	if err = os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("save config: mkdir: %w", err)
	}

	// Atomic write: temp file + rename in same directory ensures
	// same-filesystem rename and prevents partial writes on crash.
	tmpFile, err := os.CreateTemp(dir, ".config.yaml.tmp.*")
	if err != nil {
		return fmt.Errorf("save config: create temp: %w", err)
	}
	tmpPath := tmpFile.Name()

	defer func() {
		if tmpFile != nil {
			if closeErr := tmpFile.Close(); closeErr != nil && !errors.Is(closeErr, os.ErrClosed) {
				slog.Warn("[WARN-CONFIG] failed to close temp file", "path", tmpPath, "error", closeErr)
			}
		}
		if err != nil {
			if removeErr := os.Remove(tmpPath); removeErr != nil && !errors.Is(removeErr, os.ErrNotExist) {
				slog.Warn("[WARN-CONFIG] failed to remove temp file", "path", tmpPath, "error", removeErr)
			}
		}
	}()

	if err = tmpFile.Chmod(0o600); err != nil {
		return fmt.Errorf("save config: chmod temp: %w", err)
	}
	if _, err = tmpFile.Write(data); err != nil {
		return fmt.Errorf("save config: write: %w", err)
	}
	if err = tmpFile.Sync(); err != nil {
		return fmt.Errorf("save config: sync: %w", err)
	}
	err = tmpFile.Close()
	tmpFile = nil
	if err != nil {
		return fmt.Errorf("save config: close: %w", err)
	}

	if err = renameFileWithRetry(tmpPath, path); err != nil {
		return fmt.Errorf("save config: rename: %w", err)
	}
	return nil
}

// validateConfigPath normalizes path and enforces that config writes stay
// inside the default config directory when that directory is resolvable.
func validateConfigPath(path string) (string, error) {
	trimmedPath := strings.TrimSpace(path)
	if trimmedPath == "" {
		return "", errors.New("config path required")
	}
	absolutePath, err := filepath.Abs(trimmedPath)
	if err != nil {
		return "", fmt.Errorf("save config: resolve path: %w", err)
	}

	expectedDir, err := defaultConfigDirFn()
	if err != nil {
		return "", fmt.Errorf("save config: resolve config dir: %w", err)
	}
	absoluteExpectedDir, err := filepath.Abs(expectedDir)
	if err != nil {
		return "", fmt.Errorf("save config: resolve config dir: %w", err)
	}
	if !pathWithinDir(absolutePath, absoluteExpectedDir) {
		return "", fmt.Errorf("save config: path outside config directory: %q", absolutePath)
	}

	return absolutePath, nil
}

func defaultConfigDir() (string, error) {
	return filepath.Dir(DefaultPath()), nil
}

// pathWithinDir blocks directory traversal by ensuring path is under dir.
// It also rejects Windows cross-drive escapes because filepath.Rel returns
// an absolute path when roots differ.
func pathWithinDir(path string, dir string) bool {
	relativePath, err := filepath.Rel(filepath.Clean(dir), filepath.Clean(path))
	if err != nil {
		return false
	}
	if relativePath == "." {
		return true
	}
	if relativePath == ".." || strings.HasPrefix(relativePath, ".."+string(os.PathSeparator)) {
		return false
	}
	return !filepath.IsAbs(relativePath)
}

// applyDefaultsAndValidate fills missing defaults and validates cfg in-place.
// MUTATES: cfg is directly modified.
// Used by both Load and Save to ensure consistent normalization.
func applyDefaultsAndValidate(cfg *Config) error {
	defaults := DefaultConfig()
	if isZeroConfig(*cfg) {
		*cfg = defaults
		return nil
	}

	if strings.TrimSpace(cfg.RuntimeDir) == "" {
		cfg.RuntimeDir = defaults.RuntimeDir
	}
	if strings.TrimSpace(cfg.SessionName) == "" {
		cfg.SessionName = defaults.SessionName
	}
	if cfg.IdleThreshold <= 0 {
		cfg.IdleThreshold = defaults.IdleThreshold
	}
	if cfg.SilenceTimeout <= 0 {
		cfg.SilenceTimeout = defaults.SilenceTimeout
	}
	if cfg.InitialBackoff <= 0 {
		cfg.InitialBackoff = defaults.InitialBackoff
	}
	if cfg.MaxBackoff <= 0 {
		cfg.MaxBackoff = defaults.MaxBackoff
	}
	if err := validateBackoffBounds(cfg); err != nil {
		return err
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = defaults.PollInterval
	}
	if cfg.ConfirmMarkers == nil {
		cfg.ConfirmMarkers = append([]string(nil), defaults.ConfirmMarkers...)
	}
	if cfg.AgentMarkers == nil {
		cfg.AgentMarkers = append([]string(nil), defaults.AgentMarkers...)
	}
	if len(cfg.LaunchCommand) == 0 {
		cfg.LaunchCommand = append([]string(nil), defaults.LaunchCommand...)
	}
	if len(cfg.ResumeCommand) == 0 {
		cfg.ResumeCommand = append([]string(nil), defaults.ResumeCommand...)
	}
	cfg.ConfirmMarkers = trimStringSlice(cfg.ConfirmMarkers)
	cfg.AgentMarkers = trimStringSlice(cfg.AgentMarkers)
	cfg.LaunchCommand = trimStringSlice(cfg.LaunchCommand)
	cfg.ResumeCommand = trimStringSlice(cfg.ResumeCommand)
	if len(cfg.LaunchCommand) == 0 {
		return errors.New("launch_command must not be empty")
	}
	if len(cfg.ResumeCommand) == 0 {
		return errors.New("resume_command must not be empty")
	}
	return nil
}

// validateBackoffBounds ensures initial_backoff does not exceed max_backoff,
// which would make the "cap" meaningless.
func validateBackoffBounds(cfg *Config) error {
	if cfg.InitialBackoff > cfg.MaxBackoff {
		return fmt.Errorf("initial_backoff (%s) must not exceed max_backoff (%s)", cfg.InitialBackoff, cfg.MaxBackoff)
	}
	return nil
}

func trimStringSlice(entries []string) []string {
	if entries == nil {
		return nil
	}
	filtered := make([]string, 0, len(entries))
	for _, e := range entries {
		e = strings.TrimSpace(e)
		if e == "" {
			continue
		}
		filtered = append(filtered, e)
	}
	return filtered
}

// knownTopLevelKeys is the set of recognized top-level YAML keys, used to
// warn about unrecognized configuration (typos, removed fields) without
// treating it as fatal.
var knownTopLevelKeys = map[string]struct{}{
	"runtime_dir":        {},
	"session_name":       {},
	"idle_threshold":     {},
	"silence_timeout":    {},
	"initial_backoff":    {},
	"max_backoff":        {},
	"ready_prompt_glyph": {},
	"confirm_markers":    {},
	"agent_markers":      {},
	"launch_command":     {},
	"resume_command":     {},
	"poll_interval":      {},
	"dev_console_addr":   {},
}

// warnUnknownKeys logs a startup warning (not a hard failure) for any
// top-level YAML key not recognized by Config.
func warnUnknownKeys(raw []byte) {
	var rawMap map[string]any
	if err := yaml.Unmarshal(raw, &rawMap); err != nil {
		slog.Warn("[WARN-CONFIG] failed to parse config metadata", "error", err)
		return
	}
	for key := range rawMap {
		if _, ok := knownTopLevelKeys[key]; !ok {
			slog.Warn("[WARN-CONFIG] unrecognized config key ignored", "key", key)
		}
	}
}

func readLimitedFile(path string, maxBytes int64) ([]byte, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	limited := io.LimitReader(file, maxBytes+1)
	raw, err := io.ReadAll(limited)
	if err != nil {
		return nil, err
	}
	if int64(len(raw)) > maxBytes {
		return nil, fmt.Errorf("config file exceeds %d bytes", maxBytes)
	}
	return raw, nil
}

func isZeroConfig(cfg Config) bool {
	// reflect.DeepEqual guards against field-addition drift that manual checks miss.
	return reflect.DeepEqual(cfg, Config{})
}

func renameFileWithRetry(sourcePath string, targetPath string) error {
	var lastErr error
	for attempt := range maxRenameRetry {
		err := os.Rename(sourcePath, targetPath)
		if err == nil {
			return nil
		}
		lastErr = err
		if runtime.GOOS != "windows" {
			return err
		}
		time.Sleep(time.Duration(attempt+1) * renameRetryBaseDelay)
	}
	return lastErr
}
