// Package lifecycle implements the Lifecycle Supervisor (spec §4.10): it
// owns the agent subprocess end to end, from first launch through crash
// detection, capped-backoff restart, and tap re-mounting.
package lifecycle

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"time"
)

// Terminal is the subset of termctl.Controller the supervisor drives.
type Terminal interface {
	EnsureSession(ctx context.Context, launchCmd []string) error
	KillSession(ctx context.Context) error
	HasSession(ctx context.Context) bool
	CapturePane(ctx context.Context) (string, error)
	PanePID(ctx context.Context) (int, error)
	MountStdoutTap(ctx context.Context, path string) error
	MountStdinTap(ctx context.Context, path string) error
}

// Sink receives Lifecycle Supervisor events for the Logger (spec §4.11).
type Sink interface {
	ProcessCrash(pid int)
	ProcessRestart(restartCount int, backoffSeconds float64)
}

// Config carries the supervisor's tunables, sourced from the daemon
// configuration file (spec §9 "Configuration surface").
type Config struct {
	PollInterval   time.Duration
	InitialBackoff time.Duration
	MaxBackoff     time.Duration

	// LaunchCommand starts the agent fresh (used only when no session
	// exists yet). ResumeCommand relaunches with a "continue previous
	// conversation" flag so the agent's own history survives a restart
	// the supervisor initiates after a detected crash.
	LaunchCommand []string
	ResumeCommand []string

	// AgentMarkers are pane-snapshot substrings that indicate the agent
	// is alive, consulted only when the recorded pid is unknown or
	// already gone missing from the pane (the fallback leg of the
	// two-level crash check). Empty disables the fallback check.
	AgentMarkers []string

	StdoutTapPath string
	StdinTapPath  string
}

// DefaultConfig returns the spec's default polling cadence and backoff
// bounds; callers still need to supply LaunchCommand/ResumeCommand and
// the tap paths.
func DefaultConfig() Config {
	return Config{
		PollInterval:   2 * time.Second,
		InitialBackoff: time.Second,
		MaxBackoff:     60 * time.Second,
	}
}

// Record is the Agent Process Record (spec §3): exactly one exists for
// the lifetime of the daemon. RestartCount is monotone and is never
// reset, even after long stable periods — a 24/7 supervisor must keep
// damping restart storms regardless of how long ago the last one was.
type Record struct {
	SessionName  string
	PanePID      int
	RestartCount int
	NextBackoff  time.Duration
}

// Supervisor owns the Agent Process Record exclusively (spec §3
// ownership summary).
type Supervisor struct {
	term Terminal
	cfg  Config
	sink Sink
	log  *slog.Logger
	now  func() time.Time

	mu     sync.Mutex
	record Record
}

// New constructs a Supervisor. log may be nil (defaults to slog.Default).
func New(term Terminal, cfg Config, sink Sink, log *slog.Logger) *Supervisor {
	if log == nil {
		log = slog.Default()
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 2 * time.Second
	}
	return &Supervisor{
		term: term,
		cfg:  cfg,
		sink: sink,
		log:  log,
		now:  time.Now,
		record: Record{
			NextBackoff: cfg.InitialBackoff,
		},
	}
}

// Record returns a snapshot of the current Agent Process Record.
func (s *Supervisor) Record() Record {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.record
}

// Start brings the agent under supervision: attaches to an existing
// session if one survived a daemon restart, or creates and mounts taps
// on a fresh one otherwise (spec §4.10 "On first start the supervisor is
// also the creator of the session... On daemon restart while the agent
// session already exists, the supervisor attaches").
func (s *Supervisor) Start(ctx context.Context, sessionName string) error {
	s.mu.Lock()
	s.record.SessionName = sessionName
	s.mu.Unlock()

	fresh := !s.term.HasSession(ctx)
	if err := s.term.EnsureSession(ctx, s.cfg.LaunchCommand); err != nil {
		return err
	}
	if fresh {
		if err := s.remountTaps(ctx); err != nil {
			return err
		}
	}
	s.refreshPanePID(ctx)
	return nil
}

// Run polls for a crashed agent and restarts it until ctx is cancelled.
func (s *Supervisor) Run(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.PollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.checkAndRecover(ctx)
		}
	}
}

func (s *Supervisor) checkAndRecover(ctx context.Context) {
	if !s.crashed(ctx) {
		return
	}

	s.mu.Lock()
	crashedPID := s.record.PanePID
	s.mu.Unlock()
	if s.sink != nil {
		s.sink.ProcessCrash(crashedPID)
	}
	s.log.Warn("agent process crash detected", "pid", crashedPID)

	s.mu.Lock()
	s.record.RestartCount++
	backoff := s.record.NextBackoff
	s.record.NextBackoff = nextBackoff(backoff, s.cfg.MaxBackoff)
	restartCount := s.record.RestartCount
	s.mu.Unlock()

	timer := time.NewTimer(backoff)
	select {
	case <-ctx.Done():
		timer.Stop()
		return
	case <-timer.C:
	}

	if err := s.term.KillSession(ctx); err != nil {
		s.log.Warn("kill-session before restart failed", "error", err)
	}
	if err := s.term.EnsureSession(ctx, s.cfg.ResumeCommand); err != nil {
		s.log.Error("agent relaunch failed", "error", err)
		return
	}
	if err := s.remountTaps(ctx); err != nil {
		s.log.Error("tap remount after restart failed", "error", err)
	}
	s.refreshPanePID(ctx)

	if s.sink != nil {
		s.sink.ProcessRestart(restartCount, backoff.Seconds())
	}
	s.log.Info("agent process restarted", "restart_count", restartCount, "backoff_seconds", backoff.Seconds())
}

// crashed implements the two-level check from spec §4.10: pid liveness
// first, falling back to a pane-marker scan only when the pid itself is
// unknown or unrecoverable.
func (s *Supervisor) crashed(ctx context.Context) bool {
	s.mu.Lock()
	pid := s.record.PanePID
	s.mu.Unlock()

	if pid > 0 {
		return !pidAlive(pid)
	}

	if len(s.cfg.AgentMarkers) == 0 {
		return false
	}
	snapshot, err := s.term.CapturePane(ctx)
	if err != nil {
		return false
	}
	return !containsAny(snapshot, s.cfg.AgentMarkers)
}

func (s *Supervisor) refreshPanePID(ctx context.Context) {
	pid, err := s.term.PanePID(ctx)
	if err != nil {
		s.log.Debug("pane pid lookup failed", "error", err)
		return
	}
	s.mu.Lock()
	s.record.PanePID = pid
	s.mu.Unlock()
}

func (s *Supervisor) remountTaps(ctx context.Context) error {
	if s.cfg.StdoutTapPath != "" {
		if err := s.term.MountStdoutTap(ctx, s.cfg.StdoutTapPath); err != nil {
			return err
		}
	}
	if s.cfg.StdinTapPath != "" {
		if err := s.term.MountStdinTap(ctx, s.cfg.StdinTapPath); err != nil {
			return err
		}
	}
	return nil
}

func containsAny(haystack string, markers []string) bool {
	for _, m := range markers {
		if m != "" && strings.Contains(haystack, m) {
			return true
		}
	}
	return false
}

// nextBackoff doubles current, capped at maxBackoff. Adapted from
// workerutil's per-goroutine panic-retry backoff; the difference here is
// that the state driving it (Record.NextBackoff, advanced alongside
// Record.RestartCount) is never reset for
// the daemon's lifetime, so repeated restarts keep converging toward
// maxBackoff rather than resetting to InitialBackoff.
func nextBackoff(current, maxBackoff time.Duration) time.Duration {
	if current <= 0 {
		return time.Second
	}
	if maxBackoff <= 0 || current >= maxBackoff {
		return maxBackoff
	}
	next := current * 2
	if next > maxBackoff || next < current {
		return maxBackoff
	}
	return next
}
