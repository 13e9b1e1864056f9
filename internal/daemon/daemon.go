// Package daemon wires every subsystem package into the single
// long-running agentmuxd process (spec §3 "Component Map", §5
// "Concurrency & Resource Model"). It owns startup ordering, the
// per-subsystem supervised goroutines, and graceful shutdown; it holds
// no protocol or business logic of its own beyond the glue between
// packages.
package daemon

import (
	"context"
	"fmt"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"agentmux/internal/activity"
	"agentmux/internal/broadcast"
	"agentmux/internal/channelmgr"
	"agentmux/internal/config"
	"agentmux/internal/devconsole"
	"agentmux/internal/hookserver"
	"agentmux/internal/inject"
	"agentmux/internal/lifecycle"
	"agentmux/internal/logging"
	"agentmux/internal/mcp"
	"agentmux/internal/message"
	"agentmux/internal/queue"
	"agentmux/internal/readiness"
	"agentmux/internal/rundir"
	"agentmux/internal/termctl"
	"agentmux/internal/watcher"
	"agentmux/internal/workerutil"
)

// shutdownGrace bounds how long Run waits for supervised goroutines to
// notice cancellation before it proceeds with endpoint teardown anyway
// (spec §5's shutdown target).
const shutdownGrace = 5 * time.Second

// tapPollInterval is how often a tap tailer checks its file for growth.
// Tap files are plain files a tmux pipe-pane appends to, not FIFOs, so
// there is no blocking-read primitive to wait on; polling mirrors
// internal/channelmgr's own non-blocking-read cadence.
const tapPollInterval = 100 * time.Millisecond

// Daemon wires the Runtime Directory, Logger, Message Queue, Directory
// Watcher, Input Channel Manager, Human Activity Monitor, Readiness
// Detector, Injection Controller, Terminal Control, Lifecycle
// Supervisor, Hook Control Server, Output Broadcaster, optional dev
// console, and MCP tool server into one process.
type Daemon struct {
	cfg    config.Config
	dir    *rundir.Dir
	logger *logging.Logger

	q           *queue.Queue
	term        *termctl.Controller
	activityMon *activity.Monitor
	readinessD  *readiness.Detector
	injector    *inject.Controller
	supervisor  *lifecycle.Supervisor
	channelMgr  *channelmgr.Manager
	watch       *watcher.Watcher
	hookSrv     *hookserver.Server
	bcast       *broadcast.Broadcaster
	devConsole  *devconsole.Server
	mcpRegistry *mcp.Registry
	mcpManager  *mcp.Manager

	ctx          context.Context
	cancel       context.CancelFunc
	wg           sync.WaitGroup
	shuttingDown atomic.Bool
}

// New constructs a Daemon from a validated configuration, a resolved
// Runtime Directory, and an already-open Logger. It performs no I/O
// beyond what the subsystem constructors themselves do; Run performs
// directory creation, endpoint binding, and agent launch.
func New(cfg config.Config, dir *rundir.Dir, logger *logging.Logger) (*Daemon, error) {
	watch, err := watcher.New(dir.Root(), 0)
	if err != nil {
		return nil, fmt.Errorf("daemon: new watcher: %w", err)
	}

	d := &Daemon{
		cfg:    cfg,
		dir:    dir,
		logger: logger,
		watch:  watch,
	}

	d.q = queue.New()
	d.term = termctl.New(cfg.SessionName)
	d.activityMon = activity.New()

	rr := &readinessRouter{log: logger}
	d.readinessD = readiness.New(readiness.Config{
		SilenceThreshold: cfg.SilenceTimeout,
		PollInterval:     250 * time.Millisecond,
		ReadyPromptGlyph: cfg.ReadyPromptGlyph,
		ConfirmMarkers:   cfg.ConfirmMarkers,
	}, d.term, rr)

	d.injector = inject.New(d.q, d.readinessD, d.activityMon, d.term, logger, cfg.IdleThreshold, time.Local)
	rr.injector = d.injector // back-reference: readiness transitions re-evaluate the Injection Window

	d.supervisor = lifecycle.New(d.term, lifecycle.Config{
		PollInterval:   cfg.PollInterval,
		InitialBackoff: cfg.InitialBackoff,
		MaxBackoff:     cfg.MaxBackoff,
		LaunchCommand:  cfg.LaunchCommand,
		ResumeCommand:  cfg.ResumeCommand,
		AgentMarkers:   cfg.AgentMarkers,
		StdoutTapPath:  dir.StdoutTap(),
		StdinTapPath:   dir.StdinTap(),
	}, logger, logger.Slog())

	d.channelMgr = channelmgr.New(d.q, logger)

	d.bcast = broadcast.New(dir.OutputSocket(), logger)
	if cfg.DevConsoleAddr != "" {
		d.devConsole = devconsole.New(cfg.DevConsoleAddr)
	}

	tr := &turnRouter{bcast: d.bcast, dev: d.devConsole, injector: d.injector, log: logger}
	d.hookSrv = hookserver.New(dir.ControlSocket(), tr)

	d.mcpRegistry = mcp.NewRegistry()
	d.mcpManager = mcp.NewManager(d.mcpRegistry, logger)

	return d, nil
}

// readinessRouter implements readiness.Sink: it tees every event to the
// Logger and, on an actual state change, re-evaluates the Injection
// Window (a busy-to-ready transition is one of the two events that can
// open it).
type readinessRouter struct {
	log      *logging.Logger
	injector *inject.Controller
}

func (r *readinessRouter) ReadyDetected(method string) {
	r.log.ReadyDetected(method)
}

func (r *readinessRouter) ReadinessChanged(state message.ReadinessState) {
	r.log.ReadinessChanged(state)
	safeTrigger(r.injector, r.log)
}

// turnRouter implements hookserver.BroadcastSink: it fans a decoded Turn
// out to the Output Broadcaster and, when enabled, the dev console, then
// re-evaluates the Injection Window (Turn arrival is the other event
// that can open it).
type turnRouter struct {
	bcast    *broadcast.Broadcaster
	dev      *devconsole.Server
	injector *inject.Controller
	log      *logging.Logger
}

func (t *turnRouter) Publish(turn message.Turn) {
	t.bcast.Publish(turn)
	if t.dev != nil {
		t.dev.Publish(turn)
	}
	safeTrigger(t.injector, t.log)
}

// safeTrigger calls the Injection Controller directly rather than
// through a supervised goroutine: Trigger is event-driven, not a
// blocking loop, so there is nothing for workerutil.RunWithPanicRecovery
// to wrap. A local recover keeps a panicking evaluation from crashing
// the caller (a hook connection handler or the readiness poll loop)
// without granting the Injection Controller the restart/backoff
// machinery meant for long-lived loops.
func safeTrigger(injector *inject.Controller, log *logging.Logger) {
	defer func() {
		if r := recover(); r != nil {
			log.Slog().Error("daemon: injection controller panicked", "panic", r)
		}
	}()
	injector.Trigger(context.Background())
}

// Run performs ordered startup, runs every supervised subsystem until
// ctx is cancelled, and then shuts down within shutdownGrace. It returns
// once shutdown has completed.
func (d *Daemon) Run(ctx context.Context) error {
	d.ctx, d.cancel = context.WithCancel(ctx)
	defer d.cancel()

	if err := d.dir.Ensure(); err != nil {
		return fmt.Errorf("daemon: ensure runtime dir: %w", err)
	}

	// The control socket must be listening before the agent is launched:
	// a hook firing immediately after launch needs somewhere to deliver
	// to, and the hook script itself has no retry/backoff of its own
	// (spec §5's note on breaking the startup cycle).
	if err := d.hookSrv.Start(); err != nil {
		return fmt.Errorf("daemon: start hook server: %w", err)
	}
	if err := d.bcast.Start(); err != nil {
		return fmt.Errorf("daemon: start broadcaster: %w", err)
	}
	if d.devConsole != nil {
		if err := d.devConsole.Start(d.ctx); err != nil {
			return fmt.Errorf("daemon: start dev console: %w", err)
		}
	}

	opts := workerutil.RecoveryOptions{IsShutdown: d.shuttingDown.Load}

	workerutil.RunWithPanicRecovery(d.ctx, "watcher", &d.wg, func(ctx context.Context) {
		if err := d.watch.Run(ctx); err != nil {
			d.logger.Slog().Error("daemon: watcher exited", "error", err)
		}
	}, opts)
	workerutil.RunWithPanicRecovery(d.ctx, "watch-dispatch", &d.wg, d.dispatchWatchEvents, opts)
	workerutil.RunWithPanicRecovery(d.ctx, "readiness", &d.wg, d.readinessD.Run, opts)
	workerutil.RunWithPanicRecovery(d.ctx, "stdout-tap", &d.wg, d.tailStdoutTap, opts)
	workerutil.RunWithPanicRecovery(d.ctx, "stdin-tap", &d.wg, d.tailStdinTap, opts)
	workerutil.RunWithPanicRecovery(d.ctx, "mcp", &d.wg, func(ctx context.Context) {
		if err := mcp.Run(ctx, d.mcpManager); err != nil && ctx.Err() == nil {
			d.logger.Slog().Error("daemon: mcp server exited", "error", err)
		}
	}, opts)

	if err := d.supervisor.Start(d.ctx, d.cfg.SessionName); err != nil {
		return fmt.Errorf("daemon: start agent session: %w", err)
	}
	workerutil.RunWithPanicRecovery(d.ctx, "lifecycle", &d.wg, d.supervisor.Run, opts)

	<-d.ctx.Done()
	return d.shutdown()
}

// Shutdown cancels the daemon's context, causing Run to proceed to
// shutdown. Safe to call from a signal handler.
func (d *Daemon) Shutdown() {
	if d.cancel != nil {
		d.cancel()
	}
}

func (d *Daemon) shutdown() error {
	d.shuttingDown.Store(true)

	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(shutdownGrace):
		d.logger.Slog().Warn("daemon: shutdown grace period exceeded, tearing down endpoints anyway")
	}

	// The agent subprocess is deliberately left running: shutdown stops
	// agentmuxd, not the session it supervises (spec §5).
	if err := d.hookSrv.Stop(); err != nil {
		d.logger.Slog().Warn("daemon: hook server stop", "error", err)
	}
	if err := d.bcast.Stop(); err != nil {
		d.logger.Slog().Warn("daemon: broadcaster stop", "error", err)
	}
	if d.devConsole != nil {
		if err := d.devConsole.Stop(); err != nil {
			d.logger.Slog().Warn("daemon: dev console stop", "error", err)
		}
	}
	d.channelMgr.Shutdown()
	d.dir.Cleanup()
	return nil
}

// dispatchWatchEvents routes artifact lifecycle events to the Input
// Channel Manager (in/in.* artifacts) or the MCP tool registry (out.*
// artifacts); it never touches out.* file contents itself.
func (d *Daemon) dispatchWatchEvents(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-d.watch.Events():
			if !ok {
				return
			}
			switch ev.Kind2 {
			case rundir.KindDefaultIn, rundir.KindNamedIn:
				if ev.Kind == watcher.EventRegister {
					d.channelMgr.Register(ctx, ev.Path, ev.Channel)
				} else {
					d.channelMgr.Deregister(ev.Path)
				}
			case rundir.KindNamedOut:
				if ev.Kind == watcher.EventRegister {
					d.mcpRegistry.Register(ev.Channel, ev.Path)
				} else {
					d.mcpRegistry.Deregister(ev.Channel)
				}
			}
		}
	}
}

// tailStdoutTap polls the stdout tap file and feeds byte counts to the
// Readiness Detector, which resets its silence timer on any arrival.
func (d *Daemon) tailStdoutTap(ctx context.Context) {
	tailFile(ctx, d.dir.StdoutTap(), tapPollInterval, d.readinessD.Observe)
}

// tailStdinTap polls the stdin tap file and feeds byte counts to the
// Human Activity Monitor, which treats any arrival as a keystroke.
func (d *Daemon) tailStdinTap(ctx context.Context) {
	tailFile(ctx, d.dir.StdinTap(), tapPollInterval, d.activityMon.Observe)
}

// tailFile polls path for growth every interval and calls observe with
// the number of newly appended bytes each time it grows. It tolerates
// the file not existing yet (the Lifecycle Supervisor creates it only
// once the terminal session is up) by retrying on the same cadence.
func tailFile(ctx context.Context, path string, interval time.Duration, observe func(n int)) {
	var offset int64
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			info, err := os.Stat(path)
			if err != nil {
				continue
			}
			if info.Size() < offset {
				offset = 0 // tap file was recreated (e.g. session restart)
			}
			if info.Size() <= offset {
				continue
			}
			n := int(info.Size() - offset)
			offset = info.Size()
			observe(n)
		}
	}
}

