// Package logging implements the Logger (spec §4.11): one structured
// slog record per significant occurrence, teed into an embedded SQLite
// events table so restart history, suppression reasons, and per-channel
// counts can be queried after the fact without re-parsing log files.
package logging

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/dustin/go-humanize"
	_ "modernc.org/sqlite"

	"agentmux/internal/message"
)

// Event names, matching the stable schema from spec §4.11.
const (
	EventChannelRegister   = "channel_register"
	EventChannelDeregister = "channel_deregister"
	EventMessageReceived   = "message_received"
	EventParseFailed       = "parse_failed"
	EventMessageInjected   = "message_injected"
	EventReadyDetected     = "ready_detected"
	EventReadinessChanged  = "readiness_changed"
	EventBroadcastSent     = "broadcast_sent"
	EventToolCalled        = "tool_called"
	EventProcessCrash      = "process_crash"
	EventProcessRestart    = "process_restart"
	EventSuppressed        = "suppressed"
)

// Logger persists events to an embedded SQLite database and exposes a
// *slog.Logger teed into that persistence for every record at or above
// slog.LevelInfo.
type Logger struct {
	db  *sql.DB
	log *slog.Logger
}

// Open opens (creating if necessary) the events database at dbPath and
// wraps base in a TeeHandler that additionally persists every record at
// or above slog.LevelInfo.
func Open(dbPath string, base slog.Handler) (*Logger, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("logging: open %s: %w", dbPath, err)
	}
	if _, err := db.Exec(`CREATE TABLE IF NOT EXISTS events (
		id    INTEGER PRIMARY KEY AUTOINCREMENT,
		ts    INTEGER NOT NULL,
		event TEXT NOT NULL,
		data  TEXT NOT NULL
	)`); err != nil {
		db.Close()
		return nil, fmt.Errorf("logging: create schema: %w", err)
	}

	l := &Logger{db: db}
	l.log = slog.New(NewTeeHandler(base, slog.LevelInfo, l.teeLogRecord))
	return l, nil
}

// Close closes the underlying database.
func (l *Logger) Close() error {
	return l.db.Close()
}

// Slog returns the *slog.Logger daemon components should log through.
func (l *Logger) Slog() *slog.Logger {
	return l.log
}

func (l *Logger) teeLogRecord(ts time.Time, level slog.Level, msg, group string) {
	l.insert("log", map[string]any{
		"level": level.String(),
		"msg":   msg,
		"group": group,
	})
}

func (l *Logger) insert(event string, fields map[string]any) {
	data, err := json.Marshal(fields)
	if err != nil {
		return
	}
	if _, err := l.db.Exec(`INSERT INTO events(ts, event, data) VALUES (?, ?, ?)`,
		time.Now().Unix(), event, string(data)); err != nil {
		fmt.Printf("logging: insert event %s failed: %v\n", event, err)
	}
}

// The methods below satisfy the various per-component Sink interfaces
// (internal/channelmgr.EventSink, internal/readiness.Sink,
// internal/inject.Sink, internal/broadcast.Sink) so a single Logger can
// back every component's event reporting.

func (l *Logger) ChannelRegistered(path string) {
	l.insert(EventChannelRegister, map[string]any{"path": path})
	l.log.Info("channel registered", "path", path)
}

func (l *Logger) ChannelDeregistered(path string) {
	l.insert(EventChannelDeregister, map[string]any{"path": path})
	l.log.Info("channel deregistered", "path", path)
}

func (l *Logger) MessageReceived(channel string, contentLen int) {
	l.insert(EventMessageReceived, map[string]any{"channel": channel, "content_len": contentLen})
	l.log.Debug("message received", "channel", channel, "size", humanize.Bytes(uint64(contentLen)))
}

func (l *Logger) ParseFailed(path string, err error) {
	l.insert(EventParseFailed, map[string]any{"path": path, "error": err.Error()})
	l.log.Warn("line parse failed", "path", path, "error", err)
}

func (l *Logger) MessageInjected(count int) {
	l.insert(EventMessageInjected, map[string]any{"message_count": count})
	l.log.Info("messages injected", "count", count)
}

func (l *Logger) Suppressed(reason message.SuppressReason) {
	l.insert(EventSuppressed, map[string]any{"reason": string(reason)})
	l.log.Debug("injection suppressed", "reason", reason)
}

func (l *Logger) ReadyDetected(method string) {
	l.insert(EventReadyDetected, map[string]any{"method": method})
}

func (l *Logger) ReadinessChanged(state message.ReadinessState) {
	l.insert(EventReadinessChanged, map[string]any{"state": state.String()})
	l.log.Info("readiness changed", "state", state)
}

func (l *Logger) BroadcastSent(subscriberCount int) {
	l.insert(EventBroadcastSent, map[string]any{"subscriber_count": subscriberCount})
	l.log.Debug("turn broadcast", "subscribers", subscriberCount)
}

func (l *Logger) ToolCalled(channel string, messageLen int) {
	l.insert(EventToolCalled, map[string]any{"channel": channel, "message_len": messageLen})
	l.log.Info("tool called", "channel", channel, "size", humanize.Bytes(uint64(messageLen)))
}

func (l *Logger) ProcessCrash(pid int) {
	l.insert(EventProcessCrash, map[string]any{"pid": pid})
	l.log.Warn("agent process crash detected", "pid", pid)
}

func (l *Logger) ProcessRestart(restartCount int, backoffSeconds float64) {
	l.insert(EventProcessRestart, map[string]any{
		"restart_count":   restartCount,
		"backoff_seconds": backoffSeconds,
	})
	l.log.Warn("agent process restarted",
		"restart_count", humanize.Comma(int64(restartCount)),
		"backoff", time.Duration(backoffSeconds*float64(time.Second)))
}
