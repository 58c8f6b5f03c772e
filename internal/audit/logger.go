// Package audit provides best-effort persistence of error and warning
// events. It always writes to the process log and additionally tries
// the log store when one is reachable. It must never fail: its own
// errors are swallowed and only surfaced to the process log.
package audit

import (
	"context"
	"log/slog"
	"time"

	model "github.com/lmoreau/switchboard/backend/internal/model/sync"
	"github.com/lmoreau/switchboard/backend/internal/store"
)

// Entry carries the optional context of one audit event.
type Entry struct {
	Err          error
	UserUUID     string
	Channel      string
	ConnectionID string
	Details      map[string]any
}

// Logger is the engine-wide audit sink.
type Logger struct {
	log   *slog.Logger
	store store.LogStore
	now   func() time.Time
}

// New builds an audit logger. store may be nil.
func New(log *slog.Logger, logStore store.LogStore) *Logger {
	return &Logger{log: log, store: logStore, now: time.Now}
}

// Error records an error-level event.
func (l *Logger) Error(msg string, e Entry) { l.write(slog.LevelError, "error", msg, e) }

// Warn records a warning-level event.
func (l *Logger) Warn(msg string, e Entry) { l.write(slog.LevelWarn, "warning", msg, e) }

func (l *Logger) write(level slog.Level, levelName, msg string, e Entry) {
	defer func() {
		if r := recover(); r != nil {
			l.log.Error("audit logger panicked", "panic", r)
		}
	}()

	attrs := make([]any, 0, 10)
	if e.Err != nil {
		attrs = append(attrs, "err", e.Err)
	}
	if e.UserUUID != "" {
		attrs = append(attrs, "userUuid", e.UserUUID)
	}
	if e.Channel != "" {
		attrs = append(attrs, "channel", e.Channel)
	}
	if e.ConnectionID != "" {
		attrs = append(attrs, "connectionId", e.ConnectionID)
	}
	for k, v := range e.Details {
		attrs = append(attrs, k, v)
	}
	l.log.Log(context.Background(), level, msg, attrs...)

	if l.store == nil || !l.store.Available() {
		return
	}

	rec := model.LogRecord{
		Timestamp:    l.now().UnixMilli(),
		Level:        levelName,
		Message:      msg,
		UserUUID:     e.UserUUID,
		ChannelName:  e.Channel,
		ConnectionID: e.ConnectionID,
		Details:      e.Details,
	}
	if e.Err != nil {
		rec.StackTrace = e.Err.Error()
	}
	if err := l.store.Append(rec); err != nil {
		l.log.Error("failed to persist audit record", "err", err)
	}
}
