package call

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/pion/logging"
)

// levelTrace sits below debug; pion's trace output is very chatty.
const levelTrace = slog.LevelDebug - 4

// NewSlogLoggerFactory routes pion's internal logging into log. Each pion
// scope (ice, dtls, pc, ...) becomes a "scope" attribute.
func NewSlogLoggerFactory(log *slog.Logger) logging.LoggerFactory {
	if log == nil {
		log = slog.Default()
	}
	return slogLoggerFactory{log: log}
}

type slogLoggerFactory struct {
	log *slog.Logger
}

func (f slogLoggerFactory) NewLogger(scope string) logging.LeveledLogger {
	return slogLeveledLogger{log: f.log.With("scope", "pion/"+scope)}
}

type slogLeveledLogger struct {
	log *slog.Logger
}

func (l slogLeveledLogger) logf(level slog.Level, format string, args ...interface{}) {
	ctx := context.Background()
	if !l.log.Enabled(ctx, level) {
		return
	}
	l.log.Log(ctx, level, fmt.Sprintf(format, args...))
}

func (l slogLeveledLogger) Trace(msg string) { l.log.Log(context.Background(), levelTrace, msg) }
func (l slogLeveledLogger) Tracef(format string, args ...interface{}) {
	l.logf(levelTrace, format, args...)
}
func (l slogLeveledLogger) Debug(msg string) { l.log.Debug(msg) }
func (l slogLeveledLogger) Debugf(format string, args ...interface{}) {
	l.logf(slog.LevelDebug, format, args...)
}
func (l slogLeveledLogger) Info(msg string) { l.log.Info(msg) }
func (l slogLeveledLogger) Infof(format string, args ...interface{}) {
	l.logf(slog.LevelInfo, format, args...)
}
func (l slogLeveledLogger) Warn(msg string) { l.log.Warn(msg) }
func (l slogLeveledLogger) Warnf(format string, args ...interface{}) {
	l.logf(slog.LevelWarn, format, args...)
}
func (l slogLeveledLogger) Error(msg string) { l.log.Error(msg) }
func (l slogLeveledLogger) Errorf(format string, args ...interface{}) {
	l.logf(slog.LevelError, format, args...)
}
