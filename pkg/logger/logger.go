// Package logger adapts slog to the logging interfaces of third-party libraries.
package logger

import (
	"log/slog"

	"github.com/robfig/cron/v3"
)

type cronLogger struct {
	log *slog.Logger
}

// Cron returns a cron.Logger that writes through log. Cron's routine
// schedule chatter goes to debug level.
func Cron(log *slog.Logger) cron.Logger {
	if log == nil {
		log = slog.New(slog.DiscardHandler)
	}
	return cronLogger{log: log.With("component", "cron")}
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.log.Debug(msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.log.Error(msg, append([]interface{}{"error", err}, keysAndValues...)...)
}
