package util

import (
	"context"
	"log/slog"
)

// LevelTrace sits just above Info so that scheduling decisions can be
// captured without enabling debug output of the whole process.
const LevelTrace slog.Level = slog.LevelInfo + 1

// Trace logs a scheduling event at LevelTrace.
func Trace(msg string, args ...any) {
	slog.Log(context.Background(), LevelTrace, msg, args...)
}
