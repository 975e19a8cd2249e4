// Package monitoring carries the gateway's logging, alerts, counters and the
// JSONL turn log.
//
// DESIGN: logger.go is a thin wrapper around zerolog:
//   - level, format (json/console) and output (stdout/stderr/file) come from LoggerConfig
//   - Global() installs the logger as zerolog's package logger
//   - the request (correlation) id travels in the context
package monitoring

import (
	"context"
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

type contextKey string

// RequestIDKey holds the correlation id of the current request.
const RequestIDKey contextKey = "request_id"

// Logger wraps zerolog.Logger.
type Logger struct {
	zl zerolog.Logger
}

// New builds a logger from cfg. An unknown level means info; an output file
// that cannot be opened falls back to stderr with a warning.
func New(cfg LoggerConfig) *Logger {
	zerolog.TimeFieldFormat = time.RFC3339

	level, err := zerolog.ParseLevel(strings.ToLower(cfg.Level))
	if err != nil || cfg.Level == "" {
		level = zerolog.InfoLevel
	}

	out, openErr := openOutput(cfg.Output)
	if strings.EqualFold(cfg.Format, "console") {
		out = zerolog.ConsoleWriter{Out: out, TimeFormat: "15:04:05"}
	}

	l := &Logger{zl: zerolog.New(out).Level(level).With().Timestamp().Logger()}
	if openErr != nil {
		l.zl.Warn().Err(openErr).Str("output", cfg.Output).Msg("log file unavailable, using stderr")
	}
	return l
}

func openOutput(output string) (io.Writer, error) {
	switch strings.ToLower(output) {
	case "", "stdout":
		return os.Stdout, nil
	case "stderr":
		return os.Stderr, nil
	}
	f, err := os.OpenFile(output, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o600)
	if err != nil {
		return os.Stderr, err
	}
	return f, nil
}

// Global installs the logger as zerolog's package logger.
func Global(cfg LoggerConfig) *Logger {
	l := New(cfg)
	log.Logger = l.zl
	return l
}

// Level returns the minimum level the logger emits.
func (l *Logger) Level() zerolog.Level { return l.zl.GetLevel() }

// Debug returns a debug event.
func (l *Logger) Debug() *zerolog.Event { return l.zl.Debug() }

// Info returns an info event.
func (l *Logger) Info() *zerolog.Event { return l.zl.Info() }

// Warn returns a warn event.
func (l *Logger) Warn() *zerolog.Event { return l.zl.Warn() }

// Error returns an error event.
func (l *Logger) Error() *zerolog.Event { return l.zl.Error() }

// Fatal returns a fatal event.
func (l *Logger) Fatal() *zerolog.Event { return l.zl.Fatal() }

// Nop returns a logger that discards everything.
func Nop() *Logger {
	return &Logger{zl: zerolog.Nop()}
}

// FromGlobal wraps zerolog's package logger.
func FromGlobal() *Logger {
	return &Logger{zl: log.Logger}
}

// RequestIDFromContext retrieves the request ID from context.
func RequestIDFromContext(ctx context.Context) string {
	if id, ok := ctx.Value(RequestIDKey).(string); ok {
		return id
	}
	return ""
}

// WithRequestIDContext returns a new context with the request ID.
func WithRequestIDContext(ctx context.Context, requestID string) context.Context {
	return context.WithValue(ctx, RequestIDKey, requestID)
}
