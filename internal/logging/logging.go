// Package logging builds the structured zerolog logger shared across the
// pipeline, streaming, backfill, and resubscribe components, and provides
// the goroutine panic-recovery helper every long-running background loop
// defers.
package logging

import (
	"io"
	"os"
	"runtime/debug"
	"time"

	"github.com/rs/zerolog"
)

// Config selects level and output shape.
type Config struct {
	Level  string // debug|info|warn|error
	Format string // json|text|pretty
}

// New builds a zerolog.Logger configured per cfg. Unrecognized levels
// fall back to info.
func New(cfg Config, service string) zerolog.Logger {
	var output io.Writer = os.Stdout

	level, err := zerolog.ParseLevel(cfg.Level)
	if err != nil {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)

	if cfg.Format == "pretty" || cfg.Format == "text" {
		output = zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339}
	}

	return zerolog.New(output).With().
		Timestamp().
		Caller().
		Str("service", service).
		Logger()
}

// RecoverPanic logs and swallows a recovered panic so one goroutine's
// crash cannot take the process down; callers defer it as the first
// statement of every background loop (consumer, periodic flush,
// heartbeat monitor, receive loop, resubscribe sweep).
func RecoverPanic(logger zerolog.Logger, goroutine string, fields map[string]any) {
	if r := recover(); r != nil {
		event := logger.Error().
			Str("goroutine", goroutine).
			Interface("panic_value", r).
			Str("stack_trace", string(debug.Stack()))
		for k, v := range fields {
			event = event.Interface(k, v)
		}
		event.Msg("goroutine panic recovered, continuing")
	}
}
