// Package logging centralizes zerolog setup for the engine.
//
// Every component obtains its logger through WithComponent so log lines
// carry a consistent "component" field; nothing in the engine writes to
// stdout/stderr directly.
package logging

import (
	"os"
	"sync"

	"github.com/rs/zerolog"
)

// Config controls global logger initialization.
type Config struct {
	// Level is one of zerolog's level strings: "debug", "info", "warn",
	// "error", "fatal", "disabled".
	Level string

	// Console, when true, renders human-readable output instead of JSON.
	Console bool
}

var (
	once    sync.Once
	base    zerolog.Logger
	initted bool
)

// Init configures the process-wide base logger. Safe to call once; later
// calls are ignored so a host embedding multiple engine instances doesn't
// fight over global state.
func Init(cfg Config) {
	once.Do(func() {
		level, err := zerolog.ParseLevel(cfg.Level)
		if err != nil {
			level = zerolog.InfoLevel
		}

		var w = os.Stderr
		var writer zerolog.ConsoleWriter
		if cfg.Console {
			writer = zerolog.ConsoleWriter{Out: w, TimeFormat: "15:04:05"}
			base = zerolog.New(writer).Level(level).With().Timestamp().Logger()
		} else {
			base = zerolog.New(w).Level(level).With().Timestamp().Logger()
		}
		initted = true
	})
}

// WithComponent returns a logger tagged with the given component name.
// If Init was never called, a sane default (info level, console) is used
// so tests and tools don't need to remember to call Init first.
func WithComponent(name string) zerolog.Logger {
	if !initted {
		Init(Config{Level: "info", Console: true})
	}
	return base.With().Str("component", name).Logger()
}
