// Package dblog provides the structured, leveled logging used throughout
// the manager, engine, and pool, following the pack's pkg/log convention:
// a global configured zerolog.Logger with per-component child loggers.
package dblog

import (
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
)

// Logger is the process-wide base logger. Init configures it; components
// derive their own via WithComponent.
var Logger = zerolog.New(os.Stderr).With().Timestamp().Logger()

// Config controls level and output formatting.
type Config struct {
	Level  string // debug|info|warn|error
	Format string // json|console
	Output io.Writer
}

// Init reconfigures the global Logger from Config. Unset fields fall back
// to info level, json format, stderr.
func Init(cfg Config) {
	level, err := zerolog.ParseLevel(cfg.Level)
	if err != nil || cfg.Level == "" {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)

	out := cfg.Output
	if out == nil {
		out = os.Stderr
	}

	if cfg.Format == "console" {
		Logger = zerolog.New(zerolog.ConsoleWriter{Out: out, TimeFormat: time.RFC3339}).
			With().Timestamp().Logger()
		return
	}
	Logger = zerolog.New(out).With().Timestamp().Logger()
}

// WithComponent returns a child logger tagging every entry with component.
func WithComponent(component string) zerolog.Logger {
	return Logger.With().Str("component", component).Logger()
}
