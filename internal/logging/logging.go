// Package logging wires the module's structured logger. Grounded on
// cuemby-warren's pkg/log: one global zerolog.Logger configured once
// at startup, with per-component child loggers handed to the
// background workers that need one (deletion queue, manifest writer,
// timeline manager).
package logging

import (
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
)

// Logger is the process-wide logger, configured by Init.
var Logger zerolog.Logger

// Level is a coarse logging verbosity selector, matching what a YAML
// config file would set.
type Level string

const (
	DebugLevel Level = "debug"
	InfoLevel  Level = "info"
	WarnLevel  Level = "warn"
	ErrorLevel Level = "error"
)

// Config configures the global logger.
type Config struct {
	Level      Level
	JSONOutput bool
	Output     io.Writer
}

// Init configures the global Logger. Safe to call once at process
// startup before any component logger is derived from it.
func Init(cfg Config) {
	var level zerolog.Level
	switch cfg.Level {
	case DebugLevel:
		level = zerolog.DebugLevel
	case WarnLevel:
		level = zerolog.WarnLevel
	case ErrorLevel:
		level = zerolog.ErrorLevel
	default:
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)

	output := cfg.Output
	if output == nil {
		output = os.Stdout
	}

	if cfg.JSONOutput {
		Logger = zerolog.New(output).With().Timestamp().Logger()
	} else {
		Logger = zerolog.New(zerolog.ConsoleWriter{
			Out:        output,
			TimeFormat: time.RFC3339,
		}).With().Timestamp().Logger()
	}
}

func init() {
	// A usable default before Init runs, so packages that derive a
	// component logger at construction time (before cmd/pageserver
	// calls Init) don't panic on a zero-value Logger.
	Logger = zerolog.New(os.Stderr).With().Timestamp().Logger()
}

// WithComponent returns a child logger tagged with a component name,
// e.g. "deletion-frontend" or "timeline-manager".
func WithComponent(component string) zerolog.Logger {
	return Logger.With().Str("component", component).Logger()
}

// WithTenant returns a child logger tagged with a tenant id.
func WithTenant(logger zerolog.Logger, tenantID string) zerolog.Logger {
	return logger.With().Str("tenant_id", tenantID).Logger()
}

// WithTimeline returns a child logger tagged with tenant and timeline
// ids.
func WithTimeline(logger zerolog.Logger, tenantID, timelineID string) zerolog.Logger {
	return logger.With().Str("tenant_id", tenantID).Str("timeline_id", timelineID).Logger()
}
