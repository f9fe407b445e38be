// Package logging configures the structured loggers used across the
// subscription core.
package logging

import (
	"os"
	"time"

	"github.com/rs/zerolog"
)

// New creates the root logger for a named, versioned binary.
func New(service, version string) zerolog.Logger {
	zerolog.TimeFieldFormat = time.RFC3339

	logger := zerolog.New(os.Stdout).With().
		Timestamp().
		Str("service", service).
		Str("version", version).
		Logger()

	return logger
}

// NewFromLevel creates a logger honoring a string level, falling back to
// info on a parse failure.
func NewFromLevel(service, version, level, format string) zerolog.Logger {
	logLevel, err := zerolog.ParseLevel(level)
	if err != nil {
		logLevel = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(logLevel)

	var base zerolog.Logger
	if format == "console" || format == "pretty" {
		output := zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339}
		base = zerolog.New(output)
	} else {
		base = zerolog.New(os.Stdout)
	}

	return base.With().
		Timestamp().
		Str("service", service).
		Str("version", version).
		Logger()
}

// WithComponent returns a logger tagged with the owning component name.
func WithComponent(logger zerolog.Logger, component string) zerolog.Logger {
	return logger.With().Str("component", component).Logger()
}
