// Package logging builds the process-wide zerolog logger from config.
package logging

import (
	"os"
	"strings"

	"github.com/rs/zerolog"
)

// New constructs a logger for the named service. Format "console" gives
// human-readable output for local runs; anything else emits JSON lines.
func New(service, level, format string) zerolog.Logger {
	lvl, err := zerolog.ParseLevel(strings.ToLower(level))
	if err != nil {
		lvl = zerolog.InfoLevel
	}

	var logger zerolog.Logger
	if strings.EqualFold(format, "console") || strings.EqualFold(format, "pretty") {
		logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr})
	} else {
		logger = zerolog.New(os.Stderr)
	}

	return logger.Level(lvl).With().
		Timestamp().
		Str("service", service).
		Logger()
}
