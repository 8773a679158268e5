// Package logging wires up zerolog the way the teacher's go-server-3
// variant wires zap: one process-wide structured logger, level set from
// config, pretty console output optional for local development.
package logging

import (
	"os"

	"github.com/rs/zerolog"
)

// New builds a zerolog.Logger at the given level (parsed via
// zerolog.ParseLevel; an unrecognized level falls back to info). When
// pretty is true, output goes through zerolog's ConsoleWriter instead of
// raw JSON, matching the teacher's "development" logging flag.
func New(level string, pretty bool) zerolog.Logger {
	lvl, err := zerolog.ParseLevel(level)
	if err != nil {
		lvl = zerolog.InfoLevel
	}

	var writer = os.Stderr
	logger := zerolog.New(writer).Level(lvl).With().Timestamp().Logger()
	if pretty {
		logger = zerolog.New(zerolog.ConsoleWriter{Out: writer}).Level(lvl).With().Timestamp().Logger()
	}
	return logger
}
