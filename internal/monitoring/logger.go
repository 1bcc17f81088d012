// Package monitoring holds the process-wide diagnostic logger. It defaults to
// a zerolog writer on stderr and may be replaced or muted with SetLogger, so
// tests can silence transport noise.
package monitoring

import (
	"io"
	"os"

	"github.com/rs/zerolog"
)

// Log is the package-level logger used across the ingestion pipeline.
var Log = newLogger(os.Stderr, zerolog.InfoLevel)

// Setup configures the package logger for the given level name. Unknown level
// names fall back to info.
func Setup(level string) {
	lvl, err := zerolog.ParseLevel(level)
	if err != nil {
		lvl = zerolog.InfoLevel
	}
	Log = newLogger(os.Stderr, lvl)
}

// SetLogger replaces the package logger. A zerolog.Nop() logger mutes all
// output.
func SetLogger(l zerolog.Logger) {
	Log = l
}

// Mute silences the package logger. Intended for tests.
func Mute() {
	Log = zerolog.Nop()
}

func newLogger(w io.Writer, lvl zerolog.Level) zerolog.Logger {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	return zerolog.New(w).With().Timestamp().Logger().Level(lvl)
}
