// Package logger constructs the process-wide zerolog logger. Components
// receive it by value and derive sub-loggers via With().
package logger

import (
	"io"
	"os"

	"github.com/rs/zerolog"
)

// New builds a logger writing to stderr. format is "json" or "text";
// unknown levels fall back to info.
func New(level, format string) zerolog.Logger {
	return NewWithWriter(level, format, os.Stderr)
}

// NewWithWriter is New with an explicit sink, used by tests.
func NewWithWriter(level, format string, w io.Writer) zerolog.Logger {
	lvl, err := zerolog.ParseLevel(level)
	if err != nil {
		lvl = zerolog.InfoLevel
	}
	if format == "text" {
		cw := zerolog.NewConsoleWriter()
		cw.Out = w
		return zerolog.New(cw).Level(lvl).With().Timestamp().Logger()
	}
	return zerolog.New(w).Level(lvl).With().Timestamp().Logger()
}
