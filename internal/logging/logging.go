// Package logging provides the structured logger threaded through the
// engine's constructors instead of a process-wide singleton.
package logging

import (
	"io"
	"os"

	"github.com/charmbracelet/log"
)

// Level mirrors the handful of severities the engine actually emits.
type Level = log.Level

const (
	LevelDebug = log.DebugLevel
	LevelInfo  = log.InfoLevel
	LevelWarn  = log.WarnLevel
	LevelError = log.ErrorLevel
)

// New builds a logger writing to w at the given level, tagged with
// component so multiple subsystems can share one stream and still be
// filtered.
func New(w io.Writer, level Level, component string) *log.Logger {
	l := log.NewWithOptions(w, log.Options{
		ReportTimestamp: true,
		Level:           level,
	})

	return l.With("component", component)
}

// Default returns a logger writing to stderr at info level.
func Default(component string) *log.Logger {
	return New(os.Stderr, LevelInfo, component)
}

// ParseLevel maps a config/flag string to a Level, defaulting to info
// for an unrecognised value.
func ParseLevel(s string) Level {
	lvl, err := log.ParseLevel(s)
	if err != nil {
		return LevelInfo
	}

	return lvl
}
