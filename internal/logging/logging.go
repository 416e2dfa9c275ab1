// Package logging builds the process logger and the per-component loggers
// derived from it.
package logging

import (
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// logger fields
const (
	COMPONENT = "component"
	USER      = "user"
	CONN      = "conn"
	EVENT     = "event"
	ROOM      = "room"
	PEER      = "peer"
	MESSAGE   = "message"
)

func init() {
	zerolog.TimeFieldFormat = time.RFC3339Nano
}

// New returns a logger writing to w at the named level. format "console"
// produces human readable output, anything else JSON lines.
func New(w io.Writer, level, format string) zerolog.Logger {
	if w == nil {
		w = os.Stdout
	}
	if strings.EqualFold(format, "console") {
		w = zerolog.ConsoleWriter{Out: w, TimeFormat: time.RFC3339}
	}
	return zerolog.New(w).With().Timestamp().Logger().Level(ParseLevel(level))
}

// ParseLevel maps DEBUG/INFO/WARN/ERROR (any case) onto zerolog levels,
// defaulting to INFO.
func ParseLevel(level string) zerolog.Level {
	switch strings.ToUpper(strings.TrimSpace(level)) {
	case "DEBUG":
		return zerolog.DebugLevel
	case "WARN", "WARNING":
		return zerolog.WarnLevel
	case "ERROR":
		return zerolog.ErrorLevel
	case "DISABLED", "OFF":
		return zerolog.Disabled
	default:
		return zerolog.InfoLevel
	}
}

// Component returns a child of parent tagged with component=name.
func Component(parent zerolog.Logger, name string) zerolog.Logger {
	return parent.With().Str(COMPONENT, name).Logger()
}
