// Package obs holds process-wide logging and metrics.
package obs

import (
	"io"
	"os"
	"strings"
	"time"

	"github.com/mattn/go-isatty"
	"github.com/rs/zerolog"
)

type Fields map[string]any

var base = newLogger(os.Stderr)

func newLogger(w io.Writer) zerolog.Logger {
	if f, ok := w.(*os.File); ok && isatty.IsTerminal(f.Fd()) {
		w = zerolog.ConsoleWriter{Out: f, TimeFormat: time.TimeOnly}
	}
	return zerolog.New(w).With().Timestamp().Logger().Level(zerolog.InfoLevel)
}

// SetOutput redirects logs to w, keeping the current level.
func SetOutput(w io.Writer) {
	lvl := base.GetLevel()
	base = newLogger(w).Level(lvl)
}

// SetLevel sets the minimum level by name. Unknown names leave it unchanged
// and return false.
func SetLevel(name string) bool {
	lvl, err := zerolog.ParseLevel(strings.ToLower(strings.TrimSpace(name)))
	if err != nil || lvl == zerolog.NoLevel {
		return false
	}
	base = base.Level(lvl)
	return true
}

// EnableDebug is shorthand for SetLevel("debug").
func EnableDebug(v bool) {
	if v {
		base = base.Level(zerolog.DebugLevel)
	}
}

func logWith(ev *zerolog.Event, msg string, f Fields) {
	if f != nil {
		ev = ev.Fields(map[string]any(f))
	}
	ev.Msg(msg)
}

func Info(msg string, f Fields)  { logWith(base.Info(), msg, f) }
func Warn(msg string, f Fields)  { logWith(base.Warn(), msg, f) }
func Error(msg string, f Fields) { logWith(base.Error(), msg, f) }
func Debug(msg string, f Fields) { logWith(base.Debug(), msg, f) }
