// Package corelog pins the logging facade used throughout wfcore to a single
// concrete backend, so call sites never have to spell out logiface's
// generic Event parameter.
//
// The facade is github.com/joeycumines/logiface; the backend is
// github.com/joeycumines/izerolog over github.com/rs/zerolog, the same
// pairing used elsewhere in this dependency family (logiface also ships
// logrus and slog backends - zerolog is simply the one this module picks).
package corelog

import (
	"io"
	"os"

	"github.com/joeycumines/izerolog"
	"github.com/joeycumines/logiface"
	"github.com/rs/zerolog"
)

// Logger is the concrete logger type used by every component in this module.
type Logger = *logiface.Logger[*izerolog.Event]

// New builds a Logger writing newline-delimited JSON to w at the given
// level. A nil w defaults to os.Stderr.
func New(w io.Writer, level logiface.Level) Logger {
	if w == nil {
		w = os.Stderr
	}
	zl := zerolog.New(w).With().Timestamp().Logger()
	return izerolog.L.New(
		izerolog.L.WithZerolog(zl),
		izerolog.L.WithLevel(level),
	)
}

// Nop returns a Logger with logging disabled, suitable for tests and for
// embedders that don't want this module's log output.
func Nop() Logger {
	return izerolog.L.New(
		izerolog.L.WithZerolog(zerolog.Nop()),
		izerolog.L.WithLevel(logiface.LevelDisabled),
	)
}
