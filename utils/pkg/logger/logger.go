// Package logger builds the process-wide slog handler. Components never
// touch the slog default; they receive this logger through their Config.
package logger

import (
	"io"
	"log/slog"
	"os"

	"github.com/lmittmann/tint"
)

// New returns the logger the ledger binary runs with: tinted output on
// stderr at info level, or debug when verbose is set.
func New(verbose bool) *slog.Logger {
	level := slog.LevelInfo
	if verbose {
		level = slog.LevelDebug
	}
	return NewWithWriter(os.Stderr, level)
}

// NewWithWriter builds a logger at an explicit level writing to w.
// Timestamps render in UTC with millisecond precision and empty string
// attributes are dropped.
func NewWithWriter(w io.Writer, level slog.Level) *slog.Logger {
	return slog.New(tint.NewHandler(w, &tint.Options{
		Level:      level,
		TimeFormat: "2006-01-02T15:04:05.000Z",
		ReplaceAttr: func(groups []string, a slog.Attr) slog.Attr {
			switch {
			case a.Key == slog.TimeKey && len(groups) == 0:
				a.Value = slog.TimeValue(a.Value.Time().UTC())
			case a.Value.Kind() == slog.KindString && a.Value.String() == "":
				return slog.Attr{}
			}
			return a
		},
	}))
}
