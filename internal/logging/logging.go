// Package logging builds the process logger from the configured verbosity.
package logging

import (
	"io"
	"log/slog"
	"os"
	"strings"
)

// Verbosity levels accepted by VERBOSITY.
const (
	VerbosityQuiet   = "quiet"
	VerbosityNormal  = "normal"
	VerbosityVerbose = "verbose"
	VerbosityDebug   = "debug"
)

// NormalizeVerbosity maps aliases onto the canonical levels. Unknown values
// return ok=false.
func NormalizeVerbosity(v string) (string, bool) {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "", VerbosityNormal:
		return VerbosityNormal, true
	case VerbosityQuiet:
		return VerbosityQuiet, true
	case VerbosityVerbose, "high":
		return VerbosityVerbose, true
	case VerbosityDebug:
		return VerbosityDebug, true
	default:
		return "", false
	}
}

// Level returns the slog level for a verbosity.
func Level(verbosity string) slog.Level {
	v, _ := NormalizeVerbosity(verbosity)
	switch v {
	case VerbosityQuiet:
		return slog.LevelWarn
	case VerbosityVerbose, VerbosityDebug:
		return slog.LevelDebug
	default:
		return slog.LevelInfo
	}
}

// New returns a logger writing to w (stderr when nil). format is "text" or
// "json".
func New(verbosity, format string, w io.Writer) *slog.Logger {
	if w == nil {
		w = os.Stderr
	}
	v, _ := NormalizeVerbosity(verbosity)
	opts := &slog.HandlerOptions{
		Level:     Level(v),
		AddSource: v == VerbosityDebug,
	}
	var h slog.Handler
	if strings.EqualFold(strings.TrimSpace(format), "json") {
		h = slog.NewJSONHandler(w, opts)
	} else {
		h = slog.NewTextHandler(w, opts)
	}
	return slog.New(h)
}

// Discard returns a logger that drops everything. Useful in tests.
func Discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}
