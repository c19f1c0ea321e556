package app

import (
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/mattn/go-isatty"
)

// Logger is the app-wide logger type.
type Logger = *slog.Logger

// NewLogger builds the process logger and installs it as the slog default.
// format is "json" (default) or "pretty" for local development.
func NewLogger(level, format string) *slog.Logger {
	return newLogger(os.Stdout, level, format)
}

func newLogger(w io.Writer, level, format string) *slog.Logger {
	opts := &slog.HandlerOptions{
		Level:       parseLogLevel(level),
		AddSource:   true,
		ReplaceAttr: redactAttr,
	}

	var h slog.Handler
	if strings.EqualFold(strings.TrimSpace(format), "pretty") {
		h = newPrettyHandler(w, opts, colorEnabled(w))
	} else {
		h = slog.NewJSONHandler(w, opts)
	}

	log := slog.New(h)
	slog.SetDefault(log)
	return log
}

func parseLogLevel(level string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// colorEnabled honours NO_COLOR and only colours real terminals.
func colorEnabled(w io.Writer) bool {
	if _, off := os.LookupEnv("NO_COLOR"); off {
		return false
	}
	f, ok := w.(*os.File)
	if !ok {
		return false
	}
	return isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd())
}

// sensitiveKeys never reach a log sink with their value.
var sensitiveKeys = map[string]struct{}{
	"password":      {},
	"current":       {},
	"new":           {},
	"token":         {},
	"cookie":        {},
	"authorization": {},
	"code":          {},
	"verifier":      {},
	"secret":        {},
}

// redactAttr replaces values of sensitive keys. Handlers are the last line;
// call sites already avoid logging credentials.
func redactAttr(_ []string, a slog.Attr) slog.Attr {
	if _, ok := sensitiveKeys[strings.ToLower(a.Key)]; ok {
		return slog.String(a.Key, "[redacted]")
	}
	return a
}
