package logger

import (
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/lmittmann/tint"
	"golang.org/x/term"
)

// Configure installs the process-wide logger. Output always goes to stderr
// so that command output on stdout stays machine readable.
func Configure(levelStr string, env string) {
	slog.SetDefault(New(os.Stderr, levelStr, env, isTerminal(os.Stderr)))
}

// New builds a logger writing to w. env "dev" selects the colored text
// handler, "prod" selects JSON, and "auto" picks text when w is a terminal.
func New(w io.Writer, levelStr string, env string, tty bool) *slog.Logger {
	level := parseLogLevel(levelStr)
	var handler slog.Handler

	if useText(env, tty) {
		handler = tint.NewHandler(w, &tint.Options{
			Level:      level,
			TimeFormat: time.TimeOnly,
			NoColor:    !tty,
		})
	} else {
		handler = slog.NewJSONHandler(w, &slog.HandlerOptions{Level: level})
	}
	return slog.New(handler)
}

func useText(env string, tty bool) bool {
	switch env {
	case "dev", "development":
		return true
	case "prod", "production", "json":
		return false
	default:
		return tty
	}
}

func isTerminal(f *os.File) bool {
	return term.IsTerminal(int(f.Fd()))
}

func parseLogLevel(level string) slog.Level {
	switch level {
	case "debug":
		return slog.LevelDebug
	case "info":
		return slog.LevelInfo
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
