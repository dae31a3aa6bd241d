package config

import (
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/lmittmann/tint"
	slogmulti "github.com/samber/slog-multi"
)

// SetupLogger builds the process logger. Development uses colored tint
// output on stderr; other environments log JSON. When logFile is set, a JSON
// copy of every record is appended to it as well.
// The returned cleanup closes the file.
func SetupLogger(cfg LogConfig, development bool) (*slog.Logger, func() error) {
	stderrHandler := consoleHandler(os.Stderr, cfg.Level, development)

	if cfg.File == "" {
		return slog.New(stderrHandler), func() error { return nil }
	}

	file, err := os.OpenFile(cfg.File, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		slog.Error("failed to open log file, using stderr only", "error", err, "file", cfg.File)
		return slog.New(stderrHandler), func() error { return nil }
	}

	fileHandler := slog.NewJSONHandler(file, &slog.HandlerOptions{Level: cfg.Level})
	logger := slog.New(slogmulti.Fanout(stderrHandler, fileHandler))

	return logger, file.Close
}

// SetupLoggerWithWriters creates a fanout logger over custom writers (for testing).
func SetupLoggerWithWriters(console, file io.Writer, level slog.Level, development bool) *slog.Logger {
	fileHandler := slog.NewJSONHandler(file, &slog.HandlerOptions{Level: level})
	return slog.New(slogmulti.Fanout(consoleHandler(console, level, development), fileHandler))
}

func consoleHandler(w io.Writer, level slog.Level, development bool) slog.Handler {
	if development {
		return tint.NewHandler(w, &tint.Options{
			Level:      level,
			TimeFormat: time.RFC3339,
		})
	}
	return slog.NewJSONHandler(w, &slog.HandlerOptions{Level: level})
}
