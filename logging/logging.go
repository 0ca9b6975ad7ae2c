// Package logging builds the exporter's slog logger: text on stdout, plus
// rotated JSON in a log file when one is configured.
package logging

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	slogmulti "github.com/samber/slog-multi"
	"gopkg.in/natefinch/lumberjack.v2"
)

// Log file rotation limits.
const (
	MaxSizeMB  = 10
	MaxBackups = 3
)

// ParseLevel maps debug, info, warn (or warning) and error onto slog levels.
func ParseLevel(name string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "debug":
		return slog.LevelDebug, nil
	case "", "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	}
	return slog.LevelInfo, fmt.Errorf("unknown log level %q", name)
}

// Setup returns a logger writing text to console. With a non-empty logFile
// every record is also written as JSON to a size-rotated file. The returned
// cleanup closes the file.
func Setup(console io.Writer, level slog.Level, logFile string) (*slog.Logger, func() error, error) {
	opts := &slog.HandlerOptions{Level: level}
	cleanup := func() error { return nil }

	if logFile == "" {
		return slog.New(slog.NewTextHandler(console, opts)), cleanup, nil
	}

	dir := filepath.Dir(logFile)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, cleanup, fmt.Errorf("failed to create log directory %q: %w", dir, err)
	}

	rotator := &lumberjack.Logger{
		Filename:   logFile,
		MaxSize:    MaxSizeMB,
		MaxBackups: MaxBackups,
	}
	handler := slogmulti.Fanout(
		slog.NewTextHandler(console, opts),
		slog.NewJSONHandler(rotator, opts),
	)
	return slog.New(handler), rotator.Close, nil
}
