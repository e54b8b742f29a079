package logging

import (
	"fmt"
	"log/slog"
	"os"
	"strings"
)

// New constructs a slog.Logger from a level name and output format
// ("text" or "json").
func New(level, format string) (*slog.Logger, error) {
	opts := &slog.HandlerOptions{Level: levelFromString(level)}

	switch format {
	case "json":
		return slog.New(slog.NewJSONHandler(os.Stdout, opts)), nil
	case "text", "":
		return slog.New(slog.NewTextHandler(os.Stdout, opts)), nil
	default:
		return nil, fmt.Errorf("unsupported log format: %s", format)
	}
}

func levelFromString(value string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "error":
		return slog.LevelError
	case "warn", "warning":
		return slog.LevelWarn
	case "debug":
		return slog.LevelDebug
	default:
		return slog.LevelInfo
	}
}
