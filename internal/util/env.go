// Package util provides environment parsing helpers shared by the commands.
package util

import (
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/caarlos0/env/v11"
)

// Environ snapshots the process environment for ParseEnvFrom.
func Environ() map[string]string {
	return env.ToMap(os.Environ())
}

// ParseEnvFrom fills target, a pointer to a struct tagged with `env:"..."`,
// from vars.
func ParseEnvFrom(target any, vars map[string]string) error {
	if err := env.ParseWithOptions(target, env.Options{Environment: vars}); err != nil {
		return fmt.Errorf("parse env: %w", err)
	}
	return nil
}

// ParseLogLevel maps debug/info/warn/error to a slog level. Unknown values
// fall back to info.
func ParseLogLevel(s string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return slog.LevelDebug
	case "", "info":
		return slog.LevelInfo
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		slog.Warn("ParseLogLevel: unknown level, using info", "value", s)
		return slog.LevelInfo
	}
}
