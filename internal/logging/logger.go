// Package logging builds the zap loggers used by the relaydoc commands.
package logging

import (
	"fmt"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

const (
	LevelDebug = "debug"
	LevelInfo  = "info"
	LevelWarn  = "warn"
	LevelError = "error"
	LevelNone  = "none"
)

// New returns a JSON production logger at the given level. The level "none"
// disables logging.
func New(level string) (*zap.Logger, error) {
	return build(zap.NewProductionConfig(), level)
}

// NewConsole is New with human readable output, for interactive commands.
func NewConsole(level string) (*zap.Logger, error) {
	cfg := zap.NewDevelopmentConfig()
	cfg.DisableStacktrace = true
	return build(cfg, level)
}

func MustNew(level string) *zap.Logger {
	logger, err := New(level)
	if err != nil {
		panic(err)
	}
	return logger
}

func ParseLevel(level string) (zapcore.Level, error) {
	var lvl zapcore.Level
	if err := lvl.UnmarshalText([]byte(strings.ToLower(strings.TrimSpace(level)))); err != nil {
		return lvl, fmt.Errorf("invalid log level %q: %w", level, err)
	}
	return lvl, nil
}

func build(cfg zap.Config, level string) (*zap.Logger, error) {
	if strings.EqualFold(strings.TrimSpace(level), LevelNone) {
		return zap.NewNop(), nil
	}
	if strings.TrimSpace(level) == "" {
		level = LevelInfo
	}
	lvl, err := ParseLevel(level)
	if err != nil {
		return nil, err
	}
	cfg.Level = zap.NewAtomicLevelAt(lvl)
	return cfg.Build()
}
