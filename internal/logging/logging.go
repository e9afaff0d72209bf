// Package logging owns the process logger used by the dispatcher and the
// calculation nodes.
package logging

import (
	"fmt"
	"strings"

	"go.uber.org/atomic"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Config selects the log level and encoding.
type Config struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // json or console
}

var (
	level  = zap.NewAtomicLevelAt(zapcore.InfoLevel)
	global = atomic.NewPointer(newLogger(Config{Format: "console"}))
)

// L returns the process logger.
func L() *zap.Logger {
	return global.Load()
}

// Init rebuilds the process logger from cfg.
func Init(cfg Config) error {
	switch cfg.Format {
	case "", "console", "json":
	default:
		return fmt.Errorf("unknown log format %q", cfg.Format)
	}
	if cfg.Level != "" {
		if err := SetLevel(cfg.Level); err != nil {
			return err
		}
	}
	global.Store(newLogger(cfg))
	return nil
}

// SetLevel changes the level of the process logger at runtime.
func SetLevel(l string) error {
	var lvl zapcore.Level
	if err := lvl.UnmarshalText([]byte(strings.ToLower(l))); err != nil {
		return fmt.Errorf("invalid log level %q: %w", l, err)
	}
	level.SetLevel(lvl)
	return nil
}

// ReplaceForTest swaps the process logger and returns a function restoring the
// previous one.
func ReplaceForTest(l *zap.Logger) func() {
	prev := global.Swap(l)
	return func() { global.Store(prev) }
}

func newLogger(cfg Config) *zap.Logger {
	var zc zap.Config
	if cfg.Format == "json" {
		zc = zap.NewProductionConfig()
	} else {
		zc = zap.NewDevelopmentConfig()
		zc.EncoderConfig.EncodeLevel = zapcore.CapitalLevelEncoder
	}
	zc.Level = level
	zc.DisableStacktrace = true
	logger, err := zc.Build()
	if err != nil {
		return zap.NewNop()
	}
	return logger
}
