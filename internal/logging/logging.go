// Package logging wraps zap for the structured, per-component logging
// used throughout the coordinator, routers, and backend adapters.
package logging

import (
	"sync"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var (
	mu     sync.Mutex
	base   *zap.Logger
	levels = map[string]zapcore.Level{
		"debug": zapcore.DebugLevel,
		"info":  zapcore.InfoLevel,
		"warn":  zapcore.WarnLevel,
		"error": zapcore.ErrorLevel,
	}
)

// Init builds the process-wide base logger. level is one of
// debug/info/warn/error; an unrecognized value falls back to info.
// json selects the JSON encoder (for production); otherwise a
// human-readable console encoder is used.
func Init(level string, json bool) error {
	mu.Lock()
	defer mu.Unlock()

	lvl, ok := levels[level]
	if !ok {
		lvl = zapcore.InfoLevel
	}

	cfg := zap.Config{
		Level:            zap.NewAtomicLevelAt(lvl),
		Development:      false,
		Encoding:         "console",
		EncoderConfig:    zap.NewProductionEncoderConfig(),
		OutputPaths:      []string{"stderr"},
		ErrorOutputPaths: []string{"stderr"},
	}
	if json {
		cfg.Encoding = "json"
	}
	cfg.EncoderConfig.TimeKey = "ts"
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder

	l, err := cfg.Build()
	if err != nil {
		return err
	}
	base = l
	return nil
}

// For returns a component-scoped logger, e.g. logging.For("vectorindex").
// If Init was never called, a zap production logger is built (a no-op
// logger if that fails) so that tests and library callers never need to
// set up logging explicitly.
func For(component string) *zap.Logger {
	mu.Lock()
	defer mu.Unlock()
	if base == nil {
		base, _ = zap.NewProduction()
		if base == nil {
			base = zap.NewNop()
		}
	}
	return base.With(zap.String("component", component))
}

// Sync flushes the base logger, if any. Call from main before exit.
func Sync() {
	mu.Lock()
	defer mu.Unlock()
	if base != nil {
		_ = base.Sync()
	}
}
