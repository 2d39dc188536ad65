// Package monitoring holds the process-wide logging and metrics plumbing.
package monitoring

import (
	"fmt"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Logf is the package-level printf-style diagnostic logger used by call
// sites that have no structured logger at hand. It defaults to the sugared
// form of the process logger and may be replaced by SetLogger.
var Logf func(format string, v ...interface{}) = zap.S().Infof

// SetLogger replaces the package logger. Passing nil will set a no-op logger.
func SetLogger(f func(format string, v ...interface{})) {
	if f == nil {
		Logf = func(string, ...interface{}) {}
		return
	}
	Logf = f
}

// NewLogger builds the process logger. Development mode writes coloured
// console output; otherwise JSON lines suitable for log shipping.
func NewLogger(level string, development bool) (*zap.Logger, error) {
	lvl, err := zapcore.ParseLevel(level)
	if err != nil {
		return nil, fmt.Errorf("invalid log level %q: %w", level, err)
	}

	var cfg zap.Config
	if development {
		cfg = zap.NewDevelopmentConfig()
		cfg.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	} else {
		cfg = zap.NewProductionConfig()
		cfg.EncoderConfig.TimeKey = "ts"
		cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	}
	cfg.Level = zap.NewAtomicLevelAt(lvl)

	return cfg.Build()
}

// Install makes l the global zap logger and routes Logf through it.
// The returned func restores the previous globals.
func Install(l *zap.Logger) func() {
	restoreGlobals := zap.ReplaceGlobals(l)
	prev := Logf
	Logf = l.Sugar().Infof
	return func() {
		restoreGlobals()
		Logf = prev
	}
}

// OrNop returns l, or a no-op logger when l is nil.
func OrNop(l *zap.Logger) *zap.Logger {
	if l == nil {
		return zap.NewNop()
	}
	return l
}
