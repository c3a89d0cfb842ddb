// Package logger provides the process-wide structured logger. Workers and
// services obtain it through Get; main wires the level and environment
// through Init before anything else logs.
package logger

import (
	"sync"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Logger wraps zap.Logger.
type Logger struct {
	zl *zap.Logger
}

var (
	global *Logger
	once   sync.Once
)

// Config controls logger construction.
type Config struct {
	// Level is one of debug, info, warn, error.
	Level string
	// Development switches to the human-readable console encoder.
	Development bool
}

// Init builds the global logger. Safe to call once; later calls are no-ops.
func Init(cfg *Config) *Logger {
	once.Do(func() {
		global = build(cfg)
	})
	return global
}

// Get returns the global logger, initializing a production default if Init
// was never called.
func Get() *Logger {
	if global == nil {
		return Init(&Config{Level: "info"})
	}
	return global
}

func build(cfg *Config) *Logger {
	if cfg == nil {
		cfg = &Config{Level: "info"}
	}

	level := zapcore.InfoLevel
	if err := level.Set(cfg.Level); err != nil {
		level = zapcore.InfoLevel
	}

	var zapCfg zap.Config
	if cfg.Development {
		zapCfg = zap.NewDevelopmentConfig()
	} else {
		zapCfg = zap.NewProductionConfig()
	}
	zapCfg.Level = zap.NewAtomicLevelAt(level)

	zl, err := zapCfg.Build(zap.AddCallerSkip(1))
	if err != nil {
		zl = zap.NewNop()
	}
	return &Logger{zl: zl}
}

// Debug logs a message at debug level.
func (l *Logger) Debug(msg string, fields ...zap.Field) { l.zl.Debug(msg, fields...) }

// Info logs a message at info level.
func (l *Logger) Info(msg string, fields ...zap.Field) { l.zl.Info(msg, fields...) }

// Warn logs a message at warn level.
func (l *Logger) Warn(msg string, fields ...zap.Field) { l.zl.Warn(msg, fields...) }

// Error logs a message at error level.
func (l *Logger) Error(msg string, fields ...zap.Field) { l.zl.Error(msg, fields...) }

// Fatal logs a message at fatal level and exits the process.
func (l *Logger) Fatal(msg string, fields ...zap.Field) { l.zl.Fatal(msg, fields...) }

// With returns a logger with the given fields attached to every entry.
func (l *Logger) With(fields ...zap.Field) *Logger {
	return &Logger{zl: l.zl.With(fields...)}
}

// Sync flushes buffered entries. Call on shutdown.
func (l *Logger) Sync() error { return l.zl.Sync() }
