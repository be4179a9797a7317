// Package log provides the process-wide structured logger.
// It wraps zap with a small leveled API so packages don't carry
// logger plumbing through every constructor.
package log

import (
	"os"
	"sync"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Level represents logging verbosity.
type Level string

const (
	LevelDebug Level = "debug"
	LevelInfo  Level = "info"
	LevelWarn  Level = "warn"
	LevelError Level = "error"
)

var (
	mu     sync.RWMutex
	logger *zap.SugaredLogger
)

// Config holds logger configuration.
type Config struct {
	Level Level
}

// DefaultConfig returns the default logger configuration.
func DefaultConfig() Config {
	return Config{Level: LevelInfo}
}

// Init installs the global logger with the given configuration.
func Init(cfg Config) {
	l := build(zapLevel(cfg.Level))

	mu.Lock()
	defer mu.Unlock()
	logger = l.Sugar()
}

func zapLevel(level Level) zapcore.Level {
	switch level {
	case LevelDebug:
		return zapcore.DebugLevel
	case LevelWarn:
		return zapcore.WarnLevel
	case LevelError:
		return zapcore.ErrorLevel
	default:
		return zapcore.InfoLevel
	}
}

func build(level zapcore.Level) *zap.Logger {
	encCfg := zapcore.EncoderConfig{
		TimeKey:        "T",
		LevelKey:       "L",
		NameKey:        "N",
		CallerKey:      "C",
		FunctionKey:    zapcore.OmitKey,
		MessageKey:     "M",
		StacktraceKey:  "S",
		LineEnding:     zapcore.DefaultLineEnding,
		EncodeLevel:    zapcore.CapitalColorLevelEncoder,
		EncodeTime:     zapcore.ISO8601TimeEncoder,
		EncodeDuration: zapcore.StringDurationEncoder,
		EncodeCaller:   zapcore.ShortCallerEncoder,
	}
	core := zapcore.NewCore(zapcore.NewConsoleEncoder(encCfg), zapcore.AddSync(os.Stderr), level)
	return zap.New(core, zap.AddCaller(), zap.AddCallerSkip(1), zap.AddStacktrace(zapcore.ErrorLevel))
}

// Get returns the global logger, initializing it with defaults on first use.
func Get() *zap.SugaredLogger {
	mu.RLock()
	l := logger
	mu.RUnlock()
	if l != nil {
		return l
	}

	// Build outside the lock; Init also takes it.
	candidate := build(zapLevel(DefaultConfig().Level)).Sugar()

	mu.Lock()
	defer mu.Unlock()
	if logger == nil {
		logger = candidate
	}
	return logger
}

// Debug logs a debug message with structured key-value pairs.
func Debug(msg string, args ...interface{}) { Get().Debugw(msg, args...) }

// Info logs an info message with structured key-value pairs.
func Info(msg string, args ...interface{}) { Get().Infow(msg, args...) }

// Warn logs a warning with structured key-value pairs.
func Warn(msg string, args ...interface{}) { Get().Warnw(msg, args...) }

// Error logs an error with structured key-value pairs.
func Error(msg string, args ...interface{}) { Get().Errorw(msg, args...) }

// With returns a logger with additional fields.
func With(args ...interface{}) *zap.SugaredLogger { return Get().With(args...) }

// Sync flushes buffered log entries.
func Sync() error {
	mu.RLock()
	defer mu.RUnlock()
	if logger != nil {
		return logger.Sync()
	}
	return nil
}

// Reset clears the global logger. Intended for tests.
func Reset() {
	mu.Lock()
	defer mu.Unlock()
	if logger != nil {
		_ = logger.Sync()
	}
	logger = nil
}
