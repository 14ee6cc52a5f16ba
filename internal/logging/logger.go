// Package logging wraps a zap.SugaredLogger behind the same small facade
// shape used across this codebase's components: a package-level global,
// With() for derived loggers, and typed field constructors.
package logging

import (
	"sync"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var (
	globalMu     sync.RWMutex
	globalLogger = mustNop()
)

// Field is a structured logging attribute.
type Field = zap.Field

func String(key, value string) Field    { return zap.String(key, value) }
func Int(key string, value int) Field   { return zap.Int(key, value) }
func Int64(key string, value int64) Field { return zap.Int64(key, value) }
func Bool(key string, value bool) Field { return zap.Bool(key, value) }
func Error(err error) Field             { return zap.Error(err) }

// Logger is a thin façade over *zap.SugaredLogger.
type Logger struct {
	z *zap.SugaredLogger
}

// New constructs a production JSON logger at the given level name
// ("debug", "info", "warn", "error").
func New(levelName string) (*Logger, error) {
	level := zapcore.InfoLevel
	if levelName != "" {
		if err := level.UnmarshalText([]byte(levelName)); err != nil {
			return nil, err
		}
	}
	cfg := zap.NewProductionConfig()
	cfg.Level = zap.NewAtomicLevelAt(level)
	z, err := cfg.Build(zap.AddCallerSkip(1))
	if err != nil {
		return nil, err
	}
	logger := &Logger{z: z.Sugar()}
	ReplaceGlobals(logger)
	return logger, nil
}

func mustNop() *Logger {
	return &Logger{z: zap.NewNop().Sugar()}
}

// NewTestLogger returns a logger that discards output, suitable for tests.
func NewTestLogger() *Logger { return mustNop() }

// ReplaceGlobals swaps the fallback logger used when no scoped logger was
// threaded through.
func ReplaceGlobals(logger *Logger) {
	if logger == nil {
		return
	}
	globalMu.Lock()
	globalLogger = logger
	globalMu.Unlock()
}

// L returns the current global logger.
func L() *Logger {
	globalMu.RLock()
	defer globalMu.RUnlock()
	return globalLogger
}

// With returns a derived logger carrying the given structured fields on
// every subsequent call.
func (l *Logger) With(fields ...Field) *Logger {
	if l == nil {
		return L().With(fields...)
	}
	return &Logger{z: l.z.With(zapFieldsToArgs(fields)...)}
}

func zapFieldsToArgs(fields []Field) []any {
	args := make([]any, len(fields))
	for i, f := range fields {
		args[i] = f
	}
	return args
}

func (l *Logger) Debug(message string, fields ...Field) { l.log(zapcore.DebugLevel, message, fields) }
func (l *Logger) Info(message string, fields ...Field)  { l.log(zapcore.InfoLevel, message, fields) }
func (l *Logger) Warn(message string, fields ...Field)  { l.log(zapcore.WarnLevel, message, fields) }
func (l *Logger) Error(message string, fields ...Field) { l.log(zapcore.ErrorLevel, message, fields) }

func (l *Logger) log(level zapcore.Level, message string, fields []Field) {
	if l == nil {
		L().log(level, message, fields)
		return
	}
	switch level {
	case zapcore.DebugLevel:
		l.z.Debugw(message, zapFieldsToArgs(fields)...)
	case zapcore.WarnLevel:
		l.z.Warnw(message, zapFieldsToArgs(fields)...)
	case zapcore.ErrorLevel:
		l.z.Errorw(message, zapFieldsToArgs(fields)...)
	default:
		l.z.Infow(message, zapFieldsToArgs(fields)...)
	}
}

// Sync flushes buffered log entries.
func (l *Logger) Sync() error {
	if l == nil || l.z == nil {
		return nil
	}
	return l.z.Sync()
}
