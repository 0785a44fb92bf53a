package utils

import (
	"log"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// LogLevel represents the severity of a log message
type LogLevel int

const (
	DEBUG LogLevel = iota
	INFO
	WARN
	ERROR
)

// String returns the string representation of the log level
func (l LogLevel) String() string {
	switch l {
	case DEBUG:
		return "DEBUG"
	case INFO:
		return "INFO"
	case WARN:
		return "WARN"
	case ERROR:
		return "ERROR"
	default:
		return "UNKNOWN"
	}
}

func (l LogLevel) zapLevel() zapcore.Level {
	switch l {
	case DEBUG:
		return zapcore.DebugLevel
	case WARN:
		return zapcore.WarnLevel
	case ERROR:
		return zapcore.ErrorLevel
	default:
		return zapcore.InfoLevel
	}
}

// ParseLogLevel maps a config string to a LogLevel, defaulting to INFO
func ParseLogLevel(s string) LogLevel {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return DEBUG
	case "warn", "warning":
		return WARN
	case "error":
		return ERROR
	default:
		return INFO
	}
}

// Logger is a leveled printf-style logger on top of zap
type Logger struct {
	sugar *zap.SugaredLogger
	level zap.AtomicLevel
}

// NewLogger creates a new logger with the specified level
func NewLogger(level LogLevel, devMode bool) *Logger {
	atom := zap.NewAtomicLevelAt(level.zapLevel())

	cfg := zap.NewProductionConfig()
	if devMode {
		cfg = zap.NewDevelopmentConfig()
	}
	cfg.Level = atom
	cfg.EncoderConfig.TimeKey = "time"
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder

	z, err := cfg.Build(zap.AddCallerSkip(1))
	if err != nil {
		z = zap.NewNop()
	}

	return &Logger{sugar: z.Sugar(), level: atom}
}

// NewLoggerFromCore wraps an existing zap core; tests use it with zaptest/observer
func NewLoggerFromCore(core zapcore.Core) *Logger {
	return &Logger{
		sugar: zap.New(core, zap.AddCallerSkip(1)).Sugar(),
		level: zap.NewAtomicLevelAt(zapcore.DebugLevel),
	}
}

// Debug logs a debug message
func (l *Logger) Debug(format string, v ...interface{}) {
	l.sugar.Debugf(format, v...)
}

// Info logs an info message
func (l *Logger) Info(format string, v ...interface{}) {
	l.sugar.Infof(format, v...)
}

// Warn logs a warning message
func (l *Logger) Warn(format string, v ...interface{}) {
	l.sugar.Warnf(format, v...)
}

// Error logs an error message
func (l *Logger) Error(format string, v ...interface{}) {
	l.sugar.Errorf(format, v...)
}

// WithFields returns a new logger with the specified fields
func (l *Logger) WithFields(fields map[string]interface{}) *Logger {
	args := make([]interface{}, 0, len(fields)*2)
	for k, v := range fields {
		args = append(args, k, v)
	}
	return &Logger{sugar: l.sugar.With(args...), level: l.level}
}

// WithField returns a new logger with a single field added
func (l *Logger) WithField(key string, value interface{}) *Logger {
	return &Logger{sugar: l.sugar.With(key, value), level: l.level}
}

// StdLog adapts the logger for libraries that only accept a *log.Logger.
// Everything they print is logged at warn level under name.
func (l *Logger) StdLog(name string) *log.Logger {
	z := l.sugar.Desugar().WithOptions(zap.AddCallerSkip(-1)).Named(name)
	std, err := zap.NewStdLogAt(z, zapcore.WarnLevel)
	if err != nil {
		return zap.NewStdLog(z)
	}
	return std
}

// SetLevel changes the log level
func (l *Logger) SetLevel(level LogLevel) {
	l.level.SetLevel(level.zapLevel())
}

// Sync flushes buffered entries
func (l *Logger) Sync() {
	_ = l.sugar.Sync()
}

// Global logger instance
var Log = NewLogger(INFO, false)

// InitLogger replaces the global logger using the configured level
func InitLogger(level string, devMode bool) {
	Log = NewLogger(ParseLogLevel(level), devMode)
}
