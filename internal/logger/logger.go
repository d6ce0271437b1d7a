// Package logger is a thin layer over zap that takes alternating key/value
// arguments, and whose level can be changed while the process runs.
package logger

import (
	"os"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Logger is safe for concurrent use. Children made with With or Named share
// the parent's level.
type Logger struct {
	*zap.Logger
	level zap.AtomicLevel
}

// LogConfig contains logging configuration
type LogConfig struct {
	Level  string
	Format string // "text" or "json"
	Output string // "stdout", "stderr" or a file path
}

// New builds a logger writing cfg.Format entries to cfg.Output. An unknown
// level falls back to info.
func New(cfg LogConfig) (*Logger, error) {
	level := zap.NewAtomicLevelAt(parseLevel(cfg.Level))

	out := cfg.Output
	if out == "" {
		out = "stdout"
	}
	sink, _, err := zap.Open(out)
	if err != nil {
		return nil, err
	}

	core := zapcore.NewCore(newEncoder(cfg.Format), sink, level)
	zl := zap.New(core,
		zap.ErrorOutput(zapcore.Lock(os.Stderr)),
		zap.AddCaller(),
		zap.AddCallerSkip(2),
		zap.AddStacktrace(zapcore.ErrorLevel),
	)
	return &Logger{Logger: zl, level: level}, nil
}

// NewNopLogger creates a no-op logger for testing
func NewNopLogger() *Logger {
	return &Logger{Logger: zap.NewNop(), level: zap.NewAtomicLevel()}
}

func newEncoder(format string) zapcore.Encoder {
	enc := zapcore.EncoderConfig{
		TimeKey:        "ts",
		LevelKey:       "level",
		NameKey:        "logger",
		CallerKey:      "caller",
		MessageKey:     "msg",
		StacktraceKey:  "stacktrace",
		LineEnding:     zapcore.DefaultLineEnding,
		EncodeTime:     zapcore.ISO8601TimeEncoder,
		EncodeLevel:    zapcore.LowercaseLevelEncoder,
		EncodeDuration: zapcore.StringDurationEncoder,
		EncodeCaller:   zapcore.ShortCallerEncoder,
	}
	if format == "json" {
		return zapcore.NewJSONEncoder(enc)
	}
	enc.EncodeLevel = zapcore.CapitalColorLevelEncoder
	return zapcore.NewConsoleEncoder(enc)
}

func parseLevel(s string) zapcore.Level {
	level, err := zapcore.ParseLevel(s)
	if err != nil {
		return zapcore.InfoLevel
	}
	return level
}

// SetLevel changes the level of this logger and every logger derived from
// it. Unknown names select info.
func (l *Logger) SetLevel(level string) {
	l.level.SetLevel(parseLevel(level))
}

// Level reports the current level.
func (l *Logger) Level() string {
	return l.level.Level().String()
}

// With returns a child logger carrying the given key/value pairs on every entry.
func (l *Logger) With(kv ...interface{}) *Logger {
	return &Logger{Logger: l.Logger.With(fields(kv)...), level: l.level}
}

// Named returns a child logger with a component name, e.g. "pipeline".
func (l *Logger) Named(name string) *Logger {
	return &Logger{Logger: l.Logger.Named(name), level: l.level}
}

func (l *Logger) Debug(msg string, kv ...interface{}) { l.write(zapcore.DebugLevel, msg, kv) }
func (l *Logger) Info(msg string, kv ...interface{})  { l.write(zapcore.InfoLevel, msg, kv) }
func (l *Logger) Warn(msg string, kv ...interface{})  { l.write(zapcore.WarnLevel, msg, kv) }
func (l *Logger) Error(msg string, kv ...interface{}) { l.write(zapcore.ErrorLevel, msg, kv) }

// Sync flushes any buffered log entries
func (l *Logger) Sync() {
	_ = l.Logger.Sync()
}

// write skips field conversion for entries the level filters out.
func (l *Logger) write(level zapcore.Level, msg string, kv []interface{}) {
	if ce := l.Logger.Check(level, msg); ce != nil {
		ce.Write(fields(kv)...)
	}
}

// fields turns alternating key/value arguments into zap fields. Errors keep
// zap.Error semantics; non-string keys and a trailing key are dropped.
func fields(kv []interface{}) []zap.Field {
	out := make([]zap.Field, 0, len(kv)/2)
	for i := 0; i+1 < len(kv); i += 2 {
		key, ok := kv[i].(string)
		if !ok {
			continue
		}
		if err, isErr := kv[i+1].(error); isErr {
			out = append(out, zap.NamedError(key, err))
			continue
		}
		out = append(out, zap.Any(key, kv[i+1]))
	}
	return out
}
