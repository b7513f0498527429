// Package logging provides the structured logger used throughout voxmap.
package logging

import (
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Logger is the structured logging interface used across every package in
// this module. It intentionally exposes only the sugared, leveled calls
// kernels actually use.
type Logger interface {
	Debugw(msg string, keysAndValues ...interface{})
	Infow(msg string, keysAndValues ...interface{})
	Warnw(msg string, keysAndValues ...interface{})
	Errorw(msg string, keysAndValues ...interface{})

	Debugf(template string, args ...interface{})
	Infof(template string, args ...interface{})
	Warnf(template string, args ...interface{})
	Errorf(template string, args ...interface{})

	// Named returns a descendant logger with name appended to this
	// logger's name, joined by a dot.
	Named(name string) Logger
}

type zapLogger struct {
	sugar *zap.SugaredLogger
}

// NewLoggerConfig returns the base zap config voxmap loggers are built
// from: console-encoded, info level, no stacktraces on the hot path.
func NewLoggerConfig() zap.Config {
	return zap.Config{
		Level:    zap.NewAtomicLevelAt(zap.InfoLevel),
		Encoding: "console",
		EncoderConfig: zapcore.EncoderConfig{
			TimeKey:        "ts",
			LevelKey:       "level",
			NameKey:        "logger",
			CallerKey:      "caller",
			FunctionKey:    zapcore.OmitKey,
			MessageKey:     "msg",
			StacktraceKey:  "stacktrace",
			LineEnding:     zapcore.DefaultLineEnding,
			EncodeLevel:    zapcore.CapitalColorLevelEncoder,
			EncodeTime:     zapcore.ISO8601TimeEncoder,
			EncodeDuration: zapcore.StringDurationEncoder,
			EncodeCaller:   zapcore.ShortCallerEncoder,
		},
		DisableStacktrace: true,
		OutputPaths:       []string{"stdout"},
		ErrorOutputPaths:  []string{"stderr"},
	}
}

// NewLogger returns a new logger that outputs Info+ logs to stdout, named
// name.
func NewLogger(name string) Logger {
	cfg := NewLoggerConfig()
	l, err := cfg.Build()
	if err != nil {
		panic(err)
	}
	return &zapLogger{sugar: l.Named(name).Sugar()}
}

// NewDebugLogger returns a new logger that outputs Debug+ logs to stdout,
// named name.
func NewDebugLogger(name string) Logger {
	cfg := NewLoggerConfig()
	cfg.Level = zap.NewAtomicLevelAt(zap.DebugLevel)
	l, err := cfg.Build()
	if err != nil {
		panic(err)
	}
	return &zapLogger{sugar: l.Named(name).Sugar()}
}

func (l *zapLogger) Debugw(msg string, kv ...interface{}) { l.sugar.Debugw(msg, kv...) }
func (l *zapLogger) Infow(msg string, kv ...interface{})  { l.sugar.Infow(msg, kv...) }
func (l *zapLogger) Warnw(msg string, kv ...interface{})  { l.sugar.Warnw(msg, kv...) }
func (l *zapLogger) Errorw(msg string, kv ...interface{}) { l.sugar.Errorw(msg, kv...) }

func (l *zapLogger) Debugf(t string, args ...interface{}) { l.sugar.Debugf(t, args...) }
func (l *zapLogger) Infof(t string, args ...interface{})  { l.sugar.Infof(t, args...) }
func (l *zapLogger) Warnf(t string, args ...interface{})  { l.sugar.Warnf(t, args...) }
func (l *zapLogger) Errorf(t string, args ...interface{}) { l.sugar.Errorf(t, args...) }

func (l *zapLogger) Named(name string) Logger {
	return &zapLogger{sugar: l.sugar.Named(name)}
}
