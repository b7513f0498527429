package logging

import (
	"testing"

	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"
)

// NewTestLogger returns a logger that writes through t.Log, so failing
// tests carry the log lines that led to the failure.
func NewTestLogger(tb testing.TB) Logger {
	return &zapLogger{sugar: zaptest.NewLogger(tb, zaptest.Level(zap.DebugLevel)).Sugar()}
}
