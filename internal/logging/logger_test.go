package logging

import (
	"testing"

	"go.uber.org/zap/zapcore"
)

func TestNewDevelopment(t *testing.T) {
	t.Parallel()

	logger, err := New(true)
	if err != nil {
		t.Fatalf("New(true) error = %v", err)
	}
	if logger == nil {
		t.Fatal("expected a logger")
	}
	if !logger.Core().Enabled(zapcore.DebugLevel) {
		t.Fatal("development logger should emit debug")
	}
}

func TestNewProduction(t *testing.T) {
	t.Parallel()

	logger, err := New(false)
	if err != nil {
		t.Fatalf("New(false) error = %v", err)
	}
	if logger.Core().Enabled(zapcore.DebugLevel) {
		t.Fatal("production logger should not emit debug")
	}
	if !logger.Core().Enabled(zapcore.InfoLevel) {
		t.Fatal("production logger should emit info")
	}
}
