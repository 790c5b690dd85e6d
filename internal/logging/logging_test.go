package logging

import (
	"testing"

	"go.uber.org/zap/zapcore"
)

func TestNewLevels(t *testing.T) {
	logger, lvl, err := New("warn", true)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if logger == nil {
		t.Fatal("nil logger")
	}
	if lvl.Level() != zapcore.WarnLevel {
		t.Errorf("level = %v; want warn", lvl.Level())
	}

	lvl.SetLevel(zapcore.DebugLevel)
	if !logger.Desugar().Core().Enabled(zapcore.DebugLevel) {
		t.Error("atomic level change not applied")
	}
}

func TestNewBadLevel(t *testing.T) {
	if _, _, err := New("chatty", false); err == nil {
		t.Fatal("expected error for unknown level")
	}
}
