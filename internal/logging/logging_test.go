package logging

import (
	"log/slog"
	"testing"
)

func TestSetLevelFromStringRecognizesValues(t *testing.T) {
	SetLevelFromString("debug")
	if level.Level() != slog.LevelDebug {
		t.Fatalf("got %v, want debug", level.Level())
	}
	SetLevelFromString("error")
	if level.Level() != slog.LevelError {
		t.Fatalf("got %v, want error", level.Level())
	}
	SetLevelFromString("not-a-real-level")
	if level.Level() != slog.LevelError {
		t.Fatal("unrecognized level name should leave the previous level unchanged")
	}
}

func TestConfigureSwapsHandler(t *testing.T) {
	before := Op()
	Configure("json", "info")
	after := Op()
	if before == after {
		t.Fatal("Configure should install a new logger instance")
	}
}

func TestCoreAdapterDoesNotPanic(t *testing.T) {
	var a CoreAdapter
	a.Error("test message", "key", "value")
}
