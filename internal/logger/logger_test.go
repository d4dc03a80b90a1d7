package logger

import (
	"testing"

	"github.com/rs/zerolog"
)

func TestSetup(t *testing.T) {
	tests := []struct {
		name   string
		level  string
		format string
	}{
		{"debug level", "debug", "console"},
		{"info level", "info", "console"},
		{"warn level", "warn", "console"},
		{"error level", "error", "console"},
		{"json format", "info", "json"},
		{"uppercase level", "DEBUG", "console"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			Setup(tt.level, tt.format)
			if Log == nil {
				t.Error("expected Log to be initialized")
			}
		})
	}
}

func TestLoggerLevelConstants(t *testing.T) {
	tests := []struct {
		level  string
		expect zerolog.Level
	}{
		{"debug", zerolog.DebugLevel},
		{"info", zerolog.InfoLevel},
		{"warn", zerolog.WarnLevel},
		{"error", zerolog.ErrorLevel},
		{"unknown", zerolog.InfoLevel}, // default case
	}

	for _, tt := range tests {
		t.Run(tt.level, func(t *testing.T) {
			Setup(tt.level, "console")
			got := zerolog.GlobalLevel()
			if got != tt.expect {
				t.Errorf("level %s: expected %v, got %v", tt.level, tt.expect, got)
			}
		})
	}
}

func TestComponentLogger(t *testing.T) {
	Setup("info", "json")

	rec := Log.Component("recorder")
	if rec == nil {
		t.Fatal("expected component logger")
	}

	// Component loggers must not replace the global instance.
	if rec == Log {
		t.Error("Component should return a child, not the global logger")
	}

	// None of these should panic.
	rec.Info("capture drained", "step", 3, "cross_maps", 4)
	rec.Warn("shape error", "layer", "layer_1")
	rec.Component("nested").Debug("nested child")
}

func TestLoggerKeyValuePairs(t *testing.T) {
	Setup("info", "console")

	Log.Info("multi-field", "string_field", "value", "int_field", 42, "bool_field", true)
	Log.Info("odd args", "key1", "value1", "orphan_key")
	Log.Info("non-string key", 123, "value")
	Log.Info("nil value", "key", nil)
	Log.Info("no fields")
}
