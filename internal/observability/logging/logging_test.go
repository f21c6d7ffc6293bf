package logging

import (
	"testing"

	"go.uber.org/zap"
)

func TestNew(t *testing.T) {
	tests := []struct {
		level, format string
		wantErr       bool
	}{
		{level: "debug", format: "console"},
		{level: "INFO", format: "json"},
		{level: "warn", format: ""},
		{level: "loud", format: "json", wantErr: true},
	}
	for _, tt := range tests {
		logger, err := New(tt.level, tt.format)
		if tt.wantErr {
			if err == nil {
				t.Errorf("New(%q): expected error", tt.level)
			}
			continue
		}
		if err != nil {
			t.Fatalf("New(%q, %q): %v", tt.level, tt.format, err)
		}
		logger.Info("ok")
	}
}

func TestLevelIsApplied(t *testing.T) {
	logger, err := New("warn", "json")
	if err != nil {
		t.Fatal(err)
	}
	if logger.Core().Enabled(zap.InfoLevel) {
		t.Error("info should be disabled at warn level")
	}
	if !logger.Core().Enabled(zap.ErrorLevel) {
		t.Error("error should be enabled at warn level")
	}
}

func TestMustFallsBack(t *testing.T) {
	if Must("nope", "json") == nil {
		t.Fatal("Must returned nil")
	}
}
