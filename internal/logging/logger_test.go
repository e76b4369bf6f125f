package logging

import (
	"testing"

	"go.uber.org/zap/zapcore"
)

func TestParseLogLevel(t *testing.T) {
	tests := []struct {
		in   string
		want zapcore.Level
	}{
		{"debug", zapcore.DebugLevel},
		{"INFO", zapcore.InfoLevel},
		{"warning", zapcore.WarnLevel},
		{"error", zapcore.ErrorLevel},
		{"verbose", zapcore.InfoLevel},
	}
	for _, tt := range tests {
		if got := parseLogLevel(tt.in); got != tt.want {
			t.Errorf("parseLogLevel(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}

func TestValidLevel(t *testing.T) {
	if !ValidLevel("Warn") {
		t.Error("Warn should be valid")
	}
	if ValidLevel("trace") {
		t.Error("trace should be invalid")
	}
}

func TestNew(t *testing.T) {
	for _, jsonFormat := range []bool{true, false} {
		logger, err := New("debug", jsonFormat)
		if err != nil {
			t.Fatalf("New(json=%v): %v", jsonFormat, err)
		}
		if !logger.Core().Enabled(zapcore.DebugLevel) {
			t.Errorf("json=%v: debug level not enabled", jsonFormat)
		}
		WithService(logger, "crmgateway", "test").Debug("ready")
	}
}
