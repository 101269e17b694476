package observability

import (
	"os"
	"testing"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// TestParseLogLevel verifies case-insensitive, whitespace-tolerant level parsing
// with INFO as the fallback.
func TestParseLogLevel(t *testing.T) {
	tests := []struct {
		in     string
		expect zapcore.Level
	}{
		{"", zap.InfoLevel},
		{"INFO", zap.InfoLevel},
		{"DEBUG", zap.DebugLevel},
		{"WARN", zap.WarnLevel},
		{"ERROR", zap.ErrorLevel},
		{"debug", zap.DebugLevel},
		{"  warn  ", zap.WarnLevel},
		{"invalid", zap.InfoLevel},
	}
	for _, tt := range tests {
		level := parseLogLevel(tt.in)
		if got := level.Level(); got != tt.expect {
			t.Errorf("parseLogLevel(%q) = %v, want %v", tt.in, got, tt.expect)
		}
	}
}

func TestNewLogger(t *testing.T) {
	logger, err := NewLogger("debug")
	if err != nil {
		t.Fatalf("NewLogger() error = %v", err)
	}
	if logger == nil {
		t.Fatal("NewLogger() returned nil logger")
	}
	logger.Info("test message")
	_ = logger.Sync() // best-effort; can fail on /dev/stderr in test env
}

func TestNewLogger_EnvOverridesConfig(t *testing.T) {
	saved, had := os.LookupEnv("LOG_LEVEL")
	os.Setenv("LOG_LEVEL", "ERROR")
	defer func() {
		if had {
			os.Setenv("LOG_LEVEL", saved)
		} else {
			os.Unsetenv("LOG_LEVEL")
		}
	}()

	logger, err := NewLogger("debug")
	if err != nil {
		t.Fatalf("NewLogger() error = %v", err)
	}
	if logger.Core().Enabled(zap.WarnLevel) {
		t.Error("LOG_LEVEL=ERROR should disable WARN")
	}
}
