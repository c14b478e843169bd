package logging

import (
	"context"
	"log/slog"
	"testing"
)

func TestParseLevel(t *testing.T) {
	tests := []struct {
		in   string
		want slog.Level
	}{
		{"debug", slog.LevelDebug},
		{"info", slog.LevelInfo},
		{"warn", slog.LevelWarn},
		{"warning", slog.LevelWarn},
		{"error", slog.LevelError},
		{"", slog.LevelInfo},
		{"garbage", slog.LevelInfo},
	}
	for _, tt := range tests {
		if got := parseLevel(tt.in); got != tt.want {
			t.Errorf("parseLevel(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}

func TestCorrelationIDRoundtrip(t *testing.T) {
	ctx := context.Background()
	if got := CorrelationID(ctx); got != "" {
		t.Errorf("empty context should have no ID, got %q", got)
	}

	ctx = WithCorrelationID(ctx, "run-abc123")
	if got := CorrelationID(ctx); got != "run-abc123" {
		t.Errorf("CorrelationID = %q", got)
	}
}

func TestComponent(t *testing.T) {
	if Component("fetcher") == nil {
		t.Fatal("Component returned nil logger")
	}
}
