package logger

import (
	"bytes"
	"encoding/json"
	"errors"
	"strings"
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
	Setup("info", "console")
}

func TestParseLevel(t *testing.T) {
	tests := []struct {
		level  string
		expect zerolog.Level
	}{
		{"debug", zerolog.DebugLevel},
		{"Info", zerolog.InfoLevel},
		{"WARN", zerolog.WarnLevel},
		{"warning", zerolog.WarnLevel},
		{"error", zerolog.ErrorLevel},
		{"unknown", zerolog.InfoLevel},
	}

	for _, tt := range tests {
		t.Run(tt.level, func(t *testing.T) {
			if got := ParseLevel(tt.level); got != tt.expect {
				t.Errorf("level %s: expected %v, got %v", tt.level, tt.expect, got)
			}
		})
	}
}

func TestJSONFields(t *testing.T) {
	var buf bytes.Buffer
	SetupWriter(&buf, "debug", "json")
	defer Setup("info", "console")

	Log.With("component", "optimizer").Info("fold complete",
		"traces", 42,
		"mean_reward", 0.5,
		"error", errors.New("boom"),
		"orphan_key",
	)

	var entry map[string]interface{}
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("invalid json %q: %v", buf.String(), err)
	}
	if entry["component"] != "optimizer" {
		t.Errorf("expected component field, got %v", entry["component"])
	}
	if entry["traces"] != float64(42) {
		t.Errorf("expected traces=42, got %v", entry["traces"])
	}
	if entry["error"] != "boom" {
		t.Errorf("expected error message, got %v", entry["error"])
	}
	if _, ok := entry["orphan_key"]; ok {
		t.Error("orphan key should be dropped")
	}
}

func TestLevelFiltering(t *testing.T) {
	var buf bytes.Buffer
	SetupWriter(&buf, "error", "json")
	defer Setup("info", "console")

	Log.Debug("debug message should be filtered")
	Log.Info("info message should be filtered")
	Log.Warn("warn message should be filtered")
	Log.Error("error message should appear")

	out := buf.String()
	if strings.Contains(out, "filtered") {
		t.Errorf("unexpected low-level output: %s", out)
	}
	if !strings.Contains(out, "error message should appear") {
		t.Errorf("expected error output, got %s", out)
	}
}

func TestNonStringKey(t *testing.T) {
	var buf bytes.Buffer
	SetupWriter(&buf, "info", "json")
	defer Setup("info", "console")

	Log.Info("non-string key", 123, "value")
	if !strings.Contains(buf.String(), `"123":"value"`) {
		t.Errorf("expected stringified key, got %s", buf.String())
	}
}
