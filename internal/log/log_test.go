package log

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"strings"
	"testing"
)

func TestNewJSONHandler(t *testing.T) {
	var buf bytes.Buffer
	logger := New(&Config{Level: "info", Format: FormatJSON, Output: &buf})

	logger.Info("share started", "share_id", "abc")

	var record map[string]any
	if err := json.Unmarshal(buf.Bytes(), &record); err != nil {
		t.Fatalf("log output is not JSON: %v (%s)", err, buf.String())
	}
	if record["msg"] != "share started" || record["share_id"] != "abc" {
		t.Fatalf("unexpected record: %v", record)
	}
}

func TestNewTextHandler(t *testing.T) {
	var buf bytes.Buffer
	logger := New(&Config{Level: "info", Format: FormatText, Output: &buf})

	logger.Info("hello")
	if !strings.Contains(buf.String(), "msg=hello") {
		t.Fatalf("unexpected text output: %s", buf.String())
	}
}

func TestLevelFiltering(t *testing.T) {
	var buf bytes.Buffer
	logger := New(&Config{Level: "warn", Format: FormatText, Output: &buf})

	logger.Debug("hidden")
	logger.Info("hidden too")
	if buf.Len() != 0 {
		t.Fatalf("expected no output below warn, got %s", buf.String())
	}
	logger.Warn("visible")
	if buf.Len() == 0 {
		t.Fatal("warn record was dropped")
	}
}

func TestFromEnvDebug(t *testing.T) {
	t.Setenv("TRACECAST_DEBUG", "1")
	cfg := FromEnv()
	if cfg.Level != "debug" || !cfg.AddSource {
		t.Fatalf("debug env not honored: %+v", cfg)
	}
}

func TestWithComponent(t *testing.T) {
	var buf bytes.Buffer
	logger := WithComponent(New(&Config{Format: FormatJSON, Output: &buf, Level: "info"}), "daemon")

	logger.Log(nil, slog.LevelInfo, "ready")

	var record map[string]any
	if err := json.Unmarshal(buf.Bytes(), &record); err != nil {
		t.Fatalf("bad JSON: %v", err)
	}
	if record["component"] != "daemon" {
		t.Fatalf("component missing: %v", record)
	}
}
