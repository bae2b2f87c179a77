package logging

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"

	"github.com/sirupsen/logrus"

	"outdial/internal/config"
)

func TestJSONFormat(t *testing.T) {
	var buf bytes.Buffer
	logger := NewWithOutput(config.LogConfig{Level: "debug", Format: "json"}, &buf)

	Component(logger, "AMI").WithField("switch", "10.0.0.5:5038").Info("connected")

	var line map[string]any
	if err := json.Unmarshal(buf.Bytes(), &line); err != nil {
		t.Fatalf("expected JSON output, got %q: %v", buf.String(), err)
	}
	if line["message"] != "connected" {
		t.Errorf("expected message=connected, got %v", line["message"])
	}
	if line["component"] != "AMI" {
		t.Errorf("expected component=AMI, got %v", line["component"])
	}
	if _, ok := line["timestamp"]; !ok {
		t.Error("expected timestamp field")
	}
}

func TestLevelFallback(t *testing.T) {
	logger := NewWithOutput(config.LogConfig{Level: "chatty"}, &bytes.Buffer{})
	if logger.GetLevel() != logrus.InfoLevel {
		t.Errorf("expected info fallback, got %v", logger.GetLevel())
	}
}

func TestTextFormatDropsDebugAtInfo(t *testing.T) {
	var buf bytes.Buffer
	logger := NewWithOutput(config.LogConfig{Level: "info", Format: "text"}, &buf)
	logger.Debug("hidden")
	logger.Info("shown")
	if strings.Contains(buf.String(), "hidden") {
		t.Error("debug line should be filtered at info level")
	}
	if !strings.Contains(buf.String(), "shown") {
		t.Error("info line missing")
	}
}

func TestComponentNilLogger(t *testing.T) {
	entry := Component(nil, "Reaper")
	if entry.Data["component"] != "Reaper" {
		t.Errorf("expected component field, got %v", entry.Data)
	}
}
