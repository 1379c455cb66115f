package logging

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"

	"github.com/orrn/printfleet/internal/config"
)

func TestJSONFormatEmitsStructuredFields(t *testing.T) {
	var buf bytes.Buffer
	l := NewWithOutput(config.LoggingConfig{Level: "info", Format: "json"}, &buf)
	l.Named("queue").Info("job submitted", "job_id", "j1")

	var line map[string]any
	if err := json.Unmarshal(buf.Bytes(), &line); err != nil {
		t.Fatalf("decode %q: %v", buf.String(), err)
	}
	if line["job_id"] != "j1" {
		t.Fatalf("expected job_id field, got %v", line)
	}
	if line["@module"] != "printfleet.queue" {
		t.Fatalf("expected named module, got %v", line["@module"])
	}
}

func TestLevelFiltersDebug(t *testing.T) {
	var buf bytes.Buffer
	l := NewWithOutput(config.LoggingConfig{Level: "warn", Format: "plain"}, &buf)
	l.Debug("hidden")
	l.Warn("shown")
	if strings.Contains(buf.String(), "hidden") || !strings.Contains(buf.String(), "shown") {
		t.Fatalf("unexpected output %q", buf.String())
	}
}

func TestOrNull(t *testing.T) {
	if OrNull(nil) == nil {
		t.Fatalf("expected a null logger")
	}
}
