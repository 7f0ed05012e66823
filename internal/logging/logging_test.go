package logging

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"
)

func TestJSONOutput(t *testing.T) {
	var buf bytes.Buffer
	log := New(&buf, "debug", "json")
	log.Debug().Str("doc", "p/a.txt").Msg("opened")

	var line map[string]any
	if err := json.Unmarshal(buf.Bytes(), &line); err != nil {
		t.Fatalf("expected json line, got %q: %v", buf.String(), err)
	}
	if line["doc"] != "p/a.txt" || line["message"] != "opened" || line["time"] == nil {
		t.Fatalf("unexpected line: %v", line)
	}
}

func TestLevelFiltersAndFallsBack(t *testing.T) {
	var buf bytes.Buffer
	log := New(&buf, "warn", "json")
	log.Info().Msg("hidden")
	if buf.Len() != 0 {
		t.Fatalf("expected info to be filtered, got %q", buf.String())
	}

	buf.Reset()
	log = New(&buf, "chatty", "json")
	log.Debug().Msg("hidden")
	log.Info().Msg("shown")
	if !strings.Contains(buf.String(), "shown") || strings.Contains(buf.String(), "hidden") {
		t.Fatalf("expected info level fallback, got %q", buf.String())
	}
}

func TestConsoleFormat(t *testing.T) {
	var buf bytes.Buffer
	log := New(&buf, "info", "console")
	log.Info().Msg("ready")
	if strings.HasPrefix(buf.String(), "{") || !strings.Contains(buf.String(), "ready") {
		t.Fatalf("expected console output, got %q", buf.String())
	}
}
