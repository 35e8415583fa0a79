package logging

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"strings"
	"testing"
)

func TestNormalizeVerbosity(t *testing.T) {
	tests := []struct {
		in   string
		want string
		ok   bool
	}{
		{"", VerbosityNormal, true},
		{"HIGH", VerbosityVerbose, true},
		{"debug", VerbosityDebug, true},
		{"quiet", VerbosityQuiet, true},
		{"loud", "", false},
	}
	for _, tt := range tests {
		got, ok := NormalizeVerbosity(tt.in)
		if got != tt.want || ok != tt.ok {
			t.Fatalf("NormalizeVerbosity(%q) = (%q, %v), want (%q, %v)", tt.in, got, ok, tt.want, tt.ok)
		}
	}
}

func TestQuietDropsInfo(t *testing.T) {
	var buf bytes.Buffer
	log := New(VerbosityQuiet, "text", &buf)
	log.Info("hidden")
	log.Warn("shown")
	out := buf.String()
	if strings.Contains(out, "hidden") {
		t.Fatalf("quiet logger wrote info record: %q", out)
	}
	if !strings.Contains(out, "shown") {
		t.Fatalf("quiet logger dropped warn record: %q", out)
	}
}

func TestJSONFormat(t *testing.T) {
	var buf bytes.Buffer
	log := New("verbose", "json", &buf)
	log.Debug("tool call", slog.String("tool", "get_schema_example"))

	var rec map[string]any
	if err := json.Unmarshal(buf.Bytes(), &rec); err != nil {
		t.Fatalf("decode log line: %v (%q)", err, buf.String())
	}
	if rec["level"] != "DEBUG" || rec["tool"] != "get_schema_example" {
		t.Fatalf("unexpected record: %v", rec)
	}
}
