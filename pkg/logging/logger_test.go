package logging

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestLoggerLevels(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(WARN, false)
	logger.SetOutput(&buf)

	logger.Info("hidden")
	logger.Warn("shown")

	out := buf.String()
	if strings.Contains(out, "hidden") {
		t.Errorf("INFO message logged at WARN level: %q", out)
	}
	if !strings.Contains(out, "WARN: shown") {
		t.Errorf("Expected WARN message, got %q", out)
	}
}

func TestLoggerJSONFields(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(DEBUG, true)
	logger.SetOutput(&buf)

	child := logger.WithField("run_id", "run_1").WithFields(map[string]interface{}{"page": 2})
	child.Info("page processed", map[string]interface{}{"count": 100})

	var entry LogEntry
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("Failed to decode entry %q: %v", buf.String(), err)
	}
	if entry.Level != "INFO" || entry.Message != "page processed" {
		t.Errorf("Unexpected entry: %+v", entry)
	}
	if entry.Fields["run_id"] != "run_1" || entry.Fields["count"] != float64(100) || entry.Fields["page"] != float64(2) {
		t.Errorf("Unexpected fields: %v", entry.Fields)
	}

	// Parent is not mutated by children
	buf.Reset()
	logger.Info("parent")
	if strings.Contains(buf.String(), "run_1") {
		t.Errorf("Child field leaked into parent: %q", buf.String())
	}
}

func TestLoggerTextFieldsSorted(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(INFO, false)
	logger.SetOutput(&buf)

	logger.WithField("job", "partners.rank").Error("Page failed", map[string]interface{}{
		"error":  "full page did not advance",
		"cursor": "ptn_9",
	})

	out := strings.TrimSpace(buf.String())
	want := `ERROR: Page failed cursor=ptn_9 error="full page did not advance" job=partners.rank`
	if !strings.HasSuffix(out, want) {
		t.Errorf("Expected line ending in %q, got %q", want, out)
	}
	if logger.Enabled(DEBUG) || !logger.Enabled(WARN) {
		t.Error("Enabled does not follow the configured level")
	}
}

func TestParseLevel(t *testing.T) {
	tests := map[string]Level{
		"debug":   DEBUG,
		"INFO":    INFO,
		"warning": WARN,
		" Fatal ": FATAL,
		"error":   ERROR,
		"bogus":   INFO,
	}
	for in, want := range tests {
		if got := ParseLevel(in); got != want {
			t.Errorf("ParseLevel(%q) = %v, want %v", in, got, want)
		}
	}
}

func TestFileLoggerRotation(t *testing.T) {
	dir := t.TempDir()
	logger, err := NewFileLogger(dir, "partnerd", INFO, false)
	if err != nil {
		t.Fatalf("Failed to create file logger: %v", err)
	}
	defer logger.Close()

	logger.Info(strings.Repeat("x", 256))
	if err := logger.RotateIfNeeded(64); err != nil {
		t.Fatalf("Rotate failed: %v", err)
	}

	matches, err := filepath.Glob(filepath.Join(dir, "partnerd.log.*"))
	if err != nil {
		t.Fatal(err)
	}
	if len(matches) != 1 {
		t.Errorf("Expected one rotated file, got %v", matches)
	}
	if _, err := os.Stat(filepath.Join(dir, "partnerd.log")); err != nil {
		t.Errorf("Expected fresh log file: %v", err)
	}
}

func TestGenerateLogrotateConfig(t *testing.T) {
	tests := []struct {
		dir  string
		want string
	}{
		{"", DefaultLogDir + "/partnerd.log {"},
		{"/srv/logs", "/srv/logs/partnerd.log {"},
	}
	for _, tt := range tests {
		conf := GenerateLogrotateConfig("partnerd", tt.dir)
		if !strings.Contains(conf, tt.want) {
			t.Errorf("dir %q: expected %q in\n%s", tt.dir, tt.want, conf)
		}
		if !strings.Contains(conf, "copytruncate") || strings.Contains(conf, "postrotate") {
			t.Errorf("dir %q: expected copytruncate without postrotate", tt.dir)
		}
	}
}
