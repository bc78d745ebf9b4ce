package log

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestLogfRespectsMinimumLevel(t *testing.T) {
	var out bytes.Buffer
	l := &logger{filePath: logFileDisabled, format: logFormatText, minRank: levelRank[warnLevel], console: &out}

	l.logf(infoLevel, "event=test action=skip")
	if out.Len() != 0 {
		t.Fatalf("expected info line to be filtered, got %q", out.String())
	}
	l.logf(errorLevel, "event=test action=%s", "keep")
	if !strings.Contains(out.String(), "ERROR") || !strings.Contains(out.String(), "action=keep") {
		t.Fatalf("expected error line, got %q", out.String())
	}
}

func TestFormatLineJSON(t *testing.T) {
	l := &logger{format: logFormatJSON}
	line := l.formatLine("2026-01-01T00:00:00Z", warnLevel, "presence.(*Machine).Logout", "event=presence status=failed")

	var payload map[string]string
	if err := json.Unmarshal([]byte(line), &payload); err != nil {
		t.Fatalf("expected json line, got %q: %v", line, err)
	}
	if payload["level"] != "WARN" || payload["caller"] != "presence.(*Machine).Logout" {
		t.Fatalf("unexpected payload: %v", payload)
	}
}

func TestWriteToFileRotates(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "chat.log")
	l := &logger{filePath: path, maxSizeBytes: 32, format: logFormatText, console: &bytes.Buffer{}}
	defer func() {
		if l.file != nil {
			_ = l.file.Close()
		}
	}()

	l.writeToFile(strings.Repeat("a", 30) + "\n")
	l.writeToFile(strings.Repeat("b", 30) + "\n")

	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatalf("read dir: %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("expected current and rotated file, got %d entries", len(entries))
	}
	current, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read current: %v", err)
	}
	if !strings.HasPrefix(string(current), "bbb") {
		t.Fatalf("expected rotated file to hold the newest line, got %q", current)
	}
}
