package logging

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestPreInitLoggerUsesConfiguredHandler(t *testing.T) {
	logger := L("expect")

	var buf bytes.Buffer
	Init("text", "info", &buf)

	logger.Info("session opened", "sessionId", "abc-123")

	out := buf.String()
	if !strings.Contains(out, "msg=\"session opened\"") {
		t.Fatalf("expected message, got: %s", out)
	}
	if !strings.Contains(out, "component=expect") {
		t.Fatalf("expected component field, got: %s", out)
	}
	if !strings.Contains(out, "sessionId=abc-123") {
		t.Fatalf("expected sessionId field, got: %s", out)
	}
}

func TestPreInitLoggerRespectsConfiguredLevel(t *testing.T) {
	logger := L("proc")

	var buf bytes.Buffer
	Init("text", "warn", &buf)

	logger.Info("hidden")
	logger.Warn("shown")

	out := buf.String()
	if strings.Contains(out, "hidden") {
		t.Fatalf("info log should be filtered at warn level: %s", out)
	}
	if !strings.Contains(out, "shown") {
		t.Fatalf("warn log should be emitted: %s", out)
	}
}

func TestRotatingWriterRotates(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "session.log")

	rw, err := NewRotatingWriter(path, 1, 2)
	if err != nil {
		t.Fatalf("NewRotatingWriter: %v", err)
	}
	defer rw.Close()

	// Force a rotation by pretending the size limit is tiny.
	rw.maxSize = 8

	if _, err := rw.Write([]byte("0123456\n")); err != nil {
		t.Fatalf("first write: %v", err)
	}
	if _, err := rw.Write([]byte("89\n")); err != nil {
		t.Fatalf("second write: %v", err)
	}

	if _, err := os.Stat(path + ".1"); err != nil {
		t.Fatalf("expected rotated backup: %v", err)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read live file: %v", err)
	}
	if string(data) != "89\n" {
		t.Fatalf("live file = %q, want %q", data, "89\n")
	}
}
