package logging

import (
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestLoggerWritesJSONLines(t *testing.T) {
	dir := t.TempDir()
	logger, err := New(dir, slog.LevelInfo)
	if err != nil {
		t.Fatalf("new logger: %v", err)
	}
	logger.Info("module loaded", "module", "dns-tools")
	logger.Debug("hidden")
	logger.Printf("bridge listening on %s\n", "127.0.0.1:8765")
	if err := logger.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	data, err := os.ReadFile(filepath.Join(dir, "sleuth.log"))
	if err != nil {
		t.Fatalf("read log: %v", err)
	}
	content := string(data)
	if !strings.Contains(content, `"module":"dns-tools"`) {
		t.Fatalf("missing structured attribute: %s", content)
	}
	if strings.Contains(content, "hidden") {
		t.Fatalf("debug line should be filtered: %s", content)
	}
	if !strings.Contains(content, "bridge listening on 127.0.0.1:8765") {
		t.Fatalf("missing printf line: %s", content)
	}
}

func TestParseLevel(t *testing.T) {
	if ParseLevel("DEBUG") != slog.LevelDebug {
		t.Fatalf("expected debug")
	}
	if ParseLevel("nonsense") != slog.LevelInfo {
		t.Fatalf("expected info fallback")
	}
}
