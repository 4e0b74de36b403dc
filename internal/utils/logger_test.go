package utils

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

// TestLoggerLevels verifies level tags appear in output
func TestLoggerLevels(t *testing.T) {
	var buf bytes.Buffer
	log := NewLogger(&buf, true)

	log.Debug("debug message")
	log.Info("info message")
	log.Warn("warn message")
	log.Error("error message")

	output := buf.String()
	for _, want := range []string{"[DEBUG]", "[INFO]", "[WARN]", "[ERROR]"} {
		if !strings.Contains(output, want) {
			t.Errorf("output should contain %s, got: %s", want, output)
		}
	}
}

// TestLoggerDebugSuppressed verifies debug is hidden without verbose
func TestLoggerDebugSuppressed(t *testing.T) {
	var buf bytes.Buffer
	log := NewLogger(&buf, false)

	log.Debug("hidden")
	log.Info("shown")

	output := buf.String()
	if strings.Contains(output, "hidden") {
		t.Errorf("debug should be suppressed, got: %s", output)
	}
	if !strings.Contains(output, "shown") {
		t.Errorf("info should appear, got: %s", output)
	}
}

// TestLoggerSetVerbose verifies toggling verbose mode at runtime
func TestLoggerSetVerbose(t *testing.T) {
	var buf bytes.Buffer
	log := NewLogger(&buf, false)

	log.Debug("before")
	log.SetVerbose(true)
	if !log.IsVerbose() {
		t.Fatal("verbose should be enabled")
	}
	log.Debug("after")

	output := buf.String()
	if strings.Contains(output, "before") {
		t.Errorf("debug before enabling verbose should be suppressed, got: %s", output)
	}
	if !strings.Contains(output, "after") {
		t.Errorf("debug after enabling verbose should appear, got: %s", output)
	}
}

// TestLoggerFormatting verifies printf-style arguments
func TestLoggerFormatting(t *testing.T) {
	var buf bytes.Buffer
	log := NewLogger(&buf, false)

	log.Info("synced %d tasks in %s", 12, "300ms")

	if !strings.Contains(buf.String(), "synced 12 tasks in 300ms") {
		t.Errorf("formatted output wrong: %s", buf.String())
	}
}

// TestBackgroundLoggerWritesToFile verifies file logging and Close
func TestBackgroundLoggerWritesToFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "agent.log")

	bl, err := NewBackgroundLoggerWithPath(path)
	if err != nil {
		t.Fatal(err)
	}
	if bl.Path() != path {
		t.Errorf("Path() = %s, want %s", bl.Path(), path)
	}

	bl.Printf("agent started pid=%d", 1234)
	bl.Close()

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(data), "agent started pid=1234") {
		t.Errorf("log file missing entry: %s", data)
	}

	// Writes after Close are discarded, not a panic.
	bl.Printf("after close")
	data, _ = os.ReadFile(path)
	if strings.Contains(string(data), "after close") {
		t.Errorf("write after Close should be discarded: %s", data)
	}
}

// TestBackgroundLoggerBadPath verifies degradation when the file cannot
// be opened
func TestBackgroundLoggerBadPath(t *testing.T) {
	bl, err := NewBackgroundLoggerWithPath(filepath.Join(t.TempDir(), "missing", "agent.log"))
	if err == nil {
		t.Fatal("expected error for unwritable path")
	}

	// Logging must still be safe.
	bl.Printf("discarded")
}
