package logger

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"go.uber.org/zap"
)

func TestNewLoggerWritesToFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "opcode.log")
	log, err := NewLogger(LoggingConfig{Level: "debug", Format: "json", OutputPath: path})
	if err != nil {
		t.Fatalf("failed to create logger: %v", err)
	}

	log.WithSessionID("s1").Info("session started", zap.String("engine", "claude"))
	_ = log.Sync()

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("failed to read log file: %v", err)
	}
	out := string(data)
	for _, want := range []string{`"session_id":"s1"`, `"engine":"claude"`, `"timestamp"`} {
		if !strings.Contains(out, want) {
			t.Fatalf("expected %s in log output, got %s", want, out)
		}
	}
}

func TestWithFieldsDoesNotShareBackingArray(t *testing.T) {
	base := NewNop().WithFields(zap.String("a", "1"))
	left := base.WithFields(zap.String("b", "2"))
	right := base.WithFields(zap.String("c", "3"))

	if len(left.fields) != 2 || len(right.fields) != 2 {
		t.Fatalf("unexpected field counts %d/%d", len(left.fields), len(right.fields))
	}
	if left.fields[1].Key != "b" || right.fields[1].Key != "c" {
		t.Fatalf("derived loggers clobbered each other: %v / %v", left.fields[1].Key, right.fields[1].Key)
	}
}

func TestUnknownLevelFallsBackToInfo(t *testing.T) {
	path := filepath.Join(t.TempDir(), "opcode.log")
	log, err := NewLogger(LoggingConfig{Level: "loud", OutputPath: path})
	if err != nil {
		t.Fatalf("failed to create logger: %v", err)
	}
	log.Debug("hidden")
	log.Info("shown")
	_ = log.Sync()

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("failed to read log file: %v", err)
	}
	if strings.Contains(string(data), "hidden") || !strings.Contains(string(data), "shown") {
		t.Fatalf("unexpected output %s", data)
	}
}
