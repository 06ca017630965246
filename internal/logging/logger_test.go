package logging

import (
	"bufio"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
)

func TestNew_WritesToFile(t *testing.T) {
	dir := t.TempDir()
	l, err := New(dir, LevelInfo)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	l.Info("hello", "key", "value")
	if err := l.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	data, err := os.ReadFile(filepath.Join(dir, "debug.log"))
	if err != nil {
		t.Fatalf("read log: %v", err)
	}

	var entry map[string]any
	if err := json.Unmarshal(data, &entry); err != nil {
		t.Fatalf("log line is not JSON: %v", err)
	}
	if entry["msg"] != "hello" {
		t.Errorf("msg = %v, want hello", entry["msg"])
	}
	if entry["key"] != "value" {
		t.Errorf("key = %v, want value", entry["key"])
	}
}

func TestLogger_LevelFiltering(t *testing.T) {
	dir := t.TempDir()
	l, err := New(dir, LevelWarn)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	l.Debug("debug msg")
	l.Info("info msg")
	l.Warn("warn msg")
	l.Error("error msg")
	if err := l.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	f, err := os.Open(filepath.Join(dir, "debug.log"))
	if err != nil {
		t.Fatalf("open log: %v", err)
	}
	defer func() { _ = f.Close() }()

	var lines int
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		lines++
	}
	if lines != 2 {
		t.Errorf("logged %d lines at WARN, want 2", lines)
	}
}

func TestLogger_ChildAttributes(t *testing.T) {
	dir := t.TempDir()
	l, err := New(dir, LevelDebug)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	child := l.WithTeam("backend").WithAgent("researcher").WithTask("task-1")
	child.Info("working")
	if err := l.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	data, err := os.ReadFile(filepath.Join(dir, "debug.log"))
	if err != nil {
		t.Fatalf("read log: %v", err)
	}

	var entry map[string]any
	if err := json.Unmarshal(data, &entry); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if entry["team"] != "backend" {
		t.Errorf("team = %v, want backend", entry["team"])
	}
	if entry["agent"] != "researcher" {
		t.Errorf("agent = %v, want researcher", entry["agent"])
	}
	if entry["task_id"] != "task-1" {
		t.Errorf("task_id = %v, want task-1", entry["task_id"])
	}
}

func TestParseLevel(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"debug", LevelDebug},
		{"INFO", LevelInfo},
		{"Warn", LevelWarn},
		{"error", LevelError},
		{"bogus", LevelInfo},
		{"", LevelInfo},
	}
	for _, tt := range tests {
		if got := ParseLevel(tt.in); got != tt.want {
			t.Errorf("ParseLevel(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestNop(t *testing.T) {
	l := Nop()
	// Must not panic or write anywhere.
	l.Info("discarded", "k", "v")
	if err := l.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
}
