package cmd

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/aldersonek/crew/internal/batch"
)

func TestRootCommand(t *testing.T) {
	if rootCmd == nil {
		t.Fatal("rootCmd is nil")
	}

	if rootCmd.Use != "crew" {
		t.Errorf("rootCmd.Use = %q, want %q", rootCmd.Use, "crew")
	}

	// Check for expected subcommands (compare by Name(), not Use which includes args)
	expectedCmds := []string{"worker", "delegate", "status", "wait", "board", "team", "batch"}
	cmdMap := make(map[string]bool)
	for _, cmd := range rootCmd.Commands() {
		cmdMap[cmd.Name()] = true
	}

	for _, expected := range expectedCmds {
		if !cmdMap[expected] {
			t.Errorf("expected subcommand %q not found", expected)
		}
	}
}

func TestBoardSubcommands(t *testing.T) {
	expected := []string{"create", "list", "claim", "update"}
	cmdMap := make(map[string]bool)
	for _, cmd := range boardCmd.Commands() {
		cmdMap[cmd.Name()] = true
	}
	for _, name := range expected {
		if !cmdMap[name] {
			t.Errorf("expected board subcommand %q not found", name)
		}
	}
}

func TestTeamSubcommands(t *testing.T) {
	expected := []string{"list", "teardown"}
	cmdMap := make(map[string]bool)
	for _, cmd := range teamCmd.Commands() {
		cmdMap[cmd.Name()] = true
	}
	for _, name := range expected {
		if !cmdMap[name] {
			t.Errorf("expected team subcommand %q not found", name)
		}
	}
}

func TestBatchItems_FromArgs(t *testing.T) {
	originalTeam, originalAgent, originalFile := batchTeam, batchAgent, batchFile
	defer func() {
		batchTeam, batchAgent, batchFile = originalTeam, originalAgent, originalFile
	}()
	batchTeam = "alpha"
	batchAgent = "runner"
	batchFile = ""

	items, err := batchItems([]string{"one", "two"})
	if err != nil {
		t.Fatalf("batchItems: %v", err)
	}
	if len(items) != 2 {
		t.Fatalf("items = %d, want 2", len(items))
	}
	want := batch.Item{TeamName: "alpha", AgentName: "runner", Prompt: "one"}
	if items[0] != want {
		t.Errorf("items[0] = %+v, want %+v", items[0], want)
	}
}

func TestBatchItems_FromFile(t *testing.T) {
	originalTeam, originalAgent, originalFile := batchTeam, batchAgent, batchFile
	defer func() {
		batchTeam, batchAgent, batchFile = originalTeam, originalAgent, originalFile
	}()
	batchTeam = "alpha"
	batchAgent = "fallback"

	path := filepath.Join(t.TempDir(), "items.json")
	content := `[
		{"agent": "researcher", "prompt": "dig", "model": "fast"},
		{"prompt": "summarize"}
	]`
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	batchFile = path

	items, err := batchItems(nil)
	if err != nil {
		t.Fatalf("batchItems: %v", err)
	}
	if len(items) != 2 {
		t.Fatalf("items = %d, want 2", len(items))
	}
	if items[0].AgentName != "researcher" || items[0].Model != "fast" {
		t.Errorf("items[0] = %+v", items[0])
	}
	if items[1].AgentName != "fallback" {
		t.Errorf("items[1].AgentName = %q, want the --agent fallback", items[1].AgentName)
	}
}

func TestBatchItems_BadFile(t *testing.T) {
	originalFile := batchFile
	defer func() { batchFile = originalFile }()

	batchFile = filepath.Join(t.TempDir(), "missing.json")
	if _, err := batchItems(nil); err == nil {
		t.Error("missing file should error")
	}

	path := filepath.Join(t.TempDir(), "bad.json")
	if err := os.WriteFile(path, []byte("{not json"), 0o644); err != nil {
		t.Fatal(err)
	}
	batchFile = path
	if _, err := batchItems(nil); err == nil {
		t.Error("malformed file should error")
	}
}
