package hookinstall

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
)

func TestInstallCreatesFileWhenMissing(t *testing.T) {
	path := filepath.Join(t.TempDir(), "settings.json")
	if err := Install(path, "SessionStart", "agentmux-hook"); err != nil {
		t.Fatalf("Install: %v", err)
	}

	var doc map[string]any
	raw, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if err := json.Unmarshal(raw, &doc); err != nil {
		t.Fatalf("parse: %v", err)
	}
	hooks := doc["hooks"].(map[string]any)
	entries := hooks["SessionStart"].([]any)
	if len(entries) != 1 {
		t.Fatalf("SessionStart entries = %d, want 1", len(entries))
	}
}

func TestInstallIsIdempotent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "settings.json")
	for i := 0; i < 3; i++ {
		if err := Install(path, "Stop", "agentmux-hook"); err != nil {
			t.Fatalf("Install #%d: %v", i, err)
		}
	}

	entries, err := readEventEntries(path, "Stop")
	if err != nil {
		t.Fatalf("readEventEntries: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("Stop entries = %d, want exactly 1 after repeated installs", len(entries))
	}
}

func TestInstallPreservesUnknownKeys(t *testing.T) {
	path := filepath.Join(t.TempDir(), "settings.json")
	seed := `{"theme":"dark","hooks":{"PreToolUse":[{"matcher":"*","hooks":[{"type":"command","command":"existing"}]}]}}`
	if err := os.WriteFile(path, []byte(seed), 0o600); err != nil {
		t.Fatalf("write seed: %v", err)
	}

	if err := Install(path, "SessionStart", "agentmux-hook"); err != nil {
		t.Fatalf("Install: %v", err)
	}

	var doc map[string]any
	raw, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if err := json.Unmarshal(raw, &doc); err != nil {
		t.Fatalf("parse: %v", err)
	}
	if doc["theme"] != "dark" {
		t.Fatalf("theme = %v, want dark (unrelated key must survive)", doc["theme"])
	}
	hooks := doc["hooks"].(map[string]any)
	if _, ok := hooks["PreToolUse"]; !ok {
		t.Fatal("expected PreToolUse hook entry to survive the merge")
	}
	if _, ok := hooks["SessionStart"]; !ok {
		t.Fatal("expected SessionStart hook entry to be added")
	}
}

func TestInstallAddsSeparateEntriesForDifferentCommands(t *testing.T) {
	path := filepath.Join(t.TempDir(), "settings.json")
	if err := Install(path, "SessionStart", "cmd-one"); err != nil {
		t.Fatalf("Install: %v", err)
	}
	if err := Install(path, "SessionStart", "cmd-two"); err != nil {
		t.Fatalf("Install: %v", err)
	}

	entries, err := readEventEntries(path, "SessionStart")
	if err != nil {
		t.Fatalf("readEventEntries: %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("SessionStart entries = %d, want 2", len(entries))
	}
}

func TestInstallRejectsEmptyEventOrCommand(t *testing.T) {
	path := filepath.Join(t.TempDir(), "settings.json")
	if err := Install(path, "", "cmd"); err == nil {
		t.Fatal("expected an error for empty event name")
	}
	if err := Install(path, "SessionStart", ""); err == nil {
		t.Fatal("expected an error for empty command")
	}
}

func readEventEntries(path, event string) ([]hookEntry, error) {
	doc, err := readSettings(path)
	if err != nil {
		return nil, err
	}
	hooksVal, _ := doc["hooks"].(map[string]any)
	return decodeEventEntries(hooksVal[event])
}
