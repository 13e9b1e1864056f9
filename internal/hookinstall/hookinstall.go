// Package hookinstall implements the Hook Installer (spec §4.12): it
// idempotently merges SessionStart and Stop hook entries into the agent's
// JSON settings file, preserving every other key and every other hook
// already present. Unlike internal/config's YAML file, this is the
// agent's own settings file (~/.claude/settings.json-shaped), so merging
// is done on a generic map[string]any decoded with encoding/json rather
// than the typed yaml.Unmarshal internal/config uses.
package hookinstall

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
)

const (
	hookTypeCommand = "command"
	fileMode        = 0o600
)

// hookEntry is one matcher group under an event name, matching
// ~/.claude/settings.json's { "matcher": "...", "hooks": [...] } shape.
type hookEntry struct {
	Matcher string       `json:"matcher"`
	Hooks   []hookAction `json:"hooks"`
}

type hookAction struct {
	Type    string `json:"type"`
	Command string `json:"command"`
}

// Install merges a command into the named event's hook list at path,
// creating the file and any missing "hooks" structure if needed.
// Idempotent: calling Install repeatedly with the same (event, command)
// never produces duplicate entries.
func Install(path string, event string, command string) error {
	if event == "" {
		return fmt.Errorf("hookinstall: event name required")
	}
	if command == "" {
		return fmt.Errorf("hookinstall: command required")
	}

	doc, err := readSettings(path)
	if err != nil {
		return err
	}

	hooksVal, _ := doc["hooks"].(map[string]any)
	if hooksVal == nil {
		hooksVal = map[string]any{}
	}

	entries, err := decodeEventEntries(hooksVal[event])
	if err != nil {
		return fmt.Errorf("hookinstall: decode %s entries: %w", event, err)
	}

	if hasCommand(entries, command) {
		return nil
	}

	entries = append(entries, hookEntry{
		Matcher: "",
		Hooks:   []hookAction{{Type: hookTypeCommand, Command: command}},
	})
	hooksVal[event] = entries
	doc["hooks"] = hooksVal

	return writeSettings(path, doc)
}

// hasCommand reports whether command already appears in any matcher
// group's hook action list.
func hasCommand(entries []hookEntry, command string) bool {
	for _, entry := range entries {
		for _, action := range entry.Hooks {
			if action.Command == command {
				return true
			}
		}
	}
	return false
}

func decodeEventEntries(raw any) ([]hookEntry, error) {
	if raw == nil {
		return nil, nil
	}
	encoded, err := json.Marshal(raw)
	if err != nil {
		return nil, err
	}
	var entries []hookEntry
	if err := json.Unmarshal(encoded, &entries); err != nil {
		return nil, err
	}
	return entries, nil
}

func readSettings(path string) (map[string]any, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return map[string]any{}, nil
		}
		return nil, fmt.Errorf("hookinstall: read %s: %w", path, err)
	}
	if len(raw) == 0 {
		return map[string]any{}, nil
	}
	var doc map[string]any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("hookinstall: parse %s: %w", path, err)
	}
	if doc == nil {
		doc = map[string]any{}
	}
	return doc, nil
}

// writeSettings atomically writes doc to path via temp file + rename,
// mirroring internal/config's atomicWrite discipline against JSON.
func writeSettings(path string, doc map[string]any) (err error) {
	dir := filepath.Dir(path)
	if err = os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("hookinstall: mkdir: %w", err)
	}

	raw, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return fmt.Errorf("hookinstall: marshal: %w", err)
	}
	raw = append(raw, '\n')

	tmpFile, err := os.CreateTemp(dir, ".settings.json.tmp.*")
	if err != nil {
		return fmt.Errorf("hookinstall: create temp: %w", err)
	}
	tmpPath := tmpFile.Name()

	defer func() {
		if err != nil {
			os.Remove(tmpPath)
		}
	}()

	if err = tmpFile.Chmod(fileMode); err != nil {
		tmpFile.Close()
		return fmt.Errorf("hookinstall: chmod temp: %w", err)
	}
	if _, err = tmpFile.Write(raw); err != nil {
		tmpFile.Close()
		return fmt.Errorf("hookinstall: write: %w", err)
	}
	if err = tmpFile.Sync(); err != nil {
		tmpFile.Close()
		return fmt.Errorf("hookinstall: sync: %w", err)
	}
	if err = tmpFile.Close(); err != nil {
		return fmt.Errorf("hookinstall: close: %w", err)
	}
	if err = os.Rename(tmpPath, path); err != nil {
		return fmt.Errorf("hookinstall: rename: %w", err)
	}
	return nil
}
