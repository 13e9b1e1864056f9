// agentmux-hook is the small process the agent's own hook mechanism
// invokes (SessionStart, Stop). It reads a JSON payload from stdin
// describing the event, and on Stop extracts the last assistant turn
// from the session's JSONL transcript and forwards it to agentmuxd's
// Hook Control Server over the runtime directory's control socket.
//
// Usage:
//
//	agentmux-hook --runtime-dir <path>
//
// Stdin (written by the agent's own hook runner):
//
//	{"session_id": "...", "transcript_path": "...", "hook_event_name": "Stop"}
package main

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"time"

	"agentmux/internal/ctrlsock"
	"agentmux/internal/message"
	"agentmux/internal/rundir"
)

const dialTimeout = 3 * time.Second

func main() {
	runtimeDir, err := parseArgs(os.Args[1:])
	if err != nil {
		fmt.Fprintf(os.Stderr, "[agentmux-hook] %v\n", err)
		os.Exit(1)
	}

	var event hookEvent
	if err := json.NewDecoder(os.Stdin).Decode(&event); err != nil {
		fmt.Fprintf(os.Stderr, "[agentmux-hook] decode stdin: %v\n", err)
		os.Exit(1)
	}

	// SessionStart carries no transcript worth forwarding yet; agentmuxd
	// learns of the session from the terminal itself via the Lifecycle
	// Supervisor, not from this hook.
	if event.HookEventName != "Stop" {
		return
	}

	blocks, err := lastAssistantTurn(event.TranscriptPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "[agentmux-hook] read transcript: %v\n", err)
		os.Exit(1)
	}
	if len(blocks) == 0 {
		return
	}

	if err := forward(rundir.New(runtimeDir).ControlSocket(), event.SessionID, blocks); err != nil {
		fmt.Fprintf(os.Stderr, "[agentmux-hook] forward turn: %v\n", err)
		os.Exit(1)
	}
}

// hookEvent is the JSON shape the agent's hook runner writes to stdin,
// matching the Claude Code hook payload (spec.md §6's "Hook integration
// contract").
type hookEvent struct {
	SessionID      string `json:"session_id"`
	TranscriptPath string `json:"transcript_path"`
	HookEventName  string `json:"hook_event_name"`
}

// transcriptLine is one JSONL entry; only the fields needed to find the
// last assistant message are decoded.
type transcriptLine struct {
	Type    string `json:"type"`
	Message *struct {
		Role    string          `json:"role"`
		Content json.RawMessage `json:"content"`
	} `json:"message"`
}

// lastAssistantTurn scans transcriptPath and returns the content blocks
// of the last assistant message, verbatim. Later lines overwrite earlier
// matches, so only one pass is needed.
func lastAssistantTurn(transcriptPath string) ([]message.Block, error) {
	f, err := os.Open(transcriptPath)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var lastContent json.RawMessage
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var tl transcriptLine
		if err := json.Unmarshal(line, &tl); err != nil {
			continue // a malformed line should not abort the whole scan
		}
		if tl.Type == "assistant" && tl.Message != nil && tl.Message.Role == "assistant" {
			lastContent = tl.Message.Content
		}
	}
	if err := scanner.Err(); err != nil && err != io.EOF {
		return nil, err
	}
	if lastContent == nil {
		return nil, nil
	}

	var blocks []message.Block
	if err := json.Unmarshal(lastContent, &blocks); err != nil {
		return nil, fmt.Errorf("decode assistant content blocks: %w", err)
	}
	return blocks, nil
}

// forward connects to the Hook Control Server and sends one broadcast
// request, matching the wire shape internal/hookserver expects.
func forward(controlSocket, session string, blocks []message.Block) error {
	ctx, cancel := context.WithTimeout(context.Background(), dialTimeout)
	defer cancel()

	conn, err := ctrlsock.Dial(ctx, controlSocket)
	if err != nil {
		return err
	}
	defer conn.Close()

	payload, err := json.Marshal(struct {
		Type    string          `json:"type"`
		Session string          `json:"session"`
		Turn    []message.Block `json:"turn"`
	}{Type: "broadcast", Session: session, Turn: blocks})
	if err != nil {
		return err
	}
	payload = append(payload, '\n')

	_, err = conn.Write(payload)
	return err
}

func parseArgs(args []string) (string, error) {
	var runtimeDir string
	for i := 0; i < len(args); i++ {
		switch args[i] {
		case "--runtime-dir":
			if i+1 >= len(args) {
				return "", fmt.Errorf("--runtime-dir requires a value")
			}
			i++
			runtimeDir = args[i]
		default:
			return "", fmt.Errorf("unrecognized argument: %s", args[i])
		}
	}
	if runtimeDir == "" {
		runtimeDir = os.Getenv("AGENTMUX_RUNTIME_DIR")
	}
	if runtimeDir == "" {
		return "", fmt.Errorf("runtime directory required: pass --runtime-dir or set AGENTMUX_RUNTIME_DIR")
	}
	return runtimeDir, nil
}
