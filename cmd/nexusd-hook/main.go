// Command nexusd-hook is the tool-use callback a spawned claude/codex
// process invokes before running a tool. It reads the hook payload from
// stdin, asks the daemon (over the socket named by NEXUSD_HOOK_SOCKET) to
// authorize the call, and reports the verdict back to the CLI via its
// hook exit-code/stdout contract: exit 0 with no output to allow, exit 2
// with a stderr reason to deny.
//
// It is invoked once per tool call, never kept running, so it dials,
// sends one request, reads one response, and exits.
package main

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"os"
	"time"
)

const dialTimeout = 5 * time.Second
const requestTimeout = 120 * time.Second

// hookInput is the subset of the CLI's tool-use hook payload nexusd-hook
// needs; everything else on stdin is ignored.
type hookInput struct {
	ToolName  string          `json:"tool_name"`
	ToolInput json.RawMessage `json:"tool_input"`
	ToolUseID string          `json:"tool_use_id"`
}

type envelope struct {
	Type    string          `json:"type"`
	ID      string          `json:"id,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
	Success *bool           `json:"success,omitempty"`
	Error   string          `json:"error,omitempty"`
}

type permissionDecision struct {
	Behavior string `json:"behavior"`
	Message  string `json:"message,omitempty"`
}

func main() {
	os.Exit(run())
}

func run() int {
	socketPath := os.Getenv("NEXUSD_HOOK_SOCKET")
	agentID := os.Getenv("NEXUSD_AGENT_ID")
	if socketPath == "" || agentID == "" {
		fmt.Fprintln(os.Stderr, "nexusd-hook: NEXUSD_HOOK_SOCKET and NEXUSD_AGENT_ID must be set")
		return 2
	}

	var in hookInput
	if err := json.NewDecoder(os.Stdin).Decode(&in); err != nil {
		fmt.Fprintf(os.Stderr, "nexusd-hook: reading hook payload: %v\n", err)
		return 2
	}

	decision, err := requestPermission(socketPath, agentID, in)
	if err != nil {
		fmt.Fprintf(os.Stderr, "nexusd-hook: permission request failed: %v\n", err)
		return 2
	}

	if decision.Behavior != "allow" {
		msg := decision.Message
		if msg == "" {
			msg = "blocked by nexusd"
		}
		fmt.Fprintln(os.Stderr, msg)
		return 2
	}
	return 0
}

// requestPermission dials the daemon's hook socket, issues a single
// permission.request, and waits for its matching response line. The
// connection carries exactly one request/response pair and is never
// attached, so every line read back is either that response or garbage.
func requestPermission(socketPath, agentID string, in hookInput) (permissionDecision, error) {
	conn, err := net.DialTimeout("unix", socketPath, dialTimeout)
	if err != nil {
		return permissionDecision{}, fmt.Errorf("dial %s: %w", socketPath, err)
	}
	defer conn.Close()

	payload, err := json.Marshal(map[string]any{
		"agent_id":    agentID,
		"tool_name":   in.ToolName,
		"tool_input":  in.ToolInput,
		"tool_use_id": in.ToolUseID,
	})
	if err != nil {
		return permissionDecision{}, err
	}

	reqID := fmt.Sprintf("hook-%d", time.Now().UnixNano())
	req := envelope{Type: "permission.request", ID: reqID, Payload: payload}
	line, err := json.Marshal(req)
	if err != nil {
		return permissionDecision{}, err
	}
	if err := conn.SetDeadline(time.Now().Add(requestTimeout)); err != nil {
		return permissionDecision{}, err
	}
	if _, err := conn.Write(append(line, '\n')); err != nil {
		return permissionDecision{}, fmt.Errorf("write request: %w", err)
	}

	scanner := bufio.NewScanner(conn)
	scanner.Buffer(make([]byte, 0, 16*1024), 1024*1024)
	for scanner.Scan() {
		var resp envelope
		if err := json.Unmarshal(scanner.Bytes(), &resp); err != nil {
			continue
		}
		if resp.ID != reqID {
			continue
		}
		if resp.Success == nil || !*resp.Success {
			return permissionDecision{}, fmt.Errorf("daemon: %s", resp.Error)
		}
		var decision permissionDecision
		if err := json.Unmarshal(resp.Payload, &decision); err != nil {
			return permissionDecision{}, fmt.Errorf("decode decision: %w", err)
		}
		return decision, nil
	}
	if err := scanner.Err(); err != nil && err != io.EOF {
		return permissionDecision{}, fmt.Errorf("read response: %w", err)
	}
	return permissionDecision{}, fmt.Errorf("connection closed before a response arrived")
}
