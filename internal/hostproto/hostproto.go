// Package hostproto implements the optional Host Protocol: a small
// versioned JSONL-over-unix-socket protocol, one socket per live agent
// process, letting a separate lightweight host process own the agent
// subprocess so the orchestration daemon can restart without killing
// in-flight agents and reconnect to them afterward. It is orthogonal to
// the default in-process model and only used when a project opts in
// with host-mode = true.
package hostproto

import "encoding/json"

// ProtocolVersion is the Host Protocol's compatibility version.
const ProtocolVersion = "1.0"

// Message type names, daemon -> host.
const (
	MsgPing   = "host.ping"
	MsgStatus = "host.status"
	MsgAttach = "host.attach"
	MsgDetach = "host.detach"
	MsgSend   = "host.send"
	MsgStop   = "host.stop"
)

// Stream event type names, host -> attached client.
const (
	StreamOutput = "output"
	StreamState  = "state"
	StreamChat   = "chat"
)

// Request is a daemon-to-host message.
type Request struct {
	Type    string          `json:"type"`
	ID      string          `json:"id"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Response is a host-to-daemon reply.
type Response struct {
	Type    string          `json:"type"`
	ID      string          `json:"id"`
	Success bool            `json:"success"`
	Error   string          `json:"error,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// PingResponse is host.ping's payload.
type PingResponse struct {
	Version    string `json:"version"`
	UptimeSecs int64  `json:"uptime_secs"`
}

// AgentInfo mirrors the host's view of the agent it owns.
type AgentInfo struct {
	ID          string `json:"id"`
	Project     string `json:"project"`
	State       string `json:"state"`
	PID         int    `json:"pid,omitempty"`
	Worktree    string `json:"worktree"`
	StartedAtMs int64  `json:"started_at_ms"`
	Backend     string `json:"backend"`
	Role        string `json:"role"`
	IssueID     string `json:"issue_id,omitempty"`
	ExitCode    *int   `json:"exit_code,omitempty"`
}

// StatusResponse is host.status's payload.
type StatusResponse struct {
	Agent            AgentInfo `json:"agent"`
	StreamOffset     int64     `json:"stream_offset"`
	AttachedClients  int       `json:"attached_clients"`
}

// AttachRequest is host.attach's payload. Offset 0 replays all history; -1
// attaches from the live tail only.
type AttachRequest struct {
	Offset int64 `json:"offset"`
}

// AttachResponse is host.attach's reply payload.
type AttachResponse struct {
	CurrentOffset int64 `json:"current_offset"`
}

// SendRequest is host.send's payload: a chat message to inject.
type SendRequest struct {
	Input string `json:"input"`
}

// StopRequest is host.stop's payload.
type StopRequest struct {
	Force      bool   `json:"force,omitempty"`
	TimeoutSecs int   `json:"timeout_secs,omitempty"`
	Reason     string `json:"reason,omitempty"`
}

// StopResponse is host.stop's reply payload.
type StopResponse struct {
	Stopped  bool `json:"stopped"`
	ExitCode *int `json:"exit_code,omitempty"`
}

// StreamEvent is pushed to every attached client after a successful attach.
type StreamEvent struct {
	Type      string          `json:"type"`
	AgentID   string          `json:"agent_id"`
	Offset    int64           `json:"offset"`
	Timestamp string          `json:"timestamp"`
	Data      string          `json:"data,omitempty"`
	State     string          `json:"state,omitempty"`
	Chat      *StreamChatEntry `json:"chat,omitempty"`
}

// StreamChatEntry is a chat message carried by a "chat"-typed StreamEvent.
type StreamChatEntry struct {
	Role     string `json:"role"`
	Content  string `json:"content"`
	ToolName string `json:"tool_name,omitempty"`
	IsError  bool   `json:"is_error,omitempty"`
	TsMs     int64  `json:"ts_ms"`
}
