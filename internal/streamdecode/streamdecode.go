// Package streamdecode normalizes the two agent-driver JSONL stream
// families into a single sequence of orchestration.ChatMessage
// values. Family B events are translated into Family A envelopes and fed
// through the same path, so there is exactly one place content blocks turn
// into chat messages.
package streamdecode

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/haasonsaas/nexus/internal/orchestration"
)

// familyAEnvelope mirrors the driver's top-level JSONL object. Fields are
// left as json.RawMessage/any where the shape is nested so unknown
// subtypes don't break decoding.
type familyAEnvelope struct {
	Type    string          `json:"type"`
	Subtype string          `json:"subtype,omitempty"`
	Message *familyAMessage `json:"message,omitempty"`
	Result  *string         `json:"result,omitempty"`
	IsError bool            `json:"is_error,omitempty"`
}

type familyAMessage struct {
	Role    string             `json:"role"`
	Content []familyAContent   `json:"content"`
}

type familyAContent struct {
	Type      string          `json:"type"`
	Text      string          `json:"text,omitempty"`
	ID        string          `json:"id,omitempty"`
	Name      string          `json:"name,omitempty"`
	Input     json.RawMessage `json:"input,omitempty"`
	ToolUseID string          `json:"tool_use_id,omitempty"`
	IsError   bool            `json:"is_error,omitempty"`
	Content   json.RawMessage `json:"content,omitempty"`
}

// DecodeFamilyALine decodes a single Family A JSONL line into zero or more
// ChatMessages. Unknown top-level/content types are skipped rather than
// erroring, since the protocol may add new ones.
func DecodeFamilyALine(line []byte, now time.Time) ([]orchestration.ChatMessage, error) {
	var env familyAEnvelope
	if err := json.Unmarshal(line, &env); err != nil {
		return nil, fmt.Errorf("streamdecode: invalid json: %w", err)
	}
	ts := now.UnixMilli()

	if env.Message == nil {
		if env.Result != nil {
			return []orchestration.ChatMessage{{
				Role: orchestration.ChatRoleSystem, Content: *env.Result, TsMs: ts,
			}}, nil
		}
		return nil, nil
	}

	role := orchestration.ChatRoleAssistant
	switch env.Message.Role {
	case "user":
		role = orchestration.ChatRoleUser
	case "system":
		role = orchestration.ChatRoleSystem
	}

	var out []orchestration.ChatMessage
	for _, block := range env.Message.Content {
		switch block.Type {
		case "text":
			if block.Text != "" {
				out = append(out, orchestration.ChatMessage{Role: role, Content: block.Text, TsMs: ts})
			}
		case "tool_use":
			out = append(out, orchestration.ChatMessage{
				Role:      orchestration.ChatRoleAssistant,
				Content:   FormatToolInput(block.Name, block.Input),
				ToolName:  block.Name,
				ToolInput: string(block.Input),
				ToolUseID: block.ID,
				TsMs:      ts,
			})
		case "tool_result":
			out = append(out, orchestration.ChatMessage{
				Role:       orchestration.ChatRoleTool,
				Content:    collapseToolResultContent(block.Content),
				ToolUseID:  block.ToolUseID,
				ToolResult: collapseToolResultContent(block.Content),
				IsError:    block.IsError,
				TsMs:       ts,
			})
		}
	}
	return out, nil
}

// collapseToolResultContent handles the tool_result content field being
// either a bare JSON string or an array of {text} parts.
func collapseToolResultContent(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	var parts []struct {
		Text string `json:"text"`
	}
	if err := json.Unmarshal(raw, &parts); err == nil {
		texts := make([]string, 0, len(parts))
		for _, p := range parts {
			texts = append(texts, p.Text)
		}
		return strings.Join(texts, "\n")
	}
	return string(raw)
}

// familyBEvent mirrors the alternate driver's event envelope.
type familyBEvent struct {
	Type string          `json:"type"`
	Item *familyBItem    `json:"item,omitempty"`
	Error *string        `json:"error,omitempty"`
}

type familyBItem struct {
	Type    string          `json:"type"` // reasoning | command_execution | agent_message
	Text    string          `json:"text,omitempty"`
	Command string          `json:"command,omitempty"`
}

// DecodeFamilyBLine decodes a single Family B event, translating it into
// the equivalent Family A envelope and delegating to DecodeFamilyALine.
func DecodeFamilyBLine(line []byte, now time.Time) ([]orchestration.ChatMessage, error) {
	var ev familyBEvent
	if err := json.Unmarshal(line, &ev); err != nil {
		return nil, fmt.Errorf("streamdecode: invalid json: %w", err)
	}

	ts := now.UnixMilli()
	switch ev.Type {
	case "error":
		msg := ""
		if ev.Error != nil {
			msg = *ev.Error
		}
		return []orchestration.ChatMessage{{Role: orchestration.ChatRoleSystem, Content: msg, IsError: true, TsMs: ts}}, nil
	case "item.completed":
		if ev.Item == nil {
			return nil, nil
		}
		switch ev.Item.Type {
		case "agent_message", "reasoning":
			if ev.Item.Text == "" {
				return nil, nil
			}
			return []orchestration.ChatMessage{{Role: orchestration.ChatRoleAssistant, Content: ev.Item.Text, TsMs: ts}}, nil
		case "command_execution":
			return []orchestration.ChatMessage{{
				Role:     orchestration.ChatRoleAssistant,
				Content:  FormatToolInput("Bash", json.RawMessage(fmt.Sprintf(`{"command":%q}`, ev.Item.Command))),
				ToolName: "Bash",
				TsMs:     ts,
			}}, nil
		}
	}
	return nil, nil
}

// FormatToolInput renders a tool's input for display per the truncation
// rules: shell commands truncated at 100 chars, path tools show the path,
// Glob/Grep render "<pattern> in <path>" or "<pattern>", everything else is
// sorted key=value pairs with values truncated at 50 chars.
func FormatToolInput(toolName string, input json.RawMessage) string {
	var m map[string]any
	if err := json.Unmarshal(input, &m); err != nil {
		return ""
	}

	switch toolName {
	case "Bash":
		return truncate(stringField(m, "command"), 100)
	case "Read", "Write", "Edit":
		return stringField(m, "file_path")
	case "Glob", "Grep":
		pattern := stringField(m, "pattern")
		if path := stringField(m, "path"); path != "" {
			return fmt.Sprintf("%s in %s", pattern, path)
		}
		return pattern
	}

	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		v := m[k]
		s, ok := v.(string)
		if !ok {
			b, _ := json.Marshal(v)
			s = string(b)
		}
		parts = append(parts, fmt.Sprintf("%s=%s", k, truncate(s, 50)))
	}
	return strings.Join(parts, ", ")
}

func stringField(m map[string]any, key string) string {
	if v, ok := m[key].(string); ok {
		return v
	}
	return ""
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
