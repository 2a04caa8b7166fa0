package streamdecode

import (
	"testing"
	"time"

	"github.com/haasonsaas/nexus/internal/orchestration"
)

func TestDecodeFamilyATextBlock(t *testing.T) {
	line := []byte(`{"type":"assistant","message":{"role":"assistant","content":[{"type":"text","text":"hello"}]}}`)
	msgs, err := DecodeFamilyALine(line, time.Now())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(msgs) != 1 || msgs[0].Content != "hello" || msgs[0].Role != orchestration.ChatRoleAssistant {
		t.Fatalf("unexpected messages: %+v", msgs)
	}
}

func TestDecodeFamilyAToolUseAndResult(t *testing.T) {
	line := []byte(`{"type":"assistant","message":{"role":"assistant","content":[
		{"type":"tool_use","id":"tu-1","name":"Bash","input":{"command":"ls -la"}}
	]}}`)
	msgs, err := DecodeFamilyALine(line, time.Now())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(msgs) != 1 || msgs[0].ToolName != "Bash" || msgs[0].ToolUseID != "tu-1" {
		t.Fatalf("unexpected messages: %+v", msgs)
	}

	resultLine := []byte(`{"type":"user","message":{"role":"user","content":[
		{"type":"tool_result","tool_use_id":"tu-1","content":[{"text":"line1"},{"text":"line2"}]}
	]}}`)
	msgs, err = DecodeFamilyALine(resultLine, time.Now())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(msgs) != 1 || msgs[0].ToolResult != "line1\nline2" {
		t.Fatalf("unexpected tool result collapse: %+v", msgs)
	}
}

func TestFormatToolInputTruncatesBash(t *testing.T) {
	cmd := ""
	for i := 0; i < 200; i++ {
		cmd += "x"
	}
	input := []byte(`{"command":"` + cmd + `"}`)
	got := FormatToolInput("Bash", input)
	if len(got) != 103 { // 100 chars + "..."
		t.Errorf("expected truncated length 103, got %d: %q", len(got), got)
	}
}

func TestFormatToolInputGlob(t *testing.T) {
	got := FormatToolInput("Glob", []byte(`{"pattern":"*.go","path":"/src"}`))
	if got != "*.go in /src" {
		t.Errorf("unexpected: %q", got)
	}
}

func TestDecodeFamilyBCommandExecution(t *testing.T) {
	line := []byte(`{"type":"item.completed","item":{"type":"command_execution","command":"go test ./..."}}`)
	msgs, err := DecodeFamilyBLine(line, time.Now())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(msgs) != 1 || msgs[0].ToolName != "Bash" {
		t.Fatalf("unexpected messages: %+v", msgs)
	}
}
