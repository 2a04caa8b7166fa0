package agentdriver

import (
	"context"
	"os"
	"path/filepath"
	"runtime"
	"testing"
	"time"

	"github.com/haasonsaas/nexus/internal/orchestration"
)

func writeFakeBinary(t *testing.T, dir, name, script string) string {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("fake binary scripts are POSIX-shell only")
	}
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte("#!/bin/sh\n"+script+"\n"), 0o755); err != nil {
		t.Fatalf("write fake binary: %v", err)
	}
	return path
}

func TestStartLaunchesClaudeProcess(t *testing.T) {
	dir := t.TempDir()
	bin := writeFakeBinary(t, dir, "fake-claude", `cat > /dev/null
echo '{"type":"result"}'
`)

	d := &Driver{ClaudeBin: bin}
	proc, err := d.Start(context.Background(), t.TempDir(), nil)
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	if proc.PID == 0 {
		t.Fatalf("expected nonzero pid")
	}
	proc.Stdin.Close()

	done := make(chan struct{})
	go func() {
		proc.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatalf("process did not exit")
	}
}

func TestStartTurnRunsCodexOnceAndParsesThreadID(t *testing.T) {
	dir := t.TempDir()
	bin := writeFakeBinary(t, dir, "fake-codex", `cat > /dev/null
echo '{"thread_id":"thread-42"}'
echo '{"type":"item.completed","item":{"type":"agent_message","text":"done"}}'
`)

	d := &Driver{CodexBin: bin}
	out, threadID, err := d.StartTurn(context.Background(), t.TempDir(), nil, orchestration.ChatMessage{Content: "do it"}, "")
	if err != nil {
		t.Fatalf("StartTurn: %v", err)
	}
	if threadID != "thread-42" {
		t.Fatalf("threadID = %q, want thread-42", threadID)
	}
	if len(out) == 0 {
		t.Fatalf("expected non-empty transcript")
	}
}

func TestStartRejectsUnsafeBinaryName(t *testing.T) {
	d := &Driver{ClaudeBin: "-rf"}
	if _, err := d.Start(context.Background(), t.TempDir(), nil); err == nil {
		t.Fatalf("expected error for unsafe binary name")
	}
}
