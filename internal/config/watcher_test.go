package config

import (
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestPermissionsWatcherReloadsOnWrite(t *testing.T) {
	dir := t.TempDir()
	globalPath := filepath.Join(dir, "permissions.toml")
	if err := os.WriteFile(globalPath, []byte(`
[[rules]]
tool = "Bash"
action = "allow"
`), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}

	w, err := NewPermissionsWatcher(globalPath, "", slog.New(slog.NewTextHandler(io.Discard, nil)))
	if err != nil {
		t.Fatalf("NewPermissionsWatcher: %v", err)
	}
	if len(w.Rules().Rules) != 1 {
		t.Fatalf("expected 1 initial rule, got %d", len(w.Rules().Rules))
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go w.Run(ctx) //nolint:errcheck

	time.Sleep(50 * time.Millisecond)
	if err := os.WriteFile(globalPath, []byte(`
[[rules]]
tool = "Bash"
action = "allow"

[[rules]]
tool = "Edit"
action = "deny"
`), 0o644); err != nil {
		t.Fatalf("rewrite: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if len(w.Rules().Rules) == 2 {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatalf("expected reload to pick up 2 rules, got %d", len(w.Rules().Rules))
}
