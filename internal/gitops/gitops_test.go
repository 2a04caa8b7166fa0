package gitops

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"testing"
)

func hasGit(t *testing.T) {
	t.Helper()
	if _, err := exec.LookPath("git"); err != nil {
		t.Skip("git not available")
	}
}

func initRepo(t *testing.T, g *Gateway, dir string) {
	t.Helper()
	ctx := context.Background()
	if _, err := exec.CommandContext(ctx, "git", "init", "-q", dir).CombinedOutput(); err != nil {
		t.Fatalf("git init: %v", err)
	}
	cmd := exec.CommandContext(ctx, "git", "-C", dir, "config", "user.email", "test@example.com")
	if err := cmd.Run(); err != nil {
		t.Fatalf("config email: %v", err)
	}
	cmd = exec.CommandContext(ctx, "git", "-C", dir, "config", "user.name", "Test")
	if err := cmd.Run(); err != nil {
		t.Fatalf("config name: %v", err)
	}
	if err := os.WriteFile(filepath.Join(dir, "README.md"), []byte("hi"), 0o644); err != nil {
		t.Fatalf("write file: %v", err)
	}
	if err := g.AddPath(ctx, dir, "."); err != nil {
		t.Fatalf("add: %v", err)
	}
	if err := g.Commit(ctx, dir, "initial"); err != nil {
		t.Fatalf("commit: %v", err)
	}
}

func TestCommitAndRevParse(t *testing.T) {
	hasGit(t)
	dir := t.TempDir()
	g := New()
	initRepo(t, g, dir)

	sha, err := g.RevParse(context.Background(), dir, "HEAD")
	if err != nil {
		t.Fatalf("rev-parse: %v", err)
	}
	if len(sha) < 7 {
		t.Fatalf("unexpected sha %q", sha)
	}
}

func TestDiffCachedHasChanges(t *testing.T) {
	hasGit(t)
	dir := t.TempDir()
	g := New()
	initRepo(t, g, dir)

	ctx := context.Background()
	if err := os.WriteFile(filepath.Join(dir, "new.txt"), []byte("x"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	if err := g.AddPath(ctx, dir, "new.txt"); err != nil {
		t.Fatalf("add: %v", err)
	}
	changed, err := g.DiffCachedHasChanges(ctx, dir)
	if err != nil {
		t.Fatalf("diff: %v", err)
	}
	if !changed {
		t.Fatalf("expected staged changes to be detected")
	}
}

func TestErrorCarriesStderr(t *testing.T) {
	hasGit(t)
	g := New()
	_, err := g.RevParse(context.Background(), t.TempDir(), "not-a-ref")
	if err == nil {
		t.Fatalf("expected error")
	}
	gerr, ok := err.(*Error)
	if !ok {
		t.Fatalf("expected *Error, got %T", err)
	}
	if gerr.ExitCode == 0 {
		t.Errorf("expected non-zero exit code")
	}
}

func TestListAndDeleteLocalBranches(t *testing.T) {
	hasGit(t)
	g := New()
	dir := t.TempDir()
	initRepo(t, g, dir)
	ctx := context.Background()

	if _, err := exec.CommandContext(ctx, "git", "-C", dir, "branch", "wt-agent-1").CombinedOutput(); err != nil {
		t.Fatalf("create branch: %v", err)
	}

	branches, err := g.ListLocalBranches(ctx, dir)
	if err != nil {
		t.Fatalf("ListLocalBranches: %v", err)
	}
	found := false
	for _, b := range branches {
		if b == "wt-agent-1" {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected wt-agent-1 among branches, got %v", branches)
	}

	if err := g.DeleteLocalBranch(ctx, dir, "wt-agent-1"); err != nil {
		t.Fatalf("DeleteLocalBranch: %v", err)
	}
	branches, err = g.ListLocalBranches(ctx, dir)
	if err != nil {
		t.Fatalf("ListLocalBranches after delete: %v", err)
	}
	for _, b := range branches {
		if b == "wt-agent-1" {
			t.Fatalf("expected wt-agent-1 to be deleted, branches: %v", branches)
		}
	}
}
