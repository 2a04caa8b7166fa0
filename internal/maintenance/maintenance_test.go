package maintenance

import (
	"context"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"testing"

	"github.com/haasonsaas/nexus/internal/claims"
	"github.com/haasonsaas/nexus/internal/gitops"
	"github.com/haasonsaas/nexus/internal/paths"
	"github.com/haasonsaas/nexus/internal/usage"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError + 100}))
}

func TestRunUsageRollupDoesNotPanic(t *testing.T) {
	tracker := usage.NewTracker(usage.DefaultTrackerConfig())
	tracker.Record(usage.Record{Provider: "anthropic", Model: "claude", Project: "demo", Usage: usage.Usage{InputTokens: 10, OutputTokens: 5}})
	RunUsageRollup(tracker, discardLogger())
}

func hasGit(t *testing.T) {
	t.Helper()
	if _, err := exec.LookPath("git"); err != nil {
		t.Skip("git not available")
	}
}

func initTestRepo(t *testing.T, g *gitops.Gateway, dir string) {
	t.Helper()
	ctx := context.Background()
	if _, err := exec.CommandContext(ctx, "git", "init", "-q", dir).CombinedOutput(); err != nil {
		t.Fatalf("git init: %v", err)
	}
	run := func(args ...string) {
		cmd := exec.CommandContext(ctx, "git", append([]string{"-C", dir}, args...)...)
		if out, err := cmd.CombinedOutput(); err != nil {
			t.Fatalf("git %v: %v: %s", args, err, out)
		}
	}
	run("config", "user.email", "test@example.com")
	run("config", "user.name", "Test")
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

func TestRunBranchCleanupDeletesOrphanedBranch(t *testing.T) {
	hasGit(t)
	ctx := context.Background()
	g := gitops.New()
	repoDir := t.TempDir()
	initTestRepo(t, g, repoDir)

	if _, err := exec.CommandContext(ctx, "git", "-C", repoDir, "branch", "nexusd/agent-orphan").CombinedOutput(); err != nil {
		t.Fatalf("create branch: %v", err)
	}
	if _, err := exec.CommandContext(ctx, "git", "-C", repoDir, "branch", "nexusd/agent-live").CombinedOutput(); err != nil {
		t.Fatalf("create branch: %v", err)
	}

	layout, err := paths.Resolve(paths.Options{BaseDir: t.TempDir()})
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}

	liveDir, err := layout.AgentWorktreeDir("demo", "agent-live")
	if err != nil {
		t.Fatalf("AgentWorktreeDir: %v", err)
	}
	if err := os.MkdirAll(liveDir, 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}

	registry := claims.NewRegistry()
	if err := registry.Claim(claims.Key{Project: "demo", IssueID: "issue-1"}, "agent-live-claimed-elsewhere"); err != nil {
		t.Fatalf("Claim: %v", err)
	}

	projects := []ProjectRepo{{Project: "demo", RepoDir: repoDir}}
	RunBranchCleanup(ctx, layout, g, registry, projects, discardLogger())

	branches, err := g.ListLocalBranches(ctx, repoDir)
	if err != nil {
		t.Fatalf("ListLocalBranches: %v", err)
	}
	var remaining map[string]bool = make(map[string]bool)
	for _, b := range branches {
		remaining[b] = true
	}
	if remaining["nexusd/agent-orphan"] {
		t.Fatalf("expected orphaned branch to be deleted, got %v", branches)
	}
	if !remaining["nexusd/agent-live"] {
		t.Fatalf("expected live-worktree branch to survive, got %v", branches)
	}
}

func TestAgentIDFromBranch(t *testing.T) {
	id, ok := agentIDFromBranch("nexusd/abc-123")
	if !ok || id != "abc-123" {
		t.Fatalf("agentIDFromBranch = %q, %v", id, ok)
	}
	if _, ok := agentIDFromBranch("main"); ok {
		t.Fatalf("expected main to not match agent branch prefix")
	}
}
