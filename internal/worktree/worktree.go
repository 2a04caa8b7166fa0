// Package worktree creates and removes the per-agent git worktrees that
// isolate each coding agent's working directory from every other agent on
// the same project.
package worktree

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/haasonsaas/nexus/internal/gitops"
	"github.com/haasonsaas/nexus/internal/paths"
)

// BranchPrefix namespaces every agent branch so the default branch never
// collides with an agent's working branch.
const BranchPrefix = "nexusd"

// Manager creates and removes agent worktrees for a project.
type Manager struct {
	Git    *gitops.Gateway
	Layout paths.Layout
}

// New returns a Manager bound to the given layout.
func New(layout paths.Layout, git *gitops.Gateway) *Manager {
	if git == nil {
		git = gitops.New()
	}
	return &Manager{Git: git, Layout: layout}
}

// BranchName returns the dedicated branch name for an agent.
func BranchName(agentID string) string {
	return fmt.Sprintf("%s/%s", BranchPrefix, agentID)
}

// Create fetches origin (best-effort), determines the project's default
// branch, and adds a new worktree for agentID branched from
// origin/<default>. It refuses to create over an existing directory.
func (m *Manager) Create(ctx context.Context, project, agentID string) (dir string, branch string, err error) {
	repoDir, err := m.Layout.ProjectRepoDir(project)
	if err != nil {
		return "", "", err
	}
	dir, err = m.Layout.AgentWorktreeDir(project, agentID)
	if err != nil {
		return "", "", err
	}
	if _, statErr := os.Stat(dir); statErr == nil {
		return "", "", fmt.Errorf("worktree: directory already exists: %s", dir)
	}

	_ = m.Git.FetchOrigin(ctx, repoDir)

	defaultBranch, err := m.Git.DefaultBranch(ctx, repoDir)
	if err != nil {
		return "", "", fmt.Errorf("worktree: determine default branch: %w", err)
	}

	branch = BranchName(agentID)
	startPoint := "origin/" + defaultBranch
	if err := m.Git.WorktreeAdd(ctx, repoDir, dir, branch, startPoint); err != nil {
		return "", "", fmt.Errorf("worktree: add %s: %w", dir, err)
	}

	// Canonicalize through any symlinked base dir (common for OS temp dirs,
	// e.g. macOS's /tmp -> /private/tmp) so the path recorded here is the
	// same one the agent subprocess's own getcwd() will report; permission
	// rules match tool-input paths against this string verbatim.
	if resolved, err := filepath.EvalSymlinks(dir); err == nil {
		dir = resolved
	}
	return dir, branch, nil
}

// Remove force-removes an agent's worktree. A missing repo is treated as
// success since there is then nothing left to clean up.
func (m *Manager) Remove(ctx context.Context, project, agentID, dir string) error {
	repoDir, err := m.Layout.ProjectRepoDir(project)
	if err != nil {
		return err
	}
	if _, statErr := os.Stat(repoDir); os.IsNotExist(statErr) {
		return nil
	}
	return m.Git.WorktreeRemove(ctx, repoDir, dir)
}
