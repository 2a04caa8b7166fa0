// Package merge coordinates integrating a finished agent's worktree branch
// back into its project: a direct fast-forward-merge strategy and
// a push-for-review pull-request strategy, each serialized per project so
// two merges never race against the same repository.
package merge

import (
	"context"
	"fmt"

	"github.com/haasonsaas/nexus/internal/gitops"
	"github.com/haasonsaas/nexus/internal/process"
)

// Conflict is a non-fatal rebase failure; the caller should mark the
// agent needs_resolution and report it rather than treat it as fatal.
type Conflict struct {
	Branch string
	Err    error
}

func (c *Conflict) Error() string {
	return fmt.Sprintf("merge: rebase conflict on %s: %v", c.Branch, c.Err)
}

func (c *Conflict) Unwrap() error { return c.Err }

// Merged is the result of a successful direct-strategy merge.
type Merged struct {
	SHA    string
	Branch string
}

// Ready is the result of a successful pull-request-strategy push.
type Ready struct {
	SHA         string
	Branch      string
	BaseBranch  string
}

// Coordinator serializes merge/push operations per project using a
// dedicated command-queue lane, so at most one is ever in flight for a
// given repository.
type Coordinator struct {
	Git     *gitops.Gateway
	queue   *process.CommandQueue
}

// NewCoordinator returns a Coordinator with its own per-project lanes.
func NewCoordinator(git *gitops.Gateway) *Coordinator {
	if git == nil {
		git = gitops.New()
	}
	return &Coordinator{Git: git, queue: process.NewCommandQueue()}
}

func lane(project string) process.CommandLane {
	return process.CommandLane("merge:" + project)
}

// Direct rebases the agent's worktree onto the project's default branch,
// fast-forward-merges it into the local default branch, and pushes.
func (c *Coordinator) Direct(ctx context.Context, repoDir, worktreeDir, agentBranch string) (Merged, error) {
	c.queue.SetLaneConcurrency(lane(repoDir), 1)
	return process.EnqueueInLane(c.queue, lane(repoDir), func(ctx context.Context) (Merged, error) {
		return c.directLocked(ctx, repoDir, worktreeDir, agentBranch)
	}, &process.EnqueueOptions{Context: ctx})
}

func (c *Coordinator) directLocked(ctx context.Context, repoDir, worktreeDir, agentBranch string) (Merged, error) {
	if err := c.Git.FetchOrigin(ctx, repoDir); err != nil {
		return Merged{}, fmt.Errorf("merge: fetch origin: %w", err)
	}

	base, err := c.Git.DefaultBranch(ctx, repoDir)
	if err != nil {
		return Merged{}, fmt.Errorf("merge: determine default branch: %w", err)
	}
	upstream := "origin/" + base

	if err := c.Git.Checkout(ctx, repoDir, base); err != nil {
		if err := c.Git.CheckoutForce(ctx, repoDir, base, upstream); err != nil {
			return Merged{}, fmt.Errorf("merge: checkout base: %w", err)
		}
	}
	if err := c.Git.ResetHard(ctx, repoDir, upstream); err != nil {
		return Merged{}, fmt.Errorf("merge: reset base to upstream: %w", err)
	}

	if err := c.Git.RebaseOnto(ctx, worktreeDir, upstream); err != nil {
		c.Git.RebaseAbortBestEffort(ctx, worktreeDir)
		return Merged{}, &Conflict{Branch: agentBranch, Err: err}
	}

	sha, err := c.Git.RevParse(ctx, worktreeDir, "HEAD")
	if err != nil {
		return Merged{}, fmt.Errorf("merge: rev-parse worktree HEAD: %w", err)
	}

	if err := c.Git.MergeFFOnly(ctx, repoDir, agentBranch); err != nil {
		return Merged{}, fmt.Errorf("merge: fast-forward merge: %w", err)
	}

	if err := c.Git.PushRef(ctx, repoDir, base); err != nil {
		c.Git.ResetHard(ctx, repoDir, upstream) //nolint:errcheck // best-effort rollback
		return Merged{}, fmt.Errorf("merge: push base: %w", err)
	}

	return Merged{SHA: sha, Branch: agentBranch}, nil
}

// PullRequest rebases the agent's worktree onto the project's default
// branch and force-with-lease-pushes it to the same-named remote branch,
// leaving the worktree intact for review.
func (c *Coordinator) PullRequest(ctx context.Context, repoDir, worktreeDir, agentBranch string) (Ready, error) {
	c.queue.SetLaneConcurrency(lane(repoDir), 1)
	return process.EnqueueInLane(c.queue, lane(repoDir), func(ctx context.Context) (Ready, error) {
		return c.pullRequestLocked(ctx, repoDir, worktreeDir, agentBranch)
	}, &process.EnqueueOptions{Context: ctx})
}

func (c *Coordinator) pullRequestLocked(ctx context.Context, repoDir, worktreeDir, agentBranch string) (Ready, error) {
	if err := c.Git.FetchOrigin(ctx, repoDir); err != nil {
		return Ready{}, fmt.Errorf("merge: fetch origin: %w", err)
	}
	base, err := c.Git.DefaultBranch(ctx, repoDir)
	if err != nil {
		return Ready{}, fmt.Errorf("merge: determine default branch: %w", err)
	}
	upstream := "origin/" + base

	if err := c.Git.RebaseOnto(ctx, worktreeDir, upstream); err != nil {
		c.Git.RebaseAbortBestEffort(ctx, worktreeDir)
		return Ready{}, &Conflict{Branch: agentBranch, Err: err}
	}

	sha, err := c.Git.RevParse(ctx, worktreeDir, "HEAD")
	if err != nil {
		return Ready{}, fmt.Errorf("merge: rev-parse worktree HEAD: %w", err)
	}

	if err := c.Git.PushRefForceWithLease(ctx, worktreeDir, agentBranch, agentBranch); err != nil {
		return Ready{}, fmt.Errorf("merge: push agent branch: %w", err)
	}

	return Ready{SHA: sha, Branch: agentBranch, BaseBranch: base}, nil
}
