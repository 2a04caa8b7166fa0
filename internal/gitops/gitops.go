// Package gitops wraps the git CLI with the narrow set of operations the
// orchestration core needs: worktree lifecycle, fast-forward merges, and
// rebase-based branch updates. Every operation surfaces a single *Error
// carrying the exit status and stderr rather than a bare exec error.
package gitops

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strings"
	"time"
)

// Error wraps a failed git invocation with its exit status and stderr.
type Error struct {
	Args     []string
	ExitCode int
	Stderr   string
}

func (e *Error) Error() string {
	return fmt.Sprintf("git %s: exit %d: %s", strings.Join(e.Args, " "), e.ExitCode, strings.TrimSpace(e.Stderr))
}

// Gateway runs git commands against a working directory.
type Gateway struct {
	GitBin  string
	Timeout time.Duration
}

// New returns a Gateway using the system "git" binary with a 2-minute
// default per-command timeout.
func New() *Gateway {
	return &Gateway{GitBin: "git", Timeout: 2 * time.Minute}
}

func (g *Gateway) bin() string {
	if g.GitBin != "" {
		return g.GitBin
	}
	return "git"
}

// run screens every argument for shell metacharacters and control bytes
// before exec.CommandContext sees it. Arguments here never pass through a
// shell, but refspecs and commit messages can still originate from
// user-controlled issue titles, so the same guard used elsewhere for
// subprocess arguments applies.
func (g *Gateway) run(ctx context.Context, dir string, args ...string) (string, error) {
	for _, a := range args {
		if a != "" && strings.ContainsAny(a, "\x00") {
			return "", fmt.Errorf("gitops: unsafe argument %q", a)
		}
	}
	if g.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, g.Timeout)
		defer cancel()
	}
	cmd := exec.CommandContext(ctx, g.bin(), args...)
	cmd.Dir = dir
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		exitCode := -1
		var exitErr *exec.ExitError
		if ok := asExitError(err, &exitErr); ok {
			exitCode = exitErr.ExitCode()
		}
		return "", &Error{Args: args, ExitCode: exitCode, Stderr: stderr.String()}
	}
	return strings.TrimSpace(stdout.String()), nil
}

func asExitError(err error, target **exec.ExitError) bool {
	if ee, ok := err.(*exec.ExitError); ok {
		*target = ee
		return true
	}
	return false
}

// Clone clones remote into dir.
func (g *Gateway) Clone(ctx context.Context, remote, dir string) error {
	_, err := g.run(ctx, "", "clone", remote, dir)
	return err
}

// RemoteOriginURL returns the configured origin URL for repo.
func (g *Gateway) RemoteOriginURL(ctx context.Context, repoDir string) (string, error) {
	return g.run(ctx, repoDir, "remote", "get-url", "origin")
}

// DefaultBranch inspects `git remote show origin` for the "HEAD branch:"
// line, falling back to probing main/master if the output is unparseable.
func (g *Gateway) DefaultBranch(ctx context.Context, repoDir string) (string, error) {
	out, err := g.run(ctx, repoDir, "remote", "show", "origin")
	if err == nil {
		for _, line := range strings.Split(out, "\n") {
			line = strings.TrimSpace(line)
			if strings.HasPrefix(line, "HEAD branch:") {
				branch := strings.TrimSpace(strings.TrimPrefix(line, "HEAD branch:"))
				if branch != "" && branch != "(unknown)" {
					return branch, nil
				}
			}
		}
	}
	for _, candidate := range []string{"main", "master"} {
		if err := g.RefExists(ctx, repoDir, "origin/"+candidate); err == nil {
			return candidate, nil
		}
	}
	return "", fmt.Errorf("gitops: could not determine default branch for %s", repoDir)
}

// FetchOrigin runs `fetch --prune origin`.
func (g *Gateway) FetchOrigin(ctx context.Context, repoDir string) error {
	_, err := g.run(ctx, repoDir, "fetch", "--prune", "origin")
	return err
}

// RefExists probes whether rev resolves to a valid ref.
func (g *Gateway) RefExists(ctx context.Context, repoDir, rev string) error {
	_, err := g.run(ctx, repoDir, "rev-parse", "--verify", "--quiet", rev)
	return err
}

// WorktreeAdd adds a worktree at dir on branch, creating branch from
// startPoint if it does not already exist.
func (g *Gateway) WorktreeAdd(ctx context.Context, repoDir, dir, branch, startPoint string) error {
	if err := g.RefExists(ctx, repoDir, branch); err == nil {
		_, err := g.run(ctx, repoDir, "worktree", "add", dir, branch)
		return err
	}
	_, err := g.run(ctx, repoDir, "worktree", "add", "-b", branch, dir, startPoint)
	return err
}

// WorktreeRemove force-removes a worktree.
func (g *Gateway) WorktreeRemove(ctx context.Context, repoDir, dir string) error {
	_, err := g.run(ctx, repoDir, "worktree", "remove", "--force", dir)
	return err
}

// ListLocalBranches returns every local branch name in repoDir.
func (g *Gateway) ListLocalBranches(ctx context.Context, repoDir string) ([]string, error) {
	out, err := g.run(ctx, repoDir, "for-each-ref", "--format=%(refname:short)", "refs/heads/")
	if err != nil {
		return nil, err
	}
	var branches []string
	for _, line := range strings.Split(out, "\n") {
		line = strings.TrimSpace(line)
		if line != "" {
			branches = append(branches, line)
		}
	}
	return branches, nil
}

// DeleteLocalBranch force-deletes a local branch.
func (g *Gateway) DeleteLocalBranch(ctx context.Context, repoDir, branch string) error {
	_, err := g.run(ctx, repoDir, "branch", "-D", branch)
	return err
}

// AddPath stages path (or "." for everything) inside dir.
func (g *Gateway) AddPath(ctx context.Context, dir, path string) error {
	_, err := g.run(ctx, dir, "add", path)
	return err
}

// DiffCachedHasChanges reports whether there are staged changes in dir.
func (g *Gateway) DiffCachedHasChanges(ctx context.Context, dir string) (bool, error) {
	_, err := g.run(ctx, dir, "diff", "--cached", "--quiet")
	if err == nil {
		return false, nil
	}
	var gerr *Error
	if ok := asGitError(err, &gerr); ok && gerr.ExitCode == 1 {
		return true, nil
	}
	return false, err
}

func asGitError(err error, target **Error) bool {
	if ge, ok := err.(*Error); ok {
		*target = ge
		return true
	}
	return false
}

// Commit creates a commit with msg inside dir.
func (g *Gateway) Commit(ctx context.Context, dir, msg string) error {
	_, err := g.run(ctx, dir, "commit", "-m", msg)
	return err
}

// PushHead pushes the current HEAD to its upstream.
func (g *Gateway) PushHead(ctx context.Context, dir string) error {
	_, err := g.run(ctx, dir, "push")
	return err
}

// ResetSoftHead1 resets one commit back, keeping the working tree.
func (g *Gateway) ResetSoftHead1(ctx context.Context, dir string) error {
	_, err := g.run(ctx, dir, "reset", "--soft", "HEAD~1")
	return err
}

// Checkout checks out an existing branch.
func (g *Gateway) Checkout(ctx context.Context, dir, branch string) error {
	_, err := g.run(ctx, dir, "checkout", branch)
	return err
}

// CheckoutForce force-creates branch at startPoint (checkout -B).
func (g *Gateway) CheckoutForce(ctx context.Context, dir, branch, startPoint string) error {
	_, err := g.run(ctx, dir, "checkout", "-B", branch, startPoint)
	return err
}

// ResetHard force-resets dir's HEAD to rev.
func (g *Gateway) ResetHard(ctx context.Context, dir, rev string) error {
	_, err := g.run(ctx, dir, "reset", "--hard", rev)
	return err
}

// RevParse resolves rev to a SHA inside dir.
func (g *Gateway) RevParse(ctx context.Context, dir, rev string) (string, error) {
	return g.run(ctx, dir, "rev-parse", rev)
}

// MergeFFOnly fast-forward-merges rev into the current branch, failing if
// the merge would not be a fast-forward.
func (g *Gateway) MergeFFOnly(ctx context.Context, dir, rev string) error {
	_, err := g.run(ctx, dir, "merge", "--ff-only", rev)
	return err
}

// PushRef pushes local ref to the remote ref of the same name.
func (g *Gateway) PushRef(ctx context.Context, dir, ref string) error {
	_, err := g.run(ctx, dir, "push", "origin", ref)
	return err
}

// PushRefForceWithLease force-pushes localRef to remoteRef with lease
// protection against concurrent remote updates.
func (g *Gateway) PushRefForceWithLease(ctx context.Context, dir, localRef, remoteRef string) error {
	refspec := fmt.Sprintf("%s:%s", localRef, remoteRef)
	_, err := g.run(ctx, dir, "push", "--force-with-lease", "origin", refspec)
	return err
}

// RebaseOnto rebases the current branch in dir onto upstream.
func (g *Gateway) RebaseOnto(ctx context.Context, dir, upstream string) error {
	_, err := g.run(ctx, dir, "rebase", upstream)
	return err
}

// RebaseAbortBestEffort aborts an in-progress rebase, swallowing errors
// since there may be nothing to abort.
func (g *Gateway) RebaseAbortBestEffort(ctx context.Context, dir string) {
	_, _ = g.run(ctx, dir, "rebase", "--abort")
}
