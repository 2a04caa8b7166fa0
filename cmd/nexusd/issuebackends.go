package main

import (
	"context"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/haasonsaas/nexus/internal/backoff"
	"github.com/haasonsaas/nexus/internal/config"
	"github.com/haasonsaas/nexus/internal/gitops"
	"github.com/haasonsaas/nexus/internal/infra"
	"github.com/haasonsaas/nexus/internal/issuebackend"
	"github.com/haasonsaas/nexus/internal/orchestration"
	"github.com/haasonsaas/nexus/internal/paths"
)

// multiBackend dispatches to one issuebackend.Backend per project, letting
// a single value satisfy both orchestrator.IssueBackend and
// commentpoller.Backend even though every configured project may use a
// different issue tracker. Each project's calls run behind their own named
// circuit breaker so a single flaky tracker can't starve the orchestrator's
// tick loop in backoff retries for every other project.
type multiBackend struct {
	byProject map[string]issuebackend.Backend
	breakers  *infra.CircuitBreakerRegistry

	// readyIssuesGroup and listCommentsGroup coalesce concurrent identical
	// calls for the same project (and, for comments, the same issue): the
	// orchestrator's tick loop and the comment poller can both land on the
	// same project within the same instant, and there's no reason to pay
	// for the remote round trip twice when one response satisfies both.
	readyIssuesGroup  infra.Group[string, []orchestration.Issue]
	listCommentsGroup infra.Group[string, []orchestration.Comment]
}

func newMultiBackend() *multiBackend {
	return &multiBackend{
		byProject: make(map[string]issuebackend.Backend),
		breakers: infra.NewCircuitBreakerRegistry(infra.CircuitBreakerConfig{
			FailureThreshold: 5,
			SuccessThreshold: 2,
			Timeout:          30 * time.Second,
		}),
	}
}

func (m *multiBackend) register(project string, b issuebackend.Backend) {
	m.byProject[project] = b
}

// circuitStats reports every tracker's breaker so rpcStats can surface a
// project's issue-tracker reachability without exposing the breaker type
// itself over the wire.
func (m *multiBackend) circuitStats() []infra.CircuitBreakerStats {
	return m.breakers.Stats()
}

func (m *multiBackend) get(project string) (issuebackend.Backend, error) {
	b, ok := m.byProject[project]
	if !ok {
		return nil, fmt.Errorf("nexusd: no issue backend configured for project %q", project)
	}
	return b, nil
}

// retryAttempts bounds the backoff.RetryWithBackoff applied to remote
// (github/linear) backend calls; the bundled tk backend is local and never
// retried.
const retryAttempts = 3

func (m *multiBackend) ReadyIssues(ctx context.Context, project string) ([]orchestration.Issue, error) {
	b, err := m.get(project)
	if err != nil {
		return nil, err
	}
	issues, err, _ := m.readyIssuesGroup.Do(project, func() ([]orchestration.Issue, error) {
		cb := m.breakers.Get(project + ":ready_issues")
		return infra.ExecuteWithResult(cb, ctx, func(ctx context.Context) ([]orchestration.Issue, error) {
			result, err := backoff.RetryWithBackoff(ctx, backoff.DefaultPolicy(), retryAttempts, func(int) ([]orchestration.Issue, error) {
				return b.ReadyIssues(ctx, project)
			})
			return result.Value, err
		})
	})
	return issues, err
}

func (m *multiBackend) ListComments(ctx context.Context, project, issueID string, sinceMs int64) ([]orchestration.Comment, error) {
	b, err := m.get(project)
	if err != nil {
		return nil, err
	}
	key := project + ":" + issueID
	comments, err, _ := m.listCommentsGroup.Do(key, func() ([]orchestration.Comment, error) {
		cb := m.breakers.Get(project + ":list_comments")
		return infra.ExecuteWithResult(cb, ctx, func(ctx context.Context) ([]orchestration.Comment, error) {
			result, err := backoff.RetryWithBackoff(ctx, backoff.DefaultPolicy(), retryAttempts, func(int) ([]orchestration.Comment, error) {
				return b.ListComments(ctx, project, issueID, sinceMs)
			})
			return result.Value, err
		})
	})
	return comments, err
}

// buildIssueBackend constructs the concrete adapter named by p.IssueBackend,
// resolving credentials through the same project-override -> environment
// variable precedence the LLM credential chain uses, and owner/repo
// from the project's configured remote URL where the adapter needs it.
func buildIssueBackend(layout paths.Layout, cfg config.Config, p config.ProjectConfig, git *gitops.Gateway) (issuebackend.Backend, error) {
	switch p.IssueBackend {
	case "", "tk":
		repoDir, err := layout.ProjectRepoDir(p.Name)
		if err != nil {
			return nil, err
		}
		dbPath := filepath.Join(repoDir, "..", "issues.db")
		return issuebackend.NewTKBackend(dbPath, repoDir, git)

	case "github":
		owner, repo, err := parseGitHubOwnerRepo(p.RemoteURL)
		if err != nil {
			return nil, fmt.Errorf("nexusd: project %q: %w", p.Name, err)
		}
		token, err := resolveBackendToken(cfg, p, "github", "GITHUB_TOKEN")
		if err != nil {
			return nil, fmt.Errorf("nexusd: project %q: %w", p.Name, err)
		}
		return issuebackend.NewGitHubBackend(owner, repo, token), nil

	case "linear":
		token, err := resolveBackendToken(cfg, p, "linear", "LINEAR_API_KEY")
		if err != nil {
			return nil, fmt.Errorf("nexusd: project %q: %w", p.Name, err)
		}
		return issuebackend.NewLinearBackend(p.LinearTeam, token), nil

	default:
		return nil, fmt.Errorf("nexusd: project %q: unknown issue-backend %q", p.Name, p.IssueBackend)
	}
}

// resolveBackendToken mirrors config.ResolveCredential's precedence for a
// credential that isn't an LLM provider key: a per-project [providers.<name>]
// override first, then the provider's conventional environment variable.
func resolveBackendToken(cfg config.Config, p config.ProjectConfig, provider, envVar string) (string, error) {
	if pc, ok := cfg.Providers[provider]; ok && pc.APIKey != "" {
		return pc.APIKey, nil
	}
	if v := os.Getenv(envVar); v != "" {
		return v, nil
	}
	return "", fmt.Errorf("missing credential for issue-backend %q (checked [providers.%s] and $%s)", provider, provider, envVar)
}

// parseGitHubOwnerRepo extracts "owner/repo" from the common git remote URL
// shapes: SSH shorthand ("git@github.com:owner/repo.git"), HTTPS
// ("https://github.com/owner/repo[.git]"), and a bare "owner/repo".
func parseGitHubOwnerRepo(remote string) (owner, repo string, err error) {
	remote = strings.TrimSpace(remote)
	remote = strings.TrimSuffix(remote, ".git")

	if strings.HasPrefix(remote, "git@") {
		parts := strings.SplitN(remote, ":", 2)
		if len(parts) == 2 {
			remote = parts[1]
		}
	} else if u, parseErr := url.Parse(remote); parseErr == nil && u.Path != "" {
		remote = strings.TrimPrefix(u.Path, "/")
	}

	segs := strings.Split(remote, "/")
	if len(segs) < 2 {
		return "", "", fmt.Errorf("cannot derive owner/repo from remote-url %q", remote)
	}
	owner, repo = segs[len(segs)-2], segs[len(segs)-1]
	if owner == "" || repo == "" {
		return "", "", fmt.Errorf("cannot derive owner/repo from remote-url %q", remote)
	}
	return owner, repo, nil
}
