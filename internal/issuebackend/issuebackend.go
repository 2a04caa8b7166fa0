// Package issuebackend adapts the orchestration core to a project's issue
// tracker. Three concrete adapters implement the same Backend interface: a
// local SQLite-backed "tk" tracker for projects with no external tracker,
// and thin REST/GraphQL adapters for GitHub and Linear.
package issuebackend

import (
	"context"

	"github.com/haasonsaas/nexus/internal/orchestration"
)

// Backend is the capability surface every adapter implements. Commit is
// only meaningful for file-based backends that version the issue data
// itself; remote adapters no-op it.
type Backend interface {
	Get(ctx context.Context, project, id string) (orchestration.Issue, error)
	List(ctx context.Context, project string, status string) ([]orchestration.Issue, error)
	ReadyIssues(ctx context.Context, project string) ([]orchestration.Issue, error)
	Create(ctx context.Context, project string, iss orchestration.Issue) (orchestration.Issue, error)
	Update(ctx context.Context, project, id string, iss orchestration.Issue) (orchestration.Issue, error)
	Close(ctx context.Context, project, id string) error
	Comment(ctx context.Context, project, id, body string) error
	ListComments(ctx context.Context, project, issueID string, sinceMs int64) ([]orchestration.Comment, error)
	Commit(ctx context.Context, project, message string) error
}

// readyFromList is the shared "ready()" derivation used by adapters whose
// underlying API has no native ready-issue query: list open issues, then
// apply Issue.Ready against the set of ids already known closed.
func readyFromList(issues []orchestration.Issue) []orchestration.Issue {
	closed := make(map[string]bool)
	for _, iss := range issues {
		if iss.Status == "closed" {
			closed[iss.ID] = true
		}
	}
	out := make([]orchestration.Issue, 0, len(issues))
	for _, iss := range issues {
		if iss.Ready(closed) {
			out = append(out, iss)
		}
	}
	return out
}
