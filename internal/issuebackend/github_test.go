package issuebackend

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
)

func newTestGitHubBackend(t *testing.T, handler http.HandlerFunc) *GitHubBackend {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	b := NewGitHubBackend("acme", "widgets", "test-token")
	b.BaseURL = srv.URL
	return b
}

func TestGitHubListAndReadyIssues(t *testing.T) {
	b := newTestGitHubBackend(t, func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") == "" {
			t.Fatalf("expected authorization header")
		}
		_ = json.NewEncoder(w).Encode([]ghIssue{
			{Number: 1, Title: "first", State: "open"},
			{Number: 2, Title: "second", State: "closed"},
		})
	})

	issues, err := b.List(context.Background(), "acme/widgets", "")
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(issues) != 2 {
		t.Fatalf("expected 2 issues, got %d", len(issues))
	}
	if issues[1].Status != "closed" {
		t.Fatalf("expected closed status, got %q", issues[1].Status)
	}

	ready, err := b.ReadyIssues(context.Background(), "acme/widgets")
	if err != nil {
		t.Fatalf("ReadyIssues: %v", err)
	}
	if len(ready) != 1 || ready[0].ID != "1" {
		t.Fatalf("expected only issue 1 ready, got %+v", ready)
	}
}

func TestGitHubCommitIsNoop(t *testing.T) {
	b := NewGitHubBackend("acme", "widgets", "tok")
	if err := b.Commit(context.Background(), "acme/widgets", "anything"); err != nil {
		t.Fatalf("Commit should never fail: %v", err)
	}
}

func TestGitHubListCommentsParsesBody(t *testing.T) {
	b := newTestGitHubBackend(t, func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode([]ghComment{
			{ID: 42, Body: "looks good", CreatedAt: "2026-01-01T00:00:00Z", User: struct {
				Login string `json:"login"`
			}{Login: "octocat"}},
		})
	})

	comments, err := b.ListComments(context.Background(), "acme/widgets", "1", 0)
	if err != nil {
		t.Fatalf("ListComments: %v", err)
	}
	if len(comments) != 1 || comments[0].Author != "octocat" {
		t.Fatalf("unexpected comments: %+v", comments)
	}
}
