package issuebackend

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"golang.org/x/oauth2"

	"github.com/haasonsaas/nexus/internal/orchestration"
)

// GitHubBackend is a thin adapter over the GitHub REST API: issues and
// comments map directly, Commit is a no-op since GitHub issues have no
// file-based representation to version.
type GitHubBackend struct {
	Owner  string
	Repo   string
	Client *http.Client
	BaseURL string // overridable for tests, default https://api.github.com
}

// NewGitHubBackend returns an adapter authenticated with token via an
// oauth2 static token source.
func NewGitHubBackend(owner, repo, token string) *GitHubBackend {
	src := oauth2.StaticTokenSource(&oauth2.Token{AccessToken: token})
	return &GitHubBackend{
		Owner:   owner,
		Repo:    repo,
		Client:  oauth2.NewClient(context.Background(), src),
		BaseURL: "https://api.github.com",
	}
}

type ghIssue struct {
	Number int    `json:"number"`
	Title  string `json:"title"`
	State  string `json:"state"`
}

type ghComment struct {
	ID        int64  `json:"id"`
	Body      string `json:"body"`
	CreatedAt string `json:"created_at"`
	User      struct {
		Login string `json:"login"`
	} `json:"user"`
}

func (b *GitHubBackend) do(ctx context.Context, method, path string, body any, out any) error {
	var reader *bytes.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(data)
	} else {
		reader = bytes.NewReader(nil)
	}
	req, err := http.NewRequestWithContext(ctx, method, b.BaseURL+path, reader)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/vnd.github+json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := b.Client.Do(req)
	if err != nil {
		return fmt.Errorf("issuebackend: github request: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("issuebackend: github %s %s: status %d", method, path, resp.StatusCode)
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func fromGHIssue(i ghIssue) orchestration.Issue {
	status := "open"
	if i.State == "closed" {
		status = "closed"
	}
	return orchestration.Issue{ID: strconv.Itoa(i.Number), Title: i.Title, Status: status}
}

func (b *GitHubBackend) Get(ctx context.Context, project, id string) (orchestration.Issue, error) {
	var i ghIssue
	path := fmt.Sprintf("/repos/%s/%s/issues/%s", b.Owner, b.Repo, id)
	if err := b.do(ctx, http.MethodGet, path, nil, &i); err != nil {
		return orchestration.Issue{}, err
	}
	return fromGHIssue(i), nil
}

func (b *GitHubBackend) List(ctx context.Context, project string, status string) ([]orchestration.Issue, error) {
	state := "all"
	switch status {
	case "open":
		state = "open"
	case "closed":
		state = "closed"
	}
	var ghIssues []ghIssue
	path := fmt.Sprintf("/repos/%s/%s/issues?state=%s", b.Owner, b.Repo, state)
	if err := b.do(ctx, http.MethodGet, path, nil, &ghIssues); err != nil {
		return nil, err
	}
	out := make([]orchestration.Issue, 0, len(ghIssues))
	for _, i := range ghIssues {
		out = append(out, fromGHIssue(i))
	}
	return out, nil
}

func (b *GitHubBackend) ReadyIssues(ctx context.Context, project string) ([]orchestration.Issue, error) {
	all, err := b.List(ctx, project, "open")
	if err != nil {
		return nil, err
	}
	return readyFromList(all), nil
}

func (b *GitHubBackend) Create(ctx context.Context, project string, iss orchestration.Issue) (orchestration.Issue, error) {
	var created ghIssue
	path := fmt.Sprintf("/repos/%s/%s/issues", b.Owner, b.Repo)
	if err := b.do(ctx, http.MethodPost, path, map[string]string{"title": iss.Title}, &created); err != nil {
		return orchestration.Issue{}, err
	}
	return fromGHIssue(created), nil
}

func (b *GitHubBackend) Update(ctx context.Context, project, id string, iss orchestration.Issue) (orchestration.Issue, error) {
	var updated ghIssue
	path := fmt.Sprintf("/repos/%s/%s/issues/%s", b.Owner, b.Repo, id)
	payload := map[string]string{"title": iss.Title}
	if err := b.do(ctx, http.MethodPatch, path, payload, &updated); err != nil {
		return orchestration.Issue{}, err
	}
	return fromGHIssue(updated), nil
}

func (b *GitHubBackend) Close(ctx context.Context, project, id string) error {
	path := fmt.Sprintf("/repos/%s/%s/issues/%s", b.Owner, b.Repo, id)
	return b.do(ctx, http.MethodPatch, path, map[string]string{"state": "closed"}, nil)
}

func (b *GitHubBackend) Comment(ctx context.Context, project, id, body string) error {
	path := fmt.Sprintf("/repos/%s/%s/issues/%s/comments", b.Owner, b.Repo, id)
	return b.do(ctx, http.MethodPost, path, map[string]string{"body": body}, nil)
}

func (b *GitHubBackend) ListComments(ctx context.Context, project, issueID string, sinceMs int64) ([]orchestration.Comment, error) {
	since := time.UnixMilli(sinceMs).UTC().Format(time.RFC3339)
	path := fmt.Sprintf("/repos/%s/%s/issues/%s/comments?since=%s", b.Owner, b.Repo, issueID, since)
	var ghComments []ghComment
	if err := b.do(ctx, http.MethodGet, path, nil, &ghComments); err != nil {
		return nil, err
	}
	out := make([]orchestration.Comment, 0, len(ghComments))
	for _, c := range ghComments {
		created, _ := time.Parse(time.RFC3339, c.CreatedAt)
		out = append(out, orchestration.Comment{
			ID: strconv.FormatInt(c.ID, 10), Author: c.User.Login, Body: c.Body, CreatedAt: created,
		})
	}
	return out, nil
}

// Commit is a no-op: GitHub issues have no file-based representation to
// version in the project's own repo.
func (b *GitHubBackend) Commit(ctx context.Context, project, message string) error {
	return nil
}
