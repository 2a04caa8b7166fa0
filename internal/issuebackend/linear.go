package issuebackend

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"golang.org/x/oauth2"

	"github.com/haasonsaas/nexus/internal/orchestration"
)

// LinearBackend is a thin adapter over Linear's GraphQL API. Like
// GitHubBackend, Commit is a no-op: Linear issues have no file-based
// representation in the project's own repo.
type LinearBackend struct {
	TeamID  string
	Client  *http.Client
	BaseURL string // overridable for tests, default https://api.linear.app/graphql
}

// NewLinearBackend returns an adapter authenticated with apiKey via an
// oauth2 static token source, sent as Linear expects: a raw Authorization
// header value rather than a "Bearer " prefix.
func NewLinearBackend(teamID, apiKey string) *LinearBackend {
	src := oauth2.StaticTokenSource(&oauth2.Token{AccessToken: apiKey, TokenType: ""})
	client := oauth2.NewClient(context.Background(), src)
	return &LinearBackend{TeamID: teamID, Client: client, BaseURL: "https://api.linear.app/graphql"}
}

type linearGraphQLRequest struct {
	Query     string `json:"query"`
	Variables any    `json:"variables,omitempty"`
}

type linearError struct {
	Message string `json:"message"`
}

type linearIssueNode struct {
	ID    string `json:"id"`
	Title string `json:"title"`
	State struct {
		Name string `json:"name"`
	} `json:"state"`
	Priority int `json:"priority"`
}

func (b *LinearBackend) do(ctx context.Context, query string, vars any, data any) error {
	payload := linearGraphQLRequest{Query: query, Variables: vars}
	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, b.BaseURL, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := b.Client.Do(req)
	if err != nil {
		return fmt.Errorf("issuebackend: linear request: %w", err)
	}
	defer resp.Body.Close()

	var envelope struct {
		Data   json.RawMessage `json:"data"`
		Errors []linearError   `json:"errors"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&envelope); err != nil {
		return fmt.Errorf("issuebackend: decode linear response: %w", err)
	}
	if len(envelope.Errors) > 0 {
		return fmt.Errorf("issuebackend: linear error: %s", envelope.Errors[0].Message)
	}
	if data == nil {
		return nil
	}
	return json.Unmarshal(envelope.Data, data)
}

func fromLinearIssue(n linearIssueNode) orchestration.Issue {
	status := "open"
	if n.State.Name == "Done" || n.State.Name == "Canceled" || n.State.Name == "Cancelled" {
		status = "closed"
	}
	return orchestration.Issue{ID: n.ID, Title: n.Title, Status: status, Priority: n.Priority}
}

func (b *LinearBackend) Get(ctx context.Context, project, id string) (orchestration.Issue, error) {
	const query = `query($id: String!) { issue(id: $id) { id title priority state { name } } }`
	var resp struct {
		Issue linearIssueNode `json:"issue"`
	}
	if err := b.do(ctx, query, map[string]string{"id": id}, &resp); err != nil {
		return orchestration.Issue{}, err
	}
	return fromLinearIssue(resp.Issue), nil
}

func (b *LinearBackend) List(ctx context.Context, project string, status string) ([]orchestration.Issue, error) {
	const query = `query($teamId: String!) {
		team(id: $teamId) {
			issues { nodes { id title priority state { name } } }
		}
	}`
	var resp struct {
		Team struct {
			Issues struct {
				Nodes []linearIssueNode `json:"nodes"`
			} `json:"issues"`
		} `json:"team"`
	}
	if err := b.do(ctx, query, map[string]string{"teamId": b.TeamID}, &resp); err != nil {
		return nil, err
	}
	out := make([]orchestration.Issue, 0, len(resp.Team.Issues.Nodes))
	for _, n := range resp.Team.Issues.Nodes {
		iss := fromLinearIssue(n)
		if status == "" || iss.Status == status {
			out = append(out, iss)
		}
	}
	return out, nil
}

func (b *LinearBackend) ReadyIssues(ctx context.Context, project string) ([]orchestration.Issue, error) {
	all, err := b.List(ctx, project, "open")
	if err != nil {
		return nil, err
	}
	return readyFromList(all), nil
}

func (b *LinearBackend) Create(ctx context.Context, project string, iss orchestration.Issue) (orchestration.Issue, error) {
	const mutation = `mutation($teamId: String!, $title: String!) {
		issueCreate(input: { teamId: $teamId, title: $title }) {
			issue { id title priority state { name } }
		}
	}`
	var resp struct {
		IssueCreate struct {
			Issue linearIssueNode `json:"issue"`
		} `json:"issueCreate"`
	}
	vars := map[string]string{"teamId": b.TeamID, "title": iss.Title}
	if err := b.do(ctx, mutation, vars, &resp); err != nil {
		return orchestration.Issue{}, err
	}
	return fromLinearIssue(resp.IssueCreate.Issue), nil
}

func (b *LinearBackend) Update(ctx context.Context, project, id string, iss orchestration.Issue) (orchestration.Issue, error) {
	const mutation = `mutation($id: String!, $title: String!) {
		issueUpdate(id: $id, input: { title: $title }) {
			issue { id title priority state { name } }
		}
	}`
	var resp struct {
		IssueUpdate struct {
			Issue linearIssueNode `json:"issue"`
		} `json:"issueUpdate"`
	}
	vars := map[string]string{"id": id, "title": iss.Title}
	if err := b.do(ctx, mutation, vars, &resp); err != nil {
		return orchestration.Issue{}, err
	}
	return fromLinearIssue(resp.IssueUpdate.Issue), nil
}

func (b *LinearBackend) Close(ctx context.Context, project, id string) error {
	const mutation = `mutation($id: String!) {
		issueUpdate(id: $id, input: { stateId: "canceled" }) { success }
	}`
	return b.do(ctx, mutation, map[string]string{"id": id}, nil)
}

func (b *LinearBackend) Comment(ctx context.Context, project, id, body string) error {
	const mutation = `mutation($issueId: String!, $body: String!) {
		commentCreate(input: { issueId: $issueId, body: $body }) { success }
	}`
	return b.do(ctx, mutation, map[string]string{"issueId": id, "body": body}, nil)
}

type linearCommentNode struct {
	ID        string `json:"id"`
	Body      string `json:"body"`
	CreatedAt string `json:"createdAt"`
	User      struct {
		Name string `json:"name"`
	} `json:"user"`
}

func (b *LinearBackend) ListComments(ctx context.Context, project, issueID string, sinceMs int64) ([]orchestration.Comment, error) {
	const query = `query($issueId: String!) {
		issue(id: $issueId) {
			comments { nodes { id body createdAt user { name } } }
		}
	}`
	var resp struct {
		Issue struct {
			Comments struct {
				Nodes []linearCommentNode `json:"nodes"`
			} `json:"comments"`
		} `json:"issue"`
	}
	if err := b.do(ctx, query, map[string]string{"issueId": issueID}, &resp); err != nil {
		return nil, err
	}
	since := time.UnixMilli(sinceMs)
	out := make([]orchestration.Comment, 0, len(resp.Issue.Comments.Nodes))
	for _, n := range resp.Issue.Comments.Nodes {
		created, _ := time.Parse(time.RFC3339, n.CreatedAt)
		if created.Before(since) {
			continue
		}
		out = append(out, orchestration.Comment{ID: n.ID, Author: n.User.Name, Body: n.Body, CreatedAt: created})
	}
	return out, nil
}

// Commit is a no-op: Linear issues have no file-based representation to
// version in the project's own repo.
func (b *LinearBackend) Commit(ctx context.Context, project, message string) error {
	return nil
}
