package issuebackend

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
)

func newTestLinearBackend(t *testing.T, handler http.HandlerFunc) *LinearBackend {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	b := NewLinearBackend("team-1", "test-key")
	b.BaseURL = srv.URL
	return b
}

func TestLinearListFiltersByStatus(t *testing.T) {
	b := newTestLinearBackend(t, func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		var req linearGraphQLRequest
		_ = json.Unmarshal(body, &req)

		resp := map[string]any{
			"data": map[string]any{
				"team": map[string]any{
					"issues": map[string]any{
						"nodes": []map[string]any{
							{"id": "a", "title": "first", "priority": 1, "state": map[string]string{"name": "Todo"}},
							{"id": "b", "title": "second", "priority": 2, "state": map[string]string{"name": "Done"}},
						},
					},
				},
			},
		}
		_ = json.NewEncoder(w).Encode(resp)
	})

	open, err := b.List(context.Background(), "proj", "open")
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(open) != 1 || open[0].ID != "a" {
		t.Fatalf("expected only open issue a, got %+v", open)
	}
}

func TestLinearGraphQLErrorSurfaces(t *testing.T) {
	b := newTestLinearBackend(t, func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{
			"errors": []map[string]string{{"message": "team not found"}},
		})
	})

	_, err := b.List(context.Background(), "proj", "")
	if err == nil {
		t.Fatalf("expected error to surface")
	}
}

func TestLinearCommitIsNoop(t *testing.T) {
	b := NewLinearBackend("team-1", "key")
	if err := b.Commit(context.Background(), "proj", "msg"); err != nil {
		t.Fatalf("Commit should never fail: %v", err)
	}
}
