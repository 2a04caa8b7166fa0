// Package webhook implements the optional HTTP ingress: signed
// GitHub/Linear delivery endpoints that dedup and trigger an orchestrator
// tick, plus a health check and an optional metrics scrape passthrough.
package webhook

import (
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"strings"
)

// Config controls whether the ingress runs and how it authenticates.
type Config struct {
	Enabled    bool
	BindAddr   string
	Secret     string
	PathPrefix string // default "/webhooks"
}

func (c Config) prefix() string {
	if c.PathPrefix == "" {
		return "/webhooks"
	}
	return strings.TrimSuffix(c.PathPrefix, "/")
}

// Dedup is the subset of the dedup store the ingress depends on.
type Dedup interface {
	Mark(id, project string, nowMs int64) bool
}

// TickRequester lets the ingress ask the orchestrator to run an immediate
// tick for a project once a delivery is accepted.
type TickRequester interface {
	RequestTick(project string)
	IsRunning(project string) bool
}

// EventSink receives the resulting tick_requested event for broadcast.
type EventSink interface {
	Broadcast(eventType, project string, payload any)
}

// MetricsHandler is mounted at <prefix>/metrics when provided, entirely
// independent of signature verification (it carries no request body).
type MetricsHandler = http.Handler

// Server is the webhook HTTP ingress.
type Server struct {
	Config        Config
	Dedup         Dedup
	Orchestrator  TickRequester
	Events        EventSink
	Metrics       MetricsHandler
	Logger        *slog.Logger
	Now           func() int64 // unix millis, overridable for tests
	ProjectLookup func(r *http.Request) (string, bool)
}

// Handler builds the http.Handler implementing every ingress route.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", s.handleHealth)
	prefix := s.Config.prefix()
	mux.HandleFunc("POST "+prefix+"/github", s.handleSource("github"))
	mux.HandleFunc("POST "+prefix+"/linear", s.handleSource("linear"))
	if s.Metrics != nil {
		mux.Handle("GET "+prefix+"/metrics", s.Metrics)
	}
	return mux
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ok")) //nolint:errcheck
}

func (s *Server) resolveProject(r *http.Request) (string, bool) {
	if s.ProjectLookup != nil {
		return s.ProjectLookup(r)
	}
	if p := r.URL.Query().Get("project"); p != "" {
		return p, true
	}
	for _, h := range []string{"X-Nexusd-Project", "X-Project"} {
		if v := r.Header.Get(h); v != "" {
			return v, true
		}
	}
	return "", false
}

func (s *Server) handleSource(source string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		project, ok := s.resolveProject(r)
		if !ok {
			http.Error(w, "missing project", http.StatusBadRequest)
			return
		}

		body, err := io.ReadAll(r.Body)
		if err != nil {
			http.Error(w, "read body", http.StatusBadRequest)
			return
		}

		if !s.verifySignature(source, r, body) {
			http.Error(w, "bad signature", http.StatusUnauthorized)
			return
		}

		if !s.shouldTrigger(source, r, body) {
			w.WriteHeader(http.StatusOK)
			w.Write([]byte("ignored")) //nolint:errcheck
			return
		}

		id := dedupID(source, r, body)
		now := s.now()
		if s.Dedup.Mark(id, project, now) {
			if s.Events != nil {
				s.Events.Broadcast("orchestration.tick_requested", project, map[string]any{
					"project":        project,
					"source":         source,
					"received_at_ms": now,
				})
			}
			if s.Orchestrator != nil && s.Orchestrator.IsRunning(project) {
				s.Orchestrator.RequestTick(project)
			}
		}

		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok")) //nolint:errcheck
	}
}

func (s *Server) now() int64 {
	if s.Now != nil {
		return s.Now()
	}
	return 0
}

// verifySignature checks the source-specific HMAC header; an empty secret
// bypasses verification entirely (development convenience).
func (s *Server) verifySignature(source string, r *http.Request, body []byte) bool {
	if s.Config.Secret == "" {
		return true
	}
	mac := hmac.New(sha256.New, []byte(s.Config.Secret))
	mac.Write(body) //nolint:errcheck
	expected := hex.EncodeToString(mac.Sum(nil))

	switch source {
	case "github":
		got := strings.TrimPrefix(r.Header.Get("X-Hub-Signature-256"), "sha256=")
		return subtle.ConstantTimeCompare([]byte(got), []byte(expected)) == 1
	case "linear":
		got := r.Header.Get("Linear-Signature")
		return subtle.ConstantTimeCompare([]byte(got), []byte(expected)) == 1
	default:
		return false
	}
}

type minimalEnvelope struct {
	Action string `json:"action"`
	Type   string `json:"type"`
}

func (s *Server) shouldTrigger(source string, r *http.Request, body []byte) bool {
	var env minimalEnvelope
	if err := json.Unmarshal(body, &env); err != nil {
		return false
	}
	switch source {
	case "github":
		event := r.Header.Get("X-GitHub-Event")
		switch event {
		case "issues":
			return env.Action == "opened" || env.Action == "edited"
		case "issue_comment":
			return env.Action == "created"
		}
		return false
	case "linear":
		switch env.Type {
		case "Issue":
			return env.Action == "create" || env.Action == "update"
		case "Comment":
			return env.Action == "create"
		}
		return false
	}
	return false
}

func dedupID(source string, r *http.Request, body []byte) string {
	var delivery string
	switch source {
	case "github":
		delivery = r.Header.Get("X-GitHub-Delivery")
	case "linear":
		delivery = r.Header.Get("Linear-Delivery")
	}
	if delivery != "" {
		return source + ":" + delivery
	}
	sum := sha256.Sum256(body)
	return source + ":" + hex.EncodeToString(sum[:])
}
