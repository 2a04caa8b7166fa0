// Package commentpoller runs the single long-lived task that watches every
// active claim's issue for new comments and injects them into the owning
// agent's chat as user messages.
package commentpoller

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/haasonsaas/nexus/internal/claims"
	"github.com/haasonsaas/nexus/internal/orchestration"
)

// Backend is the subset of an issue-tracker adapter the poller needs.
type Backend interface {
	ListComments(ctx context.Context, project, issueID string, sinceMs int64) ([]orchestration.Comment, error)
}

// Runtime is the subset of agentruntime.Manager the poller depends on.
type Runtime interface {
	ClaimStarted(agentID string) (time.Time, bool)
	MarkClaimStarted(agentID string, now time.Time)
	Send(agentID string, msg orchestration.ChatMessage) error
}

// Dedup is the subset of the dedup store the poller depends on.
type Dedup interface {
	Mark(id, project string, nowMs int64) bool
}

// DefaultInterval is how often the poller sweeps every active claim.
const DefaultInterval = 15 * time.Second

// Poller owns the background polling loop.
type Poller struct {
	Claims   *claims.Registry
	Runtime  Runtime
	Backend  Backend
	Dedup    Dedup
	Interval time.Duration
	Logger   *slog.Logger
	Now      func() time.Time
}

// New returns a Poller with DefaultInterval; set Interval before Run to
// override.
func New(reg *claims.Registry, rt Runtime, backend Backend, dedup Dedup, logger *slog.Logger) *Poller {
	if logger == nil {
		logger = slog.Default()
	}
	return &Poller{
		Claims:   reg,
		Runtime:  rt,
		Backend:  backend,
		Dedup:    dedup,
		Interval: DefaultInterval,
		Logger:   logger,
		Now:      time.Now,
	}
}

// Run blocks, sweeping every active claim on each tick until ctx is done.
func (p *Poller) Run(ctx context.Context) {
	interval := p.Interval
	if interval <= 0 {
		interval = DefaultInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.sweep(ctx)
		}
	}
}

func (p *Poller) sweep(ctx context.Context) {
	for _, entry := range p.Claims.List() {
		p.pollClaim(ctx, entry)
	}
}

func (p *Poller) pollClaim(ctx context.Context, entry claims.Entry) {
	startedAt, ok := p.Runtime.ClaimStarted(entry.AgentID)
	if !ok {
		now := p.Now()
		p.Runtime.MarkClaimStarted(entry.AgentID, now)
		startedAt = now
	}

	comments, err := p.Backend.ListComments(ctx, entry.Key.Project, entry.Key.IssueID, startedAt.UnixMilli())
	if err != nil {
		p.Logger.Warn("commentpoller: list comments failed", "project", entry.Key.Project, "issue_id", entry.Key.IssueID, "error", err)
		return
	}

	for _, c := range comments {
		id := fmt.Sprintf("comment:%s:%s:%s", entry.Key.Project, entry.Key.IssueID, c.ID)
		if !p.Dedup.Mark(id, entry.Key.Project, p.Now().UnixMilli()) {
			continue
		}
		content := fmt.Sprintf("New comment on issue #%s from %s:\n\n%s", entry.Key.IssueID, c.Author, c.Body)
		msg := orchestration.ChatMessage{Role: orchestration.ChatRoleUser, Content: content, TsMs: p.Now().UnixMilli()}
		if err := p.Runtime.Send(entry.AgentID, msg); err != nil {
			p.Logger.Warn("commentpoller: send failed", "agent_id", entry.AgentID, "error", err)
		}
	}
}
