package main

import (
	"context"
	"time"

	"github.com/haasonsaas/nexus/internal/claims"
	"github.com/haasonsaas/nexus/internal/merge"
	"github.com/haasonsaas/nexus/internal/orchestration"
	"github.com/haasonsaas/nexus/internal/worktree"
)

// onChatMessage relays every agent chat message onto the RPC event stream
// so an attached client's transcript view stays live.
func (d *Daemon) onChatMessage(agentID string, msg orchestration.ChatMessage) {
	rec, _, ok := d.Runtime.Get(agentID)
	project := ""
	if ok {
		project = rec.Project
	}
	d.RPC.Broadcast("chat_message", project, map[string]any{
		"agent_id": agentID,
		"message":  msg,
	})
}

// onStateChange is agentruntime's single observation point for every agent
// record transition. A terminal, clean exit triggers the merge-back
// pipeline; any terminal state releases the agent's claim and frees the
// orchestrator to schedule its issue's next attempt (or, on a clean merge,
// to mark the issue itself done).
func (d *Daemon) onStateChange(rec orchestration.AgentRecord) {
	d.RPC.Broadcast("agent_state", rec.Project, rec)
	d.ensureHost(rec.ID, rec.Project)

	if !rec.State.Terminal() {
		return
	}

	if rec.State == orchestration.AgentStateExited && rec.ExitReason == orchestration.ExitReasonExited {
		d.mergeFinishedAgent(rec)
	}

	d.Claims.Release(claims.Key{Project: rec.Project, IssueID: rec.IssueID})
	d.Orch.RequestTick(rec.Project)
}

// mergeFinishedAgent integrates a cleanly exited agent's worktree branch
// back into its project per that project's configured merge strategy, then
// records the resulting commit and marks the issue complete. A merge
// conflict is logged and left for manual resolution rather than treated as
// fatal; the agent's worktree is removed only once the merge step itself
// has either succeeded or definitively failed.
func (d *Daemon) mergeFinishedAgent(rec orchestration.AgentRecord) {
	p, ok := d.projectConfig(rec.Project)
	if !ok {
		d.Logger.Warn("nexusd: merge skipped, unknown project", "project", rec.Project, "agent", rec.ID)
		return
	}
	repoDir, err := d.Layout.ProjectRepoDir(rec.Project)
	if err != nil {
		d.Logger.Error("nexusd: merge skipped, bad repo dir", "project", rec.Project, "error", err)
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()

	branch := worktree.BranchName(rec.ID)
	var sha string

	switch p.MergeStrategy {
	case orchestration.MergePullRequest:
		ready, err := d.Merge.PullRequest(ctx, repoDir, rec.WorktreeDir, branch)
		if err != nil {
			d.logMergeOutcome(rec, err)
			return
		}
		sha = ready.SHA
	default:
		merged, err := d.Merge.Direct(ctx, repoDir, rec.WorktreeDir, branch)
		if err != nil {
			d.logMergeOutcome(rec, err)
			return
		}
		sha = merged.SHA
	}

	d.Commits.Add(rec.Project, orchestration.CommitRecord{
		SHA:        sha,
		Branch:     branch,
		AgentID:    rec.ID,
		IssueID:    rec.IssueID,
		MergedAtMs: time.Now().UnixMilli(),
	})
	d.RPC.Broadcast("commit", rec.Project, orchestration.CommitRecord{SHA: sha, Branch: branch, AgentID: rec.ID, IssueID: rec.IssueID})

	if rec.IssueID != "" {
		d.Orch.MarkCompleted(rec.Project, rec.IssueID)
	}

	if err := d.Worktree.Remove(ctx, rec.Project, rec.ID, rec.WorktreeDir); err != nil {
		d.Logger.Warn("nexusd: worktree removal failed after merge", "agent", rec.ID, "error", err)
	}
}

func (d *Daemon) logMergeOutcome(rec orchestration.AgentRecord, err error) {
	if conflict, ok := err.(*merge.Conflict); ok {
		d.Logger.Warn("nexusd: merge conflict, needs manual resolution",
			"agent", rec.ID, "project", rec.Project, "branch", conflict.Branch, "error", conflict.Err)
		d.RPC.Broadcast("merge_conflict", rec.Project, map[string]any{
			"agent_id": rec.ID,
			"issue_id": rec.IssueID,
			"branch":   conflict.Branch,
		})
		return
	}
	d.Logger.Error("nexusd: merge failed", "agent", rec.ID, "project", rec.Project, "error", err)
}

// onPersist snapshots every known agent record to disk so a restarted
// daemon can recover terminal-state history. Called after every
// Manager mutation that could change what List() returns.
func (d *Daemon) onPersist() {
	if err := d.State.Save(d.Runtime.List()); err != nil {
		d.Logger.Warn("nexusd: runtime snapshot save failed", "error", err)
	}
}

// onTickRequested forwards an agent-driven wake-up (e.g. "i'm idle, give me
// more work") into an immediate orchestrator tick for that project.
func (d *Daemon) onTickRequested(project string) {
	d.Orch.RequestTick(project)
}
