// Package maintenance runs the daemon's scheduled background jobs: the
// daily per-project usage rollup and the best-effort branch cleanup sweep.
// Both run on github.com/robfig/cron/v3 schedules distinct from the
// orchestrator's sub-second tick loop.
package maintenance

import (
	"context"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/haasonsaas/nexus/internal/claims"
	"github.com/haasonsaas/nexus/internal/format"
	"github.com/haasonsaas/nexus/internal/gitops"
	"github.com/haasonsaas/nexus/internal/paths"
	"github.com/haasonsaas/nexus/internal/usage"
	"github.com/haasonsaas/nexus/internal/worktree"
)

// DefaultUsageRollupSchedule runs once a day, just after midnight UTC.
const DefaultUsageRollupSchedule = "5 0 * * *"

// DefaultBranchCleanupSchedule runs once a day, offset from the usage
// rollup so the two jobs don't contend for the same git repos at once.
const DefaultBranchCleanupSchedule = "20 0 * * *"

// Scheduler owns the cron instance running every maintenance job.
type Scheduler struct {
	Cron   *cron.Cron
	Logger *slog.Logger
}

// New returns a Scheduler with a standard (minute-granularity) cron.
func New(logger *slog.Logger) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{Cron: cron.New(), Logger: logger}
}

// RegisterUsageRollup schedules a daily rollup of tracker's accumulated
// records, logging one structured summary line per project (keyed the same
// way the tracker keys by provider:model, adapted here to key by project).
func (s *Scheduler) RegisterUsageRollup(schedule string, tracker *usage.Tracker) error {
	if schedule == "" {
		schedule = DefaultUsageRollupSchedule
	}
	_, err := s.Cron.AddFunc(schedule, func() {
		RunUsageRollup(tracker, s.Logger)
	})
	return err
}

// RunUsageRollup logs one line per project with its accumulated token
// totals. Exported so it can also be invoked on demand (e.g. a manual RPC
// request) rather than only from the cron schedule.
func RunUsageRollup(tracker *usage.Tracker, logger *slog.Logger) {
	if logger == nil {
		logger = slog.Default()
	}
	for project, total := range tracker.GetProjectSummary() {
		logger.Info("maintenance: daily usage rollup",
			"project", project,
			"total_tokens", total.Total(),
			"input_tokens", total.InputTokens,
			"output_tokens", total.OutputTokens,
		)
	}
}

// ProjectRepo names a project and its on-disk bare repo directory, the
// unit the branch cleanup sweep operates over.
type ProjectRepo struct {
	Project string
	RepoDir string
}

// RegisterBranchCleanup schedules the daily best-effort branch sweep.
func (s *Scheduler) RegisterBranchCleanup(schedule string, layout paths.Layout, git *gitops.Gateway, claimsReg *claims.Registry, projects func() []ProjectRepo) error {
	if schedule == "" {
		schedule = DefaultBranchCleanupSchedule
	}
	_, err := s.Cron.AddFunc(schedule, func() {
		RunBranchCleanup(context.Background(), layout, git, claimsReg, projects(), s.Logger)
	})
	return err
}

// RunBranchCleanup deletes local branches for agents whose worktree
// directory and claim are both already gone (e.g. after an ungraceful
// daemon crash mid-merge). This is never a correctness requirement; a
// leftover local branch has no effect on any orchestration invariant, so
// every failure here is logged and skipped rather than treated as fatal.
func RunBranchCleanup(ctx context.Context, layout paths.Layout, git *gitops.Gateway, claimsReg *claims.Registry, projects []ProjectRepo, logger *slog.Logger) {
	if logger == nil {
		logger = slog.Default()
	}
	started := time.Now()
	deleted := 0

	claimedAgents := make(map[string]bool)
	for _, entry := range claimsReg.List() {
		claimedAgents[entry.AgentID] = true
	}

	for _, pr := range projects {
		branches, err := git.ListLocalBranches(ctx, pr.RepoDir)
		if err != nil {
			logger.Warn("maintenance: list branches failed", "project", pr.Project, "error", err)
			continue
		}
		for _, branch := range branches {
			agentID, ok := agentIDFromBranch(branch)
			if !ok {
				continue
			}
			if claimedAgents[agentID] {
				continue
			}
			dir, err := layout.AgentWorktreeDir(pr.Project, agentID)
			if err != nil {
				continue
			}
			if _, statErr := os.Stat(dir); statErr == nil {
				continue // worktree still present; not ours to clean up yet
			}
			if err := git.DeleteLocalBranch(ctx, pr.RepoDir, branch); err != nil {
				logger.Warn("maintenance: branch cleanup delete failed", "project", pr.Project, "branch", branch, "error", err)
				continue
			}
			logger.Info("maintenance: branch cleanup deleted orphaned branch", "project", pr.Project, "branch", branch)
			deleted++
		}
	}

	logger.Info("maintenance: branch cleanup sweep finished",
		"deleted", deleted,
		"elapsed", format.FormatDurationMsInt(time.Since(started).Milliseconds()),
	)
}

func agentIDFromBranch(branch string) (string, bool) {
	prefix := worktree.BranchPrefix + "/"
	if !strings.HasPrefix(branch, prefix) {
		return "", false
	}
	return strings.TrimPrefix(branch, prefix), true
}

// Start begins running every registered cron job.
func (s *Scheduler) Start() { s.Cron.Start() }

// Stop stops the cron scheduler and waits for any running job to finish.
func (s *Scheduler) Stop() context.Context { return s.Cron.Stop() }
