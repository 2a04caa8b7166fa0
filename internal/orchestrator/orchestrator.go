// Package orchestrator runs the per-project scheduling loop: on each
// tick it asks the issue backend for ready work, computes spare capacity,
// and spawns coding agents to fill it.
package orchestrator

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/haasonsaas/nexus/internal/agentruntime"
	"github.com/haasonsaas/nexus/internal/claims"
	"github.com/haasonsaas/nexus/internal/infra"
	"github.com/haasonsaas/nexus/internal/orchestration"
)

// MinTickInterval and MaxTickInterval bound the configurable tick interval.
const (
	DefaultTickInterval = 500 * time.Millisecond
	MinTickInterval     = 50 * time.Millisecond
	MaxTickInterval     = 60 * time.Second
)

// ClampTickInterval bounds d to [MinTickInterval, MaxTickInterval], falling
// back to DefaultTickInterval when d is zero.
func ClampTickInterval(d time.Duration) time.Duration {
	if d <= 0 {
		return DefaultTickInterval
	}
	if d < MinTickInterval {
		return MinTickInterval
	}
	if d > MaxTickInterval {
		return MaxTickInterval
	}
	return d
}

// DefaultMaxConcurrentSpawns bounds how many agent spawns (worktree setup
// plus process launch) may run at once across all projects, regardless of
// how many project loops are ticking concurrently.
const DefaultMaxConcurrentSpawns = 4

// IssueBackend is the subset of an issue-tracker adapter the orchestrator
// depends on: the ready-to-assign issue list for a project, in the
// backend's own authoritative order.
type IssueBackend interface {
	ReadyIssues(ctx context.Context, project string) ([]orchestration.Issue, error)
}

// ProjectConfig is the orchestrator-relevant subset of a project's config.
type ProjectConfig struct {
	Name      string
	MaxAgents int
	Backend   orchestration.BackendKind
}

// TickResult summarizes one scheduling decision, for logging and tests.
type TickResult struct {
	Project   string
	Active    int
	Available int
	Spawned   []string
}

// Orchestrator drives one task loop per registered project.
type Orchestrator struct {
	Runtime      *agentruntime.Manager
	Claims       *claims.Registry
	IssueBackend IssueBackend
	Logger       *slog.Logger
	TickInterval time.Duration

	// spawnLimiter caps how many agent spawns run concurrently across all
	// registered projects, so a burst of ticks from several projects at
	// once doesn't pile up worktree setup and process launches.
	spawnLimiter *infra.Semaphore

	mu             sync.Mutex
	projects       map[string]*ProjectConfig
	completed      map[string]map[string]bool // project -> issue id -> true
	loops          map[string]*projectLoop
	tickCounter    int64
}

// projectLoop owns the goroutine and signaling channels for one project.
type projectLoop struct {
	project string
	cancel  context.CancelFunc
	done    chan struct{}
	kick    chan struct{}
}

// New returns an Orchestrator with no projects registered yet.
func New(runtime *agentruntime.Manager, claimsReg *claims.Registry, backend IssueBackend, logger *slog.Logger) *Orchestrator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Orchestrator{
		Runtime:      runtime,
		Claims:       claimsReg,
		IssueBackend: backend,
		Logger:       logger,
		TickInterval: DefaultTickInterval,
		spawnLimiter: infra.NewSemaphore(DefaultMaxConcurrentSpawns),
		projects:     make(map[string]*ProjectConfig),
		completed:    make(map[string]map[string]bool),
		loops:        make(map[string]*projectLoop),
	}
}

// RegisterProject adds or updates a project's scheduling config.
func (o *Orchestrator) RegisterProject(cfg ProjectConfig) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.projects[cfg.Name] = &cfg
	if o.completed[cfg.Name] == nil {
		o.completed[cfg.Name] = make(map[string]bool)
	}
}

// MarkCompleted records issueID as completed for project, so a subsequent
// tick does not immediately respawn an agent for it.
func (o *Orchestrator) MarkCompleted(project, issueID string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.completed[project] == nil {
		o.completed[project] = make(map[string]bool)
	}
	o.completed[project][issueID] = true
}

// Start launches the task loop for project. Safe to call once per project;
// a second call for an already-running project is a no-op.
func (o *Orchestrator) Start(ctx context.Context, project string) {
	o.mu.Lock()
	if _, running := o.loops[project]; running {
		o.mu.Unlock()
		return
	}
	loopCtx, cancel := context.WithCancel(ctx)
	loop := &projectLoop{
		project: project,
		cancel:  cancel,
		done:    make(chan struct{}),
		kick:    make(chan struct{}, 1),
	}
	o.loops[project] = loop
	o.mu.Unlock()

	go o.run(loopCtx, loop)
}

// Stop signals project's loop to stop and waits up to 3 seconds for it to
// exit before abandoning the wait.
func (o *Orchestrator) Stop(project string) {
	o.mu.Lock()
	loop, ok := o.loops[project]
	if ok {
		delete(o.loops, project)
	}
	o.mu.Unlock()
	if !ok {
		return
	}
	loop.cancel()
	select {
	case <-loop.done:
	case <-time.After(3 * time.Second):
		o.Logger.Warn("orchestrator: stop timed out", "project", project)
	}
}

// IsRunning reports whether project's loop is registered as running,
// reaping it opportunistically if its goroutine has already exited.
func (o *Orchestrator) IsRunning(project string) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	loop, ok := o.loops[project]
	if !ok {
		return false
	}
	select {
	case <-loop.done:
		delete(o.loops, project)
		return false
	default:
		return true
	}
}

// RequestTick asks project's loop to run a tick immediately rather than
// waiting for the next periodic interval; a no-op if the loop isn't running
// or already has a pending kick.
func (o *Orchestrator) RequestTick(project string) {
	o.mu.Lock()
	loop, ok := o.loops[project]
	o.mu.Unlock()
	if !ok {
		return
	}
	select {
	case loop.kick <- struct{}{}:
	default:
	}
}

func (o *Orchestrator) run(ctx context.Context, loop *projectLoop) {
	defer close(loop.done)
	interval := ClampTickInterval(o.TickInterval)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			o.tick(ctx, loop.project)
		case <-loop.kick:
			o.tick(ctx, loop.project)
		}
	}
}

// Tick runs one synchronous scheduling decision for project and returns its
// summary. Exported so tests and the RPC debug surface can drive it
// directly without waiting on the ticker.
func (o *Orchestrator) Tick(ctx context.Context, project string) (TickResult, error) {
	return o.tick(ctx, project)
}

func (o *Orchestrator) tick(ctx context.Context, project string) (TickResult, error) {
	o.mu.Lock()
	o.tickCounter++
	cfg, ok := o.projects[project]
	completedSet := o.completed[project]
	o.mu.Unlock()
	if !ok {
		return TickResult{}, fmt.Errorf("orchestrator: unknown project %s", project)
	}

	issues, err := o.IssueBackend.ReadyIssues(ctx, project)
	if err != nil {
		o.Logger.Warn("orchestrator: ready issues lookup failed", "project", project, "error", err)
		return TickResult{}, err
	}

	active := o.Runtime.ActiveCoding(project)
	available := cfg.MaxAgents - active
	if available < 0 {
		available = 0
	}

	result := TickResult{Project: project, Active: active, Available: available}

	planned := make([]orchestration.Issue, 0, available)
	for _, iss := range issues {
		if len(planned) >= available {
			break
		}
		if completedSet != nil && completedSet[iss.ID] {
			continue
		}
		if o.Claims.IsClaimed(claims.Key{Project: project, IssueID: iss.ID}) {
			continue
		}
		planned = append(planned, iss)
	}

	for _, iss := range planned {
		if o.Runtime.ActiveCoding(project) >= cfg.MaxAgents {
			break
		}
		if o.Claims.IsClaimed(claims.Key{Project: project, IssueID: iss.ID}) {
			continue
		}
		if !o.spawnLimiter.TryAcquire(1) {
			o.Logger.Info("orchestrator: spawn deferred, host at concurrent-spawn limit",
				"project", project, "issue_id", iss.ID)
			break
		}
		_, err := o.Runtime.Spawn(ctx, agentruntime.SpawnOptions{
			Project:    project,
			IssueID:    iss.ID,
			IssueTitle: iss.Title,
			Role:       orchestration.RoleCoding,
			Backend:    cfg.Backend,
		})
		o.spawnLimiter.Release(1)
		if err != nil {
			o.Logger.Warn("orchestrator: spawn failed", "project", project, "issue_id", iss.ID, "error", err)
			continue
		}
		result.Spawned = append(result.Spawned, iss.ID)
	}

	o.Logger.Info("orchestrator: tick",
		"project", project, "active", result.Active, "available", result.Available, "spawned", len(result.Spawned))
	return result, nil
}
