package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/haasonsaas/nexus/internal/agent"
	"github.com/haasonsaas/nexus/internal/agent/providers"
	"github.com/haasonsaas/nexus/internal/agentdriver"
	"github.com/haasonsaas/nexus/internal/agentruntime"
	"github.com/haasonsaas/nexus/internal/claims"
	"github.com/haasonsaas/nexus/internal/commentpoller"
	"github.com/haasonsaas/nexus/internal/commitlog"
	"github.com/haasonsaas/nexus/internal/config"
	"github.com/haasonsaas/nexus/internal/dedupstore"
	"github.com/haasonsaas/nexus/internal/gitops"
	"github.com/haasonsaas/nexus/internal/hostproto"
	"github.com/haasonsaas/nexus/internal/maintenance"
	"github.com/haasonsaas/nexus/internal/merge"
	"github.com/haasonsaas/nexus/internal/observability"
	"github.com/haasonsaas/nexus/internal/orchestration"
	"github.com/haasonsaas/nexus/internal/orchestrator"
	"github.com/haasonsaas/nexus/internal/paths"
	"github.com/haasonsaas/nexus/internal/pending"
	"github.com/haasonsaas/nexus/internal/permission"
	"github.com/haasonsaas/nexus/internal/rpc"
	"github.com/haasonsaas/nexus/internal/runtimestate"
	"github.com/haasonsaas/nexus/internal/usage"
	"github.com/haasonsaas/nexus/internal/webhook"
	"github.com/haasonsaas/nexus/internal/worktree"
)

// Daemon owns every long-lived component wired together by "serve". Its
// lifecycle is Start (blocking until ctx is done or a fatal component
// error) followed by Stop (the explicit phase sequence: stop accepting new
// work, drain, persist, cleanup).
type Daemon struct {
	Config config.Config
	Layout paths.Layout
	Logger *slog.Logger

	Git       *gitops.Gateway
	Worktree  *worktree.Manager
	Claims    *claims.Registry
	Backend   *multiBackend
	Runtime   *agentruntime.Manager
	Orch      *orchestrator.Orchestrator
	Merge     *merge.Coordinator
	RPC       *rpc.Server
	Webhook   *http.Server
	Poller    *commentpoller.Poller
	Maint     *maintenance.Scheduler
	Dedup     *dedupstore.Store
	Commits   *commitlog.Log
	State     *runtimestate.Store
	Perms     *config.PermissionsWatcher
	Usage     *usage.Tracker
	PendingPermission *pending.Table[orchestration.PermissionDecision]
	PendingQuestion   *pending.Table[orchestration.UserQuestion]

	Metrics      *observability.Metrics
	Tracer       *observability.Tracer
	tracerClose  func(context.Context) error

	hosts   map[string]*hostproto.Host
	mu      sync.Mutex
	webhookWG sync.WaitGroup

	llmProviders map[string]agent.LLMProvider
}

// newDaemon builds every component but starts nothing.
func newDaemon(cfg config.Config, layout paths.Layout, logger *slog.Logger) (*Daemon, error) {
	if err := layout.EnsureDirs(); err != nil {
		return nil, fmt.Errorf("nexusd: ensure dirs: %w", err)
	}

	git := gitops.New()
	wt := worktree.New(layout, git)
	claimsReg := claims.NewRegistry()
	backend := newMultiBackend()

	for _, p := range cfg.Projects {
		repoDir, err := layout.ProjectRepoDir(p.Name)
		if err != nil {
			return nil, err
		}
		if err := os.MkdirAll(repoDir, 0o755); err != nil {
			return nil, fmt.Errorf("nexusd: mkdir project repo dir: %w", err)
		}
		b, err := buildIssueBackend(layout, cfg, p, git)
		if err != nil {
			return nil, err
		}
		backend.register(p.Name, b)
	}

	dedup := dedupstore.New(dedupstore.Options{Path: layout.DedupSnapshotPath()})
	if err := dedup.Load(); err != nil {
		logger.Warn("nexusd: dedup store load failed", "error", err)
	}

	commits := commitlog.New(commitlog.DefaultCapacity)
	state := runtimestate.New(layout.AgentsSnapshotPath())
	mergeCoord := merge.NewCoordinator(git)

	permsWatcher, err := config.NewPermissionsWatcher(layout.GlobalPermissionsPath(), "", logger)
	if err != nil {
		return nil, fmt.Errorf("nexusd: load permissions: %w", err)
	}

	d := &Daemon{
		Config:  cfg,
		Layout:  layout,
		Logger:  logger,
		Git:     git,
		Worktree: wt,
		Claims:  claimsReg,
		Backend: backend,
		Merge:   mergeCoord,
		Dedup:   dedup,
		Commits: commits,
		State:   state,
		Perms:   permsWatcher,
		Usage:   usage.NewTracker(usage.DefaultTrackerConfig()),
		PendingPermission: pending.NewTable[orchestration.PermissionDecision](),
		PendingQuestion:   pending.NewTable[orchestration.UserQuestion](),
		Metrics: observability.NewMetrics(),
		hosts:   make(map[string]*hostproto.Host),
		llmProviders: make(map[string]agent.LLMProvider),
	}
	d.Tracer, d.tracerClose = observability.NewTracer(observability.TraceConfig{
		ServiceName:    "nexusd",
		ServiceVersion: version,
		Environment:    os.Getenv("NEXUSD_ENV"),
		Endpoint:       os.Getenv("NEXUSD_OTLP_ENDPOINT"),
	})

	hooks := agentruntime.Hooks{
		OnChatMessage:   d.onChatMessage,
		OnStateChange:   d.onStateChange,
		OnPersist:       d.onPersist,
		OnTickRequested: d.onTickRequested,
	}
	hookExe := os.Getenv(agentdriver.HookEnvPrefix)
	if hookExe == "" {
		hookExe = "nexusd-hook"
	}
	driver := agentdriver.New(hookExe, layout.SocketPath+".hook")
	d.Runtime = agentruntime.NewManager(wt, claimsReg, driver, hooks)

	d.Orch = orchestrator.New(d.Runtime, claimsReg, backend, logger)
	for _, p := range cfg.Projects {
		d.Orch.RegisterProject(orchestrator.ProjectConfig{
			Name:      p.Name,
			MaxAgents: p.MaxAgents,
			Backend:   orchestration.BackendClaude,
		})
	}
	if v := os.Getenv("NEXUSD_TICK_INTERVAL"); v != "" {
		if dur, err := time.ParseDuration(v); err == nil {
			d.Orch.TickInterval = orchestrator.ClampTickInterval(dur)
		} else {
			logger.Warn("nexusd: ignoring invalid NEXUSD_TICK_INTERVAL", "value", v, "error", err)
		}
	}

	d.Poller = commentpoller.New(claimsReg, d.Runtime, backend, dedup, logger)

	d.Maint = maintenance.New(logger)

	d.RPC = rpc.New(layout.SocketPath, logger)
	registerRPCHandlers(d)

	if cfg.Webhook.Enabled {
		whs := &webhook.Server{
			Config: webhook.Config{
				Enabled:    cfg.Webhook.Enabled,
				BindAddr:   cfg.Webhook.BindAddr,
				Secret:     cfg.Webhook.Secret,
				PathPrefix: cfg.Webhook.PathPrefix,
			},
			Dedup:        dedup,
			Orchestrator: d.Orch,
			Events:       d.RPC,
			Metrics:      promhttp.Handler(),
			Logger:       logger,
			Now:          func() int64 { return time.Now().UnixMilli() },
		}
		d.Webhook = &http.Server{Addr: cfg.Webhook.BindAddr, Handler: whs.Handler()}
	}

	return d, nil
}

// hostModeEnabled reports whether project runs its agents with a per-agent
// hostproto socket (an interactive attach/detach surface), rather than the
// RPC-only default.
func (d *Daemon) hostModeEnabled(project string) bool {
	p, ok := d.projectConfig(project)
	return ok && p.HostMode
}

// ensureHost lazily starts a hostproto.Host for agentID the first time a
// host-mode project spawns it, letting an operator attach to that agent's
// process directly rather than only through the shared RPC socket.
func (d *Daemon) ensureHost(agentID, project string) {
	if !d.hostModeEnabled(project) {
		return
	}
	d.mu.Lock()
	if _, exists := d.hosts[agentID]; exists {
		d.mu.Unlock()
		return
	}
	host := hostproto.NewHost(agentID, d.Layout.SocketPath+".host."+agentID, d.Runtime)
	d.hosts[agentID] = host
	d.mu.Unlock()

	go func() {
		if err := host.Serve(context.Background()); err != nil {
			d.Logger.Warn("nexusd: host socket stopped", "agent", agentID, "error", err)
		}
	}()
}

// projectConfig looks up one project's config entry by name.
func (d *Daemon) projectConfig(name string) (config.ProjectConfig, bool) {
	for _, p := range d.Config.Projects {
		if p.Name == name {
			return p, true
		}
	}
	return config.ProjectConfig{}, false
}

// rules returns the effective, merged permission rule set for a project:
// the live-reloaded global set plus that project's own permissions.toml,
// loaded fresh since project files aren't watched (only the global one is,
// per the current PermissionsWatcher wiring).
func (d *Daemon) rules(project string) permission.RuleSet {
	projPath, err := d.Layout.ProjectPermissionsPath(project)
	if err != nil {
		return d.Perms.Rules()
	}
	projRules, err := config.LoadPermissions(projPath)
	if err != nil {
		d.Logger.Warn("nexusd: project permissions load failed", "project", project, "error", err)
		return d.Perms.Rules()
	}
	return config.Merge(projRules, d.Perms.Rules())
}

// llmProvider lazily constructs and caches the LLMProvider for a resolved
// credential, keyed by provider name (its API key never changes mid-run).
func (d *Daemon) llmProvider(cred config.Credential) (agent.LLMProvider, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if p, ok := d.llmProviders[cred.Provider]; ok {
		return p, nil
	}
	var p agent.LLMProvider
	switch cred.Provider {
	case "anthropic":
		ap, err := providers.NewAnthropicProvider(providers.AnthropicConfig{APIKey: cred.APIKey})
		if err != nil {
			return nil, err
		}
		p = ap
	case "openai":
		p = providers.NewOpenAIProvider(cred.APIKey)
	default:
		return nil, fmt.Errorf("nexusd: unsupported llm provider %q", cred.Provider)
	}
	d.llmProviders[cred.Provider] = p
	return p, nil
}

// Start runs every background component and blocks until ctx is canceled.
func (d *Daemon) Start(ctx context.Context) error {
	errCh := make(chan error, 4)

	go func() {
		if err := d.RPC.Serve(ctx); err != nil {
			errCh <- fmt.Errorf("rpc: %w", err)
		}
	}()

	go func() {
		if err := d.Perms.Run(ctx); err != nil {
			d.Logger.Warn("nexusd: permissions watcher stopped", "error", err)
		}
	}()

	go d.Poller.Run(ctx)

	d.Maint.RegisterUsageRollup("", d.Usage)
	d.Maint.RegisterBranchCleanup("", d.Layout, d.Git, d.Claims, d.maintenanceProjects)
	d.Maint.Start()

	if restored, err := d.State.Load(); err == nil {
		d.Logger.Info("nexusd: restored runtime snapshot", "agents", len(restored))
	}

	for _, p := range d.Config.Projects {
		d.Orch.Start(ctx, p.Name)
	}

	if d.Webhook != nil {
		d.webhookWG.Add(1)
		go func() {
			defer d.webhookWG.Done()
			if err := d.Webhook.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				errCh <- fmt.Errorf("webhook: %w", err)
			}
		}()
	}

	d.Logger.Info("nexusd: daemon started", "socket", d.Layout.SocketPath, "projects", len(d.Config.Projects))

	select {
	case <-ctx.Done():
		return nil
	case err := <-errCh:
		return err
	}
}

// maintenanceProjects derives the project/repoDir pairs the branch-cleanup
// sweep needs from the current config, computed fresh each cron tick so a
// project added at runtime via RPC is picked up without a restart.
func (d *Daemon) maintenanceProjects() []maintenance.ProjectRepo {
	out := make([]maintenance.ProjectRepo, 0, len(d.Config.Projects))
	for _, p := range d.Config.Projects {
		repoDir, err := d.Layout.ProjectRepoDir(p.Name)
		if err != nil {
			continue
		}
		out = append(out, maintenance.ProjectRepo{Project: p.Name, RepoDir: repoDir})
	}
	return out
}

// Stop runs the daemon's explicit shutdown phase sequence: stop scheduling
// new work, stop the servers, drain connections, persist final state.
func (d *Daemon) Stop(ctx context.Context) error {
	for _, p := range d.Config.Projects {
		d.Orch.Stop(p.Name)
	}
	d.Maint.Stop()

	if err := d.RPC.Close(); err != nil {
		d.Logger.Warn("nexusd: rpc close failed", "error", err)
	}
	if d.Webhook != nil {
		if err := d.Webhook.Shutdown(ctx); err != nil {
			d.Logger.Warn("nexusd: webhook shutdown failed", "error", err)
		}
		d.webhookWG.Wait()
	}

	if err := d.State.Save(d.Runtime.List()); err != nil {
		d.Logger.Warn("nexusd: runtime snapshot save failed", "error", err)
	}
	if err := d.Dedup.Save(); err != nil {
		d.Logger.Warn("nexusd: dedup snapshot save failed", "error", err)
	}
	if d.tracerClose != nil {
		if err := d.tracerClose(ctx); err != nil {
			d.Logger.Warn("nexusd: tracer shutdown failed", "error", err)
		}
	}
	return nil
}

// runServe is the "serve" command's handler.
func runServe(ctx context.Context, configPath string, debug bool) error {
	level := slog.LevelInfo
	if debug {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)

	logger.Info("nexusd: starting", "version", version, "commit", commit, "config", configPath)

	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("nexusd: load config: %w", err)
	}

	layout, err := paths.Resolve(paths.Options{ConfigDir: configDirOf(configPath)})
	if err != nil {
		return fmt.Errorf("nexusd: resolve layout: %w", err)
	}

	d, err := newDaemon(cfg, layout, logger)
	if err != nil {
		return fmt.Errorf("nexusd: build daemon: %w", err)
	}

	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	errCh := make(chan error, 1)
	go func() { errCh <- d.Start(ctx) }()

	select {
	case <-ctx.Done():
	case err := <-errCh:
		if err != nil {
			return err
		}
	}

	logger.Info("nexusd: shutdown signal received, draining")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	return d.Stop(shutdownCtx)
}

func configDirOf(configPath string) string {
	if configPath == "" {
		return ""
	}
	dir := configPath
	for i := len(dir) - 1; i >= 0; i-- {
		if dir[i] == '/' {
			return dir[:i]
		}
	}
	return ""
}
