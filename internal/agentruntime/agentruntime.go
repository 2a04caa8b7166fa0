// Package agentruntime owns live agent processes: spawning a driver
// subprocess in its worktree, pumping its JSONL stdin/stdout protocol, and
// applying the resulting lifecycle events to the shared AgentRecord table.
// It depends on streamdecode to turn driver output into
// orchestration.ChatMessage values and on claims/worktree for the
// surrounding resources.
package agentruntime

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/haasonsaas/nexus/internal/claims"
	"github.com/haasonsaas/nexus/internal/orchestration"
	"github.com/haasonsaas/nexus/internal/prompts"
	"github.com/haasonsaas/nexus/internal/streamdecode"
	"github.com/haasonsaas/nexus/internal/worktree"
)

// Process is the minimal subprocess handle a Driver hands back: a stdin
// writer, a stdout reader, and a way to wait for exit / kill it. This
// indirection is what lets tests substitute an in-memory fake instead of a
// real OS process.
type Process struct {
	Stdin  io.WriteCloser
	Stdout io.ReadCloser
	PID    int
	Wait   func() (exitCode int, err error)
	Kill   func() error
}

// Driver starts one agent-driver subprocess. ClaudeBackend drivers are
// started once and kept alive for the life of the agent; CodexBackend
// drivers are started fresh per turn (StartTurn).
type Driver interface {
	// Start launches a long-lived process for a claude-family backend.
	Start(ctx context.Context, workdir string, env []string) (*Process, error)
	// StartTurn launches a one-shot process for a codex-family backend,
	// feeding it input and returning its full captured stdout.
	StartTurn(ctx context.Context, workdir string, env []string, input orchestration.ChatMessage, threadID string) (output []byte, nextThreadID string, err error)
}

// Hooks let the orchestrator and RPC layer observe runtime state changes
// without agentruntime depending on them directly.
type Hooks struct {
	OnChatMessage   func(agentID string, msg orchestration.ChatMessage)
	OnStateChange   func(rec orchestration.AgentRecord)
	OnPersist       func()
	OnTickRequested func(project string)
}

// Runtime is one live agent: its record, chat buffer, outbound channel, and
// the cancel/abort machinery for its pumps.
type Runtime struct {
	mu             sync.Mutex
	Record         orchestration.AgentRecord
	Chat           *orchestration.Ring
	Backend        orchestration.BackendKind
	ClaimStartedAt *time.Time

	outbound chan orchestration.ChatMessage
	abort    chan struct{}
	aborted  atomic.Bool
	proc     *Process
	wg       sync.WaitGroup
}

func newRuntime(rec orchestration.AgentRecord, chatCap int) *Runtime {
	return &Runtime{
		Record:   rec,
		Chat:     orchestration.NewRing(chatCap),
		Backend:  rec.Backend,
		outbound: make(chan orchestration.ChatMessage, 32),
		abort:    make(chan struct{}),
	}
}

// DefaultChatCapacity is the per-agent transcript buffer size.
const DefaultChatCapacity = 200

// SpawnOptions configures a new agent.
type SpawnOptions struct {
	Project      string
	IssueID      string
	IssueTitle   string
	Role         orchestration.AgentRole
	Backend      orchestration.BackendKind
	SystemPrompt string
	Env          []string
}

// Manager owns every live Runtime for the daemon.
type Manager struct {
	mu        sync.Mutex
	agents    map[string]*Runtime
	nextID    atomic.Int64
	Worktree  *worktree.Manager
	Claims    *claims.Registry
	Driver    Driver
	Hooks     Hooks
	ChatCap   int
	now       func() time.Time
}

// NewManager returns an empty Manager.
func NewManager(wt *worktree.Manager, claimsReg *claims.Registry, driver Driver, hooks Hooks) *Manager {
	return &Manager{
		agents:   make(map[string]*Runtime),
		Worktree: wt,
		Claims:   claimsReg,
		Driver:   driver,
		Hooks:    hooks,
		ChatCap:  DefaultChatCapacity,
		now:      time.Now,
	}
}

// Spawn allocates an agent id, claims the issue, creates its worktree, and
// starts its process/pumps. On any failure before the process starts, the
// claim and any partially-created worktree are released.
func (m *Manager) Spawn(ctx context.Context, opts SpawnOptions) (*Runtime, error) {
	id := fmt.Sprintf("a-%d", m.nextID.Add(1))
	key := claims.Key{Project: opts.Project, IssueID: opts.IssueID}
	if err := m.Claims.Claim(key, id); err != nil {
		return nil, err
	}

	now := m.now()
	rec := orchestration.AgentRecord{
		ID:        id,
		Project:   opts.Project,
		Role:      opts.Role,
		IssueID:   opts.IssueID,
		State:     orchestration.AgentStateStarting,
		CreatedAt: now,
		UpdatedAt: now,
		Backend:   opts.Backend,
	}

	dir, branch, err := m.Worktree.Create(ctx, opts.Project, id)
	if err != nil {
		m.Claims.Release(key)
		return nil, fmt.Errorf("agentruntime: create worktree: %w", err)
	}
	rec.WorktreeDir = dir
	_ = branch

	if opts.SystemPrompt == "" {
		opts.SystemPrompt = prompts.System(opts.Role, opts.Project)
	}
	opts.Env = append(opts.Env, "NEXUSD_AGENT_ID="+id)

	rt := newRuntime(rec, m.effectiveChatCap())
	m.mu.Lock()
	m.agents[id] = rt
	m.mu.Unlock()

	kickoff := orchestration.ChatMessage{Role: orchestration.ChatRoleUser, Content: prompts.Kickoff(opts.IssueID, opts.IssueTitle), TsMs: now.UnixMilli()}
	rt.outbound <- kickoff

	switch opts.Backend {
	case orchestration.BackendCodex:
		m.startCodexLoop(rt, opts)
	default:
		m.startClaudePumps(ctx, rt, opts)
	}

	m.notifyState(rt)
	return rt, nil
}

func (m *Manager) effectiveChatCap() int {
	if m.ChatCap <= 0 {
		return DefaultChatCapacity
	}
	return m.ChatCap
}

// startClaudePumps launches the three task handles a long-lived agent needs:
// stdin writer, stdout reader, and reaper.
func (m *Manager) startClaudePumps(ctx context.Context, rt *Runtime, opts SpawnOptions) {
	proc, err := m.Driver.Start(ctx, rt.Record.WorktreeDir, opts.Env)
	if err != nil {
		m.applyEvent(rt, orchestration.ExitedEvent{Code: -1})
		return
	}
	m.applyEvent(rt, orchestration.SpawnedEvent{PID: proc.PID})

	rt.mu.Lock()
	rt.proc = proc
	rt.mu.Unlock()

	rt.wg.Add(3)
	go m.stdinWriter(rt, proc)
	go m.stdoutReader(rt, proc)
	go m.reaper(rt, proc, opts.Project)
}

func (m *Manager) stdinWriter(rt *Runtime, proc *Process) {
	defer rt.wg.Done()
	defer proc.Stdin.Close()
	for {
		select {
		case msg := <-rt.outbound:
			line := encodeInputLine(msg)
			if _, err := proc.Stdin.Write(line); err != nil {
				return
			}
		case <-rt.abort:
			return
		}
	}
}

func encodeInputLine(msg orchestration.ChatMessage) []byte {
	return []byte(fmt.Sprintf(`{"type":"user","message":{"role":"user","content":%q}}`+"\n", msg.Content))
}

func (m *Manager) stdoutReader(rt *Runtime, proc *Process) {
	defer rt.wg.Done()
	scanner := bufio.NewScanner(proc.Stdout)
	scanner.Buffer(make([]byte, 0, 64*1024), 10*1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		msgs, err := streamdecode.DecodeFamilyALine(line, m.now())
		if err != nil {
			continue
		}
		for _, msg := range msgs {
			rt.mu.Lock()
			rt.Chat.Push(msg)
			rt.mu.Unlock()
			if m.Hooks.OnChatMessage != nil {
				m.Hooks.OnChatMessage(rt.Record.ID, msg)
			}
		}
		if m.Hooks.OnPersist != nil {
			m.Hooks.OnPersist()
		}
	}
}

func (m *Manager) reaper(rt *Runtime, proc *Process, project string) {
	defer rt.wg.Done()
	code, _ := proc.Wait()
	if rt.aborted.Load() {
		m.applyEvent(rt, orchestration.AbortedEvent{By: "operator"})
	} else {
		m.applyEvent(rt, orchestration.ExitedEvent{Code: code})
	}
	m.Claims.ReleaseByAgent(rt.Record.ID)
	if m.Hooks.OnTickRequested != nil {
		m.Hooks.OnTickRequested(project)
	}
}

// startCodexLoop runs the single worker-loop task for one-shot drivers: it
// waits for an inbound message, spawns a fresh process per turn, decodes
// the transcript in-memory, and pushes the resulting chat messages.
func (m *Manager) startCodexLoop(rt *Runtime, opts SpawnOptions) {
	m.applyEvent(rt, orchestration.SpawnedEvent{PID: 0})
	rt.wg.Add(1)
	go func() {
		defer rt.wg.Done()
		ctx := context.Background()
		var threadID string
		for {
			select {
			case msg := <-rt.outbound:
				output, next, err := m.Driver.StartTurn(ctx, rt.Record.WorktreeDir, opts.Env, msg, threadID)
				if err != nil {
					m.applyEvent(rt, orchestration.NeedsResolutionEvent{Reason: err.Error()})
					continue
				}
				threadID = next
				for _, line := range splitLines(output) {
					decoded, derr := streamdecode.DecodeFamilyBLine(line, m.now())
					if derr != nil {
						continue
					}
					for _, d := range decoded {
						rt.mu.Lock()
						rt.Chat.Push(d)
						rt.mu.Unlock()
						if m.Hooks.OnChatMessage != nil {
							m.Hooks.OnChatMessage(rt.Record.ID, d)
						}
					}
				}
			case <-rt.abort:
				m.applyEvent(rt, orchestration.AbortedEvent{By: "operator"})
				return
			}
		}
	}()
}

func splitLines(data []byte) [][]byte {
	var lines [][]byte
	start := 0
	for i, b := range data {
		if b == '\n' {
			if i > start {
				lines = append(lines, data[start:i])
			}
			start = i + 1
		}
	}
	if start < len(data) {
		lines = append(lines, data[start:])
	}
	return lines
}

func (m *Manager) applyEvent(rt *Runtime, ev orchestration.Event) {
	rt.mu.Lock()
	orchestration.Apply(&rt.Record, m.now(), ev)
	rec := rt.Record.Clone()
	rt.mu.Unlock()
	m.notify(rec)
}

func (m *Manager) notify(rec orchestration.AgentRecord) {
	if m.Hooks.OnStateChange != nil {
		m.Hooks.OnStateChange(rec)
	}
	if m.Hooks.OnPersist != nil {
		m.Hooks.OnPersist()
	}
}

func (m *Manager) notifyState(rt *Runtime) {
	rt.mu.Lock()
	rec := rt.Record.Clone()
	rt.mu.Unlock()
	m.notify(rec)
}

// Send enqueues msg on agentID's outbound channel; it returns an error if
// the agent is unknown or the channel is full (backpressure).
func (m *Manager) Send(agentID string, msg orchestration.ChatMessage) error {
	m.mu.Lock()
	rt, ok := m.agents[agentID]
	m.mu.Unlock()
	if !ok {
		return fmt.Errorf("agentruntime: unknown agent %s", agentID)
	}
	select {
	case rt.outbound <- msg:
		return nil
	default:
		return fmt.Errorf("agentruntime: outbound channel full for agent %s", agentID)
	}
}

// Abort signals an agent's pumps to stop and kills its process.
func (m *Manager) Abort(agentID string) error {
	m.mu.Lock()
	rt, ok := m.agents[agentID]
	m.mu.Unlock()
	if !ok {
		return fmt.Errorf("agentruntime: unknown agent %s", agentID)
	}
	rt.aborted.Store(true)
	close(rt.abort)
	rt.mu.Lock()
	proc := rt.proc
	rt.mu.Unlock()
	if proc != nil && proc.Kill != nil {
		return proc.Kill()
	}
	return nil
}

// Get returns a copy of an agent's record and chat tail.
func (m *Manager) Get(agentID string) (orchestration.AgentRecord, []orchestration.ChatMessage, bool) {
	m.mu.Lock()
	rt, ok := m.agents[agentID]
	m.mu.Unlock()
	if !ok {
		return orchestration.AgentRecord{}, nil, false
	}
	rt.mu.Lock()
	defer rt.mu.Unlock()
	return rt.Record.Clone(), rt.Chat.All(), true
}

// List returns a snapshot of every agent's record.
func (m *Manager) List() []orchestration.AgentRecord {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]orchestration.AgentRecord, 0, len(m.agents))
	for _, rt := range m.agents {
		rt.mu.Lock()
		out = append(out, rt.Record.Clone())
		rt.mu.Unlock()
	}
	return out
}

// ActiveCoding counts agents for project in a non-terminal coding-role
// state, for the orchestrator's capacity check.
func (m *Manager) ActiveCoding(project string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, rt := range m.agents {
		rt.mu.Lock()
		rec := rt.Record
		rt.mu.Unlock()
		if rec.Project != project || rec.Role != orchestration.RoleCoding {
			continue
		}
		switch rec.State {
		case orchestration.AgentStateStarting, orchestration.AgentStateRunning, orchestration.AgentStateNeedsResolution:
			n++
		}
	}
	return n
}

// MarkClaimStarted sets ClaimStartedAt if unset, for the comment poller.
func (m *Manager) MarkClaimStarted(agentID string, now time.Time) {
	m.mu.Lock()
	rt, ok := m.agents[agentID]
	m.mu.Unlock()
	if !ok {
		return
	}
	rt.mu.Lock()
	defer rt.mu.Unlock()
	if rt.ClaimStartedAt == nil {
		t := now
		rt.ClaimStartedAt = &t
	}
}

// ClaimStarted returns the claim-start time for agentID, if any.
func (m *Manager) ClaimStarted(agentID string) (time.Time, bool) {
	m.mu.Lock()
	rt, ok := m.agents[agentID]
	m.mu.Unlock()
	if !ok {
		return time.Time{}, false
	}
	rt.mu.Lock()
	defer rt.mu.Unlock()
	if rt.ClaimStartedAt == nil {
		return time.Time{}, false
	}
	return *rt.ClaimStartedAt, true
}

// AgentForIssue returns the agent id claimed for (project, issueID), if any.
func (m *Manager) AgentForIssue(project, issueID string) (string, bool) {
	return m.Claims.AgentFor(claims.Key{Project: project, IssueID: issueID})
}
