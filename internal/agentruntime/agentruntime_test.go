package agentruntime

import (
	"bytes"
	"context"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/haasonsaas/nexus/internal/claims"
	"github.com/haasonsaas/nexus/internal/gitops"
	"github.com/haasonsaas/nexus/internal/orchestration"
	"github.com/haasonsaas/nexus/internal/paths"
	"github.com/haasonsaas/nexus/internal/worktree"
)

func hasGit(t *testing.T) {
	t.Helper()
	if _, err := exec.LookPath("git"); err != nil {
		t.Skip("git not available")
	}
}

func runGit(t *testing.T, dir string, args ...string) {
	t.Helper()
	cmd := exec.Command("git", args...)
	cmd.Dir = dir
	if out, err := cmd.CombinedOutput(); err != nil {
		t.Fatalf("git %v: %v\n%s", args, err, out)
	}
}

// initFakeRepo builds a bare origin plus a clone at repoDir tracking main,
// so worktree.Manager.Create has a real repository to branch from.
func initFakeRepo(t *testing.T, repoDir string) {
	t.Helper()
	root := filepath.Dir(repoDir)
	origin := filepath.Join(root, filepath.Base(repoDir)+"-origin")

	if err := os.MkdirAll(root, 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	runGit(t, root, "init", "-q", "--bare", origin)
	runGit(t, root, "clone", "-q", origin, repoDir)
	runGit(t, repoDir, "config", "user.email", "test@example.com")
	runGit(t, repoDir, "config", "user.name", "Test")
	if err := os.WriteFile(filepath.Join(repoDir, "README.md"), []byte("hi"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	runGit(t, repoDir, "add", ".")
	runGit(t, repoDir, "commit", "-q", "-m", "initial")
	runGit(t, repoDir, "branch", "-M", "main")
	runGit(t, repoDir, "push", "-q", "-u", "origin", "main")
}

// fakePipe is an in-memory io.ReadWriteCloser standing in for a process's
// stdout/stdin, so tests never spawn a real OS process.
type fakePipe struct {
	mu     sync.Mutex
	buf    bytes.Buffer
	closed bool
	notify chan struct{}
}

func newFakePipe() *fakePipe { return &fakePipe{notify: make(chan struct{}, 16)} }

func (p *fakePipe) Write(b []byte) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return 0, io.ErrClosedPipe
	}
	n, err := p.buf.Write(b)
	select {
	case p.notify <- struct{}{}:
	default:
	}
	return n, err
}

func (p *fakePipe) Read(b []byte) (int, error) {
	for {
		p.mu.Lock()
		if p.buf.Len() > 0 {
			n, _ := p.buf.Read(b)
			p.mu.Unlock()
			return n, nil
		}
		closed := p.closed
		p.mu.Unlock()
		if closed {
			return 0, io.EOF
		}
		<-p.notify
	}
}

func (p *fakePipe) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
	select {
	case p.notify <- struct{}{}:
	default:
	}
	return nil
}

// fakeClaudeDriver feeds back one canned assistant text message for every
// stdin line it receives, then lets Wait return once stopped.
type fakeClaudeDriver struct {
	stdin  *fakePipe
	stdout *fakePipe
	stop   chan struct{}
}

func newFakeClaudeDriver() *fakeClaudeDriver {
	return &fakeClaudeDriver{stdin: newFakePipe(), stdout: newFakePipe(), stop: make(chan struct{})}
}

func (d *fakeClaudeDriver) Start(ctx context.Context, workdir string, env []string) (*Process, error) {
	go func() {
		buf := make([]byte, 4096)
		for {
			n, err := d.stdin.Read(buf)
			if n > 0 {
				reply := []byte(`{"type":"assistant","message":{"role":"assistant","content":[{"type":"text","text":"ack"}]}}` + "\n")
				d.stdout.Write(reply) //nolint:errcheck
			}
			if err != nil {
				return
			}
		}
	}()
	return &Process{
		Stdin:  d.stdin,
		Stdout: d.stdout,
		PID:    4242,
		Wait: func() (int, error) {
			<-d.stop
			return 0, nil
		},
		Kill: func() error {
			close(d.stop)
			return nil
		},
	}, nil
}

func (d *fakeClaudeDriver) StartTurn(ctx context.Context, workdir string, env []string, input orchestration.ChatMessage, threadID string) ([]byte, string, error) {
	panic("not used by claude-backend tests")
}

// fakeCodexDriver returns one canned command_execution turn per call.
type fakeCodexDriver struct{ calls int }

func (d *fakeCodexDriver) Start(ctx context.Context, workdir string, env []string) (*Process, error) {
	panic("not used by codex-backend tests")
}

func (d *fakeCodexDriver) StartTurn(ctx context.Context, workdir string, env []string, input orchestration.ChatMessage, threadID string) ([]byte, string, error) {
	d.calls++
	line := []byte(`{"type":"item.completed","item":{"type":"agent_message","text":"done"}}` + "\n")
	return line, "thread-1", nil
}

func newTestManager(t *testing.T, driver Driver) (*Manager, string) {
	t.Helper()
	base := t.TempDir()
	layout, err := paths.Resolve(paths.Options{BaseDir: base})
	if err != nil {
		t.Fatalf("resolve layout: %v", err)
	}
	if err := layout.EnsureDirs(); err != nil {
		t.Fatalf("ensure dirs: %v", err)
	}

	repoDir, err := layout.ProjectRepoDir("demo")
	if err != nil {
		t.Fatalf("repo dir: %v", err)
	}
	initFakeRepo(t, repoDir)

	wt := worktree.New(layout, gitops.New())
	reg := claims.NewRegistry()
	mgr := NewManager(wt, reg, driver, Hooks{})
	return mgr, repoDir
}

func TestSpawnClaudeBackendPumpsChat(t *testing.T) {
	hasGit(t)
	driver := newFakeClaudeDriver()
	mgr, _ := newTestManager(t, driver)

	rt, err := mgr.Spawn(context.Background(), SpawnOptions{
		Project: "demo",
		IssueID: "ISS-1",
		Role:    orchestration.RoleCoding,
		Backend: orchestration.BackendClaude,
	})
	if err != nil {
		t.Fatalf("spawn: %v", err)
	}

	deadline := time.After(2 * time.Second)
	for {
		rec, msgs, ok := mgr.Get(rt.Record.ID)
		if ok && rec.State == orchestration.AgentStateRunning && len(msgs) >= 2 {
			break
		}
		select {
		case <-deadline:
			t.Fatalf("timed out waiting for chat pump, last state=%+v msgs=%v", rec, msgs)
		case <-time.After(10 * time.Millisecond):
		}
	}

	if _, claimed := mgr.AgentForIssue("demo", "ISS-1"); !claimed {
		t.Fatalf("expected issue to be claimed")
	}

	if err := mgr.Abort(rt.Record.ID); err != nil {
		t.Fatalf("abort: %v", err)
	}
}

func TestSpawnCodexBackendRunsTurns(t *testing.T) {
	hasGit(t)
	driver := &fakeCodexDriver{}
	mgr, _ := newTestManager(t, driver)

	rt, err := mgr.Spawn(context.Background(), SpawnOptions{
		Project: "demo",
		IssueID: "ISS-2",
		Role:    orchestration.RoleCoding,
		Backend: orchestration.BackendCodex,
	})
	if err != nil {
		t.Fatalf("spawn: %v", err)
	}

	deadline := time.After(2 * time.Second)
	for {
		_, msgs, ok := mgr.Get(rt.Record.ID)
		if ok && len(msgs) >= 1 {
			break
		}
		select {
		case <-deadline:
			t.Fatalf("timed out waiting for codex turn")
		case <-time.After(10 * time.Millisecond):
		}
	}
}

func TestActiveCodingCountsNonTerminal(t *testing.T) {
	hasGit(t)
	driver := newFakeClaudeDriver()
	mgr, _ := newTestManager(t, driver)

	if _, err := mgr.Spawn(context.Background(), SpawnOptions{
		Project: "demo",
		IssueID: "ISS-3",
		Role:    orchestration.RoleCoding,
		Backend: orchestration.BackendClaude,
	}); err != nil {
		t.Fatalf("spawn: %v", err)
	}

	if n := mgr.ActiveCoding("demo"); n != 1 {
		t.Fatalf("expected 1 active coding agent, got %d", n)
	}
}
