// Package agentdriver implements agentruntime.Driver by shelling out to the
// locally installed "claude" and "codex" CLI binaries, the two driver
// families orchestration.BackendKind names. Claude-family agents are
// long-lived processes fed a JSONL stdin stream; codex-family agents run
// one fresh process per turn and hand back their full transcript.
package agentdriver

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"

	"github.com/haasonsaas/nexus/internal/agentruntime"
	execsafety "github.com/haasonsaas/nexus/internal/exec"
	"github.com/haasonsaas/nexus/internal/orchestration"
)

// HookEnvPrefix and HookSocketEnv name the environment variables a spawned
// driver process can use to call back into the daemon's tool-use hook.
const (
	HookEnvPrefix = "NEXUSD_HOOK_EXE"
	HookSocketEnv = "NEXUSD_HOOK_SOCKET"
)

// Driver launches real claude/codex subprocesses.
type Driver struct {
	// ClaudeBin and CodexBin name the executables to invoke; both default
	// to their bare name, resolved via $PATH.
	ClaudeBin string
	CodexBin  string
	// HookExe and HookSocketPath are propagated to every spawned process
	// so its tool-use hook can call back into the daemon.
	HookExe       string
	HookSocketPath string
}

// New returns a Driver using the default "claude"/"codex" binary names.
func New(hookExe, hookSocketPath string) *Driver {
	return &Driver{
		ClaudeBin:      "claude",
		CodexBin:       "codex",
		HookExe:        hookExe,
		HookSocketPath: hookSocketPath,
	}
}

func (d *Driver) claudeBin() string {
	if d.ClaudeBin != "" {
		return d.ClaudeBin
	}
	return "claude"
}

func (d *Driver) codexBin() string {
	if d.CodexBin != "" {
		return d.CodexBin
	}
	return "codex"
}

func (d *Driver) hookEnv() []string {
	var env []string
	if d.HookExe != "" {
		env = append(env, HookEnvPrefix+"="+d.HookExe)
	}
	if d.HookSocketPath != "" {
		env = append(env, HookSocketEnv+"="+d.HookSocketPath)
	}
	return env
}

// Start launches a long-lived claude-family process in workdir, stdin and
// stdout piped for the JSONL protocol.
func (d *Driver) Start(ctx context.Context, workdir string, env []string) (*agentruntime.Process, error) {
	bin, err := execsafety.SanitizeExecutableValue(d.claudeBin())
	if err != nil {
		return nil, fmt.Errorf("agentdriver: unsafe claude binary: %w", err)
	}
	cmd := exec.CommandContext(ctx, bin, "--print", "--input-format", "stream-json", "--output-format", "stream-json", "--verbose")
	cmd.Dir = workdir
	cmd.Env = append(append(os.Environ(), env...), d.hookEnv()...)

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, err
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, err
	}
	cmd.Stderr = os.Stderr

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("agentdriver: start claude: %w", err)
	}

	return &agentruntime.Process{
		Stdin:  stdin,
		Stdout: stdout,
		PID:    cmd.Process.Pid,
		Wait: func() (int, error) {
			err := cmd.Wait()
			if err == nil {
				return 0, nil
			}
			var exitErr *exec.ExitError
			if ok := asExitError(err, &exitErr); ok {
				return exitErr.ExitCode(), nil
			}
			return -1, err
		},
		Kill: func() error {
			if cmd.Process == nil {
				return nil
			}
			return cmd.Process.Kill()
		},
	}, nil
}

// StartTurn runs a one-shot codex-family process fed input on its own
// stdin line, returning its full stdout transcript plus the thread id to
// carry into the next turn (codex prints it on the final JSONL line).
func (d *Driver) StartTurn(ctx context.Context, workdir string, env []string, input orchestration.ChatMessage, threadID string) ([]byte, string, error) {
	bin, err := execsafety.SanitizeExecutableValue(d.codexBin())
	if err != nil {
		return nil, "", fmt.Errorf("agentdriver: unsafe codex binary: %w", err)
	}
	args := []string{"exec", "--json", "--skip-git-repo-check"}
	if threadID != "" {
		args = append(args, "--thread-id", threadID)
	}
	sanitizedArgs, err := execsafety.SanitizeArguments(args)
	if err != nil {
		return nil, "", fmt.Errorf("agentdriver: unsafe codex arguments: %w", err)
	}

	cmd := exec.CommandContext(ctx, bin, sanitizedArgs...)
	cmd.Dir = workdir
	cmd.Env = append(append(os.Environ(), env...), d.hookEnv()...)
	cmd.Stdin = bytes.NewReader([]byte(input.Content))

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		return nil, "", fmt.Errorf("agentdriver: codex turn: %w: %s", err, stderr.String())
	}

	nextThreadID := extractThreadID(stdout.Bytes())
	if nextThreadID == "" {
		nextThreadID = threadID
	}
	return stdout.Bytes(), nextThreadID, nil
}

// extractThreadID scans a codex transcript for the thread id codex reports
// on its session-configured event, so the next turn can resume the thread.
func extractThreadID(transcript []byte) string {
	var probe struct {
		ThreadID string `json:"thread_id"`
	}
	for _, line := range bytes.Split(transcript, []byte("\n")) {
		line = bytes.TrimSpace(line)
		if len(line) == 0 {
			continue
		}
		if err := json.Unmarshal(line, &probe); err == nil && probe.ThreadID != "" {
			return probe.ThreadID
		}
	}
	return ""
}

func asExitError(err error, target **exec.ExitError) bool {
	if ee, ok := err.(*exec.ExitError); ok {
		*target = ee
		return true
	}
	return false
}
