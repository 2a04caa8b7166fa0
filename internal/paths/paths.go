// Package paths computes the daemon's on-disk layout and guards every
// join against path-segment escape. Every subsystem that turns a
// user-provided name (project, issue id, agent id) into a filesystem path
// goes through SafeJoin rather than filepath.Join directly.
package paths

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
)

// Segment validation errors.
var (
	ErrEmptySegment    = errors.New("paths: segment is empty")
	ErrSegmentNotNormal = errors.New("paths: segment is not a single normal path component")
)

const defaultDirName = ".nexusd"

// Layout is the daemon's resolved on-disk layout, rooted at BaseDir.
type Layout struct {
	BaseDir    string
	SocketPath string
	PidPath    string
	LogPath    string
	RuntimeDir string
	ConfigDir  string
	ProjectsDir string
}

// Options overrides layout defaults; zero value uses $HOME-derived defaults.
type Options struct {
	BaseDir    string
	SocketPath string
	ConfigDir  string
}

// Resolve computes a Layout from the given overrides, falling back to
// "<home>/.nexusd" when BaseDir is empty.
func Resolve(opts Options) (Layout, error) {
	base := opts.BaseDir
	if base == "" {
		if v := os.Getenv("NEXUSD_BASE_DIR"); v != "" {
			base = v
		}
	}
	if base == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return Layout{}, err
		}
		base = filepath.Join(home, defaultDirName)
	}

	sock := opts.SocketPath
	if sock == "" {
		if v := os.Getenv("NEXUSD_SOCKET_PATH"); v != "" {
			sock = v
		}
	}
	if sock == "" {
		sock = filepath.Join(base, "nexusd.sock")
	}

	configDir := opts.ConfigDir
	if configDir == "" {
		configDir = base
	}

	return Layout{
		BaseDir:     base,
		SocketPath:  sock,
		PidPath:     filepath.Join(base, "nexusd.pid"),
		LogPath:     filepath.Join(base, "nexusd.log"),
		RuntimeDir:  filepath.Join(base, "runtime"),
		ConfigDir:   configDir,
		ProjectsDir: filepath.Join(base, "projects"),
	}, nil
}

// EnsureDirs creates every directory the layout needs, idempotently.
func (l Layout) EnsureDirs() error {
	for _, dir := range []string{l.BaseDir, l.RuntimeDir, l.ConfigDir, l.ProjectsDir} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	return nil
}

// ProjectDir returns the root directory for a project's repo + worktrees.
func (l Layout) ProjectDir(project string) (string, error) {
	return SafeJoin(l.ProjectsDir, project)
}

// ProjectRepoDir returns the bare-clone directory for a project.
func (l Layout) ProjectRepoDir(project string) (string, error) {
	dir, err := l.ProjectDir(project)
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "repo"), nil
}

// ProjectWorktreesDir returns the worktrees root for a project.
func (l Layout) ProjectWorktreesDir(project string) (string, error) {
	dir, err := l.ProjectDir(project)
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "worktrees"), nil
}

// AgentWorktreeDir returns the dedicated worktree directory for an agent.
func (l Layout) AgentWorktreeDir(project, agentID string) (string, error) {
	root, err := l.ProjectWorktreesDir(project)
	if err != nil {
		return "", err
	}
	seg, err := NormalizeSegment("wt-" + agentID)
	if err != nil {
		return "", err
	}
	return filepath.Join(root, seg), nil
}

// ProjectPermissionsPath returns the path of a project's permissions.toml
// override, which may not exist.
func (l Layout) ProjectPermissionsPath(project string) (string, error) {
	dir, err := l.ProjectDir(project)
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "permissions.toml"), nil
}

// GlobalConfigPath returns the global config.toml path.
func (l Layout) GlobalConfigPath() string {
	return filepath.Join(l.ConfigDir, "config.toml")
}

// GlobalPermissionsPath returns the global permissions.toml path.
func (l Layout) GlobalPermissionsPath() string {
	return filepath.Join(l.ConfigDir, "permissions.toml")
}

// AgentsSnapshotPath is where the runtime persists its agents.json snapshot.
func (l Layout) AgentsSnapshotPath() string {
	return filepath.Join(l.RuntimeDir, "agents.json")
}

// DedupSnapshotPath is where the dedup store persists its snapshot.
func (l Layout) DedupSnapshotPath() string {
	return filepath.Join(l.RuntimeDir, "dedup.json")
}

// NormalizeSegment validates that seg is a single normal path component and
// returns it unchanged if so.
func NormalizeSegment(seg string) (string, error) {
	if seg == "" {
		return "", ErrEmptySegment
	}
	if seg == "." || seg == ".." {
		return "", ErrSegmentNotNormal
	}
	if strings.ContainsAny(seg, "/\\") {
		return "", ErrSegmentNotNormal
	}
	if filepath.IsAbs(seg) {
		return "", ErrSegmentNotNormal
	}
	return seg, nil
}

// SafeJoin joins base with segment, requiring segment to be a single normal
// path component. It never allows segment to escape base via ".." or an
// embedded separator.
func SafeJoin(base, segment string) (string, error) {
	seg, err := NormalizeSegment(segment)
	if err != nil {
		return "", err
	}
	return filepath.Join(base, seg), nil
}
