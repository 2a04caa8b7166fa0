package config

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/fsnotify/fsnotify"

	"github.com/haasonsaas/nexus/internal/permission"
)

// PermissionsWatcher watches a global and a project permissions.toml path
// for changes and atomically swaps the compiled rule set on write, so a
// reload never affects a decision already in flight.
type PermissionsWatcher struct {
	GlobalPath  string
	ProjectPath string
	Logger      *slog.Logger

	mu      sync.Mutex
	current atomic.Value // permission.RuleSet
}

// NewPermissionsWatcher loads the initial rule set and returns a watcher
// ready to Run.
func NewPermissionsWatcher(globalPath, projectPath string, logger *slog.Logger) (*PermissionsWatcher, error) {
	if logger == nil {
		logger = slog.Default()
	}
	w := &PermissionsWatcher{GlobalPath: globalPath, ProjectPath: projectPath, Logger: logger}
	if err := w.reload(); err != nil {
		return nil, err
	}
	return w, nil
}

// Rules returns the currently active, merged rule set.
func (w *PermissionsWatcher) Rules() permission.RuleSet {
	if v := w.current.Load(); v != nil {
		return v.(permission.RuleSet)
	}
	return permission.RuleSet{}
}

func (w *PermissionsWatcher) reload() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	global, err := LoadPermissions(w.GlobalPath)
	if err != nil {
		return err
	}
	project, err := LoadPermissions(w.ProjectPath)
	if err != nil {
		return err
	}
	w.current.Store(Merge(project, global))
	return nil
}

// Run watches both paths for writes/creates and reloads the merged rule
// set on every event, logging and continuing on a transient reload error
// rather than treating it as fatal. Returns when ctx is done.
func (w *PermissionsWatcher) Run(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer watcher.Close()

	for _, p := range []string{w.GlobalPath, w.ProjectPath} {
		if p == "" {
			continue
		}
		if err := watcher.Add(p); err != nil {
			w.Logger.Debug("config: permissions path not watchable yet", "path", p, "error", err)
		}
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			if err := w.reload(); err != nil {
				w.Logger.Warn("config: permissions reload failed", "path", ev.Name, "error", err)
				continue
			}
			w.Logger.Info("config: permissions reloaded", "path", ev.Name)
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			w.Logger.Warn("config: permissions watcher error", "error", err)
		}
	}
}
