// Package runtimestate persists a point-in-time snapshot of every agent
// record to disk, atomically, so a restarted daemon can recover
// known-terminal records without resuming live processes.
package runtimestate

import (
	"encoding/json"
	"os"
	"path/filepath"

	"github.com/haasonsaas/nexus/internal/orchestration"
)

// Snapshot is the persisted shape: one entry per known agent.
type Snapshot struct {
	Agents []orchestration.AgentRecord `json:"agents"`
}

// Store reads and writes the runtime snapshot file at Path.
type Store struct {
	Path string
}

// New returns a Store targeting path.
func New(path string) *Store {
	return &Store{Path: path}
}

// Save writes agents to Path atomically: marshal, write to "<path>.tmp",
// then rename over the destination.
func (s *Store) Save(agents []orchestration.AgentRecord) error {
	snap := Snapshot{Agents: agents}
	data, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(s.Path), 0o755); err != nil {
		return err
	}
	tmp := s.Path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, s.Path)
}

// Load reads the snapshot from Path. A missing file returns an empty
// snapshot rather than an error, since there is nothing yet to recover.
func (s *Store) Load() ([]orchestration.AgentRecord, error) {
	data, err := os.ReadFile(s.Path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	var snap Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, err
	}
	return snap.Agents, nil
}

// TerminalOnly filters agents to only those in a terminal state, the
// known-terminal records a restarted daemon can safely recover.
func TerminalOnly(agents []orchestration.AgentRecord) []orchestration.AgentRecord {
	out := make([]orchestration.AgentRecord, 0, len(agents))
	for _, a := range agents {
		if a.State.Terminal() {
			out = append(out, a)
		}
	}
	return out
}
