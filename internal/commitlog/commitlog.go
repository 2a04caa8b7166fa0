// Package commitlog keeps a bounded, per-project ring of recently merged
// commits for display and audit via the RPC surface.
package commitlog

import (
	"sync"

	"github.com/haasonsaas/nexus/internal/orchestration"
)

// DefaultCapacity is the default number of commits retained per project.
const DefaultCapacity = 100

// Log tracks commit history per project.
type Log struct {
	mu       sync.Mutex
	capacity int
	byProj   map[string][]orchestration.CommitRecord
}

// New returns a Log with the given per-project capacity (DefaultCapacity if <= 0).
func New(capacity int) *Log {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Log{capacity: capacity, byProj: make(map[string][]orchestration.CommitRecord)}
}

// Add appends rec to project's ring, evicting the oldest entry on overflow.
func (l *Log) Add(project string, rec orchestration.CommitRecord) {
	l.mu.Lock()
	defer l.mu.Unlock()
	entries := append(l.byProj[project], rec)
	if len(entries) > l.capacity {
		entries = entries[len(entries)-l.capacity:]
	}
	l.byProj[project] = entries
}

// ListRecent returns the newest n commits for project, newest first.
func (l *Log) ListRecent(project string, n int) []orchestration.CommitRecord {
	l.mu.Lock()
	defer l.mu.Unlock()
	entries := l.byProj[project]
	if n <= 0 || n > len(entries) {
		n = len(entries)
	}
	out := make([]orchestration.CommitRecord, n)
	for i := 0; i < n; i++ {
		out[i] = entries[len(entries)-1-i]
	}
	return out
}
