package orchestration

import (
	"testing"
	"time"
)

func TestApplyStateMachine(t *testing.T) {
	now := time.Unix(0, 0)
	rec := AgentRecord{State: AgentStateStarting}

	Apply(&rec, now, SpawnedEvent{PID: 123})
	if rec.State != AgentStateRunning || rec.PID == nil || *rec.PID != 123 {
		t.Fatalf("unexpected record after spawn: %+v", rec)
	}

	Apply(&rec, now, BecameIdleEvent{})
	if rec.State != AgentStateIdle {
		t.Fatalf("expected idle, got %s", rec.State)
	}

	Apply(&rec, now, ResumedFromIdleEvent{})
	if rec.State != AgentStateRunning {
		t.Fatalf("expected running, got %s", rec.State)
	}

	Apply(&rec, now, ExitedEvent{Code: 0})
	if rec.State != AgentStateExited || rec.PID != nil || rec.ExitReason != ExitReasonExited {
		t.Fatalf("unexpected record after exit: %+v", rec)
	}

	// Terminal states reject further transitions.
	Apply(&rec, now, BecameIdleEvent{})
	if rec.State != AgentStateExited {
		t.Fatalf("expected terminal state to be sticky, got %s", rec.State)
	}
}

func TestIssueReady(t *testing.T) {
	closed := map[string]bool{"A": true}
	ready := Issue{ID: "B", Status: "open", Dependencies: []string{"A"}}
	if !ready.Ready(closed) {
		t.Errorf("expected issue to be ready")
	}
	blocked := Issue{ID: "C", Status: "open", Dependencies: []string{"A", "D"}}
	if blocked.Ready(closed) {
		t.Errorf("expected issue with open dependency to not be ready")
	}
	notOpen := Issue{ID: "E", Status: "blocked"}
	if notOpen.Ready(closed) {
		t.Errorf("expected blocked-status issue to not be ready")
	}
}

func TestRingEvictsOldest(t *testing.T) {
	r := NewRing(2)
	r.Push(ChatMessage{Content: "a"})
	r.Push(ChatMessage{Content: "b"})
	r.Push(ChatMessage{Content: "c"})

	all := r.All()
	if len(all) != 2 || all[0].Content != "b" || all[1].Content != "c" {
		t.Fatalf("expected [b c], got %+v", all)
	}
	tail := r.Tail(1)
	if len(tail) != 1 || tail[0].Content != "c" {
		t.Fatalf("expected tail [c], got %+v", tail)
	}
}
