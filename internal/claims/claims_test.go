package claims

import "testing"

func TestClaimConflict(t *testing.T) {
	r := NewRegistry()
	key := Key{Project: "demo", IssueID: "ISSUE-9"}
	if err := r.Claim(key, "a-1"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	err := r.Claim(key, "a-2")
	if err == nil {
		t.Fatalf("expected conflict error")
	}
	ac, ok := err.(*AlreadyClaimedError)
	if !ok {
		t.Fatalf("expected *AlreadyClaimedError, got %T", err)
	}
	if ac.Existing != "a-1" {
		t.Errorf("expected existing agent a-1, got %s", ac.Existing)
	}
}

func TestClaimIdempotentForSameAgent(t *testing.T) {
	r := NewRegistry()
	key := Key{Project: "demo", IssueID: "ISSUE-1"}
	if err := r.Claim(key, "a-1"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := r.Claim(key, "a-1"); err != nil {
		t.Fatalf("expected idempotent claim to succeed, got %v", err)
	}
}

func TestReleaseByAgent(t *testing.T) {
	r := NewRegistry()
	_ = r.Claim(Key{Project: "demo", IssueID: "A"}, "a-1")
	_ = r.Claim(Key{Project: "demo", IssueID: "B"}, "a-1")
	_ = r.Claim(Key{Project: "demo", IssueID: "C"}, "a-2")

	r.ReleaseByAgent("a-1")

	if r.IsClaimed(Key{Project: "demo", IssueID: "A"}) {
		t.Errorf("expected A to be released")
	}
	if !r.IsClaimed(Key{Project: "demo", IssueID: "C"}) {
		t.Errorf("expected C to remain claimed")
	}
}

func TestListIsSorted(t *testing.T) {
	r := NewRegistry()
	_ = r.Claim(Key{Project: "demo", IssueID: "C"}, "a-1")
	_ = r.Claim(Key{Project: "demo", IssueID: "A"}, "a-2")
	_ = r.Claim(Key{Project: "alpha", IssueID: "Z"}, "a-3")

	entries := r.List()
	if len(entries) != 3 {
		t.Fatalf("expected 3 entries, got %d", len(entries))
	}
	if entries[0].Key.Project != "alpha" {
		t.Errorf("expected alpha project first, got %s", entries[0].Key.Project)
	}
	if entries[1].Key.IssueID != "A" || entries[2].Key.IssueID != "C" {
		t.Errorf("expected demo issues sorted A, C; got %v", entries[1:])
	}
}
