package dedupstore

import (
	"path/filepath"
	"testing"
)

func TestMarkOnlyOnce(t *testing.T) {
	s := New(Options{Path: filepath.Join(t.TempDir(), "dedup.json")})
	if !s.Mark("delivery-1", "demo", 1000) {
		t.Fatalf("expected first mark to be new")
	}
	if s.Mark("delivery-1", "demo", 2000) {
		t.Fatalf("expected second mark to be a duplicate")
	}
}

func TestCleanupEvictsExpired(t *testing.T) {
	s := New(Options{Path: filepath.Join(t.TempDir(), "dedup.json"), MaxAge: 1000})
	s.Mark("old", "demo", 0)
	s.Cleanup(5000)
	if s.Len() != 0 {
		t.Fatalf("expected expired entry to be evicted, len=%d", s.Len())
	}
}

func TestSaveAndLoadRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "dedup.json")
	s := New(Options{Path: path})
	s.Mark("a", "demo", 1)
	s.Mark("b", "demo", 2)
	if err := s.Save(); err != nil {
		t.Fatalf("save: %v", err)
	}

	s2 := New(Options{Path: path})
	if err := s2.Load(); err != nil {
		t.Fatalf("load: %v", err)
	}
	if s2.Len() != 2 {
		t.Fatalf("expected 2 entries after load, got %d", s2.Len())
	}
	if s2.Mark("a", "demo", 3) {
		t.Fatalf("expected loaded entry 'a' to already be marked")
	}
}
