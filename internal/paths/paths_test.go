package paths

import (
	"strings"
	"testing"
)

func TestSafeJoinRejectsEscape(t *testing.T) {
	cases := []string{"../etc", "a/b", "", ".", "..", "/abs"}
	for _, c := range cases {
		if _, err := SafeJoin("/base", c); err == nil {
			t.Errorf("SafeJoin(%q) expected error, got nil", c)
		}
	}
}

func TestSafeJoinAcceptsNormalSegment(t *testing.T) {
	got, err := SafeJoin("/base", "my-project")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !strings.HasSuffix(got, "/base/my-project") {
		t.Errorf("got %q", got)
	}
}

func TestResolveDefaultsUnderHome(t *testing.T) {
	l, err := Resolve(Options{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if l.BaseDir == "" || l.SocketPath == "" {
		t.Fatalf("expected non-empty layout, got %+v", l)
	}
}

func TestAgentWorktreeDirRejectsUnsafeAgentID(t *testing.T) {
	l, err := Resolve(Options{BaseDir: "/tmp/nexusd-test"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, err := l.AgentWorktreeDir("demo", "../escape"); err == nil {
		t.Errorf("expected error for unsafe agent id")
	}
}
