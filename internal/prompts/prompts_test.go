package prompts

import (
	"strings"
	"testing"

	"github.com/haasonsaas/nexus/internal/orchestration"
)

func TestKickoffWithAndWithoutTitle(t *testing.T) {
	if got := Kickoff("ISSUE-1", "Fix bug"); got != "Start work on issue ISSUE-1: Fix bug" {
		t.Fatalf("unexpected kickoff: %q", got)
	}
	if got := Kickoff("ISSUE-2", ""); got != "Start work on issue ISSUE-2." {
		t.Fatalf("unexpected kickoff: %q", got)
	}
}

func TestSystemPromptsByRole(t *testing.T) {
	if got := System(orchestration.RoleCoding, "demo"); got != "" {
		t.Fatalf("expected coding role to have no fixed system prompt, got %q", got)
	}
	manager := System(orchestration.RoleManager, "demo")
	if !strings.Contains(manager, "manager agent") || !strings.Contains(manager, "demo") {
		t.Fatalf("manager prompt missing expected content: %q", manager)
	}
	planner := System(orchestration.RolePlanner, "demo")
	if !strings.Contains(planner, "planner agent") || !strings.Contains(planner, "sprints") {
		t.Fatalf("planner prompt missing expected content: %q", planner)
	}
}
