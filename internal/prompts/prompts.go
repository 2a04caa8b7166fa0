// Package prompts centralizes the kickoff-message template and the
// per-role system-prompt templates handed to a spawned agent, instead of
// inlining format strings at each call site.
package prompts

import (
	"fmt"
	"strings"

	"github.com/haasonsaas/nexus/internal/orchestration"
)

// Kickoff returns the first user message sent to a freshly spawned coding
// agent: a short instruction naming the issue it was claimed for.
func Kickoff(issueID, title string) string {
	if title == "" {
		return fmt.Sprintf("Start work on issue %s.", issueID)
	}
	return fmt.Sprintf("Start work on issue %s: %s", issueID, title)
}

// System returns the system prompt for a given role, adapted to project.
// Coding agents get no fixed system prompt here (their driver supplies its
// own); planner and manager agents get the templates below.
func System(role orchestration.AgentRole, project string) string {
	switch role {
	case orchestration.RoleManager:
		return managerPrompt(project)
	case orchestration.RolePlanner:
		return plannerPrompt(project)
	default:
		return ""
	}
}

func managerPrompt(project string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "You are a nexusd manager agent for the %q project. You are a product manager and coordinator.\n\n", project)
	b.WriteString("## Responsibilities\n\n")
	b.WriteString("- Explore and explain this codebase.\n")
	b.WriteString("- Create and prioritize issues/tickets for work.\n")
	b.WriteString("- Start/stop orchestration and monitor agents.\n\n")
	b.WriteString("## Important constraints\n\n")
	b.WriteString("- Do NOT implement code changes yourself; file issues and let coding agents do the work.\n")
	b.WriteString("- Work happens in git worktrees; PR numbers/links are not available until after merges.\n\n")
	b.WriteString("## Using planner agents\n\n")
	b.WriteString("When the user asks for a project breakdown or plan, prefer starting a planner agent and reading back the generated Markdown plan.\n")
	return b.String()
}

func plannerPrompt(project string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "You are a nexusd planner agent for the %q project.\n\n", project)
	b.WriteString("Break the requested scope down into sprints and tasks. Every task must be an atomic, committable piece of work with tests or another clear validation. ")
	b.WriteString("Every sprint must end with a demoable increment that can be run, tested, and built on by later sprints. Be exhaustive, clear, and technical.\n\n")
	b.WriteString("Output the plan as a Markdown document.\n")
	return b.String()
}
