package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/haasonsaas/nexus/internal/orchestration"
	"github.com/haasonsaas/nexus/internal/permission"
)

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write %s: %v", path, err)
	}
	return path
}

func TestLoadAppliesDefaults(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "config.toml", `
[[projects]]
name = "demo"
remote-url = "https://example.com/demo.git"
issue-backend = "tk"
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if len(cfg.Projects) != 1 {
		t.Fatalf("expected 1 project, got %d", len(cfg.Projects))
	}
	p := cfg.Projects[0]
	if p.MaxAgents != defaultMaxAgents {
		t.Fatalf("expected default max-agents %d, got %d", defaultMaxAgents, p.MaxAgents)
	}
	if p.PermChecker != orchestration.CheckerManual {
		t.Fatalf("expected default checker manual, got %q", p.PermChecker)
	}
	if p.MergeStrategy != orchestration.MergeDirect {
		t.Fatalf("expected default merge strategy direct, got %q", p.MergeStrategy)
	}
	if cfg.Webhook.PathPrefix != defaultPathPrefix {
		t.Fatalf("expected default path-prefix, got %q", cfg.Webhook.PathPrefix)
	}
}

func TestLoadMissingFileReturnsEmptyConfig(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "nope.toml"))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if len(cfg.Projects) != 0 {
		t.Fatalf("expected no projects, got %d", len(cfg.Projects))
	}
}

func TestValidateRejectsInvalidProjectName(t *testing.T) {
	cfg := Config{Projects: []ProjectConfig{{
		Name: "../escape", MaxAgents: 1, IssueBackend: "tk",
		PermChecker: orchestration.CheckerManual, MergeStrategy: orchestration.MergeDirect,
	}}}
	if err := Validate(cfg); err == nil {
		t.Fatalf("expected validation error for escaping project name")
	}
}

func TestValidateRejectsLinearWithoutTeam(t *testing.T) {
	cfg := Config{Projects: []ProjectConfig{{
		Name: "demo", MaxAgents: 1, IssueBackend: "linear",
		PermChecker: orchestration.CheckerManual, MergeStrategy: orchestration.MergeDirect,
	}}}
	if err := Validate(cfg); err == nil {
		t.Fatalf("expected validation error for linear project missing linear-team")
	}
}

func TestLoadPermissionsMissingFileReturnsEmpty(t *testing.T) {
	rs, err := LoadPermissions(filepath.Join(t.TempDir(), "nope.toml"))
	if err != nil {
		t.Fatalf("LoadPermissions: %v", err)
	}
	if len(rs.Rules) != 0 {
		t.Fatalf("expected no rules, got %d", len(rs.Rules))
	}
}

func TestLoadPermissionsParsesRules(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "permissions.toml", `
[[rules]]
tool = "Bash"
action = "deny"
pattern = "rm -rf"

[manager]
allowed_patterns = ["*.go"]
`)
	rs, err := LoadPermissions(path)
	if err != nil {
		t.Fatalf("LoadPermissions: %v", err)
	}
	if len(rs.Rules) != 1 || rs.Rules[0].Tool != "Bash" {
		t.Fatalf("unexpected rules: %+v", rs.Rules)
	}
}

func TestMergeOrdersProjectRulesFirst(t *testing.T) {
	project := permission.RuleSet{Rules: []permission.Rule{{Tool: "Bash", Action: permission.ActionDeny}}}
	global := permission.RuleSet{Rules: []permission.Rule{{Tool: "Edit", Action: permission.ActionAllow}}}
	merged := Merge(project, global)
	if len(merged.Rules) != 2 || merged.Rules[0].Tool != "Bash" || merged.Rules[1].Tool != "Edit" {
		t.Fatalf("unexpected merge order: %+v", merged.Rules)
	}
}
