// Package config loads the daemon's global config.toml and the layered
// permissions.toml files, and watches the permissions files for live
// reload. Both file formats are parsed with github.com/BurntSushi/toml.
package config

import (
	"fmt"
	"os"

	"github.com/BurntSushi/toml"

	"github.com/haasonsaas/nexus/internal/orchestration"
	"github.com/haasonsaas/nexus/internal/paths"
	"github.com/haasonsaas/nexus/internal/permission"
)

// ProjectConfig is one [[projects]] entry of config.toml.
type ProjectConfig struct {
	Name           string                          `toml:"name"`
	RemoteURL      string                          `toml:"remote-url"`
	MaxAgents      int                             `toml:"max-agents"`
	IssueBackend   string                          `toml:"issue-backend"`
	PermChecker    orchestration.PermissionCheckerKind `toml:"permissions-checker"`
	MergeStrategy  orchestration.MergeStrategy     `toml:"merge-strategy"`
	AllowedAuthors []string                        `toml:"allowed-authors,omitempty"`
	LinearTeam     string                          `toml:"linear-team,omitempty"`
	LinearProject  string                          `toml:"linear-project,omitempty"`
	HostMode       bool                            `toml:"host-mode,omitempty"`
}

// WebhookConfig is config.toml's [webhook] table.
type WebhookConfig struct {
	Enabled    bool   `toml:"enabled"`
	BindAddr   string `toml:"bind-addr"`
	PathPrefix string `toml:"path-prefix"`
	Secret     string `toml:"secret"`
}

// ProviderConfig is one config.toml [providers.<name>] table.
type ProviderConfig struct {
	APIKey string `toml:"api-key"`
	URL    string `toml:"url,omitempty"`
}

// LLMAuthConfig is config.toml's global [llm_auth] table, the fallback
// level of the credential-resolution precedence chain.
type LLMAuthConfig struct {
	Provider string `toml:"provider"`
	Model    string `toml:"model"`
}

// Config is the fully loaded, validated, immutable in-memory configuration.
type Config struct {
	Projects  []ProjectConfig           `toml:"projects"`
	Webhook   WebhookConfig             `toml:"webhook"`
	Providers map[string]ProviderConfig `toml:"providers"`
	LLMAuth   LLMAuthConfig             `toml:"llm_auth"`
}

const (
	defaultMaxAgents  = 3
	defaultPathPrefix = "/webhooks"
)

var validIssueBackends = map[string]bool{"tk": true, "github": true, "linear": true}

// Load reads and validates config.toml at path, applying built-in defaults
// before validation. A missing file is not an error: it returns a Config
// with no projects so the daemon can still start and projects can be added
// via RPC.
func Load(path string) (Config, error) {
	var cfg Config
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return Config{Providers: map[string]ProviderConfig{}}, nil
	}
	if _, err := toml.DecodeFile(path, &cfg); err != nil {
		return Config{}, fmt.Errorf("config: decode %s: %w", path, err)
	}
	if cfg.Providers == nil {
		cfg.Providers = map[string]ProviderConfig{}
	}
	applyDefaults(&cfg)
	if err := Validate(cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func applyDefaults(cfg *Config) {
	for i := range cfg.Projects {
		if cfg.Projects[i].MaxAgents <= 0 {
			cfg.Projects[i].MaxAgents = defaultMaxAgents
		}
		if cfg.Projects[i].IssueBackend == "" {
			cfg.Projects[i].IssueBackend = "tk"
		}
		if cfg.Projects[i].PermChecker == "" {
			cfg.Projects[i].PermChecker = orchestration.CheckerManual
		}
		if cfg.Projects[i].MergeStrategy == "" {
			cfg.Projects[i].MergeStrategy = orchestration.MergeDirect
		}
	}
	if cfg.Webhook.PathPrefix == "" {
		cfg.Webhook.PathPrefix = defaultPathPrefix
	}
}

// Validate checks the config invariants: project name is a normal
// path segment, max-agents is positive, and the enum fields carry known
// values.
func Validate(cfg Config) error {
	seen := make(map[string]bool, len(cfg.Projects))
	for _, p := range cfg.Projects {
		if _, err := paths.NormalizeSegment(p.Name); err != nil {
			return fmt.Errorf("config: project name %q: %w", p.Name, err)
		}
		if seen[p.Name] {
			return fmt.Errorf("config: duplicate project name %q", p.Name)
		}
		seen[p.Name] = true
		if p.MaxAgents <= 0 {
			return fmt.Errorf("config: project %q: max-agents must be > 0", p.Name)
		}
		if !validIssueBackends[p.IssueBackend] {
			return fmt.Errorf("config: project %q: unknown issue-backend %q", p.Name, p.IssueBackend)
		}
		switch p.PermChecker {
		case orchestration.CheckerManual, orchestration.CheckerLLM:
		default:
			return fmt.Errorf("config: project %q: unknown permissions-checker %q", p.Name, p.PermChecker)
		}
		switch p.MergeStrategy {
		case orchestration.MergeDirect, orchestration.MergePullRequest:
		default:
			return fmt.Errorf("config: project %q: unknown merge-strategy %q", p.Name, p.MergeStrategy)
		}
		if p.IssueBackend == "linear" && p.LinearTeam == "" {
			return fmt.Errorf("config: project %q: issue-backend=linear requires linear-team", p.Name)
		}
	}
	return nil
}

// LoadPermissions reads a permissions.toml file. A missing file yields an
// empty RuleSet, not an error, since both global and per-project overrides
// are optional.
func LoadPermissions(path string) (permission.RuleSet, error) {
	var doc struct {
		Rules   []permission.Rule `toml:"rules"`
		Manager struct {
			AllowedPatterns []string `toml:"allowed_patterns"`
		} `toml:"manager"`
	}
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return permission.RuleSet{}, nil
	}
	if _, err := toml.DecodeFile(path, &doc); err != nil {
		return permission.RuleSet{}, fmt.Errorf("config: decode permissions %s: %w", path, err)
	}
	return permission.RuleSet{Rules: doc.Rules}, nil
}

// Merge combines global and project-level rule sets, project rules taking
// precedence by being evaluated first.
func Merge(project, global permission.RuleSet) permission.RuleSet {
	return permission.RuleSet{Rules: append(append([]permission.Rule{}, project.Rules...), global.Rules...)}
}
