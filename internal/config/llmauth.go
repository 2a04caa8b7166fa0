package config

import (
	"fmt"
	"os"
)

// providerEnvVar names the environment variable each known provider's key
// is conventionally read from when neither config level names one.
var providerEnvVar = map[string]string{
	"anthropic": "ANTHROPIC_API_KEY",
	"openai":    "OPENAI_API_KEY",
}

// Credential is a resolved provider credential plus which level of the
// precedence chain supplied it, useful for logging/debugging.
type Credential struct {
	Provider string
	Model    string
	APIKey   string
	Source   string // "project", "global", or "env"
}

// ResolveCredential implements the credential precedence chain: a per-project
// [providers.<name>] override wins, then the global [llm_auth] table, then
// the provider's conventional environment variable. provider is required;
// an empty provider falls back to cfg.LLMAuth.Provider.
func ResolveCredential(cfg Config, project ProjectConfig, provider string) (Credential, error) {
	if provider == "" {
		provider = cfg.LLMAuth.Provider
	}
	if provider == "" {
		return Credential{}, fmt.Errorf("config: no llm provider configured for project %q", project.Name)
	}

	if pc, ok := cfg.Providers[provider]; ok && pc.APIKey != "" {
		model := cfg.LLMAuth.Model
		return Credential{Provider: provider, Model: model, APIKey: pc.APIKey, Source: "project"}, nil
	}

	if cfg.LLMAuth.Provider == provider && cfg.LLMAuth.Model != "" {
		if key := os.Getenv(providerEnvVar[provider]); key != "" {
			return Credential{Provider: provider, Model: cfg.LLMAuth.Model, APIKey: key, Source: "global"}, nil
		}
	}

	envVar, known := providerEnvVar[provider]
	if !known {
		return Credential{}, fmt.Errorf("config: unknown llm provider %q", provider)
	}
	if key := os.Getenv(envVar); key != "" {
		return Credential{Provider: provider, Model: cfg.LLMAuth.Model, APIKey: key, Source: "env"}, nil
	}

	return Credential{}, fmt.Errorf(
		"config: missing credential for provider %q (checked project [providers.%s], global [llm_auth], and $%s)",
		provider, provider, envVar,
	)
}
