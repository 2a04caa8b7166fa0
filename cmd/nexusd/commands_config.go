package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/haasonsaas/nexus/internal/config"
	"github.com/haasonsaas/nexus/internal/paths"
)

func defaultConfigPath() string {
	layout, err := paths.Resolve(paths.Options{})
	if err != nil {
		return "config.toml"
	}
	return layout.GlobalConfigPath()
}

// buildConfigCmd creates the "config" command group.
func buildConfigCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Inspect and validate the daemon configuration",
	}
	cmd.AddCommand(buildConfigValidateCmd())
	return cmd
}

func buildConfigValidateCmd() *cobra.Command {
	var configPath string
	cmd := &cobra.Command{
		Use:   "validate",
		Short: "Load and validate config.toml without starting the daemon",
		RunE: func(cmd *cobra.Command, args []string) error {
			configPath = resolveConfigPath(configPath)
			return runConfigValidate(cmd, configPath)
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", "", "Path to config.toml (default \"<base-dir>/config.toml\")")
	return cmd
}

func runConfigValidate(cmd *cobra.Command, configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("config invalid: %w", err)
	}
	fmt.Fprintf(cmd.OutOrStdout(), "config ok: %d project(s) configured\n", len(cfg.Projects))
	for _, p := range cfg.Projects {
		fmt.Fprintf(cmd.OutOrStdout(), "  - %s (issue-backend=%s, max-agents=%d, merge-strategy=%s)\n",
			p.Name, p.IssueBackend, p.MaxAgents, p.MergeStrategy)
	}
	return nil
}
