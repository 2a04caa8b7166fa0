// Package main provides the CLI entry point for nexusd, the coding-agent
// orchestration daemon.
//
// nexusd assigns ready issues to coding agents (claude/codex subprocesses,
// one per issue, each in its own git worktree), arbitrates their tool-use
// permission requests, and merges their finished work back into each
// project's repository.
//
// # Basic Usage
//
// Run the daemon in the foreground:
//
//	nexusd serve --config config.toml
//
// Validate a configuration file without starting anything:
//
//	nexusd config validate --config config.toml
//
// # Environment Variables
//
//   - NEXUSD_BASE_DIR: overrides the daemon's on-disk base directory (default "$HOME/.nexusd")
//   - NEXUSD_SOCKET_PATH: overrides the RPC socket path (default "<base-dir>/nexusd.sock")
//   - NEXUSD_TICK_INTERVAL: overrides the orchestrator tick interval (e.g. "250ms"), bounded to [50ms, 60s]
//   - NEXUSD_HOOK_EXE: overrides the tool-use hook binary path propagated to spawned agent processes
//   - NEXUSD_AGENT_ID: set on a spawned agent process so its tool-use hook can identify itself to the daemon
package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"
)

// Build information - populated by ldflags during build.
//
// Example build command:
//
//	go build -ldflags "-X main.version=v1.0.0 -X main.commit=$(git rev-parse HEAD) -X main.date=$(date -u +%Y-%m-%dT%H:%M:%SZ)"
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))
	slog.SetDefault(logger)

	rootCmd := buildRootCmd()
	if err := rootCmd.Execute(); err != nil {
		slog.Error("command execution failed", "error", err)
		os.Exit(1)
	}
}

// buildRootCmd creates the root command with all subcommands attached.
// Separated from main() so tests can exercise it directly.
func buildRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "nexusd",
		Short: "nexusd - coding-agent orchestration daemon",
		Long: `nexusd schedules coding agents against a project's ready issues, arbitrates
their tool-use permission requests, and merges finished work back into the
project's repository.

This binary is the daemon only; the interactive client surface (issue
management, plan editing, a TUI) lives elsewhere.`,
		Version:      fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, date),
		SilenceUsage: true,
	}

	rootCmd.AddCommand(
		buildServeCmd(),
		buildConfigCmd(),
		buildVersionCmd(),
	)

	return rootCmd
}

func buildVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		RunE: func(cmd *cobra.Command, args []string) error {
			fmt.Fprintf(cmd.OutOrStdout(), "nexusd %s (commit: %s, built: %s)\n", version, commit, date)
			return nil
		},
	}
}

func resolveConfigPath(path string) string {
	if path == "" {
		return defaultConfigPath()
	}
	return path
}
