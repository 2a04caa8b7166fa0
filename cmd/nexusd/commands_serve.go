package main

import (
	"github.com/spf13/cobra"
)

// buildServeCmd creates the "serve" command that runs the daemon in the
// foreground. PID-file and signal-supervision concerns are left to the
// operator (e.g. systemd); this command just runs until it receives
// SIGINT/SIGTERM and then shuts down gracefully.
func buildServeCmd() *cobra.Command {
	var (
		configPath string
		debug      bool
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the orchestration daemon in the foreground",
		Long: `Run the orchestration daemon in the foreground.

The daemon will:
1. Load and validate config.toml (and any project/global permissions.toml)
2. Resolve its on-disk layout (repos, worktrees, runtime state)
3. Register and start the per-project scheduling loop for every configured project
4. Serve the control-plane RPC socket and, if enabled, the webhook ingress
5. Run the comment poller and scheduled maintenance jobs

Graceful shutdown runs on SIGINT/SIGTERM: it stops accepting new work,
drains in-flight RPC connections, and persists runtime state before exit.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			configPath = resolveConfigPath(configPath)
			return runServe(cmd.Context(), configPath, debug)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "", "Path to config.toml (default \"<base-dir>/config.toml\")")
	cmd.Flags().BoolVarP(&debug, "debug", "d", false, "Enable debug logging")

	return cmd
}
