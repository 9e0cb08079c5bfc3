// Package main provides the CLI entry point for the relay plugin runtime.
//
// Relay attaches a module registry, command dispatcher, security policy
// engine, and per-session config store to messaging sessions (Telegram,
// Discord) and runs one dispatch loop per session.
//
// # Basic Usage
//
// Start the runtime:
//
//	relay serve --config relay.yaml
//
// List the builtin modules:
//
//	relay modules
//
// Validate a config file:
//
//	relay config check --config relay.yaml
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
	version = "dev"     // Semantic version (e.g., "v1.0.0")
	commit  = "none"    // Git commit SHA
	date    = "unknown" // Build timestamp
)

func main() {
	// Structured JSON logging until serve installs the configured logger.
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	})))

	if err := buildRootCmd().Execute(); err != nil {
		slog.Error("command execution failed", "error", err)
		os.Exit(1)
	}
}

// buildRootCmd creates the root command with all subcommands attached.
// Separated from main() so tests can exercise the command tree.
func buildRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "relay",
		Short: "Relay - plugin runtime for messaging sessions",
		Long: `Relay runs a module registry, command dispatcher, security policy
engine, and per-session config store over messaging sessions.

Supported sessions: Telegram (Bot API), Discord
Builtin modules: core, settings, broadcast, presence`,
		Version: fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, date),
		// SilenceUsage prevents printing usage on every error.
		SilenceUsage: true,
	}

	rootCmd.AddCommand(
		buildServeCmd(),
		buildModulesCmd(),
		buildConfigCmd(),
	)

	return rootCmd
}
