package main

import "github.com/spf13/cobra"

// buildServeCmd creates the "serve" command that starts the runtime.
// This is the primary command for running relay in production.
func buildServeCmd() *cobra.Command {
	var (
		configPath string
		debug      bool
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the relay runtime",
		Long: `Start the relay runtime with all configured sessions.

The runtime will:
1. Load configuration from the specified file (or relay.yaml)
2. Connect every configured session (Telegram, Discord)
3. Open each session's config store over the configured backend
4. Install the builtin modules and start dispatching commands
5. Serve health checks and metrics over HTTP when enabled

Graceful shutdown is handled on SIGINT/SIGTERM signals.`,
		Example: `  # Start with default config
  relay serve

  # Start with custom config
  relay serve --config /etc/relay/production.yaml

  # Start with debug logging
  relay serve --debug`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context(), configPath, debug)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "relay.yaml",
		"Path to YAML configuration file")
	cmd.Flags().BoolVarP(&debug, "debug", "d", false,
		"Enable debug logging (verbose output)")

	return cmd
}

// buildModulesCmd creates the "modules" command listing the builtin set.
func buildModulesCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "modules",
		Short: "List the builtin module set",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runModules(cmd)
		},
	}
}

// buildConfigCmd creates the "config" command group.
func buildConfigCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Inspect and validate configuration",
	}
	cmd.AddCommand(buildConfigCheckCmd(), buildConfigSchemaCmd())
	return cmd
}

func buildConfigCheckCmd() *cobra.Command {
	var configPath string
	cmd := &cobra.Command{
		Use:   "check",
		Short: "Validate a config file",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runConfigCheck(cmd, configPath)
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", "relay.yaml", "Path to YAML configuration file")
	return cmd
}

func buildConfigSchemaCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "schema",
		Short: "Print the config file JSON schema",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runConfigSchema(cmd)
		},
	}
}
