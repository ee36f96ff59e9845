// Package commands implements the conduit CLI commands using cobra.
package commands

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/josephloftus-ctrl/conduit/pkg/conduit/engine"
)

// NewRootCmd creates the root CLI command with all subcommands registered.
func NewRootCmd(version string) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "conduit",
		Short: "Conduit - multi-agent conversation host",
		Long: `Conduit hosts LLM agents: it routes each inbound message to an agent,
runs the tool-calling loop, and supervises subagent sessions.

Examples:
  conduit chat "Summarize the open incidents"
  conduit chat
  conduit agents
  conduit sessions`,
		Version: version,
	}

	rootCmd.AddCommand(
		newChatCmd(),
		newAgentsCmd(),
		newSessionsCmd(),
	)

	rootCmd.PersistentFlags().StringP("config", "c", "", "path to the configuration file")
	rootCmd.PersistentFlags().BoolP("verbose", "v", false, "enable debug logging")

	return rootCmd
}

// resolveConfig loads the configuration from --config or the default
// locations.
func resolveConfig(cmd *cobra.Command) (*engine.Config, string, error) {
	path, _ := cmd.Root().PersistentFlags().GetString("config")
	candidates := []string{path}
	if path == "" {
		home, _ := os.UserHomeDir()
		candidates = []string{
			"conduit.yaml",
			home + "/.config/conduit/config.yaml",
		}
	}
	for _, p := range candidates {
		if p == "" {
			continue
		}
		if _, err := os.Stat(p); err != nil {
			continue
		}
		cfg, err := engine.LoadConfigFromFile(p)
		if err != nil {
			return nil, p, err
		}
		return cfg, p, nil
	}
	return nil, "", fmt.Errorf("no configuration file found (tried: %v)", candidates)
}

// newLogger builds the process slog logger from flags and config.
func newLogger(cmd *cobra.Command, cfg *engine.Config) *slog.Logger {
	verbose, _ := cmd.Root().PersistentFlags().GetBool("verbose")
	level := slog.LevelInfo
	switch {
	case verbose, cfg != nil && cfg.Logging.Level == "debug":
		level = slog.LevelDebug
	case cfg != nil && cfg.Logging.Level == "warn":
		level = slog.LevelWarn
	case cfg != nil && cfg.Logging.Level == "error":
		level = slog.LevelError
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
}
