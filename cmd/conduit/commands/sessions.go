package commands

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/josephloftus-ctrl/conduit/pkg/conduit/engine"
)

// newSessionsCmd creates the `conduit sessions` command listing persisted
// subagent runs.
func newSessionsCmd() *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "sessions",
		Short: "List recent subagent runs",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, _, err := resolveConfig(cmd)
			if err != nil {
				return err
			}
			if cfg.Database.Path == "" {
				return fmt.Errorf("no database configured; set database.path in the config")
			}
			logger := newLogger(cmd, cfg)

			store, err := engine.OpenStore(cfg.Database.Path, logger)
			if err != nil {
				return err
			}
			defer store.Close()

			runs, err := store.LoadRecentRuns(limit)
			if err != nil {
				return err
			}
			if len(runs) == 0 {
				fmt.Println("No subagent runs recorded.")
				return nil
			}
			for _, r := range runs {
				created := ""
				if !r.CreatedAt.IsZero() {
					created = r.CreatedAt.Format(time.RFC3339)
				}
				fmt.Printf("- [%s] %s (agent: %s, run_id: %s, depth: %d, created: %s)\n",
					r.Status, r.Label, r.AgentID, r.RunID, r.Depth, created)
			}
			return nil
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 20, "maximum runs to list")
	return cmd
}
