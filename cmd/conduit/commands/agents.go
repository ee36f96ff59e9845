package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/josephloftus-ctrl/conduit/pkg/conduit/engine"
)

// newAgentsCmd creates the `conduit agents` command listing configured
// agents and their bindings.
func newAgentsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "agents",
		Short: "List configured agents and bindings",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, _, err := resolveConfig(cmd)
			if err != nil {
				return err
			}
			logger := newLogger(cmd, cfg)

			host, err := engine.NewHost(cfg, engine.NewToolRegistry(), logger)
			if err != nil {
				return err
			}
			defer host.Close()

			fmt.Println("Agents:")
			fmt.Println(host.Agents().ListAgents())

			bindings := host.Agents().Bindings()
			if len(bindings) == 0 {
				return nil
			}
			fmt.Println("\nBindings (resolution order):")
			for _, b := range bindings {
				fmt.Printf("- agent=%s", b.AgentID)
				if b.Peer != "" {
					fmt.Printf(" peer=%s", b.Peer)
				}
				if b.Command != "" {
					fmt.Printf(" command=%s", b.Command)
				}
				if b.Channel != "" {
					fmt.Printf(" channel=%s", b.Channel)
				}
				fmt.Printf(" (specificity %d)\n", b.Specificity())
			}
			return nil
		},
	}
}
