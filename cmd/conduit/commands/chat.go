package commands

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/chzyer/readline"
	"github.com/spf13/cobra"

	"github.com/josephloftus-ctrl/conduit/pkg/conduit/engine"
)

// newChatCmd creates the `conduit chat` command for interactive and
// single-shot conversations.
func newChatCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "chat [message]",
		Short: "Talk to the configured agents",
		Long: `Send a single message or start an interactive session. Messages are
routed through the agent bindings; use /commands to reach bound agents.

Examples:
  conduit chat "What changed in the last deploy?"
  conduit chat`,
		Args: cobra.MaximumNArgs(1),
		RunE: runChat,
	}
	return cmd
}

// consoleSink streams loop events to the terminal and answers permission
// prompts interactively.
type consoleSink struct {
	rl *readline.Instance
}

func (s *consoleSink) SendChunk(text string) {
	fmt.Print(text)
}

func (s *consoleSink) ToolStarted(callID, name string, args map[string]any) {
	fmt.Printf("\n[tool] %s...\n", name)
}

func (s *consoleSink) ToolFinished(callID, name, result string, failed bool) {
	if failed {
		fmt.Printf("[tool] %s failed\n", name)
	}
}

func (s *consoleSink) RequestPermission(tool string, args map[string]any) bool {
	if s.rl == nil {
		return false
	}
	s.rl.SetPrompt(fmt.Sprintf("allow %s? [y/N] ", tool))
	line, err := s.rl.Readline()
	s.rl.SetPrompt("> ")
	if err != nil {
		return false
	}
	answer := strings.ToLower(strings.TrimSpace(line))
	return answer == "y" || answer == "yes"
}

func runChat(cmd *cobra.Command, args []string) error {
	cfg, configPath, err := resolveConfig(cmd)
	if err != nil {
		return err
	}
	logger := newLogger(cmd, cfg)
	logger.Debug("configuration loaded", "path", configPath)

	host, err := engine.NewHost(cfg, engine.NewToolRegistry(), logger)
	if err != nil {
		return err
	}
	defer host.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if len(args) > 0 {
		return oneShot(ctx, host, args[0])
	}
	return interactive(ctx, host)
}

func oneShot(ctx context.Context, host *engine.Host, message string) error {
	sink := &consoleSink{}
	_, _, err := host.HandleMessage(ctx, engine.BindingContext{
		Channel: "cli",
		Peer:    "local",
		Content: message,
	}, nil, sink)
	fmt.Println()
	return err
}

func interactive(ctx context.Context, host *engine.Host) error {
	rl, err := readline.New("> ")
	if err != nil {
		return fmt.Errorf("initializing readline: %w", err)
	}
	defer rl.Close()

	fmt.Println("conduit interactive chat. Ctrl-D to exit.")
	sink := &consoleSink{rl: rl}
	var history []engine.Message

	for {
		line, err := rl.Readline()
		if err != nil { // io.EOF on Ctrl-D, readline.ErrInterrupt on Ctrl-C
			return nil
		}
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}

		text, _, err := host.HandleMessage(ctx, engine.BindingContext{
			Channel: "cli",
			Peer:    "local",
			Content: line,
		}, history, sink)
		fmt.Println()
		if err != nil {
			fmt.Println(text)
			continue
		}
		history = append(history,
			engine.Message{Role: "user", Content: line},
			engine.Message{Role: "assistant", Content: text},
		)
	}
}
