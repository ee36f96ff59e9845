package engine

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
)

// Host wires the engine together: providers, agent registry, session
// supervisor, mailbox, store, and maintenance. One Host serves all inbound
// conversations of a process.
type Host struct {
	cfg       *Config
	providers *ProviderSet
	agents    *Registry
	sessions  *SessionRegistry
	mailbox   *Mailbox
	tools     *ToolRegistry
	store     *Store
	maint     *Maintenance
	logger    *slog.Logger
}

// NewHost constructs the full engine from configuration. The tool registry
// is taken as a parameter so callers can register their tools before or
// after construction.
func NewHost(cfg *Config, tools *ToolRegistry, logger *slog.Logger) (*Host, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if tools == nil {
		tools = NewToolRegistry()
	}

	providers := make(map[string]Provider, len(cfg.Providers))
	for _, pc := range cfg.Providers {
		providers[pc.Name] = NewOpenAIClient(pc, logger)
	}
	if len(providers) == 0 {
		return nil, fmt.Errorf("no providers configured")
	}

	var store *Store
	if cfg.Database.Path != "" {
		s, err := OpenStore(cfg.Database.Path, logger)
		if err != nil {
			return nil, fmt.Errorf("opening store: %w", err)
		}
		s.CleanupStaleRunning()
		store = s
	}

	var usage UsageRecorder
	if store != nil {
		usage = store
	}

	autoApprove := func(string) bool {
		if cfg.Tools.AutoApproveAll {
			return true
		}
		return store != nil && store.AutoApproveAll()
	}
	agents := BuildRegistry(cfg.Agents, cfg.Bindings, cfg.Comms, providers, RegistryOptions{
		ToolsEnabled:     cfg.Tools.Enabled,
		Tools:            tools,
		Usage:            usage,
		BaseSystemPrompt: cfg.SystemPrompt,
		AutoApprove:      autoApprove,
		AutoApproveReads: cfg.Tools.AutoApproveReads,
		Logger:           logger,
	})

	mailbox := NewMailbox()
	sessions := NewSessionRegistry(cfg.Subagents, agents, mailbox, store, usage, logger)

	h := &Host{
		cfg:       cfg,
		providers: NewProviderSet(providers, cfg.FallbackChain, logger),
		agents:    agents,
		sessions:  sessions,
		mailbox:   mailbox,
		tools:     tools,
		store:     store,
		logger:    logger.With("component", "host"),
	}

	if store != nil && cfg.Subagents.PruneAfterDays > 0 && cfg.Subagents.PruneSchedule != "" {
		maint, err := NewMaintenance(cfg.Subagents.PruneSchedule, logger, func() {
			store.PruneOldRuns(cfg.Subagents.PruneAfterDays)
		})
		if err != nil {
			logger.Warn("maintenance schedule invalid, pruning disabled",
				"schedule", cfg.Subagents.PruneSchedule, "error", err)
		} else {
			maint.Start()
			h.maint = maint
		}
	}

	return h, nil
}

// Agents exposes the agent registry.
func (h *Host) Agents() *Registry { return h.agents }

// Sessions exposes the session supervisor.
func (h *Host) Sessions() *SessionRegistry { return h.sessions }

// Store exposes the persistence layer; nil when no database is configured.
func (h *Host) Store() *Store { return h.store }

// Close stops maintenance and releases the store.
func (h *Host) Close() error {
	if h.maint != nil {
		h.maint.Stop()
	}
	if h.store != nil {
		return h.store.Close()
	}
	return nil
}

// sessionKey identifies the conversation a message belongs to, for mailbox
// and child-session bookkeeping.
func sessionKey(bctx BindingContext) string {
	channel := bctx.Channel
	if channel == "" {
		channel = "default"
	}
	peer := bctx.Peer
	if peer == "" {
		peer = "local"
	}
	return channel + ":" + peer
}

// autoApprove resolves the global tool auto-approve override: config flag or
// the kv runtime toggle.
func (h *Host) autoApprove(tool string) bool {
	if h.cfg.Tools.AutoApproveAll {
		return true
	}
	return h.store != nil && h.store.AutoApproveAll()
}

// HandleMessage runs one inbound message end to end: resolve the agent,
// surface pending subagent announcements, run the loop (or the provider's
// own tool runtime, or a plain completion with fallback), and record usage.
// Failures come back as a user-visible message; a turn is never silently
// dropped.
func (h *Host) HandleMessage(ctx context.Context, bctx BindingContext, history []Message, sink Sink) (string, Usage, error) {
	if bctx.Command == "" {
		bctx.Command = ExtractCommand(bctx.Content)
	}

	agent := h.agents.Resolve(bctx)
	if agent == nil {
		return "", Usage{}, fmt.Errorf("no agents configured")
	}
	key := sessionKey(bctx)

	var updates string
	if pending := h.mailbox.Drain(key); len(pending) > 0 {
		updates = "[Subagent updates]\n" + FormatAnnouncements(pending)
	}

	messages := append([]Message(nil), history...)
	if updates != "" {
		messages = append(messages, Message{Role: "user", Content: updates})
	}
	messages = append(messages, Message{Role: "user", Content: bctx.Content})

	system := agent.SystemPrompt(h.cfg.SystemPrompt)
	h.logger.Info("handling message",
		"agent", agent.ID, "channel", bctx.Channel, "peer", bctx.Peer, "command", bctx.Command)

	var (
		text  string
		usage Usage
		err   error
	)
	usedProvider := agent.Provider
	switch {
	case agent.Provider.ManagesOwnTools():
		// Self-managed backends take one prompt, so the announcements ride
		// ahead of the user's message in it.
		prompt := bctx.Content
		if updates != "" {
			prompt = updates + "\n\n" + bctx.Content
		}
		text, usage, _, err = agent.Provider.Run(ctx, prompt, "")

	case agent.Provider.SupportsTools() && h.cfg.Tools.Enabled:
		tools := agent.EffectiveTools(
			h.tools.Definitions(),
			h.agents.CommsTools(agent.ID),
			h.sessions.SessionTools(agent.ID, key, 0),
		)
		text, usage, err = RunLoop(ctx, messages, system, agent.Provider, tools, sink, LoopOptions{
			TurnBudget:  agent.TurnBudget(h.cfg.Tools.MaxAgentTurns),
			AutoApprove: h.autoApprove,
			Logger:      h.logger,
		})

	default:
		var res *StreamResult
		var used Provider
		res, used, err = h.providers.StreamWithFallback(ctx, agent.Provider.ID(), messages, system, nil, sink.SendChunk)
		if err == nil {
			text, usage = res.Text, res.Usage
			usedProvider = used
			if used.ID() != agent.Provider.ID() {
				h.logger.Info("answered via fallback provider", "provider", used.ID())
			}
		}
	}

	if h.store != nil {
		h.store.RecordUsage(usedProvider.ID(), usedProvider.Model(), agent.ID, usage)
	}
	if err != nil {
		h.logger.Error("message handling failed", "agent", agent.ID, "error", err)
		return fmt.Sprintf("Sorry, something went wrong: %v", err), usage, err
	}
	if strings.TrimSpace(text) == "" {
		text = "(no response)"
	}
	return text, usage, nil
}
