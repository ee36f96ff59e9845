package engine

import (
	"fmt"
	"log/slog"
	"sort"
	"strings"
)

// AgentConfig is the static configuration of one agent: which provider it
// runs on, how its prompt and tool set differ from the defaults, and its
// turn budget.
type AgentConfig struct {
	ID             string   `yaml:"id"`
	Provider       string   `yaml:"provider"`
	Default        bool     `yaml:"default,omitempty"`
	PromptOverride string   `yaml:"prompt_override,omitempty"`
	PromptExtend   string   `yaml:"prompt_extend,omitempty"`
	ToolsAllow     []string `yaml:"tools_allow,omitempty"`
	ToolsDeny      []string `yaml:"tools_deny,omitempty"`
	MaxTurns       int      `yaml:"max_turns,omitempty"`
	Isolated       bool     `yaml:"isolated,omitempty"`
}

// BindingConfig routes inbound messages to an agent. Empty match fields are
// wildcards.
type BindingConfig struct {
	Agent   string `yaml:"agent"`
	Command string `yaml:"command,omitempty"`
	Channel string `yaml:"channel,omitempty"`
	Peer    string `yaml:"peer,omitempty"`
}

// BindingContext carries the opaque routing fields of one inbound message.
// The transport fills these; the registry only compares them.
type BindingContext struct {
	Channel string
	Peer    string
	Command string
	Content string
}

// Binding is a compiled BindingConfig.
type Binding struct {
	AgentID string
	Command string
	Channel string
	Peer    string
}

// Specificity weights the set match fields so that a peer match always
// outranks a command match, which outranks a channel match.
func (b Binding) Specificity() int {
	score := 0
	if b.Peer != "" {
		score += 100
	}
	if b.Command != "" {
		score += 10
	}
	if b.Channel != "" {
		score += 1
	}
	return score
}

// Matches reports whether every non-empty field of b equals the
// corresponding context field.
func (b Binding) Matches(ctx BindingContext) bool {
	if b.Peer != "" && b.Peer != ctx.Peer {
		return false
	}
	if b.Command != "" && b.Command != ctx.Command {
		return false
	}
	if b.Channel != "" && b.Channel != ctx.Channel {
		return false
	}
	return true
}

// Agent is a configured agent bound to its live provider.
type Agent struct {
	ID       string
	Provider Provider
	cfg      AgentConfig
}

// Config returns the agent's static configuration.
func (a *Agent) Config() AgentConfig { return a.cfg }

// SystemPrompt resolves the agent's prompt: override replaces the base,
// extend appends to it.
func (a *Agent) SystemPrompt(base string) string {
	if a.cfg.PromptOverride != "" {
		return a.cfg.PromptOverride
	}
	if a.cfg.PromptExtend != "" {
		if base == "" {
			return a.cfg.PromptExtend
		}
		return base + "\n\n" + a.cfg.PromptExtend
	}
	return base
}

// TurnBudget returns the agent's turn budget, falling back to the global
// default when unset.
func (a *Agent) TurnBudget(globalDefault int) int {
	if a.cfg.MaxTurns > 0 {
		return a.cfg.MaxTurns
	}
	if globalDefault > 0 {
		return globalDefault
	}
	return DefaultTurnBudget
}

// EffectiveTools filters the global tool set through the agent's allow or
// deny list, then appends extra tool sets (inter-agent and session tools)
// which bypass the filters.
func (a *Agent) EffectiveTools(global []ToolDefinition, extra ...[]ToolDefinition) []ToolDefinition {
	var out []ToolDefinition
	switch {
	case len(a.cfg.ToolsAllow) > 0:
		allowed := make(map[string]bool, len(a.cfg.ToolsAllow))
		for _, name := range a.cfg.ToolsAllow {
			allowed[name] = true
		}
		for _, def := range global {
			if allowed[def.Name] {
				out = append(out, def)
			}
		}
	case len(a.cfg.ToolsDeny) > 0:
		denied := make(map[string]bool, len(a.cfg.ToolsDeny))
		for _, name := range a.cfg.ToolsDeny {
			denied[name] = true
		}
		for _, def := range global {
			if !denied[def.Name] {
				out = append(out, def)
			}
		}
	default:
		out = append(out, global...)
	}
	for _, set := range extra {
		out = append(out, set...)
	}
	return out
}

// Registry holds the constructed agents and the sorted bindings. Immutable
// after Build; safe for concurrent reads.
type Registry struct {
	agents           map[string]*Agent
	order            []string
	bindings         []Binding
	defaultID        string
	comms            CommsConfig
	tasks            *taskTable
	usage            UsageRecorder
	toolReg          *ToolRegistry
	toolsEnable      bool
	baseSystem       string
	autoApprove      func(tool string) bool
	autoApproveReads bool
	logger           *slog.Logger
}

// RegistryOptions carries the cross-cutting collaborators the registry's
// synthesized tools need.
type RegistryOptions struct {
	// ToolsEnabled gates whether targeted agents run their full tool loop on
	// inter-agent sends.
	ToolsEnabled bool
	// Tools is the global tool registry used to resolve a target agent's
	// effective tool set. May be nil.
	Tools *ToolRegistry
	// Usage receives token counts for calls made through comms tools. May be
	// nil.
	Usage UsageRecorder
	// BaseSystemPrompt is the host-level prompt agents extend or override.
	BaseSystemPrompt string
	// AutoApprove, when set, approves gated tools inside silent runs. Backed
	// by the config flag and the kv override in the full host.
	AutoApprove func(tool string) bool
	// AutoApproveReads approves read-style tools inside silent runs.
	AutoApproveReads bool
	Logger           *slog.Logger
}

// BuildRegistry validates the static configuration against the live
// providers and compiles the binding order. Agents naming unknown providers
// and bindings naming unknown agents are skipped with a warning rather than
// failing the build.
func BuildRegistry(agents []AgentConfig, bindings []BindingConfig, comms CommsConfig, providers map[string]Provider, opts RegistryOptions) *Registry {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "agents")

	if comms.MaxRounds <= 0 {
		comms.MaxRounds = DefaultCommsMaxRounds
	}

	r := &Registry{
		agents:           make(map[string]*Agent),
		comms:            comms,
		tasks:            newTaskTable(),
		usage:            opts.Usage,
		toolReg:          opts.Tools,
		toolsEnable:      opts.ToolsEnabled,
		baseSystem:       opts.BaseSystemPrompt,
		autoApprove:      opts.AutoApprove,
		autoApproveReads: opts.AutoApproveReads,
		logger:           logger,
	}

	for _, cfg := range agents {
		p, ok := providers[cfg.Provider]
		if !ok {
			logger.Warn("skipping agent with unknown provider",
				"agent", cfg.ID, "provider", cfg.Provider)
			continue
		}
		if _, dup := r.agents[cfg.ID]; dup {
			logger.Warn("duplicate agent id, keeping first", "agent", cfg.ID)
			continue
		}
		r.agents[cfg.ID] = &Agent{ID: cfg.ID, Provider: p, cfg: cfg}
		r.order = append(r.order, cfg.ID)
		if cfg.Default && r.defaultID == "" {
			r.defaultID = cfg.ID
		}
	}
	if r.defaultID == "" && len(r.order) > 0 {
		r.defaultID = r.order[0]
	}

	for _, bc := range bindings {
		if _, ok := r.agents[bc.Agent]; !ok {
			logger.Warn("skipping binding for unknown agent", "agent", bc.Agent)
			continue
		}
		if bc.Command != "" && !strings.HasPrefix(bc.Command, "/") {
			logger.Warn("binding command does not start with '/'",
				"agent", bc.Agent, "command", bc.Command)
		}
		r.bindings = append(r.bindings, Binding{
			AgentID: bc.Agent,
			Command: bc.Command,
			Channel: bc.Channel,
			Peer:    bc.Peer,
		})
	}
	// Most specific first; configuration order breaks ties.
	sort.SliceStable(r.bindings, func(i, j int) bool {
		return r.bindings[i].Specificity() > r.bindings[j].Specificity()
	})

	logger.Info("agent registry built",
		"agents", len(r.agents),
		"bindings", len(r.bindings),
		"default", r.defaultID,
	)
	return r
}

// Resolve walks the sorted bindings and returns the agent of the first full
// match, falling back to the default agent. Nil when no agents exist.
func (r *Registry) Resolve(ctx BindingContext) *Agent {
	for _, b := range r.bindings {
		if b.Matches(ctx) {
			return r.agents[b.AgentID]
		}
	}
	return r.Default()
}

// Lookup returns the agent registered under id.
func (r *Registry) Lookup(id string) (*Agent, bool) {
	a, ok := r.agents[id]
	return a, ok
}

// Default returns the default agent, or nil when none are configured.
func (r *Registry) Default() *Agent {
	if r.defaultID == "" {
		return nil
	}
	return r.agents[r.defaultID]
}

// HasAgents reports whether any agent survived the build.
func (r *Registry) HasAgents() bool { return len(r.agents) > 0 }

// AgentIDs returns the configured agent ids in construction order.
func (r *Registry) AgentIDs() []string {
	return append([]string(nil), r.order...)
}

// Bindings returns the compiled bindings in resolution order.
func (r *Registry) Bindings() []Binding {
	return append([]Binding(nil), r.bindings...)
}

// ListAgents renders a short human-readable summary of every agent.
func (r *Registry) ListAgents() string {
	if !r.HasAgents() {
		return "No agents configured."
	}
	var sb strings.Builder
	for _, id := range r.order {
		a := r.agents[id]
		marker := ""
		if id == r.defaultID {
			marker = " (default)"
		}
		fmt.Fprintf(&sb, "- %s%s: provider=%s model=%s\n",
			id, marker, a.Provider.ID(), a.Provider.Model())
	}
	return strings.TrimRight(sb.String(), "\n")
}

// ExtractCommand returns the leading "/word" token of content, or "".
func ExtractCommand(content string) string {
	trimmed := strings.TrimSpace(content)
	if !strings.HasPrefix(trimmed, "/") {
		return ""
	}
	if idx := strings.IndexAny(trimmed, " \t\n"); idx > 0 {
		return trimmed[:idx]
	}
	return trimmed
}
