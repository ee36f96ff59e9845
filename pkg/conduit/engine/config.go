package engine

// Config is the full host configuration, loaded from YAML with env var
// expansion. Zero values fall back to DefaultConfig.
type Config struct {
	// SystemPrompt is the base prompt shared by all agents unless an agent
	// overrides it.
	SystemPrompt string `yaml:"system_prompt,omitempty"`

	Providers []ProviderConfig `yaml:"providers"`
	// FallbackChain lists provider names tried in order when the preferred
	// provider fails.
	FallbackChain []string `yaml:"fallback_chain,omitempty"`

	Agents   []AgentConfig   `yaml:"agents,omitempty"`
	Bindings []BindingConfig `yaml:"bindings,omitempty"`

	Comms     CommsConfig    `yaml:"comms,omitempty"`
	Subagents SubagentConfig `yaml:"subagents,omitempty"`
	Tools     ToolsConfig    `yaml:"tools,omitempty"`
	Database  DatabaseConfig `yaml:"database,omitempty"`
	Logging   LoggingConfig  `yaml:"logging,omitempty"`
}

// ToolsConfig controls the global tool loop.
type ToolsConfig struct {
	Enabled bool `yaml:"enabled"`
	// MaxAgentTurns is the default turn budget for agents without their own.
	MaxAgentTurns int `yaml:"max_agent_turns,omitempty"`
	// AutoApproveReads approves read-style tools without asking inside
	// silent (agent-to-agent) runs.
	AutoApproveReads bool `yaml:"auto_approve_reads"`
	// AutoApproveAll approves everything; the kv runtime toggle overrides
	// this at runtime.
	AutoApproveAll bool `yaml:"auto_approve_all,omitempty"`
}

// DatabaseConfig points at the SQLite file. Empty path disables
// persistence.
type DatabaseConfig struct {
	Path string `yaml:"path,omitempty"`
}

// LoggingConfig sets the slog level: debug, info, warn, error.
type LoggingConfig struct {
	Level string `yaml:"level,omitempty"`
}

// DefaultConfig returns the baseline configuration that YAML values overlay.
func DefaultConfig() *Config {
	return &Config{
		Comms: CommsConfig{
			Enabled:   true,
			MaxRounds: DefaultCommsMaxRounds,
		},
		Subagents: SubagentConfig{
			Enabled:               true,
			MaxSpawnDepth:         DefaultMaxSpawnDepth,
			MaxChildren:           DefaultMaxChildren,
			DefaultTimeoutSeconds: DefaultSessionTimeout,
			PruneAfterDays:        14,
			PruneSchedule:         "0 4 * * *",
		},
		Tools: ToolsConfig{
			Enabled:          true,
			MaxAgentTurns:    DefaultTurnBudget,
			AutoApproveReads: true,
		},
		Logging: LoggingConfig{Level: "info"},
	}
}
