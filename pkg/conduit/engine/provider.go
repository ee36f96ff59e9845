// Package engine implements the agent orchestration core of conduit: the
// tool-calling agent loop, the agent/binding registry, inter-agent
// communication tools, the subagent session supervisor, and the announcement
// mailbox that surfaces child results back to a parent conversation.
package engine

import (
	"context"
	"fmt"
	"log/slog"
)

// Usage tracks token consumption for a single provider call or an
// accumulated run.
type Usage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

// Add accumulates another usage sample into u.
func (u *Usage) Add(other Usage) {
	u.InputTokens += other.InputTokens
	u.OutputTokens += other.OutputTokens
}

// Total returns input plus output tokens.
func (u Usage) Total() int {
	return u.InputTokens + u.OutputTokens
}

// ToolCall is a tool invocation requested by the model during a turn.
// Arguments are already decoded from the provider's JSON payload.
type ToolCall struct {
	ID        string         `json:"id"`
	Name      string         `json:"name"`
	Arguments map[string]any `json:"arguments"`
}

// Message is one entry in a conversation transcript. Content holds the text
// for user/assistant/system roles; ToolCalls is set on assistant messages
// that requested tools, and ToolCallID ties a tool-role result back to its
// request.
type Message struct {
	Role       string     `json:"role"`
	Content    string     `json:"content"`
	ToolCalls  []ToolCall `json:"tool_calls,omitempty"`
	ToolCallID string     `json:"tool_call_id,omitempty"`
}

// StreamResult is the terminal state of one provider stream: the full
// assistant text (already pushed incrementally through the chunk callback),
// any tool calls the model requested, and the call's token usage.
type StreamResult struct {
	Text      string
	ToolCalls []ToolCall
	Usage     Usage
}

// Provider is one LLM backend. Capability flags are fixed at construction:
// SupportsTools reports whether Stream accepts tool definitions, and
// ManagesOwnTools marks backends that run their own internal tool loop and
// are driven through Run instead of Stream.
type Provider interface {
	// ID is the configured provider name (registry key).
	ID() string
	// Model is the default model identifier used for calls.
	Model() string

	SupportsTools() bool
	ManagesOwnTools() bool

	// Stream performs one model call, pushing text chunks through onChunk as
	// they arrive. onChunk may be nil. Tool definitions are ignored by
	// providers that do not support tools.
	Stream(ctx context.Context, messages []Message, system string, tools []ToolDefinition, onChunk func(string)) (*StreamResult, error)

	// Run drives a self-managed backend: one prompt in, final text out, with
	// an opaque session handle threaded between calls. Only meaningful when
	// ManagesOwnTools reports true.
	Run(ctx context.Context, prompt, sessionHandle string) (text string, usage Usage, newHandle string, err error)
}

// Generate performs a plain no-tools completion against p and returns the
// final text. Used for tool-less agents and simple inter-agent sends.
func Generate(ctx context.Context, p Provider, messages []Message, system string) (string, Usage, error) {
	res, err := p.Stream(ctx, messages, system, nil, nil)
	if err != nil {
		return "", Usage{}, err
	}
	return res.Text, res.Usage, nil
}

// ProviderSet holds the live providers keyed by configured name plus the
// ordered fallback chain consulted when a preferred provider fails.
type ProviderSet struct {
	providers map[string]Provider
	chain     []string
	logger    *slog.Logger
}

// NewProviderSet builds a set from live providers and the configured
// fallback chain. Chain entries naming unknown providers are dropped with a
// warning.
func NewProviderSet(providers map[string]Provider, chain []string, logger *slog.Logger) *ProviderSet {
	if logger == nil {
		logger = slog.Default()
	}
	ps := &ProviderSet{
		providers: providers,
		logger:    logger.With("component", "providers"),
	}
	for _, name := range chain {
		if _, ok := providers[name]; !ok {
			ps.logger.Warn("fallback chain references unknown provider", "provider", name)
			continue
		}
		ps.chain = append(ps.chain, name)
	}
	return ps
}

// Lookup returns the provider registered under name.
func (ps *ProviderSet) Lookup(name string) (Provider, bool) {
	p, ok := ps.providers[name]
	return p, ok
}

// candidates returns the try order for a call that prefers the named
// provider: preferred first, then the fallback chain, then any remaining
// provider, without duplicates.
func (ps *ProviderSet) candidates(preferred string) []Provider {
	seen := make(map[string]bool)
	var out []Provider
	add := func(name string) {
		if seen[name] {
			return
		}
		if p, ok := ps.providers[name]; ok {
			seen[name] = true
			out = append(out, p)
		}
	}
	add(preferred)
	for _, name := range ps.chain {
		add(name)
	}
	for name := range ps.providers {
		add(name)
	}
	return out
}

// StreamWithFallback streams from the preferred provider, falling back down
// the chain when a call fails with a retryable-by-switching error. Auth and
// billing failures on one provider still advance the chain; only exhausting
// every candidate is fatal.
func (ps *ProviderSet) StreamWithFallback(ctx context.Context, preferred string, messages []Message, system string, tools []ToolDefinition, onChunk func(string)) (*StreamResult, Provider, error) {
	var lastErr error
	for _, p := range ps.candidates(preferred) {
		callTools := tools
		if !p.SupportsTools() {
			callTools = nil
		}
		res, err := p.Stream(ctx, messages, system, callTools, onChunk)
		if err == nil {
			return res, p, nil
		}
		lastErr = err
		if ctx.Err() != nil {
			return nil, nil, ctx.Err()
		}
		ps.logger.Warn("provider failed, trying next",
			"provider", p.ID(),
			"kind", classifyAPIError(err).String(),
			"error", err)
	}
	if lastErr == nil {
		return nil, nil, fmt.Errorf("no providers configured")
	}
	return nil, nil, fmt.Errorf("all providers failed: last error: %w", lastErr)
}
