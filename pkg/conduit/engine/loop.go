package engine

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
)

// DefaultTurnBudget bounds the tool-calling loop when neither the agent nor
// the global config sets one.
const DefaultTurnBudget = 10

// budgetExhaustedNudge is appended as a user message when the loop runs out
// of turns while the model still wants tools; the follow-up request carries
// no tool definitions so the model has to answer.
const budgetExhaustedNudge = "You've reached the maximum number of tool calls. " +
	"Please summarize what you've found so far and respond to the user."

// LoopOptions tunes one RunLoop invocation.
type LoopOptions struct {
	// TurnBudget is the maximum number of provider turns; 0 means
	// DefaultTurnBudget.
	TurnBudget int
	// AutoApprove, when set, is consulted before the sink for gated tools.
	// Backed by the kv auto-approve override in the full host.
	AutoApprove func(tool string) bool
	Logger      *slog.Logger
}

// RunLoop drives one conversation against a provider until the model stops
// requesting tools or the turn budget runs out. Text chunks are pushed
// through the sink as they arrive; tool failures, denials, and unknown tools
// become model-visible result strings and never abort the loop. Only
// provider failures propagate.
func RunLoop(ctx context.Context, messages []Message, system string, provider Provider, tools []ToolDefinition, sink Sink, opts LoopOptions) (string, Usage, error) {
	text, usage, _, err := RunLoopTranscript(ctx, messages, system, provider, tools, sink, opts)
	return text, usage, err
}

// RunLoopTranscript is RunLoop plus the final message transcript, for
// callers that record conversations (subagent sessions).
func RunLoopTranscript(ctx context.Context, messages []Message, system string, provider Provider, tools []ToolDefinition, sink Sink, opts LoopOptions) (string, Usage, []Message, error) {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "loop", "provider", provider.ID())

	budget := opts.TurnBudget
	if budget <= 0 {
		budget = DefaultTurnBudget
	}

	transcript := append([]Message(nil), messages...)
	var total Usage
	var out strings.Builder
	appendText := func(text string) {
		if text == "" {
			return
		}
		if out.Len() > 0 {
			out.WriteString("\n")
		}
		out.WriteString(text)
	}

	pendingTools := false
	for turn := 0; turn < budget; turn++ {
		if err := ctx.Err(); err != nil {
			return out.String(), total, transcript, err
		}

		res, err := provider.Stream(ctx, transcript, system, tools, sink.SendChunk)
		if err != nil {
			return out.String(), total, transcript, fmt.Errorf("provider stream: %w", err)
		}
		total.Add(res.Usage)
		appendText(res.Text)

		if len(res.ToolCalls) == 0 {
			transcript = append(transcript, Message{Role: "assistant", Content: res.Text})
			logger.Debug("loop done", "turns", turn+1, "tokens", total.Total())
			return out.String(), total, transcript, nil
		}
		pendingTools = true

		transcript = append(transcript, Message{
			Role:      "assistant",
			Content:   res.Text,
			ToolCalls: res.ToolCalls,
		})

		for _, tc := range res.ToolCalls {
			result, failed := executeToolCall(ctx, tc, tools, sink, opts.AutoApprove, logger)
			transcript = append(transcript, Message{
				Role:       "tool",
				Content:    result,
				ToolCallID: tc.ID,
			})
			sink.ToolFinished(tc.ID, tc.Name, result, failed)
		}
	}

	if pendingTools {
		// Budget spent with tools still pending: one last no-tools request so
		// the model produces an answer instead of another tool round.
		logger.Info("turn budget exhausted, requesting summary", "budget", budget)
		transcript = append(transcript, Message{Role: "user", Content: budgetExhaustedNudge})
		res, err := provider.Stream(ctx, transcript, system, nil, sink.SendChunk)
		if err != nil {
			return out.String(), total, transcript, fmt.Errorf("provider stream (finalize): %w", err)
		}
		total.Add(res.Usage)
		appendText(res.Text)
		transcript = append(transcript, Message{Role: "assistant", Content: res.Text})
	}

	return out.String(), total, transcript, nil
}

// executeToolCall resolves and runs one requested tool, converting every
// failure mode into a result string.
func executeToolCall(ctx context.Context, tc ToolCall, tools []ToolDefinition, sink Sink, autoApprove func(string) bool, logger *slog.Logger) (result string, failed bool) {
	sink.ToolStarted(tc.ID, tc.Name, tc.Arguments)

	def, ok := lookupTool(tools, tc.Name)
	if !ok {
		logger.Warn("model requested unknown tool", "tool", tc.Name)
		return fmt.Sprintf("Error: Unknown tool '%s'", tc.Name), true
	}

	if def.Permission != PermissionNone {
		approved := autoApprove != nil && autoApprove(def.Name)
		if !approved {
			approved = sink.RequestPermission(def.Name, tc.Arguments)
		}
		if !approved {
			logger.Info("tool call denied", "tool", def.Name)
			return "Permission denied by user.", true
		}
	}

	out, err := def.Handler(ctx, tc.Arguments)
	if err != nil {
		logger.Warn("tool failed", "tool", def.Name, "error", err)
		return fmt.Sprintf("Error executing %s: %v", def.Name, err), true
	}
	if out == "" {
		out = "(no output)"
	}
	return out, false
}
