package engine

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"testing"
	"time"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelWarn}))
}

// scriptStep is one scripted provider turn.
type scriptStep struct {
	result *StreamResult
	err    error
	// block makes the call wait for context cancellation instead of
	// returning.
	block bool
}

// scriptedProvider plays back a fixed sequence of stream results and
// records what it was called with. The last step repeats once the script is
// exhausted.
type scriptedProvider struct {
	id            string
	model         string
	supportsTools bool
	managesOwn    bool
	runText       string

	mu         sync.Mutex
	steps      []scriptStep
	idx        int
	calls      int
	toolSets   [][]ToolDefinition
	messages   [][]Message
	systems    []string
	runPrompts []string
}

func newScriptedProvider(id string, steps ...scriptStep) *scriptedProvider {
	return &scriptedProvider{id: id, model: "test-model", supportsTools: true, steps: steps}
}

func textStep(text string) scriptStep {
	return scriptStep{result: &StreamResult{Text: text, Usage: Usage{InputTokens: 10, OutputTokens: 5}}}
}

func toolStep(calls ...ToolCall) scriptStep {
	return scriptStep{result: &StreamResult{ToolCalls: calls, Usage: Usage{InputTokens: 10, OutputTokens: 5}}}
}

func (p *scriptedProvider) ID() string            { return p.id }
func (p *scriptedProvider) Model() string         { return p.model }
func (p *scriptedProvider) SupportsTools() bool   { return p.supportsTools }
func (p *scriptedProvider) ManagesOwnTools() bool { return p.managesOwn }

func (p *scriptedProvider) Run(ctx context.Context, prompt, handle string) (string, Usage, string, error) {
	if !p.managesOwn {
		return "", Usage{}, "", fmt.Errorf("not self-managed")
	}
	p.mu.Lock()
	p.runPrompts = append(p.runPrompts, prompt)
	p.mu.Unlock()
	return p.runText, Usage{InputTokens: 3, OutputTokens: 3}, handle, nil
}

func (p *scriptedProvider) Stream(ctx context.Context, messages []Message, system string, tools []ToolDefinition, onChunk func(string)) (*StreamResult, error) {
	p.mu.Lock()
	p.calls++
	p.toolSets = append(p.toolSets, tools)
	p.messages = append(p.messages, append([]Message(nil), messages...))
	p.systems = append(p.systems, system)
	if len(p.steps) == 0 {
		p.mu.Unlock()
		return &StreamResult{Text: "(unscripted)"}, nil
	}
	step := p.steps[p.idx]
	if p.idx < len(p.steps)-1 {
		p.idx++
	}
	p.mu.Unlock()

	if step.block {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	if step.err != nil {
		return nil, step.err
	}
	if step.result.Text != "" && onChunk != nil {
		onChunk(step.result.Text)
	}
	res := *step.result
	return &res, nil
}

func (p *scriptedProvider) callCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.calls
}

func (p *scriptedProvider) toolSet(call int) []ToolDefinition {
	p.mu.Lock()
	defer p.mu.Unlock()
	if call >= len(p.toolSets) {
		return nil
	}
	return p.toolSets[call]
}

func (p *scriptedProvider) lastRunPrompt() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.runPrompts) == 0 {
		return ""
	}
	return p.runPrompts[len(p.runPrompts)-1]
}

func (p *scriptedProvider) lastSystem() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.systems) == 0 {
		return ""
	}
	return p.systems[len(p.systems)-1]
}

func (p *scriptedProvider) lastMessages() []Message {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.messages) == 0 {
		return nil
	}
	return p.messages[len(p.messages)-1]
}

// waitFor polls cond until it holds or the deadline passes.
func waitFor(t *testing.T, d time.Duration, cond func() bool) bool {
	t.Helper()
	deadline := time.Now().Add(d)
	for time.Now().Before(deadline) {
		if cond() {
			return true
		}
		time.Sleep(10 * time.Millisecond)
	}
	return cond()
}

func echoTool(name string) ToolDefinition {
	return MakeToolDefinition(name, "echoes its input",
		map[string]any{
			"type": "object",
			"properties": map[string]any{
				"text": map[string]any{"type": "string"},
			},
		},
		PermissionNone,
		func(ctx context.Context, args map[string]any) (string, error) {
			text, _ := args["text"].(string)
			return "echo: " + text, nil
		},
	)
}
