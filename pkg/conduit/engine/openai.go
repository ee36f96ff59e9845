package engine

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sort"
	"strings"
	"time"
)

// OpenAIClient is a Provider backed by any OpenAI-compatible chat
// completions endpoint (OpenAI, OpenRouter, local gateways). It streams via
// SSE and retries transient failures with exponential backoff.
type OpenAIClient struct {
	id         string
	baseURL    string
	apiKey     string
	model      string
	maxRetries int
	httpClient *http.Client
	logger     *slog.Logger
}

// ProviderConfig describes one configured LLM backend.
type ProviderConfig struct {
	Name    string `yaml:"name"`
	BaseURL string `yaml:"base_url"`
	APIKey  string `yaml:"api_key"`
	Model   string `yaml:"model"`
	// Type selects the client implementation; "openai" (default) is the
	// OpenAI-compatible chat completions client.
	Type string `yaml:"type,omitempty"`
}

// NewOpenAIClient builds a client for one OpenAI-compatible backend.
func NewOpenAIClient(cfg ProviderConfig, logger *slog.Logger) *OpenAIClient {
	if logger == nil {
		logger = slog.Default()
	}
	baseURL := strings.TrimSuffix(cfg.BaseURL, "/")
	if baseURL == "" {
		baseURL = "https://api.openai.com/v1"
	}
	return &OpenAIClient{
		id:         cfg.Name,
		baseURL:    baseURL,
		apiKey:     cfg.APIKey,
		model:      cfg.Model,
		maxRetries: 2,
		httpClient: &http.Client{Timeout: 5 * time.Minute},
		logger:     logger.With("component", "llm", "provider", cfg.Name),
	}
}

func (c *OpenAIClient) ID() string            { return c.id }
func (c *OpenAIClient) Model() string         { return c.model }
func (c *OpenAIClient) SupportsTools() bool   { return true }
func (c *OpenAIClient) ManagesOwnTools() bool { return false }

// Run is not supported: this client has no internal tool loop.
func (c *OpenAIClient) Run(ctx context.Context, prompt, sessionHandle string) (string, Usage, string, error) {
	return "", Usage{}, "", fmt.Errorf("provider %s does not manage its own tools", c.id)
}

// ---------- wire types (OpenAI chat completions) ----------

type wireMessage struct {
	Role       string         `json:"role"`
	Content    string         `json:"content"`
	ToolCalls  []wireToolCall `json:"tool_calls,omitempty"`
	ToolCallID string         `json:"tool_call_id,omitempty"`
}

type wireToolCall struct {
	ID       string `json:"id"`
	Type     string `json:"type"`
	Function struct {
		Name      string `json:"name"`
		Arguments string `json:"arguments"`
	} `json:"function"`
}

type wireTool struct {
	Type     string `json:"type"`
	Function struct {
		Name        string          `json:"name"`
		Description string          `json:"description"`
		Parameters  json.RawMessage `json:"parameters"`
	} `json:"function"`
}

type chatRequest struct {
	Model         string        `json:"model"`
	Messages      []wireMessage `json:"messages"`
	Tools         []wireTool    `json:"tools,omitempty"`
	Stream        bool          `json:"stream"`
	StreamOptions *struct {
		IncludeUsage bool `json:"include_usage"`
	} `json:"stream_options,omitempty"`
}

type streamToolCall struct {
	Index    int    `json:"index"`
	ID       string `json:"id,omitempty"`
	Type     string `json:"type,omitempty"`
	Function struct {
		Name      string `json:"name,omitempty"`
		Arguments string `json:"arguments,omitempty"`
	} `json:"function,omitempty"`
}

type streamChoice struct {
	Index int `json:"index"`
	Delta struct {
		Content   string           `json:"content"`
		ToolCalls []streamToolCall `json:"tool_calls,omitempty"`
	} `json:"delta"`
	FinishReason *string `json:"finish_reason"`
}

type streamResponse struct {
	Choices []streamChoice `json:"choices"`
	Usage   *struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
	} `json:"usage,omitempty"`
}

// encodeMessages maps the neutral transcript onto the wire format, with the
// system prompt prepended.
func encodeMessages(messages []Message, system string) []wireMessage {
	out := make([]wireMessage, 0, len(messages)+1)
	if system != "" {
		out = append(out, wireMessage{Role: "system", Content: system})
	}
	for _, m := range messages {
		wm := wireMessage{Role: m.Role, Content: m.Content, ToolCallID: m.ToolCallID}
		for _, tc := range m.ToolCalls {
			args, err := json.Marshal(tc.Arguments)
			if err != nil {
				args = []byte("{}")
			}
			wtc := wireToolCall{ID: tc.ID, Type: "function"}
			wtc.Function.Name = tc.Name
			wtc.Function.Arguments = string(args)
			wm.ToolCalls = append(wm.ToolCalls, wtc)
		}
		out = append(out, wm)
	}
	return out
}

func encodeTools(tools []ToolDefinition) []wireTool {
	out := make([]wireTool, 0, len(tools))
	for _, t := range tools {
		wt := wireTool{Type: "function"}
		wt.Function.Name = t.Name
		wt.Function.Description = t.Description
		wt.Function.Parameters = t.Parameters
		out = append(out, wt)
	}
	return out
}

// Stream performs one streaming chat completion, pushing text deltas through
// onChunk and accumulating tool call deltas by index.
func (c *OpenAIClient) Stream(ctx context.Context, messages []Message, system string, tools []ToolDefinition, onChunk func(string)) (*StreamResult, error) {
	var lastErr error
	for attempt := 0; attempt <= c.maxRetries; attempt++ {
		if attempt > 0 {
			backoff := time.Duration(1<<(attempt-1)) * time.Second
			c.logger.Debug("retrying after backoff", "attempt", attempt, "backoff", backoff)
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(backoff):
			}
		}
		res, err := c.streamOnce(ctx, messages, system, tools, onChunk)
		if err == nil {
			return res, nil
		}
		lastErr = err
		if !classifyAPIError(err).Retryable() || ctx.Err() != nil {
			break
		}
	}
	return nil, lastErr
}

func (c *OpenAIClient) streamOnce(ctx context.Context, messages []Message, system string, tools []ToolDefinition, onChunk func(string)) (*StreamResult, error) {
	reqBody := chatRequest{
		Model:    c.model,
		Messages: encodeMessages(messages, system),
		Stream:   true,
		StreamOptions: &struct {
			IncludeUsage bool `json:"include_usage"`
		}{IncludeUsage: true},
	}
	if len(tools) > 0 {
		reqBody.Tools = encodeTools(tools)
	}

	bodyBytes, err := json.Marshal(reqBody)
	if err != nil {
		return nil, fmt.Errorf("marshaling request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/chat/completions", bytes.NewReader(bodyBytes))
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	req.Header.Set("Accept", "text/event-stream")

	c.logger.Debug("sending streaming chat completion",
		"model", c.model,
		"messages", len(messages),
		"tools", len(tools),
	)

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("API request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return nil, &apiError{statusCode: resp.StatusCode, body: string(body), provider: c.id, model: c.model}
	}

	var contentBuilder strings.Builder
	accum := make(map[int]*streamToolCall)
	var usage Usage

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)

	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || !strings.HasPrefix(line, "data: ") {
			continue
		}
		payload := strings.TrimPrefix(line, "data: ")
		if payload == "[DONE]" {
			break
		}

		var chunk streamResponse
		if err := json.Unmarshal([]byte(payload), &chunk); err != nil {
			c.logger.Debug("failed to parse SSE chunk, skipping", "payload", truncate(payload, 100), "error", err)
			continue
		}

		for _, choice := range chunk.Choices {
			if choice.Delta.Content != "" {
				contentBuilder.WriteString(choice.Delta.Content)
				if onChunk != nil {
					onChunk(choice.Delta.Content)
				}
			}
			for _, tc := range choice.Delta.ToolCalls {
				acc, ok := accum[tc.Index]
				if !ok {
					acc = &streamToolCall{Index: tc.Index}
					accum[tc.Index] = acc
				}
				if tc.ID != "" {
					acc.ID = tc.ID
				}
				if tc.Function.Name != "" {
					acc.Function.Name = tc.Function.Name
				}
				acc.Function.Arguments += tc.Function.Arguments
			}
		}
		if chunk.Usage != nil {
			usage.InputTokens = chunk.Usage.PromptTokens
			usage.OutputTokens = chunk.Usage.CompletionTokens
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("reading stream: %w", err)
	}

	indices := make([]int, 0, len(accum))
	for i := range accum {
		indices = append(indices, i)
	}
	sort.Ints(indices)

	toolCalls := make([]ToolCall, 0, len(indices))
	for _, i := range indices {
		acc := accum[i]
		if acc.ID == "" && acc.Function.Name == "" {
			continue
		}
		args := map[string]any{}
		if acc.Function.Arguments != "" {
			if err := json.Unmarshal([]byte(acc.Function.Arguments), &args); err != nil {
				c.logger.Warn("tool call arguments are not valid JSON",
					"tool", acc.Function.Name, "error", err)
				args = map[string]any{}
			}
		}
		toolCalls = append(toolCalls, ToolCall{ID: acc.ID, Name: acc.Function.Name, Arguments: args})
	}

	c.logger.Info("streaming chat completion done",
		"model", c.model,
		"duration_ms", time.Since(start).Milliseconds(),
		"tool_calls", len(toolCalls),
	)

	return &StreamResult{
		Text:      strings.TrimSpace(contentBuilder.String()),
		ToolCalls: toolCalls,
		Usage:     usage,
	}, nil
}
