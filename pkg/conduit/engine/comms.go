package engine

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/google/uuid"
)

// DefaultCommsMaxRounds bounds inter-agent call chains: an agent_send made
// at this depth is rejected instead of dispatched.
const DefaultCommsMaxRounds = 5

// CommsConfig controls the inter-agent communication tools.
type CommsConfig struct {
	Enabled bool `yaml:"enabled"`
	// Allow lists the agent ids that get comms tools; empty means all.
	Allow []string `yaml:"allow,omitempty"`
	// MaxRounds is the maximum inter-agent call depth (default 5).
	MaxRounds int `yaml:"max_rounds,omitempty"`
}

// UsageRecorder receives token counts for provider calls made on behalf of
// an agent.
type UsageRecorder interface {
	RecordUsage(provider, model, agent string, usage Usage)
}

// contextKeyCallDepth tracks inter-agent call depth per logical call chain.
type contextKeyCallDepth struct{}

// CallDepthFromContext returns the current inter-agent call depth, 0 at the
// root conversation.
func CallDepthFromContext(ctx context.Context) int {
	if v := ctx.Value(contextKeyCallDepth{}); v != nil {
		if d, ok := v.(int); ok {
			return d
		}
	}
	return 0
}

// ContextWithCallDepth returns a context carrying the given call depth.
func ContextWithCallDepth(ctx context.Context, depth int) context.Context {
	return context.WithValue(ctx, contextKeyCallDepth{}, depth)
}

// commsTask is one asynchronous agent_spawn placeholder.
type commsTask struct {
	AgentID string
	Status  string // running, done, error
	Result  string
}

// taskTable tracks agent_spawn placeholders by task id.
type taskTable struct {
	mu    sync.Mutex
	tasks map[string]*commsTask
}

func newTaskTable() *taskTable {
	return &taskTable{tasks: make(map[string]*commsTask)}
}

func (t *taskTable) create(agentID string) string {
	t.mu.Lock()
	defer t.mu.Unlock()
	id := uuid.New().String()[:8]
	t.tasks[id] = &commsTask{AgentID: agentID, Status: "running"}
	return id
}

func (t *taskTable) complete(id, status, result string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if task, ok := t.tasks[id]; ok {
		task.Status = status
		task.Result = result
	}
}

func (t *taskTable) get(id string) (commsTask, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	task, ok := t.tasks[id]
	if !ok {
		return commsTask{}, false
	}
	return *task, true
}

// commsAllowed reports whether the caller gets comms tools at all.
func (r *Registry) commsAllowed(callerID string) bool {
	if !r.comms.Enabled {
		return false
	}
	if len(r.comms.Allow) == 0 {
		return true
	}
	for _, id := range r.comms.Allow {
		if id == callerID {
			return true
		}
	}
	return false
}

// dispatch runs one message against a target agent using its capability
// flags: self-managed providers get Run, tool-capable providers get the full
// loop behind a SilentSink, everything else gets a plain generate.
func (r *Registry) dispatch(ctx context.Context, target *Agent, message string) (string, Usage, error) {
	system := target.SystemPrompt(r.baseSystem)

	if target.Provider.ManagesOwnTools() {
		text, usage, _, err := target.Provider.Run(ctx, message, "")
		return text, usage, err
	}

	messages := []Message{{Role: "user", Content: message}}

	var tools []ToolDefinition
	if target.Provider.SupportsTools() {
		var global []ToolDefinition
		if r.toolsEnable && r.toolReg != nil {
			global = r.toolReg.Definitions()
		}
		// The target gets its own comms tools so send chains can continue;
		// the call-depth guard in sendToAgent bounds the chain.
		tools = target.EffectiveTools(global, r.CommsTools(target.ID))
	}
	if len(tools) > 0 {
		sink := &SilentSink{AutoApproveReads: r.autoApproveReads}
		text, usage, err := RunLoop(ctx, messages, system, target.Provider, tools, sink, LoopOptions{
			TurnBudget:  target.TurnBudget(0),
			AutoApprove: r.autoApprove,
			Logger:      r.logger,
		})
		if resp := sink.Response(); resp != "" {
			text = resp
		}
		return text, usage, err
	}

	return Generate(ctx, target.Provider, messages, system)
}

// sendToAgent resolves and calls a target agent on behalf of callerID,
// applying the self-call and depth guards. Guard failures come back as
// model-visible strings, not errors.
func (r *Registry) sendToAgent(ctx context.Context, callerID, targetID, message string) string {
	depth := CallDepthFromContext(ctx)
	if depth >= r.comms.MaxRounds {
		return fmt.Sprintf("Error: max inter-agent depth (%d) reached.", r.comms.MaxRounds)
	}
	if targetID == callerID {
		return "Error: cannot send message to self."
	}
	target, ok := r.Lookup(targetID)
	if !ok {
		return fmt.Sprintf("Error: unknown agent '%s'. Available: %s",
			targetID, strings.Join(r.AgentIDs(), ", "))
	}

	callCtx := ContextWithCallDepth(ctx, depth+1)
	text, usage, err := r.dispatch(callCtx, target, message)
	if err != nil {
		return fmt.Sprintf("Error executing agent_send: %v", err)
	}
	if r.usage != nil {
		r.usage.RecordUsage(target.Provider.ID(), target.Provider.Model(), target.ID, usage)
	}
	r.logger.Info("inter-agent send",
		"from", callerID, "to", targetID, "depth", depth+1, "tokens", usage.Total())
	if strings.TrimSpace(text) == "" {
		return "(no response)"
	}
	return text
}

// CommsTools synthesizes the three inter-agent tools for one calling agent.
// Returns nil when comms are disabled or the caller is not on the allow
// list.
func (r *Registry) CommsTools(callerID string) []ToolDefinition {
	if !r.commsAllowed(callerID) {
		return nil
	}

	sendDef := MakeToolDefinition(
		"agent_send",
		"Send a message to another agent and wait for its reply. The target runs its own model and tools and the final text comes back to you.",
		map[string]any{
			"type": "object",
			"properties": map[string]any{
				"agent_id": map[string]any{
					"type":        "string",
					"description": "ID of the agent to message. Available: " + strings.Join(r.AgentIDs(), ", "),
				},
				"message": map[string]any{
					"type":        "string",
					"description": "The message or question for the target agent.",
				},
			},
			"required": []string{"agent_id", "message"},
		},
		PermissionNone,
		func(ctx context.Context, args map[string]any) (string, error) {
			targetID, _ := args["agent_id"].(string)
			message, _ := args["message"].(string)
			return r.sendToAgent(ctx, callerID, targetID, message), nil
		},
	)

	spawnDef := MakeToolDefinition(
		"agent_spawn",
		"Start another agent on a task in the background. Returns a task_id immediately; poll it with agent_get_result.",
		map[string]any{
			"type": "object",
			"properties": map[string]any{
				"agent_id": map[string]any{
					"type":        "string",
					"description": "ID of the agent to run.",
				},
				"task": map[string]any{
					"type":        "string",
					"description": "The task for the target agent.",
				},
			},
			"required": []string{"agent_id", "task"},
		},
		PermissionNone,
		func(ctx context.Context, args map[string]any) (string, error) {
			targetID, _ := args["agent_id"].(string)
			task, _ := args["task"].(string)

			taskID := r.tasks.create(targetID)
			// Keeps the call-depth value but outlives the parent turn.
			bgCtx := context.WithoutCancel(ctx)
			go func() {
				result := r.sendToAgent(bgCtx, callerID, targetID, task)
				status := "done"
				if strings.HasPrefix(result, "Error") {
					status = "error"
				}
				r.tasks.complete(taskID, status, result)
			}()
			return fmt.Sprintf("Task spawned: %s (agent: %s)", taskID, targetID), nil
		},
	)

	getDef := MakeToolDefinition(
		"agent_get_result",
		"Fetch the status and result of a task started with agent_spawn.",
		map[string]any{
			"type": "object",
			"properties": map[string]any{
				"task_id": map[string]any{
					"type":        "string",
					"description": "Task ID returned by agent_spawn.",
				},
			},
			"required": []string{"task_id"},
		},
		PermissionNone,
		func(ctx context.Context, args map[string]any) (string, error) {
			taskID, _ := args["task_id"].(string)
			task, ok := r.tasks.get(taskID)
			if !ok {
				return "Error: unknown task_id", nil
			}
			if task.Status == "running" {
				return "Status: still running", nil
			}
			return fmt.Sprintf("Status: %s\n\nResult:\n%s", task.Status, task.Result), nil
		},
	)

	return []ToolDefinition{sendDef, spawnDef, getDef}
}
