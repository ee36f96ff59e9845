package engine

import (
	"context"
	"fmt"
	"strings"
	"time"
)

// historyCharLimit caps the transcript returned by sessions_history.
const historyCharLimit = 6000

// SessionTools synthesizes the session management tools for one caller at
// one depth. sessions_spawn is omitted entirely once the caller's depth has
// reached the spawn limit, so the model is never offered a tool it cannot
// use.
func (sr *SessionRegistry) SessionTools(callerAgentID, parentKey string, depth int) []ToolDefinition {
	var tools []ToolDefinition

	if depth < sr.cfg.MaxSpawnDepth {
		tools = append(tools, sr.spawnTool(callerAgentID, parentKey, depth))
	}
	tools = append(tools,
		sr.sendTool(),
		sr.listTool(),
		sr.historyTool(),
		sr.killTool(),
	)
	return tools
}

func (sr *SessionRegistry) spawnTool(callerAgentID, parentKey string, depth int) ToolDefinition {
	return MakeToolDefinition(
		"sessions_spawn",
		"Start an isolated subagent session working on a task in the background. Returns the run_id immediately; you are notified when it finishes.",
		map[string]any{
			"type": "object",
			"properties": map[string]any{
				"agent_id": map[string]any{
					"type":        "string",
					"description": "Agent to run the task. Available: " + strings.Join(sr.agents.AgentIDs(), ", "),
				},
				"task": map[string]any{
					"type":        "string",
					"description": "The task for the subagent.",
				},
				"label": map[string]any{
					"type":        "string",
					"description": "Optional short label for the run.",
				},
				"timeout": map[string]any{
					"type":        "integer",
					"description": fmt.Sprintf("Optional timeout in seconds (default %d).", sr.cfg.DefaultTimeoutSeconds),
				},
				"cleanup": map[string]any{
					"type":        "string",
					"enum":        []string{CleanupKeep, CleanupDelete},
					"description": "Whether to keep the session record after completion (default keep).",
				},
			},
			"required": []string{"agent_id", "task"},
		},
		PermissionNone,
		func(ctx context.Context, args map[string]any) (string, error) {
			agentID, _ := args["agent_id"].(string)
			task, _ := args["task"].(string)
			label, _ := args["label"].(string)
			cleanup, _ := args["cleanup"].(string)
			timeout := intArg(args, "timeout")

			if _, ok := sr.agents.Lookup(agentID); !ok {
				return fmt.Sprintf("Error: unknown agent '%s'. Available: %s",
					agentID, strings.Join(sr.agents.AgentIDs(), ", ")), nil
			}

			s, ok := sr.Spawn(ctx, parentKey, callerAgentID, depth, SpawnRequest{
				AgentID:        agentID,
				Task:           task,
				Label:          label,
				TimeoutSeconds: timeout,
				Cleanup:        cleanup,
			})
			if !ok {
				return fmt.Sprintf(
					"Error: spawn rejected: either the depth limit (%d) or the concurrent children limit (%d) was reached.",
					sr.cfg.MaxSpawnDepth, sr.cfg.MaxChildren), nil
			}
			return fmt.Sprintf("Subagent started: run_id=%s label=%s agent=%s. You'll be notified when it finishes.",
				s.RunID, s.Label, agentID), nil
		},
	)
}

func (sr *SessionRegistry) sendTool() ToolDefinition {
	return MakeToolDefinition(
		"sessions_send",
		"Check on a running subagent session. Direct messaging into a running session is not supported; this reports the session's current status.",
		map[string]any{
			"type": "object",
			"properties": map[string]any{
				"run_id_or_label": map[string]any{
					"type":        "string",
					"description": "Run id or label of the session.",
				},
				"message": map[string]any{
					"type":        "string",
					"description": "Message intended for the session.",
				},
				"timeout": map[string]any{
					"type":        "integer",
					"description": "Ignored; reserved.",
				},
			},
			"required": []string{"run_id_or_label", "message"},
		},
		PermissionNone,
		func(ctx context.Context, args map[string]any) (string, error) {
			ref, _ := args["run_id_or_label"].(string)
			info, ok := sr.resolve(ref)
			if !ok {
				return fmt.Sprintf("Error: no session matching '%s'", ref), nil
			}
			return fmt.Sprintf(
				"Session %s (%s) is %s (elapsed %s). Direct messaging to a running session is not supported; wait for it to finish or kill it and spawn a new one with the extra instructions.",
				info.RunID, info.Label, info.Status, info.Elapsed.Round(time.Second)), nil
		},
	)
}

func (sr *SessionRegistry) listTool() ToolDefinition {
	return MakeToolDefinition(
		"sessions_list",
		"List subagent sessions and their status.",
		map[string]any{
			"type": "object",
			"properties": map[string]any{
				"status_filter": map[string]any{
					"type":        "string",
					"enum":        []string{string(StatusRunning), string(StatusDone), string(StatusError), string(StatusTimeout)},
					"description": "Only list sessions with this status.",
				},
			},
		},
		PermissionNone,
		func(ctx context.Context, args map[string]any) (string, error) {
			filter, _ := args["status_filter"].(string)
			infos := sr.List(SessionStatus(filter))
			if len(infos) == 0 {
				return "No sessions.", nil
			}
			var sb strings.Builder
			for _, info := range infos {
				fmt.Fprintf(&sb, "- [%s] %s (agent: %s, run_id: %s, elapsed: %s)\n",
					info.Status, info.Label, info.ChildAgentID, info.RunID, info.Elapsed.Round(time.Second))
			}
			return strings.TrimRight(sb.String(), "\n"), nil
		},
	)
}

func (sr *SessionRegistry) historyTool() ToolDefinition {
	return MakeToolDefinition(
		"sessions_history",
		"Show the transcript of a subagent session.",
		map[string]any{
			"type": "object",
			"properties": map[string]any{
				"run_id": map[string]any{
					"type":        "string",
					"description": "Run id of the session.",
				},
			},
			"required": []string{"run_id"},
		},
		PermissionNone,
		func(ctx context.Context, args map[string]any) (string, error) {
			runID, _ := args["run_id"].(string)
			info, ok := sr.Get(runID)
			if !ok {
				return fmt.Sprintf("Error: unknown run_id '%s'", runID), nil
			}
			var sb strings.Builder
			fmt.Fprintf(&sb, "Session %s (%s) status=%s\n", info.RunID, info.Label, info.Status)
			for _, m := range info.Messages {
				content := m.Content
				if content == "" && len(m.ToolCalls) > 0 {
					names := make([]string, len(m.ToolCalls))
					for i, tc := range m.ToolCalls {
						names[i] = tc.Name
					}
					content = "(tool calls: " + strings.Join(names, ", ") + ")"
				}
				fmt.Fprintf(&sb, "[%s] %s\n", m.Role, content)
				if sb.Len() > historyCharLimit {
					return sb.String()[:historyCharLimit] + "\n... [truncated]", nil
				}
			}
			if info.Result != "" {
				fmt.Fprintf(&sb, "Result: %s\n", info.Result)
			}
			out := strings.TrimRight(sb.String(), "\n")
			if len(out) > historyCharLimit {
				out = out[:historyCharLimit] + "\n... [truncated]"
			}
			return out, nil
		},
	)
}

func (sr *SessionRegistry) killTool() ToolDefinition {
	return MakeToolDefinition(
		"sessions_kill",
		"Cancel a running subagent session (and any sessions it spawned).",
		map[string]any{
			"type": "object",
			"properties": map[string]any{
				"run_id": map[string]any{
					"type":        "string",
					"description": "Run id of the session to cancel.",
				},
			},
			"required": []string{"run_id"},
		},
		PermissionNone,
		func(ctx context.Context, args map[string]any) (string, error) {
			runID, _ := args["run_id"].(string)
			before, ok := sr.Get(runID)
			if !ok {
				return fmt.Sprintf("Error: unknown run_id '%s'", runID), nil
			}
			if before.Status.Terminal() {
				return fmt.Sprintf("Session %s already finished with status %s.", runID, before.Status), nil
			}
			info, _ := sr.Kill(runID)
			return fmt.Sprintf("Session %s cancelled (status: %s).", runID, info.Status), nil
		},
	)
}

// intArg reads an integer argument that may arrive as float64 (JSON), int,
// or a numeric string.
func intArg(args map[string]any, key string) int {
	switch v := args[key].(type) {
	case float64:
		return int(v)
	case int:
		return v
	case string:
		var n int
		if _, err := fmt.Sscanf(v, "%d", &n); err == nil {
			return n
		}
	}
	return 0
}
