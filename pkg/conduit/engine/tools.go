package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
)

// Permission tiers gate tool execution behind approval. Read-style tools are
// tier none; anything that mutates state is write or execute.
const (
	PermissionNone    = "none"
	PermissionWrite   = "write"
	PermissionExecute = "execute"
)

// ToolHandler executes one tool call. Arguments arrive decoded from the
// model's JSON payload. The returned string goes back to the model verbatim.
type ToolHandler func(ctx context.Context, args map[string]any) (string, error)

// ToolDefinition describes one callable tool: the JSON schema the model
// sees, the handler that runs it, and the permission tier that gates it.
type ToolDefinition struct {
	Name        string
	Description string
	Parameters  json.RawMessage
	Permission  string
	Handler     ToolHandler
}

// MakeToolDefinition builds a definition from a raw schema map, marshaling
// the parameter schema once. Invalid schemas fall back to an empty object
// schema rather than failing registration.
func MakeToolDefinition(name, description string, parameters map[string]any, permission string, handler ToolHandler) ToolDefinition {
	raw, err := json.Marshal(parameters)
	if err != nil {
		raw = []byte(`{"type":"object","properties":{}}`)
	}
	if permission == "" {
		permission = PermissionNone
	}
	return ToolDefinition{
		Name:        name,
		Description: description,
		Parameters:  raw,
		Permission:  permission,
		Handler:     handler,
	}
}

// ToolRegistry is the process-wide name -> definition map. Registration is
// append-or-overwrite by name; definitions are immutable once stored.
type ToolRegistry struct {
	mu    sync.RWMutex
	tools map[string]ToolDefinition
}

// NewToolRegistry creates an empty registry.
func NewToolRegistry() *ToolRegistry {
	return &ToolRegistry{tools: make(map[string]ToolDefinition)}
}

// Register stores def, replacing any existing tool with the same name.
func (r *ToolRegistry) Register(def ToolDefinition) error {
	if def.Name == "" {
		return fmt.Errorf("tool definition has no name")
	}
	if def.Handler == nil {
		return fmt.Errorf("tool %s has no handler", def.Name)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tools[def.Name] = def
	return nil
}

// Lookup returns the definition registered under name.
func (r *ToolRegistry) Lookup(name string) (ToolDefinition, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	def, ok := r.tools[name]
	return def, ok
}

// Definitions returns all registered tools sorted by name.
func (r *ToolRegistry) Definitions() []ToolDefinition {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]ToolDefinition, 0, len(r.tools))
	for _, def := range r.tools {
		out = append(out, def)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Names returns the sorted registered tool names.
func (r *ToolRegistry) Names() []string {
	defs := r.Definitions()
	names := make([]string, len(defs))
	for i, def := range defs {
		names[i] = def.Name
	}
	return names
}

// lookupTool resolves name within an effective tool set (the per-call slice
// handed to the loop, which may include injected tools that are not in the
// global registry).
func lookupTool(tools []ToolDefinition, name string) (ToolDefinition, bool) {
	for _, def := range tools {
		if def.Name == name {
			return def, true
		}
	}
	return ToolDefinition{}, false
}
