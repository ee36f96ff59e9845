package engine

import (
	"testing"
)

func testProviders() map[string]Provider {
	return map[string]Provider{
		"openai": newScriptedProvider("openai", textStep("ok")),
		"local":  newScriptedProvider("local", textStep("ok")),
	}
}

func TestBuildRegistrySkipsUnknownReferences(t *testing.T) {
	agents := []AgentConfig{
		{ID: "main", Provider: "openai", Default: true},
		{ID: "ghost", Provider: "missing"},
	}
	bindings := []BindingConfig{
		{Agent: "main", Channel: "cli"},
		{Agent: "nobody", Peer: "p1"},
	}

	r := BuildRegistry(agents, bindings, CommsConfig{}, testProviders(), RegistryOptions{Logger: testLogger()})

	if _, ok := r.Lookup("ghost"); ok {
		t.Error("agent with unknown provider must be skipped")
	}
	if _, ok := r.Lookup("main"); !ok {
		t.Error("valid agent missing")
	}
	if got := len(r.Bindings()); got != 1 {
		t.Errorf("bindings = %d, want 1 (unknown-agent binding skipped)", got)
	}
}

func TestRegistryDefaultSelection(t *testing.T) {
	t.Run("flagged default wins", func(t *testing.T) {
		r := BuildRegistry([]AgentConfig{
			{ID: "a", Provider: "openai"},
			{ID: "b", Provider: "local", Default: true},
		}, nil, CommsConfig{}, testProviders(), RegistryOptions{Logger: testLogger()})
		if r.Default().ID != "b" {
			t.Errorf("default = %s, want b", r.Default().ID)
		}
	})

	t.Run("first agent is fallback default", func(t *testing.T) {
		r := BuildRegistry([]AgentConfig{
			{ID: "a", Provider: "openai"},
			{ID: "b", Provider: "local"},
		}, nil, CommsConfig{}, testProviders(), RegistryOptions{Logger: testLogger()})
		if r.Default().ID != "a" {
			t.Errorf("default = %s, want a", r.Default().ID)
		}
	})

	t.Run("no agents means nil default", func(t *testing.T) {
		r := BuildRegistry(nil, nil, CommsConfig{}, testProviders(), RegistryOptions{Logger: testLogger()})
		if r.Default() != nil {
			t.Error("expected nil default")
		}
		if r.HasAgents() {
			t.Error("HasAgents must be false")
		}
	})
}

func TestBindingSpecificity(t *testing.T) {
	cases := []struct {
		name string
		b    Binding
		want int
	}{
		{"peer only", Binding{Peer: "p"}, 100},
		{"command only", Binding{Command: "/x"}, 10},
		{"channel only", Binding{Channel: "c"}, 1},
		{"all fields", Binding{Peer: "p", Command: "/x", Channel: "c"}, 111},
		{"catch-all", Binding{}, 0},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := tc.b.Specificity(); got != tc.want {
				t.Errorf("specificity = %d, want %d", got, tc.want)
			}
		})
	}
}

func TestResolvePrefersPeerOverCommand(t *testing.T) {
	agents := []AgentConfig{
		{ID: "A", Provider: "openai"},
		{ID: "B", Provider: "local"},
	}
	bindings := []BindingConfig{
		{Agent: "B", Command: "/x"},
		{Agent: "A", Peer: "p1"},
	}
	r := BuildRegistry(agents, bindings, CommsConfig{}, testProviders(), RegistryOptions{Logger: testLogger()})

	got := r.Resolve(BindingContext{Peer: "p1", Command: "/x"})
	if got == nil || got.ID != "A" {
		t.Fatalf("resolved %v, want A (peer specificity beats command)", got)
	}
}

func TestResolveConfigOrderBreaksTies(t *testing.T) {
	agents := []AgentConfig{
		{ID: "A", Provider: "openai"},
		{ID: "B", Provider: "local"},
	}
	bindings := []BindingConfig{
		{Agent: "A", Channel: "cli"},
		{Agent: "B", Channel: "cli"},
	}
	r := BuildRegistry(agents, bindings, CommsConfig{}, testProviders(), RegistryOptions{Logger: testLogger()})

	got := r.Resolve(BindingContext{Channel: "cli"})
	if got.ID != "A" {
		t.Errorf("resolved %s, want A (first configured binding wins ties)", got.ID)
	}
}

func TestResolveFallsBackToDefault(t *testing.T) {
	agents := []AgentConfig{{ID: "main", Provider: "openai", Default: true}}
	bindings := []BindingConfig{{Agent: "main", Peer: "vip"}}
	r := BuildRegistry(agents, bindings, CommsConfig{}, testProviders(), RegistryOptions{Logger: testLogger()})

	got := r.Resolve(BindingContext{Peer: "someone-else"})
	if got == nil || got.ID != "main" {
		t.Errorf("resolved %v, want default agent", got)
	}
}

func TestAgentEffectiveTools(t *testing.T) {
	global := []ToolDefinition{echoTool("read_file"), echoTool("write_file"), echoTool("exec")}
	extra := []ToolDefinition{echoTool("agent_send")}

	t.Run("allow list", func(t *testing.T) {
		a := &Agent{cfg: AgentConfig{ToolsAllow: []string{"read_file"}}}
		got := a.EffectiveTools(global, extra)
		if len(got) != 2 {
			t.Fatalf("tools = %d, want 2", len(got))
		}
		if got[0].Name != "read_file" || got[1].Name != "agent_send" {
			t.Errorf("tools = %v", []string{got[0].Name, got[1].Name})
		}
	})

	t.Run("deny list", func(t *testing.T) {
		a := &Agent{cfg: AgentConfig{ToolsDeny: []string{"exec"}}}
		got := a.EffectiveTools(global)
		for _, def := range got {
			if def.Name == "exec" {
				t.Error("denied tool present")
			}
		}
		if len(got) != 2 {
			t.Errorf("tools = %d, want 2", len(got))
		}
	})

	t.Run("extras bypass filters", func(t *testing.T) {
		a := &Agent{cfg: AgentConfig{ToolsDeny: []string{"agent_send"}}}
		got := a.EffectiveTools(global, extra)
		found := false
		for _, def := range got {
			if def.Name == "agent_send" {
				found = true
			}
		}
		if !found {
			t.Error("extra tools must bypass the deny list")
		}
	})
}

func TestAgentSystemPrompt(t *testing.T) {
	t.Run("override replaces", func(t *testing.T) {
		a := &Agent{cfg: AgentConfig{PromptOverride: "only this"}}
		if got := a.SystemPrompt("base"); got != "only this" {
			t.Errorf("prompt = %q", got)
		}
	})
	t.Run("extend appends", func(t *testing.T) {
		a := &Agent{cfg: AgentConfig{PromptExtend: "and this"}}
		if got := a.SystemPrompt("base"); got != "base\n\nand this" {
			t.Errorf("prompt = %q", got)
		}
	})
	t.Run("plain base", func(t *testing.T) {
		a := &Agent{}
		if got := a.SystemPrompt("base"); got != "base" {
			t.Errorf("prompt = %q", got)
		}
	})
}

func TestExtractCommand(t *testing.T) {
	cases := map[string]string{
		"/status":            "/status",
		"/deploy now please": "/deploy",
		"hello there":        "",
		"  /ping  ":          "/ping",
		"":                   "",
	}
	for in, want := range cases {
		if got := ExtractCommand(in); got != want {
			t.Errorf("ExtractCommand(%q) = %q, want %q", in, got, want)
		}
	}
}
