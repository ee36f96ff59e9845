package engine

import (
	"context"
	"strings"
	"testing"
	"time"
)

const testParentKey = "cli:local"

func sessionSetup(t *testing.T, cfg SubagentConfig, workerSteps ...scriptStep) (*SessionRegistry, *Mailbox) {
	t.Helper()
	if len(workerSteps) == 0 {
		workerSteps = []scriptStep{textStep("worker done")}
	}
	providers := map[string]Provider{
		"parent-llm": newScriptedProvider("parent-llm", textStep("ok")),
		"worker-llm": newScriptedProvider("worker-llm", workerSteps...),
	}
	agents := BuildRegistry([]AgentConfig{
		{ID: "parent", Provider: "parent-llm", Default: true},
		{ID: "worker", Provider: "worker-llm"},
	}, nil, CommsConfig{}, providers, RegistryOptions{Logger: testLogger()})

	mailbox := NewMailbox()
	sr := NewSessionRegistry(cfg, agents, mailbox, nil, nil, testLogger())
	return sr, mailbox
}

func TestCreateAssignsChildDepth(t *testing.T) {
	sr, _ := sessionSetup(t, SubagentConfig{})

	s, ok := sr.Create(testParentKey, "parent", 0, SpawnRequest{AgentID: "worker", Task: "look around"})
	if !ok {
		t.Fatal("create rejected")
	}
	if s.Depth != 1 {
		t.Errorf("depth = %d, want 1", s.Depth)
	}
	if len(s.RunID) != 12 {
		t.Errorf("run id = %q, want 12 hex chars", s.RunID)
	}
	if !strings.HasPrefix(s.Label, "worker:") {
		t.Errorf("label = %q, want worker:<prefix>", s.Label)
	}
	if s.Status != StatusRunning {
		t.Errorf("status = %s, want running", s.Status)
	}
}

func TestCreateDepthLimit(t *testing.T) {
	sr, _ := sessionSetup(t, SubagentConfig{MaxSpawnDepth: 2})

	t.Run("at the limit is allowed", func(t *testing.T) {
		s, ok := sr.Create(testParentKey, "parent", 1, SpawnRequest{AgentID: "worker", Task: "t"})
		if !ok {
			t.Fatal("depth 2 with max 2 must be admitted")
		}
		if s.Depth != 2 {
			t.Errorf("depth = %d, want 2", s.Depth)
		}
	})

	t.Run("beyond the limit is rejected", func(t *testing.T) {
		if _, ok := sr.Create(testParentKey, "parent", 2, SpawnRequest{AgentID: "worker", Task: "t"}); ok {
			t.Error("depth 3 with max 2 must be rejected")
		}
	})
}

func TestCreateChildrenLimit(t *testing.T) {
	sr, _ := sessionSetup(t, SubagentConfig{MaxChildren: 2})

	for i := 0; i < 2; i++ {
		if _, ok := sr.Create(testParentKey, "parent", 0, SpawnRequest{AgentID: "worker", Task: "t"}); !ok {
			t.Fatalf("spawn %d rejected unexpectedly", i+1)
		}
	}
	if _, ok := sr.Create(testParentKey, "parent", 0, SpawnRequest{AgentID: "worker", Task: "t"}); ok {
		t.Error("third concurrent spawn must be rejected")
	}
	if got := sr.ActiveChildren(testParentKey); got != 2 {
		t.Errorf("active children = %d, want 2", got)
	}

	// A different parent is unaffected.
	if _, ok := sr.Create("other:parent", "parent", 0, SpawnRequest{AgentID: "worker", Task: "t"}); !ok {
		t.Error("limit must be per parent")
	}
}

func TestSpawnRoundTrip(t *testing.T) {
	sr, mailbox := sessionSetup(t, SubagentConfig{}, textStep("found it"))

	s, ok := sr.Spawn(context.Background(), testParentKey, "parent", 0, SpawnRequest{
		AgentID: "worker",
		Task:    "search the archives",
	})
	if !ok {
		t.Fatal("spawn rejected")
	}

	if !waitFor(t, 3*time.Second, func() bool {
		info, _ := sr.Get(s.RunID)
		return info.Status != StatusRunning
	}) {
		t.Fatal("session never finished")
	}

	info, _ := sr.Get(s.RunID)
	if info.Status != StatusDone {
		t.Fatalf("status = %s, want done (result %q)", info.Status, info.Result)
	}
	if info.Result != "found it" {
		t.Errorf("result = %q", info.Result)
	}
	if len(info.Messages) == 0 || info.Messages[0].Content != "search the archives" {
		t.Errorf("first transcript message = %+v, want the original task", info.Messages)
	}

	done := sr.List(StatusDone)
	if len(done) != 1 || done[0].RunID != s.RunID {
		t.Errorf("List(done) = %+v", done)
	}

	anns := mailbox.Drain(testParentKey)
	if len(anns) != 1 {
		t.Fatalf("announcements = %d, want exactly 1", len(anns))
	}
	if anns[0].RunID != s.RunID || anns[0].Status != StatusDone {
		t.Errorf("announcement = %+v", anns[0])
	}
	if got := mailbox.Drain(testParentKey); len(got) != 0 {
		t.Error("drain must clear the mailbox")
	}
}

func TestSessionTimeout(t *testing.T) {
	sr, mailbox := sessionSetup(t, SubagentConfig{}, scriptStep{block: true})

	s, ok := sr.Spawn(context.Background(), testParentKey, "parent", 0, SpawnRequest{
		AgentID:        "worker",
		Task:           "stall forever",
		TimeoutSeconds: 1,
	})
	if !ok {
		t.Fatal("spawn rejected")
	}

	if !waitFor(t, 4*time.Second, func() bool {
		info, _ := sr.Get(s.RunID)
		return info.Status.Terminal()
	}) {
		t.Fatal("session never finished")
	}

	info, _ := sr.Get(s.RunID)
	if info.Status != StatusTimeout {
		t.Fatalf("status = %s, want timeout", info.Status)
	}
	if !strings.Contains(info.Result, "Timed out after 1s") {
		t.Errorf("result = %q, want the timeout budget named", info.Result)
	}

	anns := mailbox.Drain(testParentKey)
	if len(anns) != 1 || anns[0].RunID != s.RunID || anns[0].Status != StatusTimeout {
		t.Errorf("announcements = %+v, want one timeout notice", anns)
	}
}

func TestKillRunningSession(t *testing.T) {
	sr, _ := sessionSetup(t, SubagentConfig{}, scriptStep{block: true})

	s, _ := sr.Spawn(context.Background(), testParentKey, "parent", 0, SpawnRequest{
		AgentID: "worker", Task: "stall",
	})

	info, ok := sr.Kill(s.RunID)
	if !ok {
		t.Fatal("kill: session not found")
	}
	if info.Status != StatusError {
		t.Errorf("status = %s, want error", info.Status)
	}
	if info.Result != "Cancelled by parent" {
		t.Errorf("result = %q", info.Result)
	}
}

func TestKillTerminalSessionIsNoop(t *testing.T) {
	sr, mailbox := sessionSetup(t, SubagentConfig{}, textStep("done already"))

	s, _ := sr.Spawn(context.Background(), testParentKey, "parent", 0, SpawnRequest{
		AgentID: "worker", Task: "quick job",
	})
	waitFor(t, 3*time.Second, func() bool {
		info, _ := sr.Get(s.RunID)
		return info.Status.Terminal()
	})
	mailbox.Drain(testParentKey)

	info, ok := sr.Kill(s.RunID)
	if !ok {
		t.Fatal("kill: session not found")
	}
	if info.Status != StatusDone {
		t.Errorf("status = %s, kill on a done session must not change it", info.Status)
	}
	if got := mailbox.Drain(testParentKey); len(got) != 0 {
		t.Errorf("kill on a terminal session queued %d announcements", len(got))
	}
}

func TestKillCascadesToDescendants(t *testing.T) {
	sr, _ := sessionSetup(t, SubagentConfig{}, scriptStep{block: true})

	parent, _ := sr.Spawn(context.Background(), testParentKey, "parent", 0, SpawnRequest{
		AgentID: "worker", Task: "outer",
	})
	child, ok := sr.Spawn(context.Background(), parent.Key(), "worker", parent.Depth, SpawnRequest{
		AgentID: "worker", Task: "inner",
	})
	if !ok {
		t.Fatal("child spawn rejected")
	}

	sr.Kill(parent.RunID)

	childInfo, _ := sr.Get(child.RunID)
	if childInfo.Status != StatusError || childInfo.Result != "Cancelled by parent" {
		t.Errorf("child = %s/%q, want cascaded cancellation", childInfo.Status, childInfo.Result)
	}
}

func TestCompleteIsIdempotent(t *testing.T) {
	sr, mailbox := sessionSetup(t, SubagentConfig{})

	s, _ := sr.Create(testParentKey, "parent", 0, SpawnRequest{AgentID: "worker", Task: "t"})
	sr.Complete(s.RunID, StatusDone, "first")
	sr.Complete(s.RunID, StatusError, "second")

	info, _ := sr.Get(s.RunID)
	if info.Status != StatusDone || info.Result != "first" {
		t.Errorf("session = %s/%q, terminal state must be set exactly once", info.Status, info.Result)
	}
	if got := mailbox.Drain(testParentKey); len(got) != 1 {
		t.Errorf("announcements = %d, want exactly 1", len(got))
	}
}

func TestCleanupDeleteRemovesRecord(t *testing.T) {
	sr, mailbox := sessionSetup(t, SubagentConfig{}, textStep("gone"))

	s, _ := sr.Spawn(context.Background(), testParentKey, "parent", 0, SpawnRequest{
		AgentID: "worker", Task: "t", Cleanup: CleanupDelete,
	})
	if !waitFor(t, 3*time.Second, func() bool {
		return len(mailbox.Drain(testParentKey)) > 0
	}) {
		t.Fatal("session never announced")
	}
	if _, ok := sr.Get(s.RunID); ok {
		t.Error("cleanup=delete must remove the session record")
	}
}

func TestSpawnHonorsToolOverride(t *testing.T) {
	worker := newScriptedProvider("worker-llm",
		toolStep(ToolCall{ID: "c1", Name: "deploy", Arguments: map[string]any{}}),
		textStep("change shipped"))
	providers := map[string]Provider{
		"parent-llm": newScriptedProvider("parent-llm", textStep("ok")),
		"worker-llm": worker,
	}
	tools := NewToolRegistry()
	if err := tools.Register(MakeToolDefinition("deploy", "applies a change",
		map[string]any{"type": "object", "properties": map[string]any{}},
		PermissionWrite,
		func(ctx context.Context, args map[string]any) (string, error) {
			return "deploy applied", nil
		},
	)); err != nil {
		t.Fatalf("register: %v", err)
	}
	agents := BuildRegistry([]AgentConfig{
		{ID: "parent", Provider: "parent-llm", Default: true},
		{ID: "worker", Provider: "worker-llm"},
	}, nil, CommsConfig{}, providers, RegistryOptions{
		ToolsEnabled: true,
		Tools:        tools,
		AutoApprove:  func(string) bool { return true },
		Logger:       testLogger(),
	})
	sr := NewSessionRegistry(SubagentConfig{}, agents, NewMailbox(), nil, nil, testLogger())

	s, ok := sr.Spawn(context.Background(), testParentKey, "parent", 0, SpawnRequest{
		AgentID: "worker", Task: "ship it",
	})
	if !ok {
		t.Fatal("spawn rejected")
	}
	if !waitFor(t, 3*time.Second, func() bool {
		info, _ := sr.Get(s.RunID)
		return info.Status != StatusRunning
	}) {
		t.Fatal("session never finished")
	}

	info, _ := sr.Get(s.RunID)
	if info.Status != StatusDone {
		t.Fatalf("status = %s, want done (result %q)", info.Status, info.Result)
	}
	if info.Result != "change shipped" {
		t.Errorf("result = %q", info.Result)
	}
	var toolMsg string
	for _, m := range info.Messages {
		if m.Role == "tool" {
			toolMsg = m.Content
		}
	}
	if toolMsg != "deploy applied" {
		t.Errorf("tool result = %q, want the gated tool to have run", toolMsg)
	}
}

func TestGetByLabel(t *testing.T) {
	sr, _ := sessionSetup(t, SubagentConfig{})

	s, _ := sr.Create(testParentKey, "parent", 0, SpawnRequest{
		AgentID: "worker", Task: "t", Label: "archive-dig",
	})
	info, ok := sr.GetByLabel("archive-dig")
	if !ok || info.RunID != s.RunID {
		t.Errorf("GetByLabel = %+v, %v", info, ok)
	}
	if _, ok := sr.GetByLabel("missing"); ok {
		t.Error("unknown label must not resolve")
	}
}
