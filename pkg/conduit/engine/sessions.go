// Session supervisor: isolated child agent runs spawned by the sessions_*
// tools. Each session runs its own agent loop in a goroutine under a
// wall-clock timeout, with depth and per-parent children limits enforced
// atomically at admission time. Terminal transitions are recorded exactly
// once and announced to the parent's mailbox.
package engine

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// SessionStatus is the lifecycle state of a subagent session.
type SessionStatus string

const (
	StatusRunning SessionStatus = "running"
	StatusDone    SessionStatus = "done"
	StatusError   SessionStatus = "error"
	StatusTimeout SessionStatus = "timeout"
)

// Terminal reports whether s is a final status.
func (s SessionStatus) Terminal() bool {
	return s == StatusDone || s == StatusError || s == StatusTimeout
}

// Cleanup policies for finished sessions.
const (
	CleanupKeep   = "keep"
	CleanupDelete = "delete"
)

// Session defaults.
const (
	DefaultMaxSpawnDepth  = 2
	DefaultMaxChildren    = 5
	DefaultSessionTimeout = 300 // seconds
)

// SubagentConfig controls the session supervisor.
type SubagentConfig struct {
	Enabled bool `yaml:"enabled"`
	// MaxSpawnDepth is the deepest level allowed to spawn (root is 0).
	MaxSpawnDepth int `yaml:"max_spawn_depth,omitempty"`
	// MaxChildren caps concurrently running children per parent.
	MaxChildren int `yaml:"max_children,omitempty"`
	// DefaultTimeoutSeconds bounds a session's whole run.
	DefaultTimeoutSeconds int `yaml:"default_timeout_seconds,omitempty"`
	// PruneAfterDays removes terminal runs from the store; 0 disables.
	PruneAfterDays int `yaml:"prune_after_days,omitempty"`
	// PruneSchedule is the cron expression for the prune job.
	PruneSchedule string `yaml:"prune_schedule,omitempty"`
}

func (c *SubagentConfig) applyDefaults() {
	if c.MaxSpawnDepth <= 0 {
		c.MaxSpawnDepth = DefaultMaxSpawnDepth
	}
	if c.MaxChildren <= 0 {
		c.MaxChildren = DefaultMaxChildren
	}
	if c.DefaultTimeoutSeconds <= 0 {
		c.DefaultTimeoutSeconds = DefaultSessionTimeout
	}
}

// SubagentSession is one isolated child run. Fields are guarded by the
// owning SessionRegistry's mutex; the identifying fields (RunID, agent ids,
// Task, Depth, timeout) are immutable after creation.
type SubagentSession struct {
	RunID            string
	ChildAgentID     string
	ParentSessionKey string
	ParentAgentID    string
	Task             string
	Label            string
	ModelOverride    string
	Messages         []Message
	Status           SessionStatus
	Result           string
	Depth            int
	Children         []string
	Cleanup          string
	CreatedAt        time.Time
	StartedAt        time.Time
	EndedAt          time.Time
	TimeoutSeconds   int

	cancel context.CancelFunc
}

// Key is the session-key under which this run acts as a parent of its own
// spawns.
func (s *SubagentSession) Key() string { return "run:" + s.RunID }

// Elapsed is the wall-clock runtime so far, or total for finished runs.
func (s *SubagentSession) Elapsed() time.Duration {
	start := s.StartedAt
	if start.IsZero() {
		start = s.CreatedAt
	}
	if !s.EndedAt.IsZero() {
		return s.EndedAt.Sub(start)
	}
	return time.Since(start)
}

// SessionInfo is a read-only snapshot of one session.
type SessionInfo struct {
	RunID        string
	ChildAgentID string
	ParentKey    string
	Label        string
	Status       SessionStatus
	Result       string
	Depth        int
	Children     []string
	Elapsed      time.Duration
	Messages     []Message
}

// SpawnRequest is the admission request for one child session.
type SpawnRequest struct {
	AgentID        string
	Task           string
	Label          string
	TimeoutSeconds int
	Cleanup        string
}

// SessionRegistry owns the session table. All mutation goes through its
// methods; admission checks and table insertion happen under one lock so
// concurrent spawns cannot both pass a stale limit check.
type SessionRegistry struct {
	mu       sync.Mutex
	sessions map[string]*SubagentSession
	order    []string

	cfg     SubagentConfig
	agents  *Registry
	mailbox *Mailbox
	store   *Store
	usage   UsageRecorder
	logger  *slog.Logger
}

// NewSessionRegistry builds the supervisor. agents resolves spawn targets;
// mailbox receives completion announcements; store (optional) persists runs;
// usage (optional) records child token consumption.
func NewSessionRegistry(cfg SubagentConfig, agents *Registry, mailbox *Mailbox, store *Store, usage UsageRecorder, logger *slog.Logger) *SessionRegistry {
	cfg.applyDefaults()
	if logger == nil {
		logger = slog.Default()
	}
	return &SessionRegistry{
		sessions: make(map[string]*SubagentSession),
		cfg:      cfg,
		agents:   agents,
		mailbox:  mailbox,
		store:    store,
		usage:    usage,
		logger:   logger.With("component", "sessions"),
	}
}

// Config returns the effective supervisor configuration.
func (sr *SessionRegistry) Config() SubagentConfig { return sr.cfg }

// MaxSpawnDepth returns the configured depth limit.
func (sr *SessionRegistry) MaxSpawnDepth() int { return sr.cfg.MaxSpawnDepth }

// Create admits one child session without starting it. The depth and
// per-parent children checks plus the table insert are a single exclusive
// operation. Returns false (and no session) on rejection.
func (sr *SessionRegistry) Create(parentKey, parentAgentID string, parentDepth int, req SpawnRequest) (*SubagentSession, bool) {
	depth := parentDepth + 1

	sr.mu.Lock()
	defer sr.mu.Unlock()

	if depth > sr.cfg.MaxSpawnDepth {
		sr.logger.Warn("spawn rejected: depth limit",
			"parent", parentKey, "depth", depth, "max", sr.cfg.MaxSpawnDepth)
		return nil, false
	}
	if sr.activeChildrenLocked(parentKey) >= sr.cfg.MaxChildren {
		sr.logger.Warn("spawn rejected: children limit",
			"parent", parentKey, "max", sr.cfg.MaxChildren)
		return nil, false
	}

	runID := strings.ReplaceAll(uuid.New().String(), "-", "")[:12]
	label := req.Label
	if label == "" {
		label = fmt.Sprintf("%s:%s", req.AgentID, runID[:6])
	}
	timeout := req.TimeoutSeconds
	if timeout <= 0 {
		timeout = sr.cfg.DefaultTimeoutSeconds
	}
	cleanup := req.Cleanup
	if cleanup != CleanupDelete {
		cleanup = CleanupKeep
	}

	s := &SubagentSession{
		RunID:            runID,
		ChildAgentID:     req.AgentID,
		ParentSessionKey: parentKey,
		ParentAgentID:    parentAgentID,
		Task:             req.Task,
		Label:            label,
		Messages:         []Message{{Role: "user", Content: req.Task}},
		Status:           StatusRunning,
		Depth:            depth,
		Cleanup:          cleanup,
		CreatedAt:        time.Now(),
		TimeoutSeconds:   timeout,
	}
	sr.sessions[runID] = s
	sr.order = append(sr.order, runID)

	// Record lineage on the parent run, if the parent is itself a session.
	if parentRunID, ok := strings.CutPrefix(parentKey, "run:"); ok {
		if parent, exists := sr.sessions[parentRunID]; exists {
			parent.Children = append(parent.Children, runID)
		}
	}

	sr.logger.Info("session created",
		"run_id", runID, "agent", req.AgentID, "parent", parentKey, "depth", depth)
	return s, true
}

// Spawn admits and immediately starts a child session in the background.
// This never blocks on the child's completion.
func (sr *SessionRegistry) Spawn(ctx context.Context, parentKey, parentAgentID string, parentDepth int, req SpawnRequest) (*SubagentSession, bool) {
	if _, ok := sr.agents.Lookup(req.AgentID); !ok {
		sr.logger.Warn("spawn rejected: unknown agent", "agent", req.AgentID)
		return nil, false
	}
	s, ok := sr.Create(parentKey, parentAgentID, parentDepth, req)
	if !ok {
		return nil, false
	}
	sr.start(ctx, s)
	return s, true
}

// start launches the session's background run with its cancel handle
// installed.
func (sr *SessionRegistry) start(ctx context.Context, s *SubagentSession) {
	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))

	sr.mu.Lock()
	s.cancel = cancel
	sr.mu.Unlock()

	go sr.runSession(runCtx, s)
}

// Get returns the session with the given run id.
func (sr *SessionRegistry) Get(runID string) (SessionInfo, bool) {
	sr.mu.Lock()
	defer sr.mu.Unlock()
	s, ok := sr.sessions[runID]
	if !ok {
		return SessionInfo{}, false
	}
	return sr.snapshotLocked(s), true
}

// GetByLabel returns the most recently created session with the given
// label.
func (sr *SessionRegistry) GetByLabel(label string) (SessionInfo, bool) {
	sr.mu.Lock()
	defer sr.mu.Unlock()
	for i := len(sr.order) - 1; i >= 0; i-- {
		if s, ok := sr.sessions[sr.order[i]]; ok && s.Label == label {
			return sr.snapshotLocked(s), true
		}
	}
	return SessionInfo{}, false
}

// resolve finds a session by run id or, failing that, by label.
func (sr *SessionRegistry) resolve(runIDOrLabel string) (SessionInfo, bool) {
	if info, ok := sr.Get(runIDOrLabel); ok {
		return info, true
	}
	return sr.GetByLabel(runIDOrLabel)
}

// List snapshots all sessions in creation order, optionally filtered by
// status.
func (sr *SessionRegistry) List(statusFilter SessionStatus) []SessionInfo {
	sr.mu.Lock()
	defer sr.mu.Unlock()
	var out []SessionInfo
	for _, runID := range sr.order {
		s, ok := sr.sessions[runID]
		if !ok {
			continue
		}
		if statusFilter != "" && s.Status != statusFilter {
			continue
		}
		out = append(out, sr.snapshotLocked(s))
	}
	return out
}

// ActiveChildren counts running sessions whose parent is parentKey.
func (sr *SessionRegistry) ActiveChildren(parentKey string) int {
	sr.mu.Lock()
	defer sr.mu.Unlock()
	return sr.activeChildrenLocked(parentKey)
}

func (sr *SessionRegistry) activeChildrenLocked(parentKey string) int {
	n := 0
	for _, s := range sr.sessions {
		if s.ParentSessionKey == parentKey && s.Status == StatusRunning {
			n++
		}
	}
	return n
}

func (sr *SessionRegistry) snapshotLocked(s *SubagentSession) SessionInfo {
	return SessionInfo{
		RunID:        s.RunID,
		ChildAgentID: s.ChildAgentID,
		ParentKey:    s.ParentSessionKey,
		Label:        s.Label,
		Status:       s.Status,
		Result:       s.Result,
		Depth:        s.Depth,
		Children:     append([]string(nil), s.Children...),
		Elapsed:      s.Elapsed(),
		Messages:     append([]Message(nil), s.Messages...),
	}
}

// Complete records one terminal transition. A session that is already
// terminal is left untouched, so exactly one announcement is queued per run.
func (sr *SessionRegistry) Complete(runID string, status SessionStatus, result string) {
	sr.mu.Lock()
	defer sr.mu.Unlock()
	if s, ok := sr.sessions[runID]; ok {
		sr.completeLocked(s, status, result)
	}
}

func (sr *SessionRegistry) completeLocked(s *SubagentSession, status SessionStatus, result string) {
	if s.Status.Terminal() {
		return
	}
	s.Status = status
	s.Result = result
	s.EndedAt = time.Now()
	if s.cancel != nil {
		s.cancel()
		s.cancel = nil
	}

	sr.logger.Info("session finished",
		"run_id", s.RunID, "status", status, "elapsed", s.Elapsed().Round(time.Millisecond))

	if sr.mailbox != nil {
		sr.mailbox.Queue(s.ParentSessionKey, Announcement{
			RunID:         s.RunID,
			Label:         s.Label,
			Status:        status,
			ResultSummary: truncate(result, announcementExcerptMax),
			Elapsed:       s.Elapsed(),
		})
	}
	if sr.store != nil {
		if err := sr.store.SaveRun(runRecordLocked(s)); err != nil {
			sr.logger.Warn("persisting run failed", "run_id", s.RunID, "error", err)
		}
	}
	if s.Cleanup == CleanupDelete {
		delete(sr.sessions, s.RunID)
	}
}

// Kill cancels a running session and every descendant whose lineage passes
// through it, marking each as error with result "Cancelled by parent". On an
// already-terminal session it is a no-op and reports the existing status.
func (sr *SessionRegistry) Kill(runID string) (SessionInfo, bool) {
	sr.mu.Lock()
	defer sr.mu.Unlock()

	s, ok := sr.sessions[runID]
	if !ok {
		return SessionInfo{}, false
	}
	if s.Status.Terminal() {
		return sr.snapshotLocked(s), true
	}

	// Depth-first over the lineage so children are cancelled with their
	// parents.
	queue := []string{runID}
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		cur, exists := sr.sessions[id]
		if !exists {
			continue
		}
		queue = append(queue, cur.Children...)
		if cur.Status == StatusRunning {
			sr.completeLocked(cur, StatusError, "Cancelled by parent")
		}
	}
	return sr.snapshotLocked(s), true
}

// Remove drops a session record entirely. Running sessions are killed
// first.
func (sr *SessionRegistry) Remove(runID string) bool {
	sr.mu.Lock()
	s, ok := sr.sessions[runID]
	if ok && s.Status == StatusRunning {
		sr.mu.Unlock()
		sr.Kill(runID)
		sr.mu.Lock()
		s, ok = sr.sessions[runID]
	}
	if ok {
		delete(sr.sessions, runID)
	}
	sr.mu.Unlock()
	return ok
}

// subagentPreamble is appended to the child agent's system prompt.
func subagentPreamble(depth int, task string) string {
	return fmt.Sprintf(
		"# Subagent Context\nYou are a subagent at depth %d working on a delegated task. "+
			"Complete the task and reply with your findings; your reply is reported back to the agent that spawned you.\n\nTask: %s",
		depth, task)
}

// runSession executes one session to its terminal state under the session's
// wall-clock budget.
func (sr *SessionRegistry) runSession(ctx context.Context, s *SubagentSession) {
	sr.mu.Lock()
	s.StartedAt = time.Now()
	runID := s.RunID
	agentID := s.ChildAgentID
	task := s.Task
	depth := s.Depth
	timeout := time.Duration(s.TimeoutSeconds) * time.Second
	sr.mu.Unlock()

	agent, ok := sr.agents.Lookup(agentID)
	if !ok {
		sr.Complete(runID, StatusError, fmt.Sprintf("unknown agent '%s'", agentID))
		return
	}

	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	system := agent.SystemPrompt("")
	if system != "" {
		system += "\n\n"
	}
	system += subagentPreamble(depth, task)

	text, usage, transcript, err := sr.dispatchChild(runCtx, agent, s, task, depth, system)

	sr.mu.Lock()
	if len(transcript) > 0 {
		s.Messages = transcript
	}
	sr.mu.Unlock()

	if sr.usage != nil {
		sr.usage.RecordUsage(agent.Provider.ID(), agent.Provider.Model(), agent.ID, usage)
	}

	switch {
	case err == nil:
		if strings.TrimSpace(text) == "" {
			text = "(no response)"
		}
		sr.Complete(runID, StatusDone, text)
	case runCtx.Err() == context.DeadlineExceeded:
		sr.Complete(runID, StatusTimeout, fmt.Sprintf("Timed out after %ds", s.TimeoutSeconds))
	default:
		sr.Complete(runID, StatusError, err.Error())
	}
}

// dispatchChild runs the child agent by capability: self-managed Run, full
// tool loop, or plain generate.
func (sr *SessionRegistry) dispatchChild(ctx context.Context, agent *Agent, s *SubagentSession, task string, depth int, system string) (string, Usage, []Message, error) {
	if agent.Provider.ManagesOwnTools() {
		text, usage, _, err := agent.Provider.Run(ctx, system+"\n\n"+task, "")
		return text, usage, nil, err
	}

	messages := []Message{{Role: "user", Content: task}}

	var tools []ToolDefinition
	if agent.Provider.SupportsTools() {
		var global []ToolDefinition
		if sr.agents.toolReg != nil && sr.agents.toolsEnable {
			global = sr.agents.toolReg.Definitions()
		}
		// Grandchildren stay possible below the depth limit: the child gets
		// session tools scoped to its own depth.
		childSessionTools := sr.SessionTools(agent.ID, s.Key(), depth)
		tools = agent.EffectiveTools(global, sr.agents.CommsTools(agent.ID), childSessionTools)
	}

	if len(tools) > 0 {
		sink := &SilentSink{AutoApproveReads: sr.agents.autoApproveReads}
		text, usage, transcript, err := RunLoopTranscript(ctx, messages, system, agent.Provider, tools, sink, LoopOptions{
			TurnBudget:  agent.TurnBudget(0),
			AutoApprove: sr.agents.autoApprove,
			Logger:      sr.logger,
		})
		if resp := sink.Response(); strings.TrimSpace(text) == "" && resp != "" {
			text = resp
		}
		return text, usage, transcript, err
	}

	text, usage, err := Generate(ctx, agent.Provider, messages, system)
	return text, usage, nil, err
}
