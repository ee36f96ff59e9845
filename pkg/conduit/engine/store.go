package engine

import (
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// Store is the SQLite persistence layer: finished subagent runs, per-call
// token usage, and a small kv table for runtime toggles. All methods are
// safe for concurrent use (database/sql serializes access).
type Store struct {
	db     *sql.DB
	logger *slog.Logger
}

// RunRecord is the persisted shape of one subagent run.
type RunRecord struct {
	RunID         string
	AgentID       string
	ParentKey     string
	ParentAgentID string
	Task          string
	Label         string
	Status        string
	Result        string
	Depth         int
	Cleanup       string
	CreatedAt     time.Time
	StartedAt     time.Time
	EndedAt       time.Time
}

// runRecordLocked snapshots a session for persistence. Caller holds the
// session registry lock.
func runRecordLocked(s *SubagentSession) RunRecord {
	return RunRecord{
		RunID:         s.RunID,
		AgentID:       s.ChildAgentID,
		ParentKey:     s.ParentSessionKey,
		ParentAgentID: s.ParentAgentID,
		Task:          s.Task,
		Label:         s.Label,
		Status:        string(s.Status),
		Result:        s.Result,
		Depth:         s.Depth,
		Cleanup:       s.Cleanup,
		CreatedAt:     s.CreatedAt,
		StartedAt:     s.StartedAt,
		EndedAt:       s.EndedAt,
	}
}

// OpenStore opens (and migrates) the SQLite database at path.
func OpenStore(path string, logger *slog.Logger) (*Store, error) {
	if logger == nil {
		logger = slog.Default()
	}
	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	s := &Store{db: db, logger: logger.With("component", "store")}
	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// Close closes the underlying database.
func (s *Store) Close() error { return s.db.Close() }

func (s *Store) initSchema() error {
	schema := []string{
		`CREATE TABLE IF NOT EXISTS subagent_runs (
			run_id TEXT PRIMARY KEY,
			agent_id TEXT NOT NULL,
			parent_key TEXT NOT NULL,
			parent_agent_id TEXT,
			task TEXT,
			label TEXT,
			status TEXT NOT NULL,
			result TEXT,
			depth INTEGER NOT NULL DEFAULT 1,
			cleanup TEXT NOT NULL DEFAULT 'keep',
			created_at TEXT,
			started_at TEXT,
			ended_at TEXT
		)`,
		`CREATE INDEX IF NOT EXISTS idx_subagent_runs_parent ON subagent_runs(parent_key)`,
		`CREATE TABLE IF NOT EXISTS usage_log (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			provider TEXT NOT NULL,
			model TEXT,
			agent TEXT,
			input_tokens INTEGER NOT NULL DEFAULT 0,
			output_tokens INTEGER NOT NULL DEFAULT 0,
			at TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS kv (
			key TEXT PRIMARY KEY,
			value TEXT
		)`,
	}
	for _, stmt := range schema {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("initializing schema: %w", err)
		}
	}
	return nil
}

func fmtTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.Format(time.RFC3339)
}

// SaveRun inserts or updates one run record.
func (s *Store) SaveRun(r RunRecord) error {
	_, err := s.db.Exec(`
		INSERT OR REPLACE INTO subagent_runs
			(run_id, agent_id, parent_key, parent_agent_id, task, label, status, result, depth, cleanup, created_at, started_at, ended_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.RunID, r.AgentID, r.ParentKey, r.ParentAgentID, r.Task, r.Label,
		r.Status, r.Result, r.Depth, r.Cleanup,
		fmtTime(r.CreatedAt), fmtTime(r.StartedAt), fmtTime(r.EndedAt),
	)
	if err != nil {
		return fmt.Errorf("saving run %s: %w", r.RunID, err)
	}
	return nil
}

// LoadRecentRuns returns the most recent persisted runs, newest first.
func (s *Store) LoadRecentRuns(limit int) ([]RunRecord, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.Query(`
		SELECT run_id, agent_id, parent_key, parent_agent_id, task, label, status, result, depth, cleanup, created_at, started_at, ended_at
		FROM subagent_runs
		ORDER BY created_at DESC
		LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("loading runs: %w", err)
	}
	defer rows.Close()

	var out []RunRecord
	for rows.Next() {
		var r RunRecord
		var created, started, ended string
		if err := rows.Scan(&r.RunID, &r.AgentID, &r.ParentKey, &r.ParentAgentID,
			&r.Task, &r.Label, &r.Status, &r.Result, &r.Depth, &r.Cleanup,
			&created, &started, &ended); err != nil {
			return nil, fmt.Errorf("scanning run: %w", err)
		}
		r.CreatedAt, _ = time.Parse(time.RFC3339, created)
		r.StartedAt, _ = time.Parse(time.RFC3339, started)
		r.EndedAt, _ = time.Parse(time.RFC3339, ended)
		out = append(out, r)
	}
	return out, rows.Err()
}

// CleanupStaleRunning marks runs left "running" by a previous process as
// errored. A run that was in flight when the process died cannot be
// recovered, so the record gets an honest terminal status.
func (s *Store) CleanupStaleRunning() int {
	result, err := s.db.Exec(`
		UPDATE subagent_runs
		SET status = 'error', result = 'interrupted by process restart', ended_at = ?
		WHERE status = 'running'`, time.Now().Format(time.RFC3339))
	if err != nil {
		s.logger.Warn("failed to clean up stale running runs", "error", err)
		return 0
	}
	affected, _ := result.RowsAffected()
	if affected > 0 {
		s.logger.Info("cleaned up stale runs", "count", affected)
	}
	return int(affected)
}

// PruneOldRuns removes terminal runs older than the given number of days.
func (s *Store) PruneOldRuns(days int) int {
	cutoff := time.Now().AddDate(0, 0, -days).Format(time.RFC3339)
	result, err := s.db.Exec(
		`DELETE FROM subagent_runs WHERE created_at < ? AND status != 'running'`, cutoff)
	if err != nil {
		s.logger.Warn("failed to prune old runs", "error", err)
		return 0
	}
	affected, _ := result.RowsAffected()
	if affected > 0 {
		s.logger.Info("pruned old runs", "deleted", affected, "cutoff_days", days)
	}
	return int(affected)
}

// RecordUsage implements UsageRecorder against the usage_log table.
func (s *Store) RecordUsage(provider, model, agent string, usage Usage) {
	_, err := s.db.Exec(`
		INSERT INTO usage_log (provider, model, agent, input_tokens, output_tokens, at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		provider, model, agent, usage.InputTokens, usage.OutputTokens,
		time.Now().Format(time.RFC3339))
	if err != nil {
		s.logger.Warn("failed to record usage", "provider", provider, "error", err)
	}
}

// KVSet stores a runtime toggle.
func (s *Store) KVSet(key, value string) error {
	_, err := s.db.Exec(`INSERT OR REPLACE INTO kv (key, value) VALUES (?, ?)`, key, value)
	return err
}

// KVGet reads a runtime toggle, "" when unset.
func (s *Store) KVGet(key string) string {
	var value string
	err := s.db.QueryRow(`SELECT value FROM kv WHERE key = ?`, key).Scan(&value)
	if err != nil {
		return ""
	}
	return value
}

// AutoApproveAll reports the global tool auto-approve override.
func (s *Store) AutoApproveAll() bool {
	v := s.KVGet("auto_approve_tools")
	return v == "1" || v == "true"
}
