package engine

import (
	"path/filepath"
	"testing"
	"time"
)

func testStore(t *testing.T) *Store {
	t.Helper()
	s, err := OpenStore(filepath.Join(t.TempDir(), "conduit.db"), testLogger())
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func sampleRun(id, status string, created time.Time) RunRecord {
	return RunRecord{
		RunID:     id,
		AgentID:   "worker",
		ParentKey: "cli:local",
		Task:      "sample task",
		Label:     "worker:" + id[:3],
		Status:    status,
		Result:    "sample result",
		Depth:     1,
		Cleanup:   CleanupKeep,
		CreatedAt: created,
		StartedAt: created,
		EndedAt:   created.Add(2 * time.Second),
	}
}

func TestSaveAndLoadRuns(t *testing.T) {
	s := testStore(t)
	now := time.Now().Truncate(time.Second)

	older := sampleRun("aaa111", "done", now.Add(-time.Hour))
	newer := sampleRun("bbb222", "error", now)
	for _, r := range []RunRecord{older, newer} {
		if err := s.SaveRun(r); err != nil {
			t.Fatal(err)
		}
	}

	runs, err := s.LoadRecentRuns(10)
	if err != nil {
		t.Fatal(err)
	}
	if len(runs) != 2 {
		t.Fatalf("runs = %d, want 2", len(runs))
	}
	if runs[0].RunID != "bbb222" || runs[1].RunID != "aaa111" {
		t.Errorf("order = %s, %s, want newest first", runs[0].RunID, runs[1].RunID)
	}
	got := runs[1]
	if got.Task != "sample task" || got.Status != "done" || got.Depth != 1 {
		t.Errorf("record = %+v", got)
	}
	if !got.CreatedAt.Equal(older.CreatedAt) {
		t.Errorf("created_at = %v, want %v", got.CreatedAt, older.CreatedAt)
	}
}

func TestSaveRunUpsert(t *testing.T) {
	s := testStore(t)
	now := time.Now().Truncate(time.Second)

	r := sampleRun("ccc333", "running", now)
	if err := s.SaveRun(r); err != nil {
		t.Fatal(err)
	}
	r.Status = "done"
	r.Result = "finished"
	if err := s.SaveRun(r); err != nil {
		t.Fatal(err)
	}

	runs, _ := s.LoadRecentRuns(10)
	if len(runs) != 1 {
		t.Fatalf("runs = %d, want 1 after upsert", len(runs))
	}
	if runs[0].Status != "done" || runs[0].Result != "finished" {
		t.Errorf("record = %+v", runs[0])
	}
}

func TestCleanupStaleRunning(t *testing.T) {
	s := testStore(t)
	now := time.Now().Truncate(time.Second)

	s.SaveRun(sampleRun("run111", "running", now))
	s.SaveRun(sampleRun("fin222", "done", now))

	if got := s.CleanupStaleRunning(); got != 1 {
		t.Errorf("cleaned = %d, want 1", got)
	}

	runs, _ := s.LoadRecentRuns(10)
	for _, r := range runs {
		switch r.RunID {
		case "run111":
			if r.Status != "error" || r.Result != "interrupted by process restart" {
				t.Errorf("stale run = %s/%q", r.Status, r.Result)
			}
		case "fin222":
			if r.Status != "done" {
				t.Errorf("finished run rewritten to %s", r.Status)
			}
		}
	}

	if got := s.CleanupStaleRunning(); got != 0 {
		t.Errorf("second pass cleaned = %d, want 0", got)
	}
}

func TestPruneOldRuns(t *testing.T) {
	s := testStore(t)
	now := time.Now().Truncate(time.Second)

	s.SaveRun(sampleRun("old1111", "done", now.AddDate(0, 0, -30)))
	s.SaveRun(sampleRun("old2222", "running", now.AddDate(0, 0, -30)))
	s.SaveRun(sampleRun("new3333", "done", now))

	if got := s.PruneOldRuns(14); got != 1 {
		t.Errorf("pruned = %d, want 1 (running rows are kept)", got)
	}

	runs, _ := s.LoadRecentRuns(10)
	ids := make(map[string]bool)
	for _, r := range runs {
		ids[r.RunID] = true
	}
	if ids["old1111"] || !ids["old2222"] || !ids["new3333"] {
		t.Errorf("remaining = %v", ids)
	}
}

func TestRecordUsage(t *testing.T) {
	s := testStore(t)
	s.RecordUsage("main", "big-model", "helper", Usage{InputTokens: 120, OutputTokens: 34})

	var in, out int
	err := s.db.QueryRow(
		`SELECT input_tokens, output_tokens FROM usage_log WHERE provider = ? AND agent = ?`,
		"main", "helper").Scan(&in, &out)
	if err != nil {
		t.Fatal(err)
	}
	if in != 120 || out != 34 {
		t.Errorf("usage = %d/%d", in, out)
	}
}

func TestKVAndAutoApprove(t *testing.T) {
	s := testStore(t)

	if got := s.KVGet("missing"); got != "" {
		t.Errorf("unset key = %q", got)
	}
	if err := s.KVSet("greeting", "hello"); err != nil {
		t.Fatal(err)
	}
	if err := s.KVSet("greeting", "hi"); err != nil {
		t.Fatal(err)
	}
	if got := s.KVGet("greeting"); got != "hi" {
		t.Errorf("value = %q, want last write", got)
	}

	if s.AutoApproveAll() {
		t.Error("auto approve must default off")
	}
	s.KVSet("auto_approve_tools", "true")
	if !s.AutoApproveAll() {
		t.Error("auto approve not honored for 'true'")
	}
	s.KVSet("auto_approve_tools", "0")
	if s.AutoApproveAll() {
		t.Error("'0' must read as off")
	}
}
