package store

import (
	"context"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/mtzanidakis/mars/internal/config"
	"github.com/mtzanidakis/mars/internal/mars"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	dir := t.TempDir()
	s, err := New(config.StoreConfig{Path: filepath.Join(dir, "test.db")})
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func testOutput(id string, started time.Time) *mars.Output {
	sol := mars.NewSolution("agent-1", strings.Repeat("17*23 = 340 + 51 = 391. ", 50), "391", 0.3, 120)
	sol.Verified = true
	sol.Score = 1
	sol.Phase = mars.PhaseVerified
	return &mars.Output{
		RunID:           id,
		Query:           "What is 17*23?",
		Answer:          "391",
		Reasoning:       sol.Reasoning,
		FinalSolutionID: sol.ID,
		Method:          mars.MethodMajorityVote,
		Solutions:       []mars.Solution{sol},
		Iterations:      2,
		TotalTokens:     1500,
		Status:          mars.StatusCompleted,
		StartedAt:       started,
		CompletedAt:     started.Add(3 * time.Second),
	}
}

func TestRunLifecycle(t *testing.T) {
	s := newTestStore(t)
	started := time.Date(2026, 5, 1, 10, 0, 0, 0, time.UTC)

	if err := s.CreateRun("run-1", "What is 17*23?", started); err != nil {
		t.Fatalf("create run: %v", err)
	}
	got, err := s.GetRun("run-1")
	if err != nil {
		t.Fatalf("get run: %v", err)
	}
	if got == nil {
		t.Fatal("expected run, got nil")
	}
	if got.Status != StatusRunning {
		t.Errorf("expected status %q, got %q", StatusRunning, got.Status)
	}
	if got.Output != nil {
		t.Error("expected no output for running run")
	}

	out := testOutput("run-1", started)
	if err := s.SaveRun(out); err != nil {
		t.Fatalf("save run: %v", err)
	}

	got, err = s.GetRun("run-1")
	if err != nil {
		t.Fatalf("get run: %v", err)
	}
	if got.Status != string(mars.StatusCompleted) {
		t.Errorf("expected completed, got %q", got.Status)
	}
	if got.Answer != "391" || got.Method != string(mars.MethodMajorityVote) {
		t.Errorf("unexpected summary: answer=%q method=%q", got.Answer, got.Method)
	}
	if got.SolutionCount != 1 || got.TotalTokens != 1500 || got.Iterations != 2 {
		t.Errorf("unexpected counters: %+v", got)
	}
	if got.CompletedAt == nil {
		t.Error("expected completed_at to be set")
	}
	if got.Output == nil {
		t.Fatal("expected decompressed output")
	}
	if len(got.Output.Solutions) != 1 || got.Output.Solutions[0].Reasoning != out.Solutions[0].Reasoning {
		t.Error("solutions did not survive the round trip")
	}
	if !got.Output.Solutions[0].Verified {
		t.Error("expected verified solution")
	}

	// Not found
	got, err = s.GetRun("nonexistent")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != nil {
		t.Error("expected nil for nonexistent run")
	}

	if err := s.DeleteRun("run-1"); err != nil {
		t.Fatalf("delete run: %v", err)
	}
	got, _ = s.GetRun("run-1")
	if got != nil {
		t.Error("expected run to be deleted")
	}
}

func TestSaveRunWithoutCreate(t *testing.T) {
	s := newTestStore(t)
	if err := s.SaveRun(testOutput("cli-run", time.Now())); err != nil {
		t.Fatalf("save run: %v", err)
	}
	got, err := s.GetRun("cli-run")
	if err != nil {
		t.Fatalf("get run: %v", err)
	}
	if got == nil || got.Output == nil {
		t.Fatal("expected stored run with output")
	}
}

func TestOutputIsCompressed(t *testing.T) {
	s := newTestStore(t)
	out := testOutput("run-z", time.Now())
	if err := s.SaveRun(out); err != nil {
		t.Fatalf("save run: %v", err)
	}

	var size int
	if err := s.DB().QueryRow(`SELECT length(output) FROM runs WHERE id = ?`, "run-z").Scan(&size); err != nil {
		t.Fatalf("query output size: %v", err)
	}
	if size == 0 || size >= len(out.Solutions[0].Reasoning) {
		t.Errorf("expected compressed output smaller than %d bytes, got %d", len(out.Solutions[0].Reasoning), size)
	}
}

func TestFailRun(t *testing.T) {
	s := newTestStore(t)
	if err := s.CreateRun("run-f", "q", time.Now()); err != nil {
		t.Fatalf("create run: %v", err)
	}
	if err := s.FailRun("run-f", "no solutions"); err != nil {
		t.Fatalf("fail run: %v", err)
	}
	got, _ := s.GetRun("run-f")
	if got.Status != string(mars.StatusFailed) {
		t.Errorf("expected failed, got %q", got.Status)
	}
	if got.FailureReason != "no solutions" {
		t.Errorf("expected failure reason, got %q", got.FailureReason)
	}
	if got.CompletedAt == nil {
		t.Error("expected completed_at to be set")
	}
}

func TestListAndCountRuns(t *testing.T) {
	s := newTestStore(t)
	base := time.Date(2026, 5, 1, 10, 0, 0, 0, time.UTC)
	for i, id := range []string{"old", "mid", "new"} {
		if err := s.CreateRun(id, "q "+id, base.Add(time.Duration(i)*time.Minute)); err != nil {
			t.Fatalf("create run %s: %v", id, err)
		}
	}
	if err := s.SaveRun(testOutput("mid", base.Add(time.Minute))); err != nil {
		t.Fatalf("save run: %v", err)
	}

	runs, err := s.ListRuns(0)
	if err != nil {
		t.Fatalf("list runs: %v", err)
	}
	if len(runs) != 3 {
		t.Fatalf("expected 3 runs, got %d", len(runs))
	}
	if runs[0].ID != "new" || runs[2].ID != "old" {
		t.Errorf("expected newest first, got %s..%s", runs[0].ID, runs[2].ID)
	}
	for _, r := range runs {
		if r.Output != nil {
			t.Errorf("listing should not carry output for %s", r.ID)
		}
	}

	runs, _ = s.ListRuns(2)
	if len(runs) != 2 {
		t.Errorf("expected 2 runs with limit, got %d", len(runs))
	}

	counts, err := s.CountRuns()
	if err != nil {
		t.Fatalf("count runs: %v", err)
	}
	if counts[StatusRunning] != 2 || counts[string(mars.StatusCompleted)] != 1 {
		t.Errorf("unexpected counts: %v", counts)
	}
}

func TestStrategiesRoundTrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Second)

	strategies := []mars.Strategy{
		{ID: "s1", AgentID: "agent-1", SolutionID: "sol-1", Description: "Split the product",
			Techniques: []string{"Split the product", "Add partial products"}, SuccessRate: 0.6, Uses: 2, CreatedAt: now, UpdatedAt: now},
		{ID: "s2", AgentID: "agent-2", Description: "Estimate first", SuccessRate: 0.9, Uses: 5, CreatedAt: now, UpdatedAt: now},
		{ID: "s3", AgentID: "agent-3", Description: "Guess", SuccessRate: 0.1, Uses: 4, Retired: true, CreatedAt: now, UpdatedAt: now},
	}
	if err := s.SaveStrategies(ctx, strategies); err != nil {
		t.Fatalf("save strategies: %v", err)
	}

	got, err := s.LoadStrategies(ctx, 0)
	if err != nil {
		t.Fatalf("load strategies: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("expected 2 active strategies, got %d", len(got))
	}
	if got[0].ID != "s2" {
		t.Errorf("expected best strategy first, got %s", got[0].ID)
	}
	if len(got[1].Techniques) != 2 || got[1].Techniques[1] != "Add partial products" {
		t.Errorf("unexpected techniques: %v", got[1].Techniques)
	}
	if got[1].SolutionID != "sol-1" {
		t.Errorf("expected solution id, got %q", got[1].SolutionID)
	}

	// Upsert keeps the row and refreshes statistics.
	strategies[0].SuccessRate = 0.95
	strategies[0].Uses = 3
	if err := s.SaveStrategies(ctx, strategies[:1]); err != nil {
		t.Fatalf("update strategies: %v", err)
	}
	got, _ = s.LoadStrategies(ctx, 1)
	if len(got) != 1 || got[0].ID != "s1" || got[0].Uses != 3 {
		t.Errorf("expected updated s1 on top, got %+v", got)
	}

	n, err := s.DeleteRetiredStrategies(ctx)
	if err != nil {
		t.Fatalf("delete retired: %v", err)
	}
	if n != 1 {
		t.Errorf("expected 1 retired strategy removed, got %d", n)
	}
}
