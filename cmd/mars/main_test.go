package main

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/mtzanidakis/mars/internal/config"
	"github.com/mtzanidakis/mars/internal/mars"
	"github.com/mtzanidakis/mars/internal/store"
)

func TestReadQuery(t *testing.T) {
	got, err := readQuery([]string{"What", "is", "17*23?"}, strings.NewReader(""))
	if err != nil {
		t.Fatalf("read query: %v", err)
	}
	if got != "What is 17*23?" {
		t.Errorf("expected joined args, got %q", got)
	}

	got, err = readQuery([]string{"-"}, strings.NewReader("  from stdin\n"))
	if err != nil {
		t.Fatalf("read query: %v", err)
	}
	if got != "from stdin" {
		t.Errorf("expected stdin query, got %q", got)
	}

	if _, err := readQuery(nil, strings.NewReader("   ")); err == nil {
		t.Error("expected error for empty query")
	}
}

func TestApplyRunFlags(t *testing.T) {

	if err := runCmd.Flags().Parse([]string{"--agents", "5", "--aggregate", "--budget", "1000"}); err != nil {
		t.Fatalf("parse flags: %v", err)
	}
	cfg := config.DefaultMars()
	cfg.MaxIterations = 4
	applyRunFlags(runCmd, &cfg)

	if cfg.AgentCount != 5 {
		t.Errorf("expected 5 agents, got %d", cfg.AgentCount)
	}
	if !cfg.EnableAggregation {
		t.Error("expected aggregation enabled")
	}
	if cfg.TokenBudget != 1000 {
		t.Errorf("expected budget 1000, got %d", cfg.TokenBudget)
	}
	if cfg.MaxIterations != 4 {
		t.Errorf("unset flags must not override config, got %d iterations", cfg.MaxIterations)
	}
}

func TestTruncate(t *testing.T) {
	if got := truncate("short", 10); got != "short" {
		t.Errorf("expected unchanged, got %q", got)
	}
	if got := truncate("abcdefghij", 5); got != "abcd…" {
		t.Errorf("expected truncated, got %q", got)
	}
}

func testRunOutput() *mars.Output {
	start := time.Date(2026, 5, 1, 10, 0, 0, 0, time.UTC)
	sol := mars.NewSolution("agent-1", "340 + 51", "391", 0.3, 10)
	sol.Verified = true
	return &mars.Output{
		RunID:       "run-1",
		Query:       "What is 17*23?",
		Answer:      "391",
		Method:      mars.MethodBestVerified,
		TieBroken:   true,
		Solutions:   []mars.Solution{sol, mars.NewSolution("agent-2", "r", "401", 0.6, 10)},
		Iterations:  1,
		TotalTokens: 250,
		Status:      mars.StatusBudgetExceeded,
		StartedAt:   start,
		CompletedAt: start.Add(1500 * time.Millisecond),
	}
}

func TestPrintOutput(t *testing.T) {
	var buf bytes.Buffer
	printOutput(&buf, testRunOutput())
	out := buf.String()

	for _, want := range []string{
		"391\n\n",
		"method:     best_verified (tie broken)",
		"status:     budget_exceeded",
		"solutions:  2 (1 verified)",
		"tokens:     250",
		"duration:   1.5s",
	} {
		if !strings.Contains(out, want) {
			t.Errorf("expected %q in output:\n%s", want, out)
		}
	}
}

func TestShowAndListRuns(t *testing.T) {
	dir := t.TempDir()
	dbPath := filepath.Join(dir, "mars.db")
	cfgFile := filepath.Join(dir, "mars.yaml")
	if err := os.WriteFile(cfgFile, []byte("store:\n  path: "+dbPath+"\n"), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	configPath = cfgFile
	t.Cleanup(func() { configPath = "" })

	db, err := store.New(config.StoreConfig{Path: dbPath})
	if err != nil {
		t.Fatalf("create store: %v", err)
	}
	if err := db.SaveRun(testRunOutput()); err != nil {
		t.Fatalf("save run: %v", err)
	}
	db.Close()

	var buf bytes.Buffer
	showCmd.SetOut(&buf)
	if err := showRun(showCmd, []string{"run-1"}); err != nil {
		t.Fatalf("show run: %v", err)
	}
	if !strings.Contains(buf.String(), "query: What is 17*23?") || !strings.Contains(buf.String(), "status:     budget_exceeded") {
		t.Errorf("unexpected show output:\n%s", buf.String())
	}

	if err := showRun(showCmd, []string{"missing"}); err == nil {
		t.Error("expected error for missing run")
	}

	buf.Reset()
	runsCmd.SetOut(&buf)
	if err := listRuns(runsCmd, nil); err != nil {
		t.Fatalf("list runs: %v", err)
	}
	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != 2 {
		t.Fatalf("expected header and one run, got %d lines:\n%s", len(lines), buf.String())
	}
	if !strings.HasPrefix(lines[1], "run-1") {
		t.Errorf("unexpected run line %q", lines[1])
	}
}
