package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/mtzanidakis/mars/internal/mars"
)

// StatusRunning marks a run that has been accepted but not finished. Finished
// runs carry the mars.RunStatus of their output.
const StatusRunning = "running"

type Run struct {
	ID            string       `json:"id"`
	Query         string       `json:"query"`
	Status        string       `json:"status"`
	Answer        string       `json:"answer,omitempty"`
	Method        string       `json:"method,omitempty"`
	TieBroken     bool         `json:"tie_broken,omitempty"`
	Iterations    int          `json:"iterations"`
	TotalTokens   int          `json:"total_tokens"`
	SolutionCount int          `json:"solution_count"`
	FailureReason string       `json:"failure_reason,omitempty"`
	Output        *mars.Output `json:"output,omitempty"`
	StartedAt     time.Time    `json:"started_at"`
	CompletedAt   *time.Time   `json:"completed_at,omitempty"`
}

const runColumns = `id, query, status, answer, method, tie_broken, iterations, total_tokens,
	solution_count, failure_reason, started_at, completed_at`

func scanRun(scanner interface {
	Scan(dest ...any) error
}, extra ...any) (*Run, error) {
	r := &Run{}
	var answer, method, reason *string
	var tieBroken *bool
	dest := []any{&r.ID, &r.Query, &r.Status, &answer, &method, &tieBroken, &r.Iterations, &r.TotalTokens,
		&r.SolutionCount, &reason, &r.StartedAt, &r.CompletedAt}
	if err := scanner.Scan(append(dest, extra...)...); err != nil {
		return nil, err
	}
	if answer != nil {
		r.Answer = *answer
	}
	if method != nil {
		r.Method = *method
	}
	if reason != nil {
		r.FailureReason = *reason
	}
	if tieBroken != nil {
		r.TieBroken = *tieBroken
	}
	return r, nil
}

// CreateRun records a run that is about to start.
func (s *Store) CreateRun(id, query string, startedAt time.Time) error {
	_, err := s.db.Exec(`INSERT INTO runs (id, query, status, started_at) VALUES (?, ?, ?, ?)`,
		id, query, StatusRunning, startedAt.UTC())
	if err != nil {
		return fmt.Errorf("create run: %w", err)
	}
	return nil
}

// SaveRun stores a finished run. The full output, solutions included, is kept
// as zstd-compressed JSON; the summary columns serve listings.
func (s *Store) SaveRun(out *mars.Output) error {
	blob, err := s.compress(out)
	if err != nil {
		return fmt.Errorf("save run: %w", err)
	}
	_, err = s.db.Exec(`
		INSERT INTO runs (id, query, status, answer, method, tie_broken, iterations, total_tokens,
		                  solution_count, failure_reason, output, started_at, completed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			status = excluded.status,
			answer = excluded.answer,
			method = excluded.method,
			tie_broken = excluded.tie_broken,
			iterations = excluded.iterations,
			total_tokens = excluded.total_tokens,
			solution_count = excluded.solution_count,
			failure_reason = excluded.failure_reason,
			output = excluded.output,
			completed_at = excluded.completed_at`,
		out.RunID, out.Query, string(out.Status), out.Answer, string(out.Method), out.TieBroken,
		out.Iterations, out.TotalTokens, len(out.Solutions), out.FailureReason, blob,
		out.StartedAt.UTC(), out.CompletedAt.UTC())
	if err != nil {
		return fmt.Errorf("save run: %w", err)
	}
	return nil
}

// FailRun marks a run that ended without an output.
func (s *Store) FailRun(id, reason string) error {
	_, err := s.db.Exec(`
		UPDATE runs
		SET status = ?, failure_reason = ?, completed_at = CURRENT_TIMESTAMP
		WHERE id = ?`, string(mars.StatusFailed), reason, id)
	if err != nil {
		return fmt.Errorf("fail run: %w", err)
	}
	return nil
}

// GetRun returns the run with its decompressed output, or nil if it does not
// exist.
func (s *Store) GetRun(id string) (*Run, error) {
	var blob []byte
	row := s.db.QueryRow(`SELECT `+runColumns+`, output FROM runs WHERE id = ?`, id)
	r, err := scanRun(row, &blob)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get run: %w", err)
	}
	if len(blob) > 0 {
		out, err := s.decompress(blob)
		if err != nil {
			return nil, fmt.Errorf("get run %s: %w", id, err)
		}
		r.Output = out
	}
	return r, nil
}

// ListRuns returns run summaries, newest first. limit <= 0 means all.
func (s *Store) ListRuns(limit int) ([]Run, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := s.db.Query(`SELECT `+runColumns+` FROM runs ORDER BY started_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	defer rows.Close()

	var runs []Run
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("scan run: %w", err)
		}
		runs = append(runs, *r)
	}
	return runs, rows.Err()
}

func (s *Store) DeleteRun(id string) error {
	_, err := s.db.Exec(`DELETE FROM runs WHERE id = ?`, id)
	return err
}

// CountRuns returns the number of runs per status.
func (s *Store) CountRuns() (map[string]int, error) {
	rows, err := s.db.Query(`SELECT status, COUNT(*) FROM runs GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("count runs: %w", err)
	}
	defer rows.Close()

	counts := make(map[string]int)
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, fmt.Errorf("scan run count: %w", err)
		}
		counts[status] = n
	}
	return counts, rows.Err()
}

func (s *Store) compress(out *mars.Output) ([]byte, error) {
	data, err := json.Marshal(out)
	if err != nil {
		return nil, fmt.Errorf("marshal output: %w", err)
	}
	return s.enc.EncodeAll(data, nil), nil
}

func (s *Store) decompress(blob []byte) (*mars.Output, error) {
	data, err := s.dec.DecodeAll(blob, nil)
	if err != nil {
		return nil, fmt.Errorf("decompress output: %w", err)
	}
	var out mars.Output
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, fmt.Errorf("unmarshal output: %w", err)
	}
	return &out, nil
}
