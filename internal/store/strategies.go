package store

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/mtzanidakis/mars/internal/mars"
)

var _ mars.StrategyStore = (*Store)(nil)

// LoadStrategies returns the active strategies learned by earlier runs, best
// success rate first. limit <= 0 means all.
func (s *Store) LoadStrategies(ctx context.Context, limit int) ([]mars.Strategy, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, agent_id, solution_id, description, techniques, success_rate, uses, retired, created_at, updated_at
		FROM strategies
		WHERE retired = FALSE
		ORDER BY success_rate DESC, created_at, id
		LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("load strategies: %w", err)
	}
	defer rows.Close()

	var out []mars.Strategy
	for rows.Next() {
		var st mars.Strategy
		var solutionID, techniques *string
		if err := rows.Scan(&st.ID, &st.AgentID, &solutionID, &st.Description, &techniques,
			&st.SuccessRate, &st.Uses, &st.Retired, &st.CreatedAt, &st.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan strategy: %w", err)
		}
		if solutionID != nil {
			st.SolutionID = *solutionID
		}
		if techniques != nil && *techniques != "" {
			if err := json.Unmarshal([]byte(*techniques), &st.Techniques); err != nil {
				return nil, fmt.Errorf("unmarshal techniques for %s: %w", st.ID, err)
			}
		}
		out = append(out, st)
	}
	return out, rows.Err()
}

// SaveStrategies upserts strategies, keeping statistics from the latest run.
func (s *Store) SaveStrategies(ctx context.Context, strategies []mars.Strategy) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO strategies (id, agent_id, solution_id, description, techniques, success_rate, uses, retired, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			success_rate = excluded.success_rate,
			uses = excluded.uses,
			retired = excluded.retired,
			updated_at = excluded.updated_at`)
	if err != nil {
		return fmt.Errorf("prepare strategy upsert: %w", err)
	}
	defer stmt.Close()

	for _, st := range strategies {
		techniques, err := json.Marshal(st.Techniques)
		if err != nil {
			return fmt.Errorf("marshal techniques for %s: %w", st.ID, err)
		}
		if _, err := stmt.ExecContext(ctx, st.ID, st.AgentID, st.SolutionID, st.Description, string(techniques),
			st.SuccessRate, st.Uses, st.Retired, st.CreatedAt.UTC(), st.UpdatedAt.UTC()); err != nil {
			return fmt.Errorf("save strategy %s: %w", st.ID, err)
		}
	}
	return tx.Commit()
}

// DeleteRetiredStrategies removes strategies that were retired by a run.
func (s *Store) DeleteRetiredStrategies(ctx context.Context) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM strategies WHERE retired = TRUE`)
	if err != nil {
		return 0, fmt.Errorf("delete retired strategies: %w", err)
	}
	return res.RowsAffected()
}
