package mars

import (
	"fmt"
	"slices"
	"sync"
	"time"
)

// Order selects the direction of Workspace.Best.
type Order int

const (
	// BestFirst ranks verified before unverified, then score descending, then
	// oldest first, then insertion order.
	BestFirst Order = iota
	// WorstFirst is the exact inverse of BestFirst.
	WorstFirst
)

// Workspace is the run-scoped shared store of solutions. It is the only
// structure mutated concurrently during a fan-out phase.
type Workspace struct {
	mu        sync.RWMutex
	solutions map[string]*Solution
	order     []string
	children  map[string]int
	seq       uint64
}

func NewWorkspace() *Workspace {
	return &Workspace{
		solutions: make(map[string]*Solution),
		children:  make(map[string]int),
	}
}

// Insert adds s and returns the stored copy with Seq assigned.
func (w *Workspace) Insert(s Solution) (Solution, error) {
	if s.ID == "" {
		return Solution{}, fmt.Errorf("insert solution: empty id")
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	if _, ok := w.solutions[s.ID]; ok {
		return Solution{}, fmt.Errorf("insert solution %s: %w", s.ID, ErrDuplicateSolution)
	}
	w.seq++
	stored := s.clone()
	stored.Seq = w.seq
	if stored.CreatedAt.IsZero() {
		stored.CreatedAt = time.Now().UTC()
	}
	if stored.Phase == "" {
		stored.Phase = PhaseInitial
	}
	w.solutions[stored.ID] = &stored
	w.order = append(w.order, stored.ID)
	if stored.ParentID != "" {
		w.children[stored.ParentID]++
	}
	return stored.clone(), nil
}

// MarkVerified appends records to the solution and recomputes its score and
// verified flag from the full record history.
func (w *Workspace) MarkVerified(id string, records []VerificationRecord, threshold int) (Solution, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	s, ok := w.solutions[id]
	if !ok {
		return Solution{}, fmt.Errorf("mark verified %s: %w", id, ErrSolutionNotFound)
	}
	s.Records = append(s.Records, records...)
	r := Reduce(s.Records, threshold)
	s.VerificationPasses = r.Passes
	s.VerificationFailures = r.Failures
	s.Score = r.Score
	s.Verified = r.Verified
	if s.Verified {
		s.Phase = PhaseVerified
	}
	return s.clone(), nil
}

func (w *Workspace) Get(id string) (Solution, error) {
	w.mu.RLock()
	defer w.mu.RUnlock()

	s, ok := w.solutions[id]
	if !ok {
		return Solution{}, fmt.Errorf("get solution %s: %w", id, ErrSolutionNotFound)
	}
	return s.clone(), nil
}

// Snapshot returns copies of all solutions in insertion order.
func (w *Workspace) Snapshot() []Solution {
	w.mu.RLock()
	defer w.mu.RUnlock()

	out := make([]Solution, 0, len(w.order))
	for _, id := range w.order {
		out = append(out, w.solutions[id].clone())
	}
	return out
}

func (w *Workspace) Unverified() []Solution {
	return w.filter(func(s *Solution) bool { return !s.Verified })
}

// Frontier returns unverified solutions that no improvement has superseded.
func (w *Workspace) Frontier() []Solution {
	return w.filter(func(s *Solution) bool { return !s.Verified && w.children[s.ID] == 0 })
}

func (w *Workspace) filter(keep func(*Solution) bool) []Solution {
	w.mu.RLock()
	defer w.mu.RUnlock()

	var out []Solution
	for _, id := range w.order {
		if s := w.solutions[id]; keep(s) {
			out = append(out, s.clone())
		}
	}
	return out
}

// Best returns up to n solutions ranked by order. n <= 0 returns all.
func (w *Workspace) Best(n int, order Order) []Solution {
	return Rank(w.Snapshot(), n, order)
}

func (w *Workspace) Len() int {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return len(w.order)
}

type WorkspaceStats struct {
	Total      int     `json:"total"`
	Verified   int     `json:"verified"`
	Improved   int     `json:"improved"`
	Aggregated int     `json:"aggregated"`
	BestScore  float64 `json:"best_score"`
	Agents     int     `json:"agents"`
}

func (w *Workspace) Stats() WorkspaceStats {
	w.mu.RLock()
	defer w.mu.RUnlock()

	var st WorkspaceStats
	agents := make(map[string]struct{})
	for _, s := range w.solutions {
		st.Total++
		if s.Verified {
			st.Verified++
		}
		if s.ParentID != "" {
			st.Improved++
		}
		if len(s.SourceIDs) > 0 {
			st.Aggregated++
		}
		st.BestScore = max(st.BestScore, s.Score)
		agents[s.AgentID] = struct{}{}
	}
	st.Agents = len(agents)
	return st
}

// Rank sorts a copy of sols by order and truncates it to n (n <= 0 keeps all).
func Rank(sols []Solution, n int, order Order) []Solution {
	out := slices.Clone(sols)
	slices.SortStableFunc(out, func(a, b Solution) int {
		c := compareBest(a, b)
		if order == WorstFirst {
			return -c
		}
		return c
	})
	if n > 0 && len(out) > n {
		out = out[:n]
	}
	return out
}

// compareBest orders a before b when a is the better solution.
func compareBest(a, b Solution) int {
	if a.Verified != b.Verified {
		if a.Verified {
			return -1
		}
		return 1
	}
	if a.Score != b.Score {
		if a.Score > b.Score {
			return -1
		}
		return 1
	}
	if c := a.CreatedAt.Compare(b.CreatedAt); c != 0 {
		return c
	}
	switch {
	case a.Seq < b.Seq:
		return -1
	case a.Seq > b.Seq:
		return 1
	}
	return 0
}

// Reduction is the verification outcome derived from a record history.
type Reduction struct {
	Passes   int
	Failures int
	Score    float64
	Verified bool
}

// Reduce folds judgments into a score. Failed judge calls carry no weight:
// they count neither as a pass nor as a failure.
func Reduce(records []VerificationRecord, threshold int) Reduction {
	var r Reduction
	for _, rec := range records {
		switch {
		case rec.Failed:
		case rec.Correct:
			r.Passes++
		default:
			r.Failures++
		}
	}
	if done := r.Passes + r.Failures; done > 0 {
		r.Score = float64(r.Passes) / float64(done)
		r.Verified = r.Passes >= threshold
	}
	return r
}
