package mars

import (
	"cmp"
	"context"
	"fmt"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/mtzanidakis/mars/internal/config"
)

const (
	initialSuccessRate = 0.5
	successAlpha       = 0.2
	minUsesToRetire    = 3
)

// StrategyStore persists strategies across runs.
type StrategyStore interface {
	LoadStrategies(ctx context.Context, limit int) ([]Strategy, error)
	SaveStrategies(ctx context.Context, strategies []Strategy) error
}

type strategyUpdate struct {
	id      string
	success bool
}

// StrategyNetwork collects reasoning strategies extracted from verified
// solutions and shares the most successful ones with every agent.
type StrategyNetwork struct {
	mu         sync.Mutex
	cfg        config.StrategyConfig
	strategies map[string]*Strategy
	keys       map[string]string
	order      []string
	pending    []strategyUpdate
}

func NewStrategyNetwork(cfg config.StrategyConfig) *StrategyNetwork {
	return &StrategyNetwork{
		cfg:        cfg,
		strategies: make(map[string]*Strategy),
		keys:       make(map[string]string),
	}
}

// Extract asks agent for the strategy behind s and registers it.
func (n *StrategyNetwork) Extract(ctx context.Context, agent *Agent, s Solution) (Strategy, bool, error) {
	st, err := agent.ExtractStrategy(ctx, s)
	if err != nil {
		return Strategy{}, false, err
	}
	st, added := n.Register(st)
	return st, added, nil
}

// Register adds s unless an equivalent description is already known, in
// which case the existing strategy is returned with added=false. When the
// number of active strategies exceeds the cap the weakest one is retired.
func (n *StrategyNetwork) Register(s Strategy) (Strategy, bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.register(s)
}

func (n *StrategyNetwork) register(s Strategy) (Strategy, bool) {
	key := strategyKey(s.Description)
	if id, ok := n.keys[key]; ok {
		return *n.strategies[id], false
	}
	if s.CreatedAt.IsZero() {
		s.CreatedAt = time.Now().UTC()
	}
	if s.UpdatedAt.IsZero() {
		s.UpdatedAt = s.CreatedAt
	}
	s.Techniques = slices.Clone(s.Techniques)
	n.strategies[s.ID] = &s
	n.keys[key] = s.ID
	n.order = append(n.order, s.ID)

	if n.cfg.MaxActive > 0 {
		active := n.active()
		if len(active) > n.cfg.MaxActive {
			weakest := active[len(active)-1]
			n.strategies[weakest.ID].Retired = true
		}
	}
	return s, true
}

// Seed registers strategies carried over from earlier runs, keeping their
// success statistics.
func (n *StrategyNetwork) Seed(strategies []Strategy) int {
	n.mu.Lock()
	defer n.mu.Unlock()

	added := 0
	for _, s := range strategies {
		if s.ID == "" || n.strategies[s.ID] != nil {
			continue
		}
		if _, ok := n.register(s); ok {
			added++
		}
	}
	return added
}

// active returns active strategies ranked best first. Caller holds mu.
func (n *StrategyNetwork) active() []Strategy {
	var out []Strategy
	for _, id := range n.order {
		if s := n.strategies[id]; !s.Retired {
			out = append(out, *s)
		}
	}
	slices.SortStableFunc(out, func(a, b Strategy) int {
		if c := cmp.Compare(b.SuccessRate, a.SuccessRate); c != 0 {
			return c
		}
		if c := a.CreatedAt.Compare(b.CreatedAt); c != 0 {
			return c
		}
		return strings.Compare(a.ID, b.ID)
	})
	return out
}

// Top returns up to k active strategies by success rate.
func (n *StrategyNetwork) Top(k int) []Strategy {
	n.mu.Lock()
	defer n.mu.Unlock()

	out := n.active()
	if k >= 0 && len(out) > k {
		out = out[:k]
	}
	for i := range out {
		out[i].Techniques = slices.Clone(out[i].Techniques)
	}
	return out
}

// UpdateSuccess folds one outcome into the strategy's success rate.
func (n *StrategyNetwork) UpdateSuccess(id string, success bool) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.update(id, success)
}

func (n *StrategyNetwork) update(id string, success bool) error {
	s, ok := n.strategies[id]
	if !ok {
		return fmt.Errorf("update strategy %s: %w", id, ErrStrategyNotFound)
	}
	outcome := 0.0
	if success {
		outcome = 1
	}
	s.SuccessRate = (1-successAlpha)*s.SuccessRate + successAlpha*outcome
	s.Uses++
	s.UpdatedAt = time.Now().UTC()
	if s.Uses >= minUsesToRetire && s.SuccessRate < n.cfg.RetireBelow {
		s.Retired = true
	}
	return nil
}

// Queue records an outcome to be applied by the next Apply.
func (n *StrategyNetwork) Queue(id string, success bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.pending = append(n.pending, strategyUpdate{id: id, success: success})
}

// Apply folds all queued outcomes in queue order and returns how many were
// applied.
func (n *StrategyNetwork) Apply() int {
	n.mu.Lock()
	defer n.mu.Unlock()

	applied := 0
	for _, u := range n.pending {
		if n.update(u.id, u.success) == nil {
			applied++
		}
	}
	n.pending = nil
	return applied
}

// Guidance renders the top k strategies as prompt text and returns the ids
// that went into it.
func (n *StrategyNetwork) Guidance(k int) (string, []string) {
	top := n.Top(k)
	ids := make([]string, 0, len(top))
	for _, s := range top {
		ids = append(ids, s.ID)
	}
	return buildGuidance(top), ids
}

// All returns every strategy, retired ones included, in registration order.
func (n *StrategyNetwork) All() []Strategy {
	n.mu.Lock()
	defer n.mu.Unlock()

	out := make([]Strategy, 0, len(n.order))
	for _, id := range n.order {
		s := *n.strategies[id]
		s.Techniques = slices.Clone(s.Techniques)
		out = append(out, s)
	}
	return out
}

func (n *StrategyNetwork) Len() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.order)
}

func strategyKey(description string) string {
	return strings.Join(strings.Fields(strings.ToLower(description)), " ")
}
