package mars

import (
	"cmp"
	"context"
	"fmt"
	"math/rand/v2"
	"slices"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/mtzanidakis/mars/internal/config"
)

// RoundStats summarises the population after one aggregation round.
type RoundStats struct {
	Round          int     `json:"round"`
	PopulationSize int     `json:"population_size"`
	Added          int     `json:"added"`
	BestScore      float64 `json:"best_score"`
	AvgScore       float64 `json:"avg_score"`
	UniqueAnswers  int     `json:"unique_answers"`
	Skipped        bool    `json:"skipped,omitempty"`
}

type AggregationReport struct {
	Rounds []RoundStats `json:"rounds"`
}

// Aggregator evolves a bounded population of solutions by repeatedly
// selecting a subset and asking agents to refine it.
type Aggregator struct {
	cfg      config.AggregationConfig
	agents   []*Agent
	ws       *Workspace
	query    string
	timeout  time.Duration
	extended bool
	inv      *invoker
	rng      *rand.Rand
	emit     func(Event)
}

func newAggregator(cfg config.AggregationConfig, agents []*Agent, ws *Workspace, query string, timeout time.Duration, extended bool, inv *invoker, emit func(Event)) *Aggregator {
	seed := uint64(cfg.Seed)
	if cfg.Seed == 0 {
		seed = uint64(time.Now().UnixNano())
	}
	if emit == nil {
		emit = func(Event) {}
	}
	return &Aggregator{
		cfg:      cfg,
		agents:   agents,
		ws:       ws,
		query:    query,
		timeout:  timeout,
		extended: extended,
		inv:      inv,
		rng:      rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15)),
		emit:     emit,
	}
}

// Run performs the configured number of rounds. A failed refinement skips
// growth for its round; Run itself only fails when ctx is done.
func (a *Aggregator) Run(ctx context.Context) (AggregationReport, error) {
	var report AggregationReport
	population := a.ws.Best(a.cfg.PopulationSize, BestFirst)
	if len(population) == 0 {
		return report, fmt.Errorf("aggregate: %w", ErrNoSolutions)
	}
	best := population[0]
	bestScore := 0.0

	for round := 1; round <= a.cfg.Rounds; round++ {
		if err := ctx.Err(); err != nil {
			return report, err
		}

		selected := a.selectParents(population)
		refined, err := a.refine(ctx, round, selected)
		added := 0
		if err != nil {
			a.inv.log.Warn("aggregation round skipped", "round", round, "error", err)
			a.emit(Event{Type: EventError, Data: map[string]any{
				"round": round,
				"error": (&PhaseError{Phase: StateAggregating, Err: fmt.Errorf("%w: %w", ErrAggregation, err)}).Error(),
			}})
		} else {
			for _, s := range refined {
				stored, err := a.ws.Insert(s)
				if err != nil {
					a.inv.log.Warn("insert aggregated solution", "error", err)
					continue
				}
				population = append(population, stored)
				added++
			}
		}

		for _, s := range population {
			if compareBest(s, best) < 0 {
				best = s
			}
		}
		population = trimPopulation(population, best, a.cfg.PopulationSize)

		st := roundStats(round, population, added, best)
		st.Skipped = err != nil
		bestScore = max(bestScore, st.BestScore)
		st.BestScore = bestScore
		report.Rounds = append(report.Rounds, st)
		a.emit(Event{Type: EventSolutionsAggregated, Data: map[string]any{
			"round":           st.Round,
			"population_size": st.PopulationSize,
			"added":           st.Added,
			"best_score":      st.BestScore,
			"unique_answers":  st.UniqueAnswers,
		}})
	}
	return report, nil
}

func (a *Aggregator) selectParents(population []Solution) []Solution {
	k := min(a.cfg.SelectionSize, len(population))
	switch a.cfg.Selection {
	case config.SelectDiversity:
		return selectDiverse(population, k)
	case config.SelectTournament:
		return selectTournament(population, k, a.rng)
	default:
		return Rank(population, k, BestFirst)
	}
}

// selectDiverse spreads the selection evenly across reasoning lengths.
func selectDiverse(population []Solution, k int) []Solution {
	if k <= 0 {
		return nil
	}
	sorted := slices.Clone(population)
	slices.SortStableFunc(sorted, func(a, b Solution) int {
		if c := cmp.Compare(len(a.Reasoning), len(b.Reasoning)); c != 0 {
			return c
		}
		return cmp.Compare(a.Seq, b.Seq)
	})
	if k == 1 {
		return Rank(sorted, 1, BestFirst)
	}
	out := make([]Solution, 0, k)
	for i := range k {
		out = append(out, sorted[i*(len(sorted)-1)/(k-1)])
	}
	return out
}

// selectTournament picks k winners, each the best of up to three random
// entrants drawn from the solutions not yet selected.
func selectTournament(population []Solution, k int, rng *rand.Rand) []Solution {
	pool := slices.Clone(population)
	out := make([]Solution, 0, k)
	for len(out) < k && len(pool) > 0 {
		entrants := rng.Perm(len(pool))[:min(3, len(pool))]
		winner := entrants[0]
		for _, idx := range entrants[1:] {
			if compareBest(pool[idx], pool[winner]) < 0 {
				winner = idx
			}
		}
		out = append(out, pool[winner])
		pool = slices.Delete(pool, winner, winner+1)
	}
	return out
}

func (a *Aggregator) refine(ctx context.Context, round int, selected []Solution) ([]Solution, error) {
	if len(selected) == 0 {
		return nil, ErrNoSolutions
	}
	switch a.cfg.Refinement {
	case config.RefineEnsemble:
		return a.refineEnsemble(ctx, selected)
	case config.RefineIterative:
		return a.refineIterative(ctx, round, selected)
	default:
		agent := a.agents[(round-1)%len(a.agents)]
		s, err := a.synthesize(ctx, agent, selected)
		if err != nil {
			return nil, err
		}
		return []Solution{s}, nil
	}
}

func (a *Aggregator) synthesize(ctx context.Context, agent *Agent, selected []Solution) (Solution, error) {
	s, err := invoke(ctx, a.inv, a.timeout, "synthesize", func(ctx context.Context) (Solution, error) {
		return agent.Synthesize(ctx, a.query, selected, false)
	})
	if err != nil {
		return Solution{}, err
	}
	a.inv.spend(s.TokenCount)
	return s, nil
}

func (a *Aggregator) refineEnsemble(ctx context.Context, selected []Solution) ([]Solution, error) {
	n := min(len(a.agents), len(selected))
	out := make([]Solution, n)
	g, gctx := errgroup.WithContext(ctx)
	for i := range n {
		g.Go(func() error {
			s, err := a.synthesize(gctx, a.agents[i], selected)
			if err != nil {
				return err
			}
			out[i] = s
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return out, nil
}

func (a *Aggregator) refineIterative(ctx context.Context, round int, selected []Solution) ([]Solution, error) {
	target := Rank(selected, 1, BestFirst)[0]
	agent := a.agents[(round-1)%len(a.agents)]
	for _, ag := range a.agents {
		if ag.ID == target.AgentID {
			agent = ag
		}
	}
	s, err := invoke(ctx, a.inv, a.timeout, "polish", func(ctx context.Context) (Solution, error) {
		return agent.Improve(ctx, a.query, target, polishFeedback, "", a.extended)
	})
	if err != nil {
		return nil, err
	}
	a.inv.spend(s.TokenCount)
	s.ParentID = ""
	s.Phase = PhaseAggregated
	for _, src := range selected {
		s.SourceIDs = append(s.SourceIDs, src.ID)
	}
	return []Solution{s}, nil
}

// trimPopulation keeps the best-ever elite and fills the remaining slots by
// score, newer solutions first.
func trimPopulation(population []Solution, elite Solution, n int) []Solution {
	rest := make([]Solution, 0, len(population))
	for _, s := range population {
		if s.ID != elite.ID {
			rest = append(rest, s)
		}
	}
	slices.SortStableFunc(rest, func(a, b Solution) int {
		if c := cmp.Compare(b.Score, a.Score); c != 0 {
			return c
		}
		return cmp.Compare(b.Seq, a.Seq)
	})
	out := append([]Solution{elite}, rest...)
	if len(out) > n {
		out = out[:n]
	}
	return out
}

func roundStats(round int, population []Solution, added int, best Solution) RoundStats {
	st := RoundStats{
		Round:          round,
		PopulationSize: len(population),
		Added:          added,
		BestScore:      best.Score,
	}
	answers := make(map[string]struct{})
	var total float64
	for _, s := range population {
		total += s.Score
		st.BestScore = max(st.BestScore, s.Score)
		answers[NormalizeAnswer(s.Answer)] = struct{}{}
	}
	if len(population) > 0 {
		st.AvgScore = total / float64(len(population))
	}
	st.UniqueAnswers = len(answers)
	return st
}
