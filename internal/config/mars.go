package config

import (
	"errors"
	"fmt"
	"slices"
	"time"
)

// Aggregation selection criteria.
const (
	SelectBestScore  = "best_score"
	SelectDiversity  = "diversity"
	SelectTournament = "tournament"
)

// Aggregation refinement strategies.
const (
	RefineSynthesis = "synthesis"
	RefineEnsemble  = "ensemble"
	RefineIterative = "iterative"
)

// MarsConfig holds the parameters of a single coordination run. A coordinator
// takes a copy at construction and never changes it.
type MarsConfig struct {
	AgentCount            int           `yaml:"agent_count" json:"agent_count"`
	Temperatures          []float64     `yaml:"temperatures" json:"temperatures"`
	ConsensusThreshold    int           `yaml:"consensus_threshold" json:"consensus_threshold"`
	EnableAggregation     bool          `yaml:"enable_aggregation" json:"enable_aggregation"`
	EnableStrategyNetwork bool          `yaml:"enable_strategy_network" json:"enable_strategy_network"`
	MaxIterations         int           `yaml:"max_iterations" json:"max_iterations"`
	ImproveBatch          int           `yaml:"improve_batch" json:"improve_batch"`
	UseThinkingTags       bool          `yaml:"use_thinking_tags" json:"use_thinking_tags"`
	Lightweight           bool          `yaml:"lightweight" json:"lightweight"`
	ModelSynthesis        bool          `yaml:"model_synthesis" json:"model_synthesis"`
	TokenBudget           int           `yaml:"token_budget" json:"token_budget"`
	Timeout               time.Duration `yaml:"timeout" json:"timeout"`
	CallTimeout           time.Duration `yaml:"call_timeout" json:"call_timeout"`
	JudgeTimeout          time.Duration `yaml:"judge_timeout" json:"judge_timeout"`
	AgentRetries          int           `yaml:"agent_retries" json:"agent_retries"`
	MaxConcurrency        int           `yaml:"max_concurrency" json:"max_concurrency"`
	CancelInFlight        bool          `yaml:"cancel_in_flight" json:"cancel_in_flight"`

	Aggregation AggregationConfig `yaml:"aggregation" json:"aggregation"`
	Strategy    StrategyConfig    `yaml:"strategy" json:"strategy"`
}

type AggregationConfig struct {
	PopulationSize int    `yaml:"population_size" json:"population_size"`
	SelectionSize  int    `yaml:"selection_size" json:"selection_size"`
	Rounds         int    `yaml:"rounds" json:"rounds"`
	Selection      string `yaml:"selection" json:"selection"`
	Refinement     string `yaml:"refinement" json:"refinement"`
	Seed           int64  `yaml:"seed" json:"seed"`
}

type StrategyConfig struct {
	TopN        int     `yaml:"top_n" json:"top_n"`
	MaxActive   int     `yaml:"max_active" json:"max_active"`
	RetireBelow float64 `yaml:"retire_below" json:"retire_below"`
}

func DefaultMars() MarsConfig {
	return MarsConfig{
		AgentCount:         3,
		Temperatures:       []float64{0.3, 0.6, 1.0},
		ConsensusThreshold: 2,
		MaxIterations:      5,
		ImproveBatch:       3,
		UseThinkingTags:    true,
		Timeout:            5 * time.Minute,
		CallTimeout:        2 * time.Minute,
		JudgeTimeout:       time.Minute,
		AgentRetries:       2,
		MaxConcurrency:     8,
		CancelInFlight:     true,
		Aggregation: AggregationConfig{
			PopulationSize: 6,
			SelectionSize:  3,
			Rounds:         3,
			Selection:      SelectBestScore,
			Refinement:     RefineSynthesis,
		},
		Strategy: StrategyConfig{
			TopN:        3,
			MaxActive:   10,
			RetireBelow: 0.2,
		},
	}
}

// Normalize applies the lightweight preset and sizes the temperature list to
// the agent count. The receiver is not modified.
func (c MarsConfig) Normalize() MarsConfig {
	out := c
	out.Temperatures = slices.Clone(c.Temperatures)

	if out.Lightweight {
		out.AgentCount = 2
		out.MaxIterations = 2
		out.EnableAggregation = false
		out.EnableStrategyNetwork = false
	}

	if out.AgentCount > 0 {
		for len(out.Temperatures) < out.AgentCount {
			out.Temperatures = append(out.Temperatures, 1.0)
		}
		out.Temperatures = out.Temperatures[:out.AgentCount]
	}

	if out.Aggregation.Selection == "" {
		out.Aggregation.Selection = SelectBestScore
	}
	if out.Aggregation.Refinement == "" {
		out.Aggregation.Refinement = RefineSynthesis
	}
	if out.MaxConcurrency <= 0 {
		out.MaxConcurrency = out.AgentCount
	}
	return out
}

func (c MarsConfig) Validate() error {
	var errs []error
	if c.AgentCount < 1 {
		errs = append(errs, fmt.Errorf("agent_count must be at least 1, got %d", c.AgentCount))
	}
	if c.ConsensusThreshold < 1 {
		errs = append(errs, fmt.Errorf("consensus_threshold must be at least 1, got %d", c.ConsensusThreshold))
	}
	if c.MaxIterations < 0 {
		errs = append(errs, fmt.Errorf("max_iterations must not be negative, got %d", c.MaxIterations))
	}
	if c.ImproveBatch < 1 {
		errs = append(errs, fmt.Errorf("improve_batch must be at least 1, got %d", c.ImproveBatch))
	}
	if c.TokenBudget < 0 {
		errs = append(errs, errors.New("token_budget must not be negative"))
	}
	if c.AgentRetries < 0 {
		errs = append(errs, errors.New("agent_retries must not be negative"))
	}
	for _, t := range c.Temperatures {
		if t < 0 || t > 2 {
			errs = append(errs, fmt.Errorf("temperature %.2f outside [0, 2]", t))
		}
	}

	agg := c.Aggregation
	if c.EnableAggregation {
		if agg.PopulationSize < 1 || agg.SelectionSize < 1 || agg.Rounds < 0 {
			errs = append(errs, errors.New("aggregation sizes must be positive"))
		}
		if agg.SelectionSize > agg.PopulationSize {
			errs = append(errs, fmt.Errorf("aggregation selection_size %d exceeds population_size %d", agg.SelectionSize, agg.PopulationSize))
		}
	}
	switch agg.Selection {
	case SelectBestScore, SelectDiversity, SelectTournament:
	default:
		errs = append(errs, fmt.Errorf("unknown aggregation selection %q", agg.Selection))
	}
	switch agg.Refinement {
	case RefineSynthesis, RefineEnsemble, RefineIterative:
	default:
		errs = append(errs, fmt.Errorf("unknown aggregation refinement %q", agg.Refinement))
	}

	if c.Strategy.RetireBelow < 0 || c.Strategy.RetireBelow > 1 {
		errs = append(errs, errors.New("strategy retire_below must be within [0, 1]"))
	}
	return errors.Join(errs...)
}
