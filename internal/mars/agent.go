package mars

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/mtzanidakis/mars/internal/llm"
)

// Agent is a stateless reasoning participant. Its only identity is its id and
// sampling temperature, so calls on one Agent may run concurrently.
type Agent struct {
	ID          string
	Temperature float64

	gen       llm.Generator
	maxTokens int
}

func NewAgent(id string, temperature float64, gen llm.Generator, maxTokens int) *Agent {
	return &Agent{ID: id, Temperature: temperature, gen: gen, maxTokens: maxTokens}
}

func (a *Agent) complete(ctx context.Context, op, system, prompt string) (llm.Completion, error) {
	c, err := llm.Collect(ctx, a.gen, llm.Request{
		System:      system,
		Prompt:      prompt,
		Temperature: a.Temperature,
		MaxTokens:   a.maxTokens,
		Tag:         op + "/" + a.ID,
	})
	if err != nil {
		return llm.Completion{}, &AgentError{AgentID: a.ID, Op: op, Err: err}
	}
	return c, nil
}

// Generate produces an initial solution. extended selects the prompt that
// asks for reasoning inside <think> tags.
func (a *Agent) Generate(ctx context.Context, query string, extended bool) (Solution, error) {
	c, err := a.complete(ctx, "generate", systemFor(extended), buildGeneratePrompt(query))
	if err != nil {
		return Solution{}, err
	}
	reasoning, answer, err := parseAnswer(c.Text)
	if err != nil {
		return Solution{}, &AgentError{AgentID: a.ID, Op: "generate", Err: err}
	}
	return NewSolution(a.ID, reasoning, answer, a.Temperature, c.Usage.Total()), nil
}

// Judge evaluates another solution. The returned record is never Failed;
// call failures come back as *AgentError.
func (a *Agent) Judge(ctx context.Context, query string, s Solution) (VerificationRecord, error) {
	c, err := a.complete(ctx, "judge", judgeSystemPrompt, buildJudgePrompt(query, s))
	if err != nil {
		return VerificationRecord{}, err
	}
	j, err := parseJudgment(c.Text)
	if err != nil {
		return VerificationRecord{}, &AgentError{AgentID: a.ID, Op: "judge", Err: err}
	}
	return VerificationRecord{
		JudgeID:    a.ID,
		SolutionID: s.ID,
		Correct:    j.correct,
		Confidence: j.confidence,
		Rationale:  j.rationale,
		TokenCount: c.Usage.Total(),
		Timestamp:  time.Now().UTC(),
	}, nil
}

// Improve revises s using reviewer feedback and optional shared guidance. The
// result is a new solution whose ParentID is s.ID.
func (a *Agent) Improve(ctx context.Context, query string, s Solution, feedback, guidance string, extended bool) (Solution, error) {
	c, err := a.complete(ctx, "improve", systemFor(extended), buildImprovePrompt(query, s, feedback, guidance))
	if err != nil {
		return Solution{}, err
	}
	reasoning, answer, err := parseAnswer(c.Text)
	if err != nil {
		return Solution{}, &AgentError{AgentID: a.ID, Op: "improve", Err: err}
	}
	out := NewSolution(a.ID, reasoning, answer, a.Temperature, c.Usage.Total())
	out.ParentID = s.ID
	out.Phase = PhaseImproved
	return out, nil
}

func (a *Agent) ExtractStrategy(ctx context.Context, s Solution) (Strategy, error) {
	c, err := a.complete(ctx, "extract_strategy", systemPrompt, buildStrategyPrompt(s))
	if err != nil {
		return Strategy{}, err
	}
	desc, techniques, err := parseStrategy(c.Text)
	if err != nil {
		return Strategy{}, &AgentError{AgentID: a.ID, Op: "extract_strategy", Err: err}
	}
	now := time.Now().UTC()
	return Strategy{
		ID:          uuid.New().String(),
		AgentID:     a.ID,
		SolutionID:  s.ID,
		Description: desc,
		Techniques:  techniques,
		SuccessRate: initialSuccessRate,
		CreatedAt:   now,
		UpdatedAt:   now,
	}, nil
}

// Synthesize merges several solutions into one. final selects the prompt used
// when no solution was verified.
func (a *Agent) Synthesize(ctx context.Context, query string, sols []Solution, final bool) (Solution, error) {
	if len(sols) == 0 {
		return Solution{}, &AgentError{AgentID: a.ID, Op: "synthesize", Err: ErrNoSolutions}
	}
	c, err := a.complete(ctx, "synthesize", systemPrompt, buildSynthesizePrompt(query, sols, final))
	if err != nil {
		return Solution{}, err
	}
	reasoning, answer, err := parseAnswer(c.Text)
	if err != nil {
		return Solution{}, &AgentError{AgentID: a.ID, Op: "synthesize", Err: err}
	}
	out := NewSolution(a.ID, reasoning, answer, a.Temperature, c.Usage.Total())
	out.Phase = PhaseAggregated
	for _, s := range sols {
		out.SourceIDs = append(out.SourceIDs, s.ID)
	}
	return out, nil
}

func (a *Agent) String() string {
	return fmt.Sprintf("%s(t=%.2f)", a.ID, a.Temperature)
}
