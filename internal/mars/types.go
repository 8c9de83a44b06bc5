package mars

import (
	"regexp"
	"slices"
	"strings"
	"time"

	"github.com/google/uuid"
)

type Phase string

const (
	PhaseInitial    Phase = "initial"
	PhaseAggregated Phase = "aggregated"
	PhaseImproved   Phase = "improved"
	PhaseVerified   Phase = "verified"
)

// Solution is one candidate answer and its provenance. The answer and
// reasoning never change once inserted into a Workspace; improvements are new
// solutions pointing back through ParentID.
type Solution struct {
	ID                   string               `json:"id"`
	AgentID              string               `json:"agent_id"`
	ParentID             string               `json:"parent_id,omitempty"`
	SourceIDs            []string             `json:"source_ids,omitempty"`
	Reasoning            string               `json:"reasoning"`
	Answer               string               `json:"answer"`
	Temperature          float64              `json:"temperature"`
	TokenCount           int                  `json:"token_count"`
	VerificationPasses   int                  `json:"verification_passes"`
	VerificationFailures int                  `json:"verification_failures"`
	Score                float64              `json:"score"`
	Verified             bool                 `json:"verified"`
	Phase                Phase                `json:"phase"`
	StrategyIDs          []string             `json:"strategy_ids,omitempty"`
	Records              []VerificationRecord `json:"records,omitempty"`
	CreatedAt            time.Time            `json:"created_at"`
	Seq                  uint64               `json:"seq"`
}

func NewSolution(agentID, reasoning, answer string, temperature float64, tokens int) Solution {
	return Solution{
		ID:          uuid.New().String(),
		AgentID:     agentID,
		Reasoning:   reasoning,
		Answer:      answer,
		Temperature: temperature,
		TokenCount:  tokens,
		Phase:       PhaseInitial,
		CreatedAt:   time.Now().UTC(),
	}
}

func (s Solution) clone() Solution {
	s.SourceIDs = slices.Clone(s.SourceIDs)
	s.StrategyIDs = slices.Clone(s.StrategyIDs)
	s.Records = slices.Clone(s.Records)
	return s
}

// Feedback returns the rationale of the most recent judgments that did not
// accept the solution, newest first.
func (s Solution) Feedback() string {
	var parts []string
	for i := len(s.Records) - 1; i >= 0 && len(parts) < 3; i-- {
		r := s.Records[i]
		if r.Failed || r.Correct || strings.TrimSpace(r.Rationale) == "" {
			continue
		}
		parts = append(parts, strings.TrimSpace(r.Rationale))
	}
	if len(parts) == 0 {
		return "The solution could not be confirmed by independent reviewers. Re-check every step and the final answer."
	}
	return strings.Join(parts, "\n\n")
}

// VerificationRecord is one judgment of one solution by one judge.
type VerificationRecord struct {
	JudgeID    string    `json:"judge_id"`
	SolutionID string    `json:"solution_id"`
	Correct    bool      `json:"correct"`
	Confidence float64   `json:"confidence"`
	Rationale  string    `json:"rationale"`
	TokenCount int       `json:"token_count"`
	Failed     bool      `json:"failed,omitempty"`
	Error      string    `json:"error,omitempty"`
	Timestamp  time.Time `json:"timestamp"`
}

// Strategy is a reusable reasoning pattern extracted from a verified solution.
type Strategy struct {
	ID          string    `json:"id"`
	AgentID     string    `json:"agent_id"`
	SolutionID  string    `json:"solution_id"`
	Description string    `json:"description"`
	Techniques  []string  `json:"techniques,omitempty"`
	SuccessRate float64   `json:"success_rate"`
	Uses        int       `json:"uses"`
	Retired     bool      `json:"retired"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

type SelectionMethod string

const (
	MethodMajorityVote SelectionMethod = "majority_vote"
	MethodBestVerified SelectionMethod = "best_verified"
	MethodSynthesized  SelectionMethod = "synthesized"
)

type RunStatus string

const (
	StatusCompleted      RunStatus = "completed"
	StatusBudgetExceeded RunStatus = "budget_exceeded"
	StatusFailed         RunStatus = "failed"
)

// Output is the result of one coordination run.
type Output struct {
	RunID           string          `json:"run_id"`
	Query           string          `json:"query"`
	Answer          string          `json:"answer"`
	Reasoning       string          `json:"reasoning"`
	FinalSolutionID string          `json:"final_solution_id"`
	Method          SelectionMethod `json:"method"`
	TieBroken       bool            `json:"tie_broken,omitempty"`
	Solutions       []Solution      `json:"solutions"`
	Strategies      []Strategy      `json:"strategies,omitempty"`
	Iterations      int             `json:"iterations"`
	TotalTokens     int             `json:"total_tokens"`
	Status          RunStatus       `json:"status"`
	FailureReason   string          `json:"failure_reason,omitempty"`
	States          []State         `json:"states"`
	StartedAt       time.Time       `json:"started_at"`
	CompletedAt     time.Time       `json:"completed_at"`
}

var (
	boxedRe      = regexp.MustCompile(`\\boxed\{([^{}]*)\}`)
	whitespaceRe = regexp.MustCompile(`\s+`)
)

// NormalizeAnswer canonicalises answer text for voting: \boxed{} is
// unwrapped, case and whitespace are folded and trailing punctuation dropped.
func NormalizeAnswer(answer string) string {
	a := strings.TrimSpace(answer)
	if m := boxedRe.FindStringSubmatch(a); m != nil {
		a = m[1]
	}
	a = strings.ToLower(a)
	a = whitespaceRe.ReplaceAllString(a, " ")
	a = strings.TrimRight(a, " .!")
	return strings.TrimSpace(a)
}
