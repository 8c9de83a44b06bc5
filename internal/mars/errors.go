package mars

import (
	"errors"
	"fmt"
)

var (
	ErrNoSolutions       = errors.New("no solutions")
	ErrBudgetExceeded    = errors.New("budget exceeded")
	ErrVerification      = errors.New("verification failed")
	ErrAggregation       = errors.New("aggregation failed")
	ErrParse             = errors.New("unparseable model response")
	ErrDuplicateSolution = errors.New("duplicate solution id")
	ErrSolutionNotFound  = errors.New("solution not found")
	ErrStrategyNotFound  = errors.New("strategy not found")
)

// AgentError is a transport or parse failure of a single agent call.
type AgentError struct {
	AgentID string
	Op      string
	Err     error
}

func (e *AgentError) Error() string {
	return fmt.Sprintf("agent %s %s: %v", e.AgentID, e.Op, e.Err)
}

func (e *AgentError) Unwrap() error { return e.Err }

// PhaseError attributes a failure to the phase and solution/agent it
// happened in.
type PhaseError struct {
	Phase      State
	SolutionID string
	AgentID    string
	Err        error
}

func (e *PhaseError) Error() string {
	msg := "phase " + string(e.Phase)
	if e.SolutionID != "" {
		msg += " solution " + e.SolutionID
	}
	if e.AgentID != "" {
		msg += " agent " + e.AgentID
	}
	return msg + ": " + e.Err.Error()
}

func (e *PhaseError) Unwrap() error { return e.Err }
