package mars

import (
	"context"
	"fmt"
	"strings"
)

// Selection is the outcome of choosing among verified solutions.
type Selection struct {
	Solution  Solution
	Method    SelectionMethod
	TieBroken bool
	Votes     int
}

type answerGroup struct {
	key     string
	members []Solution
}

// groupByAnswer groups sols by normalised answer. Groups and their members
// keep the order of sols.
func groupByAnswer(sols []Solution) []answerGroup {
	var groups []answerGroup
	index := make(map[string]int)
	for _, s := range sols {
		key := NormalizeAnswer(s.Answer)
		i, ok := index[key]
		if !ok {
			i = len(groups)
			index[key] = i
			groups = append(groups, answerGroup{key: key})
		}
		groups[i].members = append(groups[i].members, s)
	}
	return groups
}

// Select picks the final answer among the verified solutions in sols. A
// unique plurality of at least two agreeing solutions wins by majority vote;
// otherwise the best verified solution wins. ok is false when nothing is
// verified.
func Select(sols []Solution) (sel Selection, ok bool) {
	var verified []Solution
	for _, s := range sols {
		if s.Verified {
			verified = append(verified, s)
		}
	}
	ranked := Rank(verified, 0, BestFirst)
	if len(ranked) == 0 {
		return Selection{}, false
	}

	groups := groupByAnswer(ranked)
	largest := 0
	for _, g := range groups {
		largest = max(largest, len(g.members))
	}

	if largest >= 2 {
		var tied []Solution
		count := 0
		for _, g := range groups {
			if len(g.members) == largest {
				count++
				tied = append(tied, g.members...)
			}
		}
		best := Rank(tied, 1, BestFirst)[0]
		if count == 1 {
			return Selection{Solution: best, Method: MethodMajorityVote, Votes: largest}, true
		}
		return Selection{Solution: best, Method: MethodBestVerified, TieBroken: true, Votes: largest}, true
	}
	return Selection{Solution: ranked[0], Method: MethodBestVerified, Votes: 1}, true
}

// SynthesizeAnswer combines the given solutions, best first, without a model
// call: the answer is the most common one among them (ties go to the better
// ranked) and the reasoning lists every approach.
func SynthesizeAnswer(top []Solution) Solution {
	groups := groupByAnswer(top)
	var answer string
	largest := 0
	for _, g := range groups {
		if len(g.members) > largest {
			largest = len(g.members)
			answer = g.members[0].Answer
		}
	}

	var b strings.Builder
	ids := make([]string, 0, len(top))
	for i, s := range top {
		fmt.Fprintf(&b, "Approach %d (%s, answer: %s):\n%s\n\n", i+1, s.AgentID, s.Answer, strings.TrimSpace(s.Reasoning))
		ids = append(ids, s.ID)
	}

	out := NewSolution(synthesisAgentID, strings.TrimSpace(b.String()), answer, 0, 0)
	out.Phase = PhaseAggregated
	out.SourceIDs = ids
	return out
}

type selection struct {
	ID        string
	Answer    string
	Reasoning string
	Method    SelectionMethod
	TieBroken bool
}

func (r *run) selectAnswer(ctx context.Context) selection {
	if sel, ok := Select(r.ws.Snapshot()); ok {
		r.emit(Event{Type: EventAnswerSynthesized, SolutionID: sel.Solution.ID, Data: map[string]any{
			"method":     string(sel.Method),
			"votes":      sel.Votes,
			"tie_broken": sel.TieBroken,
			"answer":     sel.Solution.Answer,
		}})
		return selection{
			ID:        sel.Solution.ID,
			Answer:    sel.Solution.Answer,
			Reasoning: sel.Solution.Reasoning,
			Method:    sel.Method,
			TieBroken: sel.TieBroken,
		}
	}

	top := r.ws.Best(3, BestFirst)
	r.emit(Event{Type: EventSynthesisStarted, Data: map[string]any{"sources": len(top)}})

	syn := SynthesizeAnswer(top)
	if r.cfg.ModelSynthesis {
		if err := r.checkBudget(ctx); err != nil {
			r.log.Info("skipping model synthesis", "reason", err)
		} else {
			syn = r.modelSynthesis(ctx, top, syn)
		}
	}

	stored, err := r.ws.Insert(syn)
	if err != nil {
		r.emitError(&PhaseError{Phase: StateSelecting, SolutionID: syn.ID, Err: err})
		stored = syn
	}
	r.emit(Event{Type: EventAnswerSynthesized, SolutionID: stored.ID, AgentID: stored.AgentID, Data: map[string]any{
		"method":  string(MethodSynthesized),
		"sources": len(top),
		"answer":  stored.Answer,
	}})
	return selection{
		ID:        stored.ID,
		Answer:    stored.Answer,
		Reasoning: stored.Reasoning,
		Method:    MethodSynthesized,
	}
}

// modelSynthesis asks the first agent to merge the top solutions, keeping
// fallback when the call fails.
func (r *run) modelSynthesis(ctx context.Context, top []Solution, fallback Solution) Solution {
	agent := r.agents[0]
	s, err := invoke(ctx, r.inv, r.cfg.CallTimeout, "synthesize", func(ctx context.Context) (Solution, error) {
		return agent.Synthesize(ctx, r.query, top, true)
	})
	if err != nil {
		r.log.Warn("model synthesis failed, using deterministic synthesis", "error", err)
		r.emitError(&PhaseError{Phase: StateSelecting, AgentID: agent.ID, Err: err})
		return fallback
	}
	r.inv.spend(s.TokenCount)
	return s
}
