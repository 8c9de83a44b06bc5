package mars

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var selectionBase = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func candidate(seq uint64, answer string, verified bool, score float64) Solution {
	return Solution{
		ID:        "s" + string(rune('a'+seq)),
		AgentID:   "agent",
		Answer:    answer,
		Reasoning: "because " + answer,
		Verified:  verified,
		Score:     score,
		CreatedAt: selectionBase.Add(time.Duration(seq) * time.Second),
		Seq:       seq,
	}
}

func TestSelectMajorityVote(t *testing.T) {
	sols := []Solution{
		candidate(1, "391", true, 1),
		candidate(2, `\boxed{391}.`, true, 1),
		candidate(3, "401", true, 1),
		candidate(4, "391", false, 0.5),
	}
	sel, ok := Select(sols)
	require.True(t, ok)
	assert.Equal(t, MethodMajorityVote, sel.Method)
	assert.Equal(t, "sb", sel.Solution.ID, "the best-ranked member represents the group")
	assert.Equal(t, 2, sel.Votes)
	assert.False(t, sel.TieBroken)
}

func TestSelectTieFallsBackToBestVerified(t *testing.T) {
	sols := []Solution{
		candidate(1, "391", true, 0.5),
		candidate(2, "391", true, 0.5),
		candidate(3, "401", true, 1),
		candidate(4, "401", true, 0.5),
		candidate(5, "7", true, 1),
	}
	sel, ok := Select(sols)
	require.True(t, ok)
	assert.Equal(t, MethodBestVerified, sel.Method)
	assert.True(t, sel.TieBroken)
	assert.Equal(t, "401", sel.Solution.Answer, "only tied groups compete")
	assert.Equal(t, "sd", sel.Solution.ID)
}

func TestSelectSingleVerified(t *testing.T) {
	sols := []Solution{
		candidate(1, "391", true, 0.6),
		candidate(2, "401", true, 1),
		candidate(3, "7", false, 1),
	}
	sel, ok := Select(sols)
	require.True(t, ok)
	assert.Equal(t, MethodBestVerified, sel.Method)
	assert.False(t, sel.TieBroken)
	assert.Equal(t, "401", sel.Solution.Answer)
}

func TestSelectNothingVerified(t *testing.T) {
	_, ok := Select([]Solution{candidate(1, "391", false, 0.5)})
	assert.False(t, ok)
	_, ok = Select(nil)
	assert.False(t, ok)
}

func TestSelectIsDeterministic(t *testing.T) {
	sols := []Solution{
		candidate(3, "401", true, 1),
		candidate(1, "391", true, 1),
		candidate(2, "391", true, 1),
		candidate(4, "401", true, 1),
	}
	first, _ := Select(sols)
	for range 20 {
		again, _ := Select(sols)
		assert.Equal(t, first, again)
	}
	reversed := []Solution{sols[3], sols[2], sols[1], sols[0]}
	again, _ := Select(reversed)
	assert.Equal(t, first.Solution.ID, again.Solution.ID)
}

func TestSynthesizeAnswer(t *testing.T) {
	top := []Solution{
		candidate(1, "401", false, 0.5),
		candidate(2, "391", false, 0.5),
		candidate(3, "391.", false, 0),
	}
	s := SynthesizeAnswer(top)
	assert.Equal(t, "391", s.Answer, "plurality answer, text of its best-ranked member")
	assert.Equal(t, synthesisAgentID, s.AgentID)
	assert.Equal(t, []string{"sb", "sc", "sd"}, s.SourceIDs)
	assert.Contains(t, s.Reasoning, "Approach 1 (agent, answer: 401):\nbecause 401")
	assert.Contains(t, s.Reasoning, "Approach 3 (agent, answer: 391.):")

	tied := SynthesizeAnswer([]Solution{candidate(1, "a", false, 0), candidate(2, "b", false, 0)})
	assert.Equal(t, "a", tied.Answer, "ties go to the better ranked")
}
