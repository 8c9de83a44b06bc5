package mars

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseAnswer(t *testing.T) {
	tests := []struct {
		name      string
		text      string
		reasoning string
		answer    string
	}{
		{
			name:      "think tags",
			text:      "<think>\n340 + 51 = 391\n</think>\n\n391",
			reasoning: "340 + 51 = 391",
			answer:    "391",
		},
		{
			name:      "think tags with answer marker",
			text:      "<think>work</think>\nAnswer: 391\nDone.",
			reasoning: "work",
			answer:    "391",
		},
		{
			name:      "think tags without trailing answer",
			text:      "<think>step one\nAnswer: 12</think>",
			reasoning: "step one",
			answer:    "12",
		},
		{
			name:      "last answer marker wins",
			text:      "First guess. Answer: 400\nActually recheck.\nanswer: 391",
			reasoning: "First guess. Answer: 400\nActually recheck.",
			answer:    "391",
		},
		{
			name:      "separator",
			text:      "long derivation\n---\n391",
			reasoning: "long derivation",
			answer:    "391",
		},
		{
			name:      "last line",
			text:      "we multiply\nthen add\n391\n\n",
			reasoning: "we multiply\nthen add\n391",
			answer:    "391",
		},
		{
			name:      "answer only",
			text:      "Answer: 391",
			reasoning: "Answer: 391",
			answer:    "391",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			reasoning, answer, err := parseAnswer(tt.text)
			require.NoError(t, err)
			assert.Equal(t, tt.reasoning, reasoning)
			assert.Equal(t, tt.answer, answer)
		})
	}
}

func TestParseAnswerEmpty(t *testing.T) {
	for _, text := range []string{"", "  \n\t", "<think></think>"} {
		_, _, err := parseAnswer(text)
		require.ErrorIs(t, err, ErrParse, "text %q", text)
	}
}

func TestParseJudgment(t *testing.T) {
	tests := []struct {
		name       string
		text       string
		correct    bool
		confidence float64
		rationale  string
	}{
		{"structured", "RESULT: CORRECT\nSCORE: 0.85\nFEEDBACK: sound reasoning", true, 0.85, "sound reasoning"},
		{"incorrect", "RESULT: INCORRECT\nSCORE: 0.9\nFEEDBACK: off by ten\nin the last step", false, 0.9, "off by ten\nin the last step"},
		{"markdown", "**RESULT:** CORRECT\n**SCORE:** 0.7\n**FEEDBACK:** ok", true, 0.7, "ok"},
		{"score clamped", "RESULT: CORRECT\nSCORE: 7", true, 1, "RESULT: CORRECT\nSCORE: 7"},
		{"score default", "RESULT: INCORRECT\nFEEDBACK: wrong", false, 0.5, "wrong"},
		{"bare incorrect", "This is INCORRECT because the sum is wrong.", false, 0.5, "This is INCORRECT because the sum is wrong."},
		{"bare correct", "The solution is correct.", true, 0.5, "The solution is correct."},
		{"negated correct", "The solution is not correct: 17*23 is 391, not 401.", false, 0.5, "The solution is not correct: 17*23 is 391, not 401."},
		{"contracted negation", "The final answer isn't correct.", false, 0.5, "The final answer isn't correct."},
		{"hedged correct", "I cannot confirm it is correct.", false, 0.5, "I cannot confirm it is correct."},
		{"partially correct", "The method is partially correct but the sum is off.", false, 0.5, "The method is partially correct but the sum is off."},
		{"negation in another sentence", "Nothing is missing. The answer is correct.", true, 0.5, "Nothing is missing. The answer is correct."},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			j, err := parseJudgment(tt.text)
			require.NoError(t, err)
			assert.Equal(t, tt.correct, j.correct)
			assert.InDelta(t, tt.confidence, j.confidence, 1e-9)
			assert.Equal(t, tt.rationale, j.rationale)
		})
	}
}

func TestParseJudgmentWithoutVerdict(t *testing.T) {
	_, err := parseJudgment("I am not sure what to make of this.")
	require.ErrorIs(t, err, ErrParse)

	_, err = parseJudgment("")
	require.ErrorIs(t, err, ErrParse)
}

func TestParseStrategy(t *testing.T) {
	desc, techniques, err := parseStrategy("Key strategies:\n1. **Decompose** the product\n2) Check with estimation\n3. Verify the last digit")
	require.NoError(t, err)
	assert.Equal(t, "Decompose the product", desc)
	assert.Equal(t, []string{"Decompose the product", "Check with estimation", "Verify the last digit"}, techniques)

	desc, techniques, err = parseStrategy("\nWork backwards from the answer.\nThen check.")
	require.NoError(t, err)
	assert.Equal(t, "Work backwards from the answer.", desc)
	assert.Empty(t, techniques)

	_, _, err = parseStrategy("   ")
	require.ErrorIs(t, err, ErrParse)
}
