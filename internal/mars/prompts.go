package mars

import (
	"fmt"
	"strings"
)

const systemPromptThinking = `You are a careful problem solver working through hard questions.
Break the problem into steps and reason about each one.
Wrap all of your reasoning in <think></think> tags and give the final answer after the closing tag.

Format your response as:
<think>
[step-by-step reasoning]
</think>

[final answer]`

const systemPrompt = `You are a careful problem solver working through hard questions.
Work through each step systematically and finish with a line of the form:
Answer: [final answer]`

const reasoningPrompt = `Solve the following problem step by step.
Show your work, consider edge cases and check your logic at every step.`

const judgeSystemPrompt = `You are an expert reviewer evaluating a proposed solution.
Check it for:
1. Correctness of the final answer
2. Completeness with respect to the question
3. Soundness of every reasoning step

Respond in exactly this format:
RESULT: CORRECT|INCORRECT
SCORE: [confidence between 0.0 and 1.0]
FEEDBACK: [specific problems found, or why the solution holds]`

const improvePrompt = `A previous solution to this problem was not accepted by independent reviewers.
Revise it to address their feedback and fix any reasoning errors.
Give the improved solution with clear step-by-step reasoning.`

const polishFeedback = `This is currently the strongest solution. Tighten the reasoning, double-check every calculation and state the final answer unambiguously.`

const synthesizePrompt = `Several solutions to the same problem are given below.
Combine the strongest elements of each into a single improved solution that:
1. Keeps the correct steps from each approach
2. Fixes errors found in individual solutions
3. Reasons clearly step by step
4. Arrives at the most likely correct answer`

const finalSynthesisPrompt = `Several reasoning approaches have been tried for this problem and none was confirmed.
Weigh all of them, identify the most reliable answer and explain why it is the most reliable.`

const strategyPrompt = `Analyse the successful solution below and name the 3-5 key strategies or techniques that made it work.
Format them as a numbered list with a short explanation each.`

func systemFor(thinking bool) string {
	if thinking {
		return systemPromptThinking
	}
	return systemPrompt
}

func buildGeneratePrompt(query string) string {
	return reasoningPrompt + "\n\nProblem:\n" + query
}

func buildJudgePrompt(query string, s Solution) string {
	var b strings.Builder
	if query != "" {
		fmt.Fprintf(&b, "Problem:\n%s\n\n", query)
	}
	fmt.Fprintf(&b, "Solution to review:\n%s\n\nFinal answer: %s", s.Reasoning, s.Answer)
	return b.String()
}

func buildImprovePrompt(query string, s Solution, feedback, guidance string) string {
	var b strings.Builder
	b.WriteString(improvePrompt)
	if query != "" {
		fmt.Fprintf(&b, "\n\nProblem:\n%s", query)
	}
	fmt.Fprintf(&b, "\n\nPrevious solution:\nReasoning: %s\nAnswer: %s", s.Reasoning, s.Answer)
	if feedback != "" {
		fmt.Fprintf(&b, "\n\nReviewer feedback:\n%s", feedback)
	}
	if guidance != "" {
		fmt.Fprintf(&b, "\n\n%s", guidance)
	}
	b.WriteString("\n\nImproved solution:")
	return b.String()
}

func buildSynthesizePrompt(query string, sols []Solution, final bool) string {
	var b strings.Builder
	if final {
		b.WriteString(finalSynthesisPrompt)
	} else {
		b.WriteString(synthesizePrompt)
	}
	fmt.Fprintf(&b, "\n\nProblem:\n%s\n", query)
	for i, s := range sols {
		fmt.Fprintf(&b, "\nSolution %d:\nReasoning: %s\nAnswer: %s\n", i+1, s.Reasoning, s.Answer)
	}
	b.WriteString("\nSynthesized solution:")
	return b.String()
}

func buildStrategyPrompt(s Solution) string {
	return fmt.Sprintf("%s\n\nSolution:\n%s\n\nAnswer: %s", strategyPrompt, s.Reasoning, s.Answer)
}

// buildGuidance renders strategies as a prompt section shared across agents.
func buildGuidance(strategies []Strategy) string {
	if len(strategies) == 0 {
		return ""
	}
	var b strings.Builder
	b.WriteString("Strategies that worked for other agents on this problem:\n")
	for i, s := range strategies {
		fmt.Fprintf(&b, "%d. %s", i+1, s.Description)
		if len(s.Techniques) > 1 {
			fmt.Fprintf(&b, " (%s)", strings.Join(s.Techniques[1:], "; "))
		}
		b.WriteString("\n")
	}
	b.WriteString("Use whichever of these apply when revising your solution.")
	return b.String()
}
