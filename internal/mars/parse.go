package mars

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

var (
	answerMarkerRe = regexp.MustCompile(`(?i)answer\s*:`)
	resultRe       = regexp.MustCompile(`(?im)^[\s*#]*RESULT[\s*]*:[\s*]*(INCORRECT|CORRECT)\b`)
	scoreRe        = regexp.MustCompile(`(?im)^[\s*#]*SCORE[\s*]*:[\s*]*([0-9]*\.?[0-9]+)`)
	feedbackRe     = regexp.MustCompile(`(?is)FEEDBACK[\s*]*:[\s*]*(.*)`)
	incorrectRe    = regexp.MustCompile(`(?i)\bINCORRECT\b`)
	correctRe      = regexp.MustCompile(`(?i)\bCORRECT\b`)
	// A negation or hedge earlier in the same sentence turns "correct" into a
	// rejection: "not correct", "isn't entirely correct", "cannot confirm it is correct".
	negatedCorrectRe = regexp.MustCompile(`(?i)\b(not|no|never|cannot|can't|can not|isn't|wasn't|aren't|doesn't|don't|unable|unsure|uncertain|unclear|hardly|partially|partly)\b[^.!?\n]{0,60}\bcorrect\b`)
	listItemRe       = regexp.MustCompile(`(?m)^\s*\d+[.)]\s+(.+)$`)
)

// parseAnswer splits a completion into reasoning and final answer.
func parseAnswer(text string) (reasoning, answer string, err error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return "", "", fmt.Errorf("parse answer: %w", ErrParse)
	}

	if end := strings.Index(text, "</think>"); end >= 0 {
		inner := text[:end]
		if start := strings.Index(inner, "<think>"); start >= 0 {
			inner = inner[start+len("<think>"):]
		}
		reasoning = strings.TrimSpace(inner)
		rest := strings.TrimSpace(text[end+len("</think>"):])
		if rest != "" {
			if _, a, ok := splitAnswerMarker(rest); ok {
				rest = a
			}
			return orWhole(reasoning, text), rest, nil
		}
		if reasoning == "" {
			return "", "", fmt.Errorf("parse answer: %w", ErrParse)
		}
		text = reasoning
	}

	if r, a, ok := splitAnswerMarker(text); ok {
		return orWhole(r, text), a, nil
	}

	if i := strings.LastIndex(text, "\n---"); i >= 0 {
		if a := strings.TrimSpace(text[i+len("\n---"):]); a != "" {
			return orWhole(strings.TrimSpace(text[:i]), text), strings.Trim(a, "-\n "), nil
		}
	}

	return text, lastLine(text), nil
}

// splitAnswerMarker splits on the last "Answer:" marker. The answer is the
// first non-empty line after it.
func splitAnswerMarker(text string) (reasoning, answer string, ok bool) {
	locs := answerMarkerRe.FindAllStringIndex(text, -1)
	if len(locs) == 0 {
		return "", "", false
	}
	last := locs[len(locs)-1]
	answer = firstLine(text[last[1]:])
	if answer == "" {
		return "", "", false
	}
	return strings.TrimSpace(text[:last[0]]), answer, true
}

func orWhole(reasoning, whole string) string {
	if reasoning == "" {
		return whole
	}
	return reasoning
}

func firstLine(s string) string {
	for line := range strings.Lines(s) {
		if l := strings.TrimSpace(line); l != "" {
			return l
		}
	}
	return ""
}

func lastLine(s string) string {
	lines := strings.Split(s, "\n")
	for i := len(lines) - 1; i >= 0; i-- {
		if l := strings.TrimSpace(lines[i]); l != "" {
			return l
		}
	}
	return ""
}

type judgment struct {
	correct    bool
	confidence float64
	rationale  string
}

func parseJudgment(text string) (judgment, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return judgment{}, fmt.Errorf("parse judgment: %w", ErrParse)
	}

	j := judgment{confidence: 0.5, rationale: text}
	if m := resultRe.FindStringSubmatch(text); m != nil {
		j.correct = strings.EqualFold(m[1], "CORRECT")
	} else if incorrectRe.MatchString(text) || negatedCorrectRe.MatchString(text) {
		j.correct = false
	} else if correctRe.MatchString(text) {
		j.correct = true
	} else {
		return judgment{}, fmt.Errorf("parse judgment: no verdict: %w", ErrParse)
	}

	if m := scoreRe.FindStringSubmatch(text); m != nil {
		if v, err := strconv.ParseFloat(m[1], 64); err == nil {
			j.confidence = min(max(v, 0), 1)
		}
	}
	if m := feedbackRe.FindStringSubmatch(text); m != nil {
		if fb := strings.TrimSpace(m[1]); fb != "" {
			j.rationale = fb
		}
	}
	return j, nil
}

func parseStrategy(text string) (description string, techniques []string, err error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return "", nil, fmt.Errorf("parse strategy: %w", ErrParse)
	}

	for _, m := range listItemRe.FindAllStringSubmatch(text, -1) {
		item := strings.TrimSpace(strings.ReplaceAll(m[1], "**", ""))
		if item != "" {
			techniques = append(techniques, item)
		}
	}
	if len(techniques) == 0 {
		return firstLine(text), nil, nil
	}
	return techniques[0], techniques, nil
}
