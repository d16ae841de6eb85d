// Package scoring assesses generated images for the critique step.
package scoring

import (
	"context"
	"strings"
	"unicode/utf8"

	"github.com/fyrsmithlabs/visiond/internal/workflow"
)

// IssuePromptTooShort flags an optimized prompt under minPromptLength runes.
const IssuePromptTooShort = "prompt_too_short"

const (
	baseScore          = 0.8
	shortPromptPenalty = 0.2
	lateIterPenalty    = 0.1
	minPromptLength    = 10
	lateIteration      = 2

	excellentScore = 0.8
	goodScore      = 0.7
)

// Heuristic scores from prompt and iteration signals without inspecting
// pixels. It stands in for a vision-model scorer.
type Heuristic struct{}

// NewHeuristic returns the heuristic scorer.
func NewHeuristic() *Heuristic {
	return &Heuristic{}
}

func (Heuristic) Score(_ context.Context, state *workflow.State) (workflow.Critique, error) {
	if !state.HasArtifact() {
		return workflow.MissingImageCritique(), nil
	}

	score := baseScore
	var issues []string

	if utf8.RuneCountInString(state.OptimizedPrompt) < minPromptLength {
		score -= shortPromptPenalty
		issues = append(issues, IssuePromptTooShort)
	}
	if state.IterationCount > lateIteration {
		score -= lateIterPenalty
	}
	score = workflow.ClampScore(score)

	return workflow.Critique{
		Score:    score,
		Feedback: Feedback(score, issues),
		Issues:   issues,
	}, nil
}

// Feedback renders the tiered feedback message for a score.
func Feedback(score float64, issues []string) string {
	switch {
	case score >= excellentScore:
		return "Excellent quality! Image meets all requirements."
	case score >= goodScore:
		return "Good quality with minor improvements possible."
	default:
		return "Quality needs improvement. Issues: " + strings.Join(issues, ", ")
	}
}
