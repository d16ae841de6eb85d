package scoring

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fyrsmithlabs/visiond/internal/workflow"
)

func stateWith(prompt string, iter int) *workflow.State {
	s := workflow.NewState("t", "original", nil, 5)
	s.OptimizedPrompt = prompt
	s.Artifact = []byte("png")
	s.IterationCount = iter
	return s
}

func TestHeuristic_Score(t *testing.T) {
	tests := []struct {
		name     string
		state    *workflow.State
		score    float64
		issues   []string
		feedback string
	}{
		{
			name:     "long prompt early iteration",
			state:    stateWith("a lighthouse at dusk, photorealistic", 0),
			score:    0.8,
			feedback: "Excellent quality! Image meets all requirements.",
		},
		{
			name:     "late iteration",
			state:    stateWith("a lighthouse at dusk, photorealistic", 3),
			score:    0.7,
			feedback: "Good quality with minor improvements possible.",
		},
		{
			name:     "iteration two is not late",
			state:    stateWith("a lighthouse at dusk, photorealistic", 2),
			score:    0.8,
			feedback: "Excellent quality! Image meets all requirements.",
		},
		{
			name:     "short prompt",
			state:    stateWith("cat", 0),
			score:    0.6,
			issues:   []string{IssuePromptTooShort},
			feedback: "Quality needs improvement. Issues: prompt_too_short",
		},
		{
			name:     "short prompt late iteration",
			state:    stateWith("cat", 4),
			score:    0.5,
			issues:   []string{IssuePromptTooShort},
			feedback: "Quality needs improvement. Issues: prompt_too_short",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c, err := NewHeuristic().Score(context.Background(), tt.state)
			require.NoError(t, err)
			assert.InDelta(t, tt.score, c.Score, 1e-9)
			assert.Equal(t, tt.issues, c.Issues)
			assert.Equal(t, tt.feedback, c.Feedback)
		})
	}
}

func TestHeuristic_MissingImage(t *testing.T) {
	s := workflow.NewState("t", "a lighthouse", nil, 3)
	c, err := NewHeuristic().Score(context.Background(), s)
	require.NoError(t, err)
	assert.Equal(t, workflow.MissingImageCritique(), c)
}

func TestFeedback(t *testing.T) {
	assert.Equal(t, "Quality needs improvement. Issues: a, b", Feedback(0.3, []string{"a", "b"}))
	assert.Equal(t, "Good quality with minor improvements possible.", Feedback(0.7, nil))
}
