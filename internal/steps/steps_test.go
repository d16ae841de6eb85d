package steps

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/fyrsmithlabs/visiond/internal/workflow"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

type MockEnhancer struct{ mock.Mock }

func (m *MockEnhancer) Enhance(ctx context.Context, prompt string) (string, workflow.PromptAnalysis, error) {
	args := m.Called(ctx, prompt)
	return args.String(0), args.Get(1).(workflow.PromptAnalysis), args.Error(2)
}

type MockFilter struct{ mock.Mock }

func (m *MockFilter) Validate(prompt string) bool {
	return m.Called(prompt).Bool(0)
}

type MockSynthesizer struct{ mock.Mock }

func (m *MockSynthesizer) Synthesize(ctx context.Context, prompt string, params workflow.GenerationParams) ([]byte, error) {
	args := m.Called(ctx, prompt, params)
	b, _ := args.Get(0).([]byte)
	return b, args.Error(1)
}

type MockScorer struct{ mock.Mock }

func (m *MockScorer) Score(ctx context.Context, state *workflow.State) (workflow.Critique, error) {
	args := m.Called(ctx, state)
	return args.Get(0).(workflow.Critique), args.Error(1)
}

type MockGate struct{ mock.Mock }

func (m *MockGate) Await(ctx context.Context, taskID, prompt string) (bool, error) {
	args := m.Called(ctx, taskID, prompt)
	return args.Bool(0), args.Error(1)
}

func TestPlanner(t *testing.T) {
	ctx := context.Background()

	t.Run("returns plan update", func(t *testing.T) {
		enh := &MockEnhancer{}
		analysis := workflow.PromptAnalysis{OriginalLength: 5, OptimizedLength: 9}
		enh.On("Enhance", ctx, "a cat").Return("a cat, 4k", analysis, nil).Once()

		u, err := NewPlanner(enh).Run(ctx, workflow.NewState("t", "a cat", nil, 3))
		require.NoError(t, err)
		require.NotNil(t, u.Plan)
		assert.Equal(t, "a cat, 4k", u.Plan.OptimizedPrompt)
		assert.Equal(t, analysis, u.Plan.Analysis)
		assert.Nil(t, u.Generation)
		enh.AssertExpectations(t)
	})

	t.Run("enhancer error", func(t *testing.T) {
		enh := &MockEnhancer{}
		enh.On("Enhance", ctx, "a cat").Return("", workflow.PromptAnalysis{}, errors.New("llm down")).Once()

		_, err := NewPlanner(enh).Run(ctx, workflow.NewState("t", "a cat", nil, 3))
		require.Error(t, err)
		assert.True(t, errors.Is(err, workflow.ErrCollaborator))
		assert.Contains(t, err.Error(), workflow.ReasonEnhancement)
	})

	t.Run("empty enhancement", func(t *testing.T) {
		enh := &MockEnhancer{}
		enh.On("Enhance", ctx, "a cat").Return("  ", workflow.PromptAnalysis{}, nil).Once()

		_, err := NewPlanner(enh).Run(ctx, workflow.NewState("t", "a cat", nil, 3))
		assert.True(t, errors.Is(err, workflow.ErrCollaborator))
	})
}

func TestApproval(t *testing.T) {
	ctx := context.Background()
	state := workflow.NewState("t", "a cat", nil, 3)
	state.OptimizedPrompt = "a cat, 4k"

	t.Run("approved", func(t *testing.T) {
		gate := &MockGate{}
		gate.On("Await", ctx, "t", "a cat, 4k").Return(true, nil).Once()

		u, err := NewApproval(gate).Run(ctx, state)
		require.NoError(t, err)
		require.NotNil(t, u.Approval)
		assert.True(t, u.Approval.Approved)
		gate.AssertExpectations(t)
	})

	t.Run("rejected", func(t *testing.T) {
		gate := &MockGate{}
		gate.On("Await", ctx, "t", "a cat, 4k").Return(false, nil).Once()

		_, err := NewApproval(gate).Run(ctx, state)
		var se *workflow.StepError
		require.True(t, errors.As(err, &se))
		assert.Equal(t, workflow.ReasonApprovalRejected, se.Reason)
		assert.True(t, errors.Is(err, workflow.ErrValidation))
	})

	t.Run("timeout", func(t *testing.T) {
		gate := &MockGate{}
		gate.On("Await", ctx, "t", "a cat, 4k").Return(false, context.DeadlineExceeded).Once()

		_, err := NewApproval(gate).Run(ctx, state)
		var se *workflow.StepError
		require.True(t, errors.As(err, &se))
		assert.Equal(t, workflow.ReasonApprovalTimeout, se.Reason)
	})

	t.Run("cancelled", func(t *testing.T) {
		cctx, cancel := context.WithCancel(ctx)
		cancel()
		gate := &MockGate{}
		gate.On("Await", cctx, "t", "a cat, 4k").Return(false, context.Canceled).Once()

		_, err := NewApproval(gate).Run(cctx, state)
		assert.True(t, errors.Is(err, workflow.ErrCancelled))
	})
}

func TestGenerator(t *testing.T) {
	ctx := context.Background()

	t.Run("filter rejection skips synthesis", func(t *testing.T) {
		filter := &MockFilter{}
		filter.On("Validate", "nsfw thing").Return(false).Once()
		synth := &MockSynthesizer{}

		_, err := NewGenerator(filter, synth).Run(ctx, workflow.NewState("t", "nsfw thing", nil, 3))
		var se *workflow.StepError
		require.True(t, errors.As(err, &se))
		assert.Equal(t, workflow.ReasonInvalidPrompt, se.Reason)
		assert.True(t, errors.Is(err, workflow.ErrValidation))
		synth.AssertNotCalled(t, "Synthesize", mock.Anything, mock.Anything, mock.Anything)
	})

	t.Run("uses optimized prompt and params", func(t *testing.T) {
		params := workflow.GenerationParams{Width: 512, Height: 512, Steps: 4, Guidance: 3}
		filter := &MockFilter{}
		filter.On("Validate", "a cat, 4k").Return(true).Once()
		synth := &MockSynthesizer{}
		synth.On("Synthesize", mock.Anything, "a cat, 4k", params).Return([]byte("png"), nil).Once()

		state := workflow.NewState("t", "a cat", []byte("ref"), 3)
		state.OptimizedPrompt = "a cat, 4k"

		u, err := NewGenerator(filter, synth, WithParams(params)).Run(ctx, state)
		require.NoError(t, err)
		require.NotNil(t, u.Generation)
		assert.Equal(t, []byte("png"), u.Generation.Artifact)
		assert.Equal(t, params, u.Generation.Params)
		synth.AssertExpectations(t)
	})

	t.Run("falls back to original prompt", func(t *testing.T) {
		filter := &MockFilter{}
		filter.On("Validate", "a cat").Return(true).Once()
		synth := &MockSynthesizer{}
		synth.On("Synthesize", mock.Anything, "a cat", workflow.DefaultGenerationParams()).Return([]byte("png"), nil).Once()

		_, err := NewGenerator(filter, synth).Run(ctx, workflow.NewState("t", "a cat", nil, 3))
		require.NoError(t, err)
		synth.AssertExpectations(t)
	})

	t.Run("synthesis error", func(t *testing.T) {
		filter := &MockFilter{}
		filter.On("Validate", "a cat").Return(true)
		synth := &MockSynthesizer{}
		synth.On("Synthesize", mock.Anything, "a cat", mock.Anything).Return(nil, errors.New("status 500")).Once()

		_, err := NewGenerator(filter, synth).Run(ctx, workflow.NewState("t", "a cat", nil, 3))
		var se *workflow.StepError
		require.True(t, errors.As(err, &se))
		assert.Equal(t, workflow.ReasonSynthesis, se.Reason)
		assert.True(t, errors.Is(err, workflow.ErrCollaborator))
		synth.AssertNumberOfCalls(t, "Synthesize", 1)
	})

	t.Run("empty image", func(t *testing.T) {
		filter := &MockFilter{}
		filter.On("Validate", "a cat").Return(true)
		synth := &MockSynthesizer{}
		synth.On("Synthesize", mock.Anything, "a cat", mock.Anything).Return([]byte{}, nil).Once()

		_, err := NewGenerator(filter, synth).Run(ctx, workflow.NewState("t", "a cat", nil, 3))
		assert.True(t, errors.Is(err, workflow.ErrCollaborator))
	})

	t.Run("timeout", func(t *testing.T) {
		filter := &MockFilter{}
		filter.On("Validate", "a cat").Return(true)
		synth := &MockSynthesizer{}
		synth.On("Synthesize", mock.Anything, "a cat", mock.Anything).
			Run(func(args mock.Arguments) {
				<-args.Get(0).(context.Context).Done()
			}).
			Return(nil, context.DeadlineExceeded).Once()

		_, err := NewGenerator(filter, synth, WithTimeout(20*time.Millisecond)).
			Run(ctx, workflow.NewState("t", "a cat", nil, 3))
		var se *workflow.StepError
		require.True(t, errors.As(err, &se))
		assert.Equal(t, workflow.ReasonSynthesis, se.Reason)
		assert.Contains(t, err.Error(), "timed out")
		assert.False(t, errors.Is(err, workflow.ErrCancelled))
	})

	t.Run("parent cancellation", func(t *testing.T) {
		cctx, cancel := context.WithCancel(ctx)
		filter := &MockFilter{}
		filter.On("Validate", "a cat").Return(true)
		synth := &MockSynthesizer{}
		synth.On("Synthesize", mock.Anything, "a cat", mock.Anything).
			Run(func(mock.Arguments) { cancel() }).
			Return(nil, context.Canceled).Once()

		_, err := NewGenerator(filter, synth).Run(cctx, workflow.NewState("t", "a cat", nil, 3))
		assert.True(t, errors.Is(err, workflow.ErrCancelled))
	})
}

func TestCritic(t *testing.T) {
	ctx := context.Background()

	withImage := func(iter, maxIter int) *workflow.State {
		s := workflow.NewState("t", "a cat", nil, maxIter)
		s.Artifact = []byte("png")
		s.IterationCount = iter
		return s
	}

	t.Run("low score with budget regenerates", func(t *testing.T) {
		scorer := &MockScorer{}
		scorer.On("Score", ctx, mock.Anything).Return(workflow.Critique{Score: 0.4, Feedback: "meh"}, nil).Once()

		u, err := NewCritic(scorer, 0.7).Run(ctx, withImage(0, 3))
		require.NoError(t, err)
		assert.Equal(t, 1, u.Critique.IterationCount)
		assert.True(t, u.Critique.ShouldRegenerate)
		assert.Equal(t, 0.4, u.Critique.Score)
	})

	t.Run("threshold score accepted", func(t *testing.T) {
		scorer := &MockScorer{}
		scorer.On("Score", ctx, mock.Anything).Return(workflow.Critique{Score: 0.7}, nil).Once()

		u, err := NewCritic(scorer, 0.7).Run(ctx, withImage(0, 3))
		require.NoError(t, err)
		assert.False(t, u.Critique.ShouldRegenerate)
	})

	t.Run("score is clamped", func(t *testing.T) {
		scorer := &MockScorer{}
		scorer.On("Score", ctx, mock.Anything).Return(workflow.Critique{Score: 1.7}, nil).Once()

		u, err := NewCritic(scorer, 0.7).Run(ctx, withImage(0, 3))
		require.NoError(t, err)
		assert.Equal(t, 1.0, u.Critique.Score)
	})

	t.Run("missing image skips scorer", func(t *testing.T) {
		scorer := &MockScorer{}
		s := workflow.NewState("t", "a cat", nil, 3)

		u, err := NewCritic(scorer, 0.7).Run(ctx, s)
		require.NoError(t, err)
		assert.Equal(t, 0.0, u.Critique.Score)
		assert.Equal(t, "No image generated", u.Critique.Feedback)
		assert.Equal(t, []string{workflow.IssueMissingImage}, u.Critique.Issues)
		assert.Equal(t, 1, u.Critique.IterationCount)
		assert.True(t, u.Critique.ShouldRegenerate)
		scorer.AssertNotCalled(t, "Score", mock.Anything, mock.Anything)
	})

	t.Run("scorer error", func(t *testing.T) {
		scorer := &MockScorer{}
		scorer.On("Score", ctx, mock.Anything).Return(workflow.Critique{}, errors.New("vision model down")).Once()

		_, err := NewCritic(scorer, 0.7).Run(ctx, withImage(1, 3))
		var se *workflow.StepError
		require.True(t, errors.As(err, &se))
		assert.Equal(t, workflow.ReasonScoring, se.Reason)
	})

	t.Run("invalid threshold falls back", func(t *testing.T) {
		assert.Equal(t, workflow.DefaultQualityThreshold, NewCritic(&MockScorer{}, 0).threshold)
		assert.Equal(t, workflow.DefaultQualityThreshold, NewCritic(&MockScorer{}, 3).threshold)
	})
}
