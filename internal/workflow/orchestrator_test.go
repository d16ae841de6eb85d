package workflow

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/fyrsmithlabs/visiond/internal/logging"
	"github.com/fyrsmithlabs/visiond/internal/monitor"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zapcore"
)

// stepFunc adapts a function to Step.
type stepFunc struct {
	name StepName
	run  func(ctx context.Context, s *State) (Update, error)
}

func (f stepFunc) Name() StepName { return f.name }

func (f stepFunc) Run(ctx context.Context, s *State) (Update, error) { return f.run(ctx, s) }

// MockStep is a testify mock step.
type MockStep struct {
	mock.Mock
	name StepName
}

func (m *MockStep) Name() StepName { return m.name }

func (m *MockStep) Run(ctx context.Context, s *State) (Update, error) {
	args := m.Called(ctx, s)
	return args.Get(0).(Update), args.Error(1)
}

// snapshotRecorder collects published snapshots.
type snapshotRecorder struct {
	mu    sync.Mutex
	snaps []Snapshot
}

func (r *snapshotRecorder) Publish(_ context.Context, snap Snapshot) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.snaps = append(r.snaps, snap)
}

func (r *snapshotRecorder) all() []Snapshot {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Snapshot(nil), r.snaps...)
}

func (r *snapshotRecorder) last() Snapshot {
	all := r.all()
	return all[len(all)-1]
}

// recordingSink counts sink calls.
type recordingSink struct {
	mu     sync.Mutex
	steps  []string
	errors []string
	scores []float64
	flushs int
}

func (s *recordingSink) RecordStep(_ context.Context, _, step string, _, _ map[string]any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.steps = append(s.steps, step)
}

func (s *recordingSink) RecordError(_ context.Context, _, message string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.errors = append(s.errors, message)
}

func (s *recordingSink) RecordScore(_ context.Context, _, _ string, value float64, _ string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.scores = append(s.scores, value)
}

func (s *recordingSink) Flush(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.flushs++
	return nil
}

func plannerStep() Step {
	return stepFunc{name: StepPlanner, run: func(_ context.Context, s *State) (Update, error) {
		return Update{Plan: &PlanUpdate{OptimizedPrompt: s.OriginalPrompt + ", 4k"}}, nil
	}}
}

func generatorStep(calls *int) Step {
	return stepFunc{name: StepGenerator, run: func(context.Context, *State) (Update, error) {
		*calls++
		return Update{Generation: &GenerationUpdate{Artifact: []byte("png"), Params: DefaultGenerationParams()}}, nil
	}}
}

// criticStep scores pass i with scores[i], repeating the last score.
func criticStep(calls *int, scores ...float64) Step {
	return stepFunc{name: StepCritic, run: func(_ context.Context, s *State) (Update, error) {
		score := scores[min(*calls, len(scores)-1)]
		*calls++
		before := s.IterationCount
		return Update{Critique: &CritiqueUpdate{
			Critique:         Critique{Score: score, Feedback: "scored"},
			IterationCount:   before + 1,
			ShouldRegenerate: ShouldRegenerate(score, before, s.MaxIterations, DefaultQualityThreshold),
		}}, nil
	}}
}

type harness struct {
	orch      *Orchestrator
	snaps     *snapshotRecorder
	sink      *recordingSink
	logger    *logging.TestLogger
	genCalls  int
	critCalls int
}

func newHarness(t *testing.T, cfg Config, scores ...float64) *harness {
	t.Helper()
	h := &harness{snaps: &snapshotRecorder{}, sink: &recordingSink{}, logger: logging.NewTestLogger()}
	h.orch = NewOrchestrator(cfg, h.snaps, h.sink, h.logger.Logger)
	h.orch.RegisterStep(plannerStep())
	h.orch.RegisterStep(generatorStep(&h.genCalls))
	h.orch.RegisterStep(criticStep(&h.critCalls, scores...))
	return h
}

func TestExecute_HighScoreSinglePass(t *testing.T) {
	h := newHarness(t, Config{}, 0.9)

	final, err := h.orch.Execute(context.Background(), NewState("t1", "a cat", nil, 1))
	require.NoError(t, err)

	assert.Equal(t, StatusCompleted, final.Status)
	assert.Equal(t, 1, final.IterationCount)
	assert.Equal(t, 0.9, *final.QualityScore)
	assert.False(t, final.ShouldRegenerate)
	assert.Equal(t, "a cat, 4k", final.OptimizedPrompt)
	assert.Equal(t, []byte("png"), final.Artifact)
	assert.Equal(t, StepCritic, final.CurrentStep)

	last := h.snaps.last()
	assert.Equal(t, StatusCompleted, last.Status)
	assert.Equal(t, 100, last.Progress)
	assert.Equal(t, []string{"planner", "generator", "critic"}, h.sink.steps)
	assert.Equal(t, []float64{0.9}, h.sink.scores)
	assert.Equal(t, 1, h.sink.flushs)
	h.logger.AssertLogged(t, zapcore.InfoLevel, "workflow completed")
}

func TestExecute_IterationBound(t *testing.T) {
	for _, maxIter := range []int{1, 2, 3, 5} {
		h := newHarness(t, Config{}, 0.1)

		final, err := h.orch.Execute(context.Background(), NewState("t", "a cat", nil, maxIter))
		require.NoError(t, err)

		assert.Equal(t, StatusCompleted, final.Status, "max=%d", maxIter)
		assert.Equal(t, maxIter, final.IterationCount)
		assert.Equal(t, maxIter, h.genCalls)
		assert.Equal(t, maxIter, h.critCalls)
		for _, snap := range h.snaps.all() {
			assert.LessOrEqual(t, snap.IterationCount, maxIter)
		}
	}
}

func TestExecute_LowScoreRegeneratesUntilMax(t *testing.T) {
	h := newHarness(t, Config{}, 0.4)

	final, err := h.orch.Execute(context.Background(), NewState("t", "a cat", nil, 3))
	require.NoError(t, err)

	assert.Equal(t, StatusCompleted, final.Status)
	assert.Equal(t, 3, h.critCalls)
	assert.Equal(t, 3, final.IterationCount)
	assert.Equal(t, 0.4, *final.QualityScore)
}

func TestExecute_ThresholdScoreIsAccepted(t *testing.T) {
	h := newHarness(t, Config{}, 0.7)

	final, err := h.orch.Execute(context.Background(), NewState("t", "a cat", nil, 3))
	require.NoError(t, err)

	assert.Equal(t, 1, h.genCalls)
	assert.Equal(t, 1, final.IterationCount)
}

func TestExecute_StopsOnceScoreRecovers(t *testing.T) {
	h := newHarness(t, Config{}, 0.3, 0.5, 0.85)

	final, err := h.orch.Execute(context.Background(), NewState("t", "a cat", nil, 5))
	require.NoError(t, err)

	assert.Equal(t, 3, h.genCalls)
	assert.Equal(t, 3, final.IterationCount)
	assert.Equal(t, 0.85, *final.QualityScore)
}

func TestExecute_ProgressIsMonotonic(t *testing.T) {
	h := newHarness(t, Config{}, 0.2)

	_, err := h.orch.Execute(context.Background(), NewState("t", "a cat", nil, 3))
	require.NoError(t, err)

	snaps := h.snaps.all()
	require.NotEmpty(t, snaps)
	assert.Equal(t, StatusRunning, snaps[0].Status)
	assert.Equal(t, progressStarted, snaps[0].Progress)
	for i := 1; i < len(snaps); i++ {
		assert.GreaterOrEqual(t, snaps[i].Progress, snaps[i-1].Progress, "snapshot %d", i)
	}
	assert.Equal(t, 100, snaps[len(snaps)-1].Progress)
}

func TestExecute_StepFailureStopsRun(t *testing.T) {
	snaps := &snapshotRecorder{}
	sink := &recordingSink{}
	orch := NewOrchestrator(Config{}, snaps, sink, nil)
	orch.RegisterStep(plannerStep())

	gen := &MockStep{name: StepGenerator}
	// The partial update must be discarded along with the failure.
	gen.On("Run", mock.Anything, mock.Anything).Return(
		Update{Generation: &GenerationUpdate{Artifact: []byte("partial")}},
		CollaboratorFailure(StepGenerator, ReasonSynthesis, errors.New("503 from backend")),
	).Once()
	orch.RegisterStep(gen)

	critic := &MockStep{name: StepCritic}
	orch.RegisterStep(critic)

	final, err := orch.Execute(context.Background(), NewState("t", "a cat", nil, 3))
	require.Error(t, err)

	assert.True(t, errors.Is(err, ErrCollaborator))
	var se *StepError
	require.True(t, errors.As(err, &se))
	assert.Equal(t, ReasonSynthesis, se.Reason)

	assert.Equal(t, StatusFailed, final.Status)
	assert.Equal(t, StepGenerator, final.CurrentStep)
	assert.Contains(t, final.Error, "synthesis_error")
	assert.Nil(t, final.Artifact)
	assert.Equal(t, "a cat, 4k", final.OptimizedPrompt)

	gen.AssertExpectations(t)
	critic.AssertNotCalled(t, "Run", mock.Anything, mock.Anything)

	last := snaps.last()
	assert.Equal(t, StatusFailed, last.Status)
	assert.Equal(t, StepGenerator, last.CurrentStep)
	assert.Len(t, sink.errors, 1)
	assert.Equal(t, 1, sink.flushs)
}

func TestExecute_PlainErrorIsWrapped(t *testing.T) {
	orch := NewOrchestrator(Config{}, nil, nil, nil)
	orch.RegisterStep(stepFunc{name: StepPlanner, run: func(context.Context, *State) (Update, error) {
		return Update{}, errors.New("model offline")
	}})

	final, err := orch.Execute(context.Background(), NewState("t", "a cat", nil, 3))
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrCollaborator))
	assert.Equal(t, StepPlanner, final.CurrentStep)
	assert.Contains(t, final.Error, "model offline")
}

func TestExecute_PanicBecomesCollaboratorFailure(t *testing.T) {
	orch := NewOrchestrator(Config{}, nil, nil, nil)
	orch.RegisterStep(stepFunc{name: StepPlanner, run: func(context.Context, *State) (Update, error) {
		panic("nil map")
	}})

	final, err := orch.Execute(context.Background(), NewState("t", "a cat", nil, 3))
	require.Error(t, err)

	var se *StepError
	require.True(t, errors.As(err, &se))
	assert.Equal(t, ReasonPanic, se.Reason)
	assert.True(t, errors.Is(err, ErrCollaborator))
	assert.Equal(t, StatusFailed, final.Status)
}

func TestExecute_CancelledDuringStep(t *testing.T) {
	snaps := &snapshotRecorder{}
	orch := NewOrchestrator(Config{}, snaps, nil, nil)
	orch.RegisterStep(plannerStep())

	ctx, cancel := context.WithCancel(context.Background())
	orch.RegisterStep(stepFunc{name: StepGenerator, run: func(ctx context.Context, _ *State) (Update, error) {
		cancel()
		<-ctx.Done()
		return Update{}, CollaboratorFailure(StepGenerator, ReasonSynthesis, ctx.Err())
	}})

	final, err := orch.Execute(ctx, NewState("t", "a cat", nil, 3))
	require.Error(t, err)

	assert.True(t, errors.Is(err, ErrCancelled))
	assert.True(t, errors.Is(err, context.Canceled))
	assert.Equal(t, StatusFailed, final.Status)
	assert.Equal(t, "cancelled", final.Error)
	assert.Equal(t, StepGenerator, final.CurrentStep)
	assert.Equal(t, "cancelled", snaps.last().Error)
}

func TestExecute_CancelledBetweenSteps(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	orch := NewOrchestrator(Config{}, nil, nil, nil)
	orch.RegisterStep(stepFunc{name: StepPlanner, run: func(context.Context, *State) (Update, error) {
		cancel()
		return Update{Plan: &PlanUpdate{OptimizedPrompt: "p"}}, nil
	}})
	gen := &MockStep{name: StepGenerator}
	orch.RegisterStep(gen)

	final, err := orch.Execute(ctx, NewState("t", "a cat", nil, 3))
	require.Error(t, err)

	assert.True(t, errors.Is(err, ErrCancelled))
	assert.Equal(t, "cancelled", final.Error)
	assert.Equal(t, StepPlanner, final.CurrentStep)
	gen.AssertNotCalled(t, "Run", mock.Anything, mock.Anything)
}

func TestExecute_ApprovalGate(t *testing.T) {
	t.Run("runs after planning when required", func(t *testing.T) {
		h := newHarness(t, Config{ApprovalRequired: true}, 0.9)
		approval := &MockStep{name: StepApproval}
		approval.On("Run", mock.Anything, mock.MatchedBy(func(s *State) bool {
			return s.OptimizedPrompt == "a cat, 4k"
		})).Return(Update{Approval: &ApprovalUpdate{Approved: true}}, nil).Once()
		h.orch.RegisterStep(approval)

		final, err := h.orch.Execute(context.Background(), NewState("t", "a cat", nil, 3))
		require.NoError(t, err)

		approval.AssertExpectations(t)
		require.NotNil(t, final.UserApproved)
		assert.True(t, *final.UserApproved)
		assert.Equal(t, []string{"planner", "approval", "generator", "critic"}, h.sink.steps)
	})

	t.Run("skipped when already approved", func(t *testing.T) {
		h := newHarness(t, Config{ApprovalRequired: true}, 0.9)
		approval := &MockStep{name: StepApproval}
		h.orch.RegisterStep(approval)

		state := NewState("t", "a cat", nil, 3)
		approved := true
		state.UserApproved = &approved

		_, err := h.orch.Execute(context.Background(), state)
		require.NoError(t, err)
		approval.AssertNotCalled(t, "Run", mock.Anything, mock.Anything)
	})

	t.Run("rejection fails the run", func(t *testing.T) {
		h := newHarness(t, Config{ApprovalRequired: true}, 0.9)
		h.orch.RegisterStep(stepFunc{name: StepApproval, run: func(context.Context, *State) (Update, error) {
			return Update{}, Invalid(StepApproval, ReasonApprovalRejected, "operator declined")
		}})

		final, err := h.orch.Execute(context.Background(), NewState("t", "a cat", nil, 3))
		require.Error(t, err)
		assert.True(t, errors.Is(err, ErrValidation))
		assert.Equal(t, StepApproval, final.CurrentStep)
		assert.Zero(t, h.genCalls)
	})
}

func TestExecute_CompletedWithoutArtifactFails(t *testing.T) {
	orch := NewOrchestrator(Config{}, nil, nil, nil)
	orch.RegisterStep(plannerStep())
	orch.RegisterStep(stepFunc{name: StepGenerator, run: func(context.Context, *State) (Update, error) {
		return Update{Generation: &GenerationUpdate{}}, nil
	}})
	calls := 0
	orch.RegisterStep(criticStep(&calls, 0.9))

	final, err := orch.Execute(context.Background(), NewState("t", "a cat", nil, 1))
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrStateInvariant))
	assert.Equal(t, StatusFailed, final.Status)
	assert.Contains(t, final.Error, ReasonNoArtifact)
}

func TestExecute_InvalidInitialState(t *testing.T) {
	tests := []struct {
		name  string
		state *State
		class error
	}{
		{"negative max iterations", NewState("t", "a cat", nil, -1), ErrValidation},
		{"empty prompt", NewState("t", "", nil, 3), ErrValidation},
		{"missing task id", NewState("", "a cat", nil, 3), ErrValidation},
		{"count above max", func() *State {
			s := NewState("t", "a cat", nil, 2)
			s.IterationCount = 3
			return s
		}(), ErrStateInvariant},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t, Config{}, 0.9)

			final, err := h.orch.Execute(context.Background(), tt.state)
			require.Error(t, err)
			assert.True(t, errors.Is(err, tt.class))
			assert.Equal(t, StatusFailed, final.Status)
			assert.Zero(t, h.genCalls)
			assert.Equal(t, StatusFailed, h.snaps.last().Status)
		})
	}
}

func TestExecute_NilState(t *testing.T) {
	orch := NewOrchestrator(Config{}, nil, nil, nil)
	final, err := orch.Execute(context.Background(), nil)
	assert.Nil(t, final)
	assert.True(t, errors.Is(err, ErrStateInvariant))
}

func TestExecute_MissingStep(t *testing.T) {
	orch := NewOrchestrator(Config{}, nil, nil, nil)
	orch.RegisterStep(plannerStep())

	final, err := orch.Execute(context.Background(), NewState("t", "a cat", nil, 3))
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrStateInvariant))
	assert.Equal(t, StatusFailed, final.Status)
}

func TestExecute_ContextSinkOverride(t *testing.T) {
	h := newHarness(t, Config{}, 0.9)
	override := &recordingSink{}
	ctx := monitor.WithSink(context.Background(), override)

	_, err := h.orch.Execute(ctx, NewState("t", "a cat", nil, 1))
	require.NoError(t, err)

	assert.Empty(t, h.sink.steps)
	assert.Len(t, override.steps, 3)
}

func TestExecute_DoesNotMutateInput(t *testing.T) {
	h := newHarness(t, Config{}, 0.9)
	initial := NewState("t", "a cat", nil, 1)

	_, err := h.orch.Execute(context.Background(), initial)
	require.NoError(t, err)

	assert.Equal(t, StatusPending, initial.Status)
	assert.Empty(t, initial.OptimizedPrompt)
	assert.Nil(t, initial.Artifact)
}

func TestExecute_StepsSeeCopies(t *testing.T) {
	orch := NewOrchestrator(Config{}, nil, nil, nil)
	orch.RegisterStep(stepFunc{name: StepPlanner, run: func(_ context.Context, s *State) (Update, error) {
		s.OriginalPrompt = "tampered"
		s.IterationCount = 99
		return Update{Plan: &PlanUpdate{OptimizedPrompt: "ok"}}, nil
	}})
	gen := 0
	crit := 0
	orch.RegisterStep(generatorStep(&gen))
	orch.RegisterStep(criticStep(&crit, 0.9))

	final, err := orch.Execute(context.Background(), NewState("t", "a cat", nil, 2))
	require.NoError(t, err)
	assert.Equal(t, "a cat", final.OriginalPrompt)
	assert.Equal(t, 1, final.IterationCount)
}
