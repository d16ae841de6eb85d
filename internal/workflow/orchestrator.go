package workflow

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/fyrsmithlabs/visiond/internal/logging"
	"github.com/fyrsmithlabs/visiond/internal/monitor"
	"go.uber.org/zap"
)

const flushTimeout = 5 * time.Second

// Config holds orchestrator settings.
type Config struct {
	// ApprovalRequired enables the human-in-the-loop gate.
	ApprovalRequired bool
}

// Orchestrator runs the workflow machine for one task at a time per call.
// Register every step before the first Execute; Execute is safe for
// concurrent use afterwards.
type Orchestrator struct {
	steps     map[StepName]Step
	policy    Policy
	publisher Publisher
	sink      monitor.Sink
	logger    *logging.Logger
}

// NewOrchestrator creates an orchestrator. Nil collaborators are replaced
// with no-op implementations.
func NewOrchestrator(cfg Config, publisher Publisher, sink monitor.Sink, logger *logging.Logger) *Orchestrator {
	if publisher == nil {
		publisher = PublisherFunc(func(context.Context, Snapshot) {})
	}
	if sink == nil {
		sink = monitor.Nop{}
	}
	if logger == nil {
		logger = logging.NewNop()
	}
	return &Orchestrator{
		steps:     make(map[StepName]Step),
		policy:    Policy{ApprovalRequired: cfg.ApprovalRequired},
		publisher: publisher,
		sink:      sink,
		logger:    logger.Named("workflow"),
	}
}

// RegisterStep registers the step for its phase, replacing any earlier one.
func (o *Orchestrator) RegisterStep(step Step) {
	o.steps[step.Name()] = step
}

// Execute drives initial to a terminal status and returns the final state.
// The returned error is the *StepError that failed the run, or nil when the
// run completed. A snapshot is published before the first step, after every
// successful step and once more on the terminal transition.
func (o *Orchestrator) Execute(ctx context.Context, initial *State) (*State, error) {
	if initial == nil {
		return nil, InvariantViolation("", ReasonInvalidState, "nil state")
	}

	state := initial.Clone()
	ctx = logging.WithTaskID(ctx, state.TaskID)
	sink := monitor.FromContext(ctx, o.sink)
	defer o.flush(ctx, sink)

	activeRuns.Inc()
	defer activeRuns.Dec()

	if err := validate(state); err != nil {
		return o.fail(ctx, sink, state, err)
	}

	state.Status = StatusRunning
	state.Error = ""
	state.UpdatedAt = time.Now().UTC()
	o.publish(ctx, state, progressStarted)

	o.logger.Info(ctx, "workflow started",
		zap.Int("max_iterations", state.MaxIterations),
		zap.Bool("approval_required", o.policy.ApprovalRequired),
	)

	phase := PhasePlanning
	for !phase.Terminal() {
		name := phase.Step()

		if err := ctx.Err(); err != nil {
			return o.fail(ctx, sink, state, Cancelled(name, err))
		}

		step, ok := o.steps[name]
		if !ok {
			return o.fail(ctx, sink, state,
				InvariantViolation(name, ReasonNoStep, fmt.Sprintf("no step registered for phase %s", phase)))
		}

		input := stepInput(name, state)
		update, err := o.runStep(ctx, step, state)
		state.CurrentStep = name
		state.UpdatedAt = time.Now().UTC()

		if err != nil {
			se := AsStepError(name, err)
			if ctx.Err() != nil && !errors.Is(se, ErrCancelled) {
				se = Cancelled(name, ctx.Err())
			}
			return o.fail(ctx, sink, state, se)
		}

		state.Apply(update)
		o.record(ctx, sink, state, name, input, update)

		phase = Next(phase, state, false, o.policy)
		if phase == PhaseCompleted {
			return o.complete(ctx, sink, state)
		}
		o.publish(ctx, state, Progress(name, state))
	}

	return state, nil
}

func validate(s *State) *StepError {
	switch {
	case s.TaskID == "":
		return Invalid("", ReasonInvalidState, "task id is required")
	case s.OriginalPrompt == "":
		return Invalid("", ReasonInvalidPrompt, "prompt is required")
	case s.MaxIterations < 1:
		return Invalid("", ReasonInvalidState, fmt.Sprintf("max iterations must be >= 1, got %d", s.MaxIterations))
	case s.IterationCount > s.MaxIterations:
		return InvariantViolation("", ReasonInvalidState,
			fmt.Sprintf("iteration count %d exceeds max %d", s.IterationCount, s.MaxIterations))
	}
	return nil
}

// runStep executes one step against a private copy of the state and turns
// panics into collaborator failures.
func (o *Orchestrator) runStep(ctx context.Context, step Step, state *State) (update Update, err error) {
	name := step.Name()
	start := time.Now()

	defer func() {
		if r := recover(); r != nil {
			update = Update{}
			err = CollaboratorFailure(name, ReasonPanic, fmt.Errorf("%v", r))
		}

		outcome := "success"
		if err != nil {
			outcome = "failure"
		}
		elapsed := time.Since(start)
		stepDuration.WithLabelValues(string(name), outcome).Observe(elapsed.Seconds())
		o.logger.Debug(ctx, "step finished",
			zap.String("step", string(name)),
			zap.String("outcome", outcome),
			zap.Duration("duration", elapsed),
		)
	}()

	return step.Run(ctx, state.Clone())
}

func (o *Orchestrator) complete(ctx context.Context, sink monitor.Sink, state *State) (*State, error) {
	if !state.HasArtifact() {
		return o.fail(ctx, sink, state,
			InvariantViolation(state.CurrentStep, ReasonNoArtifact, "run finished without an image"))
	}

	state.Status = StatusCompleted
	state.UpdatedAt = time.Now().UTC()
	o.publish(ctx, state, progressDone)

	runsTotal.WithLabelValues(string(StatusCompleted), "").Inc()
	generationPasses.Observe(float64(state.IterationCount))

	fields := []zap.Field{zap.Int("iterations", state.IterationCount)}
	if state.QualityScore != nil {
		fields = append(fields, zap.Float64("quality_score", *state.QualityScore))
	}
	o.logger.Info(ctx, "workflow completed", fields...)

	return state, nil
}

func (o *Orchestrator) fail(ctx context.Context, sink monitor.Sink, state *State, se *StepError) (*State, error) {
	state.Status = StatusFailed
	state.UpdatedAt = time.Now().UTC()
	if errors.Is(se, ErrCancelled) {
		state.Error = ReasonCancelled
	} else {
		state.Error = se.Error()
	}

	detached := context.WithoutCancel(ctx)
	sink.RecordError(detached, state.TaskID, state.Error)
	o.publish(ctx, state, 0)

	runsTotal.WithLabelValues(string(StatusFailed), se.Reason).Inc()
	o.logger.Warn(ctx, "workflow failed",
		zap.String("step", string(se.Step)),
		zap.String("reason", se.Reason),
		zap.Int("iterations", state.IterationCount),
		zap.Error(se),
	)

	return state, se
}

// publish never observes cancellation; the terminal snapshot of a cancelled
// run must still reach the registry.
func (o *Orchestrator) publish(ctx context.Context, state *State, progress int) {
	o.publisher.Publish(context.WithoutCancel(ctx), state.Snapshot(progress))
}

func (o *Orchestrator) flush(ctx context.Context, sink monitor.Sink) {
	fctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), flushTimeout)
	defer cancel()
	if err := sink.Flush(fctx); err != nil {
		o.logger.Warn(ctx, "monitor flush failed", zap.Error(err))
	}
}

func (o *Orchestrator) record(ctx context.Context, sink monitor.Sink, state *State, name StepName, input map[string]any, u Update) {
	sink.RecordStep(ctx, state.TaskID, string(name), input, stepOutput(u))
	if c := u.Critique; c != nil {
		sink.RecordScore(ctx, state.TaskID, monitor.ScoreQuality, c.Score, c.Feedback)
		qualityScores.Observe(c.Score)
	}
}

func stepInput(name StepName, s *State) map[string]any {
	switch name {
	case StepPlanner:
		return map[string]any{"prompt": s.OriginalPrompt}
	case StepApproval:
		return map[string]any{"prompt": s.EffectivePrompt()}
	case StepGenerator:
		return map[string]any{
			"prompt":    s.EffectivePrompt(),
			"iteration": s.IterationCount + 1,
		}
	case StepCritic:
		return map[string]any{
			"prompt":    s.EffectivePrompt(),
			"has_image": s.HasArtifact(),
			"iteration": s.IterationCount,
		}
	default:
		return nil
	}
}

func stepOutput(u Update) map[string]any {
	out := make(map[string]any)
	if p := u.Plan; p != nil {
		out["optimized_prompt"] = p.OptimizedPrompt
		out["keywords"] = p.Analysis.Keywords
		out["original_length"] = p.Analysis.OriginalLength
		out["optimized_length"] = p.Analysis.OptimizedLength
	}
	if a := u.Approval; a != nil {
		out["approved"] = a.Approved
	}
	if g := u.Generation; g != nil {
		out["image_bytes"] = len(g.Artifact)
		out["width"] = g.Params.Width
		out["height"] = g.Params.Height
		out["steps"] = g.Params.Steps
	}
	if c := u.Critique; c != nil {
		out["score"] = c.Score
		out["feedback"] = c.Feedback
		out["issues"] = c.Issues
		out["iteration_count"] = c.IterationCount
		out["should_regenerate"] = c.ShouldRegenerate
	}
	return out
}
