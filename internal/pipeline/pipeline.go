// Package pipeline is the request-layer boundary of visiond.
//
// It validates generation requests, registers tasks, owns the goroutine of
// every run and exposes the read, feedback, cancel and approval operations
// the HTTP API is built on.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/visiond/internal/logging"
	"github.com/fyrsmithlabs/visiond/internal/monitor"
	"github.com/fyrsmithlabs/visiond/internal/workflow"
)

const (
	MinPromptLength    = 3
	MaxPromptLength    = 1000
	MaxIterationsLimit = 5
)

var (
	// ErrInvalidRequest indicates a request that failed validation.
	ErrInvalidRequest = errors.New("invalid request")

	// ErrShuttingDown indicates the pipeline no longer accepts work.
	ErrShuttingDown = errors.New("pipeline is shutting down")

	// ErrNotRunning indicates the task has no active run.
	ErrNotRunning = errors.New("task is not running")

	// ErrApprovalUnavailable indicates no approval gate accepts signals.
	ErrApprovalUnavailable = errors.New("approval signals are not enabled")
)

// Executor runs one workflow to completion.
type Executor interface {
	Execute(ctx context.Context, initial *workflow.State) (*workflow.State, error)
}

// Store holds task snapshots.
type Store interface {
	Create(snap workflow.Snapshot) error
	Get(taskID string) (workflow.Snapshot, error)
	Delete(taskID string) error
	Watch(ctx context.Context, taskID string) (<-chan workflow.Snapshot, error)
	Count() int
	ActiveCount() int
}

// Approver delivers human approval decisions to waiting runs.
type Approver interface {
	Approve(taskID string, approved bool) error
}

// Request is a generation request.
type Request struct {
	Prompt         string
	ReferenceImage []byte
	// MaxIterations of zero selects the configured default.
	MaxIterations int
	Monitoring    bool
}

// Config configures request validation.
type Config struct {
	DefaultMaxIterations int
	MaxIterationsLimit   int
}

func (c Config) withDefaults() Config {
	if c.MaxIterationsLimit <= 0 {
		c.MaxIterationsLimit = MaxIterationsLimit
	}
	if c.DefaultMaxIterations <= 0 {
		c.DefaultMaxIterations = workflow.DefaultMaxIterations
	}
	if c.DefaultMaxIterations > c.MaxIterationsLimit {
		c.DefaultMaxIterations = c.MaxIterationsLimit
	}
	return c
}

// Pipeline accepts requests and runs workflows in the background.
type Pipeline struct {
	cfg      Config
	executor Executor
	store    Store
	sink     monitor.Sink
	approver Approver
	logger   *logging.Logger

	baseCtx context.Context
	stop    context.CancelFunc

	mu      sync.Mutex
	cancels map[string]context.CancelFunc
	closed  bool
	wg      sync.WaitGroup
}

// Option configures a Pipeline.
type Option func(*Pipeline)

// WithApprover enables Approve.
func WithApprover(a Approver) Option {
	return func(p *Pipeline) { p.approver = a }
}

// WithSink sets the sink used for feedback scores. Runs use the sink the
// executor was built with.
func WithSink(s monitor.Sink) Option {
	return func(p *Pipeline) {
		if s != nil {
			p.sink = s
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l *logging.Logger) Option {
	return func(p *Pipeline) {
		if l != nil {
			p.logger = l
		}
	}
}

// New creates a pipeline.
func New(cfg Config, executor Executor, store Store, opts ...Option) *Pipeline {
	ctx, stop := context.WithCancel(context.Background())
	p := &Pipeline{
		cfg:      cfg.withDefaults(),
		executor: executor,
		store:    store,
		sink:     monitor.Nop{},
		logger:   logging.NewNop(),
		baseCtx:  ctx,
		stop:     stop,
		cancels:  make(map[string]context.CancelFunc),
	}
	for _, opt := range opts {
		opt(p)
	}
	p.logger = p.logger.Named("pipeline")
	return p
}

// Validate checks a request and fills defaults.
func (p *Pipeline) Validate(req *Request) error {
	n := utf8.RuneCountInString(strings.TrimSpace(req.Prompt))
	if n < MinPromptLength {
		return fmt.Errorf("%w: prompt must be at least %d characters long", ErrInvalidRequest, MinPromptLength)
	}
	if utf8.RuneCountInString(req.Prompt) > MaxPromptLength {
		return fmt.Errorf("%w: prompt must be at most %d characters long", ErrInvalidRequest, MaxPromptLength)
	}
	if req.MaxIterations == 0 {
		req.MaxIterations = p.cfg.DefaultMaxIterations
	}
	if req.MaxIterations < 1 || req.MaxIterations > p.cfg.MaxIterationsLimit {
		return fmt.Errorf("%w: max_iterations must be between 1 and %d", ErrInvalidRequest, p.cfg.MaxIterationsLimit)
	}
	return nil
}

// Submit registers a task and starts its run. It returns as soon as the
// task is registered; the run continues after ctx ends.
func (p *Pipeline) Submit(ctx context.Context, req Request) (string, error) {
	if err := p.Validate(&req); err != nil {
		return "", err
	}

	taskID := uuid.NewString()
	state := workflow.NewState(taskID, req.Prompt, req.ReferenceImage, req.MaxIterations)

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return "", ErrShuttingDown
	}
	if err := p.store.Create(workflow.PendingSnapshot(taskID, state.MaxIterations, state.CreatedAt)); err != nil {
		p.mu.Unlock()
		return "", fmt.Errorf("registering task: %w", err)
	}

	runCtx, cancel := context.WithCancel(p.baseCtx)
	runCtx = logging.WithTaskID(runCtx, taskID)
	if reqID := logging.RequestIDFromContext(ctx); reqID != "" {
		runCtx = logging.WithRequestID(runCtx, reqID)
	}
	if !req.Monitoring {
		runCtx = monitor.WithSink(runCtx, monitor.Nop{})
	}
	p.cancels[taskID] = cancel
	p.wg.Add(1)
	p.mu.Unlock()

	p.logger.Info(runCtx, "task accepted",
		zap.Int("max_iterations", req.MaxIterations),
		zap.Bool("monitoring", req.Monitoring),
		zap.Bool("reference_image", len(req.ReferenceImage) > 0),
	)

	go p.run(runCtx, cancel, state)
	return taskID, nil
}

func (p *Pipeline) run(ctx context.Context, cancel context.CancelFunc, state *workflow.State) {
	defer p.wg.Done()
	defer func() {
		p.mu.Lock()
		delete(p.cancels, state.TaskID)
		p.mu.Unlock()
		cancel()
	}()

	start := time.Now()
	final, err := p.executor.Execute(ctx, state)
	if err != nil {
		p.logger.Info(ctx, "task finished with failure",
			zap.Duration("duration", time.Since(start)),
			zap.Error(err),
		)
		return
	}
	p.logger.Info(ctx, "task finished",
		zap.String("status", string(final.Status)),
		zap.Duration("duration", time.Since(start)),
	)
}

// GetSnapshot returns the latest snapshot of a task.
func (p *Pipeline) GetSnapshot(taskID string) (workflow.Snapshot, error) {
	return p.store.Get(taskID)
}

// Watch streams a task's snapshots until it is terminal, deleted, or ctx
// is done.
func (p *Pipeline) Watch(ctx context.Context, taskID string) (<-chan workflow.Snapshot, error) {
	return p.store.Watch(ctx, taskID)
}

// SubmitFeedback records a user rating in [0, 1] for a known task.
func (p *Pipeline) SubmitFeedback(ctx context.Context, taskID string, rating float64, comment string) error {
	if rating < 0 || rating > 1 {
		return fmt.Errorf("%w: rating must be between 0 and 1", ErrInvalidRequest)
	}
	if _, err := p.store.Get(taskID); err != nil {
		return err
	}
	ctx = logging.WithTaskID(ctx, taskID)
	p.sink.RecordScore(ctx, taskID, monitor.ScoreUserFeedback, rating, comment)
	p.logger.Info(ctx, "feedback received", zap.Float64("rating", rating))
	return nil
}

// Cancel stops an active run. The run publishes a failed snapshot with
// error "cancelled".
func (p *Pipeline) Cancel(taskID string) error {
	p.mu.Lock()
	cancel, ok := p.cancels[taskID]
	p.mu.Unlock()
	if !ok {
		if _, err := p.store.Get(taskID); err != nil {
			return err
		}
		return fmt.Errorf("%w: %s", ErrNotRunning, taskID)
	}
	cancel()
	return nil
}

// Approve delivers an approval decision to a run waiting at the approval
// step.
func (p *Pipeline) Approve(taskID string, approved bool) error {
	if p.approver == nil {
		return ErrApprovalUnavailable
	}
	if _, err := p.store.Get(taskID); err != nil {
		return err
	}
	return p.approver.Approve(taskID, approved)
}

// DeleteTask cancels the task's run, if any, and removes the task.
func (p *Pipeline) DeleteTask(taskID string) error {
	p.mu.Lock()
	cancel, running := p.cancels[taskID]
	p.mu.Unlock()
	if running {
		cancel()
	}
	return p.store.Delete(taskID)
}

// Count returns the number of tasks held.
func (p *Pipeline) Count() int { return p.store.Count() }

// ActiveCount returns the number of tasks not yet terminal.
func (p *Pipeline) ActiveCount() int { return p.store.ActiveCount() }

// Shutdown stops accepting requests and waits for in-flight runs. When ctx
// is done first, remaining runs are cancelled and awaited. The sink is
// flushed last.
func (p *Pipeline) Shutdown(ctx context.Context) error {
	p.mu.Lock()
	p.closed = true
	inFlight := len(p.cancels)
	p.mu.Unlock()

	p.logger.Info(ctx, "pipeline shutting down", zap.Int("in_flight", inFlight))

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	var err error
	select {
	case <-done:
	case <-ctx.Done():
		p.logger.Warn(ctx, "shutdown timeout, cancelling runs")
		p.stop()
		<-done
		err = ctx.Err()
	}
	p.stop()

	fctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if ferr := p.sink.Flush(fctx); ferr != nil {
		err = errors.Join(err, fmt.Errorf("flushing monitor: %w", ferr))
	}
	return err
}
