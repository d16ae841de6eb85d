// Package approval provides gates for the human-in-the-loop approval step.
package approval

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/fyrsmithlabs/visiond/internal/logging"
)

// DefaultTimeout bounds how long a run waits for a decision.
const DefaultTimeout = 10 * time.Minute

var (
	// ErrNoPendingApproval indicates no run is waiting on the task.
	ErrNoPendingApproval = errors.New("no pending approval for task")

	// ErrAlreadyWaiting indicates a second waiter for the same task.
	ErrAlreadyWaiting = errors.New("approval already pending for task")
)

// Auto approves every prompt immediately.
type Auto struct{}

func (Auto) Await(context.Context, string, string) (bool, error) { return true, nil }

// Signal suspends a run until Approve is called for its task, the timeout
// elapses or the context is done. It is safe for concurrent use.
type Signal struct {
	timeout time.Duration
	logger  *logging.Logger

	mu      sync.Mutex
	pending map[string]chan bool
}

// NewSignal creates a signal gate. A non-positive timeout selects
// DefaultTimeout.
func NewSignal(timeout time.Duration, logger *logging.Logger) *Signal {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	if logger == nil {
		logger = logging.NewNop()
	}
	return &Signal{
		timeout: timeout,
		logger:  logger,
		pending: make(map[string]chan bool),
	}
}

// Await blocks until a decision arrives. Timeout is reported as
// context.DeadlineExceeded.
func (s *Signal) Await(ctx context.Context, taskID, prompt string) (bool, error) {
	ch := make(chan bool, 1)

	s.mu.Lock()
	if _, exists := s.pending[taskID]; exists {
		s.mu.Unlock()
		return false, fmt.Errorf("%w: %s", ErrAlreadyWaiting, taskID)
	}
	s.pending[taskID] = ch
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		delete(s.pending, taskID)
		s.mu.Unlock()
	}()

	s.logger.Info(ctx, "awaiting approval",
		zap.Int("prompt_length", len(prompt)),
		zap.Duration("timeout", s.timeout),
	)

	timer := time.NewTimer(s.timeout)
	defer timer.Stop()

	select {
	case approved := <-ch:
		return approved, nil
	case <-timer.C:
		return false, fmt.Errorf("no decision within %s: %w", s.timeout, context.DeadlineExceeded)
	case <-ctx.Done():
		return false, ctx.Err()
	}
}

// Approve delivers a decision to the run waiting on taskID.
func (s *Signal) Approve(taskID string, approved bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	ch, ok := s.pending[taskID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNoPendingApproval, taskID)
	}
	select {
	case ch <- approved:
		return nil
	default:
		// A decision is already queued.
		return fmt.Errorf("%w: %s", ErrNoPendingApproval, taskID)
	}
}

// Pending reports whether a run is waiting on taskID.
func (s *Signal) Pending(taskID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.pending[taskID]
	return ok
}
