package workflow

import (
	"context"
	"time"
)

// Snapshot is the read-only view of a task that clients poll.
type Snapshot struct {
	TaskID          string    `json:"task_id"`
	Status          Status    `json:"status"`
	Progress        int       `json:"progress"`
	CurrentStep     StepName  `json:"current_step,omitempty"`
	Artifact        []byte    `json:"generated_image,omitempty"`
	OptimizedPrompt string    `json:"optimized_prompt,omitempty"`
	QualityScore    *float64  `json:"quality_score,omitempty"`
	Feedback        string    `json:"feedback,omitempty"`
	Error           string    `json:"error,omitempty"`
	IterationCount  int       `json:"iteration_count"`
	MaxIterations   int       `json:"max_iterations"`
	CreatedAt       time.Time `json:"created_at"`
	UpdatedAt       time.Time `json:"updated_at"`
}

// PendingSnapshot is the snapshot registered for a task that has not started.
func PendingSnapshot(taskID string, maxIterations int, now time.Time) Snapshot {
	return Snapshot{
		TaskID:        taskID,
		Status:        StatusPending,
		MaxIterations: maxIterations,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
}

// Snapshot projects the state into a client-facing view. The artifact is
// shared, not copied; snapshots are never mutated after publication.
func (s *State) Snapshot(progress int) Snapshot {
	snap := Snapshot{
		TaskID:          s.TaskID,
		Status:          s.Status,
		Progress:        progress,
		CurrentStep:     s.CurrentStep,
		Artifact:        s.Artifact,
		OptimizedPrompt: s.OptimizedPrompt,
		Feedback:        s.Feedback,
		Error:           s.Error,
		IterationCount:  s.IterationCount,
		MaxIterations:   s.MaxIterations,
		CreatedAt:       s.CreatedAt,
		UpdatedAt:       s.UpdatedAt,
	}
	if s.QualityScore != nil {
		q := *s.QualityScore
		snap.QualityScore = &q
	}
	return snap
}

// Publisher receives every snapshot a run produces.
type Publisher interface {
	Publish(ctx context.Context, snap Snapshot)
}

// PublisherFunc adapts a function to Publisher.
type PublisherFunc func(ctx context.Context, snap Snapshot)

func (f PublisherFunc) Publish(ctx context.Context, snap Snapshot) { f(ctx, snap) }

// Publishers fans a snapshot out to several publishers in order.
type Publishers []Publisher

func (ps Publishers) Publish(ctx context.Context, snap Snapshot) {
	for _, p := range ps {
		if p != nil {
			p.Publish(ctx, snap)
		}
	}
}
