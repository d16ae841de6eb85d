// Package events publishes task snapshots to NATS.
//
// Every snapshot becomes an event on
//
//	{prefix}.{task_id}.{status}
//
// so consumers can subscribe to one task ({prefix}.{id}.>) or to every
// terminal transition ({prefix}.*.completed). Artifacts are not included;
// consumers fetch them from the HTTP API.
package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/visiond/internal/logging"
	"github.com/fyrsmithlabs/visiond/internal/workflow"
)

// DefaultSubjectPrefix is used when no prefix is configured.
const DefaultSubjectPrefix = "visiond.tasks"

// Event is the payload published for a snapshot.
type Event struct {
	TaskID          string            `json:"task_id"`
	Status          workflow.Status   `json:"status"`
	Progress        int               `json:"progress"`
	CurrentStep     workflow.StepName `json:"current_step,omitempty"`
	HasImage        bool              `json:"has_image"`
	OptimizedPrompt string            `json:"optimized_prompt,omitempty"`
	QualityScore    *float64          `json:"quality_score,omitempty"`
	Feedback        string            `json:"feedback,omitempty"`
	Error           string            `json:"error,omitempty"`
	IterationCount  int               `json:"iteration_count"`
	MaxIterations   int               `json:"max_iterations"`
	UpdatedAt       time.Time         `json:"updated_at"`
}

// NewEvent projects a snapshot into an event.
func NewEvent(snap workflow.Snapshot) Event {
	return Event{
		TaskID:          snap.TaskID,
		Status:          snap.Status,
		Progress:        snap.Progress,
		CurrentStep:     snap.CurrentStep,
		HasImage:        len(snap.Artifact) > 0,
		OptimizedPrompt: snap.OptimizedPrompt,
		QualityScore:    snap.QualityScore,
		Feedback:        snap.Feedback,
		Error:           snap.Error,
		IterationCount:  snap.IterationCount,
		MaxIterations:   snap.MaxIterations,
		UpdatedAt:       snap.UpdatedAt,
	}
}

// Subject returns the subject for a task's status event.
func Subject(prefix, taskID string, status workflow.Status) string {
	return fmt.Sprintf("%s.%s.%s", prefix, taskID, status)
}

// TaskSubjects returns the wildcard subject matching every event of a task.
func TaskSubjects(prefix, taskID string) string {
	return fmt.Sprintf("%s.%s.>", prefix, taskID)
}

// Connect dials NATS with reconnect settings suited to a long-running
// server.
func Connect(url string) (*nats.Conn, error) {
	nc, err := nats.Connect(url,
		nats.Name("visiond"),
		nats.RetryOnFailedConnect(true),
		nats.MaxReconnects(5),
		nats.ReconnectWait(1*time.Second),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS at %s: %w", url, err)
	}
	return nc, nil
}

// Publisher sends snapshot events over a NATS connection. It implements
// workflow.Publisher; publish failures are logged, never returned to the
// run.
type Publisher struct {
	nc     *nats.Conn
	prefix string
	logger *logging.Logger
}

// NewPublisher creates a publisher. An empty prefix selects
// DefaultSubjectPrefix.
func NewPublisher(nc *nats.Conn, prefix string, logger *logging.Logger) (*Publisher, error) {
	if nc == nil {
		return nil, errors.New("nats connection is required")
	}
	if prefix == "" {
		prefix = DefaultSubjectPrefix
	}
	if logger == nil {
		logger = logging.NewNop()
	}
	return &Publisher{nc: nc, prefix: prefix, logger: logger.Named("events")}, nil
}

func (p *Publisher) Publish(ctx context.Context, snap workflow.Snapshot) {
	if err := p.publish(snap); err != nil {
		p.logger.Warn(ctx, "publishing task event", zap.Error(err))
	}
}

func (p *Publisher) publish(snap workflow.Snapshot) error {
	data, err := json.Marshal(NewEvent(snap))
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	subject := Subject(p.prefix, snap.TaskID, snap.Status)
	if err := p.nc.Publish(subject, data); err != nil {
		return fmt.Errorf("publish %s: %w", subject, err)
	}
	return nil
}

// Flush waits until the server has processed all published events.
func (p *Publisher) Flush(ctx context.Context) error {
	return p.nc.FlushWithContext(ctx)
}
