package monitor

import (
	"context"

	"github.com/fyrsmithlabs/visiond/internal/logging"
	"go.uber.org/zap"
)

// LogSink writes monitoring records as structured log entries.
type LogSink struct {
	logger *logging.Logger
}

// NewLogSink creates a sink that logs under the "monitor" name.
func NewLogSink(logger *logging.Logger) *LogSink {
	if logger == nil {
		logger = logging.NewNop()
	}
	return &LogSink{logger: logger.Named("monitor")}
}

func (s *LogSink) RecordStep(ctx context.Context, taskID, step string, input, output map[string]any) {
	s.logger.Info(ctx, "step recorded",
		zap.String("task_id", taskID),
		zap.String("step", step),
		zap.Any("input", input),
		zap.Any("output", output),
	)
}

func (s *LogSink) RecordError(ctx context.Context, taskID, message string) {
	s.logger.Warn(ctx, "error recorded",
		zap.String("task_id", taskID),
		zap.String("error", message),
	)
}

func (s *LogSink) RecordScore(ctx context.Context, taskID, name string, value float64, comment string) {
	s.logger.Info(ctx, "score recorded",
		zap.String("task_id", taskID),
		zap.String("score_name", name),
		zap.Float64("value", value),
		zap.String("comment", comment),
	)
}

// Flush syncs the underlying logger.
func (s *LogSink) Flush(context.Context) error {
	return s.logger.Sync()
}
