// Package monitor records workflow activity for offline inspection.
//
// A Sink is always present. When monitoring is off the Nop sink is used,
// so callers never branch on whether monitoring is enabled.
package monitor

import (
	"context"
	"errors"
)

// Score names.
const (
	ScoreQuality      = "quality"
	ScoreUserFeedback = "user_feedback"
)

// Sink receives step traces, errors and scores for a task.
type Sink interface {
	RecordStep(ctx context.Context, taskID, step string, input, output map[string]any)
	RecordError(ctx context.Context, taskID, message string)
	RecordScore(ctx context.Context, taskID, name string, value float64, comment string)
	Flush(ctx context.Context) error
}

// Nop discards everything.
type Nop struct{}

func (Nop) RecordStep(context.Context, string, string, map[string]any, map[string]any) {}
func (Nop) RecordError(context.Context, string, string)                               {}
func (Nop) RecordScore(context.Context, string, string, float64, string)              {}
func (Nop) Flush(context.Context) error                                                { return nil }

// Multi fans every record out to each sink in order.
type Multi []Sink

func (m Multi) RecordStep(ctx context.Context, taskID, step string, input, output map[string]any) {
	for _, s := range m {
		s.RecordStep(ctx, taskID, step, input, output)
	}
}

func (m Multi) RecordError(ctx context.Context, taskID, message string) {
	for _, s := range m {
		s.RecordError(ctx, taskID, message)
	}
}

func (m Multi) RecordScore(ctx context.Context, taskID, name string, value float64, comment string) {
	for _, s := range m {
		s.RecordScore(ctx, taskID, name, value, comment)
	}
}

// Flush flushes every sink and joins their errors.
func (m Multi) Flush(ctx context.Context) error {
	var errs []error
	for _, s := range m {
		if err := s.Flush(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

type sinkCtxKey struct{}

// WithSink overrides the sink for runs started with ctx.
func WithSink(ctx context.Context, s Sink) context.Context {
	return context.WithValue(ctx, sinkCtxKey{}, s)
}

// FromContext returns the sink stored by WithSink, else fallback, else Nop.
func FromContext(ctx context.Context, fallback Sink) Sink {
	if s, ok := ctx.Value(sinkCtxKey{}).(Sink); ok && s != nil {
		return s
	}
	if fallback != nil {
		return fallback
	}
	return Nop{}
}
