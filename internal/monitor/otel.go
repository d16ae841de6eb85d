package monitor

import (
	"context"
	"fmt"
	"sort"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

const (
	instrumentationName = "github.com/fyrsmithlabs/visiond/internal/monitor"
	maxAttrLen          = 512
)

// Provider supplies tracers and meters. *telemetry.Telemetry satisfies it.
type Provider interface {
	Tracer(name string, opts ...trace.TracerOption) trace.Tracer
	Meter(name string, opts ...metric.MeterOption) metric.Meter
	ForceFlush(ctx context.Context) error
}

// OTelSink records steps and errors as spans and scores as a histogram.
type OTelSink struct {
	provider Provider
	tracer   trace.Tracer
	steps    metric.Int64Counter
	errors   metric.Int64Counter
	scores   metric.Float64Histogram
}

// NewOTelSink creates the sink and its instruments.
func NewOTelSink(p Provider) (*OTelSink, error) {
	meter := p.Meter(instrumentationName)

	steps, err := meter.Int64Counter("visiond.monitor.steps",
		metric.WithDescription("Workflow steps recorded"),
		metric.WithUnit("{step}"),
	)
	if err != nil {
		return nil, fmt.Errorf("creating steps counter: %w", err)
	}

	errs, err := meter.Int64Counter("visiond.monitor.errors",
		metric.WithDescription("Workflow errors recorded"),
		metric.WithUnit("{error}"),
	)
	if err != nil {
		return nil, fmt.Errorf("creating errors counter: %w", err)
	}

	scores, err := meter.Float64Histogram("visiond.monitor.score",
		metric.WithDescription("Quality and user feedback scores"),
		metric.WithExplicitBucketBoundaries(0.1, 0.2, 0.3, 0.4, 0.5, 0.6, 0.7, 0.8, 0.9, 1.0),
	)
	if err != nil {
		return nil, fmt.Errorf("creating score histogram: %w", err)
	}

	return &OTelSink{
		provider: p,
		tracer:   p.Tracer(instrumentationName),
		steps:    steps,
		errors:   errs,
		scores:   scores,
	}, nil
}

func (s *OTelSink) RecordStep(ctx context.Context, taskID, step string, input, output map[string]any) {
	attrs := []attribute.KeyValue{
		attribute.String("task.id", taskID),
		attribute.String("step", step),
	}
	attrs = appendMap(attrs, "input.", input)
	attrs = appendMap(attrs, "output.", output)

	_, span := s.tracer.Start(ctx, "workflow.step", trace.WithAttributes(attrs...))
	span.End()

	s.steps.Add(ctx, 1, metric.WithAttributes(attribute.String("step", step)))
}

func (s *OTelSink) RecordError(ctx context.Context, taskID, message string) {
	_, span := s.tracer.Start(ctx, "workflow.error", trace.WithAttributes(
		attribute.String("task.id", taskID),
	))
	span.SetStatus(codes.Error, message)
	span.AddEvent("error", trace.WithAttributes(attribute.String("message", truncate(message))))
	span.End()

	s.errors.Add(ctx, 1)
}

func (s *OTelSink) RecordScore(ctx context.Context, taskID, name string, value float64, comment string) {
	_, span := s.tracer.Start(ctx, "workflow.score", trace.WithAttributes(
		attribute.String("task.id", taskID),
		attribute.String("score.name", name),
		attribute.Float64("score.value", value),
		attribute.String("score.comment", truncate(comment)),
	))
	span.End()

	s.scores.Record(ctx, value, metric.WithAttributes(attribute.String("score.name", name)))
}

// Flush exports pending spans and metrics.
func (s *OTelSink) Flush(ctx context.Context) error {
	return s.provider.ForceFlush(ctx)
}

func appendMap(attrs []attribute.KeyValue, prefix string, m map[string]any) []attribute.KeyValue {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	for _, k := range keys {
		key := prefix + k
		switch v := m[k].(type) {
		case string:
			attrs = append(attrs, attribute.String(key, truncate(v)))
		case bool:
			attrs = append(attrs, attribute.Bool(key, v))
		case int:
			attrs = append(attrs, attribute.Int(key, v))
		case int64:
			attrs = append(attrs, attribute.Int64(key, v))
		case float64:
			attrs = append(attrs, attribute.Float64(key, v))
		case []string:
			attrs = append(attrs, attribute.StringSlice(key, v))
		default:
			attrs = append(attrs, attribute.String(key, truncate(fmt.Sprint(v))))
		}
	}
	return attrs
}

func truncate(s string) string {
	if len(s) <= maxAttrLen {
		return s
	}
	return s[:maxAttrLen]
}
