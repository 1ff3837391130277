package xevent

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

// tracer uses the global OTel tracer provider.
var tracer = otel.Tracer("xevent")

// MetricsRecorder records listener and bundle metrics.
// Use NewMetricsRecorder() for OTel metrics or NoopMetrics{} when disabled.
type MetricsRecorder interface {
	// RecordListenerExecution records one listener run with its duration and error status.
	RecordListenerExecution(ctx context.Context, listener string, kind ListenerKind, duration time.Duration, err error)

	// RecordBundle records the size of a bundle delivered to post-commit listeners.
	RecordBundle(ctx context.Context, size int)

	// RecordDiscard records a bundle dropped on rollback.
	RecordDiscard(ctx context.Context, size int)
}

type otelMetrics struct {
	executions metric.Int64Counter
	latency    metric.Float64Histogram
	errors     metric.Int64Counter
	bundleSize metric.Int64Histogram
	discarded  metric.Int64Counter
}

var (
	defaultMetrics     *otelMetrics
	defaultMetricsOnce sync.Once
	defaultMetricsErr  error
)

func getDefaultMetrics() (*otelMetrics, error) {
	defaultMetricsOnce.Do(func() {
		defaultMetrics, defaultMetricsErr = newOtelMetrics()
	})
	return defaultMetrics, defaultMetricsErr
}

func newOtelMetrics() (*otelMetrics, error) {
	meter := otel.Meter("xevent")

	executions, err := meter.Int64Counter("xevent.listener.executions",
		metric.WithDescription("Number of listener executions"),
	)
	if err != nil {
		return nil, err
	}

	latency, err := meter.Float64Histogram("xevent.listener.latency_ms",
		metric.WithDescription("Listener execution latency in milliseconds"),
		metric.WithUnit("ms"),
	)
	if err != nil {
		return nil, err
	}

	errs, err := meter.Int64Counter("xevent.listener.errors",
		metric.WithDescription("Number of failed listener executions"),
	)
	if err != nil {
		return nil, err
	}

	bundleSize, err := meter.Int64Histogram("xevent.bundle.size",
		metric.WithDescription("Number of events per delivered bundle"),
	)
	if err != nil {
		return nil, err
	}

	discarded, err := meter.Int64Counter("xevent.bundle.discarded_events",
		metric.WithDescription("Number of recorded events dropped on rollback"),
	)
	if err != nil {
		return nil, err
	}

	return &otelMetrics{
		executions: executions,
		latency:    latency,
		errors:     errs,
		bundleSize: bundleSize,
		discarded:  discarded,
	}, nil
}

// NewMetricsRecorder returns a MetricsRecorder that uses the global OTel
// meter provider. If the instruments cannot be created it returns NoopMetrics.
func NewMetricsRecorder() MetricsRecorder {
	m, err := getDefaultMetrics()
	if err != nil {
		return NoopMetrics{}
	}
	return m
}

func (m *otelMetrics) RecordListenerExecution(ctx context.Context, listener string, kind ListenerKind, duration time.Duration, err error) {
	attrs := metric.WithAttributes(
		attribute.String("listener", listener),
		attribute.String("kind", kind.String()),
	)
	m.executions.Add(ctx, 1, attrs)
	m.latency.Record(ctx, float64(duration.Microseconds())/1000, attrs)
	if err != nil {
		m.errors.Add(ctx, 1, attrs)
	}
}

func (m *otelMetrics) RecordBundle(ctx context.Context, size int) {
	m.bundleSize.Record(ctx, int64(size))
}

func (m *otelMetrics) RecordDiscard(ctx context.Context, size int) {
	m.discarded.Add(ctx, int64(size))
}

// NoopMetrics is a MetricsRecorder that does nothing.
type NoopMetrics struct{}

var _ MetricsRecorder = NoopMetrics{}

func (NoopMetrics) RecordListenerExecution(context.Context, string, ListenerKind, time.Duration, error) {}

func (NoopMetrics) RecordBundle(context.Context, int) {}

func (NoopMetrics) RecordDiscard(context.Context, int) {}

// telemetry bundles the service's tracing switch and metrics recorder.
type telemetry struct {
	tracing bool
	metrics MetricsRecorder
}

func newTelemetry(tracing bool, m MetricsRecorder) *telemetry {
	if m == nil {
		m = NoopMetrics{}
	}
	return &telemetry{tracing: tracing, metrics: m}
}

func (t *telemetry) startFire(ctx context.Context, e *Event) (context.Context, trace.Span) {
	if !t.tracing {
		return ctx, nil
	}
	return tracer.Start(ctx, "xevent.fire",
		trace.WithAttributes(
			attribute.String("event.name", e.name),
			attribute.String("event.flags", e.flags.String()),
			attribute.String("event.repository", e.context.RepositoryName()),
		),
		trace.WithSpanKind(trace.SpanKindInternal),
	)
}

func (t *telemetry) startBundle(ctx context.Context, b *Bundle) (context.Context, trace.Span) {
	if !t.tracing {
		return ctx, nil
	}
	return tracer.Start(ctx, "xevent.bundle",
		trace.WithAttributes(
			attribute.String("bundle.id", b.id),
			attribute.String("bundle.tx", b.txID),
			attribute.String("bundle.repository", b.repository),
			attribute.Int("bundle.size", b.Len()),
		),
		trace.WithSpanKind(trace.SpanKindInternal),
	)
}

func (t *telemetry) recordListener(ctx context.Context, listener string, kind ListenerKind, d time.Duration, err error) {
	t.metrics.RecordListenerExecution(ctx, listener, kind, d, err)
	if !t.tracing {
		return
	}
	span := trace.SpanFromContext(ctx)
	if !span.IsRecording() {
		return
	}
	attrs := []attribute.KeyValue{
		attribute.String("listener", listener),
		attribute.String("kind", kind.String()),
		attribute.Int64("duration_us", d.Microseconds()),
	}
	if err != nil {
		attrs = append(attrs, attribute.String("error", err.Error()))
	}
	span.AddEvent("listener", trace.WithAttributes(attrs...))
}

func (t *telemetry) recordBundle(ctx context.Context, b *Bundle) {
	t.metrics.RecordBundle(ctx, b.Len())
}

func (t *telemetry) recordDiscard(ctx context.Context, n int) {
	if n > 0 {
		t.metrics.RecordDiscard(ctx, n)
	}
}

// endSpan completes span, recording err when set. A nil span is ignored.
func endSpan(span trace.Span, err error) {
	if span == nil {
		return
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	} else {
		span.SetStatus(codes.Ok, "")
	}
	span.End()
}
