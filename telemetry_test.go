package xevent

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

// setupTracingTest installs an in-memory span exporter as the global provider.
func setupTracingTest(t *testing.T) *tracetest.InMemoryExporter {
	exporter := tracetest.NewInMemoryExporter()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSyncer(exporter))

	original := otel.GetTracerProvider()
	otel.SetTracerProvider(tp)
	tracer = otel.Tracer("xevent")

	t.Cleanup(func() {
		otel.SetTracerProvider(original)
		tracer = otel.Tracer("xevent")
		if err := tp.Shutdown(context.Background()); err != nil {
			t.Logf("Error shutting down tracer provider: %v", err)
		}
	})
	return exporter
}

func setupMetricsTest(t *testing.T) *sdkmetric.ManualReader {
	reader := sdkmetric.NewManualReader()
	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))

	original := otel.GetMeterProvider()
	otel.SetMeterProvider(provider)

	t.Cleanup(func() {
		otel.SetMeterProvider(original)
		if err := provider.Shutdown(context.Background()); err != nil {
			t.Logf("Error shutting down meter provider: %v", err)
		}
	})
	return reader
}

func collectMetrics(t *testing.T, reader *sdkmetric.ManualReader) *metricdata.ResourceMetrics {
	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(context.Background(), &rm))
	return &rm
}

func findMetric(rm *metricdata.ResourceMetrics, name string) *metricdata.Metrics {
	for _, sm := range rm.ScopeMetrics {
		for i := range sm.Metrics {
			if sm.Metrics[i].Name == name {
				return &sm.Metrics[i]
			}
		}
	}
	return nil
}

func spanAttr(attrs []attribute.KeyValue, key attribute.Key) string {
	for _, a := range attrs {
		if a.Key == key {
			return a.Value.Emit()
		}
	}
	return ""
}

func findSpan(spans tracetest.SpanStubs, name string) *tracetest.SpanStub {
	for i := range spans {
		if spans[i].Name == name {
			return &spans[i]
		}
	}
	return nil
}

func TestTracing_FireSpanParentsDetachedBundle(t *testing.T) {
	exporter := setupTracingTest(t)
	s := newTestService(t, func(sb *ServiceBuilder) {
		sb.WithListener(
			immediateListener("validate", 0, nil, func(context.Context, *Event) error { return nil }),
			postCommitListener("audit", KindPostCommitSync, func(context.Context, *Bundle) error { return nil }),
		)
	})

	ec := NewEventContext(nil).WithRepository("docs")
	require.NoError(t, s.FireEvent(context.Background(), ec.NewEventWithFlags("created", FlagCommit)))

	spans := exporter.GetSpans()
	fire := findSpan(spans, "xevent.fire")
	bundle := findSpan(spans, "xevent.bundle")
	require.NotNil(t, fire)
	require.NotNil(t, bundle)

	assert.Equal(t, "created", spanAttr(fire.Attributes, "event.name"))
	assert.Equal(t, "commit", spanAttr(fire.Attributes, "event.flags"))
	assert.Equal(t, "docs", spanAttr(fire.Attributes, "event.repository"))
	assert.Equal(t, codes.Ok, fire.Status.Code)

	assert.Equal(t, "docs", spanAttr(bundle.Attributes, "bundle.repository"))
	assert.Equal(t, "1", spanAttr(bundle.Attributes, "bundle.size"))
	assert.Equal(t, fire.SpanContext.SpanID(), bundle.Parent.SpanID())

	require.Len(t, fire.Events, 1)
	assert.Equal(t, "listener", fire.Events[0].Name)
	assert.Equal(t, "validate", spanAttr(fire.Events[0].Attributes, "listener"))

	require.Len(t, bundle.Events, 1)
	assert.Equal(t, "audit", spanAttr(bundle.Events[0].Attributes, "listener"))
	assert.Equal(t, "postcommit-sync", spanAttr(bundle.Events[0].Attributes, "kind"))
}

func TestTracing_BubbledErrorMarksSpan(t *testing.T) {
	exporter := setupTracingTest(t)
	s := newTestService(t, func(sb *ServiceBuilder) {
		sb.WithListener(immediateListener("failing", 0, nil, func(context.Context, *Event) error {
			return errors.New("boom")
		}))
	})

	err := s.FireEvent(context.Background(), testContext().NewEventWithFlags("save", FlagBubbleException))
	require.Error(t, err)

	fire := findSpan(exporter.GetSpans(), "xevent.fire")
	require.NotNil(t, fire)
	assert.Equal(t, codes.Error, fire.Status.Code)
	require.Len(t, fire.Events, 2)
	assert.Equal(t, "boom", spanAttr(fire.Events[0].Attributes, "error"))
	assert.Equal(t, "exception", fire.Events[1].Name)
}

func TestTracing_Disabled(t *testing.T) {
	exporter := setupTracingTest(t)
	s := newTestService(t, func(sb *ServiceBuilder) {
		sb.WithTracing(false).
			WithListener(postCommitListener("audit", KindPostCommitSync, func(context.Context, *Bundle) error { return nil }))
	})

	require.NoError(t, s.FireEvent(context.Background(), testContext().NewEventWithFlags("x", FlagCommit)))
	assert.Empty(t, exporter.GetSpans())
}

func TestNewMetricsRecorder(t *testing.T) {
	setupMetricsTest(t)

	recorder := NewMetricsRecorder()
	require.NotNil(t, recorder)
	_, isNoop := recorder.(NoopMetrics)
	assert.False(t, isNoop, "Expected real metrics recorder, got noop")
}

func TestMetrics_ListenersAndBundles(t *testing.T) {
	reader := setupMetricsTest(t)
	m, err := newOtelMetrics()
	require.NoError(t, err)

	s := newTestService(t, func(sb *ServiceBuilder) {
		sb.WithMetricsRecorder(m).
			WithListener(
				immediateListener("failing", 0, []string{"bad"}, func(context.Context, *Event) error {
					return errors.New("boom")
				}),
				postCommitListener("audit", KindPostCommitSync, func(context.Context, *Bundle) error { return nil }),
			)
	})

	ec := testContext()
	require.NoError(t, s.RunInTransaction(context.Background(), func(ctx context.Context) error {
		_ = s.FireEvent(ctx, ec.NewEvent("bad"))
		return s.FireEvent(ctx, ec.NewEvent("good"))
	}))
	_ = s.RunInTransaction(context.Background(), func(ctx context.Context) error {
		for i := 0; i < 3; i++ {
			_ = s.FireEvent(ctx, ec.NewEvent("good"))
		}
		return errors.New("abort")
	})

	rm := collectMetrics(t, reader)

	t.Run("executions", func(t *testing.T) {
		metric := findMetric(rm, "xevent.listener.executions")
		require.NotNil(t, metric)
		sum, ok := metric.Data.(metricdata.Sum[int64])
		require.True(t, ok, "Expected Sum type")
		var total int64
		for _, dp := range sum.DataPoints {
			total += dp.Value
		}
		// one immediate run plus one post-commit run
		assert.Equal(t, int64(2), total)
	})

	t.Run("errors", func(t *testing.T) {
		metric := findMetric(rm, "xevent.listener.errors")
		require.NotNil(t, metric)
		sum, ok := metric.Data.(metricdata.Sum[int64])
		require.True(t, ok, "Expected Sum type")
		require.Len(t, sum.DataPoints, 1)
		assert.Equal(t, int64(1), sum.DataPoints[0].Value)
		v, ok := sum.DataPoints[0].Attributes.Value("listener")
		require.True(t, ok)
		assert.Equal(t, "failing", v.AsString())
	})

	t.Run("bundle size", func(t *testing.T) {
		metric := findMetric(rm, "xevent.bundle.size")
		require.NotNil(t, metric)
		hist, ok := metric.Data.(metricdata.Histogram[int64])
		require.True(t, ok, "Expected Histogram type")
		require.Len(t, hist.DataPoints, 1)
		assert.Equal(t, uint64(1), hist.DataPoints[0].Count)
		assert.Equal(t, int64(2), hist.DataPoints[0].Sum)
	})

	t.Run("discarded events", func(t *testing.T) {
		metric := findMetric(rm, "xevent.bundle.discarded_events")
		require.NotNil(t, metric)
		sum, ok := metric.Data.(metricdata.Sum[int64])
		require.True(t, ok, "Expected Sum type")
		require.Len(t, sum.DataPoints, 1)
		assert.Equal(t, int64(3), sum.DataPoints[0].Value)
	})

	t.Run("latency", func(t *testing.T) {
		metric := findMetric(rm, "xevent.listener.latency_ms")
		require.NotNil(t, metric)
		assert.Equal(t, "ms", metric.Unit)
	})
}

func TestNoopMetrics(t *testing.T) {
	var m MetricsRecorder = NoopMetrics{}
	assert.NotPanics(t, func() {
		m.RecordListenerExecution(context.Background(), "x", KindImmediate, 0, errors.New("boom"))
		m.RecordBundle(context.Background(), 3)
		m.RecordDiscard(context.Background(), 3)
	})
}
