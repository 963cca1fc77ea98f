// Package telemetry provides nil-safe helpers over OpenTelemetry.
// All functions are safe to call when no SDK is installed and when no span
// exists in the context; they degrade to no-ops so components never need
// to guard their instrumentation.
package telemetry

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

const instrumentationName = "github.com/atriumhq/conductor"

var (
	meterOnce sync.Once
	meter     metric.Meter

	countersMu sync.Mutex
	counters   = map[string]metric.Int64Counter{}

	histosMu sync.Mutex
	histos   = map[string]metric.Float64Histogram{}
)

func getMeter() metric.Meter {
	meterOnce.Do(func() {
		meter = otel.Meter(instrumentationName)
	})
	return meter
}

// Counter increments a counter metric by 1.
// Labels should be provided as key-value pairs.
// Example: Counter("engine.node.dispatched", "kind", "agent")
func Counter(name string, labels ...string) {
	countersMu.Lock()
	c, ok := counters[name]
	if !ok {
		var err error
		c, err = getMeter().Int64Counter(name)
		if err != nil {
			countersMu.Unlock()
			return
		}
		counters[name] = c
	}
	countersMu.Unlock()
	c.Add(context.Background(), 1, metric.WithAttributes(pairAttrs(labels)...))
}

// Histogram records a value in a distribution. Use for latencies and sizes.
func Histogram(name string, value float64, labels ...string) {
	histosMu.Lock()
	h, ok := histos[name]
	if !ok {
		var err error
		h, err = getMeter().Float64Histogram(name)
		if err != nil {
			histosMu.Unlock()
			return
		}
		histos[name] = h
	}
	histosMu.Unlock()
	h.Record(context.Background(), value, metric.WithAttributes(pairAttrs(labels)...))
}

// Duration records elapsed milliseconds since startTime.
func Duration(name string, startTime time.Time, labels ...string) {
	Histogram(name, float64(time.Since(startTime).Milliseconds()), labels...)
}

// StartSpan starts a child span on the globally installed tracer.
func StartSpan(ctx context.Context, name string) (context.Context, trace.Span) {
	return otel.Tracer(instrumentationName).Start(ctx, name)
}

// AddSpanEvent marks a point-in-time occurrence on the current span.
// Safe to call when no span exists in the context.
func AddSpanEvent(ctx context.Context, name string, attrs ...attribute.KeyValue) {
	if ctx == nil {
		return
	}
	span := trace.SpanFromContext(ctx)
	if span.IsRecording() {
		span.AddEvent(name, trace.WithAttributes(attrs...))
	}
}

// RecordSpanError records err on the current span and sets error status.
// Safe to call when ctx or err is nil.
func RecordSpanError(ctx context.Context, err error) {
	if ctx == nil || err == nil {
		return
	}
	span := trace.SpanFromContext(ctx)
	if span.IsRecording() {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
}

// SetSpanAttributes adds attributes to the current span.
func SetSpanAttributes(ctx context.Context, attrs ...attribute.KeyValue) {
	if ctx == nil {
		return
	}
	span := trace.SpanFromContext(ctx)
	if span.IsRecording() {
		span.SetAttributes(attrs...)
	}
}

func pairAttrs(labels []string) []attribute.KeyValue {
	attrs := make([]attribute.KeyValue, 0, len(labels)/2)
	for i := 0; i+1 < len(labels); i += 2 {
		attrs = append(attrs, attribute.String(labels[i], labels[i+1]))
	}
	return attrs
}
