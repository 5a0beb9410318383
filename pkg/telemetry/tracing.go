package telemetry

import (
	"context"
	"sync/atomic"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	sdkresource "go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
)

// SpanStats is a point-in-time count of spans finished since startup.
type SpanStats struct {
	Started int64 `json:"started"`
	Ended   int64 `json:"ended"`
	Errored int64 `json:"errored"`
}

// spanCounter is a SpanProcessor that only counts. Detailed call evidence
// lives in the correlations table, written at the call site where tokens and
// request summaries are in hand; exporting spans again would duplicate it.
type spanCounter struct {
	started atomic.Int64
	ended   atomic.Int64
	errored atomic.Int64
}

func (s *spanCounter) OnStart(_ context.Context, _ sdktrace.ReadWriteSpan) {
	s.started.Add(1)
}

func (s *spanCounter) OnEnd(span sdktrace.ReadOnlySpan) {
	s.ended.Add(1)
	if span.Status().Code == codes.Error {
		s.errored.Add(1)
	}
}

func (s *spanCounter) Shutdown(context.Context) error   { return nil }
func (s *spanCounter) ForceFlush(context.Context) error { return nil }

func (s *spanCounter) stats() SpanStats {
	return SpanStats{
		Started: s.started.Load(),
		Ended:   s.ended.Load(),
		Errored: s.errored.Load(),
	}
}

// Tracing owns the process tracer provider.
type Tracing struct {
	provider *sdktrace.TracerProvider
	counter  *spanCounter
}

// SetupTracing installs the global tracer provider that pipeline and bus
// spans attach to, tagged with the occurrence identity.
func SetupTracing(occurrenceID string) *Tracing {
	counter := &spanCounter{}
	provider := sdktrace.NewTracerProvider(
		sdktrace.WithResource(sdkresource.NewSchemaless(
			attribute.String("service.name", "ciris-engine"),
			attribute.String("ciris.occurrence_id", occurrenceID),
		)),
		sdktrace.WithSpanProcessor(counter),
	)
	otel.SetTracerProvider(provider)
	return &Tracing{provider: provider, counter: counter}
}

// SpanStats returns span counts for the unified snapshot.
func (t *Tracing) SpanStats() SpanStats {
	return t.counter.stats()
}

// Shutdown flushes and stops the tracer provider.
func (t *Tracing) Shutdown(ctx context.Context) error {
	return t.provider.Shutdown(ctx)
}
