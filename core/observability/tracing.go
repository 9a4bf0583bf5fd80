package observability

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

// tracerName mirrors the teacher's cmd/agentflow/middleware.go convention of
// naming the tracer after the subsystem it instruments, here the routing
// core instead of the HTTP layer.
const tracerName = "llmcore/core"

// StartDecisionSpan opens a span around one Router.Select call.
func StartDecisionSpan(ctx context.Context, workload string) (context.Context, trace.Span) {
	tracer := otel.Tracer(tracerName)
	return tracer.Start(ctx, "route_and_call.select",
		trace.WithSpanKind(trace.SpanKindInternal),
		trace.WithAttributes(attribute.String("workload", workload)),
	)
}

// StartAttemptSpan opens a span around one Executor attempt against a
// single endpoint, child of the decision span carried in ctx.
func StartAttemptSpan(ctx context.Context, endpoint string) (context.Context, trace.Span) {
	tracer := otel.Tracer(tracerName)
	return tracer.Start(ctx, "route_and_call.attempt",
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(attribute.String("endpoint", endpoint)),
	)
}

// RecordOutcome annotates span with the attempt's outcome and, on failure,
// the Failure Classification string.
func RecordOutcome(span trace.Span, outcome string, class string) {
	span.SetAttributes(attribute.String("outcome", outcome))
	if class != "" {
		span.SetAttributes(attribute.String("error_class", class))
	}
}

var (
	latencyOnce sync.Once
	latencyHist metric.Float64Histogram
)

// RecordAttemptLatency records one attempt's wall-clock latency against the
// globally installed meter provider. A no-op until SetupOTel (or the
// embedding application) installs one.
func RecordAttemptLatency(ctx context.Context, endpoint, outcome string, seconds float64) {
	latencyOnce.Do(func() {
		h, err := otel.Meter(tracerName).Float64Histogram(
			"llmcore.attempt.latency",
			metric.WithUnit("s"),
			metric.WithDescription("Latency of one upstream attempt"),
		)
		if err == nil {
			latencyHist = h
		}
	})
	if latencyHist == nil {
		return
	}
	latencyHist.Record(ctx, seconds, metric.WithAttributes(
		attribute.String("endpoint", endpoint),
		attribute.String("outcome", outcome),
	))
}
