package telemetry

import (
	"context"
	"sync"
	"time"

	"github.com/polisai/polis-intercept/pkg/engine/runtime"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

var (
	metricsOnce               sync.Once
	metricsInitErr            error
	hopCounter                metric.Int64Counter
	hopFailureCounter         metric.Int64Counter
	hopLatencyHistogram       metric.Float64Histogram
	executionCounter          metric.Int64Counter
	executionLatencyHistogram metric.Float64Histogram
)

// HopMetrics captures the fields needed to record one policy hop.
type HopMetrics struct {
	PolicyID string
	Scope    runtime.Scope
	Outcome  runtime.HopOutcome
	Duration time.Duration
}

// ExecutionMetrics describes one completed source or operation execution.
type ExecutionMetrics struct {
	ComponentID string
	Scope       runtime.Scope
	Success     bool
	FailureKind string
	Duration    time.Duration
}

// RecordHopMetrics emits counters and histograms that describe policy hop behaviour.
func RecordHopMetrics(ctx context.Context, m HopMetrics) {
	if err := ensureMetrics(); err != nil {
		return
	}

	attrs := metric.WithAttributes(
		attribute.String("policy.id", m.PolicyID),
		attribute.String("chain.scope", string(m.Scope)),
		attribute.String("hop.outcome", string(m.Outcome)),
	)

	hopCounter.Add(ctx, 1, attrs)
	if m.Duration > 0 {
		hopLatencyHistogram.Record(ctx, float64(m.Duration)/float64(time.Millisecond), attrs)
	}
	if m.Outcome == runtime.OutcomeFailure {
		hopFailureCounter.Add(ctx, 1, attrs)
	}
}

// RecordExecutionMetrics emits the per-execution counter and latency.
func RecordExecutionMetrics(ctx context.Context, m ExecutionMetrics) {
	if err := ensureMetrics(); err != nil {
		return
	}

	attrs := []attribute.KeyValue{
		attribute.String("component.id", m.ComponentID),
		attribute.String("chain.scope", string(m.Scope)),
		attribute.Bool("execution.success", m.Success),
	}
	if m.FailureKind != "" {
		attrs = append(attrs, attribute.String("failure.kind", m.FailureKind))
	}

	executionCounter.Add(ctx, 1, metric.WithAttributes(attrs...))
	if m.Duration > 0 {
		executionLatencyHistogram.Record(ctx, float64(m.Duration)/float64(time.Millisecond), metric.WithAttributes(attrs...))
	}
}

func ensureMetrics() error {
	metricsOnce.Do(func() {
		meter := otel.GetMeterProvider().Meter("intercept.chain")

		hopCounter, metricsInitErr = meter.Int64Counter(
			"intercept.policy.hops_total",
			metric.WithDescription("Policy hops partitioned by outcome"),
			metric.WithUnit("{count}"),
		)
		if metricsInitErr != nil {
			return
		}

		hopFailureCounter, metricsInitErr = meter.Int64Counter(
			"intercept.policy.failures_total",
			metric.WithDescription("Policy hops that propagated a failure"),
			metric.WithUnit("{count}"),
		)
		if metricsInitErr != nil {
			return
		}

		hopLatencyHistogram, metricsInitErr = meter.Float64Histogram(
			"intercept.policy.duration_ms",
			metric.WithDescription("Observed policy hop latency including downstream links"),
			metric.WithUnit("ms"),
		)
		if metricsInitErr != nil {
			return
		}

		executionCounter, metricsInitErr = meter.Int64Counter(
			"intercept.executions_total",
			metric.WithDescription("Completed source and operation executions"),
			metric.WithUnit("{count}"),
		)
		if metricsInitErr != nil {
			return
		}

		executionLatencyHistogram, metricsInitErr = meter.Float64Histogram(
			"intercept.execution.duration_ms",
			metric.WithDescription("End-to-end execution latency"),
			metric.WithUnit("ms"),
		)
	})

	return metricsInitErr
}

// RecordFailureEvent attaches a coarse-grained failure event to the provided span.
func RecordFailureEvent(span trace.Span, kind, component string) {
	if span == nil || !span.IsRecording() {
		return
	}

	span.AddEvent("intercept.failure", trace.WithAttributes(
		attribute.String("failure.kind", kind),
		attribute.String("failure.component", component),
	))
}
