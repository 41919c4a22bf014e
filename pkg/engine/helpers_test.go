package engine

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/polisai/polis-intercept/pkg/domain"
	"github.com/polisai/polis-intercept/pkg/engine/runtime"
	"github.com/polisai/polis-intercept/pkg/telemetry"
	"go.opentelemetry.io/otel"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testRuntime(scope runtime.Scope, precedence RestorePrecedence) *chainRuntime {
	return &chainRuntime{
		scope:      scope,
		logger:     discardLogger(),
		redactor:   telemetry.NewRedactor(nil),
		precedence: precedence,
	}
}

// funcPolicy is an around-style policy built from a closure.
type funcPolicy struct {
	id        string
	propagate bool
	fn        func(ctx context.Context, ev domain.Event, next domain.Next) (domain.Event, error)
}

func (p *funcPolicy) ID() string                            { return p.id }
func (p *funcPolicy) PropagateMessageTransformations() bool { return p.propagate }
func (p *funcPolicy) Process(ctx context.Context, ev domain.Event, next domain.Next) (domain.Event, error) {
	return p.fn(ctx, ev, next)
}

// passThrough calls next unchanged.
func passThrough(id string) *funcPolicy {
	return &funcPolicy{id: id, fn: func(ctx context.Context, ev domain.Event, next domain.Next) (domain.Event, error) {
		return next(ctx, ev)
	}}
}

// journal is a concurrency-safe ordered log.
type journal struct {
	mu      sync.Mutex
	entries []string
}

func (j *journal) add(format string, args ...any) {
	j.mu.Lock()
	j.entries = append(j.entries, fmt.Sprintf(format, args...))
	j.mu.Unlock()
}

func (j *journal) list() []string {
	j.mu.Lock()
	defer j.mu.Unlock()
	return append([]string(nil), j.entries...)
}

// tracingPolicy records its entry and exit around next.
func tracingPolicy(id string, j *journal) *funcPolicy {
	return &funcPolicy{id: id, fn: func(ctx context.Context, ev domain.Event, next domain.Next) (domain.Event, error) {
		j.add("%s>", id)
		result, err := next(ctx, ev)
		j.add("%s<", id)
		return result, err
	}}
}

// phasedPolicy is a PhasedPolicy built from closures.
type phasedPolicy struct {
	id        string
	propagate bool
	before    func(ctx context.Context, ev domain.Event) (domain.Event, bool, error)
	after     func(ctx context.Context, result domain.Event, err error) (domain.Event, error)
}

var _ domain.PhasedPolicy = (*phasedPolicy)(nil)

func (p *phasedPolicy) ID() string                            { return p.id }
func (p *phasedPolicy) PropagateMessageTransformations() bool { return p.propagate }
func (p *phasedPolicy) Process(ctx context.Context, ev domain.Event, next domain.Next) (domain.Event, error) {
	out, proceed, err := p.Before(ctx, ev)
	if err != nil || !proceed {
		return out, err
	}
	result, err := next(ctx, out)
	return p.After(ctx, result, err)
}

func (p *phasedPolicy) Before(ctx context.Context, ev domain.Event) (domain.Event, bool, error) {
	if p.before == nil {
		return ev, true, nil
	}
	return p.before(ctx, ev)
}

func (p *phasedPolicy) After(ctx context.Context, result domain.Event, err error) (domain.Event, error) {
	if p.after == nil {
		return result, err
	}
	return p.after(ctx, result, err)
}

// countingOperation completes with a payload and counts invocations.
type countingOperation struct {
	calls   atomic.Int32
	payload any
	err     error
	seen    func(params map[string]any, ev domain.Event)
}

func (o *countingOperation) Execute(_ context.Context, params map[string]any, ev domain.Event, cb domain.OperationCallback) {
	o.calls.Add(1)
	if o.seen != nil {
		o.seen(params, ev)
	}
	if o.err != nil {
		cb.Error(o.err)
		return
	}
	cb.Complete(ev.WithMessage(domain.Message{Payload: o.payload, Attributes: ev.Message.Attributes}))
}

// payloadProcessor reports the event payload as a response parameter.
type payloadProcessor struct{}

func (payloadProcessor) SuccessParameters(ev domain.Event) map[string]any {
	return map[string]any{"status": 200, "payload": ev.Message.Payload}
}

func (payloadProcessor) FailureParameters(ev domain.Event) map[string]any {
	return map[string]any{"status": 500, "payload": ev.Message.Payload, "error": ev.Err}
}

// waitResult waits for one completion delivered on ch.
func waitResult(t *testing.T, ch <-chan domain.SourceResult) domain.SourceResult {
	t.Helper()
	select {
	case r := <-ch:
		return r
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for source completion")
		return domain.SourceResult{}
	}
}

// collect returns a callback delivering results to a buffered channel.
func collect() (domain.CompletionCallback, <-chan domain.SourceResult) {
	ch := make(chan domain.SourceResult, 8)
	return func(r domain.SourceResult) { ch <- r }, ch
}

func setupTestTracer(t *testing.T) (*tracetest.SpanRecorder, func()) {
	t.Helper()
	recorder := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder))
	prevTracer := otel.GetTracerProvider()
	otel.SetTracerProvider(tp)
	return recorder, func() {
		otel.SetTracerProvider(prevTracer)
		if err := tp.Shutdown(context.Background()); err != nil {
			t.Logf("tracer provider shutdown: %v", err)
		}
	}
}

func setupTestMeter(t *testing.T) (*sdkmetric.ManualReader, func()) {
	t.Helper()
	reader := sdkmetric.NewManualReader()
	meterProvider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	prevMeter := otel.GetMeterProvider()
	otel.SetMeterProvider(meterProvider)
	return reader, func() {
		otel.SetMeterProvider(prevMeter)
		if err := meterProvider.Shutdown(context.Background()); err != nil {
			t.Logf("meter provider shutdown: %v", err)
		}
	}
}
