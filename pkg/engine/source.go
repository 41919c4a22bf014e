package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/polisai/polis-intercept/pkg/domain"
	"github.com/polisai/polis-intercept/pkg/telemetry"
)

// SourcePolicy applies the policies resolved for one source component around its
// flow. Process never blocks on the flow: the callback is the only completion signal
// and fires exactly once.
type SourcePolicy interface {
	Process(ctx context.Context, ev domain.Event, processor domain.ResponseParametersProcessor, callback domain.CompletionCallback)
}

// CompositeSourcePolicy is the compiled source chain for one pointcut. It owns a pool
// of execution pipelines that is released by Dispose. Bind attaches the flow the
// chain protects.
type CompositeSourcePolicy struct {
	componentID string
	chain       []domain.Policy
	transformer domain.SourceParametersTransformer
	pool        *pipelinePool
	rt          *chainRuntime
}

var (
	_ SourcePolicy      = (*boundSourcePolicy)(nil)
	_ domain.Disposable = (*CompositeSourcePolicy)(nil)
)

type sourcePolicyOptions struct {
	transformer domain.SourceParametersTransformer
	pipelines   int
	selector    PipelineSelector
	metrics     *telemetry.EngineMetrics
}

func newCompositeSourcePolicy(componentID string, chain []domain.Policy, opts sourcePolicyOptions, rt *chainRuntime) (*CompositeSourcePolicy, error) {
	if len(chain) == 0 {
		return nil, domain.NewFailure(domain.KindChainConsistency, componentID, domain.Event{}, domain.ErrEmptyChain)
	}
	return &CompositeSourcePolicy{
		componentID: componentID,
		chain:       append([]domain.Policy(nil), chain...),
		transformer: opts.transformer,
		pool:        newPipelinePool(opts.pipelines, opts.selector, opts.metrics, rt.logger),
		rt:          rt,
	}, nil
}

// Policies returns the chain in execution order.
func (p *CompositeSourcePolicy) Policies() []domain.Policy {
	return append([]domain.Policy(nil), p.chain...)
}

// Pipelines returns the size of the pipeline pool.
func (p *CompositeSourcePolicy) Pipelines() int {
	return p.pool.size()
}

// Bind returns the SourcePolicy protecting flow with this chain. Bound policies
// share the chain's pipelines.
func (p *CompositeSourcePolicy) Bind(flow domain.Flow) SourcePolicy {
	return &boundSourcePolicy{chain: p, flow: flow}
}

type boundSourcePolicy struct {
	chain *CompositeSourcePolicy
	flow  domain.Flow
}

func (b *boundSourcePolicy) Process(ctx context.Context, ev domain.Event, processor domain.ResponseParametersProcessor, callback domain.CompletionCallback) {
	b.processCompletion(ctx, ev, processor, NewCompletion(callback, b.chain.rt.logger))
}

func (b *boundSourcePolicy) processCompletion(ctx context.Context, ev domain.Event, processor domain.ResponseParametersProcessor, completion *Completion) {
	b.chain.process(ctx, ev, b.flow, processor, completion)
}

// process injects ev into a pipeline and returns immediately.
func (p *CompositeSourcePolicy) process(ctx context.Context, ev domain.Event, flow domain.Flow, processor domain.ResponseParametersProcessor, completion *Completion) {
	task := func(taskCtx context.Context) {
		runOnPipeline(taskCtx, func(execCtx context.Context) {
			p.execute(execCtx, ev, flow, processor, completion)
		})
	}

	if err := p.pool.dispatch(ctx, ev, task); err != nil {
		// Resolved before an invalidation disposed this chain; finish on a goroutine of its own.
		p.rt.logger.Debug("source chain disposed, executing outside the pipeline pool",
			slog.String("component_id", p.componentID),
			slog.String("correlation_id", ev.CorrelationID))
		go task(ctx)
	}
}

// Dispose stops accepting executions. Queued executions drain first.
func (p *CompositeSourcePolicy) Dispose() {
	p.pool.close()
}

func (p *CompositeSourcePolicy) execute(ctx context.Context, ev domain.Event, flow domain.Flow, processor domain.ResponseParametersProcessor, completion *Completion) {
	started := time.Now()
	src := &SourcePolicyContext{responseProcessor: processor, transformer: p.transformer, completion: completion}
	s := newSourceScope(ctx, src, ev.CorrelationID, p.rt.precedence)

	defer func() {
		if r := recover(); r != nil {
			p.rt.logger.Error("source execution panicked",
				slog.String("component_id", p.componentID),
				slog.String("correlation_id", ev.CorrelationID),
				slog.Any("panic", r))
			if !completion.Completed() {
				f := domain.NewFailure(domain.KindPolicyExecution, p.componentID, ev, fmt.Errorf("source execution panicked: %v", r))
				p.complete(ctx, s, f.Event, f, started)
			}
		}
	}()

	begin := s.onSourceBegin(ev)
	comp, err := newComposer(p.chain, s, &sourceHooks{componentID: p.componentID, flow: flow}, p.rt)
	if err != nil {
		p.complete(ctx, s, begin, err, started)
		return
	}

	result, err := comp.next(withScope(ctx, s), begin)
	p.complete(ctx, s, result, err, started)
}

// complete builds the source result and fires the completion.
func (p *CompositeSourcePolicy) complete(ctx context.Context, s *scope, result domain.Event, err error, started time.Time) {
	src := s.source
	m := telemetry.ExecutionMetrics{
		ComponentID: p.componentID,
		Scope:       p.rt.scope,
		Success:     err == nil,
		Duration:    time.Since(started),
	}

	var outcome domain.SourceResult
	if err != nil {
		f := domain.AsFailure(err, p.componentID, result)
		m.FailureKind = string(f.Kind)
		outcome = domain.Failed(&domain.FailureResult{Failure: f, Parameters: p.failureParameters(src, f)})
	} else {
		outcome = domain.Succeeded(&domain.SuccessResult{Event: result, Parameters: p.successParameters(src, result)})
	}
	telemetry.RecordExecutionMetrics(ctx, m)

	if cerr := src.completion.Complete(outcome); cerr != nil {
		p.rt.logger.Error("dropping duplicate source completion",
			slog.String("component_id", p.componentID),
			slog.Any("error", cerr))
	}
}

func (p *CompositeSourcePolicy) successParameters(src *SourcePolicyContext, result domain.Event) func() map[string]any {
	switch {
	case p.transformer != nil:
		return func() map[string]any { return p.transformer.SuccessParametersFromMessage(result.Message) }
	case src.responseParameters != nil:
		params := src.responseParameters
		return func() map[string]any { return params }
	case src.responseProcessor != nil:
		return func() map[string]any { return src.responseProcessor.SuccessParameters(result) }
	default:
		return func() map[string]any { return nil }
	}
}

// failureParameters derives failure response parameters. When the flow never ran,
// they come from the original inbound event, never from a partial result.
func (p *CompositeSourcePolicy) failureParameters(src *SourcePolicyContext, f *domain.Failure) func() map[string]any {
	switch {
	case src.flowFailed && p.transformer != nil:
		msg := f.Event.Message
		return func() map[string]any { return p.transformer.FailureParametersFromMessage(msg) }
	case src.flowFailed:
		params := src.failureParameters
		return func() map[string]any { return params }
	case src.responseProcessor == nil:
		return func() map[string]any { return nil }
	case !src.flowInvoked:
		original := src.originalEvent.WithError(f.Err)
		return func() map[string]any { return src.responseProcessor.FailureParameters(original) }
	default:
		ev := f.Event
		return func() map[string]any { return src.responseProcessor.FailureParameters(ev) }
	}
}

type sourceHooks struct {
	componentID string
	flow        domain.Flow
}

// leavePolicy keeps the downstream message when the policy does not propagate its
// own edits. Short-circuit responses are kept as produced.
func (h *sourceHooks) leavePolicy(_ *scope, p domain.Policy, hop hopResult, result domain.Event, err error) (domain.Event, error) {
	if err != nil || p.PropagateMessageTransformations() || !hop.calledNext || hop.downstreamFailed {
		return result, err
	}
	return result.WithMessage(hop.downstream.Message), nil
}

// processNextOperation runs the protected flow off the pipeline and resumes the
// remaining hops on it. Errors raised while the flow runs are classified as flow
// failures whatever their origin inside the flow.
func (h *sourceHooks) processNextOperation(ctx context.Context, s *scope, ev domain.Event) (domain.Event, error) {
	s.source.flowInvoked = true
	ev = ev.TouchedBy(h.componentID)

	var result domain.Event
	var err error
	offPipeline(ctx, func() { result, err = runFlow(ctx, h.flow, ev) })
	if err != nil {
		f := flowFailure(err, h.componentID, ev)
		f = s.onFlowError(f)
		return f.Event, f
	}
	return s.onFlowFinish(result), nil
}

func runFlow(ctx context.Context, flow domain.Flow, ev domain.Event) (result domain.Event, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("flow panicked: %v", r)
		}
	}()
	if flow == nil {
		return ev, errors.New("no flow bound to source")
	}
	return flow.Execute(ctx, ev)
}
