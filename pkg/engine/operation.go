package engine

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"time"

	"github.com/polisai/polis-intercept/pkg/domain"
	"github.com/polisai/polis-intercept/pkg/telemetry"
)

// OperationPolicy applies the policies resolved for one component around an
// operation invocation. It runs on the caller's goroutine.
type OperationPolicy interface {
	Process(ctx context.Context, ev domain.Event, op domain.Operation, params domain.OperationParametersProcessor) (domain.Event, error)
}

// CompositeOperationPolicy is the compiled operation chain for one pointcut. It is
// immutable and shared by concurrent invocations.
type CompositeOperationPolicy struct {
	componentID string
	chain       []domain.Policy
	transformer domain.OperationParametersTransformer
	rt          *chainRuntime
}

var _ OperationPolicy = (*CompositeOperationPolicy)(nil)

func newCompositeOperationPolicy(componentID string, chain []domain.Policy, transformer domain.OperationParametersTransformer, rt *chainRuntime) (*CompositeOperationPolicy, error) {
	if len(chain) == 0 {
		return nil, domain.NewFailure(domain.KindChainConsistency, componentID, domain.Event{}, domain.ErrEmptyChain)
	}
	return &CompositeOperationPolicy{
		componentID: componentID,
		chain:       append([]domain.Policy(nil), chain...),
		transformer: transformer,
		rt:          rt,
	}, nil
}

// Policies returns the chain in execution order.
func (p *CompositeOperationPolicy) Policies() []domain.Policy {
	return append([]domain.Policy(nil), p.chain...)
}

// Process runs the chain and returns the event the flow continues with, or a
// *domain.Failure.
func (p *CompositeOperationPolicy) Process(ctx context.Context, ev domain.Event, op domain.Operation, params domain.OperationParametersProcessor) (domain.Event, error) {
	started := time.Now()

	opCtx := &OperationPolicyContext{parameters: params, transformer: p.transformer, operation: op}
	s := newOperationScope(ctx, opCtx, ev.CorrelationID, p.rt.precedence)
	if p.transformer != nil && params != nil {
		ev = ev.WithMessage(p.transformer.MessageFromParameters(params.Parameters(ev)))
	}
	ev = s.onOperationBegin(ev)

	comp, err := newComposer(p.chain, s, &operationHooks{componentID: p.componentID}, p.rt)
	if err != nil {
		return ev, err
	}

	result, err := comp.next(withScope(ctx, s), ev)
	p.record(ctx, started, err)
	return result, err
}

func (p *CompositeOperationPolicy) record(ctx context.Context, started time.Time, err error) {
	m := telemetry.ExecutionMetrics{
		ComponentID: p.componentID,
		Scope:       p.rt.scope,
		Success:     err == nil,
		Duration:    time.Since(started),
	}
	var f *domain.Failure
	if errors.As(err, &f) {
		m.FailureKind = string(f.Kind)
	}
	telemetry.RecordExecutionMetrics(ctx, m)
}

type operationHooks struct {
	componentID string
}

func (h *operationHooks) leavePolicy(s *scope, p domain.Policy, _ hopResult, result domain.Event, err error) (domain.Event, error) {
	if err != nil {
		f := s.onOperationError(domain.AsFailure(err, p.ID(), result))
		return f.Event, f
	}
	return s.onOperationFinish(result, p.PropagateMessageTransformations()), nil
}

// processNextOperation materializes the parameters, executes the operation and
// remembers its raw result.
func (h *operationHooks) processNextOperation(ctx context.Context, s *scope, ev domain.Event) (domain.Event, error) {
	op := s.operation
	params := make(map[string]any)
	if op.parameters != nil {
		maps.Copy(params, op.parameters.Parameters(ev))
	}
	if op.transformer != nil {
		maps.Copy(params, op.transformer.ParametersFromMessage(ev.Message))
	}

	ev = ev.TouchedBy(h.componentID)
	result, err := invokeOperation(ctx, op.operation, params, ev)
	if err != nil {
		return ev, flowFailure(err, h.componentID, ev)
	}

	op.executed = true
	op.nextOperationResponse = result
	return result, nil
}

// invokeOperation executes op and waits for its callback. A panic raised by the
// operation is converted into an error; a cancelled ctx ends the wait.
func invokeOperation(ctx context.Context, op domain.Operation, params map[string]any, ev domain.Event) (domain.Event, error) {
	cb := newOperationCallback()
	func() {
		defer func() {
			if r := recover(); r != nil {
				cb.Error(fmt.Errorf("operation panicked: %v", r))
			}
		}()
		op.Execute(ctx, params, ev, cb)
	}()

	select {
	case out := <-cb.done:
		return out.event, out.err
	case <-ctx.Done():
		return ev, fmt.Errorf("waiting for operation: %w", ctx.Err())
	}
}

// flowFailure classifies an error raised by protected logic. Consistency failures
// keep their kind; everything else becomes a flow execution failure.
func flowFailure(err error, component string, ev domain.Event) *domain.Failure {
	var f *domain.Failure
	if errors.As(err, &f) {
		if f.Kind == domain.KindChainConsistency || f.Kind == domain.KindFlowExecution {
			return f
		}
		return f.WithKind(domain.KindFlowExecution)
	}
	return domain.NewFailure(domain.KindFlowExecution, component, ev, err)
}
