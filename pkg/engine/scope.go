package engine

import (
	"context"
	"sync"

	"github.com/polisai/polis-intercept/pkg/domain"
)

// RestorePrecedence selects which enclosing context supplies the original event when
// control passes from a policy to the next link and both a source and an operation
// context are visible.
type RestorePrecedence string

const (
	// PrecedenceOperationFirst uses the enclosing operation context when present, else
	// the source context.
	PrecedenceOperationFirst RestorePrecedence = "operation_first"
	// PrecedenceNearest uses whichever context was entered most recently.
	PrecedenceNearest RestorePrecedence = "nearest"
)

// ExecutionContext holds the per-policy variable namespaces of one root execution.
// Source and operation chains running under the same root share it, so a policy
// applied to both sees its own variables in each.
type ExecutionContext struct {
	CorrelationID string

	mu         sync.Mutex
	policyVars map[string]domain.Variables
}

func newExecutionContext(correlationID string) *ExecutionContext {
	return &ExecutionContext{
		CorrelationID: correlationID,
		policyVars:    make(map[string]domain.Variables),
	}
}

func (c *ExecutionContext) store(policyID string, vars domain.Variables) {
	c.mu.Lock()
	c.policyVars[policyID] = vars.Clone()
	c.mu.Unlock()
}

func (c *ExecutionContext) restore(policyID string) domain.Variables {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.policyVars[policyID].Clone()
}

// SourcePolicyContext is the state of one source execution.
type SourcePolicyContext struct {
	originalEvent      domain.Event
	responseProcessor  domain.ResponseParametersProcessor
	transformer        domain.SourceParametersTransformer
	completion         *Completion
	responseParameters map[string]any
	failureParameters  map[string]any
	flowInvoked        bool
	flowFailed         bool
	// entered lists the policies currently waiting on their next link, innermost last.
	entered []string
}

// nearestPolicy returns the innermost source policy waiting on its next link.
func (s *SourcePolicyContext) nearestPolicy() (string, bool) {
	if len(s.entered) == 0 {
		return "", false
	}
	return s.entered[len(s.entered)-1], true
}

// OperationPolicyContext is the state of one operation invocation.
type OperationPolicyContext struct {
	originalEvent domain.Event
	parameters    domain.OperationParametersProcessor
	transformer   domain.OperationParametersTransformer
	operation     domain.Operation
	executed      bool
	// nextOperationResponse is what the operation returned, refined by each policy
	// finishing above it. Outer policies observe this value, never a mutated event.
	nextOperationResponse domain.Event
	responseVariables     domain.Variables
}

type scopeKind int

const (
	sourceScope scopeKind = iota + 1
	operationScope
)

// scope bundles the contexts visible to one chain execution.
type scope struct {
	kind       scopeKind
	exec       *ExecutionContext
	source     *SourcePolicyContext
	operation  *OperationPolicyContext
	innermost  scopeKind
	precedence RestorePrecedence
}

type scopeKey struct{}

func withScope(ctx context.Context, s *scope) context.Context {
	return context.WithValue(ctx, scopeKey{}, s)
}

func scopeFrom(ctx context.Context) *scope {
	s, _ := ctx.Value(scopeKey{}).(*scope)
	return s
}

// ExecutionFromContext returns the root execution context of the chain running ctx.
func ExecutionFromContext(ctx context.Context) (*ExecutionContext, bool) {
	if s := scopeFrom(ctx); s != nil {
		return s.exec, true
	}
	return nil, false
}

// newSourceScope opens a source scope, nested under whatever scope ctx carries.
func newSourceScope(ctx context.Context, src *SourcePolicyContext, correlationID string, precedence RestorePrecedence) *scope {
	s := &scope{kind: sourceScope, source: src, innermost: sourceScope, precedence: precedence}
	if parent := scopeFrom(ctx); parent != nil {
		s.exec = parent.exec
		s.operation = parent.operation
	} else {
		s.exec = newExecutionContext(correlationID)
	}
	return s
}

// newOperationScope opens an operation scope, nested under whatever scope ctx carries.
func newOperationScope(ctx context.Context, op *OperationPolicyContext, correlationID string, precedence RestorePrecedence) *scope {
	s := &scope{kind: operationScope, operation: op, innermost: operationScope, precedence: precedence}
	if parent := scopeFrom(ctx); parent != nil {
		s.exec = parent.exec
		s.source = parent.source
	} else {
		s.exec = newExecutionContext(correlationID)
	}
	return s
}

// original returns the event the current scope started from.
func (s *scope) original() domain.Event {
	if s.precedence == PrecedenceNearest {
		if s.innermost == sourceScope && s.source != nil {
			return s.source.originalEvent
		}
		if s.operation != nil {
			return s.operation.originalEvent
		}
		return s.source.originalEvent
	}
	if s.operation != nil {
		return s.operation.originalEvent
	}
	return s.source.originalEvent
}

// onSourceBegin snapshots the inbound event and hides its variables from the chain.
func (s *scope) onSourceBegin(ev domain.Event) domain.Event {
	s.source.originalEvent = ev
	return ev.WithVariables(nil)
}

// onOperationBegin snapshots the event the flow handed to the operation.
func (s *scope) onOperationBegin(ev domain.Event) domain.Event {
	s.operation.originalEvent = ev
	return ev
}

// onPolicyBegin gives a policy the variables it stored earlier in this execution,
// or a clean set the first time it runs.
func (s *scope) onPolicyBegin(ev domain.Event, policyID string) domain.Event {
	return ev.WithVariables(s.exec.restore(policyID))
}

// onEnterNext stores the exiting policy's variables and hands the next link the
// scope's original variables. The message is reverted unless propagate is set.
func (s *scope) onEnterNext(ev domain.Event, policyID string, propagate bool) domain.Event {
	s.exec.store(policyID, ev.Variables)
	if s.kind == sourceScope {
		s.source.entered = append(s.source.entered, policyID)
	}

	orig := s.original()
	out := ev.WithVariables(orig.Variables)
	if !propagate {
		out = out.WithMessage(orig.Message)
	}
	return out
}

// onReturnFromNext restores the variables of the policy control returns to. Failures
// get their event restored the same way so error handlers see the policy's context.
func (s *scope) onReturnFromNext(result domain.Event, err error, policyID string) (domain.Event, error) {
	if s.kind == sourceScope && len(s.source.entered) > 0 {
		s.source.entered = s.source.entered[:len(s.source.entered)-1]
	}

	vars := s.exec.restore(policyID)
	if err != nil {
		f := domain.AsFailure(err, policyID, result)
		f = f.WithEvent(f.Event.WithVariables(vars))
		return f.Event, f
	}
	return result.WithVariables(vars), nil
}

// onOperationFinish converts the result of one operation-scope policy into what the
// enclosing link observes.
func (s *scope) onOperationFinish(result domain.Event, propagate bool) domain.Event {
	op := s.operation
	base := op.originalEvent
	if op.executed {
		base = op.nextOperationResponse
		op.responseVariables = base.Variables
	}

	out := result.WithVariables(base.Variables)
	if !propagate {
		out = out.WithMessage(base.Message)
	}
	if op.executed {
		op.nextOperationResponse = out
	}
	return out
}

// onOperationError restores the variables the flow should see with an operation failure.
func (s *scope) onOperationError(f *domain.Failure) *domain.Failure {
	op := s.operation
	vars := op.originalEvent.Variables
	if op.executed {
		vars = op.responseVariables
		if vars == nil {
			vars = op.nextOperationResponse.Variables
		}
	}
	return f.WithEvent(f.Event.WithVariables(vars))
}

// onFlowFinish records the flow's response parameters and exposes them as a message
// when a transformer is configured.
func (s *scope) onFlowFinish(ev domain.Event) domain.Event {
	src := s.source
	if src.responseProcessor != nil {
		src.responseParameters = src.responseProcessor.SuccessParameters(ev)
	}
	if src.transformer != nil {
		ev = ev.WithMessage(src.transformer.MessageFromSuccessParameters(src.responseParameters))
	}
	return ev
}

// onFlowError records the failure parameters and restores the variables of the
// nearest source policy.
func (s *scope) onFlowError(f *domain.Failure) *domain.Failure {
	src := s.source
	src.flowFailed = true
	ev := f.Event
	if src.responseProcessor != nil {
		src.failureParameters = src.responseProcessor.FailureParameters(ev)
	}
	if src.transformer != nil {
		ev = ev.WithMessage(src.transformer.MessageFromFailureParameters(src.failureParameters))
	}
	if policyID, ok := src.nearestPolicy(); ok {
		ev = ev.WithVariables(s.exec.restore(policyID))
	}
	return f.WithEvent(ev)
}
