package engine

import (
	"context"

	"github.com/polisai/polis-intercept/pkg/domain"
)

// NoOperationPolicy executes operations directly. It is shared by every component
// without applicable policies.
var NoOperationPolicy OperationPolicy = noOperationPolicy{}

type noOperationPolicy struct{}

func (noOperationPolicy) Process(ctx context.Context, ev domain.Event, op domain.Operation, params domain.OperationParametersProcessor) (domain.Event, error) {
	var values map[string]any
	if params != nil {
		values = params.Parameters(ev)
	}
	result, err := invokeOperation(ctx, op, values, ev)
	if err != nil {
		return ev, flowFailure(err, "", ev)
	}
	return result, nil
}

// NoSourcePolicy returns the fast path running flow directly on the caller's
// goroutine, with no execution context or cursor.
func NoSourcePolicy(flow domain.Flow) SourcePolicy {
	return noSourcePolicy{flow: flow}
}

type noSourcePolicy struct {
	flow domain.Flow
}

func (n noSourcePolicy) Process(ctx context.Context, ev domain.Event, processor domain.ResponseParametersProcessor, callback domain.CompletionCallback) {
	n.processCompletion(ctx, ev, processor, NewCompletion(callback, nil))
}

func (n noSourcePolicy) processCompletion(ctx context.Context, ev domain.Event, processor domain.ResponseParametersProcessor, completion *Completion) {
	result, err := runFlow(ctx, n.flow, ev)
	if err != nil {
		f := flowFailure(err, "", ev)
		_ = completion.Complete(domain.Failed(&domain.FailureResult{
			Failure: f,
			Parameters: func() map[string]any {
				if processor == nil {
					return nil
				}
				return processor.FailureParameters(f.Event)
			},
		}))
		return
	}
	_ = completion.Complete(domain.Succeeded(&domain.SuccessResult{
		Event: result,
		Parameters: func() map[string]any {
			if processor == nil {
				return nil
			}
			return processor.SuccessParameters(result)
		},
	}))
}
