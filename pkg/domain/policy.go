package domain

import "context"

// Next hands control to the following link of a chain: the next policy or, after the
// last policy, the protected logic.
type Next func(ctx context.Context, ev Event) (Event, error)

// Policy is a named, chainable interceptor applied around protected logic.
//
// Process may inspect or replace the event, call next zero or one time, and inspect or
// replace the result. Implementations must be safe for concurrent use: a resolved
// policy is shared by every execution of the chains it belongs to.
type Policy interface {
	ID() string
	// PropagateMessageTransformations reports whether message edits made by the policy
	// survive the chain boundaries or are reverted to the scope's original message.
	PropagateMessageTransformations() bool
	Process(ctx context.Context, ev Event, next Next) (Event, error)
}

// PhasedPolicy is a Policy split into before and after halves. The chain driver runs
// consecutive phased policies in an iterative loop instead of nesting Process calls.
type PhasedPolicy interface {
	Policy
	// Before runs ahead of the next link. Returning proceed=false short-circuits the
	// chain and the returned event becomes the result.
	Before(ctx context.Context, ev Event) (out Event, proceed bool, err error)
	// After observes the result of the next link. A nil error recovers a failure.
	After(ctx context.Context, result Event, err error) (Event, error)
}

// OperationCallback receives the outcome of a protected operation. Exactly one of
// Complete or Error takes effect; later calls are ignored.
type OperationCallback interface {
	Complete(result Event)
	Error(err error)
}

// Operation is the protected logic of an operation execution.
type Operation interface {
	Execute(ctx context.Context, params map[string]any, ev Event, cb OperationCallback)
}

// OperationFunc adapts a function to Operation.
type OperationFunc func(ctx context.Context, params map[string]any, ev Event, cb OperationCallback)

// Execute calls f.
func (f OperationFunc) Execute(ctx context.Context, params map[string]any, ev Event, cb OperationCallback) {
	f(ctx, params, ev, cb)
}

// Flow is the protected logic of a source execution.
type Flow interface {
	Execute(ctx context.Context, ev Event) (Event, error)
}

// FlowFunc adapts a function to Flow.
type FlowFunc func(ctx context.Context, ev Event) (Event, error)

// Execute calls f.
func (f FlowFunc) Execute(ctx context.Context, ev Event) (Event, error) {
	return f(ctx, ev)
}

// PointcutParameters are the request-derived data used to decide which policies apply.
// Key must be canonical: two parameter sets describing the same request shape return
// the same key.
type PointcutParameters interface {
	ComponentID() string
	Key() string
	Attributes() map[string]any
}

// SourcePointcutFactory computes pointcut parameters for inbound events of the
// components it supports.
type SourcePointcutFactory interface {
	Supports(componentID string) bool
	CreateSourceParameters(componentID string, ev Event) PointcutParameters
}

// OperationPointcutFactory computes pointcut parameters for outbound calls. source is
// the parameter set of the enclosing source execution, or nil.
type OperationPointcutFactory interface {
	Supports(componentID string) bool
	CreateOperationParameters(componentID string, params map[string]any, source PointcutParameters) PointcutParameters
}

// PolicyProvider supplies the parameterized policies matching a pointcut.
type PolicyProvider interface {
	FindSourcePolicies(params PointcutParameters) ([]Policy, error)
	FindOperationPolicies(params PointcutParameters) ([]Policy, error)
	IsPoliciesAvailable() bool
	// OnPoliciesChanged registers a callback fired after the policy set changes.
	OnPoliciesChanged(callback func())
}

// ResponseParametersProcessor builds the outward response of a source.
type ResponseParametersProcessor interface {
	SuccessParameters(ev Event) map[string]any
	FailureParameters(ev Event) map[string]any
}

// SourceParametersTransformer converts between response parameters and messages so
// policies can work on a source's response as a message.
type SourceParametersTransformer interface {
	MessageFromSuccessParameters(params map[string]any) Message
	MessageFromFailureParameters(params map[string]any) Message
	SuccessParametersFromMessage(msg Message) map[string]any
	FailureParametersFromMessage(msg Message) map[string]any
}

// OperationParametersTransformer converts between operation parameters and messages so
// policies can override the parameters an operation receives.
type OperationParametersTransformer interface {
	MessageFromParameters(params map[string]any) Message
	ParametersFromMessage(msg Message) map[string]any
}

// OperationParametersProcessor supplies the parameters of an operation invocation.
type OperationParametersProcessor interface {
	Parameters(ev Event) map[string]any
}

// StaticParameters is an OperationParametersProcessor returning a fixed map.
type StaticParameters map[string]any

// Parameters returns the map itself.
func (p StaticParameters) Parameters(Event) map[string]any {
	return p
}

// Disposable is implemented by resolved chains that hold resources.
type Disposable interface {
	Dispose()
}
