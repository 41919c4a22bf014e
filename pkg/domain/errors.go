package domain

import (
	"errors"
	"fmt"
)

// Common domain errors
var (
	ErrEmptyChain               = errors.New("policy chain must contain at least one policy")
	ErrCursorOutOfRange         = errors.New("execution cursor beyond chain length")
	ErrAlreadyCompleted         = errors.New("source execution already completed")
	ErrAmbiguousPointcutFactory = errors.New("more than one pointcut factory matches component")
	ErrOperationNotCompleted    = errors.New("operation returned without completing its callback")
	ErrEngineClosed             = errors.New("policy engine closed")
	ErrPolicyNotFound           = errors.New("policy not found")
	ErrUnknownPolicyKind        = errors.New("unknown policy kind")
	ErrConfigInvalid            = errors.New("invalid configuration")
	ErrAccessDenied             = errors.New("access denied")
	ErrThrottled                = errors.New("request throttled")
	ErrCircuitOpen              = errors.New("circuit breaker open")
)

// FailureKind classifies a Failure by where it originated.
type FailureKind string

const (
	// KindChainConsistency marks programming defects: cursor misuse, double completion,
	// ambiguous pointcut factories. Never retried.
	KindChainConsistency FailureKind = "chain_consistency"
	// KindPolicyExecution marks an error raised by a policy's own logic.
	KindPolicyExecution FailureKind = "policy_execution"
	// KindFlowExecution marks an error raised by the protected flow or operation.
	KindFlowExecution FailureKind = "flow_execution"
	// KindCacheResolution marks errors raised while resolving a chain, before any event enters it.
	KindCacheResolution FailureKind = "cache_resolution"
)

// Failure is the standard failure type propagated through policy chains. It carries
// the event as it was when the failure was raised so error handlers can report it
// with the right message and variables.
type Failure struct {
	Kind      FailureKind
	Component string
	Event     Event
	Err       error
}

func (f *Failure) Error() string {
	if f.Component != "" {
		return fmt.Sprintf("%s failure in %s: %v", f.Kind, f.Component, f.Err)
	}
	return fmt.Sprintf("%s failure: %v", f.Kind, f.Err)
}

func (f *Failure) Unwrap() error {
	return f.Err
}

// WithEvent returns a copy of the failure carrying ev.
func (f *Failure) WithEvent(ev Event) *Failure {
	clone := *f
	clone.Event = ev
	return &clone
}

// WithKind returns a copy of the failure reclassified as kind.
func (f *Failure) WithKind(kind FailureKind) *Failure {
	clone := *f
	clone.Kind = kind
	return &clone
}

// NewFailure builds a failure of the given kind.
func NewFailure(kind FailureKind, component string, ev Event, err error) *Failure {
	return &Failure{Kind: kind, Component: component, Event: ev.WithError(err), Err: err}
}

// AsFailure returns err as a *Failure. Errors that are not already failures are
// wrapped as policy execution failures attributed to component.
func AsFailure(err error, component string, ev Event) *Failure {
	if err == nil {
		return nil
	}
	var f *Failure
	if errors.As(err, &f) {
		return f
	}
	return NewFailure(KindPolicyExecution, component, ev, err)
}

// IsKind reports whether err is a Failure of the given kind.
func IsKind(err error, kind FailureKind) bool {
	var f *Failure
	return errors.As(err, &f) && f.Kind == kind
}
