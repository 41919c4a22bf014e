package config

import (
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/polisai/polis-intercept/pkg/domain"
	"github.com/polisai/polis-intercept/pkg/pointcut"
	"github.com/polisai/polis-intercept/pkg/policy"
)

// SnapshotError collects every problem found while compiling a policy file.
type SnapshotError struct {
	Generation int64
	Errs       []error
}

func (e *SnapshotError) Error() string {
	msgs := make([]string, len(e.Errs))
	for i, err := range e.Errs {
		msgs[i] = err.Error()
	}
	return fmt.Sprintf("policy snapshot %d invalid: %s", e.Generation, strings.Join(msgs, "; "))
}

func (e *SnapshotError) Unwrap() []error {
	return append([]error{domain.ErrConfigInvalid}, e.Errs...)
}

// PolicySummary surfaces key policy metadata for administration endpoints.
type PolicySummary struct {
	ID         string      `json:"id"`
	Kind       string      `json:"kind"`
	Order      int         `json:"order"`
	Scope      PolicyScope `json:"scope"`
	Components []string    `json:"components,omitempty"`
	Condition  string      `json:"condition,omitempty"`
}

type compiledPolicy struct {
	spec    PolicySpec
	matcher *pointcut.Matcher
	policy  domain.Policy
}

// Snapshot is an immutable compiled policy set. Policies are held in application
// order: ascending Order, then declaration order.
type Snapshot struct {
	Generation int64
	LoadedAt   time.Time

	policies []compiledPolicy
}

// Compile builds every enabled policy of file through registry.
func Compile(file *PolicyFile, registry *policy.Registry, generation int64) (*Snapshot, error) {
	var errs []error
	compiled := make([]compiledPolicy, 0, len(file.Policies))
	for _, spec := range file.Policies {
		if spec.Disabled {
			continue
		}
		matcher, err := pointcut.NewMatcher(spec.Pointcut.Components, spec.Pointcut.Condition)
		if err != nil {
			errs = append(errs, fmt.Errorf("policy %q pointcut: %w", spec.ID, err))
			continue
		}
		p, err := registry.Build(policy.Definition{
			ID:        spec.ID,
			Kind:      spec.Kind,
			Propagate: spec.Propagate,
			Config:    spec.Config,
		})
		if err != nil {
			errs = append(errs, err)
			continue
		}
		compiled = append(compiled, compiledPolicy{spec: spec, matcher: matcher, policy: p})
	}
	if len(errs) > 0 {
		return nil, &SnapshotError{Generation: generation, Errs: errs}
	}

	slices.SortStableFunc(compiled, func(a, b compiledPolicy) int {
		return a.spec.Order - b.spec.Order
	})
	return &Snapshot{Generation: generation, LoadedAt: time.Now(), policies: compiled}, nil
}

// SourcePolicies returns the source-scope policies matching params.
func (s *Snapshot) SourcePolicies(params domain.PointcutParameters) ([]domain.Policy, error) {
	return s.find(ScopeSource, params)
}

// OperationPolicies returns the operation-scope policies matching params.
func (s *Snapshot) OperationPolicies(params domain.PointcutParameters) ([]domain.Policy, error) {
	return s.find(ScopeOperation, params)
}

func (s *Snapshot) find(scope PolicyScope, params domain.PointcutParameters) ([]domain.Policy, error) {
	var (
		matched []domain.Policy
		errs    []error
	)
	for _, cp := range s.policies {
		if !cp.spec.Scope.Includes(scope) {
			continue
		}
		ok, err := cp.matcher.Matches(params)
		if err != nil {
			errs = append(errs, fmt.Errorf("policy %q: %w", cp.spec.ID, err))
			continue
		}
		if ok {
			matched = append(matched, cp.policy)
		}
	}
	if len(errs) > 0 {
		return nil, errors.Join(errs...)
	}
	return matched, nil
}

// Len returns the number of compiled policies.
func (s *Snapshot) Len() int {
	return len(s.policies)
}

// Summaries describes the compiled policies in application order.
func (s *Snapshot) Summaries() []PolicySummary {
	out := make([]PolicySummary, 0, len(s.policies))
	for _, cp := range s.policies {
		out = append(out, PolicySummary{
			ID:         cp.spec.ID,
			Kind:       cp.spec.Kind,
			Order:      cp.spec.Order,
			Scope:      cp.spec.Scope,
			Components: cp.spec.Pointcut.Components,
			Condition:  cp.spec.Pointcut.Condition,
		})
	}
	return out
}
