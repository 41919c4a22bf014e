package pointcut

import (
	"fmt"
	"maps"
	"sync"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/google/cel-go/cel"

	"github.com/polisai/polis-intercept/pkg/domain"
)

var (
	envOnce sync.Once
	envErr  error
	celEnv  *cel.Env
)

// environment returns the CEL environment shared by every condition. Conditions see:
//
//	component  string            the component id
//	attributes map(string, dyn)  the pointcut attributes
//	source     map(string, dyn)  the enclosing source's attributes plus "component"
func environment() (*cel.Env, error) {
	envOnce.Do(func() {
		celEnv, envErr = cel.NewEnv(
			cel.Variable("component", cel.StringType),
			cel.Variable("attributes", cel.MapType(cel.StringType, cel.DynType)),
			cel.Variable("source", cel.MapType(cel.StringType, cel.DynType)),
		)
	})
	return celEnv, envErr
}

// Matcher decides whether a policy applies to a set of pointcut parameters.
// It is immutable and safe for concurrent use.
type Matcher struct {
	components []string
	condition  string
	program    cel.Program
}

// NewMatcher compiles component globs and an optional boolean CEL condition.
// An empty component list matches every component.
func NewMatcher(components []string, condition string) (*Matcher, error) {
	for _, pattern := range components {
		if !doublestar.ValidatePattern(pattern) {
			return nil, fmt.Errorf("invalid component pattern %q: %w", pattern, doublestar.ErrBadPattern)
		}
	}

	m := &Matcher{components: append([]string(nil), components...), condition: condition}
	if condition == "" {
		return m, nil
	}

	env, err := environment()
	if err != nil {
		return nil, fmt.Errorf("create CEL environment: %w", err)
	}
	ast, issues := env.Compile(condition)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("compile condition %q: %w", condition, issues.Err())
	}
	if ast.OutputType() != cel.BoolType {
		return nil, fmt.Errorf("condition %q must return bool, got %s", condition, ast.OutputType())
	}
	program, err := env.Program(ast)
	if err != nil {
		return nil, fmt.Errorf("build program for %q: %w", condition, err)
	}
	m.program = program
	return m, nil
}

// Condition returns the source text of the CEL condition.
func (m *Matcher) Condition() string {
	return m.condition
}

// Matches reports whether params fall inside the pointcut.
func (m *Matcher) Matches(params domain.PointcutParameters) (bool, error) {
	if !m.matchesComponent(params.ComponentID()) {
		return false, nil
	}
	if m.program == nil {
		return true, nil
	}

	activation := map[string]any{
		"component":  params.ComponentID(),
		"attributes": nonNil(params.Attributes()),
		"source":     map[string]any{},
	}
	if source := sourceOf(params); source != nil {
		sourceAttrs := maps.Clone(nonNil(source.Attributes()))
		sourceAttrs["component"] = source.ComponentID()
		activation["source"] = sourceAttrs
	}

	out, _, err := m.program.Eval(activation)
	if err != nil {
		return false, fmt.Errorf("evaluate condition %q: %w", m.condition, err)
	}
	matched, ok := out.Value().(bool)
	if !ok {
		return false, fmt.Errorf("condition %q must return boolean, got %T", m.condition, out.Value())
	}
	return matched, nil
}

func (m *Matcher) matchesComponent(componentID string) bool {
	if len(m.components) == 0 {
		return true
	}
	for _, pattern := range m.components {
		if ok, err := doublestar.Match(pattern, componentID); err == nil && ok {
			return true
		}
	}
	return false
}

func nonNil(attrs map[string]any) map[string]any {
	if attrs == nil {
		return map[string]any{}
	}
	return attrs
}
