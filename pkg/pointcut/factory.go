package pointcut

import (
	"fmt"

	"github.com/bmatcuk/doublestar/v4"

	"github.com/polisai/polis-intercept/pkg/domain"
)

// AttributeFactory derives pointcut parameters from selected request attributes for
// the components matching Pattern. It serves both source and operation scopes.
type AttributeFactory struct {
	// Pattern is a doublestar glob over component ids, e.g. "http/**".
	Pattern string
	// Keys lists the attributes copied into the parameters; empty copies all of them.
	Keys []string
}

var (
	_ domain.SourcePointcutFactory    = AttributeFactory{}
	_ domain.OperationPointcutFactory = AttributeFactory{}
)

// NewAttributeFactory validates pattern and returns a factory.
func NewAttributeFactory(pattern string, keys ...string) (AttributeFactory, error) {
	if !doublestar.ValidatePattern(pattern) {
		return AttributeFactory{}, fmt.Errorf("invalid component pattern %q: %w", pattern, doublestar.ErrBadPattern)
	}
	return AttributeFactory{Pattern: pattern, Keys: keys}, nil
}

// Supports reports whether componentID matches the factory pattern.
func (f AttributeFactory) Supports(componentID string) bool {
	ok, err := doublestar.Match(f.Pattern, componentID)
	return err == nil && ok
}

// CreateSourceParameters picks the configured keys out of the event's message attributes.
func (f AttributeFactory) CreateSourceParameters(componentID string, ev domain.Event) domain.PointcutParameters {
	return NewParameters(componentID, f.pick(ev.Message.Attributes), nil)
}

// CreateOperationParameters picks the configured keys out of the operation parameters.
func (f AttributeFactory) CreateOperationParameters(componentID string, params map[string]any, source domain.PointcutParameters) domain.PointcutParameters {
	return NewParameters(componentID, f.pick(params), source)
}

func (f AttributeFactory) pick(attrs map[string]any) map[string]any {
	if len(f.Keys) == 0 {
		return attrs
	}
	picked := make(map[string]any, len(f.Keys))
	for _, key := range f.Keys {
		if v, ok := attrs[key]; ok {
			picked[key] = v
		}
	}
	return picked
}

// ComponentParameters are the parameters used when no factory supports a component:
// the component id alone.
func ComponentParameters(componentID string, source domain.PointcutParameters) domain.PointcutParameters {
	return NewParameters(componentID, nil, source)
}

// ResolveSourceFactory returns the single factory supporting componentID. More than
// one match is a configuration error; no match returns nil.
func ResolveSourceFactory(factories []domain.SourcePointcutFactory, componentID string) (domain.SourcePointcutFactory, error) {
	var found domain.SourcePointcutFactory
	for _, factory := range factories {
		if !factory.Supports(componentID) {
			continue
		}
		if found != nil {
			return nil, fmt.Errorf("source component %q: %w", componentID, domain.ErrAmbiguousPointcutFactory)
		}
		found = factory
	}
	return found, nil
}

// ResolveOperationFactory is ResolveSourceFactory for operation factories.
func ResolveOperationFactory(factories []domain.OperationPointcutFactory, componentID string) (domain.OperationPointcutFactory, error) {
	var found domain.OperationPointcutFactory
	for _, factory := range factories {
		if !factory.Supports(componentID) {
			continue
		}
		if found != nil {
			return nil, fmt.Errorf("operation component %q: %w", componentID, domain.ErrAmbiguousPointcutFactory)
		}
		found = factory
	}
	return found, nil
}
