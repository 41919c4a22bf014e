package pointcut

import (
	"encoding/json"
	"fmt"
	"maps"
	"sort"
	"strconv"
	"strings"

	"github.com/polisai/polis-intercept/pkg/domain"
)

// Parameters is the default domain.PointcutParameters implementation. Operation
// parameters carry the parameters of the source execution they run under.
type Parameters struct {
	component string
	attrs     map[string]any
	source    domain.PointcutParameters
	key       string
}

var _ domain.PointcutParameters = (*Parameters)(nil)

// NewParameters builds parameters for component with a private copy of attrs.
func NewParameters(component string, attrs map[string]any, source domain.PointcutParameters) *Parameters {
	p := &Parameters{
		component: component,
		attrs:     maps.Clone(attrs),
		source:    source,
	}
	if p.attrs == nil {
		p.attrs = map[string]any{}
	}
	p.key = canonicalKey(p)
	return p
}

// ComponentID returns the component the parameters were computed for.
func (p *Parameters) ComponentID() string { return p.component }

// Attributes returns the matched request attributes.
func (p *Parameters) Attributes() map[string]any { return p.attrs }

// Key returns the canonical cache key.
func (p *Parameters) Key() string { return p.key }

// SourceParameters returns the parameters of the enclosing source execution, or nil.
func (p *Parameters) SourceParameters() domain.PointcutParameters { return p.source }

// canonicalKey renders component, sorted attributes and source key. Two parameter
// sets describing the same request shape render identically; names are quoted and
// values JSON encoded, so separators inside them cannot forge another shape.
func canonicalKey(p *Parameters) string {
	names := make([]string, 0, len(p.attrs))
	for name := range p.attrs {
		names = append(names, name)
	}
	sort.Strings(names)

	var b strings.Builder
	b.WriteString(strconv.Quote(p.component))
	for _, name := range names {
		b.WriteByte('|')
		b.WriteString(strconv.Quote(name))
		b.WriteByte('=')
		b.WriteString(encodeValue(p.attrs[name]))
	}
	if p.source != nil {
		b.WriteString("|source=")
		b.WriteString(p.source.Key())
	}
	return b.String()
}

func encodeValue(v any) string {
	if data, err := json.Marshal(v); err == nil {
		return string(data)
	}
	return strconv.Quote(fmt.Sprintf("%T:%v", v, v))
}

// sourceOf returns the source parameters of params when it carries any.
func sourceOf(params domain.PointcutParameters) domain.PointcutParameters {
	if withSource, ok := params.(interface {
		SourceParameters() domain.PointcutParameters
	}); ok {
		return withSource.SourceParameters()
	}
	return nil
}
