package pointcut

import (
	"errors"
	"maps"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"

	"github.com/polisai/polis-intercept/pkg/domain"
)

func TestParametersKeyIsCanonical(t *testing.T) {
	a := NewParameters("http/orders", map[string]any{"method": "POST", "path": "/orders"}, nil)
	b := NewParameters("http/orders", map[string]any{"path": "/orders", "method": "POST"}, nil)
	c := NewParameters("http/orders", map[string]any{"method": "GET", "path": "/orders"}, nil)

	assert.Equal(t, a.Key(), b.Key())
	assert.NotEqual(t, a.Key(), c.Key())
}

func TestParametersKeyIncludesSource(t *testing.T) {
	source := NewParameters("http/orders", map[string]any{"method": "POST"}, nil)
	withSource := NewParameters("db/insert", nil, source)
	without := NewParameters("db/insert", nil, nil)

	assert.NotEqual(t, withSource.Key(), without.Key())
	assert.Contains(t, withSource.Key(), source.Key())
	assert.Same(t, source, withSource.SourceParameters())
}

func TestParametersKeySeparatorsDoNotCollide(t *testing.T) {
	tests := []struct {
		name string
		a, b *Parameters
	}{
		{
			name: "value forging a second attribute",
			a:    NewParameters("c", map[string]any{"a": "x|b=y"}, nil),
			b:    NewParameters("c", map[string]any{"a": "x", "b": "y"}, nil),
		},
		{
			name: "name carrying a separator",
			a:    NewParameters("c", map[string]any{"a=x|b": "y"}, nil),
			b:    NewParameters("c", map[string]any{"a": "x", "b": "y"}, nil),
		},
		{
			name: "component absorbing an attribute",
			a:    NewParameters(`c|"a"="x"`, nil, nil),
			b:    NewParameters("c", map[string]any{"a": "x"}, nil),
		},
		{
			name: "string and number",
			a:    NewParameters("c", map[string]any{"a": "1"}, nil),
			b:    NewParameters("c", map[string]any{"a": 1}, nil),
		},
		{
			name: "value imitating a source",
			a:    NewParameters("c", map[string]any{"a": `"|source="c"`}, nil),
			b:    NewParameters("c", map[string]any{"a": ""}, NewParameters("c", nil, nil)),
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.NotEqual(t, tt.a.Key(), tt.b.Key())
		})
	}
}

func TestParametersKeyDistinguishesAttributeSets(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		gen := rapid.MapOf(rapid.StringMatching(`[ab|=]{1,3}`), rapid.StringMatching(`[ab|=]{0,3}`))
		a := gen.Draw(t, "a")
		b := gen.Draw(t, "b")
		if maps.Equal(a, b) {
			t.Skip("equal sets")
		}
		ka := NewParameters("c", toAny(a), nil).Key()
		kb := NewParameters("c", toAny(b), nil).Key()
		if ka == kb {
			t.Fatalf("distinct attribute sets %v and %v share key %q", a, b, ka)
		}
	})
}

func toAny(m map[string]string) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

func TestParametersCopyAttributes(t *testing.T) {
	attrs := map[string]any{"method": "POST"}
	p := NewParameters("http", attrs, nil)
	attrs["method"] = "GET"

	assert.Equal(t, "POST", p.Attributes()["method"])
}

func TestParametersKeyProperty(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		attrs := rapid.MapOf(rapid.StringMatching(`[a-z]{1,6}`), rapid.IntRange(0, 100)).Draw(t, "attrs")
		generic := make(map[string]any, len(attrs))
		reversed := make(map[string]any, len(attrs))
		for k, v := range attrs {
			generic[k] = v
			reversed[k] = v
		}
		if NewParameters("c", generic, nil).Key() != NewParameters("c", reversed, nil).Key() {
			t.Fatalf("equal attribute sets produced different keys")
		}
	})
}

func TestAttributeFactory(t *testing.T) {
	factory, err := NewAttributeFactory("http/**", "method")
	require.NoError(t, err)

	assert.True(t, factory.Supports("http/orders/create"))
	assert.False(t, factory.Supports("db/insert"))

	ev := domain.Event{Message: domain.Message{Attributes: map[string]any{"method": "POST", "trace": "x"}}}
	params := factory.CreateSourceParameters("http/orders", ev)
	assert.Equal(t, map[string]any{"method": "POST"}, params.Attributes())

	opParams := factory.CreateOperationParameters("http/client", map[string]any{"method": "GET", "url": "u"}, params)
	assert.Equal(t, map[string]any{"method": "GET"}, opParams.Attributes())
	assert.Same(t, params, opParams.(*Parameters).SourceParameters())
}

func TestNewAttributeFactoryRejectsBadPattern(t *testing.T) {
	_, err := NewAttributeFactory("http/[", "method")
	require.Error(t, err)
}

func TestResolveFactoryRejectsAmbiguousMatch(t *testing.T) {
	wide := AttributeFactory{Pattern: "http/**"}
	narrow := AttributeFactory{Pattern: "http/orders"}
	other := AttributeFactory{Pattern: "db/**"}

	tests := []struct {
		name      string
		factories []domain.SourcePointcutFactory
		component string
		wantNil   bool
		wantErr   error
	}{
		{name: "single match", factories: []domain.SourcePointcutFactory{wide, other}, component: "http/orders"},
		{name: "no match", factories: []domain.SourcePointcutFactory{other}, component: "http/orders", wantNil: true},
		{name: "ambiguous", factories: []domain.SourcePointcutFactory{wide, narrow}, component: "http/orders", wantErr: domain.ErrAmbiguousPointcutFactory},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			factory, err := ResolveSourceFactory(tt.factories, tt.component)
			if tt.wantErr != nil {
				require.Error(t, err)
				assert.True(t, errors.Is(err, tt.wantErr))
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.wantNil, factory == nil)
		})
	}

	_, err := ResolveOperationFactory([]domain.OperationPointcutFactory{wide, narrow}, "http/orders")
	assert.ErrorIs(t, err, domain.ErrAmbiguousPointcutFactory)
}

func TestMatcher(t *testing.T) {
	source := NewParameters("http/orders", map[string]any{"method": "POST"}, nil)

	tests := []struct {
		name       string
		components []string
		condition  string
		params     domain.PointcutParameters
		want       bool
	}{
		{name: "match all", params: NewParameters("any", nil, nil), want: true},
		{name: "glob hit", components: []string{"http/**"}, params: NewParameters("http/orders", nil, nil), want: true},
		{name: "glob miss", components: []string{"http/**"}, params: NewParameters("db/insert", nil, nil), want: false},
		{
			name:      "condition on attributes",
			condition: `attributes.method == "POST"`,
			params:    NewParameters("http/orders", map[string]any{"method": "POST"}, nil),
			want:      true,
		},
		{
			name:      "condition false",
			condition: `attributes.method == "POST"`,
			params:    NewParameters("http/orders", map[string]any{"method": "GET"}, nil),
			want:      false,
		},
		{
			name:      "condition on source",
			condition: `"component" in source && source.component.startsWith("http/")`,
			params:    NewParameters("db/insert", nil, source),
			want:      true,
		},
		{
			name:      "missing attribute guarded",
			condition: `has(attributes.tenant) && attributes.tenant == "acme"`,
			params:    NewParameters("http/orders", nil, nil),
			want:      false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m, err := NewMatcher(tt.components, tt.condition)
			require.NoError(t, err)

			got, err := m.Matches(tt.params)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestNewMatcherRejectsInvalidInput(t *testing.T) {
	_, err := NewMatcher(nil, `attributes.method ==`)
	assert.Error(t, err)

	_, err = NewMatcher(nil, `"not a bool"`)
	assert.Error(t, err)

	_, err = NewMatcher([]string{"http/["}, "")
	assert.Error(t, err)
}

func TestMatcherSurfacesEvaluationErrors(t *testing.T) {
	m, err := NewMatcher(nil, `attributes.tenant == "acme"`)
	require.NoError(t, err)

	_, err = m.Matches(NewParameters("http", nil, nil))
	assert.Error(t, err)
}
