package policy

import (
	"bytes"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"sync"

	"gopkg.in/yaml.v3"

	"github.com/polisai/polis-intercept/pkg/domain"
	"github.com/polisai/polis-intercept/pkg/telemetry"
)

// Definition is the declarative form of a parameterized policy.
type Definition struct {
	ID        string
	Kind      string
	Propagate bool
	Config    map[string]any
}

// Dependencies are shared services handed to every policy factory.
type Dependencies struct {
	Logger   *slog.Logger
	Redactor *telemetry.Redactor
}

// Factory builds a policy instance from its definition.
type Factory func(def Definition, deps Dependencies) (domain.Policy, error)

// KindMetadata describes how a kind reference was resolved.
type KindMetadata struct {
	Kind      string
	Version   string
	Canonical string
}

// Registry maps kind references such as "throttle", "throttle@v1" or an alias to
// their factories. It is safe for concurrent use.
type Registry struct {
	mu        sync.RWMutex
	factories map[string]Factory
	aliases   map[string]string
	deps      Dependencies
}

// NewRegistry returns an empty registry.
func NewRegistry(deps Dependencies) *Registry {
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	return &Registry{
		factories: make(map[string]Factory),
		aliases:   make(map[string]string),
		deps:      deps,
	}
}

// DefaultRegistry returns a registry holding every built-in kind.
func DefaultRegistry(deps Dependencies) *Registry {
	r := NewRegistry(deps)
	r.Register("log", "v1", newLogPolicy, "logger")
	r.Register("set-variable", "v1", newSetVariablePolicy, "variables")
	r.Register("set-attribute", "v1", newSetAttributePolicy, "attributes", "transform.attributes")
	r.Register("throttle", "v1", newThrottlePolicy, "rate-limit", "ratelimit")
	r.Register("until-successful", "v1", newUntilSuccessfulPolicy, "retry")
	r.Register("circuit-breaker", "v1", newCircuitBreakerPolicy, "breaker")
	r.Register("opa", "v1", newOPAPolicy, "policy.opa", "authorize")
	r.Register("deny", "v1", newDenyPolicy, "terminal.deny")
	r.Register("redact", "v1", newRedactPolicy, "dlp")
	return r
}

// Register adds or replaces the factory for kind@version. The bare kind becomes an
// alias of the first version registered for it.
func (r *Registry) Register(kind, version string, factory Factory, aliases ...string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	canonical := canonicalKind(kind, version)
	r.factories[canonical] = factory
	for _, alias := range aliases {
		alias = strings.TrimSpace(alias)
		if alias == "" {
			continue
		}
		r.aliases[alias] = canonical
	}
	if _, exists := r.aliases[kind]; !exists {
		r.aliases[kind] = canonical
	}
}

// Resolve finds the factory for a kind reference.
func (r *Registry) Resolve(raw string) (Factory, KindMetadata, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	kind, version := parseKind(raw)
	canonical := canonicalKind(kind, version)
	if factory, ok := r.factories[canonical]; ok {
		return factory, KindMetadata{Kind: kind, Version: version, Canonical: canonical}, true
	}
	if alias, ok := r.aliases[strings.TrimSpace(raw)]; ok {
		if factory, ok := r.factories[alias]; ok {
			k, v := parseKind(alias)
			return factory, KindMetadata{Kind: k, Version: v, Canonical: alias}, true
		}
	}
	if version == "" {
		if alias, ok := r.aliases[kind]; ok {
			if factory, ok := r.factories[alias]; ok {
				k, v := parseKind(alias)
				return factory, KindMetadata{Kind: k, Version: v, Canonical: alias}, true
			}
		}
	}
	return nil, KindMetadata{}, false
}

// Build instantiates the policy described by def.
func (r *Registry) Build(def Definition) (domain.Policy, error) {
	if strings.TrimSpace(def.ID) == "" {
		return nil, fmt.Errorf("%w: policy id is required", domain.ErrConfigInvalid)
	}
	factory, _, ok := r.Resolve(def.Kind)
	if !ok {
		return nil, fmt.Errorf("policy %q: %w: %q", def.ID, domain.ErrUnknownPolicyKind, def.Kind)
	}
	p, err := factory(def, r.deps)
	if err != nil {
		return nil, fmt.Errorf("policy %q (%s): %w", def.ID, def.Kind, err)
	}
	return p, nil
}

// Kinds lists the canonical kinds known to the registry.
func (r *Registry) Kinds() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	kinds := make([]string, 0, len(r.factories))
	for k := range r.factories {
		kinds = append(kinds, k)
	}
	slices.Sort(kinds)
	return kinds
}

func parseKind(raw string) (string, string) {
	kind, version, found := strings.Cut(strings.TrimSpace(raw), "@")
	if !found {
		return kind, ""
	}
	return kind, version
}

func canonicalKind(kind, version string) string {
	kind = strings.TrimSpace(kind)
	version = strings.TrimSpace(version)
	if version == "" {
		return kind
	}
	return kind + "@" + version
}

// decodeConfig maps a loosely typed config block onto out, rejecting unknown fields.
// Durations are accepted in time.ParseDuration form.
func decodeConfig(raw map[string]any, out any) error {
	if len(raw) == 0 {
		return nil
	}
	data, err := yaml.Marshal(raw)
	if err != nil {
		return fmt.Errorf("%w: encode config: %w", domain.ErrConfigInvalid, err)
	}
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(out); err != nil {
		return fmt.Errorf("%w: %w", domain.ErrConfigInvalid, err)
	}
	return nil
}

// base carries the identity shared by every built-in policy.
type base struct {
	id        string
	propagate bool
}

func newBase(def Definition) base {
	return base{id: def.ID, propagate: def.Propagate}
}

func (b base) ID() string { return b.id }

func (b base) PropagateMessageTransformations() bool { return b.propagate }

var errMissingField = errors.New("missing required field")
