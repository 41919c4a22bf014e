package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/polisai/polis-intercept/pkg/domain"
)

// PolicyScope selects the engines a policy participates in.
type PolicyScope string

const (
	ScopeSource    PolicyScope = "source"
	ScopeOperation PolicyScope = "operation"
	ScopeBoth      PolicyScope = "both"
)

// Includes reports whether policies of this scope apply to scope s.
func (p PolicyScope) Includes(s PolicyScope) bool {
	return p == ScopeBoth || p == s
}

// PolicyFile is the document stored in policies.yaml.
type PolicyFile struct {
	Policies []PolicySpec `yaml:"policies"`
}

// PolicySpec declares one parameterized policy.
type PolicySpec struct {
	ID        string         `yaml:"id"`
	Kind      string         `yaml:"kind"`
	Order     int            `yaml:"order"`
	Scope     PolicyScope    `yaml:"scope"`
	Propagate bool           `yaml:"propagateMessageTransformations"`
	Disabled  bool           `yaml:"disabled"`
	Pointcut  PointcutSpec   `yaml:"pointcut"`
	Config    map[string]any `yaml:"config"`
}

// PointcutSpec selects the executions a policy applies to.
type PointcutSpec struct {
	// Components are doublestar globs over component ids. Empty matches all.
	Components []string `yaml:"components"`
	// Condition is a boolean CEL expression over component, attributes and source.
	Condition string `yaml:"condition"`
}

// LoadPolicyFile reads and parses a policy file.
func LoadPolicyFile(path string) (*PolicyFile, error) {
	//nolint:gosec // Policy file path is controlled by admin/operator
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read policy file %s: %w", path, err)
	}
	file, err := ParsePolicyFile(data)
	if err != nil {
		return nil, fmt.Errorf("policy file %s: %w", path, err)
	}
	return file, nil
}

// ParsePolicyFile decodes a policy document, rejecting unknown fields, and applies
// structural checks. Kinds and conditions are checked when the file is compiled.
func ParsePolicyFile(data []byte) (*PolicyFile, error) {
	var file PolicyFile
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&file); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("%w: failed to parse policy file: %w", domain.ErrConfigInvalid, err)
	}
	if err := file.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %w", domain.ErrConfigInvalid, err)
	}
	return &file, nil
}

// Validate checks ids and scopes and fills defaults.
func (f *PolicyFile) Validate() error {
	var errs []error
	seen := make(map[string]int, len(f.Policies))
	for i := range f.Policies {
		spec := &f.Policies[i]
		spec.ID = strings.TrimSpace(spec.ID)
		spec.Kind = strings.TrimSpace(spec.Kind)

		switch {
		case spec.ID == "":
			errs = append(errs, fmt.Errorf("policy %d: id is required", i))
		case seen[spec.ID] > 0:
			errs = append(errs, fmt.Errorf("policy %d: duplicate id %q (first declared at %d)", i, spec.ID, seen[spec.ID]-1))
		default:
			seen[spec.ID] = i + 1
		}

		if spec.Kind == "" {
			errs = append(errs, fmt.Errorf("policy %q: kind is required", spec.ID))
		}

		switch spec.Scope {
		case "":
			spec.Scope = ScopeBoth
		case ScopeSource, ScopeOperation, ScopeBoth:
		default:
			errs = append(errs, fmt.Errorf("policy %q: invalid scope %q", spec.ID, spec.Scope))
		}
	}
	return errors.Join(errs...)
}
