// Package dlp provides pattern-based data loss prevention scanning of message
// payloads and attributes.
package dlp

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"sort"
	"strings"
)

// Action describes the directive associated with a DLP rule.
type Action string

const (
	// ActionAllow records the finding without altering the content.
	ActionAllow Action = "allow"
	// ActionRedact masks the match before the content is forwarded.
	ActionRedact Action = "redact"
	// ActionBlock rejects the content when the rule matches.
	ActionBlock Action = "block"
)

// ErrBlocked indicates that a block rule matched.
var ErrBlocked = errors.New("dlp: content blocked by policy")

// Rule declares a DLP detection rule.
type Rule struct {
	Name        string `yaml:"name"`
	Pattern     string `yaml:"pattern"`
	Action      Action `yaml:"action"`
	Replacement string `yaml:"replacement"`
}

// Finding captures a single DLP match.
type Finding struct {
	Rule   string
	Field  string
	Start  int
	End    int
	Action Action
}

// Report summarises the outcome of a scan.
type Report struct {
	Findings []Finding
	Redacted string
	Blocked  bool
}

// RedactionsApplied reports whether any redact rule changed the content.
func (r Report) RedactionsApplied() bool {
	for _, f := range r.Findings {
		if f.Action == ActionRedact {
			return true
		}
	}
	return false
}

type compiledRule struct {
	name        string
	expr        *regexp.Regexp
	action      Action
	replacement string
}

// Scanner applies DLP rules to text. It is safe for concurrent use.
type Scanner struct {
	rules []compiledRule
}

// NewScanner compiles rules. Every problem is reported, not only the first.
func NewScanner(rules []Rule) (*Scanner, error) {
	var errs []error
	compiled := make([]compiledRule, 0, len(rules))
	for _, rule := range rules {
		name := strings.TrimSpace(rule.Name)
		if name == "" {
			errs = append(errs, errors.New("dlp: rule name is required"))
			continue
		}
		if strings.TrimSpace(rule.Pattern) == "" {
			errs = append(errs, fmt.Errorf("dlp: pattern is required for rule %s", name))
			continue
		}
		action := rule.Action
		if action == "" {
			action = ActionRedact
		}
		switch action {
		case ActionAllow, ActionRedact, ActionBlock:
		default:
			errs = append(errs, fmt.Errorf("dlp: unsupported action %q for rule %s", action, name))
			continue
		}
		expr, err := regexp.Compile(rule.Pattern)
		if err != nil {
			errs = append(errs, fmt.Errorf("dlp: invalid pattern for rule %s: %w", name, err))
			continue
		}
		replacement := rule.Replacement
		if replacement == "" {
			replacement = "[REDACTED:" + name + "]"
		}
		compiled = append(compiled, compiledRule{name: name, expr: expr, action: action, replacement: replacement})
	}
	if len(errs) > 0 {
		return nil, errors.Join(errs...)
	}
	return &Scanner{rules: compiled}, nil
}

// Scan applies every rule to text. Matches are found on the original text; redact
// rules are then applied in declaration order.
func (s *Scanner) Scan(ctx context.Context, field, text string) (Report, error) {
	if err := ctx.Err(); err != nil {
		return Report{}, err
	}

	report := Report{Redacted: text}
	for _, rule := range s.rules {
		matches := rule.expr.FindAllStringIndex(text, -1)
		if len(matches) == 0 {
			continue
		}
		for _, m := range matches {
			report.Findings = append(report.Findings, Finding{
				Rule:   rule.name,
				Field:  field,
				Start:  m[0],
				End:    m[1],
				Action: rule.action,
			})
		}
		switch rule.action {
		case ActionRedact:
			report.Redacted = rule.expr.ReplaceAllLiteralString(report.Redacted, rule.replacement)
		case ActionBlock:
			report.Blocked = true
		}
	}

	sort.SliceStable(report.Findings, func(i, j int) bool {
		if report.Findings[i].Start == report.Findings[j].Start {
			return report.Findings[i].End < report.Findings[j].End
		}
		return report.Findings[i].Start < report.Findings[j].Start
	})
	return report, nil
}

// ScanAttributes scans every string value of attrs, recursing into nested maps. It
// returns a redacted copy and the findings, keyed by dotted attribute path.
func (s *Scanner) ScanAttributes(ctx context.Context, attrs map[string]any) (map[string]any, Report, error) {
	var combined Report
	out, err := s.scanMap(ctx, "", attrs, &combined)
	if err != nil {
		return nil, Report{}, err
	}
	return out, combined, nil
}

func (s *Scanner) scanMap(ctx context.Context, prefix string, attrs map[string]any, combined *Report) (map[string]any, error) {
	if attrs == nil {
		return nil, nil
	}
	out := make(map[string]any, len(attrs))
	for key, value := range attrs {
		field := key
		if prefix != "" {
			field = prefix + "." + key
		}
		switch v := value.(type) {
		case string:
			report, err := s.Scan(ctx, field, v)
			if err != nil {
				return nil, err
			}
			combined.Findings = append(combined.Findings, report.Findings...)
			combined.Blocked = combined.Blocked || report.Blocked
			out[key] = report.Redacted
		case map[string]any:
			nested, err := s.scanMap(ctx, field, v, combined)
			if err != nil {
				return nil, err
			}
			out[key] = nested
		default:
			out[key] = value
		}
	}
	return out, nil
}
