package policy

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/polisai/polis-intercept/pkg/domain"
	"github.com/polisai/polis-intercept/pkg/policy/dlp"
)

// AttributeFindings is set on scanned events to the number of DLP findings.
const AttributeFindings = "dlp-findings"

// redactPolicy scans message payloads and attributes with DLP rules. Redactions
// replace the message; a block rule fails the execution with ErrAccessDenied. The
// flow only sees redacted requests when the policy propagates its message.
type redactPolicy struct {
	base
	logger     *slog.Logger
	scanner    *dlp.Scanner
	request    bool
	response   bool
	attributes bool
}

type redactConfig struct {
	Rules  []string   `yaml:"rules"`
	Custom []dlp.Rule `yaml:"custom"`
	// Direction is request, response or both (the default).
	Direction  string `yaml:"direction"`
	Attributes bool   `yaml:"attributes"`
}

func newRedactPolicy(def Definition, deps Dependencies) (domain.Policy, error) {
	var cfg redactConfig
	if err := decodeConfig(def.Config, &cfg); err != nil {
		return nil, err
	}
	rules, err := dlp.ResolveRules(cfg.Rules, cfg.Custom)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", domain.ErrConfigInvalid, err)
	}
	scanner, err := dlp.NewScanner(rules)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", domain.ErrConfigInvalid, err)
	}

	p := &redactPolicy{base: newBase(def), logger: deps.Logger, scanner: scanner, attributes: cfg.Attributes}
	switch cfg.Direction {
	case "", "both":
		p.request, p.response = true, true
	case "request":
		p.request = true
	case "response":
		p.response = true
	default:
		return nil, fmt.Errorf("%w: direction %q, supported: request, response, both", domain.ErrConfigInvalid, cfg.Direction)
	}
	return p, nil
}

func (p *redactPolicy) Process(ctx context.Context, ev domain.Event, next domain.Next) (domain.Event, error) {
	out, _, err := p.Before(ctx, ev)
	if err != nil {
		return out, err
	}
	result, err := next(ctx, out)
	return p.After(ctx, result, err)
}

func (p *redactPolicy) Before(ctx context.Context, ev domain.Event) (domain.Event, bool, error) {
	if !p.request {
		return ev, true, nil
	}
	out, err := p.scan(ctx, ev, "request")
	return out, err == nil, err
}

func (p *redactPolicy) After(ctx context.Context, result domain.Event, err error) (domain.Event, error) {
	if err != nil || !p.response {
		return result, err
	}
	return p.scan(ctx, result, "response")
}

func (p *redactPolicy) scan(ctx context.Context, ev domain.Event, phase string) (domain.Event, error) {
	msg := ev.Message
	var findings []dlp.Finding
	blocked := false

	if text, ok := msg.Payload.(string); ok {
		report, err := p.scanner.Scan(ctx, "payload", text)
		if err != nil {
			return ev, err
		}
		findings = append(findings, report.Findings...)
		blocked = report.Blocked
		msg.Payload = report.Redacted
	}
	if p.attributes {
		attrs, report, err := p.scanner.ScanAttributes(ctx, msg.Attributes)
		if err != nil {
			return ev, err
		}
		findings = append(findings, report.Findings...)
		blocked = blocked || report.Blocked
		msg.Attributes = attrs
	}
	if len(findings) == 0 {
		return ev, nil
	}

	rules := make([]string, 0, len(findings))
	for _, f := range findings {
		rules = append(rules, f.Field+":"+f.Rule)
	}
	p.logger.InfoContext(ctx, "dlp findings",
		"policy_id", p.id,
		"phase", phase,
		"findings", len(findings),
		"rules", rules,
		"blocked", blocked,
		"correlation_id", ev.CorrelationID,
	)

	if blocked {
		return ev, fmt.Errorf("%w: %w in %s", domain.ErrAccessDenied, dlp.ErrBlocked, phase)
	}
	return ev.WithMessage(msg.WithAttribute(AttributeFindings, len(findings))), nil
}

var _ domain.PhasedPolicy = (*redactPolicy)(nil)
