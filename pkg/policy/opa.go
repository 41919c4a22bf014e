package policy

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"

	"go.opentelemetry.io/otel/trace"

	"github.com/polisai/polis-intercept/pkg/domain"
	"github.com/polisai/polis-intercept/pkg/telemetry"
)

// opaPolicy authorizes events with a rego decision. The decision document is
//
//	{"action": "allow" | "redact" | "block", "reason": string, "attributes": {...}}
//
// where attributes are overlaid on the message for allow and redact decisions.
type opaPolicy struct {
	base
	rego     *Evaluator
	failOpen bool
	logger   *slog.Logger
}

type opaConfig struct {
	Entrypoint string            `yaml:"entrypoint"`
	Module     string            `yaml:"module"`
	Modules    map[string]string `yaml:"modules"`
	Files      []string          `yaml:"files"`
	CacheSize  int               `yaml:"cacheSize"`
	// OnError is the posture applied when evaluation fails: fail-closed or fail-open.
	OnError string `yaml:"onError"`
}

func newOPAPolicy(def Definition, deps Dependencies) (domain.Policy, error) {
	var cfg opaConfig
	if err := decodeConfig(def.Config, &cfg); err != nil {
		return nil, err
	}

	modules := make(map[string]string, len(cfg.Modules)+len(cfg.Files)+1)
	for name, src := range cfg.Modules {
		modules[name] = src
	}
	if cfg.Module != "" {
		modules[def.ID+".rego"] = cfg.Module
	}
	for _, path := range cfg.Files {
		src, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read rego module: %w", err)
		}
		modules[filepath.Base(path)] = string(src)
	}
	if len(modules) == 0 {
		return nil, fmt.Errorf("%w: module, modules or files", errMissingField)
	}

	var failOpen bool
	switch cfg.OnError {
	case "", "fail-closed":
	case "fail-open":
		failOpen = true
	default:
		return nil, fmt.Errorf("%w: onError %q", domain.ErrConfigInvalid, cfg.OnError)
	}
	logger := deps.Logger.With("policy_id", def.ID)

	evaluator, err := NewEvaluator(context.Background(), EvaluatorOptions{
		Entrypoint: cfg.Entrypoint,
		Modules:    modules,
		CacheSize:  cfg.CacheSize,
		Logger:     logger,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %w", domain.ErrConfigInvalid, err)
	}
	return &opaPolicy{base: newBase(def), rego: evaluator, failOpen: failOpen, logger: logger}, nil
}

func (p *opaPolicy) Process(ctx context.Context, ev domain.Event, next domain.Next) (domain.Event, error) {
	verdict, err := p.rego.Evaluate(ctx, Query{Input: eventDocument(ev)})
	if err != nil {
		if !p.failOpen {
			return ev, fmt.Errorf("evaluate %s: %w", p.id, err)
		}
		p.logger.WarnContext(ctx, "authorization failed open", "error", err, "correlation_id", ev.CorrelationID)
		return next(ctx, ev)
	}

	span := trace.SpanFromContext(ctx)
	telemetry.RecordPolicyDecision(span, p.id, verdict.Action != ActionBlock, verdict.Reason)

	if verdict.Action == ActionBlock {
		reason := verdict.Reason
		if reason == "" {
			reason = "denied by policy"
		}
		denied := ev.WithMessage(domain.Message{
			Payload:    reason,
			Attributes: map[string]any{AttributeStatus: http.StatusForbidden, AttributeCode: "ACCESS_DENIED"},
		})
		return denied, fmt.Errorf("%w: %s", domain.ErrAccessDenied, reason)
	}

	if len(verdict.Attributes) > 0 {
		ev = ev.WithMessage(overlay(ev.Message, verdict.Attributes))
	}
	return next(ctx, ev)
}

// eventDocument renders the parts of an event a rego policy may inspect.
func eventDocument(ev domain.Event) map[string]any {
	doc := map[string]any{
		"event_id":       ev.ID,
		"correlation_id": ev.CorrelationID,
		"transaction_id": ev.TransactionID,
		"attributes":     nonNilMap(ev.Message.Attributes),
		"variables":      nonNilMap(ev.Variables),
	}
	switch payload := ev.Message.Payload.(type) {
	case nil:
	case string, bool, int, int64, float64, map[string]any, []any:
		doc["payload"] = payload
	case []byte:
		doc["payload"] = string(payload)
	default:
		doc["payload"] = fmt.Sprint(payload)
	}
	return doc
}

var _ domain.Policy = (*opaPolicy)(nil)
