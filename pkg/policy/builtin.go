package policy

import (
	"context"
	"fmt"
	"log/slog"
	"maps"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/cel-go/cel"

	"github.com/polisai/polis-intercept/pkg/domain"
	"github.com/polisai/polis-intercept/pkg/logging"
	"github.com/polisai/polis-intercept/pkg/telemetry"
)

// Attribute names used by built-ins that produce a response.
const (
	AttributeStatus = "status"
	AttributeCode   = "code"
)

// logPolicy writes one record before and one after the rest of the chain.
type logPolicy struct {
	base
	logger   *slog.Logger
	redactor *telemetry.Redactor
	level    slog.Level
	message  string
}

type logConfig struct {
	Level   string `yaml:"level"`
	Message string `yaml:"message"`
}

func newLogPolicy(def Definition, deps Dependencies) (domain.Policy, error) {
	cfg := logConfig{Level: "info", Message: "policy log"}
	if err := decodeConfig(def.Config, &cfg); err != nil {
		return nil, err
	}
	return &logPolicy{
		base:     newBase(def),
		logger:   deps.Logger.With("policy_id", def.ID),
		redactor: deps.Redactor,
		level:    logging.ParseLevel(cfg.Level),
		message:  cfg.Message,
	}, nil
}

func (p *logPolicy) Process(ctx context.Context, ev domain.Event, next domain.Next) (domain.Event, error) {
	if !p.logger.Enabled(ctx, p.level) {
		return next(ctx, ev)
	}

	p.logger.Log(ctx, p.level, p.message,
		"phase", "before",
		"event_id", ev.ID,
		"correlation_id", ev.CorrelationID,
		p.redactor.LogAttr("attributes", ev.Message.Attributes),
	)

	start := time.Now()
	result, err := next(ctx, ev)
	attrs := []any{
		"phase", "after",
		"event_id", ev.ID,
		"correlation_id", ev.CorrelationID,
		"duration", time.Since(start),
	}
	if err != nil {
		attrs = append(attrs, "error", err)
	} else {
		attrs = append(attrs, p.redactor.LogAttr("attributes", result.Message.Attributes))
	}
	p.logger.Log(ctx, p.level, p.message, attrs...)
	return result, err
}

// setVariablePolicy writes variables into its own namespace before calling next.
// Literal values are copied; expressions are CEL evaluated over the inbound event.
type setVariablePolicy struct {
	base
	literals    map[string]any
	expressions map[string]cel.Program
}

type setVariableConfig struct {
	Variables   map[string]any    `yaml:"variables"`
	Expressions map[string]string `yaml:"expressions"`
}

var (
	exprEnvOnce sync.Once
	exprEnv     *cel.Env
	exprEnvErr  error
)

// expressionEnvironment exposes attributes, variables and payload of an event.
func expressionEnvironment() (*cel.Env, error) {
	exprEnvOnce.Do(func() {
		exprEnv, exprEnvErr = cel.NewEnv(
			cel.Variable("attributes", cel.MapType(cel.StringType, cel.DynType)),
			cel.Variable("variables", cel.MapType(cel.StringType, cel.DynType)),
			cel.Variable("payload", cel.DynType),
		)
	})
	return exprEnv, exprEnvErr
}

func newSetVariablePolicy(def Definition, _ Dependencies) (domain.Policy, error) {
	var cfg setVariableConfig
	if err := decodeConfig(def.Config, &cfg); err != nil {
		return nil, err
	}
	if len(cfg.Variables) == 0 && len(cfg.Expressions) == 0 {
		return nil, fmt.Errorf("%w: variables or expressions", errMissingField)
	}

	p := &setVariablePolicy{
		base:        newBase(def),
		literals:    maps.Clone(cfg.Variables),
		expressions: make(map[string]cel.Program, len(cfg.Expressions)),
	}
	if len(cfg.Expressions) == 0 {
		return p, nil
	}

	env, err := expressionEnvironment()
	if err != nil {
		return nil, fmt.Errorf("create CEL environment: %w", err)
	}
	for name, src := range cfg.Expressions {
		ast, iss := env.Compile(src)
		if iss.Err() != nil {
			return nil, fmt.Errorf("%w: expression %q: %w", domain.ErrConfigInvalid, name, iss.Err())
		}
		prg, err := env.Program(ast)
		if err != nil {
			return nil, fmt.Errorf("program for expression %q: %w", name, err)
		}
		p.expressions[name] = prg
	}
	return p, nil
}

func (p *setVariablePolicy) Process(ctx context.Context, ev domain.Event, next domain.Next) (domain.Event, error) {
	out := ev
	for name, value := range p.literals {
		out = out.WithVariable(name, value)
	}
	if len(p.expressions) > 0 {
		activation := map[string]any{
			"attributes": nonNilMap(ev.Message.Attributes),
			"variables":  nonNilMap(ev.Variables),
			"payload":    ev.Message.Payload,
		}
		for name, prg := range p.expressions {
			val, _, err := prg.Eval(activation)
			if err != nil {
				return ev, fmt.Errorf("evaluate expression %q: %w", name, err)
			}
			out = out.WithVariable(name, val.Value())
		}
	}
	return next(ctx, out)
}

// setAttributePolicy overlays attributes on the request and, optionally, the response.
type setAttributePolicy struct {
	base
	request  map[string]any
	response map[string]any
}

type setAttributeConfig struct {
	Request  map[string]any `yaml:"request"`
	Response map[string]any `yaml:"response"`
}

func newSetAttributePolicy(def Definition, _ Dependencies) (domain.Policy, error) {
	var cfg setAttributeConfig
	if err := decodeConfig(def.Config, &cfg); err != nil {
		return nil, err
	}
	if len(cfg.Request) == 0 && len(cfg.Response) == 0 {
		return nil, fmt.Errorf("%w: request or response", errMissingField)
	}
	return &setAttributePolicy{base: newBase(def), request: cfg.Request, response: cfg.Response}, nil
}

func (p *setAttributePolicy) Process(ctx context.Context, ev domain.Event, next domain.Next) (domain.Event, error) {
	out, _, err := p.Before(ctx, ev)
	if err != nil {
		return ev, err
	}
	result, err := next(ctx, out)
	return p.After(ctx, result, err)
}

func (p *setAttributePolicy) Before(_ context.Context, ev domain.Event) (domain.Event, bool, error) {
	return ev.WithMessage(overlay(ev.Message, p.request)), true, nil
}

func (p *setAttributePolicy) After(_ context.Context, result domain.Event, err error) (domain.Event, error) {
	if err != nil {
		return result, err
	}
	return result.WithMessage(overlay(result.Message, p.response)), nil
}

func overlay(msg domain.Message, attrs map[string]any) domain.Message {
	for name, value := range attrs {
		msg = msg.WithAttribute(name, value)
	}
	return msg
}

// denyPolicy short-circuits the chain with a fixed response.
type denyPolicy struct {
	base
	logger  *slog.Logger
	status  int
	code    string
	message string
}

type denyConfig struct {
	Status  any    `yaml:"status"`
	Code    string `yaml:"code"`
	Message string `yaml:"message"`
}

func newDenyPolicy(def Definition, deps Dependencies) (domain.Policy, error) {
	var cfg denyConfig
	if err := decodeConfig(def.Config, &cfg); err != nil {
		return nil, err
	}
	code := strings.TrimSpace(cfg.Code)
	if code == "" {
		code = "ACCESS_DENIED"
	}
	message := strings.TrimSpace(cfg.Message)
	if message == "" {
		message = "Access denied"
	}
	return &denyPolicy{
		base:    newBase(def),
		logger:  deps.Logger,
		status:  parseStatus(cfg.Status, http.StatusForbidden),
		code:    code,
		message: message,
	}, nil
}

func (p *denyPolicy) Process(ctx context.Context, ev domain.Event, next domain.Next) (domain.Event, error) {
	out, proceed, err := p.Before(ctx, ev)
	if err != nil || !proceed {
		return out, err
	}
	return next(ctx, out)
}

func (p *denyPolicy) Before(ctx context.Context, ev domain.Event) (domain.Event, bool, error) {
	p.logger.InfoContext(ctx, "request denied",
		"policy_id", p.id,
		"status", p.status,
		"code", p.code,
		"correlation_id", ev.CorrelationID,
	)
	msg := domain.Message{
		Payload: p.message,
		Attributes: map[string]any{
			AttributeStatus: p.status,
			AttributeCode:   p.code,
		},
	}
	return ev.WithMessage(msg), false, nil
}

func (p *denyPolicy) After(_ context.Context, result domain.Event, err error) (domain.Event, error) {
	return result, err
}

func parseStatus(raw any, fallback int) int {
	switch v := raw.(type) {
	case int:
		if v > 0 {
			return v
		}
	case int64:
		if v > 0 {
			return int(v)
		}
	case float64:
		if v > 0 {
			return int(v)
		}
	case string:
		if v == "" {
			break
		}
		var parsed int
		if _, err := fmt.Sscanf(v, "%d", &parsed); err == nil && parsed > 0 {
			return parsed
		}
	}
	return fallback
}

func nonNilMap[M ~map[string]any](m M) map[string]any {
	if m == nil {
		return map[string]any{}
	}
	return m
}

var (
	_ domain.Policy       = (*logPolicy)(nil)
	_ domain.Policy       = (*setVariablePolicy)(nil)
	_ domain.PhasedPolicy = (*setAttributePolicy)(nil)
	_ domain.PhasedPolicy = (*denyPolicy)(nil)
)
