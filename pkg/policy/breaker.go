package policy

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/polisai/polis-intercept/internal/governance"
	"github.com/polisai/polis-intercept/pkg/domain"
)

// circuitBreakerPolicy fails fast while the protected logic keeps failing. Only flow
// execution failures count against the breaker; policy rejections pass through.
type circuitBreakerPolicy struct {
	base
	breakers *governance.CircuitBreakerSet
	keyAttr  string
	logger   *slog.Logger
}

type circuitBreakerConfig struct {
	MaxFailures      int           `yaml:"maxFailures"`
	Timeout          time.Duration `yaml:"timeout"`
	HalfOpenRequests int           `yaml:"halfOpenRequests"`
	KeyAttribute     string        `yaml:"keyAttribute"`
}

func newCircuitBreakerPolicy(def Definition, deps Dependencies) (domain.Policy, error) {
	var cfg circuitBreakerConfig
	if err := decodeConfig(def.Config, &cfg); err != nil {
		return nil, err
	}
	logger := deps.Logger.With("policy_id", def.ID)
	return &circuitBreakerPolicy{
		base: newBase(def),
		breakers: governance.NewCircuitBreakerSet(governance.CircuitBreakerConfig{
			MaxFailures:         cfg.MaxFailures,
			Timeout:             cfg.Timeout,
			MaxHalfOpenRequests: cfg.HalfOpenRequests,
		}, func(key string, from, to governance.CircuitBreakerState) {
			logger.Warn("circuit state changed", "key", key, "from", from, "to", to)
		}),
		keyAttr: cfg.KeyAttribute,
		logger:  logger,
	}, nil
}

func (p *circuitBreakerPolicy) breaker(ev domain.Event) (string, *governance.CircuitBreaker) {
	key := p.id
	if p.keyAttr != "" {
		if value, ok := ev.Message.Attribute(p.keyAttr); ok {
			key = fmt.Sprint(value)
		}
	}
	cb := p.breakers.Get(key)
	return key, cb
}

func (p *circuitBreakerPolicy) Process(ctx context.Context, ev domain.Event, next domain.Next) (domain.Event, error) {
	key, cb := p.breaker(ev)

	var (
		result  domain.Event
		nextErr error
	)
	err := cb.ExecuteContext(ctx, func(ctx context.Context) error {
		result, nextErr = next(ctx, ev)
		if domain.IsKind(nextErr, domain.KindFlowExecution) {
			return nextErr
		}
		return nil
	})
	if errors.Is(err, governance.ErrCircuitOpen) {
		p.logger.DebugContext(ctx, "circuit open", "key", key, "correlation_id", ev.CorrelationID)
		return ev, fmt.Errorf("%w: %s", domain.ErrCircuitOpen, key)
	}
	if nextErr != nil {
		return result, nextErr
	}
	if err != nil {
		return ev, err
	}
	return result, nil
}

// Stats exposes the state of every breaker owned by the policy.
func (p *circuitBreakerPolicy) Stats() map[string]governance.CircuitBreakerStats {
	return p.breakers.Stats()
}

var _ domain.Policy = (*circuitBreakerPolicy)(nil)
