package policy

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/polisai/polis-intercept/internal/governance"
	"github.com/polisai/polis-intercept/pkg/domain"
)

// untilSuccessfulPolicy calls the rest of the chain again, with backoff, while it
// fails with a retryable failure kind.
type untilSuccessfulPolicy struct {
	base
	retry *governance.RetryPolicy
}

type untilSuccessfulConfig struct {
	MaxRetries        int           `yaml:"maxRetries"`
	InitialBackoff    time.Duration `yaml:"initialBackoff"`
	MaxBackoff        time.Duration `yaml:"maxBackoff"`
	BackoffMultiplier float64       `yaml:"backoffMultiplier"`
	Jitter            bool          `yaml:"jitter"`
	RetryOn           []string      `yaml:"retryOn"`
}

func newUntilSuccessfulPolicy(def Definition, deps Dependencies) (domain.Policy, error) {
	defaults := governance.DefaultRetryConfig()
	cfg := untilSuccessfulConfig{
		MaxRetries:        defaults.MaxRetries,
		InitialBackoff:    defaults.InitialBackoff,
		MaxBackoff:        defaults.MaxBackoff,
		BackoffMultiplier: defaults.BackoffMultiplier,
		RetryOn:           []string{string(domain.KindFlowExecution)},
	}
	if err := decodeConfig(def.Config, &cfg); err != nil {
		return nil, err
	}

	kinds := make(map[domain.FailureKind]bool, len(cfg.RetryOn))
	for _, raw := range cfg.RetryOn {
		kind := domain.FailureKind(raw)
		switch kind {
		case domain.KindFlowExecution, domain.KindPolicyExecution:
			kinds[kind] = true
		default:
			return nil, fmt.Errorf("%w: retryOn %q is not a retryable failure kind", domain.ErrConfigInvalid, raw)
		}
	}

	retryable := func(err error) bool {
		var f *domain.Failure
		if !errors.As(err, &f) {
			return kinds[domain.KindPolicyExecution]
		}
		return kinds[f.Kind]
	}

	retry := governance.NewRetryPolicy(governance.RetryConfig{
		MaxRetries:        cfg.MaxRetries,
		InitialBackoff:    cfg.InitialBackoff,
		MaxBackoff:        cfg.MaxBackoff,
		BackoffMultiplier: cfg.BackoffMultiplier,
		Jitter:            cfg.Jitter,
	}, retryable)
	logger := deps.Logger.With("policy_id", def.ID)
	retry.OnRetry(func(err error, delay time.Duration) {
		logger.Debug("retrying chain", "error", err, "delay", delay)
	})
	return &untilSuccessfulPolicy{base: newBase(def), retry: retry}, nil
}

func (p *untilSuccessfulPolicy) Process(ctx context.Context, ev domain.Event, next domain.Next) (domain.Event, error) {
	var (
		result  domain.Event
		lastErr error
	)
	err := p.retry.Do(ctx, func(int) error {
		result, lastErr = next(ctx, ev)
		return lastErr
	})
	if err == nil {
		return result, nil
	}
	if lastErr != nil {
		// The failure of the last attempt keeps its kind and event.
		return result, lastErr
	}
	return ev, err
}

var _ domain.Policy = (*untilSuccessfulPolicy)(nil)
