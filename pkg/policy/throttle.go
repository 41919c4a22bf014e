package policy

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/polisai/polis-intercept/internal/governance"
	"github.com/polisai/polis-intercept/pkg/domain"
)

// AttributeRetryAfter is set on throttled events to the suggested wait.
const AttributeRetryAfter = "retry-after"

// throttlePolicy rejects events above a token-bucket rate. Buckets are keyed by a
// message attribute, or shared by every event when no key attribute is configured.
type throttlePolicy struct {
	base
	limiter   *governance.RateLimiter
	keyAttr   string
	idleTTL   time.Duration
	lastSweep atomic.Int64
}

type throttleConfig struct {
	RequestsPerSecond float64       `yaml:"requestsPerSecond"`
	Burst             int           `yaml:"burst"`
	KeyAttribute      string        `yaml:"keyAttribute"`
	IdleTTL           time.Duration `yaml:"idleTTL"`
}

func newThrottlePolicy(def Definition, _ Dependencies) (domain.Policy, error) {
	var cfg throttleConfig
	if err := decodeConfig(def.Config, &cfg); err != nil {
		return nil, err
	}
	if cfg.RequestsPerSecond <= 0 {
		return nil, fmt.Errorf("%w: requestsPerSecond must be positive", errMissingField)
	}
	p := &throttlePolicy{
		base: newBase(def),
		limiter: governance.NewRateLimiter(governance.RateLimiterConfig{
			RequestsPerSecond: cfg.RequestsPerSecond,
			BurstSize:         cfg.Burst,
			IdleTTL:           cfg.IdleTTL,
		}),
		keyAttr: cfg.KeyAttribute,
		idleTTL: cfg.IdleTTL,
	}
	p.lastSweep.Store(time.Now().UnixNano())
	return p, nil
}

func (p *throttlePolicy) key(ev domain.Event) string {
	if p.keyAttr == "" {
		return p.id
	}
	if value, ok := ev.Message.Attribute(p.keyAttr); ok {
		return fmt.Sprint(value)
	}
	return ""
}

func (p *throttlePolicy) Process(ctx context.Context, ev domain.Event, next domain.Next) (domain.Event, error) {
	out, _, err := p.Before(ctx, ev)
	if err != nil {
		return out, err
	}
	return next(ctx, out)
}

func (p *throttlePolicy) Before(_ context.Context, ev domain.Event) (domain.Event, bool, error) {
	p.maybeSweep(time.Now())
	key := p.key(ev)
	if p.limiter.Allow(key) {
		return ev, true, nil
	}
	wait := p.limiter.RetryAfter(key)
	out := ev.WithMessage(ev.Message.WithAttribute(AttributeRetryAfter, wait.String()))
	return out, false, fmt.Errorf("%w: key %q, retry after %s", domain.ErrThrottled, key, wait)
}

func (p *throttlePolicy) After(_ context.Context, result domain.Event, err error) (domain.Event, error) {
	return result, err
}

// maybeSweep drops idle buckets at most once per idle TTL. Keyed throttles would
// otherwise grow with every distinct key value.
func (p *throttlePolicy) maybeSweep(now time.Time) {
	if p.idleTTL <= 0 {
		return
	}
	last := p.lastSweep.Load()
	if now.UnixNano()-last < int64(p.idleTTL) || !p.lastSweep.CompareAndSwap(last, now.UnixNano()) {
		return
	}
	p.limiter.Sweep()
}

var _ domain.PhasedPolicy = (*throttlePolicy)(nil)
