package engine

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/polisai/polis-intercept/pkg/domain"
	"github.com/polisai/polis-intercept/pkg/engine/runtime"
	"github.com/polisai/polis-intercept/pkg/logging"
	"github.com/polisai/polis-intercept/pkg/telemetry"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "intercept.chain"

// chainRuntime holds what every execution of one compiled chain shares.
type chainRuntime struct {
	scope      runtime.Scope
	logger     *slog.Logger
	redactor   *telemetry.Redactor
	precedence RestorePrecedence
}

// chainHooks specializes the composer for one kind of protected logic.
type chainHooks interface {
	// leavePolicy converts the outcome of a policy into what the enclosing link observes.
	leavePolicy(s *scope, p domain.Policy, hop hopResult, result domain.Event, err error) (domain.Event, error)
	// processNextOperation runs the protected logic once the cursor reaches the chain end.
	processNextOperation(ctx context.Context, s *scope, ev domain.Event) (domain.Event, error)
}

// composer drives one execution through an ordered chain. The cursor only moves
// forward: policies are entered in declared order and the protected logic runs when
// the cursor reaches len(chain).
//
// Every Next handed to an around-style policy re-enters the same composer. Phased
// policies never receive a Next; the composer runs their Before halves in a loop
// and unwinds their After halves from an explicit stack, so stack depth does not
// grow with them.
type composer struct {
	chain  []domain.Policy
	cursor int
	done   bool
	scope  *scope
	hooks  chainHooks
	rt     *chainRuntime
}

type phasedHop struct {
	policy  domain.PhasedPolicy
	index   int
	ctx     context.Context
	span    trace.Span
	started time.Time
}

// hopResult describes what the next link returned to a policy.
type hopResult struct {
	calledNext       bool
	downstreamFailed bool
	downstream       domain.Event
}

type hopState struct {
	mu     sync.Mutex
	result hopResult
}

func (h *hopState) record(downstream domain.Event, err error) {
	h.mu.Lock()
	h.result = hopResult{calledNext: true, downstreamFailed: err != nil, downstream: downstream}
	h.mu.Unlock()
}

func (h *hopState) snapshot() hopResult {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.result
}

func newComposer(chain []domain.Policy, s *scope, hooks chainHooks, rt *chainRuntime) (*composer, error) {
	if len(chain) == 0 {
		return nil, domain.NewFailure(domain.KindChainConsistency, "", domain.Event{}, domain.ErrEmptyChain)
	}
	return &composer{chain: chain, scope: s, hooks: hooks, rt: rt}, nil
}

// fork returns a composer sharing the chain and scope, positioned at start. A policy
// that calls its Next a second time (a retry) gets a fresh cursor this way instead of
// rewinding the original one.
func (c *composer) fork(start int) *composer {
	return &composer{chain: c.chain, cursor: start, scope: c.scope, hooks: c.hooks, rt: c.rt}
}

// next is the chain's entry point and the target of every policy's Next.
func (c *composer) next(ctx context.Context, ev domain.Event) (domain.Event, error) {
	var entered []phasedHop
	result, err := c.advance(ctx, ev, &entered)
	for i := len(entered) - 1; i >= 0; i-- {
		result, err = c.leavePhased(entered[i], result, err)
	}
	return result, err
}

func (c *composer) advance(ctx context.Context, ev domain.Event, entered *[]phasedHop) (domain.Event, error) {
	for {
		if c.cursor > len(c.chain) || (c.cursor == len(c.chain) && c.done) {
			c.rt.logger.Error("policy chain cursor out of range",
				slog.Int("cursor", c.cursor),
				slog.Int("chain_length", len(c.chain)),
				slog.String("correlation_id", ev.CorrelationID))
			return ev, domain.NewFailure(domain.KindChainConsistency, "", ev, domain.ErrCursorOutOfRange)
		}
		if c.cursor == len(c.chain) {
			c.done = true
			return c.hooks.processNextOperation(ctx, c.scope, ev)
		}

		index := c.cursor
		policy := c.chain[index]
		c.cursor++

		hopCtx, span := c.startHop(ctx, policy, index)
		started := time.Now()
		ev = c.scope.onPolicyBegin(ev, policy.ID())
		c.traceHop(hopCtx, "policy begin", policy.ID(), ev)

		phased, ok := policy.(domain.PhasedPolicy)
		if !ok {
			state := &hopState{}
			result, err := policy.Process(hopCtx, ev, c.nextFor(policy, index, state))
			if err != nil {
				err = domain.AsFailure(err, policy.ID(), ev)
			}
			hop := state.snapshot()
			result, err = c.hooks.leavePolicy(c.scope, policy, hop, result, err)
			outcome := runtime.Classify(hop.calledNext, hop.downstreamFailed, err)
			c.endHop(hopCtx, span, policy.ID(), started, outcome, err)
			return result, err
		}

		out, proceed, err := phased.Before(hopCtx, ev)
		if err != nil || !proceed {
			if err != nil {
				err = domain.AsFailure(err, policy.ID(), ev)
			}
			out, err = c.hooks.leavePolicy(c.scope, policy, hopResult{}, out, err)
			c.endHop(hopCtx, span, policy.ID(), started, runtime.Classify(false, false, err), err)
			return out, err
		}

		*entered = append(*entered, phasedHop{policy: phased, index: index, ctx: hopCtx, span: span, started: started})
		ev = c.scope.onEnterNext(out, policy.ID(), policy.PropagateMessageTransformations())
		ctx = hopCtx
	}
}

func (c *composer) leavePhased(hop phasedHop, result domain.Event, err error) (domain.Event, error) {
	id := hop.policy.ID()
	result, err = c.scope.onReturnFromNext(result, err, id)
	c.traceHop(hop.ctx, "policy resumed", id, result)

	downstream := hopResult{calledNext: true, downstreamFailed: err != nil, downstream: result}
	out, afterErr := hop.policy.After(hop.ctx, result, err)
	if afterErr != nil {
		afterErr = domain.AsFailure(afterErr, id, result)
	}
	out, afterErr = c.hooks.leavePolicy(c.scope, hop.policy, downstream, out, afterErr)
	c.endHop(hop.ctx, hop.span, id, hop.started, runtime.Classify(true, downstream.downstreamFailed, afterErr), afterErr)
	return out, afterErr
}

func (c *composer) nextFor(policy domain.Policy, index int, state *hopState) domain.Next {
	var used atomic.Bool
	return func(ctx context.Context, ev domain.Event) (domain.Event, error) {
		ev = c.scope.onEnterNext(ev, policy.ID(), policy.PropagateMessageTransformations())

		var (
			result domain.Event
			err    error
		)
		if used.CompareAndSwap(false, true) {
			result, err = c.next(ctx, ev)
		} else {
			result, err = c.fork(index+1).next(ctx, ev)
		}
		result, err = c.scope.onReturnFromNext(result, err, policy.ID())
		state.record(result, err)
		c.traceHop(ctx, "policy resumed", policy.ID(), result)
		return result, err
	}
}

func (c *composer) startHop(ctx context.Context, policy domain.Policy, index int) (context.Context, trace.Span) {
	return otel.Tracer(tracerName).Start(ctx, "policy.hop", trace.WithAttributes(
		attribute.String("policy.id", policy.ID()),
		attribute.Int("policy.index", index),
		attribute.String("chain.scope", string(c.rt.scope)),
		attribute.Bool("policy.propagate", policy.PropagateMessageTransformations()),
	))
}

func (c *composer) endHop(ctx context.Context, span trace.Span, policyID string, started time.Time, outcome runtime.HopOutcome, err error) {
	span.SetAttributes(attribute.String("hop.outcome", string(outcome)))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		var f *domain.Failure
		if errors.As(err, &f) {
			telemetry.RecordFailureEvent(span, string(f.Kind), f.Component)
		}
	}
	span.End()

	telemetry.RecordHopMetrics(ctx, telemetry.HopMetrics{
		PolicyID: policyID,
		Scope:    c.rt.scope,
		Outcome:  outcome,
		Duration: time.Since(started),
	})
}

// traceHop logs the attributes and variables visible at a hop. It is skipped
// entirely unless trace logging is enabled.
func (c *composer) traceHop(ctx context.Context, msg, policyID string, ev domain.Event) {
	if !c.rt.logger.Enabled(ctx, logging.LevelTrace) {
		return
	}
	c.rt.logger.LogAttrs(ctx, logging.LevelTrace, msg,
		slog.String("policy_id", policyID),
		slog.String("scope", string(c.rt.scope)),
		slog.String("correlation_id", ev.CorrelationID),
		c.rt.redactor.LogAttr("variables", ev.Variables),
		c.rt.redactor.LogAttr("attributes", ev.Message.Attributes),
	)
}
