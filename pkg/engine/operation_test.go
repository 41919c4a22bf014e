package engine

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/polisai/polis-intercept/pkg/domain"
	"github.com/polisai/polis-intercept/pkg/engine/runtime"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOperationResultIntegrity(t *testing.T) {
	tests := []struct {
		name        string
		propagate   bool
		opSees      string
		wantPayload string
	}{
		{name: "edits reverted", propagate: false, opSees: "request", wantPayload: "response"},
		{name: "edits propagated", propagate: true, opSees: "request-edited", wantPayload: "response-edited"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			editor := &funcPolicy{id: "editor", propagate: tt.propagate, fn: func(ctx context.Context, ev domain.Event, next domain.Next) (domain.Event, error) {
				ev = ev.WithVariable("secret", "policy-only").
					WithMessage(domain.Message{Payload: ev.Message.Payload.(string) + "-edited"})
				result, err := next(ctx, ev)
				if err != nil {
					return result, err
				}
				return result.WithMessage(domain.Message{Payload: result.Message.Payload.(string) + "-edited"}), nil
			}}

			var opSaw domain.Event
			op := &countingOperation{payload: "response"}
			op.seen = func(_ map[string]any, ev domain.Event) { opSaw = ev }

			in := domain.Event{Message: domain.Message{Payload: "request"}, Variables: domain.Variables{"flow": "var"}}
			result, err := newTestOperationChain(t, editor).Process(context.Background(), in, op, nil)
			require.NoError(t, err)

			assert.Equal(t, tt.opSees, opSaw.Message.Payload)
			assert.Equal(t, domain.Variables{"flow": "var"}, opSaw.Variables)
			assert.Equal(t, tt.wantPayload, result.Message.Payload)
			assert.Equal(t, domain.Variables{"flow": "var"}, result.Variables)
		})
	}
}

func TestOperationErrorRestoresVariables(t *testing.T) {
	unavailable := errors.New("unavailable")
	var policySawOnError domain.Variables
	observer := &funcPolicy{id: "observer", fn: func(ctx context.Context, ev domain.Event, next domain.Next) (domain.Event, error) {
		result, err := next(ctx, ev.WithVariable("attempt", 1))
		var f *domain.Failure
		if errors.As(err, &f) {
			policySawOnError = f.Event.Variables
		}
		return result, err
	}}

	in := domain.Event{Variables: domain.Variables{"flow": "var"}}
	_, err := newTestOperationChain(t, observer, passThrough("inner")).Process(context.Background(), in, &countingOperation{err: unavailable}, nil)

	require.Error(t, err)
	assert.ErrorIs(t, err, unavailable)

	var f *domain.Failure
	require.True(t, errors.As(err, &f))
	assert.Equal(t, domain.KindFlowExecution, f.Kind)
	assert.Equal(t, domain.Variables{"flow": "var"}, f.Event.Variables)
	assert.Equal(t, domain.Variables{"attempt": 1}, policySawOnError)
}

// attributeTransformer exposes operation parameters as message attributes.
type attributeTransformer struct{}

func (attributeTransformer) MessageFromParameters(params map[string]any) domain.Message {
	return domain.Message{Attributes: params}
}

func (attributeTransformer) ParametersFromMessage(msg domain.Message) map[string]any {
	return msg.Attributes
}

func TestOperationParametersTransformer(t *testing.T) {
	tests := []struct {
		name      string
		propagate bool
		wantURL   string
	}{
		{name: "override applied", propagate: true, wantURL: "https://mirror.internal"},
		{name: "override reverted", propagate: false, wantURL: "https://api.example.com"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rewrite := &funcPolicy{id: "rewrite", propagate: tt.propagate, fn: func(ctx context.Context, ev domain.Event, next domain.Next) (domain.Event, error) {
				if url, _ := ev.Message.Attribute("url"); url != "https://api.example.com" {
					return ev, errors.New("policy did not see the parameters as a message")
				}
				return next(ctx, ev.WithMessage(ev.Message.WithAttribute("url", "https://mirror.internal")))
			}}
			chain, err := newCompositeOperationPolicy("http-request", []domain.Policy{rewrite}, attributeTransformer{}, testRuntime(runtime.ScopeOperation, PrecedenceOperationFirst))
			require.NoError(t, err)

			var got map[string]any
			op := &countingOperation{payload: "ok"}
			op.seen = func(params map[string]any, _ domain.Event) { got = params }

			params := domain.StaticParameters{"url": "https://api.example.com", "method": "GET"}
			_, err = chain.Process(context.Background(), domain.Event{}, op, params)
			require.NoError(t, err)
			assert.Equal(t, tt.wantURL, got["url"])
			assert.Equal(t, "GET", got["method"])
		})
	}
}

func TestOperationInvocationFailures(t *testing.T) {
	tests := []struct {
		name    string
		op      domain.Operation
		ctx     func() (context.Context, context.CancelFunc)
		wantErr error
	}{
		{
			name: "panic",
			op: domain.OperationFunc(func(context.Context, map[string]any, domain.Event, domain.OperationCallback) {
				panic("driver bug")
			}),
		},
		{
			name: "never completes",
			op:   domain.OperationFunc(func(context.Context, map[string]any, domain.Event, domain.OperationCallback) {}),
			ctx: func() (context.Context, context.CancelFunc) {
				return context.WithTimeout(context.Background(), 20*time.Millisecond)
			},
			wantErr: context.DeadlineExceeded,
		},
		{
			name: "nil error",
			op: domain.OperationFunc(func(_ context.Context, _ map[string]any, _ domain.Event, cb domain.OperationCallback) {
				cb.Error(nil)
			}),
			wantErr: domain.ErrOperationNotCompleted,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx, cancel := context.Background(), context.CancelFunc(func() {})
			if tt.ctx != nil {
				ctx, cancel = tt.ctx()
			}
			defer cancel()

			_, err := newTestOperationChain(t, passThrough("p")).Process(ctx, domain.Event{}, tt.op, nil)
			require.Error(t, err)
			assert.True(t, domain.IsKind(err, domain.KindFlowExecution))
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
			}
		})
	}
}

func TestOperationCallbackIgnoresLateCalls(t *testing.T) {
	op := domain.OperationFunc(func(_ context.Context, _ map[string]any, ev domain.Event, cb domain.OperationCallback) {
		cb.Complete(ev.WithMessage(domain.Message{Payload: "first"}))
		cb.Complete(ev.WithMessage(domain.Message{Payload: "second"}))
		cb.Error(errors.New("late"))
	})

	result, err := NoOperationPolicy.Process(context.Background(), domain.Event{}, op, nil)
	require.NoError(t, err)
	assert.Equal(t, "first", result.Message.Payload)
}

func TestNoOperationPolicy(t *testing.T) {
	var got map[string]any
	op := &countingOperation{payload: "ok"}
	op.seen = func(params map[string]any, _ domain.Event) { got = params }

	result, err := NoOperationPolicy.Process(context.Background(), domain.Event{}, op, domain.StaticParameters{"k": "v"})
	require.NoError(t, err)
	assert.Equal(t, "ok", result.Message.Payload)
	assert.Equal(t, map[string]any{"k": "v"}, got)

	_, err = NoOperationPolicy.Process(context.Background(), domain.Event{}, &countingOperation{err: errors.New("down")}, nil)
	assert.True(t, domain.IsKind(err, domain.KindFlowExecution))
}
