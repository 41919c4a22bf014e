package governance

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

type fakeClock struct {
	now time.Time
}

func (c *fakeClock) Now() time.Time { return c.now }

func (c *fakeClock) Advance(d time.Duration) { c.now = c.now.Add(d) }

func TestRateLimiterBurstAndRefill(t *testing.T) {
	clock := &fakeClock{now: time.Unix(1_700_000_000, 0)}
	rl := NewRateLimiter(RateLimiterConfig{RequestsPerSecond: 2, BurstSize: 3})
	rl.now = clock.Now

	for i := range 3 {
		assert.True(t, rl.Allow("tenant-a"), "request %d within burst", i)
	}
	assert.False(t, rl.Allow("tenant-a"))
	assert.True(t, rl.Allow("tenant-b"), "keys have independent buckets")
	assert.InDelta(t, 500*time.Millisecond, rl.RetryAfter("tenant-a"), float64(time.Millisecond))

	clock.Advance(500 * time.Millisecond)
	assert.True(t, rl.Allow("tenant-a"))
	assert.False(t, rl.Allow("tenant-a"))
}

func TestRateLimiterSweepDropsIdleBuckets(t *testing.T) {
	clock := &fakeClock{now: time.Unix(1_700_000_000, 0)}
	rl := NewRateLimiter(RateLimiterConfig{RequestsPerSecond: 1, IdleTTL: time.Minute})
	rl.now = clock.Now

	rl.Allow("old")
	clock.Advance(2 * time.Minute)
	rl.Allow("fresh")

	assert.Equal(t, 1, rl.Sweep())
	assert.Len(t, rl.Stats(), 1)
	assert.Contains(t, rl.Stats(), "fresh")
}

func TestRateLimiterNeverExceedsBurstProperty(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		burst := rapid.IntRange(1, 20).Draw(t, "burst")
		requests := rapid.IntRange(0, 50).Draw(t, "requests")

		rl := NewRateLimiter(RateLimiterConfig{RequestsPerSecond: 1, BurstSize: burst})
		frozen := time.Unix(1_700_000_000, 0)
		rl.now = func() time.Time { return frozen }

		allowed := 0
		for range requests {
			if rl.Allow("k") {
				allowed++
			}
		}
		if want := min(burst, requests); allowed != want {
			t.Fatalf("allowed %d of %d, want %d", allowed, requests, want)
		}
	})
}

func TestRetryPolicy(t *testing.T) {
	transient := errors.New("transient")
	permanent := errors.New("permanent")

	tests := []struct {
		name      string
		failures  []error
		wantCalls int
		wantErr   error
	}{
		{name: "first attempt succeeds", wantCalls: 1},
		{name: "recovers after retries", failures: []error{transient, transient}, wantCalls: 3},
		{name: "exhausted", failures: []error{transient, transient, transient, transient}, wantCalls: 3, wantErr: ErrMaxRetriesExceeded},
		{name: "not retryable", failures: []error{permanent}, wantCalls: 1, wantErr: permanent},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rp := NewRetryPolicy(RetryConfig{MaxRetries: 2, InitialBackoff: time.Millisecond}, func(err error) bool {
				return !errors.Is(err, permanent)
			})
			var slept []time.Duration
			rp.OnRetry(func(_ error, d time.Duration) {
				slept = append(slept, d)
			})

			calls := 0
			err := rp.Do(context.Background(), func(attempt int) error {
				assert.Equal(t, calls, attempt)
				calls++
				if attempt < len(tt.failures) {
					return tt.failures[attempt]
				}
				return nil
			})

			assert.Equal(t, tt.wantCalls, calls)
			assert.Len(t, slept, max(0, tt.wantCalls-1))
			if tt.wantErr == nil {
				assert.NoError(t, err)
				return
			}
			assert.ErrorIs(t, err, tt.wantErr)
		})
	}
}

func TestRetryPolicyBackoffGrowsAndCaps(t *testing.T) {
	rp := NewRetryPolicy(RetryConfig{InitialBackoff: 10 * time.Millisecond, MaxBackoff: 50 * time.Millisecond, BackoffMultiplier: 2}, nil)

	assert.Equal(t, 10*time.Millisecond, rp.CalculateBackoff(0))
	assert.Equal(t, 20*time.Millisecond, rp.CalculateBackoff(1))
	assert.Equal(t, 40*time.Millisecond, rp.CalculateBackoff(2))
	assert.Equal(t, 50*time.Millisecond, rp.CalculateBackoff(3))
	assert.Equal(t, 50*time.Millisecond, rp.CalculateBackoff(60))
}

func TestRetryPolicyJitterStaysWithinBounds(t *testing.T) {
	rp := NewRetryPolicy(RetryConfig{MaxRetries: 3, InitialBackoff: 4 * time.Millisecond, MaxBackoff: 8 * time.Millisecond, Jitter: true}, nil)
	var delays []time.Duration
	rp.OnRetry(func(_ error, d time.Duration) { delays = append(delays, d) })

	err := rp.Do(context.Background(), func(int) error { return errors.New("fail") })
	require.ErrorIs(t, err, ErrMaxRetriesExceeded)
	require.Len(t, delays, 3)
	for i, d := range delays {
		base := rp.CalculateBackoff(i)
		assert.GreaterOrEqual(t, d, base*3/4)
		assert.LessOrEqual(t, d, base*5/4+time.Microsecond)
	}
}

func TestRetryPolicyStopsOnCancellation(t *testing.T) {
	rp := NewRetryPolicy(RetryConfig{MaxRetries: 5, InitialBackoff: time.Hour}, nil)
	ctx, cancel := context.WithCancel(context.Background())

	calls := 0
	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()
	err := rp.Do(ctx, func(int) error {
		calls++
		return errors.New("fail")
	})

	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 1, calls)
}

func TestCircuitBreakerLifecycle(t *testing.T) {
	clock := &fakeClock{now: time.Unix(1_700_000_000, 0)}
	cb := NewCircuitBreaker(CircuitBreakerConfig{MaxFailures: 2, Timeout: time.Second, MaxHalfOpenRequests: 1})
	cb.now = clock.Now

	var transitions []string
	cb.OnStateChange(func(from, to CircuitBreakerState) {
		transitions = append(transitions, string(from)+"->"+string(to))
	})

	fail := func(context.Context) error { return errors.New("upstream down") }
	ok := func(context.Context) error { return nil }
	ctx := context.Background()

	require.Error(t, cb.ExecuteContext(ctx, fail))
	require.Error(t, cb.ExecuteContext(ctx, fail))
	assert.Equal(t, StateOpen, cb.State())
	assert.ErrorIs(t, cb.ExecuteContext(ctx, ok), ErrCircuitOpen)

	clock.Advance(1500 * time.Millisecond)
	require.NoError(t, cb.ExecuteContext(ctx, ok))
	assert.Equal(t, StateClosed, cb.State())

	assert.Equal(t, []string{"closed->open", "open->half-open", "half-open->closed"}, transitions)
	assert.Equal(t, 2, cb.Stats().Failures)
}

func TestCircuitBreakerHalfOpenFailureReopens(t *testing.T) {
	clock := &fakeClock{now: time.Unix(1_700_000_000, 0)}
	cb := NewCircuitBreaker(CircuitBreakerConfig{MaxFailures: 1, Timeout: time.Second})
	cb.now = clock.Now
	ctx := context.Background()
	fail := func(context.Context) error { return errors.New("still down") }

	require.Error(t, cb.ExecuteContext(ctx, fail))
	clock.Advance(2 * time.Second)
	require.Error(t, cb.ExecuteContext(ctx, fail))
	assert.Equal(t, StateOpen, cb.State())

	cb.Reset()
	assert.Equal(t, StateClosed, cb.State())
	assert.Zero(t, cb.Stats().Failures)
}

func TestCircuitBreakerIgnoresCallerCancellation(t *testing.T) {
	cb := NewCircuitBreaker(CircuitBreakerConfig{MaxFailures: 1})
	ctx, cancel := context.WithCancel(context.Background())

	err := cb.ExecuteContext(ctx, func(ctx context.Context) error {
		cancel()
		return ctx.Err()
	})
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, StateClosed, cb.State())
}

func TestCircuitBreakerIgnoresStaleOutcomes(t *testing.T) {
	clock := &fakeClock{now: time.Unix(1_700_000_000, 0)}
	cb := NewCircuitBreaker(CircuitBreakerConfig{MaxFailures: 1, Timeout: time.Second, MaxHalfOpenRequests: 1})
	cb.now = clock.Now

	slow, err := cb.Admit()
	require.NoError(t, err)
	fast, err := cb.Admit()
	require.NoError(t, err)

	failed := false
	fast(&failed)
	assert.Equal(t, StateOpen, cb.State())

	succeeded := true
	slow(&succeeded)
	assert.Equal(t, StateOpen, cb.State(), "outcome admitted before the transition is ignored")
	assert.Equal(t, 0, cb.Stats().Successes)

	clock.Advance(time.Second)
	trial, err := cb.Admit()
	require.NoError(t, err)
	_, err = cb.Admit()
	assert.ErrorIs(t, err, ErrCircuitOpen, "half-open admits a single trial request")
	trial(nil)
	assert.Equal(t, StateHalfOpen, cb.State())
	_, err = cb.Admit()
	assert.NoError(t, err, "released trial frees its slot")
}

func TestCircuitBreakerSetSharesBreakersPerKey(t *testing.T) {
	var opened []string
	m := NewCircuitBreakerSet(CircuitBreakerConfig{MaxFailures: 1}, func(key string, _, to CircuitBreakerState) {
		if to == StateOpen {
			opened = append(opened, key)
		}
	})
	assert.Same(t, m.Get("db"), m.Get("db"))
	assert.NotSame(t, m.Get("db"), m.Get("cache"))
	assert.Len(t, m.Stats(), 2)

	_ = m.Get("cache").ExecuteContext(context.Background(), func(context.Context) error { return errors.New("down") })
	assert.Equal(t, []string{"cache"}, opened)
}
