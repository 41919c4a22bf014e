package governance

import (
	"context"
	"errors"
	"sync"
	"time"
)

// ErrCircuitOpen is returned while a breaker rejects calls.
var ErrCircuitOpen = errors.New("circuit breaker is open")

// CircuitBreakerState represents the state of a circuit breaker.
type CircuitBreakerState string

const (
	StateClosed   CircuitBreakerState = "closed"
	StateOpen     CircuitBreakerState = "open"
	StateHalfOpen CircuitBreakerState = "half-open"
)

// CircuitBreakerConfig defines thresholds for circuit breaking. Zero fields select
// 5 failures, a 30s open period and a single half-open trial request.
type CircuitBreakerConfig struct {
	// MaxFailures is the consecutive failure count that opens the circuit.
	MaxFailures int
	// Timeout is how long the circuit stays open before allowing trial requests.
	Timeout time.Duration
	// MaxHalfOpenRequests trial requests are admitted while half-open; that many consecutive
	// successes close the circuit.
	MaxHalfOpenRequests int
}

func (c CircuitBreakerConfig) withDefaults() CircuitBreakerConfig {
	if c.MaxFailures <= 0 {
		c.MaxFailures = 5
	}
	if c.Timeout <= 0 {
		c.Timeout = 30 * time.Second
	}
	if c.MaxHalfOpenRequests <= 0 {
		c.MaxHalfOpenRequests = 1
	}
	return c
}

// CircuitBreaker tracks outcomes per generation. A generation ends on every state
// change, and outcomes reported for an older generation are ignored, so a slow call
// admitted while closed cannot close a circuit that has since opened.
type CircuitBreaker struct {
	config CircuitBreakerConfig
	now    func() time.Time

	mu         sync.Mutex
	state      CircuitBreakerState
	generation uint64
	expiry     time.Time
	changedAt  time.Time
	inFlight   int
	streak     int // consecutive failures when closed, successes when half-open
	failures   int
	successes  int
	onChange   func(from, to CircuitBreakerState)
}

// NewCircuitBreaker creates a closed circuit breaker.
func NewCircuitBreaker(config CircuitBreakerConfig) *CircuitBreaker {
	return &CircuitBreaker{
		config:    config.withDefaults(),
		now:       time.Now,
		state:     StateClosed,
		changedAt: time.Now(),
	}
}

// OnStateChange registers a hook invoked, under the breaker's lock, on every transition.
func (cb *CircuitBreaker) OnStateChange(fn func(from, to CircuitBreakerState)) {
	cb.mu.Lock()
	cb.onChange = fn
	cb.mu.Unlock()
}

// Admit reserves a call. The returned done function must be called exactly once
// with the call's outcome; a nil outcome releases the reservation without counting.
func (cb *CircuitBreaker) Admit() (done func(outcome *bool), err error) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	now := cb.now()
	if cb.state == StateOpen && !now.Before(cb.expiry) {
		cb.setStateLocked(StateHalfOpen, now)
	}
	switch cb.state {
	case StateOpen:
		return nil, ErrCircuitOpen
	case StateHalfOpen:
		if cb.inFlight >= cb.config.MaxHalfOpenRequests {
			return nil, ErrCircuitOpen
		}
	}
	cb.inFlight++

	gen := cb.generation
	var once sync.Once
	return func(outcome *bool) {
		once.Do(func() { cb.report(gen, outcome) })
	}, nil
}

func (cb *CircuitBreaker) report(gen uint64, outcome *bool) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if gen != cb.generation {
		return
	}
	cb.inFlight--
	if outcome == nil {
		return
	}

	now := cb.now()
	if *outcome {
		cb.successes++
		switch cb.state {
		case StateClosed:
			cb.streak = 0
		case StateHalfOpen:
			cb.streak++
			if cb.streak >= cb.config.MaxHalfOpenRequests {
				cb.setStateLocked(StateClosed, now)
			}
		}
		return
	}

	cb.failures++
	switch cb.state {
	case StateClosed:
		cb.streak++
		if cb.streak >= cb.config.MaxFailures {
			cb.setStateLocked(StateOpen, now)
		}
	case StateHalfOpen:
		cb.setStateLocked(StateOpen, now)
	}
}

// ExecuteContext runs fn unless the circuit is open. Errors caused by ctx ending are
// not held against the target.
func (cb *CircuitBreaker) ExecuteContext(ctx context.Context, fn func(context.Context) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	done, err := cb.Admit()
	if err != nil {
		return err
	}

	err = fn(ctx)
	if err != nil && ctx.Err() != nil && errors.Is(err, ctx.Err()) {
		done(nil)
		return err
	}
	ok := err == nil
	done(&ok)
	return err
}

func (cb *CircuitBreaker) setStateLocked(to CircuitBreakerState, now time.Time) {
	from := cb.state
	cb.state = to
	cb.generation++
	cb.changedAt = now
	cb.inFlight = 0
	cb.streak = 0
	cb.expiry = time.Time{}
	if to == StateOpen {
		cb.expiry = now.Add(cb.config.Timeout)
	}
	if from != to && cb.onChange != nil {
		cb.onChange(from, to)
	}
}

// State returns the current state without advancing an expired open period.
func (cb *CircuitBreaker) State() CircuitBreakerState {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}

// CircuitBreakerStats exposes circuit breaker status information.
type CircuitBreakerStats struct {
	State           string `json:"state"`
	Failures        int    `json:"failures"`
	Successes       int    `json:"successes"`
	InFlight        int    `json:"inFlight"`
	LastStateChange string `json:"lastStateChange"`
	Timeout         string `json:"timeout"`
}

// Stats returns the breaker's counters.
func (cb *CircuitBreaker) Stats() CircuitBreakerStats {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return CircuitBreakerStats{
		State:           string(cb.state),
		Failures:        cb.failures,
		Successes:       cb.successes,
		InFlight:        cb.inFlight,
		LastStateChange: cb.changedAt.Format(time.RFC3339),
		Timeout:         cb.config.Timeout.String(),
	}
}

// Reset closes the circuit and clears the counters.
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.setStateLocked(StateClosed, cb.now())
	cb.failures, cb.successes = 0, 0
}

// CircuitBreakerSet lazily creates one breaker per key from a shared config.
type CircuitBreakerSet struct {
	config   CircuitBreakerConfig
	onChange func(key string, from, to CircuitBreakerState)
	breakers sync.Map // string -> *CircuitBreaker
}

// NewCircuitBreakerSet creates an empty set. onChange, when non-nil, observes the
// transitions of every breaker in the set.
func NewCircuitBreakerSet(config CircuitBreakerConfig, onChange func(key string, from, to CircuitBreakerState)) *CircuitBreakerSet {
	return &CircuitBreakerSet{config: config, onChange: onChange}
}

// Get returns the breaker for key, creating it on first use.
func (s *CircuitBreakerSet) Get(key string) *CircuitBreaker {
	if cb, ok := s.breakers.Load(key); ok {
		return cb.(*CircuitBreaker)
	}
	fresh := NewCircuitBreaker(s.config)
	if s.onChange != nil {
		fresh.onChange = func(from, to CircuitBreakerState) { s.onChange(key, from, to) }
	}
	cb, _ := s.breakers.LoadOrStore(key, fresh)
	return cb.(*CircuitBreaker)
}

// Stats returns statistics for every breaker in the set.
func (s *CircuitBreakerSet) Stats() map[string]CircuitBreakerStats {
	stats := map[string]CircuitBreakerStats{}
	s.breakers.Range(func(key, cb any) bool {
		stats[key.(string)] = cb.(*CircuitBreaker).Stats()
		return true
	})
	return stats
}
