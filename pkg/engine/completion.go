package engine

import (
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/polisai/polis-intercept/pkg/domain"
)

// Completion delivers the outcome of one source execution. It can be completed
// once; later attempts are rejected with domain.ErrAlreadyCompleted.
type Completion struct {
	done     atomic.Bool
	callback domain.CompletionCallback
	logger   *slog.Logger

	mu       sync.Mutex
	releases []func()
}

// NewCompletion wraps callback in a one-shot completion.
func NewCompletion(callback domain.CompletionCallback, logger *slog.Logger) *Completion {
	if logger == nil {
		logger = slog.Default()
	}
	return &Completion{callback: callback, logger: logger}
}

// OnRelease registers fn to run when the completion fires, before the callback.
// Release functions free per-execution state such as correlation entries.
func (c *Completion) OnRelease(fn func()) {
	c.mu.Lock()
	c.releases = append(c.releases, fn)
	c.mu.Unlock()
}

// Complete releases per-execution state and invokes the callback. A second call
// returns a chain consistency failure and leaves the first outcome in place.
func (c *Completion) Complete(result domain.SourceResult) error {
	if !c.done.CompareAndSwap(false, true) {
		c.logger.Error("source execution completed twice",
			slog.Bool("success", result.IsSuccess()))
		return domain.NewFailure(domain.KindChainConsistency, "", domain.Event{}, domain.ErrAlreadyCompleted)
	}

	c.mu.Lock()
	releases := c.releases
	c.releases = nil
	c.mu.Unlock()
	for _, release := range releases {
		release()
	}

	if c.callback != nil {
		c.callback(result)
	}
	return nil
}

// Completed reports whether the completion has fired.
func (c *Completion) Completed() bool {
	return c.done.Load()
}

type operationOutcome struct {
	event domain.Event
	err   error
}

// operationCallback is the one-shot domain.OperationCallback handed to operations.
type operationCallback struct {
	once sync.Once
	done chan operationOutcome
}

func newOperationCallback() *operationCallback {
	return &operationCallback{done: make(chan operationOutcome, 1)}
}

func (cb *operationCallback) Complete(result domain.Event) {
	cb.once.Do(func() { cb.done <- operationOutcome{event: result} })
}

func (cb *operationCallback) Error(err error) {
	if err == nil {
		err = domain.ErrOperationNotCompleted
	}
	cb.once.Do(func() { cb.done <- operationOutcome{err: err} })
}
