package engine

import (
	"context"
	"sync"
)

// baton hands one pipeline back and forth between its worker and the goroutine
// running a source execution. Hops run only while the worker is parked on the
// baton, so hops of executions sharing a pipeline never interleave. The protected
// flow runs with the baton released, leaving the pipeline free for later events.
type baton struct {
	line  *pipeline
	yield chan struct{}

	mu       sync.Mutex
	attached bool
	finished bool
}

type batonKey struct{}

// runOnPipeline runs exec on a goroutine of its own and returns once exec finishes
// or steps off the pipeline around its flow. It is called from the worker of the
// pipeline carried by ctx; without one, exec runs inline.
func runOnPipeline(ctx context.Context, exec func(context.Context)) {
	line := pipelineFrom(ctx)
	if line == nil {
		exec(ctx)
		return
	}
	b := &baton{line: line, yield: make(chan struct{}), attached: true}
	go func() {
		defer b.finish()
		exec(context.WithValue(ctx, batonKey{}, b))
	}()
	<-b.yield
}

// finish returns the pipeline to its worker for good.
func (b *baton) finish() {
	b.mu.Lock()
	b.finished = true
	attached := b.attached
	b.attached = false
	b.mu.Unlock()
	if attached {
		b.yield <- struct{}{}
	}
}

// detach releases the pipeline if the caller holds it.
func (b *baton) detach() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.attached || b.finished {
		return false
	}
	b.attached = false
	b.yield <- struct{}{}
	return true
}

// offPipeline runs fn with the pipeline released, then queues the continuation on
// the same pipeline and returns once it is the pipeline's turn again. If the
// pipeline was closed meanwhile, the execution goes on detached from it. Calls
// made while the pipeline is not held run fn inline.
func offPipeline(ctx context.Context, fn func()) {
	b, ok := ctx.Value(batonKey{}).(*baton)
	if !ok || !b.detach() {
		fn()
		return
	}
	fn()

	resumed := make(chan struct{})
	if b.line.queue.Enqueue(func() {
		b.mu.Lock()
		reattach := !b.finished
		b.attached = reattach
		b.mu.Unlock()
		close(resumed)
		if reattach {
			<-b.yield
		}
	}) {
		<-resumed
	}
}
