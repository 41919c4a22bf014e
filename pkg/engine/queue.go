package engine

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

// workQueue is the unbounded FIFO feeding one pipeline.
//
// Enqueue may be called from any goroutine; only the pipeline's worker dequeues.
// The buffered signal channel coalesces wake-ups, and closing the queue lets the
// worker drain what is left before it exits.
type workQueue struct {
	mu     sync.Mutex
	tasks  []func()
	closed bool
	signal chan struct{}
	depth  prometheus.Gauge
}

func newWorkQueue(depth prometheus.Gauge) *workQueue {
	return &workQueue{
		tasks:  make([]func(), 0, 16),
		signal: make(chan struct{}, 1),
		depth:  depth,
	}
}

// Enqueue appends a task. It returns false once the queue is closed.
func (q *workQueue) Enqueue(task func()) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return false
	}
	q.tasks = append(q.tasks, task)
	if q.depth != nil {
		q.depth.Inc()
	}

	select {
	case q.signal <- struct{}{}:
	default:
	}
	return true
}

// Dequeue blocks until a task is available. It returns false when the queue is
// closed and drained.
func (q *workQueue) Dequeue() (func(), bool) {
	for {
		if task, ok := q.tryDequeue(); ok {
			return task, true
		}

		q.mu.Lock()
		if q.closed && len(q.tasks) == 0 {
			q.mu.Unlock()
			return nil, false
		}
		q.mu.Unlock()

		<-q.signal
	}
}

func (q *workQueue) tryDequeue() (func(), bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.tasks) == 0 {
		return nil, false
	}
	task := q.tasks[0]
	q.tasks[0] = nil // release the closure for GC
	if len(q.tasks) == 1 {
		q.tasks = q.tasks[:0]
	} else {
		q.tasks = q.tasks[1:]
	}
	if q.depth != nil {
		q.depth.Dec()
	}
	return task, true
}

// Len returns the number of queued tasks.
func (q *workQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.tasks)
}

// Close stops accepting tasks and wakes the worker.
func (q *workQueue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return
	}
	q.closed = true
	close(q.signal)
}
