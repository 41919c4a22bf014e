package engine

import (
	"context"
	"hash/fnv"
	"log/slog"
	"runtime"
	"strconv"
	"sync/atomic"

	"github.com/polisai/polis-intercept/pkg/domain"
	"github.com/polisai/polis-intercept/pkg/telemetry"
)

// TransactionResolver reports the transaction an event belongs to, if any.
type TransactionResolver func(ev domain.Event) (string, bool)

// DefaultTransactionResolver reads domain.Event.TransactionID.
func DefaultTransactionResolver(ev domain.Event) (string, bool) {
	return ev.TransactionID, ev.TransactionID != ""
}

// PipelineSelector chooses which of size pipelines runs an event.
type PipelineSelector interface {
	Select(ev domain.Event, size int) int
}

// RoundRobinSelector spreads events evenly across the pool.
type RoundRobinSelector struct {
	counter atomic.Uint64
}

// Select returns the next pipeline in rotation.
func (s *RoundRobinSelector) Select(_ domain.Event, size int) int {
	return int((s.counter.Add(1) - 1) % uint64(size))
}

// TransactionAffinitySelector pins transactional events to the pipeline derived from
// their transaction id, so every event of a transaction runs on the same line of
// execution. Other events go to Fallback.
type TransactionAffinitySelector struct {
	Resolver TransactionResolver
	Fallback PipelineSelector
}

// NewTransactionAffinitySelector pins by resolver and falls back to round robin.
// A nil resolver uses DefaultTransactionResolver.
func NewTransactionAffinitySelector(resolver TransactionResolver) *TransactionAffinitySelector {
	if resolver == nil {
		resolver = DefaultTransactionResolver
	}
	return &TransactionAffinitySelector{Resolver: resolver, Fallback: &RoundRobinSelector{}}
}

// Select returns the pinned pipeline for transactional events.
func (s *TransactionAffinitySelector) Select(ev domain.Event, size int) int {
	if tx, ok := s.Resolver(ev); ok {
		h := fnv.New32a()
		_, _ = h.Write([]byte(tx))
		return int(h.Sum32() % uint32(size))
	}
	return s.Fallback.Select(ev, size)
}

// DefaultPipelineCount is the pool size used when none is configured.
func DefaultPipelineCount() int {
	return runtime.GOMAXPROCS(0)
}

type pipelineKey struct{}

// PipelineIndex returns the index of the pipeline an execution is bound to, or -1
// outside a pipeline. A flow running off its pipeline still reports the pipeline its
// hops return to.
func PipelineIndex(ctx context.Context) int {
	if p := pipelineFrom(ctx); p != nil {
		return p.index
	}
	return -1
}

func pipelineFrom(ctx context.Context) *pipeline {
	p, _ := ctx.Value(pipelineKey{}).(*pipeline)
	return p
}

// pipeline is one ordered, single-consumer line of execution.
type pipeline struct {
	index   int
	queue   *workQueue
	stopped chan struct{}
}

func startPipeline(index int, metrics *telemetry.EngineMetrics) *pipeline {
	p := &pipeline{
		index:   index,
		queue:   newWorkQueue(metrics.QueueDepth(strconv.Itoa(index))),
		stopped: make(chan struct{}),
	}
	go p.run()
	return p
}

func (p *pipeline) run() {
	defer close(p.stopped)
	for {
		task, ok := p.queue.Dequeue()
		if !ok {
			return
		}
		task()
	}
}

// pipelinePool is the fixed set of pipelines owned by one compiled source chain.
type pipelinePool struct {
	pipelines []*pipeline
	selector  PipelineSelector
	closed    atomic.Bool
	logger    *slog.Logger
}

func newPipelinePool(size int, selector PipelineSelector, metrics *telemetry.EngineMetrics, logger *slog.Logger) *pipelinePool {
	if size <= 0 {
		size = DefaultPipelineCount()
	}
	if selector == nil {
		selector = NewTransactionAffinitySelector(nil)
	}
	pool := &pipelinePool{
		pipelines: make([]*pipeline, size),
		selector:  selector,
		logger:    logger,
	}
	for i := range pool.pipelines {
		pool.pipelines[i] = startPipeline(i, metrics)
	}
	return pool
}

// dispatch queues task on the pipeline selected for ev. The task receives a context
// carrying the pipeline.
func (pp *pipelinePool) dispatch(ctx context.Context, ev domain.Event, task func(context.Context)) error {
	if pp.closed.Load() {
		return domain.ErrEngineClosed
	}
	line := pp.pipelines[pp.selector.Select(ev, len(pp.pipelines))]
	taskCtx := context.WithValue(ctx, pipelineKey{}, line)
	if !line.queue.Enqueue(func() { task(taskCtx) }) {
		return domain.ErrEngineClosed
	}
	return nil
}

// close stops accepting work. Queued executions still run to completion.
func (pp *pipelinePool) close() {
	if !pp.closed.CompareAndSwap(false, true) {
		return
	}
	for _, p := range pp.pipelines {
		p.queue.Close()
	}
	pp.logger.Debug("pipeline pool closed", slog.Int("pipelines", len(pp.pipelines)))
}

// wait blocks until every pipeline has drained and exited.
func (pp *pipelinePool) wait() {
	for _, p := range pp.pipelines {
		<-p.stopped
	}
}

func (pp *pipelinePool) size() int {
	return len(pp.pipelines)
}
