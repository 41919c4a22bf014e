package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"
	"golang.org/x/sync/singleflight"

	"github.com/polisai/polis-intercept/pkg/domain"
	"github.com/polisai/polis-intercept/pkg/engine/runtime"
	"github.com/polisai/polis-intercept/pkg/pointcut"
	"github.com/polisai/polis-intercept/pkg/storage"
	"github.com/polisai/polis-intercept/pkg/telemetry"
)

// ManagerConfig configures a PolicyManager.
type ManagerConfig struct {
	Provider           domain.PolicyProvider
	SourceFactories    []domain.SourcePointcutFactory
	OperationFactories []domain.OperationPointcutFactory
	// Correlations defaults to an in-memory store.
	Correlations storage.CorrelationStore
	// Pipelines is the pool size of every source chain. Zero means DefaultPipelineCount.
	Pipelines int
	// CacheSize bounds the source, operation and empty-resolution caches, each
	// evicting least recently used entries. Zero means DefaultCacheSize.
	CacheSize int
	// TransactionResolver pins transactional events to one pipeline. Nil uses
	// DefaultTransactionResolver.
	TransactionResolver TransactionResolver
	Precedence          RestorePrecedence
	// Transformers are looked up by component id.
	SourceTransformers    map[string]domain.SourceParametersTransformer
	OperationTransformers map[string]domain.OperationParametersTransformer
	Metrics               *telemetry.EngineMetrics
	Logger                *slog.Logger
	Redactor              *telemetry.Redactor
}

// DefaultCacheSize is the per-cache entry bound used when none is configured.
const DefaultCacheSize = 1024

// pointcutKey identifies one cache entry. Source and operation resolutions of the
// same component and parameters are distinct entries.
type pointcutKey struct {
	scope     runtime.Scope
	component string
	params    string
}

func keyOf(scope runtime.Scope, componentID string, params domain.PointcutParameters) pointcutKey {
	return pointcutKey{scope: scope, component: componentID, params: params.Key()}
}

// chainCaches holds one generation of resolved chains.
type chainCaches struct {
	noPolicy   *lru.Cache[pointcutKey, struct{}]
	sources    *lru.Cache[pointcutKey, *CompositeSourcePolicy]
	operations *lru.Cache[pointcutKey, *CompositeOperationPolicy]
}

// PolicyManager resolves, caches and invalidates compiled policy chains. It is the
// only shared mutable structure of the engine; chain executions never take its lock.
type PolicyManager struct {
	cfg        ManagerConfig
	logger     *slog.Logger
	sourceRT   *chainRuntime
	operatorRT *chainRuntime

	mu         sync.RWMutex
	generation uint64
	caches     *chainCaches
	closed     bool

	group singleflight.Group
}

// NewPolicyManager creates a manager and subscribes it to provider changes.
func NewPolicyManager(cfg ManagerConfig) (*PolicyManager, error) {
	if cfg.Provider == nil {
		return nil, fmt.Errorf("policy manager: provider is required: %w", domain.ErrConfigInvalid)
	}
	if cfg.Correlations == nil {
		cfg.Correlations = storage.NewMemoryCorrelationStore()
	}
	if cfg.Precedence == "" {
		cfg.Precedence = PrecedenceOperationFirst
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Redactor == nil {
		cfg.Redactor = telemetry.NewRedactor(nil)
	}
	if cfg.CacheSize < 0 {
		return nil, fmt.Errorf("policy manager: cache size must not be negative, got %d: %w", cfg.CacheSize, domain.ErrConfigInvalid)
	}
	if cfg.CacheSize == 0 {
		cfg.CacheSize = DefaultCacheSize
	}

	m := &PolicyManager{
		cfg:        cfg,
		logger:     cfg.Logger,
		sourceRT:   &chainRuntime{scope: runtime.ScopeSource, logger: cfg.Logger, redactor: cfg.Redactor, precedence: cfg.Precedence},
		operatorRT: &chainRuntime{scope: runtime.ScopeOperation, logger: cfg.Logger, redactor: cfg.Redactor, precedence: cfg.Precedence},
	}
	caches, err := m.newChainCaches()
	if err != nil {
		return nil, err
	}
	m.caches = caches
	cfg.Provider.OnPoliciesChanged(m.Invalidate)
	return m, nil
}

func (m *PolicyManager) newChainCaches() (*chainCaches, error) {
	noPolicy, err := lru.New[pointcutKey, struct{}](m.cfg.CacheSize)
	if err != nil {
		return nil, fmt.Errorf("policy manager: create cache: %w", err)
	}
	sources, err := lru.NewWithEvict(m.cfg.CacheSize, m.evictSource)
	if err != nil {
		return nil, fmt.Errorf("policy manager: create cache: %w", err)
	}
	operations, err := lru.New[pointcutKey, *CompositeOperationPolicy](m.cfg.CacheSize)
	if err != nil {
		return nil, fmt.Errorf("policy manager: create cache: %w", err)
	}
	return &chainCaches{noPolicy: noPolicy, sources: sources, operations: operations}, nil
}

// evictSource disposes a source chain pushed out of a full cache. Executions
// already queued on its pipelines drain first.
func (m *PolicyManager) evictSource(key pointcutKey, chain *CompositeSourcePolicy) {
	chain.Dispose()
	m.logger.Debug("source chain evicted",
		slog.String("component_id", key.component),
		slog.String("pointcut", key.params))
}

// SourcePolicy resolves the policy protecting flow for an inbound event of componentID.
// The returned policy is bound to ev's correlation id: its pointcut parameters stay
// visible to operations resolved under that id until the completion fires.
func (m *PolicyManager) SourcePolicy(ctx context.Context, componentID string, ev domain.Event, flow domain.Flow) (SourcePolicy, error) {
	if !m.cfg.Provider.IsPoliciesAvailable() {
		return NoSourcePolicy(flow), nil
	}

	params, err := m.sourceParameters(componentID, ev)
	if err != nil {
		return nil, err
	}
	chain, err := m.sourceChain(ctx, componentID, params)
	if err != nil {
		return nil, err
	}

	var policy completionProcessor
	if chain == nil {
		policy = noSourcePolicy{flow: flow}
	} else {
		policy = &boundSourcePolicy{chain: chain, flow: flow}
	}
	if ev.CorrelationID == "" {
		return policy, nil
	}

	m.cfg.Correlations.Put(ev.CorrelationID, params)
	correlationID := ev.CorrelationID
	return &releasingSourcePolicy{
		policy:  policy,
		release: func() { m.cfg.Correlations.Delete(correlationID) },
		logger:  m.logger,
	}, nil
}

// OperationPolicy resolves the policy applied to an outbound call of componentID made
// while handling ev. params are the call's parameters as seen by pointcut factories.
func (m *PolicyManager) OperationPolicy(ctx context.Context, componentID string, ev domain.Event, params map[string]any) (OperationPolicy, error) {
	if !m.cfg.Provider.IsPoliciesAvailable() {
		return NoOperationPolicy, nil
	}

	pc, err := m.operationParameters(componentID, ev, params)
	if err != nil {
		return nil, err
	}
	chain, err := m.operationChain(ctx, componentID, pc)
	if err != nil {
		return nil, err
	}
	if chain == nil {
		return NoOperationPolicy, nil
	}
	return chain, nil
}

func (m *PolicyManager) sourceParameters(componentID string, ev domain.Event) (domain.PointcutParameters, error) {
	factory, err := pointcut.ResolveSourceFactory(m.cfg.SourceFactories, componentID)
	if err != nil {
		return nil, domain.NewFailure(domain.KindCacheResolution, componentID, ev, err)
	}
	if factory == nil {
		return pointcut.ComponentParameters(componentID, nil), nil
	}
	return factory.CreateSourceParameters(componentID, ev), nil
}

func (m *PolicyManager) operationParameters(componentID string, ev domain.Event, params map[string]any) (domain.PointcutParameters, error) {
	factory, err := pointcut.ResolveOperationFactory(m.cfg.OperationFactories, componentID)
	if err != nil {
		return nil, domain.NewFailure(domain.KindCacheResolution, componentID, ev, err)
	}
	source, _ := m.cfg.Correlations.Get(ev.CorrelationID)
	if factory == nil {
		return pointcut.ComponentParameters(componentID, source), nil
	}
	return factory.CreateOperationParameters(componentID, params, source), nil
}

// sourceChain returns the cached chain for the pointcut, or nil when no policy applies.
func (m *PolicyManager) sourceChain(ctx context.Context, componentID string, params domain.PointcutParameters) (*CompositeSourcePolicy, error) {
	key := keyOf(runtime.ScopeSource, componentID, params)

	m.mu.RLock()
	_, none := m.caches.noPolicy.Get(key)
	chain, ok := m.caches.sources.Get(key)
	gen := m.generation
	m.mu.RUnlock()
	if none {
		m.cfg.Metrics.RecordHit(telemetry.CacheNoPolicy)
		return nil, nil
	}
	if ok {
		m.cfg.Metrics.RecordHit(telemetry.CacheSource)
		return chain, nil
	}

	v, err, _ := m.group.Do(flightKey(gen, key), func() (any, error) {
		return m.materializeSource(ctx, gen, key, params)
	})
	if err != nil {
		return nil, err
	}
	chain, _ = v.(*CompositeSourcePolicy)
	return chain, nil
}

func (m *PolicyManager) materializeSource(ctx context.Context, gen uint64, key pointcutKey, params domain.PointcutParameters) (any, error) {
	// Another flight of the same generation may have published while this one queued.
	m.mu.RLock()
	_, none := m.caches.noPolicy.Get(key)
	existing, ok := m.caches.sources.Get(key)
	m.mu.RUnlock()
	if none {
		return (*CompositeSourcePolicy)(nil), nil
	}
	if ok {
		return existing, nil
	}

	m.cfg.Metrics.RecordMiss(telemetry.CacheSource)
	policies, err := m.cfg.Provider.FindSourcePolicies(params)
	if err != nil {
		return nil, domain.NewFailure(domain.KindCacheResolution, key.component, domain.Event{}, fmt.Errorf("find source policies: %w", err))
	}
	if len(policies) == 0 {
		m.publishNoPolicy(gen, key)
		return (*CompositeSourcePolicy)(nil), nil
	}

	chain, err := newCompositeSourcePolicy(key.component, policies, sourcePolicyOptions{
		transformer: m.cfg.SourceTransformers[key.component],
		pipelines:   m.cfg.Pipelines,
		selector:    NewTransactionAffinitySelector(m.cfg.TransactionResolver),
		metrics:     m.cfg.Metrics,
	}, m.sourceRT)
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	if m.generation != gen || m.closed {
		// Invalidated while materializing: hand the chain to this caller only.
		m.mu.Unlock()
		chain.Dispose()
		m.logger.DebugContext(ctx, "discarding source chain from stale generation",
			slog.String("component_id", key.component),
			slog.Uint64("generation", gen))
		return chain, nil
	}
	m.caches.sources.Add(key, chain)
	entries := m.caches.sources.Len()
	m.mu.Unlock()

	m.cfg.Metrics.SetEntries(telemetry.CacheSource, entries)
	m.logger.DebugContext(ctx, "source chain materialized",
		slog.String("component_id", key.component),
		slog.String("pointcut", key.params),
		slog.Int("policies", len(policies)))
	return chain, nil
}

// operationChain returns the cached chain for the pointcut, or nil when no policy applies.
func (m *PolicyManager) operationChain(ctx context.Context, componentID string, params domain.PointcutParameters) (*CompositeOperationPolicy, error) {
	key := keyOf(runtime.ScopeOperation, componentID, params)

	m.mu.RLock()
	_, none := m.caches.noPolicy.Get(key)
	chain, ok := m.caches.operations.Get(key)
	gen := m.generation
	m.mu.RUnlock()
	if none {
		m.cfg.Metrics.RecordHit(telemetry.CacheNoPolicy)
		return nil, nil
	}
	if ok {
		m.cfg.Metrics.RecordHit(telemetry.CacheOperation)
		return chain, nil
	}

	v, err, _ := m.group.Do(flightKey(gen, key), func() (any, error) {
		return m.materializeOperation(ctx, gen, key, params)
	})
	if err != nil {
		return nil, err
	}
	chain, _ = v.(*CompositeOperationPolicy)
	return chain, nil
}

func (m *PolicyManager) materializeOperation(ctx context.Context, gen uint64, key pointcutKey, params domain.PointcutParameters) (any, error) {
	m.mu.RLock()
	_, none := m.caches.noPolicy.Get(key)
	existing, ok := m.caches.operations.Get(key)
	m.mu.RUnlock()
	if none {
		return (*CompositeOperationPolicy)(nil), nil
	}
	if ok {
		return existing, nil
	}

	m.cfg.Metrics.RecordMiss(telemetry.CacheOperation)
	policies, err := m.cfg.Provider.FindOperationPolicies(params)
	if err != nil {
		return nil, domain.NewFailure(domain.KindCacheResolution, key.component, domain.Event{}, fmt.Errorf("find operation policies: %w", err))
	}
	if len(policies) == 0 {
		m.publishNoPolicy(gen, key)
		return (*CompositeOperationPolicy)(nil), nil
	}

	chain, err := newCompositeOperationPolicy(key.component, policies, m.cfg.OperationTransformers[key.component], m.operatorRT)
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	if m.generation == gen && !m.closed {
		m.caches.operations.Add(key, chain)
	}
	entries := m.caches.operations.Len()
	m.mu.Unlock()

	m.cfg.Metrics.SetEntries(telemetry.CacheOperation, entries)
	m.logger.DebugContext(ctx, "operation chain materialized",
		slog.String("component_id", key.component),
		slog.String("pointcut", key.params),
		slog.Int("policies", len(policies)))
	return chain, nil
}

func (m *PolicyManager) publishNoPolicy(gen uint64, key pointcutKey) {
	m.mu.Lock()
	if m.generation == gen && !m.closed {
		m.caches.noPolicy.Add(key, struct{}{})
	}
	entries := m.caches.noPolicy.Len()
	m.mu.Unlock()
	m.cfg.Metrics.SetEntries(telemetry.CacheNoPolicy, entries)
}

// Invalidate drops every cached chain. Evicted source chains are disposed: their
// pipelines finish the executions already queued and then stop.
func (m *PolicyManager) Invalidate() {
	fresh, err := m.newChainCaches()
	if err != nil {
		m.logger.Error("policy cache invalidation failed", slog.Any("error", err))
		return
	}

	m.mu.Lock()
	old := m.caches
	evicted := map[string]int{
		telemetry.CacheNoPolicy:  old.noPolicy.Len(),
		telemetry.CacheSource:    old.sources.Len(),
		telemetry.CacheOperation: old.operations.Len(),
	}
	m.caches = fresh
	m.generation++
	gen := m.generation
	m.mu.Unlock()

	for _, chain := range old.sources.Values() {
		chain.Dispose()
	}
	m.cfg.Metrics.RecordInvalidation(evicted)
	m.logger.Info("policy cache invalidated",
		slog.Uint64("generation", gen),
		slog.Int("source_chains", evicted[telemetry.CacheSource]),
		slog.Int("operation_chains", evicted[telemetry.CacheOperation]))
}

// Close invalidates the cache and stops caching further resolutions. It waits for
// the pipelines of evicted source chains to drain or for ctx to end.
func (m *PolicyManager) Close(ctx context.Context) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	chains := m.caches.sources.Values()
	m.mu.Unlock()

	m.Invalidate()

	drained := make(chan struct{})
	go func() {
		for _, chain := range chains {
			chain.pool.wait()
		}
		close(drained)
	}()
	select {
	case <-drained:
		return nil
	case <-ctx.Done():
		return errors.Join(domain.ErrEngineClosed, ctx.Err())
	}
}

// Generation returns the number of invalidations so far.
func (m *PolicyManager) Generation() uint64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.generation
}

func flightKey(gen uint64, key pointcutKey) string {
	return strconv.FormatUint(gen, 10) + "|" + string(key.scope) + "|" + key.component + "|" + key.params
}

// completionProcessor runs a source execution against a caller-built Completion.
type completionProcessor interface {
	SourcePolicy
	processCompletion(ctx context.Context, ev domain.Event, processor domain.ResponseParametersProcessor, completion *Completion)
}

var (
	_ completionProcessor = (*boundSourcePolicy)(nil)
	_ completionProcessor = noSourcePolicy{}
)

// releasingSourcePolicy frees the correlation entry of one execution before its
// callback runs.
type releasingSourcePolicy struct {
	policy  completionProcessor
	release func()
	logger  *slog.Logger
}

func (r *releasingSourcePolicy) Process(ctx context.Context, ev domain.Event, processor domain.ResponseParametersProcessor, callback domain.CompletionCallback) {
	completion := NewCompletion(callback, r.logger)
	completion.OnRelease(r.release)
	r.policy.processCompletion(ctx, ev, processor, completion)
}
