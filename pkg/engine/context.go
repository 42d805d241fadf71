package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.opentelemetry.io/otel/trace"

	"github.com/strata-daq/strata/pkg/plugin"
	"github.com/strata-daq/strata/pkg/storage"
	"github.com/strata-daq/strata/pkg/telemetry"
)

// ContextOptions configures a Context.
type ContextOptions struct {
	// Store is the on-disk persistence layer. Nil means memory-only:
	// nothing is persisted and every cross-process request recomputes.
	Store Store

	// AllowOverride permits re-registering an already-registered
	// provides name. Off by default; duplicate registration is a bug in
	// most processing setups.
	AllowOverride bool

	// Logger, Metrics and Tracer instrument the context. All are
	// optional.
	Logger  *telemetry.Logger
	Metrics *telemetry.Metrics
	Tracer  *telemetry.Tracer
}

// memoryEntry is one materialized array in the per-process cache. The
// backing storage entry, when present, owns an mmap that must stay alive
// as long as the array is reachable.
type memoryEntry struct {
	arr    *plugin.Array
	backed *storage.Entry
}

// Context is the central facade of the framework: it owns the producer
// registry, the dependency resolver, the lineage hasher, and the cache
// walk that serves every data request.
//
// All methods are safe for concurrent use.
type Context struct {
	mu sync.Mutex

	registry map[string]plugin.Producer
	resolver *Resolver
	hasher   *Hasher

	store         Store
	allowOverride bool

	// memory is the per-process result cache: runID -> cacheKey -> entry.
	// Keys embed the lineage hash, so entries from superseded lineages
	// are simply never looked up again.
	memory map[string]map[string]*memoryEntry

	log     *telemetry.Logger
	metrics *telemetry.Metrics
	tracer  *telemetry.Tracer
}

// NewContext creates a Context with the given options.
func NewContext(opts ContextOptions) *Context {
	log := opts.Logger
	if log == nil {
		log = telemetry.NewNopLogger()
	}

	registry := make(map[string]plugin.Producer)
	return &Context{
		registry:      registry,
		resolver:      newResolver(registry),
		hasher:        newHasher(registry),
		store:         opts.Store,
		allowOverride: opts.AllowOverride,
		memory:        make(map[string]map[string]*memoryEntry),
		log:           log.NewComponentLogger("engine"),
		metrics:       opts.Metrics,
		tracer:        opts.Tracer,
	}
}

// Register adds a producer to the registry. Registering a provides name
// that already exists fails unless AllowOverride is set. Any successful
// registration invalidates memoized plans and lineages.
func (c *Context) Register(p plugin.Producer) error {
	if err := plugin.Validate(p); err != nil {
		return NewResolutionError("producer validation failed", err).
			WithCode(ErrCodeValidation)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	name := p.Provides()
	if _, exists := c.registry[name]; exists && !c.allowOverride {
		return NewResolutionError(
			fmt.Sprintf("producer for %s is already registered", name),
			nil,
		).WithCode(ErrCodeRegistrationConflict).WithProducer(name)
	}

	c.registry[name] = p
	c.resolver.invalidate()
	c.hasher.invalidate()

	c.log.WithProducer(name, p.Version()).Debug("registered producer")
	return nil
}

// MustRegister registers a producer and panics on failure. Intended for
// static registration at startup.
func (c *Context) MustRegister(p plugin.Producer) {
	if err := c.Register(p); err != nil {
		panic(err)
	}
}

// SetConfig replaces the option overrides applied to all producers.
// Overrides only affect options a producer declares; setting any config
// invalidates memoized lineages.
func (c *Context) SetConfig(config map[string]interface{}) {
	c.mu.Lock()
	defer c.mu.Unlock()

	cp := make(map[string]interface{}, len(config))
	for k, v := range config {
		cp[k] = v
	}
	c.hasher.setConfig(cp)
}

// Registered returns the provides names of all registered producers.
func (c *Context) Registered() []string {
	c.mu.Lock()
	defer c.mu.Unlock()

	names := make([]string, 0, len(c.registry))
	for name := range c.registry {
		names = append(names, name)
	}
	return names
}

// Producer returns the registered producer for provides, or nil.
func (c *Context) Producer(provides string) plugin.Producer {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.registry[provides]
}

// Resolve returns the execution plan for target.
func (c *Context) Resolve(target string) (*ExecutionPlan, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.resolvePlan(target)
}

func (c *Context) resolvePlan(target string) (*ExecutionPlan, error) {
	plan, err := c.resolver.Resolve(target)
	if err != nil {
		return nil, err
	}
	c.metrics.IncPlansResolved()
	return plan, nil
}

// Lineage returns the full derivation history for provides under the
// current registry and configuration.
func (c *Context) Lineage(provides string) (*Lineage, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.hasher.Lineage(provides)
}

// LineageHash returns the lineage hash for provides.
func (c *Context) LineageHash(provides string) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.hasher.Hash(provides)
}

// CacheKey returns the storage key for provides under the current
// registry and configuration.
func (c *Context) CacheKey(provides string) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.hasher.CacheKey(provides)
}

// DependencyGraphDOT renders target's dependency graph for Graphviz.
func (c *Context) DependencyGraphDOT(target string) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.resolver.ToDOT(target)
}

// CheckConstraints reports dependency version constraints in target's
// plan that the registered producers do not satisfy.
func (c *Context) CheckConstraints(target string) ([]ConstraintViolation, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.resolver.CheckConstraints(target)
}

// GetData returns the target data product for runID, computing whatever
// the cache cannot serve. Each plan step is looked up in memory, then on
// disk, and only then computed; computed results are persisted according
// to the producer's save policy. Args pass through to every Compute call
// and are not part of any cache key.
func (c *Context) GetData(ctx context.Context, runID, target string, args map[string]interface{}) (*plugin.Array, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.tracer != nil {
		var span trace.Span
		ctx, span = c.tracer.StartGetDataSpan(ctx, runID, target)
		defer span.End()
	}

	plan, err := c.resolvePlan(target)
	if err != nil {
		return nil, err
	}

	results := make(map[string]*plugin.Array, len(plan.Steps))
	for _, step := range plan.Steps {
		arr, err := c.materialize(ctx, runID, step, step == target, results, args)
		if err != nil {
			return nil, err
		}
		results[step] = arr
	}

	return results[target], nil
}

// materialize returns the array for one plan step, walking the cache
// hierarchy. The caller holds c.mu.
func (c *Context) materialize(ctx context.Context, runID, step string, isTarget bool, results map[string]*plugin.Array, args map[string]interface{}) (*plugin.Array, error) {
	key, err := c.hasher.CacheKey(step)
	if err != nil {
		return nil, err
	}

	log := c.log.WithRunID(runID).WithDataName(step)

	if entry := c.memoryLookup(runID, key); entry != nil {
		c.metrics.IncCacheHit(string(CacheSourceMemory))
		log.Trace("served from memory cache")
		return entry.arr, nil
	}

	if c.store != nil {
		entry, err := c.store.Load(ctx, runID, key)
		if err != nil {
			return nil, c.wrapStorageError(err, runID, step)
		}
		if entry != nil {
			c.metrics.IncCacheHit(string(CacheSourceDisk))
			log.WithField("key", key).Debug("served from disk cache")
			c.memoryStore(runID, key, &memoryEntry{arr: entry.Array, backed: entry})
			return entry.Array, nil
		}
	}

	c.metrics.IncCacheMiss(string(c.missReason(ctx, runID, step, key)))

	arr, err := c.compute(ctx, runID, step, results, args)
	if err != nil {
		return nil, err
	}

	if c.store != nil && c.shouldSave(step, isTarget) {
		if err := c.persist(ctx, runID, step, key, arr); err != nil {
			return nil, err
		}
	}

	c.memoryStore(runID, key, &memoryEntry{arr: arr})
	return arr, nil
}

// missReason classifies a cache miss for metrics, best-effort: a
// classification failure never fails the request.
func (c *Context) missReason(ctx context.Context, runID, step, key string) MissReason {
	if c.store == nil {
		return MissReasonAbsent
	}
	reason, err := c.classifyMiss(ctx, runID, step, key, nil)
	if err != nil {
		return MissReasonAbsent
	}
	return reason
}

// compute invokes the producer for step with inputs drawn from already
// materialized plan steps.
func (c *Context) compute(ctx context.Context, runID, step string, results map[string]*plugin.Array, args map[string]interface{}) (*plugin.Array, error) {
	p := c.registry[step]

	inputs := make(map[string]*plugin.Array)
	for _, dep := range p.DependsOn() {
		arr, ok := results[dep.Name]
		if !ok {
			return nil, NewExecutionError(
				fmt.Sprintf("input %s was not materialized before %s", dep.Name, step),
				nil,
			).WithCode(ErrCodeInternal).WithProducer(step).WithRun(runID)
		}
		inputs[dep.Name] = arr
	}

	req := &plugin.ComputeRequest{
		RunID:   runID,
		Inputs:  inputs,
		Options: c.hasher.effectiveOptions(p),
		Args:    args,
	}

	if c.tracer != nil {
		spanCtx, span := c.tracer.StartComputeSpan(ctx, runID, step, p.Version())
		ctx = spanCtx
		defer span.End()
	}

	start := time.Now()
	arr, err := c.invoke(ctx, p, req)
	c.metrics.ObserveComputeDuration(step, time.Since(start))

	if err != nil {
		c.metrics.IncComputeErrors(step)
		return nil, NewExecutionError(
			fmt.Sprintf("producer %s failed", step),
			err,
		).WithCode(ErrCodeProducerFailed).WithProducer(step).WithRun(runID)
	}
	if arr == nil {
		return nil, NewExecutionError(
			fmt.Sprintf("producer %s returned no array", step),
			nil,
		).WithCode(ErrCodeProducerFailed).WithProducer(step).WithRun(runID)
	}
	if arr.Itemsize <= 0 || len(arr.Data)%arr.Itemsize != 0 {
		return nil, NewExecutionError(
			fmt.Sprintf("producer %s returned malformed record framing", step),
			nil,
		).WithCode(ErrCodeProducerFailed).WithProducer(step).WithRun(runID)
	}

	c.log.WithRunID(runID).WithDataName(step).
		Debugf("computed %d records in %s", arr.Count(), time.Since(start).Round(time.Millisecond))
	return arr, nil
}

// invoke calls the producer, converting a panic into an error so one
// misbehaving producer cannot take down the whole process.
func (c *Context) invoke(ctx context.Context, p plugin.Producer, req *plugin.ComputeRequest) (arr *plugin.Array, err error) {
	defer func() {
		if r := recover(); r != nil {
			arr = nil
			err = fmt.Errorf("producer panicked: %v", r)
		}
	}()
	return p.Compute(ctx, req)
}

// shouldSave applies the producer's save policy for this request.
func (c *Context) shouldSave(step string, isTarget bool) bool {
	switch c.registry[step].SaveWhen() {
	case plugin.SaveNever:
		return false
	case plugin.SaveTarget:
		return isTarget
	default:
		return true
	}
}

// persist writes a computed array to the content store.
func (c *Context) persist(ctx context.Context, runID, step, key string, arr *plugin.Array) error {
	p := c.registry[step]

	lineage, err := c.hasher.Lineage(step)
	if err != nil {
		return err
	}
	rawLineage, err := marshalLineage(lineage)
	if err != nil {
		return NewStorageError("failed to serialize lineage for metadata", err).
			WithCode(ErrCodeInternal).WithProducer(step).WithRun(runID)
	}
	hash, err := c.hasher.Hash(step)
	if err != nil {
		return err
	}

	opts := storage.SaveOptions{
		Dtype:         arr.Dtype,
		Itemsize:      arr.Itemsize,
		DataName:      step,
		LineageHash:   hash,
		Lineage:       rawLineage,
		PluginVersion: p.Version(),
	}
	if err := c.store.Save(ctx, runID, key, arr.Stream(), opts); err != nil {
		return c.wrapStorageError(err, runID, step)
	}
	return nil
}

// wrapStorageError classifies a storage failure, keeping lock timeouts
// distinguishable for callers that retry.
func (c *Context) wrapStorageError(err error, runID, step string) error {
	code := ErrCodeInternal
	if errors.Is(err, storage.ErrLockTimeout) {
		code = ErrCodeLockTimeout
	}
	return NewStorageError("content store operation failed", err).
		WithCode(code).WithProducer(step).WithRun(runID)
}

func (c *Context) memoryLookup(runID, key string) *memoryEntry {
	if run, ok := c.memory[runID]; ok {
		return run[key]
	}
	return nil
}

func (c *Context) memoryStore(runID, key string, entry *memoryEntry) {
	run, ok := c.memory[runID]
	if !ok {
		run = make(map[string]*memoryEntry)
		c.memory[runID] = run
	}
	run[key] = entry
}

// PurgeMemory drops the per-process cache for runID, releasing any
// memory-mapped disk entries backing it.
func (c *Context) PurgeMemory(runID string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	for _, entry := range c.memory[runID] {
		if entry.backed != nil {
			_ = entry.backed.Close()
		}
	}
	delete(c.memory, runID)
}

// Close releases all memory-mapped cache entries. The context must not
// be used afterwards.
func (c *Context) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	var firstErr error
	for _, run := range c.memory {
		for _, entry := range run {
			if entry.backed != nil {
				if err := entry.backed.Close(); err != nil && firstErr == nil {
					firstErr = err
				}
			}
		}
	}
	c.memory = make(map[string]map[string]*memoryEntry)
	return firstErr
}
