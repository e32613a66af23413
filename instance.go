package kvdo

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"

	"github.com/vdo-kvdo/kvdo-front/internal/admission"
	facade "github.com/vdo-kvdo/kvdo-front/internal/engine"
	"github.com/vdo-kvdo/kvdo-front/internal/flush"
	"github.com/vdo-kvdo/kvdo-front/internal/lifecycle"
	"github.com/vdo-kvdo/kvdo-front/internal/logging"
	"github.com/vdo-kvdo/kvdo-front/internal/pools"
	"github.com/vdo-kvdo/kvdo-front/internal/registry"
	"github.com/vdo-kvdo/kvdo-front/internal/workqueue"
)

// State is the lifecycle state of an Instance.
type State = lifecycle.State

const (
	StateUninitialized    = lifecycle.Uninitialized
	StateSimpleInit       = lifecycle.SimpleInit
	StateBufferPoolsInit  = lifecycle.BufferPoolsInit
	StateRequestQueueInit = lifecycle.RequestQueueInit
	StateBioDataInit      = lifecycle.BioDataInit
	StateBioAckQueueInit  = lifecycle.BioAckQueueInit
	StateCPUQueueInit     = lifecycle.CPUQueueInit
	StateStarting         = lifecycle.Starting
	StateRunning          = lifecycle.Running
	StateSuspended        = lifecycle.Suspended
	StateStopping         = lifecycle.Stopping
	StateStopped          = lifecycle.Stopped
)

// Options carries the optional collaborators of an Instance.
type Options struct {
	// Logger for debug/info messages (if nil, the default logger)
	Logger *logging.Logger

	// Observer receives admission events in addition to the built-in
	// metrics.
	Observer Observer

	// Dedupe is the external deduplication collaborator, suspended
	// and resumed around the engine.
	Dedupe Dedupe

	// Registry overrides the process-wide instance registry.
	Registry *registry.Registry

	// OnComplete acknowledges a finished request to the host with its
	// mapped error code.
	OnComplete func(requestID uint64, hostCode int)

	// Clock supplies monotonic ticks for deferral stamps.
	Clock func() int64
}

// Instance is the top-level aggregate: it owns its limiters, deadlock
// queue, compression contexts, work queues, block layer and engine
// handle. Requests are borrowed for the admission window and handed to
// the engine, which owns them until completion; completions return
// here, where the permits are released.
type Instance struct {
	config   Config
	geometry *Geometry

	machine    *lifecycle.Machine
	controller *admission.Controller
	pipeline   *flush.Pipeline

	engine   Engine
	layer    BlockLayer
	dedupe   Dedupe
	registry *registry.Registry
	logger   *logging.Logger

	metrics  *Metrics
	observer Observer

	onComplete func(requestID uint64, hostCode int)

	requestQueue *workqueue.Queue
	bioQueue     *workqueue.Queue
	ackQueue     *workqueue.Queue
	cpuQueue     *workqueue.Queue

	contextPool         *pools.ContextPool
	compressionContexts [][]byte

	completionsDone chan struct{}
	adminBusy       atomic.Bool
	destroyed       atomic.Bool

	preparedLogicalBytes   uint64
	preparedPhysicalBlocks uint64
}

// NewInstance builds an instance over the given engine and block
// layer, walking the init prefix of the lifecycle. The geometry block
// is read from the backing device during construction. On failure the
// already-initialized levels are torn down symmetrically. The instance
// takes ownership of the layer.
func NewInstance(cfg Config, eng Engine, layer BlockLayer, opts *Options) (*Instance, error) {
	if opts == nil {
		opts = &Options{}
	}
	cfg = cfg.withDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if eng == nil || layer == nil {
		return nil, NewPoolError("create", cfg.PoolName, ErrCodeParameterMismatch, "engine and block layer are required")
	}

	logger := opts.Logger
	if logger == nil {
		logger = logging.Default()
	}
	reg := opts.Registry
	if reg == nil {
		reg = registry.Default()
	}

	inst := &Instance{
		config:          cfg,
		machine:         lifecycle.NewMachine(),
		engine:          eng,
		layer:           layer,
		dedupe:          opts.Dedupe,
		registry:        reg,
		logger:          logger.With("pool", cfg.PoolName),
		metrics:         NewMetrics(),
		onComplete:      opts.OnComplete,
		completionsDone: make(chan struct{}),
	}
	inst.observer = combineObservers(NewMetricsObserver(inst.metrics), opts.Observer)

	if err := inst.construct(opts); err != nil {
		inst.teardown()
		return nil, err
	}
	return inst, nil
}

func (inst *Instance) construct(opts *Options) error {
	ctx := context.Background()

	// simple-init: identity, registry claim, geometry.
	if err := inst.machine.Transition(StateSimpleInit); err != nil {
		return WrapError("create", err)
	}
	if err := inst.registry.Register(inst.config.PoolName, inst.config.ParentDeviceName); err != nil {
		if errors.Is(err, registry.ErrPoolExists) || errors.Is(err, registry.ErrDeviceBusy) {
			return NewPoolError("create", inst.config.PoolName, ErrCodeComponentBusy, err.Error())
		}
		return WrapError("create", err)
	}
	geometry, err := ReadGeometry(ctx, inst.layer)
	if err != nil {
		return WrapError("create", err)
	}
	inst.geometry = geometry
	if b, ok := inst.engine.(interface{ Bind(facade.InstanceRef) }); ok {
		b.Bind(inst)
	}

	// buffer-pools-init: one compression context per cpu thread, each
	// sized for one block plus worst-case expansion.
	if err := inst.machine.Transition(StateBufferPoolsInit); err != nil {
		return WrapError("create", err)
	}
	inst.contextPool = pools.NewContextPool(inst.config.LogicalBlockSize)
	inst.compressionContexts = make([][]byte, inst.config.ThreadCounts.CPUThreads)
	for i := range inst.compressionContexts {
		inst.compressionContexts[i] = inst.contextPool.Get()
	}

	// request-queue-init: limiters, controller, flush pipeline and the
	// completion subscription.
	if err := inst.machine.Transition(StateRequestQueueInit); err != nil {
		return WrapError("create", err)
	}
	inst.pipeline = flush.NewPipeline(flush.PipelineConfig{
		Engine:       inst.engine,
		Layer:        inst.layer,
		Delegated:    inst.config.DelegatedFlush,
		Ack:          func(req *Request, result int) { inst.ackHost(req.ID, MapEngineError(result)) },
		ReadOnlyCode: InternalCodeReadOnly,
		Logger:       inst.logger,
		Observer:     inst.observer,
	})
	inst.controller = admission.NewController(admission.ControllerConfig{
		RequestLimit:   inst.config.RequestLimit,
		DiscardLimit:   inst.config.DiscardLimit(),
		Engine:         inst.engine,
		Running:        inst.machine.IsRunning,
		Flush:          inst.pipeline.Submit,
		DelegatedFlush: inst.config.DelegatedFlush,
		Relaunch:       inst.relaunch,
		Clock:          opts.Clock,
		Logger:         inst.logger,
		Observer:       inst.observer,
	})
	inst.requestQueue = workqueue.New("request", max(1, inst.config.ThreadCounts.LogicalZones), 256, inst.logger)
	go inst.completionLoop()

	// bio-data-init: the bio worker pool.
	if err := inst.machine.Transition(StateBioDataInit); err != nil {
		return WrapError("create", err)
	}
	inst.bioQueue = workqueue.New("bio", inst.config.ThreadCounts.BioThreads, 256, inst.logger)

	// bio-ack-queue-init: skipped when the ack queue is disabled.
	if inst.config.ThreadCounts.BioAckThreads > 0 {
		if err := inst.machine.Transition(StateBioAckQueueInit); err != nil {
			return WrapError("create", err)
		}
		inst.ackQueue = workqueue.New("ack", inst.config.ThreadCounts.BioAckThreads, 256, inst.logger)
	}

	// cpu-queue-init.
	if err := inst.machine.Transition(StateCPUQueueInit); err != nil {
		return WrapError("create", err)
	}
	inst.cpuQueue = workqueue.New("cpu", inst.config.ThreadCounts.CPUThreads, 256, inst.logger)

	inst.logger.Info("instance constructed",
		"device", inst.config.ParentDeviceName,
		"limit", inst.config.RequestLimit,
		"discard_limit", inst.config.DiscardLimit())
	return nil
}

// PoolName returns the instance's pool name.
func (inst *Instance) PoolName() string {
	return inst.config.PoolName
}

// State returns the current lifecycle state; the read is lock-free.
func (inst *Instance) State() State {
	return inst.machine.Current()
}

// Geometry returns the geometry snapshot read at construction.
func (inst *Instance) Geometry() *Geometry {
	return inst.geometry
}

// Config returns a copy of the current configuration.
func (inst *Instance) Config() Config {
	return inst.config
}

// Metrics exposes the per-operation counter set.
func (inst *Instance) Metrics() *Metrics {
	return inst.metrics
}

// AllocationsAllowed reports whether allocations from non-worker
// threads are currently permitted.
func (inst *Instance) AllocationsAllowed() bool {
	return inst.machine.AllocationsAllowed()
}

// Submit admits one request from the host block layer. SUBMITTED means
// the instance completes it asynchronously through OnComplete;
// REMAPPED means the host must redirect it to the backing device;
// otherwise the returned error carries the category.
func (inst *Instance) Submit(ctx context.Context, req *Request) (DispatchOutcome, error) {
	outcome, err := inst.controller.Submit(ctx, req)
	inst.observer.ObserveOutcome(outcome)
	inst.refreshGauges()
	if err != nil {
		switch {
		case errors.Is(err, admission.ErrNotRunning):
			return outcome, NewPoolError("submit", inst.config.PoolName, ErrCodeBadState,
				fmt.Sprintf("submit while %s", inst.State()))
		case errors.Is(err, admission.ErrInvalidRequest):
			return outcome, &Error{Op: "submit", Pool: inst.config.PoolName, Code: ErrCodeInvalidRequest, Msg: err.Error(), Inner: err}
		default:
			return outcome, WrapError("submit", err)
		}
	}
	return outcome, nil
}

// Preload moves a fully constructed instance to starting; it is only
// legal immediately after construction.
func (inst *Instance) Preload() error {
	done, err := inst.beginAdmin("preload")
	if err != nil {
		return err
	}
	defer done()
	if err := inst.machine.Transition(StateStarting); err != nil {
		return inst.badState("preload", err)
	}
	return nil
}

// Start moves the instance to running. Allocations from non-worker
// threads are forbidden from here until teardown.
func (inst *Instance) Start() error {
	done, err := inst.beginAdmin("start")
	if err != nil {
		return err
	}
	defer done()
	if err := inst.machine.Transition(StateRunning); err != nil {
		return inst.badState("start", err)
	}
	inst.logger.Info("instance running", "write_policy", string(inst.config.WritePolicy))
	return nil
}

// Suspend quiesces the instance: the caller stops new submissions,
// the in-flight requests drain, a synchronous flush makes everything
// acknowledged durable, and the engine and dedupe collaborator
// suspend. noFlush skips metadata persistence in the engine and the
// dedupe save.
func (inst *Instance) Suspend(ctx context.Context, noFlush bool) error {
	done, err := inst.beginAdmin("suspend")
	if err != nil {
		return err
	}
	defer done()
	return inst.suspendLocked(ctx, noFlush)
}

func (inst *Instance) suspendLocked(ctx context.Context, noFlush bool) error {
	if inst.State() != StateRunning {
		return inst.badState("suspend", fmt.Errorf("%w: suspend while %s", lifecycle.ErrBadState, inst.State()))
	}

	// The packer batches writes that would otherwise never drain, so
	// compression pauses for the idle wait and comes back only if it
	// was on.
	wasCompressing := inst.engine.SetCompressing(false)
	err := inst.controller.RequestLimiter().WaitForIdle(ctx)
	if wasCompressing {
		inst.engine.SetCompressing(true)
	}
	if err != nil {
		return WrapError("suspend", err)
	}

	flushErr := inst.pipeline.SynchronousFlush(ctx)
	if flushErr != nil {
		// The engine is latched read-only; the suspend still runs to
		// completion so the device can be taken down.
		inst.logger.Error("suspend continuing after flush failure", "error", flushErr)
	}

	if err := inst.engine.Suspend(!noFlush); err != nil {
		return WrapError("suspend", err)
	}
	if inst.dedupe != nil {
		if err := inst.dedupe.Suspend(!noFlush); err != nil {
			return WrapError("suspend", err)
		}
	}
	if err := inst.machine.Transition(StateSuspended); err != nil {
		return inst.badState("suspend", err)
	}
	if flushErr != nil {
		return NewPoolError("suspend", inst.config.PoolName, ErrCodeInternal, flushErr.Error())
	}
	return nil
}

// Resume is the mirror of Suspend, without the flush.
func (inst *Instance) Resume() error {
	done, err := inst.beginAdmin("resume")
	if err != nil {
		return err
	}
	defer done()
	if inst.State() != StateSuspended {
		return inst.badState("resume", fmt.Errorf("%w: resume while %s", lifecycle.ErrBadState, inst.State()))
	}
	if inst.dedupe != nil {
		if err := inst.dedupe.Resume(); err != nil {
			return WrapError("resume", err)
		}
	}
	if err := inst.engine.Resume(); err != nil {
		return WrapError("resume", err)
	}
	if err := inst.machine.Transition(StateRunning); err != nil {
		return inst.badState("resume", err)
	}
	return nil
}

// Stop takes the instance to stopped. A running instance is suspended
// first, with metadata persisted.
func (inst *Instance) Stop(ctx context.Context) error {
	done, err := inst.beginAdmin("stop")
	if err != nil {
		return err
	}
	defer done()
	return inst.stopLocked(ctx)
}

func (inst *Instance) stopLocked(ctx context.Context) error {
	if inst.State() == StateRunning {
		if err := inst.suspendLocked(ctx, false); err != nil {
			return err
		}
	}
	if err := inst.machine.Transition(StateStopping); err != nil {
		return inst.badState("stop", err)
	}
	if err := inst.engine.Stop(); err != nil {
		return WrapError("stop", err)
	}
	inst.metrics.Stop()
	if err := inst.machine.Transition(StateStopped); err != nil {
		return inst.badState("stop", err)
	}
	inst.logger.Info("instance stopped")
	return nil
}

// Modify applies a changed configuration. Immutable fields reject with
// parameter-mismatch and leave everything untouched; today only the
// write policy is mutable, across suspend/resume.
func (inst *Instance) Modify(next Config) error {
	done, err := inst.beginAdmin("modify")
	if err != nil {
		return err
	}
	defer done()
	switch inst.State() {
	case StateRunning, StateSuspended:
	default:
		return inst.badState("modify", fmt.Errorf("%w: modify while %s", lifecycle.ErrBadState, inst.State()))
	}
	next = next.withDefaults()
	if err := inst.config.diffImmutable(next); err != nil {
		return err
	}
	if next.WritePolicy != inst.config.WritePolicy {
		inst.logger.Info("write policy changed",
			"from", string(inst.config.WritePolicy), "to", string(next.WritePolicy))
		inst.config.WritePolicy = next.WritePolicy
	}
	return nil
}

// PrepareGrowLogical stages a logical resize. The new size must be a
// growth and a multiple of the block size.
func (inst *Instance) PrepareGrowLogical(newLogicalBytes uint64) error {
	done, err := inst.beginAdmin("prepare-grow-logical")
	if err != nil {
		return err
	}
	defer done()
	blockSize := uint64(inst.config.LogicalBlockSize)
	if newLogicalBytes%blockSize != 0 {
		return NewPoolError("prepare-grow-logical", inst.config.PoolName, ErrCodeParameterMismatch,
			fmt.Sprintf("logical_bytes %d is not a multiple of the %d-byte block size", newLogicalBytes, blockSize))
	}
	if newLogicalBytes <= inst.config.LogicalBytes {
		return NewPoolError("prepare-grow-logical", inst.config.PoolName, ErrCodeParameterMismatch,
			fmt.Sprintf("logical_bytes %d does not grow the current %d", newLogicalBytes, inst.config.LogicalBytes))
	}
	if err := inst.engine.PrepareGrowLogical(newLogicalBytes / blockSize); err != nil {
		return WrapError("prepare-grow-logical", err)
	}
	inst.preparedLogicalBytes = newLogicalBytes
	return nil
}

// GrowLogical commits a staged logical resize; only legal while
// suspended and only for the prepared size.
func (inst *Instance) GrowLogical(newLogicalBytes uint64) error {
	done, err := inst.beginAdmin("grow-logical")
	if err != nil {
		return err
	}
	defer done()
	if inst.State() != StateSuspended {
		return inst.badState("grow-logical", fmt.Errorf("%w: grow while %s", lifecycle.ErrBadState, inst.State()))
	}
	if inst.preparedLogicalBytes == 0 || inst.preparedLogicalBytes != newLogicalBytes {
		return NewPoolError("grow-logical", inst.config.PoolName, ErrCodeParameterMismatch,
			"grow without matching prepare")
	}
	if err := inst.engine.GrowLogical(newLogicalBytes / uint64(inst.config.LogicalBlockSize)); err != nil {
		return WrapError("grow-logical", err)
	}
	inst.config.LogicalBytes = newLogicalBytes
	inst.preparedLogicalBytes = 0
	return nil
}

// PrepareGrowPhysical stages a physical resize.
func (inst *Instance) PrepareGrowPhysical(newPhysicalBlocks uint64) error {
	done, err := inst.beginAdmin("prepare-grow-physical")
	if err != nil {
		return err
	}
	defer done()
	if newPhysicalBlocks <= inst.config.PhysicalBlocks {
		return NewPoolError("prepare-grow-physical", inst.config.PoolName, ErrCodeParameterMismatch,
			fmt.Sprintf("physical_blocks %d does not grow the current %d", newPhysicalBlocks, inst.config.PhysicalBlocks))
	}
	if err := inst.engine.PrepareGrowPhysical(newPhysicalBlocks); err != nil {
		return WrapError("prepare-grow-physical", err)
	}
	inst.preparedPhysicalBlocks = newPhysicalBlocks
	return nil
}

// GrowPhysical commits a staged physical resize; only legal while
// suspended and only for the prepared size.
func (inst *Instance) GrowPhysical(newPhysicalBlocks uint64) error {
	done, err := inst.beginAdmin("grow-physical")
	if err != nil {
		return err
	}
	defer done()
	if inst.State() != StateSuspended {
		return inst.badState("grow-physical", fmt.Errorf("%w: grow while %s", lifecycle.ErrBadState, inst.State()))
	}
	if inst.preparedPhysicalBlocks == 0 || inst.preparedPhysicalBlocks != newPhysicalBlocks {
		return NewPoolError("grow-physical", inst.config.PoolName, ErrCodeParameterMismatch,
			"grow without matching prepare")
	}
	if err := inst.engine.GrowPhysical(newPhysicalBlocks); err != nil {
		return WrapError("grow-physical", err)
	}
	inst.config.PhysicalBlocks = newPhysicalBlocks
	inst.preparedPhysicalBlocks = 0
	return nil
}

// Destroy stops the instance if needed and walks the init prefix
// backward from the highest level ever reached. Work queues are
// drained at their own level and freed only after all higher-level
// teardown completes.
func (inst *Instance) Destroy(ctx context.Context) error {
	if !inst.destroyed.CompareAndSwap(false, true) {
		return nil
	}
	switch inst.State() {
	case StateRunning, StateSuspended:
		if err := inst.Stop(ctx); err != nil {
			inst.logger.Error("stop during destroy failed", "error", err)
		}
	}
	inst.teardown()
	inst.logger.Info("instance destroyed")
	return nil
}

// teardown is the two-phase backward walk shared by Destroy and
// construction failure.
func (inst *Instance) teardown() {
	highWater := inst.machine.HighWater()

	for level := highWater; level >= StateSimpleInit; level-- {
		switch level {
		case StateCPUQueueInit:
			if inst.cpuQueue != nil {
				inst.cpuQueue.Finish()
			}
		case StateBioAckQueueInit:
			if inst.ackQueue != nil {
				inst.ackQueue.Finish()
			}
		case StateBioDataInit:
			if inst.bioQueue != nil {
				inst.bioQueue.Finish()
			}
		case StateRequestQueueInit:
			// Destroying the engine closes the completion channel;
			// the subscription drains before the queue does.
			if err := inst.engine.Destroy(); err != nil {
				inst.logger.Error("engine destroy failed", "error", err)
			}
			<-inst.completionsDone
			if inst.requestQueue != nil {
				inst.requestQueue.Finish()
			}
		case StateBufferPoolsInit:
			for _, buffer := range inst.compressionContexts {
				inst.contextPool.Put(buffer)
			}
			inst.compressionContexts = nil
		case StateSimpleInit:
			inst.registry.Unregister(inst.config.PoolName)
			if b, ok := inst.engine.(interface{ Release() }); ok {
				b.Release()
			}
			if err := inst.layer.Close(); err != nil {
				inst.logger.Error("block layer close failed", "error", err)
			}
		}
		if err := inst.machine.ForceTeardown(level - 1); err != nil {
			inst.logger.Error("teardown transition failed", "error", err)
		}
	}

	// Free phase: every drained queue releases only now, because
	// draining work items may reference lower-level resources.
	for _, q := range []*workqueue.Queue{inst.cpuQueue, inst.ackQueue, inst.bioQueue, inst.requestQueue} {
		if q != nil {
			q.Free()
		}
	}
}

// completionLoop is the request-queue subscription: every engine
// completion funnels through here so permit release happens in a known
// context, never on the engine's stack.
func (inst *Instance) completionLoop() {
	defer close(inst.completionsDone)
	for c := range inst.engine.Completions() {
		completion := c
		task := func() { inst.handleCompletion(completion) }
		if inst.requestQueue.Submit(task) != nil {
			// Queue already draining; settle the permits inline so
			// nothing leaks.
			inst.handleCompletion(completion)
		}
	}
}

func (inst *Instance) handleCompletion(c Completion) {
	switch c.Route {
	case RouteFlushOwn:
		inst.pipeline.CompleteFlush(c.RequestID, c.Result)
	default:
		if c.Permits.RequestPermit {
			inst.controller.CompleteBatch(1)
		}
		if c.Permits.DiscardPermit {
			inst.controller.ReleaseDiscardPermits(1)
		}
		inst.ackHost(c.RequestID, MapEngineError(c.Result))
	}
	inst.refreshGauges()
}

// ackHost delivers the host acknowledgment, through the ack queue when
// one was configured.
func (inst *Instance) ackHost(requestID uint64, hostCode int) {
	if inst.onComplete == nil {
		return
	}
	deliver := func() { inst.onComplete(requestID, hostCode) }
	if q := inst.ackQueue; q != nil && q.Submit(deliver) == nil {
		return
	}
	deliver()
}

// relaunch runs deferred-request resubmissions on the bio pool so they
// never execute on the completion context.
func (inst *Instance) relaunch(fn func()) {
	if q := inst.bioQueue; q != nil && q.Submit(fn) == nil {
		return
	}
	fn()
}

// refreshGauges samples the limiters and deadlock queue into the
// metrics set, on the cpu pool when it is up.
func (inst *Instance) refreshGauges() {
	sample := func() {
		inst.metrics.RequestPermitsOutstanding.Store(int64(inst.controller.RequestLimiter().Outstanding()))
		inst.metrics.DiscardPermitsOutstanding.Store(int64(inst.controller.DiscardLimiter().Outstanding()))
		inst.metrics.DeadlockQueueDepth.Store(int64(inst.controller.DeferredCount()))
	}
	if q := inst.cpuQueue; q != nil && q.Submit(sample) == nil {
		return
	}
	sample()
}

func (inst *Instance) beginAdmin(op string) (func(), error) {
	if !inst.adminBusy.CompareAndSwap(false, true) {
		return nil, NewPoolError(op, inst.config.PoolName, ErrCodeComponentBusy,
			"administrative operation already in progress")
	}
	return func() { inst.adminBusy.Store(false) }, nil
}

func (inst *Instance) badState(op string, err error) error {
	return &Error{Op: op, Pool: inst.config.PoolName, Code: ErrCodeBadState, Msg: err.Error(), Inner: err}
}

// combineObservers fans events out to the metrics observer and an
// optional user observer.
func combineObservers(primary, extra Observer) Observer {
	if extra == nil {
		return primary
	}
	return &multiObserver{observers: []Observer{primary, extra}}
}

type multiObserver struct {
	observers []Observer
}

func (m *multiObserver) ObserveSubmit(op Operation) {
	for _, o := range m.observers {
		o.ObserveSubmit(op)
	}
}

func (m *multiObserver) ObserveOutcome(out DispatchOutcome) {
	for _, o := range m.observers {
		o.ObserveOutcome(out)
	}
}

func (m *multiObserver) ObserveDeferral() {
	for _, o := range m.observers {
		o.ObserveDeferral()
	}
}

func (m *multiObserver) ObserveRelaunch() {
	for _, o := range m.observers {
		o.ObserveRelaunch()
	}
}

func (m *multiObserver) ObserveSyncFlush(success bool) {
	for _, o := range m.observers {
		o.ObserveSyncFlush(success)
	}
}

var _ facade.InstanceRef = (*Instance)(nil)

// WaitIdle blocks until no request permits are outstanding; exposed
// for device-mapper-style callers that quiesce before suspend.
func (inst *Instance) WaitIdle(ctx context.Context) error {
	return inst.controller.RequestLimiter().WaitForIdle(ctx)
}
