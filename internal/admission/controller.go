package admission

import (
	"context"
	"errors"
	"time"

	"github.com/vdo-kvdo/kvdo-front/internal/interfaces"
	"github.com/vdo-kvdo/kvdo-front/internal/logging"
)

// ErrNotRunning is returned when a request arrives while the instance
// is not in the running state. The caller quiesces submitters around
// suspend, so hitting this is a caller fault, not backpressure; the
// public package reports it as bad-state.
var ErrNotRunning = errors.New("admission: instance not running")

// Observer receives admission events. The public package's metrics
// observer satisfies it.
type Observer interface {
	ObserveSubmit(op interfaces.Operation)
	ObserveOutcome(out interfaces.DispatchOutcome)
	ObserveDeferral()
	ObserveRelaunch()
}

// FlushFunc routes a flush-classified request; the flush pipeline
// provides it.
type FlushFunc func(ctx context.Context, req *interfaces.Request) (interfaces.DispatchOutcome, error)

// ControllerConfig wires a Controller.
type ControllerConfig struct {
	RequestLimit   int
	DiscardLimit   int
	Engine         interfaces.Engine
	Running        func() bool
	Flush          FlushFunc
	DelegatedFlush bool

	// Relaunch runs deferred-request resubmissions off the completion
	// context. Nil means inline.
	Relaunch func(func())

	// Clock supplies monotonic ticks for deferral stamps. Nil means
	// nanosecond wall ticks.
	Clock func() int64

	Logger   *logging.Logger
	Observer Observer
}

// Controller gates new requests through the limiters, detects
// re-entrant submissions from the engine's own worker pools, and
// drains the deadlock queue as completions return capacity.
type Controller struct {
	requests       *Limiter
	discards       *Limiter
	deferred       *DeadlockQueue
	engine         interfaces.Engine
	running        func() bool
	flush          FlushFunc
	delegatedFlush bool
	relaunch       func(func())
	clock          func() int64
	logger         *logging.Logger
	observer       Observer
}

// NewController creates a controller from its configuration.
func NewController(cfg ControllerConfig) *Controller {
	clock := cfg.Clock
	if clock == nil {
		clock = func() int64 { return time.Now().UnixNano() }
	}
	relaunch := cfg.Relaunch
	if relaunch == nil {
		relaunch = func(fn func()) { fn() }
	}
	logger := cfg.Logger
	if logger == nil {
		logger = logging.Default()
	}
	return &Controller{
		requests:       NewLimiter(cfg.RequestLimit),
		discards:       NewLimiter(cfg.DiscardLimit),
		deferred:       NewDeadlockQueue(),
		engine:         cfg.Engine,
		running:        cfg.Running,
		flush:          cfg.Flush,
		delegatedFlush: cfg.DelegatedFlush,
		relaunch:       relaunch,
		clock:          clock,
		logger:         logger,
		observer:       cfg.Observer,
	}
}

// RequestLimiter exposes the data-request limiter for idle waits
// during suspend.
func (c *Controller) RequestLimiter() *Limiter {
	return c.requests
}

// DiscardLimiter exposes the discard sub-limiter.
func (c *Controller) DiscardLimiter() *Limiter {
	return c.discards
}

// DeferredCount returns the current deadlock-queue depth.
func (c *Controller) DeferredCount() int {
	return c.deferred.Len()
}

// Submit admits one request. Flushes route to the flush pipeline. A
// submission from one of the engine's own worker contexts never
// blocks: when no permit is free the request parks on the deadlock
// queue and is relaunched by a later completion.
func (c *Controller) Submit(ctx context.Context, req *interfaces.Request) (interfaces.DispatchOutcome, error) {
	if !c.running() {
		return interfaces.OutcomeError, ErrNotRunning
	}
	if c.observer != nil {
		c.observer.ObserveSubmit(req.Operation)
	}

	route, err := Classify(req, c.delegatedFlush)
	if err != nil {
		return interfaces.OutcomeError, err
	}

	switch route {
	case interfaces.RouteFlushOwn, interfaces.RouteFlushPassthrough:
		return c.flush(ctx, req)
	}

	if c.engine.WorkerPoolContains(ctx) {
		return c.submitReentrant(ctx, req, route)
	}

	bundle := interfaces.PermitBundle{RequestPermit: true}
	if route == interfaces.RouteDiscard {
		// Take the discard permit first: a discard must not sit on a
		// request permit while parked, or it stalls data forward
		// progress behind it.
		if err := c.discards.AcquireBlocking(ctx); err != nil {
			return interfaces.OutcomeError, err
		}
		bundle.DiscardPermit = true
	}
	if err := c.requests.AcquireBlocking(ctx); err != nil {
		if bundle.DiscardPermit {
			c.discards.ReleaseOne()
		}
		return interfaces.OutcomeError, err
	}

	return c.handOff(ctx, req, bundle)
}

// submitReentrant is the non-blocking path for engine-worker callers.
func (c *Controller) submitReentrant(ctx context.Context, req *interfaces.Request, route interfaces.Route) (interfaces.DispatchOutcome, error) {
	if !c.requests.AcquirePoll() {
		c.deferred.Push(req, c.clock())
		if c.observer != nil {
			c.observer.ObserveDeferral()
		}
		c.logger.Warn("deferring re-entrant request to avoid deadlock",
			"op", req.Operation.String(), "queued", c.deferred.Len())
		return interfaces.OutcomeSubmitted, nil
	}

	bundle := interfaces.PermitBundle{RequestPermit: true}
	if route == interfaces.RouteDiscard {
		// Best effort: a discard may proceed without its permit; the
		// engine treats it as a slower path.
		bundle.DiscardPermit = c.discards.AcquirePoll()
	}
	return c.handOff(ctx, req, bundle)
}

// handOff transfers the request and its permits to the engine. The
// engine owns both from here on: even when Submit fails it must
// complete the request, which releases the permits through the normal
// completion flow. Releasing here as well would double-release.
func (c *Controller) handOff(ctx context.Context, req *interfaces.Request, bundle interfaces.PermitBundle) (interfaces.DispatchOutcome, error) {
	if err := c.engine.Submit(ctx, req, bundle); err != nil {
		c.logger.Error("engine rejected request; completion still owed",
			"op", req.Operation.String(), "error", err)
	}
	return interfaces.OutcomeSubmitted, nil
}

// CompleteBatch returns n request permits. Deferred requests are
// drained first, each consuming one returned permit as it relaunches;
// any remainder goes back to the limiter.
func (c *Controller) CompleteBatch(n int) {
	for n > 0 {
		req, arrival, ok := c.deferred.Pop()
		if !ok {
			break
		}
		n--
		req.ArrivalTick = arrival
		bundle := interfaces.PermitBundle{RequestPermit: true}
		if req.Operation == interfaces.OpDiscard {
			bundle.DiscardPermit = c.discards.AcquirePoll()
		}
		if c.observer != nil {
			c.observer.ObserveRelaunch()
		}
		relaunched := req
		c.relaunch(func() {
			if err := c.engine.Submit(context.Background(), relaunched, bundle); err != nil {
				c.logger.Error("engine rejected relaunched request",
					"op", relaunched.Operation.String(), "error", err)
			}
		})
	}
	if n > 0 {
		c.requests.ReleaseMany(n)
	}
}

// ReleaseDiscardPermits returns n discard permits.
func (c *Controller) ReleaseDiscardPermits(n int) {
	c.discards.ReleaseMany(n)
}
