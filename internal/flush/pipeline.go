// Package flush serializes pre-flush semantics: any request carrying a
// pre-flush marker must not complete until every previously
// acknowledged write is durable.
package flush

import (
	"container/list"
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/vdo-kvdo/kvdo-front/internal/constants"
	"github.com/vdo-kvdo/kvdo-front/internal/interfaces"
	"github.com/vdo-kvdo/kvdo-front/internal/logging"
)

// Observer receives flush events; the public metrics observer
// satisfies it.
type Observer interface {
	ObserveSyncFlush(success bool)
}

// PipelineConfig wires a Pipeline.
type PipelineConfig struct {
	Engine interfaces.Engine
	Layer  interfaces.BlockLayer

	// Delegated selects passthrough flush handling: the underlying
	// device owns flush semantics and the host redirects the request
	// there.
	Delegated bool

	// Ack acknowledges a flush back to the host once it is durable.
	Ack func(req *interfaces.Request, result int)

	// ReadOnlyCode is handed to the engine when a synchronous flush
	// fails and the instance latches read-only.
	ReadOnlyCode int

	Logger   *logging.Logger
	Observer Observer
}

// Pipeline routes flushes to the engine or the backing device and
// provides the synchronous-flush primitive used during suspend. The
// serialization lock governs the flush-waiter list; it nests inside
// the lifecycle state and outside the limiter locks.
type Pipeline struct {
	mu      sync.Mutex
	waiters *list.List // of *interfaces.Request, oldest first

	engine       interfaces.Engine
	layer        interfaces.BlockLayer
	delegated    bool
	ack          func(req *interfaces.Request, result int)
	readOnlyCode int
	logger       *logging.Logger
	observer     Observer

	passthroughCount atomic.Uint64
}

// NewPipeline creates a pipeline from its configuration.
func NewPipeline(cfg PipelineConfig) *Pipeline {
	logger := cfg.Logger
	if logger == nil {
		logger = logging.Default()
	}
	ack := cfg.Ack
	if ack == nil {
		ack = func(*interfaces.Request, int) {}
	}
	return &Pipeline{
		waiters:      list.New(),
		engine:       cfg.Engine,
		layer:        cfg.Layer,
		delegated:    cfg.Delegated,
		ack:          ack,
		readOnlyCode: cfg.ReadOnlyCode,
		logger:       logger,
		observer:     cfg.Observer,
	}
}

// Delegated reports whether flush handling is delegated to the
// backing device.
func (p *Pipeline) Delegated() bool {
	return p.delegated
}

// PassthroughCount returns how many flushes were remapped to the
// backing device.
func (p *Pipeline) PassthroughCount() uint64 {
	return p.passthroughCount.Load()
}

// Waiting returns the number of flushes awaiting engine completion.
func (p *Pipeline) Waiting() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.waiters.Len()
}

// Submit routes one flush-classified request. Delegated flushes are
// accounted and remapped so the host redirects them to the backing
// device; engine-owned flushes join the waiter list and ride the
// engine until durable.
func (p *Pipeline) Submit(ctx context.Context, req *interfaces.Request) (interfaces.DispatchOutcome, error) {
	if p.delegated {
		p.passthroughCount.Add(1)
		return interfaces.OutcomeRemapped, nil
	}

	p.mu.Lock()
	p.waiters.PushBack(req)
	p.mu.Unlock()

	// Flushes carry no payload and take no permits; the engine still
	// owns the request until it publishes the completion.
	if err := p.engine.Submit(ctx, req, interfaces.PermitBundle{}); err != nil {
		p.logger.Error("engine rejected flush; completion still owed", "error", err)
	}
	return interfaces.OutcomeSubmitted, nil
}

// CompleteFlush acknowledges the waiter matching the completed
// request.
func (p *Pipeline) CompleteFlush(requestID uint64, result int) {
	p.mu.Lock()
	var req *interfaces.Request
	for e := p.waiters.Front(); e != nil; e = e.Next() {
		if e.Value.(*interfaces.Request).ID == requestID {
			req = e.Value.(*interfaces.Request)
			p.waiters.Remove(e)
			break
		}
	}
	p.mu.Unlock()

	if req == nil {
		p.logger.Warn("completion for unknown flush", "request", requestID)
		return
	}
	p.ack(req, result)
}

// SynchronousFlush issues a single write-preflush barrier to the
// backing device and blocks until it is durable. An interrupted wait
// retries after a short delay; any other failure latches the engine
// read-only and surfaces as an I/O error.
func (p *Pipeline) SynchronousFlush(ctx context.Context) error {
	for {
		err := p.layer.Flush(ctx)
		if err == nil {
			if p.observer != nil {
				p.observer.ObserveSyncFlush(true)
			}
			return nil
		}
		if err == interfaces.ErrInterrupted {
			select {
			case <-time.After(constants.SyncFlushRetryDelay):
				continue
			case <-ctx.Done():
				err = ctx.Err()
			}
		}
		if p.observer != nil {
			p.observer.ObserveSyncFlush(false)
		}
		p.logger.Error("synchronous flush failed; latching read-only", "error", err)
		p.engine.SetReadOnly(p.readOnlyCode)
		return err
	}
}
