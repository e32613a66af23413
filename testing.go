package kvdo

import (
	"context"
	"sync"
)

type workerCtxKey struct{}

// MockEngine provides a mock implementation of Engine for testing.
// Hand-offs are recorded and completed only when the test asks, so
// admission and lifecycle tests control the in-flight window exactly.
type MockEngine struct {
	mu          sync.Mutex
	inflight    map[uint64]mockPending
	order       []uint64
	completions chan Completion

	compressing bool
	readOnly    int
	suspended   bool
	stopped     bool
	destroyed   bool
	saves       []bool

	preparedLogical  uint64
	preparedPhysical uint64

	// Method call tracking
	submitCalls   int
	suspendCalls  int
	resumeCalls   int
	compressCalls int
}

type mockPending struct {
	req     *Request
	permits PermitBundle
}

// NewMockEngine creates a mock engine with a buffered completion
// channel.
func NewMockEngine() *MockEngine {
	return &MockEngine{
		inflight:    make(map[uint64]mockPending),
		completions: make(chan Completion, 256),
	}
}

// WorkerContext marks a context as belonging to this engine's worker
// pool, the marker worker-pool code sets before running tasks.
func (e *MockEngine) WorkerContext(ctx context.Context) context.Context {
	return context.WithValue(ctx, workerCtxKey{}, e)
}

// WorkerPoolContains implements the Engine interface.
func (e *MockEngine) WorkerPoolContains(ctx context.Context) bool {
	return ctx.Value(workerCtxKey{}) == e
}

// Submit implements the Engine interface.
func (e *MockEngine) Submit(ctx context.Context, req *Request, permits PermitBundle) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.submitCalls++
	e.inflight[req.ID] = mockPending{req: req, permits: permits}
	e.order = append(e.order, req.ID)
	return nil
}

// Completions implements the Engine interface.
func (e *MockEngine) Completions() <-chan Completion {
	return e.completions
}

// Complete finishes one in-flight request with the given result.
func (e *MockEngine) Complete(requestID uint64, result int) bool {
	e.mu.Lock()
	pending, ok := e.inflight[requestID]
	if ok {
		delete(e.inflight, requestID)
		for i, id := range e.order {
			if id == requestID {
				e.order = append(e.order[:i], e.order[i+1:]...)
				break
			}
		}
	}
	e.mu.Unlock()
	if !ok {
		return false
	}
	e.completions <- Completion{
		RequestID: requestID,
		Route:     routeOf(pending.req),
		Result:    result,
		Permits:   pending.permits,
	}
	return true
}

// CompleteOldest finishes up to n requests in submission order and
// returns how many completed.
func (e *MockEngine) CompleteOldest(n int) int {
	completed := 0
	for completed < n {
		e.mu.Lock()
		if len(e.order) == 0 {
			e.mu.Unlock()
			break
		}
		id := e.order[0]
		e.mu.Unlock()
		if e.Complete(id, 0) {
			completed++
		}
	}
	return completed
}

func routeOf(req *Request) Route {
	switch {
	case req.Operation == OpFlush || req.PreFlush:
		return RouteFlushOwn
	case req.Operation == OpDiscard:
		return RouteDiscard
	default:
		return RouteData
	}
}

// InFlight returns the number of uncompleted hand-offs.
func (e *MockEngine) InFlight() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.inflight)
}

// Submitted returns the IDs of uncompleted hand-offs in order.
func (e *MockEngine) Submitted() []uint64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]uint64(nil), e.order...)
}

// Permits returns the bundle handed off with a request.
func (e *MockEngine) Permits(requestID uint64) (PermitBundle, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	pending, ok := e.inflight[requestID]
	return pending.permits, ok
}

// SetCompressing implements the Engine interface.
func (e *MockEngine) SetCompressing(enabled bool) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.compressCalls++
	prev := e.compressing
	e.compressing = enabled
	return prev
}

// Compressing reports the packer state.
func (e *MockEngine) Compressing() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.compressing
}

// CompressToggles returns how often SetCompressing was called.
func (e *MockEngine) CompressToggles() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.compressCalls
}

// Suspend implements the Engine interface.
func (e *MockEngine) Suspend(save bool) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.suspendCalls++
	e.suspended = true
	e.saves = append(e.saves, save)
	return nil
}

// Resume implements the Engine interface.
func (e *MockEngine) Resume() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.resumeCalls++
	e.suspended = false
	return nil
}

// Stop implements the Engine interface.
func (e *MockEngine) Stop() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.stopped = true
	return nil
}

// Destroy implements the Engine interface; it closes the completion
// channel so the instance's subscription drains.
func (e *MockEngine) Destroy() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.destroyed {
		e.destroyed = true
		close(e.completions)
	}
	return nil
}

// SetReadOnly implements the Engine interface.
func (e *MockEngine) SetReadOnly(code int) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.readOnly = code
}

// ReadOnlyCode returns the latched read-only code, zero if none.
func (e *MockEngine) ReadOnlyCode() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.readOnly
}

// IsSuspended reports whether the engine is suspended.
func (e *MockEngine) IsSuspended() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.suspended
}

// SuspendSaves returns the save flags passed to Suspend, in order.
func (e *MockEngine) SuspendSaves() []bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]bool(nil), e.saves...)
}

// PrepareGrowLogical implements the Engine interface.
func (e *MockEngine) PrepareGrowLogical(n uint64) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.preparedLogical = n
	return nil
}

// GrowLogical implements the Engine interface.
func (e *MockEngine) GrowLogical(n uint64) error {
	return nil
}

// PrepareGrowPhysical implements the Engine interface.
func (e *MockEngine) PrepareGrowPhysical(n uint64) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.preparedPhysical = n
	return nil
}

// GrowPhysical implements the Engine interface.
func (e *MockEngine) GrowPhysical(n uint64) error {
	return nil
}

// MockBlockLayer is an in-memory BlockLayer with failure injection for
// the synchronous-flush paths.
type MockBlockLayer struct {
	mu        sync.Mutex
	blockSize int
	blocks    map[uint64][]byte

	flushCalls int
	interrupts int
	flushErr   error
}

// NewMockBlockLayer creates a layer with the given block size.
func NewMockBlockLayer(blockSize int) *MockBlockLayer {
	return &MockBlockLayer{
		blockSize: blockSize,
		blocks:    make(map[uint64][]byte),
	}
}

// NewMockBlockLayerWithGeometry creates a layer whose block 0 already
// holds the encoded geometry, the way a formatted backing device
// would.
func NewMockBlockLayerWithGeometry(blockSize int, g *Geometry) *MockBlockLayer {
	layer := NewMockBlockLayer(blockSize)
	block := make([]byte, blockSize)
	copy(block, g.Encode())
	layer.blocks[0] = block
	return layer
}

// BlockSize implements the BlockLayer interface.
func (l *MockBlockLayer) BlockSize() int {
	return l.blockSize
}

// ReadBlock implements the BlockLayer interface.
func (l *MockBlockLayer) ReadBlock(ctx context.Context, blockNumber uint64, buf []byte) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	block, ok := l.blocks[blockNumber]
	if !ok {
		for i := range buf {
			buf[i] = 0
		}
		return nil
	}
	copy(buf, block)
	return nil
}

// WriteBlock implements the BlockLayer interface.
func (l *MockBlockLayer) WriteBlock(ctx context.Context, blockNumber uint64, buf []byte) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	block := make([]byte, len(buf))
	copy(block, buf)
	l.blocks[blockNumber] = block
	return nil
}

// Flush implements the BlockLayer interface, honoring the injected
// interruptions and failure.
func (l *MockBlockLayer) Flush(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.flushCalls++
	if l.interrupts > 0 {
		l.interrupts--
		return ErrInterrupted
	}
	return l.flushErr
}

// Close implements the BlockLayer interface.
func (l *MockBlockLayer) Close() error {
	return nil
}

// FlushCount returns the number of Flush calls, interrupted included.
func (l *MockBlockLayer) FlushCount() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.flushCalls
}

// InterruptFlushes makes the next n Flush calls return ErrInterrupted.
func (l *MockBlockLayer) InterruptFlushes(n int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.interrupts = n
}

// FailFlushes makes Flush return err after any injected interrupts.
func (l *MockBlockLayer) FailFlushes(err error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.flushErr = err
}

// Compile-time interface checks
var (
	_ Engine     = (*MockEngine)(nil)
	_ BlockLayer = (*MockBlockLayer)(nil)
)
