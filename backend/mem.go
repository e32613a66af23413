// Package backend provides reference engine implementations for
// testing and demos.
package backend

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/vdo-kvdo/kvdo-front/internal/interfaces"
	"github.com/vdo-kvdo/kvdo-front/internal/logging"
)

// ShardSize is the size of each memory shard (64KB). Sharded locking
// lets reads from multiple worker threads proceed in parallel while
// keeping lock overhead reasonable.
const ShardSize = 64 * 1024

// ErrStopped is returned by Submit after the engine has stopped.
var ErrStopped = errors.New("backend: engine stopped")

type workerKey struct{}

// MemEngine is a RAM-backed engine with real durability semantics: a
// write completes into a volatile overlay, and only a flush (or a
// Suspend that saves) folds the overlay into the durable store.
// DropVolatile simulates a crash, so
// tests can verify that everything acknowledged before a flush
// survives one.
type MemEngine struct {
	durable *memStore

	mu       sync.Mutex
	volatile map[int64][]byte

	tasks       chan func(ctx context.Context)
	completions chan interfaces.Completion
	wg          sync.WaitGroup

	compressing atomic.Bool
	readOnly    atomic.Int64
	suspended   atomic.Bool
	stopped     atomic.Bool
	destroyed   atomic.Bool

	flushesProcessed atomic.Uint64

	logicalBytes     atomic.Uint64
	physicalBlocks   atomic.Uint64
	preparedLogical  atomic.Uint64
	preparedPhysical atomic.Uint64

	blockSize int64
	logger    *logging.Logger
}

// NewMemEngine creates an engine over size bytes of RAM with the
// given worker count.
func NewMemEngine(size int64, blockSize int, workers int, logger *logging.Logger) *MemEngine {
	if workers <= 0 {
		workers = 1
	}
	if blockSize <= 0 {
		blockSize = 4096
	}
	if logger == nil {
		logger = logging.Default()
	}
	e := &MemEngine{
		durable:     newMemStore(size),
		volatile:    make(map[int64][]byte),
		tasks:       make(chan func(ctx context.Context), 256),
		completions: make(chan interfaces.Completion, 256),
		blockSize:   int64(blockSize),
		logger:      logger,
	}
	e.logicalBytes.Store(uint64(size))
	e.physicalBlocks.Store(uint64(size / int64(blockSize)))
	for i := 0; i < workers; i++ {
		e.wg.Add(1)
		go e.worker()
	}
	return e
}

// worker runs queued operations under a context marked as belonging
// to this engine's pool, so re-entrant submissions are detectable.
func (e *MemEngine) worker() {
	defer e.wg.Done()
	ctx := context.WithValue(context.Background(), workerKey{}, e)
	for fn := range e.tasks {
		fn(ctx)
	}
}

// WorkerPoolContains implements the Engine interface.
func (e *MemEngine) WorkerPoolContains(ctx context.Context) bool {
	return ctx.Value(workerKey{}) == e
}

// WorkerContext marks an outside context as one of this engine's
// worker contexts; tests use it to exercise the re-entrant path.
func (e *MemEngine) WorkerContext(ctx context.Context) context.Context {
	return context.WithValue(ctx, workerKey{}, e)
}

// Submit implements the Engine interface. After Destroy the completion
// channel is closed, so a request submitted then gets ErrStopped and
// no completion.
func (e *MemEngine) Submit(ctx context.Context, req *interfaces.Request, permits interfaces.PermitBundle) error {
	if e.stopped.Load() {
		if e.destroyed.Load() {
			return ErrStopped
		}
		// A completion is still owed, carrying an error result.
		e.publish(req, permits, 1)
		return ErrStopped
	}
	e.tasks <- func(workerCtx context.Context) {
		e.process(workerCtx, req, permits)
	}
	return nil
}

func (e *MemEngine) process(ctx context.Context, req *interfaces.Request, permits interfaces.PermitBundle) {
	result := 0
	switch {
	case req.Operation == interfaces.OpFlush || req.PreFlush:
		e.foldVolatile()
		e.flushesProcessed.Add(1)
	case req.Operation == interfaces.OpRead:
		result = e.read(req)
	case e.readOnly.Load() != 0:
		result = int(e.readOnly.Load())
	case req.Operation == interfaces.OpWrite:
		result = e.write(req)
	case req.Operation == interfaces.OpDiscard:
		result = e.discard(req)
	}
	e.publish(req, permits, result)
}

func (e *MemEngine) publish(req *interfaces.Request, permits interfaces.PermitBundle, result int) {
	route := interfaces.RouteData
	switch {
	case req.Operation == interfaces.OpFlush || req.PreFlush:
		route = interfaces.RouteFlushOwn
	case req.Operation == interfaces.OpDiscard:
		route = interfaces.RouteDiscard
	}
	e.completions <- interfaces.Completion{
		RequestID: req.ID,
		Route:     route,
		Result:    result,
		Permits:   permits,
	}
}

func (e *MemEngine) read(req *interfaces.Request) int {
	if req.Offset+req.PayloadSize > int64(e.logicalBytes.Load()) {
		return 1
	}
	e.mu.Lock()
	overlay, ok := e.volatile[req.Offset]
	if ok {
		copy(req.Payload, overlay)
	}
	e.mu.Unlock()
	if !ok {
		e.durable.readAt(req.Payload, req.Offset)
	}
	return 0
}

func (e *MemEngine) write(req *interfaces.Request) int {
	if req.Offset+req.PayloadSize > int64(e.logicalBytes.Load()) {
		return 1
	}
	block := make([]byte, len(req.Payload))
	copy(block, req.Payload)
	e.mu.Lock()
	e.volatile[req.Offset] = block
	e.mu.Unlock()
	return 0
}

func (e *MemEngine) discard(req *interfaces.Request) int {
	if req.Offset+req.PayloadSize > int64(e.logicalBytes.Load()) {
		return 1
	}
	e.mu.Lock()
	e.volatile[req.Offset] = make([]byte, req.PayloadSize)
	e.mu.Unlock()
	return 0
}

// foldVolatile makes every acknowledged write durable.
func (e *MemEngine) foldVolatile() {
	e.mu.Lock()
	overlay := e.volatile
	e.volatile = make(map[int64][]byte)
	e.mu.Unlock()
	for offset, block := range overlay {
		e.durable.writeAt(block, offset)
	}
}

// DropVolatile simulates a crash: everything not yet flushed is lost.
func (e *MemEngine) DropVolatile() {
	e.mu.Lock()
	e.volatile = make(map[int64][]byte)
	e.mu.Unlock()
}

// ReadDurable reads the durable store directly, bypassing the
// overlay; recovery checks use it.
func (e *MemEngine) ReadDurable(buf []byte, offset int64) {
	e.durable.readAt(buf, offset)
}

// FlushesProcessed returns how many flushes the workers have folded.
func (e *MemEngine) FlushesProcessed() uint64 {
	return e.flushesProcessed.Load()
}

// Completions implements the Engine interface.
func (e *MemEngine) Completions() <-chan interfaces.Completion {
	return e.completions
}

// SetCompressing implements the Engine interface.
func (e *MemEngine) SetCompressing(enabled bool) bool {
	return e.compressing.Swap(enabled)
}

// Suspend implements the Engine interface; saving folds the overlay
// so everything acknowledged is durable across the suspension.
func (e *MemEngine) Suspend(save bool) error {
	if save {
		e.foldVolatile()
	}
	e.suspended.Store(true)
	return nil
}

// Resume implements the Engine interface.
func (e *MemEngine) Resume() error {
	e.suspended.Store(false)
	return nil
}

// IsSuspended reports whether the engine is suspended.
func (e *MemEngine) IsSuspended() bool {
	return e.suspended.Load()
}

// Stop implements the Engine interface.
func (e *MemEngine) Stop() error {
	e.stopped.Store(true)
	return nil
}

// Destroy implements the Engine interface: the workers drain and the
// completion channel closes.
func (e *MemEngine) Destroy() error {
	if !e.destroyed.CompareAndSwap(false, true) {
		return nil
	}
	e.stopped.Store(true)
	close(e.tasks)
	e.wg.Wait()
	close(e.completions)
	return nil
}

// SetReadOnly implements the Engine interface.
func (e *MemEngine) SetReadOnly(code int) {
	e.readOnly.Store(int64(code))
	e.logger.Warn("engine latched read-only", "code", code)
}

// PrepareGrowLogical implements the Engine interface.
func (e *MemEngine) PrepareGrowLogical(n uint64) error {
	e.preparedLogical.Store(n)
	return nil
}

// GrowLogical implements the Engine interface.
func (e *MemEngine) GrowLogical(n uint64) error {
	if e.preparedLogical.Load() != n {
		return fmt.Errorf("backend: grow logical to %d without prepare", n)
	}
	e.logicalBytes.Store(n * uint64(e.blockSize))
	e.preparedLogical.Store(0)
	return nil
}

// PrepareGrowPhysical implements the Engine interface.
func (e *MemEngine) PrepareGrowPhysical(n uint64) error {
	e.preparedPhysical.Store(n)
	return nil
}

// GrowPhysical implements the Engine interface.
func (e *MemEngine) GrowPhysical(n uint64) error {
	if e.preparedPhysical.Load() != n {
		return fmt.Errorf("backend: grow physical to %d without prepare", n)
	}
	e.durable.resize(int64(n) * e.blockSize)
	e.physicalBlocks.Store(n)
	e.preparedPhysical.Store(0)
	return nil
}

var _ interfaces.Engine = (*MemEngine)(nil)

// memStore is the durable RAM store with sharded locking.
type memStore struct {
	mu     sync.Mutex // guards resize
	data   []byte
	size   int64
	shards []sync.RWMutex
}

func newMemStore(size int64) *memStore {
	numShards := (size + ShardSize - 1) / ShardSize
	return &memStore{
		data:   make([]byte, size),
		size:   size,
		shards: make([]sync.RWMutex, numShards),
	}
}

// shardRange returns the range of shards that cover [off, off+len)
func (m *memStore) shardRange(off, length int64) (start, end int) {
	start = int(off / ShardSize)
	end = int((off + length - 1) / ShardSize)
	if end >= len(m.shards) {
		end = len(m.shards) - 1
	}
	return start, end
}

func (m *memStore) readAt(p []byte, off int64) {
	if off >= m.size {
		return
	}
	if off+int64(len(p)) > m.size {
		p = p[:m.size-off]
	}
	start, end := m.shardRange(off, int64(len(p)))
	for i := start; i <= end; i++ {
		m.shards[i].RLock()
	}
	copy(p, m.data[off:off+int64(len(p))])
	for i := end; i >= start; i-- {
		m.shards[i].RUnlock()
	}
}

func (m *memStore) writeAt(p []byte, off int64) {
	if off >= m.size {
		return
	}
	if off+int64(len(p)) > m.size {
		p = p[:m.size-off]
	}
	start, end := m.shardRange(off, int64(len(p)))
	for i := start; i <= end; i++ {
		m.shards[i].Lock()
	}
	copy(m.data[off:off+int64(len(p))], p)
	for i := end; i >= start; i-- {
		m.shards[i].Unlock()
	}
}

func (m *memStore) resize(newSize int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if newSize <= m.size {
		return
	}
	grown := make([]byte, newSize)
	copy(grown, m.data)
	m.data = grown
	m.size = newSize
	numShards := (newSize + ShardSize - 1) / ShardSize
	for int64(len(m.shards)) < numShards {
		m.shards = append(m.shards, sync.RWMutex{})
	}
}
