package admission

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vdo-kvdo/kvdo-front/internal/interfaces"
)

type ctxKey struct{}

// testEngine records hand-offs and lets tests drive completions.
type testEngine struct {
	mu        sync.Mutex
	submitted []interfaces.PermitBundle
	requests  []*interfaces.Request
	ch        chan interfaces.Completion
}

func newTestEngine() *testEngine {
	return &testEngine{ch: make(chan interfaces.Completion, 64)}
}

func (e *testEngine) Submit(ctx context.Context, req *interfaces.Request, permits interfaces.PermitBundle) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.submitted = append(e.submitted, permits)
	e.requests = append(e.requests, req)
	return nil
}

func (e *testEngine) Completions() <-chan interfaces.Completion { return e.ch }
func (e *testEngine) SetCompressing(enabled bool) bool          { return false }
func (e *testEngine) Suspend(save bool) error                   { return nil }
func (e *testEngine) Resume() error                             { return nil }
func (e *testEngine) Stop() error                               { return nil }
func (e *testEngine) Destroy() error                            { return nil }
func (e *testEngine) SetReadOnly(code int)                      {}
func (e *testEngine) PrepareGrowLogical(n uint64) error         { return nil }
func (e *testEngine) GrowLogical(n uint64) error                { return nil }
func (e *testEngine) PrepareGrowPhysical(n uint64) error        { return nil }
func (e *testEngine) GrowPhysical(n uint64) error               { return nil }

func (e *testEngine) WorkerPoolContains(ctx context.Context) bool {
	return ctx.Value(ctxKey{}) == e
}

func (e *testEngine) workerContext() context.Context {
	return context.WithValue(context.Background(), ctxKey{}, e)
}

func (e *testEngine) handOffs() []interfaces.PermitBundle {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]interfaces.PermitBundle(nil), e.submitted...)
}

func newTestController(e *testEngine, requestLimit, discardLimit int) *Controller {
	return NewController(ControllerConfig{
		RequestLimit: requestLimit,
		DiscardLimit: discardLimit,
		Engine:       e,
		Running:      func() bool { return true },
		Flush: func(ctx context.Context, req *interfaces.Request) (interfaces.DispatchOutcome, error) {
			return interfaces.OutcomeRemapped, nil
		},
	})
}

func dataWrite(id uint64) *interfaces.Request {
	return &interfaces.Request{ID: id, Operation: interfaces.OpWrite, PayloadSize: 4096}
}

func TestControllerRejectsWhenNotRunning(t *testing.T) {
	e := newTestEngine()
	c := NewController(ControllerConfig{
		RequestLimit: 4,
		DiscardLimit: 3,
		Engine:       e,
		Running:      func() bool { return false },
	})

	outcome, err := c.Submit(context.Background(), dataWrite(1))
	require.ErrorIs(t, err, ErrNotRunning)
	assert.Equal(t, interfaces.OutcomeError, outcome)
	assert.Empty(t, e.handOffs())
}

func TestControllerRejectsInvalidRequest(t *testing.T) {
	e := newTestEngine()
	c := newTestController(e, 4, 3)

	outcome, err := c.Submit(context.Background(), &interfaces.Request{Operation: interfaces.OpWrite})
	require.ErrorIs(t, err, ErrInvalidRequest)
	assert.Equal(t, interfaces.OutcomeError, outcome)
	assert.Equal(t, 4, c.RequestLimiter().Limit()-c.RequestLimiter().Outstanding(),
		"rejection must not consume a permit")
}

func TestControllerRoutesFlushes(t *testing.T) {
	e := newTestEngine()
	c := newTestController(e, 4, 3)

	outcome, err := c.Submit(context.Background(), &interfaces.Request{ID: 9, Operation: interfaces.OpFlush})
	require.NoError(t, err)
	assert.Equal(t, interfaces.OutcomeRemapped, outcome)
	assert.Empty(t, e.handOffs(), "flushes bypass the limiters")
}

func TestControllerBlockingBackpressure(t *testing.T) {
	e := newTestEngine()
	c := newTestController(e, 4, 3)
	ctx := context.Background()

	for i := 0; i < 4; i++ {
		outcome, err := c.Submit(ctx, dataWrite(uint64(i+1)))
		require.NoError(t, err)
		require.Equal(t, interfaces.OutcomeSubmitted, outcome)
	}

	unblocked := make(chan struct{})
	go func() {
		outcome, err := c.Submit(ctx, dataWrite(5))
		assert.NoError(t, err)
		assert.Equal(t, interfaces.OutcomeSubmitted, outcome)
		close(unblocked)
	}()

	select {
	case <-unblocked:
		t.Fatal("fifth submit should have blocked at the limit")
	case <-time.After(20 * time.Millisecond):
	}

	c.CompleteBatch(1)
	select {
	case <-unblocked:
	case <-time.After(time.Second):
		t.Fatal("completion did not unblock the waiting submit")
	}
	assert.Len(t, e.handOffs(), 5)
}

func TestControllerReentrancyDeferral(t *testing.T) {
	e := newTestEngine()
	c := newTestController(e, 1, 1)

	// One write in flight holds the only permit.
	outcome, err := c.Submit(context.Background(), dataWrite(1))
	require.NoError(t, err)
	require.Equal(t, interfaces.OutcomeSubmitted, outcome)

	// A second write from an engine worker context must not block.
	done := make(chan interfaces.DispatchOutcome, 1)
	go func() {
		out, err := c.Submit(e.workerContext(), dataWrite(2))
		assert.NoError(t, err)
		done <- out
	}()

	select {
	case out := <-done:
		assert.Equal(t, interfaces.OutcomeSubmitted, out)
	case <-time.After(time.Second):
		t.Fatal("worker-context submit blocked")
	}
	assert.Equal(t, 1, c.DeferredCount())
	assert.Len(t, e.handOffs(), 1, "deferred request must not reach the engine yet")

	// Completing the first write relaunches the deferral; the permit
	// transfers, so the limiter stays exhausted.
	c.CompleteBatch(1)
	assert.Equal(t, 0, c.DeferredCount())
	assert.Len(t, e.handOffs(), 2)
	assert.False(t, c.RequestLimiter().AcquirePoll(), "limiter should remain at 0 free")
	assert.Equal(t, 1, c.RequestLimiter().Outstanding())
}

func TestControllerReentrantOnlyWithWorkerContext(t *testing.T) {
	e := newTestEngine()
	c := newTestController(e, 1, 1)

	require.True(t, c.RequestLimiter().AcquirePoll()) // exhaust

	// Plain context: would block, so run with cancel and expect no deferral.
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := c.Submit(ctx, dataWrite(1))
	require.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, 0, c.DeferredCount(), "non-worker submit must never use the deadlock queue")
}

func TestControllerDiscardPermits(t *testing.T) {
	e := newTestEngine()
	c := newTestController(e, 4, 2)
	discard := &interfaces.Request{ID: 1, Operation: interfaces.OpDiscard, PayloadSize: 4096}

	outcome, err := c.Submit(context.Background(), discard)
	require.NoError(t, err)
	require.Equal(t, interfaces.OutcomeSubmitted, outcome)

	offs := e.handOffs()
	require.Len(t, offs, 1)
	assert.True(t, offs[0].RequestPermit)
	assert.True(t, offs[0].DiscardPermit)
	assert.Equal(t, 1, c.DiscardLimiter().Outstanding())

	// Exhaust the discard limiter; a reentrant discard proceeds
	// without its permit rather than blocking a worker.
	require.True(t, c.DiscardLimiter().AcquirePoll())
	outcome, err = c.Submit(e.workerContext(), &interfaces.Request{ID: 2, Operation: interfaces.OpDiscard, PayloadSize: 4096})
	require.NoError(t, err)
	require.Equal(t, interfaces.OutcomeSubmitted, outcome)

	offs = e.handOffs()
	require.Len(t, offs, 2)
	assert.True(t, offs[1].RequestPermit)
	assert.False(t, offs[1].DiscardPermit, "best-effort discard permit should be skipped when exhausted")
}

func TestControllerCompleteBatchReturnsRemainder(t *testing.T) {
	e := newTestEngine()
	c := newTestController(e, 4, 3)

	for i := 0; i < 3; i++ {
		_, err := c.Submit(context.Background(), dataWrite(uint64(i+1)))
		require.NoError(t, err)
	}
	require.Equal(t, 3, c.RequestLimiter().Outstanding())

	c.CompleteBatch(3)
	assert.Equal(t, 0, c.RequestLimiter().Outstanding())

	c.ReleaseDiscardPermits(0) // no-op must not panic
}
