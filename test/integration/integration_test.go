package integration

import (
	"bytes"
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	kvdo "github.com/vdo-kvdo/kvdo-front"
	"github.com/vdo-kvdo/kvdo-front/backend"
	"github.com/vdo-kvdo/kvdo-front/internal/registry"
)

const blockSize = kvdo.DefaultLogicalBlockSize

type fixture struct {
	inst      *kvdo.Instance
	engine    *backend.MemEngine
	completed *atomic.Int64
}

func newFixture(t *testing.T, pool string) *fixture {
	t.Helper()
	eng := backend.NewMemEngine(1<<22, blockSize, 2, nil)

	geometry := &kvdo.Geometry{
		ReleaseVersion: 1,
		Nonce:          42,
		Regions: [2]kvdo.VolumeRegion{
			{ID: kvdo.RegionIndex, StartBlock: 1},
			{ID: kvdo.RegionData, StartBlock: 1025},
		},
	}
	layer := kvdo.NewMockBlockLayerWithGeometry(blockSize, geometry)

	var completed atomic.Int64
	cfg := kvdo.Config{
		PoolName:         pool,
		ParentDeviceName: "/dev/" + pool,
		LogicalBlockSize: blockSize,
		LogicalBytes:     1 << 22,
		PhysicalBlocks:   1 << 10,
		RequestLimit:     32,
		ThreadCounts: kvdo.ThreadCounts{
			CPUThreads:    2,
			BioThreads:    2,
			BioAckThreads: 1,
		},
	}
	inst, err := kvdo.NewInstance(cfg, eng, layer, &kvdo.Options{
		Registry:   registry.New(),
		OnComplete: func(id uint64, code int) { completed.Add(1) },
	})
	require.NoError(t, err)
	require.NoError(t, inst.Preload())
	require.NoError(t, inst.Start())
	t.Cleanup(func() { _ = inst.Destroy(context.Background()) })

	return &fixture{inst: inst, engine: eng, completed: &completed}
}

func (f *fixture) submit(t *testing.T, req *kvdo.Request) {
	t.Helper()
	outcome, err := f.inst.Submit(context.Background(), req)
	require.NoError(t, err)
	require.Equal(t, kvdo.OutcomeSubmitted, outcome)
}

func (f *fixture) waitCompleted(t *testing.T, n int64) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if f.completed.Load() >= n {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("only %d of %d requests completed", f.completed.Load(), n)
}

func payload(fill byte) []byte {
	return bytes.Repeat([]byte{fill}, blockSize)
}

// An acknowledged write followed by a pre-flush barrier survives a
// crash that happens before the barrier is acknowledged.
func TestFlushOrderingAcrossCrash(t *testing.T) {
	f := newFixture(t, "vdo-crash")

	w1 := payload(0x11)
	f.submit(t, &kvdo.Request{ID: 1, Operation: kvdo.OpWrite, PayloadSize: blockSize, Offset: 0, Payload: w1})
	f.waitCompleted(t, 1)

	// The write is acknowledged but possibly still volatile.
	f.submit(t, &kvdo.Request{ID: 2, Operation: kvdo.OpWrite, PreFlush: true})

	// Crash once the engine has folded the barrier, whether or not
	// the host saw the acknowledgment yet.
	deadline := time.Now().Add(5 * time.Second)
	for f.engine.FlushesProcessed() == 0 {
		if !time.Now().Before(deadline) {
			t.Fatal("engine never processed the pre-flush")
		}
		time.Sleep(time.Millisecond)
	}
	f.engine.DropVolatile()

	recovered := make([]byte, blockSize)
	f.engine.ReadDurable(recovered, 0)
	assert.Equal(t, w1, recovered, "write acknowledged before the pre-flush must survive the crash")
}

// A full write/flush/read cycle through the running instance.
func TestWriteFlushReadCycle(t *testing.T) {
	f := newFixture(t, "vdo-cycle")

	const writes = 16
	for i := 0; i < writes; i++ {
		f.submit(t, &kvdo.Request{
			ID:          uint64(i + 1),
			Operation:   kvdo.OpWrite,
			PayloadSize: blockSize,
			Offset:      int64(i) * blockSize,
			Payload:     payload(byte(i + 1)),
		})
	}
	f.submit(t, &kvdo.Request{ID: writes + 1, Operation: kvdo.OpFlush})
	f.waitCompleted(t, writes+1)

	readBuf := make([]byte, blockSize)
	f.submit(t, &kvdo.Request{
		ID:          writes + 2,
		Operation:   kvdo.OpRead,
		PayloadSize: blockSize,
		Offset:      3 * blockSize,
		Payload:     readBuf,
	})
	f.waitCompleted(t, writes+2)
	assert.Equal(t, payload(4), readBuf)

	snap := f.inst.Metrics().Snapshot()
	assert.Equal(t, uint64(writes), snap.WriteOps)
	assert.Equal(t, uint64(1), snap.FlushOps)
	assert.Equal(t, uint64(1), snap.ReadOps)
}

// Suspend drains and persists; the workload continues after resume.
func TestSuspendResumeCycleWithEngine(t *testing.T) {
	f := newFixture(t, "vdo-sr")
	ctx := context.Background()

	f.submit(t, &kvdo.Request{ID: 1, Operation: kvdo.OpWrite, PayloadSize: blockSize, Offset: 0, Payload: payload(0x77)})
	f.waitCompleted(t, 1)

	require.NoError(t, f.inst.Suspend(ctx, false))
	assert.Equal(t, kvdo.StateSuspended, f.inst.State())
	assert.True(t, f.engine.IsSuspended())

	// The suspend persisted the acknowledged write.
	recovered := make([]byte, blockSize)
	f.engine.ReadDurable(recovered, 0)
	assert.Equal(t, payload(0x77), recovered)

	require.NoError(t, f.inst.Resume())
	assert.Equal(t, kvdo.StateRunning, f.inst.State())

	f.submit(t, &kvdo.Request{ID: 2, Operation: kvdo.OpWrite, PayloadSize: blockSize, Offset: blockSize, Payload: payload(0x78)})
	f.waitCompleted(t, 2)
}

// A re-entrant submission from a marked engine worker context defers
// instead of deadlocking the worker.
func TestReentrantSubmitFromEngineWorker(t *testing.T) {
	eng := backend.NewMemEngine(1<<22, blockSize, 1, nil)
	geometry := &kvdo.Geometry{
		Regions: [2]kvdo.VolumeRegion{{ID: kvdo.RegionIndex}, {ID: kvdo.RegionData}},
	}
	layer := kvdo.NewMockBlockLayerWithGeometry(blockSize, geometry)

	var completed atomic.Int64
	cfg := kvdo.Config{
		PoolName:         "vdo-reentry",
		ParentDeviceName: "/dev/vdo-reentry",
		LogicalBlockSize: blockSize,
		LogicalBytes:     1 << 22,
		RequestLimit:     1,
		ThreadCounts:     kvdo.ThreadCounts{CPUThreads: 1, BioThreads: 1},
	}
	inst, err := kvdo.NewInstance(cfg, eng, layer, &kvdo.Options{
		Registry:   registry.New(),
		OnComplete: func(id uint64, code int) { completed.Add(1) },
	})
	require.NoError(t, err)
	require.NoError(t, inst.Preload())
	require.NoError(t, inst.Start())
	t.Cleanup(func() { _ = inst.Destroy(context.Background()) })

	// Take the single permit, then submit from a marked context; the
	// second submit must return immediately either way the race with
	// the first completion goes.
	ctx := context.Background()
	outcome, err := inst.Submit(ctx, &kvdo.Request{ID: 1, Operation: kvdo.OpWrite, PayloadSize: blockSize, Payload: payload(1)})
	require.NoError(t, err)
	require.Equal(t, kvdo.OutcomeSubmitted, outcome)

	outcome, err = inst.Submit(eng.WorkerContext(ctx), &kvdo.Request{ID: 2, Operation: kvdo.OpWrite, PayloadSize: blockSize, Offset: blockSize, Payload: payload(2)})
	require.NoError(t, err)
	require.Equal(t, kvdo.OutcomeSubmitted, outcome, "worker-context submit must not block")

	// Both eventually complete: the first frees the permit, a
	// deferred second relaunches with it.
	deadline := time.Now().Add(5 * time.Second)
	for completed.Load() < 2 && time.Now().Before(deadline) {
		time.Sleep(2 * time.Millisecond)
	}
	assert.Equal(t, int64(2), completed.Load())
}
