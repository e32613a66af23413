package backend

import (
	"bytes"
	"context"
	"testing"
	"time"

	"github.com/vdo-kvdo/kvdo-front/internal/interfaces"
)

func waitCompletion(t *testing.T, e *MemEngine, id uint64) interfaces.Completion {
	t.Helper()
	select {
	case c := <-e.Completions():
		if c.RequestID != id {
			t.Fatalf("Expected completion for %d, got %d", id, c.RequestID)
		}
		return c
	case <-time.After(time.Second):
		t.Fatalf("no completion for request %d", id)
		return interfaces.Completion{}
	}
}

func TestMemEngineWriteIsVolatileUntilFlush(t *testing.T) {
	e := NewMemEngine(1<<20, 4096, 2, nil)
	defer e.Destroy()
	ctx := context.Background()

	payload := bytes.Repeat([]byte{0xab}, 4096)
	w := &interfaces.Request{ID: 1, Operation: interfaces.OpWrite, PayloadSize: 4096, Offset: 8192, Payload: payload}
	if err := e.Submit(ctx, w, interfaces.PermitBundle{RequestPermit: true}); err != nil {
		t.Fatal(err)
	}
	c := waitCompletion(t, e, 1)
	if c.Result != 0 || !c.Permits.RequestPermit {
		t.Fatalf("Unexpected completion %+v", c)
	}

	// Acknowledged but not yet durable.
	durable := make([]byte, 4096)
	e.ReadDurable(durable, 8192)
	if bytes.Equal(durable, payload) {
		t.Fatal("write became durable without a flush")
	}

	// Reads see the overlay.
	readBuf := make([]byte, 4096)
	r := &interfaces.Request{ID: 2, Operation: interfaces.OpRead, PayloadSize: 4096, Offset: 8192, Payload: readBuf}
	if err := e.Submit(ctx, r, interfaces.PermitBundle{RequestPermit: true}); err != nil {
		t.Fatal(err)
	}
	waitCompletion(t, e, 2)
	if !bytes.Equal(readBuf, payload) {
		t.Fatal("read did not observe the acknowledged write")
	}

	f := &interfaces.Request{ID: 3, Operation: interfaces.OpFlush}
	if err := e.Submit(ctx, f, interfaces.PermitBundle{}); err != nil {
		t.Fatal(err)
	}
	c = waitCompletion(t, e, 3)
	if c.Route != interfaces.RouteFlushOwn {
		t.Fatalf("Expected flush route, got %s", c.Route)
	}

	e.ReadDurable(durable, 8192)
	if !bytes.Equal(durable, payload) {
		t.Fatal("flush did not make the write durable")
	}
}

func TestMemEngineCrashLosesUnflushedWrites(t *testing.T) {
	e := NewMemEngine(1<<20, 4096, 1, nil)
	defer e.Destroy()
	ctx := context.Background()

	payload := bytes.Repeat([]byte{0x5a}, 4096)
	w := &interfaces.Request{ID: 1, Operation: interfaces.OpWrite, PayloadSize: 4096, Offset: 0, Payload: payload}
	if err := e.Submit(ctx, w, interfaces.PermitBundle{RequestPermit: true}); err != nil {
		t.Fatal(err)
	}
	waitCompletion(t, e, 1)

	e.DropVolatile()
	durable := make([]byte, 4096)
	e.ReadDurable(durable, 0)
	if bytes.Equal(durable, payload) {
		t.Fatal("unflushed write survived the crash")
	}
}

func TestMemEngineReadOnlyFailsWrites(t *testing.T) {
	e := NewMemEngine(1<<20, 4096, 1, nil)
	defer e.Destroy()
	ctx := context.Background()

	e.SetReadOnly(1024)
	w := &interfaces.Request{ID: 1, Operation: interfaces.OpWrite, PayloadSize: 4096, Payload: make([]byte, 4096)}
	if err := e.Submit(ctx, w, interfaces.PermitBundle{RequestPermit: true}); err != nil {
		t.Fatal(err)
	}
	if c := waitCompletion(t, e, 1); c.Result != 1024 {
		t.Fatalf("Expected read-only result 1024, got %d", c.Result)
	}

	// Reads still succeed.
	r := &interfaces.Request{ID: 2, Operation: interfaces.OpRead, PayloadSize: 4096, Payload: make([]byte, 4096)}
	if err := e.Submit(ctx, r, interfaces.PermitBundle{RequestPermit: true}); err != nil {
		t.Fatal(err)
	}
	if c := waitCompletion(t, e, 2); c.Result != 0 {
		t.Fatalf("Expected read to succeed, got %d", c.Result)
	}
}

func TestMemEngineWorkerPoolMembership(t *testing.T) {
	e := NewMemEngine(1<<20, 4096, 1, nil)
	defer e.Destroy()

	if e.WorkerPoolContains(context.Background()) {
		t.Error("plain context must not test as a worker")
	}
	if !e.WorkerPoolContains(e.WorkerContext(context.Background())) {
		t.Error("marked context must test as a worker")
	}

	other := NewMemEngine(1<<20, 4096, 1, nil)
	defer other.Destroy()
	if e.WorkerPoolContains(other.WorkerContext(context.Background())) {
		t.Error("another engine's worker context must not match")
	}
}

func TestMemEngineGrowRequiresPrepare(t *testing.T) {
	e := NewMemEngine(1<<20, 4096, 1, nil)
	defer e.Destroy()

	if err := e.GrowPhysical(512); err == nil {
		t.Fatal("grow without prepare should fail")
	}
	if err := e.PrepareGrowPhysical(512); err != nil {
		t.Fatal(err)
	}
	if err := e.GrowPhysical(512); err != nil {
		t.Fatal(err)
	}
}
