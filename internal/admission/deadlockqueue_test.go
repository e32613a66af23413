package admission

import (
	"testing"

	"github.com/vdo-kvdo/kvdo-front/internal/interfaces"
)

func TestDeadlockQueueFIFO(t *testing.T) {
	q := NewDeadlockQueue()

	reqs := make([]*interfaces.Request, 5)
	for i := range reqs {
		reqs[i] = &interfaces.Request{ID: uint64(i + 1), Operation: interfaces.OpWrite, PayloadSize: 4096}
		q.Push(reqs[i], int64(100+i))
	}
	if q.Len() != 5 {
		t.Fatalf("Expected 5 queued, got %d", q.Len())
	}

	for i := range reqs {
		req, _, ok := q.Pop()
		if !ok {
			t.Fatalf("pop %d failed", i)
		}
		if req.ID != uint64(i+1) {
			t.Fatalf("FIFO violated: pop %d returned request %d", i, req.ID)
		}
	}
	if _, _, ok := q.Pop(); ok {
		t.Fatal("pop from empty queue should fail")
	}
}

func TestDeadlockQueueSharedArrivalStamp(t *testing.T) {
	q := NewDeadlockQueue()

	q.Push(&interfaces.Request{ID: 1}, 50)
	q.Push(&interfaces.Request{ID: 2}, 99)
	q.Push(&interfaces.Request{ID: 3}, 180)

	// Every entry in a burst reports the stamp of the oldest deferral.
	for i := 0; i < 3; i++ {
		_, arrival, ok := q.Pop()
		if !ok {
			t.Fatal("pop failed")
		}
		if arrival != 50 {
			t.Errorf("Expected shared arrival 50, got %d", arrival)
		}
	}

	// Draining to empty clears the stamp; the next burst is fresh.
	q.Push(&interfaces.Request{ID: 4}, 300)
	_, arrival, _ := q.Pop()
	if arrival != 300 {
		t.Errorf("Expected fresh arrival 300 after drain, got %d", arrival)
	}
}
