// Package workqueue provides the small named worker pools an instance
// creates at each init level. Teardown is two-phase: Finish drains a
// queue at its own level, Free releases it only after all higher-level
// teardown completes, because draining work items may still reference
// lower-level resources.
package workqueue

import (
	"errors"
	"sync"

	"github.com/vdo-kvdo/kvdo-front/internal/logging"
)

// ErrFinished is returned by Submit after Finish has begun.
var ErrFinished = errors.New("workqueue: queue finished")

// Queue runs submitted functions on a fixed set of workers.
type Queue struct {
	name   string
	tasks  chan func()
	wg     sync.WaitGroup
	logger *logging.Logger

	mu       sync.Mutex
	finished bool
	freed    bool
}

// New starts a queue with the given worker count and submission depth.
func New(name string, workers, depth int, logger *logging.Logger) *Queue {
	if workers <= 0 {
		workers = 1
	}
	if depth <= 0 {
		depth = 64
	}
	if logger == nil {
		logger = logging.Default()
	}
	q := &Queue{
		name:   name,
		tasks:  make(chan func(), depth),
		logger: logger,
	}
	for i := 0; i < workers; i++ {
		q.wg.Add(1)
		go q.worker()
	}
	return q
}

func (q *Queue) worker() {
	defer q.wg.Done()
	for fn := range q.tasks {
		fn()
	}
}

// Name returns the queue's name.
func (q *Queue) Name() string {
	return q.name
}

// Submit enqueues fn, blocking when the queue is full.
func (q *Queue) Submit(fn func()) error {
	q.mu.Lock()
	if q.finished {
		q.mu.Unlock()
		return ErrFinished
	}
	q.mu.Unlock()
	q.tasks <- fn
	return nil
}

// Finish stops intake and waits for every queued item to run. The
// queue's memory stays live until Free.
func (q *Queue) Finish() {
	q.mu.Lock()
	if q.finished {
		q.mu.Unlock()
		return
	}
	q.finished = true
	q.mu.Unlock()

	close(q.tasks)
	q.wg.Wait()
	q.logger.Debug("workqueue drained", "queue", q.name)
}

// Free releases the queue. It must follow Finish; freeing an undrained
// queue is a programming error.
func (q *Queue) Free() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if !q.finished {
		panic("workqueue: Free before Finish on " + q.name)
	}
	if q.freed {
		return
	}
	q.freed = true
	q.tasks = nil
}
