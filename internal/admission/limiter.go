// Package admission implements the request-admission front-end: the
// counted-semaphore limiter, the deadlock-avoidance queue, the request
// classifier and the admission controller that ties them together.
package admission

import (
	"container/list"
	"context"
	"sync"
)

// Limiter is a counted semaphore bounding in-flight work. Blocked
// acquirers are served in FIFO order; releases hand permits directly to
// the oldest waiter so a poll can never starve a parked caller.
//
// At quiescence outstanding + free == limit.
type Limiter struct {
	mu      sync.Mutex
	limit   int
	free    int
	waiters *list.List // of chan struct{}, oldest first
	idlers  []chan struct{}
}

// NewLimiter creates a limiter with the given capacity.
func NewLimiter(limit int) *Limiter {
	return &Limiter{
		limit:   limit,
		free:    limit,
		waiters: list.New(),
	}
}

// Limit returns the configured capacity.
func (l *Limiter) Limit() int {
	return l.limit
}

// Outstanding returns the number of permits currently held.
func (l *Limiter) Outstanding() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.limit - l.free
}

// AcquirePoll attempts a non-blocking acquire. It fails when no
// capacity is free or when older callers are already parked.
func (l *Limiter) AcquirePoll() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.free == 0 || l.waiters.Len() > 0 {
		return false
	}
	l.free--
	return true
}

// AcquireBlocking acquires one permit, parking the caller until a
// release occurs. Parked callers are granted permits in arrival order.
func (l *Limiter) AcquireBlocking(ctx context.Context) error {
	l.mu.Lock()
	if l.free > 0 && l.waiters.Len() == 0 {
		l.free--
		l.mu.Unlock()
		return nil
	}
	grant := make(chan struct{})
	elem := l.waiters.PushBack(grant)
	l.mu.Unlock()

	select {
	case <-grant:
		return nil
	case <-ctx.Done():
		l.mu.Lock()
		select {
		case <-grant:
			// A release granted the permit before the caller could
			// withdraw; give it back so the count stays balanced.
			l.releaseLocked(1)
		default:
			l.waiters.Remove(elem)
		}
		l.mu.Unlock()
		return ctx.Err()
	}
}

// ReleaseOne returns a single permit.
func (l *Limiter) ReleaseOne() {
	l.ReleaseMany(1)
}

// ReleaseMany returns n permits, waking at most n parked waiters. Safe
// to call from any context, including completion callbacks.
func (l *Limiter) ReleaseMany(n int) {
	if n <= 0 {
		return
	}
	l.mu.Lock()
	l.releaseLocked(n)
	l.mu.Unlock()
}

func (l *Limiter) releaseLocked(n int) {
	for n > 0 {
		front := l.waiters.Front()
		if front == nil {
			break
		}
		l.waiters.Remove(front)
		// Hand the permit straight to the oldest waiter; the free
		// count is untouched because ownership transfers directly.
		close(front.Value.(chan struct{}))
		n--
	}
	if n > 0 {
		l.free += n
		if l.free > l.limit {
			panic("admission: limiter released more permits than acquired")
		}
	}
	if l.free == l.limit {
		for _, ch := range l.idlers {
			close(ch)
		}
		l.idlers = nil
	}
}

// IsIdle reports whether no permits are outstanding.
func (l *Limiter) IsIdle() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.free == l.limit
}

// WaitForIdle blocks until no permits are outstanding at some instant
// after the call started. The caller must stop new admissions first or
// the wait may never end.
func (l *Limiter) WaitForIdle(ctx context.Context) error {
	l.mu.Lock()
	if l.free == l.limit {
		l.mu.Unlock()
		return nil
	}
	ch := make(chan struct{})
	l.idlers = append(l.idlers, ch)
	l.mu.Unlock()

	select {
	case <-ch:
		return nil
	case <-ctx.Done():
		l.mu.Lock()
		for i, c := range l.idlers {
			if c == ch {
				l.idlers = append(l.idlers[:i], l.idlers[i+1:]...)
				break
			}
		}
		l.mu.Unlock()
		return ctx.Err()
	}
}
