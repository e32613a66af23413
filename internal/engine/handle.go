// Package engine holds the engine-side glue the front-end provides:
// the weak back-reference an engine keeps to its owning instance and
// the default block-layer implementation used for geometry reads and
// synchronous flush barriers.
package engine

import "sync"

// InstanceRef is the narrow view of an instance an engine may hold.
type InstanceRef interface {
	PoolName() string
}

// Handle is the weak back-reference from an engine to its instance.
// Ownership flows one way: the instance owns the engine, so the handle
// is cleared when the instance goes away and engines must tolerate an
// empty handle at any time.
type Handle struct {
	mu    sync.RWMutex
	owner InstanceRef
}

// Bind points the handle at its owning instance.
func (h *Handle) Bind(owner InstanceRef) {
	h.mu.Lock()
	h.owner = owner
	h.mu.Unlock()
}

// Release clears the handle.
func (h *Handle) Release() {
	h.mu.Lock()
	h.owner = nil
	h.mu.Unlock()
}

// Get returns the owning instance, if still bound.
func (h *Handle) Get() (InstanceRef, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.owner, h.owner != nil
}
