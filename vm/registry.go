package vm

import (
	"sync"
	"sync/atomic"
)

// ---------------------------------------------------------------------------
// Context registry
// ---------------------------------------------------------------------------

// Registry is the process-wide table of live contexts. It is the one
// structure genuinely shared across all contexts, so it carries its own
// synchronization; it is passed explicitly to whoever needs it rather than
// living in a package global.
type Registry struct {
	mu       sync.RWMutex
	contexts map[ContextID]*VmContext
	nextID   atomic.Uint64
}

// NewRegistry creates an empty registry. Ids start at 1 so a zero ContextID
// always means "no context".
func NewRegistry() *Registry {
	return &Registry{contexts: make(map[ContextID]*VmContext)}
}

// Create allocates a context (heap, governor, capability set) and registers
// it atomically. Concurrent creations never collide on ids.
func (r *Registry) Create(limits ResourceLimits) *VmContext {
	id := ContextID(r.nextID.Add(1))
	ctx := newVmContext(id, limits)
	r.mu.Lock()
	r.contexts[id] = ctx
	r.mu.Unlock()
	return ctx
}

// Get looks up a live context.
func (r *Registry) Get(id ContextID) (*VmContext, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ctx, ok := r.contexts[id]
	return ctx, ok
}

// Remove deregisters a context. Returns false for unknown ids.
func (r *Registry) Remove(id ContextID) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.contexts[id]; !ok {
		return false
	}
	delete(r.contexts, id)
	return true
}

// Len returns the number of live contexts.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.contexts)
}

// IDs returns the ids of all live contexts.
func (r *Registry) IDs() []ContextID {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]ContextID, 0, len(r.contexts))
	for id := range r.contexts {
		ids = append(ids, id)
	}
	return ids
}
