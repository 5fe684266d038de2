package vm

import (
	"sync"

	"github.com/kestrelvm/kestrel/wire"
)

// ---------------------------------------------------------------------------
// Capability set
// ---------------------------------------------------------------------------

// Handler is a host-provided function a context may be granted. Arguments
// and results cross the boundary in wire form only; a handler never sees a
// live heap pointer. A handler may itself be another sandbox's entry point
// (see Sandbox.EntryHandler), which makes cross-sandbox composition
// indistinguishable from an ordinary cross-context call.
type Handler func(args []wire.Value) (wire.Value, error)

// CapabilitySet is a context's name→handler allowlist. Capabilities are
// never inherited: a child context starts empty and must be granted each
// one explicitly.
type CapabilitySet struct {
	mu       sync.RWMutex
	handlers map[string]Handler
	revoked  map[string]struct{}
}

// NewCapabilitySet creates an empty capability set.
func NewCapabilitySet() *CapabilitySet {
	return &CapabilitySet{
		handlers: make(map[string]Handler),
		revoked:  make(map[string]struct{}),
	}
}

// Register grants a capability. Re-registering a revoked name grants it
// again.
func (c *CapabilitySet) Register(name string, h Handler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.handlers[name] = h
	delete(c.revoked, name)
}

// Revoke withdraws a capability. Future invocations fail with
// ErrCapabilityRevoked; an invocation already past its marshal-in step
// keeps the handler it resolved and is unaffected.
func (c *CapabilitySet) Revoke(name string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.handlers[name]; !ok {
		return false
	}
	delete(c.handlers, name)
	c.revoked[name] = struct{}{}
	return true
}

// Resolve returns the handler for name. The caller holds the returned
// handler for the duration of the call; revocation after Resolve does not
// retract it.
func (c *CapabilitySet) Resolve(name string) (Handler, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if h, ok := c.handlers[name]; ok {
		return h, nil
	}
	if _, ok := c.revoked[name]; ok {
		return nil, ErrCapabilityRevoked
	}
	return nil, ErrCapabilityNotFound
}

// Names returns the currently granted capability names.
func (c *CapabilitySet) Names() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	names := make([]string, 0, len(c.handlers))
	for name := range c.handlers {
		names = append(names, name)
	}
	return names
}
