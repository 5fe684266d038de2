package vm

import (
	"sync"
	"sync/atomic"

	"github.com/kestrelvm/kestrel/wire"
)

// ---------------------------------------------------------------------------
// VmContext: one isolated virtual machine instance
// ---------------------------------------------------------------------------

// ContextID identifies a context. Process-unique, monotonically generated,
// never reused.
type ContextID uint64

// VmContext owns a heap, a governor, a capability set, a globals mapping,
// a loaded module, and the tasks it spawned. Contexts are a logical and
// security partition: they share the scheduler's workers with every other
// context, but no heap pointer ever crosses their boundary.
//
// Mutation discipline: task-visible state (heap, globals, mutexes) is
// touched only by workers executing this context's tasks; lifecycle state
// is touched only by the owning facade, with the draining flag making the
// two mutually exclusive.
type VmContext struct {
	id   ContextID
	gov  *Governor
	heap *Heap
	caps *CapabilitySet

	globalsMu sync.RWMutex
	globals   map[string]Value

	moduleMu sync.RWMutex
	module   Module

	tasksMu sync.RWMutex
	tasks   map[TaskID]*Task

	mutexes *mutexRegistry
	handles *handleTable

	// draining blocks new scheduling during teardown.
	draining atomic.Bool

	// gcPending asks this context's running tasks to park at their next
	// safepoint so a collection can run.
	gcPending atomic.Bool

	// runners counts workers currently executing this context's tasks.
	// A collection may start only once it drops to the collector's own
	// dispatch (or zero).
	runners atomic.Int32

	// gcMu serializes collections on this context.
	gcMu sync.Mutex

	collections atomic.Uint64
}

func newVmContext(id ContextID, limits ResourceLimits) *VmContext {
	gov := NewGovernor(limits)
	return &VmContext{
		id:      id,
		gov:     gov,
		heap:    NewHeap(id, gov),
		caps:    NewCapabilitySet(),
		globals: make(map[string]Value),
		tasks:   make(map[TaskID]*Task),
		mutexes: newMutexRegistry(),
		handles: newHandleTable(id),
	}
}

// ID returns the context id.
func (c *VmContext) ID() ContextID { return c.id }

// Heap returns the context's heap.
func (c *VmContext) Heap() *Heap { return c.heap }

// Governor returns the context's resource governor.
func (c *VmContext) Governor() *Governor { return c.gov }

// Capabilities returns the context's capability set.
func (c *VmContext) Capabilities() *CapabilitySet { return c.caps }

// Draining reports whether the context is shutting down.
func (c *VmContext) Draining() bool { return c.draining.Load() }

// Collections returns how many garbage collections this context has run.
func (c *VmContext) Collections() uint64 { return c.collections.Load() }

// ---------------------------------------------------------------------------
// Globals
// ---------------------------------------------------------------------------

// Global reads a global variable.
func (c *VmContext) Global(name string) (Value, bool) {
	c.globalsMu.RLock()
	defer c.globalsMu.RUnlock()
	v, ok := c.globals[name]
	return v, ok
}

// SetGlobal writes a global variable. The value must be owned by this
// context.
func (c *VmContext) SetGlobal(name string, v Value) {
	c.globalsMu.Lock()
	c.globals[name] = v
	c.globalsMu.Unlock()
}

// globalsSnapshot copies the globals map for root scanning and export.
func (c *VmContext) globalsSnapshot() map[string]Value {
	c.globalsMu.RLock()
	defer c.globalsMu.RUnlock()
	out := make(map[string]Value, len(c.globals))
	for k, v := range c.globals {
		out[k] = v
	}
	return out
}

// ---------------------------------------------------------------------------
// Module
// ---------------------------------------------------------------------------

// SetModule installs the decoded bytecode module.
func (c *VmContext) SetModule(m Module) {
	c.moduleMu.Lock()
	c.module = m
	c.moduleMu.Unlock()
}

// Module returns the loaded module, or nil.
func (c *VmContext) Module() Module {
	c.moduleMu.RLock()
	defer c.moduleMu.RUnlock()
	return c.module
}

// ---------------------------------------------------------------------------
// Task table
// ---------------------------------------------------------------------------

func (c *VmContext) addTask(t *Task) {
	c.tasksMu.Lock()
	c.tasks[t.id] = t
	c.tasksMu.Unlock()
}

// Task looks up a live task owned by this context.
func (c *VmContext) Task(id TaskID) (*Task, bool) {
	c.tasksMu.RLock()
	defer c.tasksMu.RUnlock()
	t, ok := c.tasks[id]
	return t, ok
}

// reapTask removes a terminal task from the table.
func (c *VmContext) reapTask(id TaskID) {
	c.tasksMu.Lock()
	delete(c.tasks, id)
	c.tasksMu.Unlock()
}

// liveTasks returns all tasks currently in the table.
func (c *VmContext) liveTasks() []*Task {
	c.tasksMu.RLock()
	defer c.tasksMu.RUnlock()
	out := make([]*Task, 0, len(c.tasks))
	for _, t := range c.tasks {
		out = append(out, t)
	}
	return out
}

// Mutex looks up a context-local mutex, for diagnostics and tests.
func (c *VmContext) Mutex(id MutexID) *TaskMutex {
	return c.mutexes.get(id)
}

// ---------------------------------------------------------------------------
// Foreign handles
// ---------------------------------------------------------------------------

// handleTable maps handle ids to values the owning context pinned for
// external reference. Pinned values are GC roots until released.
type handleTable struct {
	owner ContextID

	mu      sync.Mutex
	next    uint64
	entries map[uint64]Value
}

func newHandleTable(owner ContextID) *handleTable {
	return &handleTable{owner: owner, next: 1, entries: make(map[uint64]Value)}
}

func (h *handleTable) pin(v Value) wire.Handle {
	h.mu.Lock()
	defer h.mu.Unlock()
	id := h.next
	h.next++
	h.entries[id] = v
	return wire.Handle{Context: uint64(h.owner), ID: id}
}

func (h *handleTable) resolve(handle wire.Handle) (Value, error) {
	if ContextID(handle.Context) != h.owner {
		return Nil, ErrForeignHandle
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	v, ok := h.entries[handle.ID]
	if !ok {
		return Nil, ErrForeignHandle
	}
	return v, nil
}

func (h *handleTable) release(handle wire.Handle) bool {
	if ContextID(handle.Context) != h.owner {
		return false
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.entries[handle.ID]; !ok {
		return false
	}
	delete(h.entries, handle.ID)
	return true
}

func (h *handleTable) snapshot() []Value {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]Value, 0, len(h.entries))
	for _, v := range h.entries {
		out = append(out, v)
	}
	return out
}

// PinForeign pins a value for external reference and returns its handle.
// Exposed for capability handlers that hand out references to context-owned
// state.
func (c *VmContext) PinForeign(v Value) wire.Handle { return c.handles.pin(v) }

// ResolveForeign dereferences a handle. Fails with ErrForeignHandle unless
// this context minted it and it is still pinned.
func (c *VmContext) ResolveForeign(h wire.Handle) (Value, error) { return c.handles.resolve(h) }

// ReleaseForeign unpins a handle.
func (c *VmContext) ReleaseForeign(h wire.Handle) bool { return c.handles.release(h) }
