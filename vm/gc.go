package vm

import (
	"time"

	"github.com/tliron/commonlog"
)

var gcLog = commonlog.GetLogger("kestrel.gc")

// ---------------------------------------------------------------------------
// Collector: per-context mark-sweep with safepoint coordination
// ---------------------------------------------------------------------------
//
// A collection is scoped to exactly one context. The pause blocks only
// workers currently running that context's tasks: they observe the pending
// flag at their next safepoint and park, while workers on other contexts
// never notice. Mark starts from the context's own roots (task stacks and
// locals, globals, pinned foreign handles); sweep frees only its tagged
// objects. By the isolation invariant no other context's reachability can
// change.

// quiescenceTimeout bounds how long a collector waits for the context's
// runners to park. Tasks reach a safepoint after at most one instruction,
// so in practice this is microseconds.
const quiescenceTimeout = 2 * time.Second

// RequestCollection flags the context for collection. Callable from any
// worker; the flag is consulted at the next safepoint rather than pausing
// anything here. The collection itself runs either on the next worker to
// dispatch one of this context's tasks, or inline on an allocation-failure
// path.
func (c *VmContext) RequestCollection() {
	c.gcPending.Store(true)
}

// CollectionPending reports whether a collection request is outstanding.
func (c *VmContext) CollectionPending() bool { return c.gcPending.Load() }

// collectFromRunner performs a collection on behalf of a worker that is
// currently executing one of this context's tasks (so runners includes the
// caller). The caller's task is parked at an allocation-site safepoint with
// fully consistent frame state. Returns false if another collection is
// already in progress or quiescence was not reached; the caller should
// yield and retry.
func (c *VmContext) collectFromRunner() bool {
	if !c.gcMu.TryLock() {
		return false
	}
	defer c.gcMu.Unlock()

	c.gcPending.Store(true)
	if !c.awaitQuiescence(1) {
		c.gcPending.Store(false)
		gcLog.Warningf("context %d: quiescence not reached, collection skipped", c.id)
		return false
	}
	c.collect()
	c.gcPending.Store(false)
	return true
}

// collectIdle performs a pending collection for a context with no running
// tasks, called by the scheduler before dispatching into a flagged context.
// Returns false if the collection could not run.
func (c *VmContext) collectIdle() bool {
	if !c.gcMu.TryLock() {
		return false
	}
	defer c.gcMu.Unlock()

	if !c.gcPending.Load() {
		return true // raced with another collector; nothing pending
	}
	if !c.awaitQuiescence(0) {
		return false
	}
	c.collect()
	c.gcPending.Store(false)
	return true
}

// awaitQuiescence spins until at most allowed workers are inside this
// context, or the timeout passes.
func (c *VmContext) awaitQuiescence(allowed int32) bool {
	deadline := time.Now().Add(quiescenceTimeout)
	for c.runners.Load() > allowed {
		if time.Now().After(deadline) {
			return false
		}
		time.Sleep(10 * time.Microsecond)
	}
	return true
}

// collect runs mark then sweep. Callers hold gcMu and have established
// quiescence.
func (c *VmContext) collect() {
	start := time.Now()
	marked := c.mark()
	objects, bytes := c.heap.sweep()
	c.collections.Add(1)
	gcLog.Debugf("context %d: collected %d objects (%d bytes) in %s, %d live",
		c.id, objects, bytes, time.Since(start), marked)
}

// mark walks the context's roots and flags every reachable object. Returns
// the number of objects marked. Iterative worklist: guest structures can
// nest deeper than the Go stack should.
func (c *VmContext) mark() int {
	var work []*Object
	marked := 0

	push := func(v Value) {
		if !v.IsObject() {
			return
		}
		obj := v.Object()
		if obj.owner != c.id || obj.marked {
			return
		}
		obj.marked = true
		marked++
		work = append(work, obj)
	}

	for _, v := range c.globalsSnapshot() {
		push(v)
	}
	for _, v := range c.handles.snapshot() {
		push(v)
	}
	for _, t := range c.liveTasks() {
		// mu pairs with the frames hand-off in retire, which can run on a
		// dispatch path outside the runners accounting.
		t.mu.Lock()
		for _, f := range t.frames {
			for _, v := range f.Locals {
				push(v)
			}
			for _, v := range f.Stack {
				push(v)
			}
		}
		// A completed task's result stays reachable until reaped:
		// same-context awaiters read it directly.
		if t.Status() == TaskCompleted {
			push(t.result)
		}
		t.mu.Unlock()
	}

	for len(work) > 0 {
		obj := work[len(work)-1]
		work = work[:len(work)-1]
		switch obj.kind {
		case KindSequence:
			for _, v := range obj.elems {
				push(v)
			}
		case KindMapping:
			for _, v := range obj.fields {
				push(v)
			}
		}
	}
	return marked
}

// allocWithCollect runs alloc; on a rejected heap charge it attempts a
// collection and retries once before treating the rejection as fatal. This
// is the engine-wide allocation policy (spec: callers attempt a collection
// before failing).
func (c *VmContext) allocWithCollect(alloc func() (Value, error)) (Value, error) {
	v, err := alloc()
	if err == nil {
		return v, nil
	}
	if err != ErrResourceLimitExceeded {
		return Nil, err
	}
	if !c.collectFromRunner() {
		// Another collection is in flight; give it a moment and retry
		// the charge anyway.
		time.Sleep(50 * time.Microsecond)
	}
	return alloc()
}
