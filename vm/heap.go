package vm

import (
	"sync"

	"github.com/kestrelvm/kestrel/wire"
)

// ---------------------------------------------------------------------------
// Heap: per-context arena
// ---------------------------------------------------------------------------

// Heap is a context's object arena. Every allocation is charged against the
// context's governor before any memory is carved out: a rejected charge
// leaves the heap untouched. The allocation table doubles as the sweep set
// for the collector.
type Heap struct {
	owner ContextID
	gov   *Governor

	mu      sync.Mutex
	objects map[*Object]struct{}
}

// NewHeap creates an empty heap charging the given governor.
func NewHeap(owner ContextID, gov *Governor) *Heap {
	return &Heap{
		owner:   owner,
		gov:     gov,
		objects: make(map[*Object]struct{}),
	}
}

// Owner returns the owning context id.
func (h *Heap) Owner() ContextID { return h.owner }

// AllocString allocates an immutable string object.
func (h *Heap) AllocString(s string) (Value, error) {
	size := sizeOfString(s)
	if err := h.gov.ChargeHeap(size); err != nil {
		return Nil, err
	}
	obj := &Object{owner: h.owner, kind: KindString, size: size, str: s}
	h.insert(obj)
	return fromObject(obj), nil
}

// AllocSequence allocates a sequence of n nil slots.
func (h *Heap) AllocSequence(n int) (Value, error) {
	size := sizeOfSequence(n)
	if err := h.gov.ChargeHeap(size); err != nil {
		return Nil, err
	}
	obj := &Object{owner: h.owner, kind: KindSequence, size: size, elems: make([]Value, n)}
	h.insert(obj)
	return fromObject(obj), nil
}

// AllocSequenceFrom allocates a sequence initialized with a copy of vs.
func (h *Heap) AllocSequenceFrom(vs []Value) (Value, error) {
	v, err := h.AllocSequence(len(vs))
	if err != nil {
		return Nil, err
	}
	copy(v.Object().elems, vs)
	return v, nil
}

// AllocMapping allocates an empty mapping sized for hint entries.
func (h *Heap) AllocMapping(hint int) (Value, error) {
	size := sizeOfMapping(hint)
	if err := h.gov.ChargeHeap(size); err != nil {
		return Nil, err
	}
	obj := &Object{owner: h.owner, kind: KindMapping, size: size, fields: make(map[string]Value, hint)}
	h.insert(obj)
	return fromObject(obj), nil
}

// AllocForeign allocates a foreign-handle indirection object.
func (h *Heap) AllocForeign(handle wire.Handle) (Value, error) {
	size := int64(objectHeaderBytes)
	if err := h.gov.ChargeHeap(size); err != nil {
		return Nil, err
	}
	obj := &Object{owner: h.owner, kind: KindForeign, size: size, foreign: handle}
	h.insert(obj)
	return fromObject(obj), nil
}

// Grow charges additional bytes to an existing object, for mapping entries
// added past the allocated shape. Atomic like any other charge: on failure
// the object keeps its old size and the mutation must not happen.
func (h *Heap) Grow(obj *Object, bytes int64) error {
	if err := h.gov.ChargeHeap(bytes); err != nil {
		return err
	}
	h.mu.Lock()
	obj.size += bytes
	h.mu.Unlock()
	return nil
}

func (h *Heap) insert(obj *Object) {
	h.mu.Lock()
	h.objects[obj] = struct{}{}
	h.mu.Unlock()
}

// Contains reports whether obj belongs to this heap. Used by the isolation
// tests and by sweep assertions.
func (h *Heap) Contains(obj *Object) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	_, ok := h.objects[obj]
	return ok
}

// ObjectCount returns the number of live objects.
func (h *Heap) ObjectCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.objects)
}

// LiveBytes returns the bytes currently attributed to this heap.
func (h *Heap) LiveBytes() int64 { return h.gov.HeapBytes() }

// sweep frees every unmarked object and clears mark bits. Returns the
// number of objects and bytes freed. Called only with the owning context
// paused.
func (h *Heap) sweep() (int, int64) {
	h.mu.Lock()
	defer h.mu.Unlock()

	freedObjects := 0
	var freedBytes int64
	for obj := range h.objects {
		if obj.marked {
			obj.marked = false
			continue
		}
		delete(h.objects, obj)
		h.gov.ReleaseHeap(obj.size)
		freedObjects++
		freedBytes += obj.size
	}
	return freedObjects, freedBytes
}

// reset frees every object unconditionally. Called during context
// termination, after the drain guaranteed no task can touch the heap.
func (h *Heap) reset() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for obj := range h.objects {
		h.gov.ReleaseHeap(obj.size)
		delete(h.objects, obj)
	}
}
