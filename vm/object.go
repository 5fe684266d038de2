package vm

import (
	"github.com/kestrelvm/kestrel/wire"
)

// ---------------------------------------------------------------------------
// Heap objects
// ---------------------------------------------------------------------------

// ObjectKind identifies the payload carried by a heap object.
type ObjectKind uint8

const (
	// KindString is an immutable guest string.
	KindString ObjectKind = iota
	// KindSequence is a mutable indexed collection of values.
	KindSequence
	// KindMapping is a mutable string-keyed collection of values.
	KindMapping
	// KindForeign is an opaque reference to a value owned by another
	// context, resolvable only there.
	KindForeign
)

func (k ObjectKind) String() string {
	switch k {
	case KindString:
		return "string"
	case KindSequence:
		return "sequence"
	case KindMapping:
		return "mapping"
	case KindForeign:
		return "foreign"
	default:
		return "object"
	}
}

// Object is a heap-allocated guest value. Every object is tagged with the
// context that allocated it; the isolation invariant is that a context's
// roots only ever reach objects carrying its own tag.
//
// The mark bit is owned by the collector and is only touched while the
// owning context is paused at a safepoint.
type Object struct {
	owner  ContextID
	kind   ObjectKind
	marked bool
	size   int64 // bytes charged to the governor at allocation

	str     string
	elems   []Value
	fields  map[string]Value
	foreign wire.Handle
}

// Owner returns the id of the context that allocated the object.
func (o *Object) Owner() ContextID { return o.owner }

// Kind returns the object's payload kind.
func (o *Object) Kind() ObjectKind { return o.kind }

// Str returns the string payload. Valid only for KindString.
func (o *Object) Str() string { return o.str }

// Len returns the element count of a sequence, the entry count of a
// mapping, or the byte length of a string.
func (o *Object) Len() int {
	switch o.kind {
	case KindString:
		return len(o.str)
	case KindSequence:
		return len(o.elems)
	case KindMapping:
		return len(o.fields)
	default:
		return 0
	}
}

// Elem returns the sequence element at index i.
func (o *Object) Elem(i int) (Value, bool) {
	if o.kind != KindSequence || i < 0 || i >= len(o.elems) {
		return Nil, false
	}
	return o.elems[i], true
}

// SetElem stores into a sequence element in place.
func (o *Object) SetElem(i int, v Value) bool {
	if o.kind != KindSequence || i < 0 || i >= len(o.elems) {
		return false
	}
	o.elems[i] = v
	return true
}

// Field returns the mapping entry for key.
func (o *Object) Field(key string) (Value, bool) {
	if o.kind != KindMapping {
		return Nil, false
	}
	v, ok := o.fields[key]
	return v, ok
}

// SetField stores a mapping entry in place. The byte cost of new keys was
// accounted at allocation time by sizing the mapping up front; growth past
// the allocated shape goes through Heap.Grow.
func (o *Object) SetField(key string, v Value) bool {
	if o.kind != KindMapping {
		return false
	}
	o.fields[key] = v
	return true
}

// ForeignHandle returns the handle payload of a KindForeign object.
func (o *Object) ForeignHandle() wire.Handle { return o.foreign }

// sizeOfString estimates the bytes charged for a string allocation:
// object header plus payload.
func sizeOfString(s string) int64 { return objectHeaderBytes + int64(len(s)) }

// sizeOfSequence estimates the bytes charged for a sequence of n slots.
func sizeOfSequence(n int) int64 { return objectHeaderBytes + int64(n)*8 }

// sizeOfMapping estimates the bytes charged for a mapping; per-entry cost
// covers the key header and the value slot.
func sizeOfMapping(n int) int64 { return objectHeaderBytes + int64(n)*mappingEntryBytes }

const (
	objectHeaderBytes = 64
	mappingEntryBytes = 48
)
