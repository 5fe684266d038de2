package vm

import (
	"fmt"

	"github.com/kestrelvm/kestrel/wire"
)

// ---------------------------------------------------------------------------
// Marshaller: deep copy across the context boundary
// ---------------------------------------------------------------------------

// maxMarshalDepth bounds recursion for pathological (non-cyclic but deeply
// nested) graphs. Cycles are caught earlier by the seen-set.
const maxMarshalDepth = 256

// MarshalOut deep-copies a context-owned value into wire form. Primitives
// copy by value, sequences and mappings recursively; cycles fail with
// ErrCyclicReference, detected via a seen-set keyed by object identity.
// Foreign indirections travel as their handle.
func MarshalOut(ctx *VmContext, v Value) (wire.Value, error) {
	return marshalOut(ctx, v, nil, 0)
}

func marshalOut(ctx *VmContext, v Value, seen map[*Object]struct{}, depth int) (wire.Value, error) {
	if depth > maxMarshalDepth {
		return wire.Null(), fmt.Errorf("vm: marshal depth %d exceeded: %w", maxMarshalDepth, ErrCyclicReference)
	}

	switch {
	case v == Nil:
		return wire.Null(), nil
	case v.IsBool():
		return wire.FromBool(v == True), nil
	case v.IsSmallInt():
		return wire.FromInt(v.SmallInt()), nil
	case v.IsObject():
		// handled below
	default:
		return wire.FromFloat(v.Float()), nil
	}

	obj := v.Object()
	if obj.owner != ctx.id {
		return wire.Null(), fmt.Errorf("vm: context %d cannot marshal object owned by context %d: %w",
			ctx.id, obj.owner, ErrForeignHandle)
	}

	switch obj.kind {
	case KindString:
		return wire.FromString(obj.str), nil
	case KindForeign:
		return wire.FromHandle(obj.foreign), nil
	case KindSequence:
		if seen == nil {
			seen = make(map[*Object]struct{})
		}
		if _, dup := seen[obj]; dup {
			return wire.Null(), ErrCyclicReference
		}
		seen[obj] = struct{}{}
		out := make([]wire.Value, len(obj.elems))
		for i, e := range obj.elems {
			w, err := marshalOut(ctx, e, seen, depth+1)
			if err != nil {
				return wire.Null(), err
			}
			out[i] = w
		}
		delete(seen, obj)
		return wire.FromSeq(out), nil
	case KindMapping:
		if seen == nil {
			seen = make(map[*Object]struct{})
		}
		if _, dup := seen[obj]; dup {
			return wire.Null(), ErrCyclicReference
		}
		seen[obj] = struct{}{}
		out := make(map[string]wire.Value, len(obj.fields))
		for k, e := range obj.fields {
			w, err := marshalOut(ctx, e, seen, depth+1)
			if err != nil {
				return wire.Null(), err
			}
			out[k] = w
		}
		delete(seen, obj)
		return wire.FromMap(out), nil
	default:
		return wire.Null(), fmt.Errorf("vm: cannot marshal object kind %s", obj.kind)
	}
}

// MarshalOutPinned marshals like MarshalOut, but instead of failing on an
// unmarshallable shape it is used by callers that want to hand out a live
// reference: the value is pinned in the context's handle table and the
// resulting handle travels on the wire.
func MarshalOutPinned(ctx *VmContext, v Value) wire.Value {
	return wire.FromHandle(ctx.handles.pin(v))
}

// MarshalIn deep-copies a wire value into the destination context's heap.
// Every allocation is fresh and tagged with the destination; the result
// never aliases source memory. A handle minted by this very context
// resolves back to the original pinned value; any other handle becomes an
// opaque foreign indirection.
func MarshalIn(ctx *VmContext, w wire.Value) (Value, error) {
	return marshalIn(ctx, w, 0)
}

func marshalIn(ctx *VmContext, w wire.Value, depth int) (Value, error) {
	if depth > maxMarshalDepth {
		return Nil, fmt.Errorf("vm: marshal depth %d exceeded: %w", maxMarshalDepth, ErrCyclicReference)
	}

	switch w.Kind {
	case wire.KindNull:
		return Nil, nil
	case wire.KindBool:
		return FromBool(w.Bool), nil
	case wire.KindInt:
		if FitsSmallInt(w.Int) {
			return FromSmallInt(w.Int), nil
		}
		return FromFloat(float64(w.Int)), nil
	case wire.KindFloat:
		return FromFloat(w.Float), nil
	case wire.KindString:
		return ctx.heap.AllocString(w.Str)
	case wire.KindSequence:
		v, err := ctx.heap.AllocSequence(len(w.Seq))
		if err != nil {
			return Nil, err
		}
		obj := v.Object()
		for i, e := range w.Seq {
			ev, err := marshalIn(ctx, e, depth+1)
			if err != nil {
				return Nil, err
			}
			obj.elems[i] = ev
		}
		return v, nil
	case wire.KindMapping:
		v, err := ctx.heap.AllocMapping(len(w.Map))
		if err != nil {
			return Nil, err
		}
		obj := v.Object()
		for k, e := range w.Map {
			ev, err := marshalIn(ctx, e, depth+1)
			if err != nil {
				return Nil, err
			}
			obj.fields[k] = ev
		}
		return v, nil
	case wire.KindHandle:
		if ContextID(w.Handle.Context) == ctx.id {
			return ctx.handles.resolve(w.Handle)
		}
		return ctx.heap.AllocForeign(w.Handle)
	default:
		return Nil, fmt.Errorf("vm: cannot unmarshal wire kind %s", w.Kind)
	}
}

// MarshalAllOut marshals a slice of values, failing on the first error.
func MarshalAllOut(ctx *VmContext, vs []Value) ([]wire.Value, error) {
	out := make([]wire.Value, len(vs))
	for i, v := range vs {
		w, err := MarshalOut(ctx, v)
		if err != nil {
			return nil, err
		}
		out[i] = w
	}
	return out, nil
}

// ExportGlobals marshals every global of ctx into wire form, for
// snapshotting. Fails if any global holds an unmarshallable shape.
func ExportGlobals(ctx *VmContext) (map[string]wire.Value, error) {
	snap := ctx.globalsSnapshot()
	out := make(map[string]wire.Value, len(snap))
	for name, v := range snap {
		w, err := MarshalOut(ctx, v)
		if err != nil {
			return nil, fmt.Errorf("vm: global %q: %w", name, err)
		}
		out[name] = w
	}
	return out, nil
}

// ImportGlobals copies wire-form globals into ctx, charging its governor
// for every allocation.
func ImportGlobals(ctx *VmContext, globals map[string]wire.Value) error {
	for name, w := range globals {
		v, err := MarshalIn(ctx, w)
		if err != nil {
			return fmt.Errorf("vm: global %q: %w", name, err)
		}
		ctx.SetGlobal(name, v)
	}
	return nil
}

// MarshalAllIn unmarshals a slice of wire values into the context.
func MarshalAllIn(ctx *VmContext, ws []wire.Value) ([]Value, error) {
	out := make([]Value, len(ws))
	for i, w := range ws {
		v, err := MarshalIn(ctx, w)
		if err != nil {
			return nil, err
		}
		out[i] = v
	}
	return out, nil
}
