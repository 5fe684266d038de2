package vm

import (
	"errors"
	"testing"

	"github.com/kestrelvm/kestrel/wire"
)

// ---------------------------------------------------------------------------
// Marshaller Unit Tests
// ---------------------------------------------------------------------------

func twoContexts(t *testing.T) (*VmContext, *VmContext) {
	t.Helper()
	reg := NewRegistry()
	return reg.Create(Unlimited()), reg.Create(Unlimited())
}

func TestMarshalPrimitivesRoundTrip(t *testing.T) {
	a, b := twoContexts(t)
	cases := []Value{Nil, True, False, FromSmallInt(42), FromSmallInt(-7), FromFloat(3.25)}
	for _, v := range cases {
		w, err := MarshalOut(a, v)
		if err != nil {
			t.Fatalf("out %v: %v", v, err)
		}
		got, err := MarshalIn(b, w)
		if err != nil {
			t.Fatalf("in %v: %v", v, err)
		}
		if got != v {
			t.Errorf("round trip %v = %v", v, got)
		}
	}
}

func TestMarshalDeepCopyIsolation(t *testing.T) {
	a, b := twoContexts(t)

	s, _ := a.heap.AllocString("shared?")
	inner, _ := a.heap.AllocSequenceFrom([]Value{FromSmallInt(1), s})
	m, _ := a.heap.AllocMapping(2)
	m.Object().SetField("seq", inner)
	m.Object().SetField("n", FromSmallInt(9))

	w, err := MarshalOut(a, m)
	if err != nil {
		t.Fatalf("out: %v", err)
	}
	got, err := MarshalIn(b, w)
	if err != nil {
		t.Fatalf("in: %v", err)
	}

	// Every object reachable from the copy is owned by b and lives in b's
	// heap; nothing aliases a's memory.
	var walk func(v Value)
	walk = func(v Value) {
		if !v.IsObject() {
			return
		}
		obj := v.Object()
		if obj.Owner() != b.id {
			t.Fatalf("copied object owned by %d, want %d", obj.Owner(), b.id)
		}
		if !b.heap.Contains(obj) {
			t.Fatalf("copied object not in destination heap")
		}
		if a.heap.Contains(obj) {
			t.Fatalf("copied object aliases source heap")
		}
		switch obj.Kind() {
		case KindSequence:
			for i := 0; i < obj.Len(); i++ {
				el, _ := obj.Elem(i)
				walk(el)
			}
		case KindMapping:
			for _, k := range []string{"seq", "n"} {
				if f, ok := obj.Field(k); ok {
					walk(f)
				}
			}
		}
	}
	walk(got)

	// Mutating the copy must not show through in the source.
	seqCopy, _ := got.Object().Field("seq")
	seqCopy.Object().SetElem(0, FromSmallInt(999))
	orig, _ := inner.Object().Elem(0)
	if orig != FromSmallInt(1) {
		t.Fatalf("mutation of the copy leaked into the source")
	}
}

func TestMarshalCycleFails(t *testing.T) {
	a, _ := twoContexts(t)
	seq, _ := a.heap.AllocSequence(1)
	seq.Object().SetElem(0, seq)

	if _, err := MarshalOut(a, seq); !errors.Is(err, ErrCyclicReference) {
		t.Fatalf("want CyclicReference, got %v", err)
	}

	// Indirect cycle through a mapping.
	m, _ := a.heap.AllocMapping(1)
	s2, _ := a.heap.AllocSequenceFrom([]Value{m})
	m.Object().SetField("back", s2)
	if _, err := MarshalOut(a, m); !errors.Is(err, ErrCyclicReference) {
		t.Fatalf("want CyclicReference for indirect cycle, got %v", err)
	}

	// Diamond sharing is not a cycle and must marshal.
	leaf, _ := a.heap.AllocString("leaf")
	d, _ := a.heap.AllocSequenceFrom([]Value{leaf, leaf})
	if _, err := MarshalOut(a, d); err != nil {
		t.Fatalf("diamond rejected: %v", err)
	}
}

func TestMarshalRejectsForeignOwnership(t *testing.T) {
	a, b := twoContexts(t)
	bOwned, _ := b.heap.AllocString("b's")
	if _, err := MarshalOut(a, bOwned); !errors.Is(err, ErrForeignHandle) {
		t.Fatalf("want ForeignHandle, got %v", err)
	}
}

func TestMarshalHandleRoundTrip(t *testing.T) {
	a, b := twoContexts(t)
	orig, _ := a.heap.AllocString("pinned")
	w := MarshalOutPinned(a, orig)
	if w.Kind != wire.KindHandle {
		t.Fatalf("pinned marshal kind = %v", w.Kind)
	}

	// In b the handle becomes an opaque foreign object.
	vb, err := MarshalIn(b, w)
	if err != nil {
		t.Fatalf("in b: %v", err)
	}
	if vb.Object().Kind() != KindForeign {
		t.Fatalf("kind in b = %v, want foreign", vb.Object().Kind())
	}

	// Travelling back to a it resolves to the original value.
	w2, err := MarshalOut(b, vb)
	if err != nil {
		t.Fatalf("out of b: %v", err)
	}
	va, err := MarshalIn(a, w2)
	if err != nil {
		t.Fatalf("back into a: %v", err)
	}
	if va != orig {
		t.Fatalf("handle did not resolve to the original value")
	}

	// Released handles no longer resolve.
	a.ReleaseForeign(w.Handle)
	if _, err := MarshalIn(a, w); !errors.Is(err, ErrForeignHandle) {
		t.Fatalf("released handle resolved: %v", err)
	}
}

func TestMarshalChargesDestination(t *testing.T) {
	a, b := twoContexts(t)
	big, _ := a.heap.AllocString("some payload that costs bytes")
	w, _ := MarshalOut(a, big)

	before := b.gov.HeapBytes()
	if _, err := MarshalIn(b, w); err != nil {
		t.Fatalf("in: %v", err)
	}
	if b.gov.HeapBytes() <= before {
		t.Fatalf("destination governor not charged")
	}
}
