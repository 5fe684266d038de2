package vm

import (
	"math"
	"testing"
)

// ---------------------------------------------------------------------------
// Value Unit Tests
// ---------------------------------------------------------------------------

func TestValueFloatRoundTrip(t *testing.T) {
	cases := []float64{0, 1, -1, 3.14159, math.MaxFloat64, math.SmallestNonzeroFloat64, math.Inf(1), math.Inf(-1)}
	for _, x := range cases {
		v := FromFloat(x)
		if !v.IsFloat() {
			t.Errorf("FromFloat(%v): not a float", x)
		}
		if v.Float() != x {
			t.Errorf("FromFloat(%v).Float() = %v", x, v.Float())
		}
	}
}

func TestValueNaNNormalized(t *testing.T) {
	v := FromFloat(math.NaN())
	if !v.IsFloat() {
		t.Fatalf("NaN payload collided with a tag")
	}
	if !math.IsNaN(v.Float()) {
		t.Fatalf("NaN did not round-trip: %v", v.Float())
	}
	// A NaN with payload bits in the tag range must not decode as an
	// object or integer.
	hostile := math.Float64frombits(nanBits | tagObject | 0xDEAD)
	w := FromFloat(hostile)
	if w.IsObject() || w.IsSmallInt() {
		t.Fatalf("hostile NaN decoded as %v", w)
	}
}

func TestValueSmallIntRoundTrip(t *testing.T) {
	cases := []int64{0, 1, -1, 42, -42, MaxSmallInt, MinSmallInt}
	for _, n := range cases {
		if !FitsSmallInt(n) {
			t.Fatalf("FitsSmallInt(%d) = false", n)
		}
		v := FromSmallInt(n)
		if !v.IsSmallInt() {
			t.Errorf("FromSmallInt(%d): not an int", n)
		}
		if v.SmallInt() != n {
			t.Errorf("FromSmallInt(%d).SmallInt() = %d", n, v.SmallInt())
		}
	}
	if FitsSmallInt(MaxSmallInt + 1) {
		t.Errorf("FitsSmallInt(MaxSmallInt+1) = true")
	}
	if FitsSmallInt(MinSmallInt - 1) {
		t.Errorf("FitsSmallInt(MinSmallInt-1) = true")
	}
}

func TestValueSpecials(t *testing.T) {
	if !Nil.IsNil() || Nil.IsTruthy() {
		t.Errorf("Nil misbehaves")
	}
	if !True.IsBool() || !True.IsTruthy() || !True.Bool() {
		t.Errorf("True misbehaves")
	}
	if !False.IsBool() || False.IsTruthy() || False.Bool() {
		t.Errorf("False misbehaves")
	}
	if FromBool(true) != True || FromBool(false) != False {
		t.Errorf("FromBool not canonical")
	}
	// Zero and empty-ish values are still truthy; only nil and false are
	// not.
	if !FromSmallInt(0).IsTruthy() || !FromFloat(0).IsTruthy() {
		t.Errorf("zero should be truthy")
	}
}

func TestValueObjectRoundTrip(t *testing.T) {
	gov := NewGovernor(Unlimited())
	heap := NewHeap(1, gov)
	v, err := heap.AllocString("hello")
	if err != nil {
		t.Fatalf("AllocString: %v", err)
	}
	if !v.IsObject() {
		t.Fatalf("string value is not an object")
	}
	obj := v.Object()
	if obj.Kind() != KindString || obj.Str() != "hello" {
		t.Fatalf("object payload lost: %v %q", obj.Kind(), obj.Str())
	}
	if obj.Owner() != 1 {
		t.Fatalf("owner = %d, want 1", obj.Owner())
	}
}

func TestValueNumber(t *testing.T) {
	if n, ok := FromSmallInt(7).Number(); !ok || n != 7.0 {
		t.Errorf("int Number = %v, %v", n, ok)
	}
	if n, ok := FromFloat(2.5).Number(); !ok || n != 2.5 {
		t.Errorf("float Number = %v, %v", n, ok)
	}
	if _, ok := Nil.Number(); ok {
		t.Errorf("Number on nil reported ok")
	}
	if _, ok := True.Number(); ok {
		t.Errorf("Number on bool reported ok")
	}
}
