package wire

import (
	"bytes"
	"testing"
)

func TestRoundTripPrimitives(t *testing.T) {
	values := []Value{
		Null(),
		FromBool(true),
		FromBool(false),
		FromInt(0),
		FromInt(-1),
		FromInt(1 << 40),
		FromFloat(3.25),
		FromString(""),
		FromString("hello"),
		FromHandle(Handle{Context: 7, ID: 42}),
	}

	for _, v := range values {
		data, err := Marshal(v)
		if err != nil {
			t.Fatalf("Marshal(%v): %v", v, err)
		}
		got, err := Unmarshal(data)
		if err != nil {
			t.Fatalf("Unmarshal(%v): %v", v, err)
		}
		if !got.Equal(v) {
			t.Errorf("round trip: got %v, want %v", got, v)
		}
	}
}

func TestRoundTripNested(t *testing.T) {
	v := FromMap(map[string]Value{
		"name":  FromString("inner"),
		"count": FromInt(3),
		"items": FromSeq([]Value{
			FromInt(1),
			FromSeq([]Value{FromBool(true), Null()}),
			FromMap(map[string]Value{"x": FromFloat(1.5)}),
		}),
	})

	data, err := Marshal(v)
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	got, err := Unmarshal(data)
	if err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if !got.Equal(v) {
		t.Errorf("round trip mismatch: got %v", got)
	}
}

func TestCanonicalEncoding(t *testing.T) {
	// Same logical mapping must encode identically regardless of
	// insertion order.
	a := FromMap(map[string]Value{"a": FromInt(1), "b": FromInt(2), "c": FromInt(3)})
	b := FromMap(map[string]Value{"c": FromInt(3), "a": FromInt(1), "b": FromInt(2)})

	da, err := Marshal(a)
	if err != nil {
		t.Fatalf("Marshal a: %v", err)
	}
	db, err := Marshal(b)
	if err != nil {
		t.Fatalf("Marshal b: %v", err)
	}
	if !bytes.Equal(da, db) {
		t.Errorf("canonical encoding differs for equal mappings")
	}
}

func TestEqualDistinguishesKinds(t *testing.T) {
	if FromInt(1).Equal(FromFloat(1)) {
		t.Error("int 1 should not equal float 1")
	}
	if FromString("").Equal(Null()) {
		t.Error("empty string should not equal null")
	}
	if FromSeq(nil).Equal(FromSeq([]Value{Null()})) {
		t.Error("sequences of different length should differ")
	}
	if !FromSeq(nil).Equal(FromSeq([]Value{})) {
		t.Error("nil and empty sequence should be equal")
	}
}

func TestUnmarshalGarbage(t *testing.T) {
	if _, err := Unmarshal([]byte{0xff, 0x00, 0x13}); err == nil {
		t.Error("expected error for garbage input")
	}
}
