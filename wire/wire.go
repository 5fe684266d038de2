// Package wire defines the context-agnostic form of engine values.
//
// A wire.Value never embeds a heap pointer: primitives are copied by value,
// sequences and mappings are deep copies, and references to memory owned by
// another context travel as opaque foreign handles that only the owning
// context can resolve. This is the only shape in which data crosses a
// context boundary.
package wire

import (
	"fmt"

	"github.com/fxamacker/cbor/v2"
)

// Kind discriminates the variants of a wire Value.
type Kind uint8

const (
	KindNull Kind = iota
	KindBool
	KindInt
	KindFloat
	KindString
	KindSequence
	KindMapping
	KindHandle
)

// String returns the kind name used in error messages.
func (k Kind) String() string {
	switch k {
	case KindNull:
		return "null"
	case KindBool:
		return "bool"
	case KindInt:
		return "int"
	case KindFloat:
		return "float"
	case KindString:
		return "string"
	case KindSequence:
		return "sequence"
	case KindMapping:
		return "mapping"
	case KindHandle:
		return "handle"
	default:
		return fmt.Sprintf("kind(%d)", uint8(k))
	}
}

// Handle is an opaque reference to a value that stayed behind in its owning
// context. It is only dereferenceable there; any other context treats it as
// an inert token.
type Handle struct {
	Context uint64 `cbor:"1,keyasint"`
	ID      uint64 `cbor:"2,keyasint"`
}

// Value is a marshalled value. Exactly the fields implied by Kind are
// meaningful; the rest stay at their zero values so canonical CBOR encoding
// is deterministic.
type Value struct {
	Kind   Kind             `cbor:"1,keyasint"`
	Bool   bool             `cbor:"2,keyasint,omitempty"`
	Int    int64            `cbor:"3,keyasint,omitempty"`
	Float  float64          `cbor:"4,keyasint,omitempty"`
	Str    string           `cbor:"5,keyasint,omitempty"`
	Seq    []Value          `cbor:"6,keyasint,omitempty"`
	Map    map[string]Value `cbor:"7,keyasint,omitempty"`
	Handle Handle           `cbor:"8,keyasint,omitempty"`
}

// Null is the wire null value.
func Null() Value { return Value{Kind: KindNull} }

// FromBool builds a boolean wire value.
func FromBool(b bool) Value { return Value{Kind: KindBool, Bool: b} }

// FromInt builds an integer wire value.
func FromInt(i int64) Value { return Value{Kind: KindInt, Int: i} }

// FromFloat builds a float wire value.
func FromFloat(f float64) Value { return Value{Kind: KindFloat, Float: f} }

// FromString builds a string wire value.
func FromString(s string) Value { return Value{Kind: KindString, Str: s} }

// FromSeq builds a sequence wire value. The slice is used as-is; callers
// that retain the slice must not mutate it afterwards.
func FromSeq(vs []Value) Value { return Value{Kind: KindSequence, Seq: vs} }

// FromMap builds a mapping wire value with the same aliasing caveat as
// FromSeq.
func FromMap(m map[string]Value) Value { return Value{Kind: KindMapping, Map: m} }

// FromHandle builds a foreign-handle wire value.
func FromHandle(h Handle) Value { return Value{Kind: KindHandle, Handle: h} }

// IsNull reports whether the value is wire null.
func (v Value) IsNull() bool { return v.Kind == KindNull }

// Equal reports structural equality. Mappings compare by key set and
// per-key equality; handles compare by (context, id).
func (v Value) Equal(o Value) bool {
	if v.Kind != o.Kind {
		return false
	}
	switch v.Kind {
	case KindNull:
		return true
	case KindBool:
		return v.Bool == o.Bool
	case KindInt:
		return v.Int == o.Int
	case KindFloat:
		return v.Float == o.Float
	case KindString:
		return v.Str == o.Str
	case KindSequence:
		if len(v.Seq) != len(o.Seq) {
			return false
		}
		for i := range v.Seq {
			if !v.Seq[i].Equal(o.Seq[i]) {
				return false
			}
		}
		return true
	case KindMapping:
		if len(v.Map) != len(o.Map) {
			return false
		}
		for k, a := range v.Map {
			b, ok := o.Map[k]
			if !ok || !a.Equal(b) {
				return false
			}
		}
		return true
	case KindHandle:
		return v.Handle == o.Handle
	default:
		return false
	}
}

// String renders the value for logs and error messages.
func (v Value) String() string {
	switch v.Kind {
	case KindNull:
		return "null"
	case KindBool:
		return fmt.Sprintf("%v", v.Bool)
	case KindInt:
		return fmt.Sprintf("%d", v.Int)
	case KindFloat:
		return fmt.Sprintf("%g", v.Float)
	case KindString:
		return fmt.Sprintf("%q", v.Str)
	case KindSequence:
		return fmt.Sprintf("seq(len=%d)", len(v.Seq))
	case KindMapping:
		return fmt.Sprintf("map(len=%d)", len(v.Map))
	case KindHandle:
		return fmt.Sprintf("handle(ctx=%d id=%d)", v.Handle.Context, v.Handle.ID)
	default:
		return v.Kind.String()
	}
}

var cborEncMode cbor.EncMode

func init() {
	em, err := cbor.CanonicalEncOptions().EncMode()
	if err != nil {
		panic(fmt.Sprintf("wire: failed to create CBOR enc mode: %v", err))
	}
	cborEncMode = em
}

// Marshal serializes a wire value to canonical CBOR.
func Marshal(v Value) ([]byte, error) {
	return cborEncMode.Marshal(v)
}

// Unmarshal deserializes a wire value from CBOR bytes.
func Unmarshal(data []byte) (Value, error) {
	var v Value
	if err := cbor.Unmarshal(data, &v); err != nil {
		return Value{}, fmt.Errorf("wire: unmarshal value: %w", err)
	}
	return v, nil
}

// Encode serializes any CBOR-encodable struct with the package's canonical
// encoder. Shared by the bytecode and snapshot formats.
func Encode(v any) ([]byte, error) {
	return cborEncMode.Marshal(v)
}

// Decode deserializes into a CBOR-encodable struct.
func Decode(data []byte, out any) error {
	return cbor.Unmarshal(data, out)
}
