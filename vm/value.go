package vm

import (
	"fmt"
	"math"
	"unsafe"
)

// Value represents a Kestrel guest value using NaN-boxing.
//
// All values are 64-bit words. Anything that is not one of our tagged quiet
// NaNs decodes as an IEEE 754 float. Non-float values live in the quiet-NaN
// space, discriminated by three tag bits:
//
//   - Float: native IEEE 754 double
//   - SmallInt: quiet NaN + tagInt + 48-bit signed payload
//   - Object: quiet NaN + tagObject + 48-bit heap pointer
//   - Special: quiet NaN + tagSpecial + nil/true/false payload
//
// Heap pointers fit in 48 bits on every platform we target; the pointed-to
// Object carries the owning-context tag, so a Value alone is enough to
// enforce the isolation invariant.
type Value uint64

const (
	nanBits uint64 = 0x7FF8000000000000

	tagMask     uint64 = 0x0007000000000000
	payloadMask uint64 = 0x0000FFFFFFFFFFFF

	tagObject  uint64 = 0x0001000000000000
	tagInt     uint64 = 0x0002000000000000
	tagSpecial uint64 = 0x0003000000000000

	intSignBit    uint64 = 0x0000800000000000
	intSignExtend uint64 = 0xFFFF000000000000
)

const (
	specialNil   uint64 = 0
	specialTrue  uint64 = 1
	specialFalse uint64 = 2
)

// Pre-defined special values.
const (
	Nil   Value = Value(nanBits | tagSpecial | specialNil)
	True  Value = Value(nanBits | tagSpecial | specialTrue)
	False Value = Value(nanBits | tagSpecial | specialFalse)
)

// SmallInt range (48-bit signed).
const (
	MaxSmallInt int64 = (1 << 47) - 1
	MinSmallInt int64 = -(1 << 47)
)

// ---------------------------------------------------------------------------
// Type checks
// ---------------------------------------------------------------------------

// IsFloat reports whether v decodes as a float64. Infinities and untagged
// NaNs count as floats.
func (v Value) IsFloat() bool {
	bits := uint64(v)
	if (bits & 0x7FF0000000000000) != 0x7FF0000000000000 {
		return true
	}
	if bits&0x000FFFFFFFFFFFFF == 0 {
		return true // +/-Inf
	}
	if (bits & nanBits) != nanBits {
		return true // signalling NaN, not ours
	}
	return bits&tagMask == 0 // plain quiet NaN
}

// IsSmallInt reports whether v is a 48-bit integer.
func (v Value) IsSmallInt() bool {
	return (uint64(v) & (nanBits | tagMask)) == (nanBits | tagInt)
}

// IsObject reports whether v is a heap object reference.
func (v Value) IsObject() bool {
	return (uint64(v) & (nanBits | tagMask)) == (nanBits | tagObject)
}

// IsNil reports whether v is the nil value.
func (v Value) IsNil() bool { return v == Nil }

// IsBool reports whether v is true or false.
func (v Value) IsBool() bool { return v == True || v == False }

// IsTruthy implements the engine's truth test: everything except nil and
// false is truthy.
func (v Value) IsTruthy() bool { return v != Nil && v != False }

// ---------------------------------------------------------------------------
// Constructors
// ---------------------------------------------------------------------------

// FromFloat boxes a float64. Tagged NaN inputs are normalized to the
// canonical quiet NaN so guest floats can never forge object references.
func FromFloat(f float64) Value {
	bits := math.Float64bits(f)
	if (bits&0x7FF0000000000000) == 0x7FF0000000000000 && bits&0x000FFFFFFFFFFFFF != 0 {
		bits = nanBits
	}
	return Value(bits)
}

// FromSmallInt boxes a 48-bit integer. Out-of-range inputs wrap; callers
// that care use FitsSmallInt first.
func FromSmallInt(i int64) Value {
	return Value(nanBits | tagInt | (uint64(i) & payloadMask))
}

// FitsSmallInt reports whether i is representable as a SmallInt.
func FitsSmallInt(i int64) bool { return i >= MinSmallInt && i <= MaxSmallInt }

// FromBool boxes a boolean.
func FromBool(b bool) Value {
	if b {
		return True
	}
	return False
}

// fromObject boxes a heap object pointer. Unexported: object references are
// minted only by the owning context's heap.
func fromObject(obj *Object) Value {
	ptr := uintptr(unsafe.Pointer(obj))
	return Value(nanBits | tagObject | (uint64(ptr) & payloadMask))
}

// ---------------------------------------------------------------------------
// Accessors
// ---------------------------------------------------------------------------

// Float unboxes a float64.
func (v Value) Float() float64 { return math.Float64frombits(uint64(v)) }

// SmallInt unboxes a 48-bit integer with sign extension.
func (v Value) SmallInt() int64 {
	payload := uint64(v) & payloadMask
	if payload&intSignBit != 0 {
		payload |= intSignExtend
	}
	return int64(payload)
}

// Bool unboxes a boolean. Panics on non-bool values.
func (v Value) Bool() bool {
	switch v {
	case True:
		return true
	case False:
		return false
	}
	panic("vm: Value.Bool on non-boolean")
}

// Object unboxes a heap object pointer. Panics on non-object values.
//
// Rebuilding the pointer from the NaN payload is outside the unsafe.Pointer
// rules: go vet's unsafeptr check flags it, and the checkptr instrumentation
// that -race enables aborts on it. Run race-detector tests with
// -gcflags=all=-d=checkptr=0.
func (v Value) Object() *Object {
	if !v.IsObject() {
		panic("vm: Value.Object on non-object")
	}
	ptr := uintptr(uint64(v) & payloadMask)
	return (*Object)(unsafe.Pointer(ptr))
}

// Number returns the value as a float64 if it is a float or small int.
func (v Value) Number() (float64, bool) {
	if v.IsSmallInt() {
		return float64(v.SmallInt()), true
	}
	if v.IsFloat() {
		return v.Float(), true
	}
	return 0, false
}

// String renders a value for diagnostics. Object payloads are summarized,
// never walked, so this is safe on any live value.
func (v Value) String() string {
	switch {
	case v == Nil:
		return "nil"
	case v == True:
		return "true"
	case v == False:
		return "false"
	case v.IsSmallInt():
		return fmt.Sprintf("%d", v.SmallInt())
	case v.IsObject():
		obj := v.Object()
		return fmt.Sprintf("<%s ctx=%d>", obj.kind, obj.owner)
	default:
		return fmt.Sprintf("%g", v.Float())
	}
}
