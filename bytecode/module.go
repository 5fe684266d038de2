package bytecode

import (
	"bytes"
	"fmt"

	"github.com/zeebo/blake3"

	"github.com/kestrelvm/kestrel/vm"
	"github.com/kestrelvm/kestrel/wire"
)

// ---------------------------------------------------------------------------
// Module container format
// ---------------------------------------------------------------------------
//
// A serialized module is a small header followed by a CBOR body:
//
//	offset 0   magic "KBCM"
//	offset 4   format version (1 byte)
//	offset 5   BLAKE3-256 of the body (32 bytes)
//	offset 37  CBOR-encoded module
//
// The checksum covers the body only, so corruption is caught before any
// CBOR decoding runs on the payload.

var magic = [4]byte{'K', 'B', 'C', 'M'}

// FormatVersion is the current container format version.
const FormatVersion byte = 1

const headerLen = 4 + 1 + 32

// Function is one compiled entry point or internal function.
type Function struct {
	Name      string       `cbor:"1,keyasint"`
	NumParams int          `cbor:"2,keyasint"`
	Locals    int          `cbor:"3,keyasint"`
	Code      []byte       `cbor:"4,keyasint"`
	Literals  []wire.Value `cbor:"5,keyasint,omitempty"`
}

// NumLocals is the local-slot count of an activation, parameters included.
func (f *Function) NumLocals() int {
	n := f.Locals
	if f.NumParams > n {
		n = f.NumParams
	}
	return n
}

// literal returns the pool entry at idx, or an error for a bad index.
func (f *Function) literal(idx int) (wire.Value, error) {
	if idx < 0 || idx >= len(f.Literals) {
		return wire.Null(), fmt.Errorf("bytecode: %s: literal index %d out of range", f.Name, idx)
	}
	return f.Literals[idx], nil
}

// stringLiteral returns the pool entry at idx, which must be a string.
func (f *Function) stringLiteral(idx int) (string, error) {
	lit, err := f.literal(idx)
	if err != nil {
		return "", err
	}
	if lit.Kind != wire.KindString {
		return "", fmt.Errorf("bytecode: %s: literal %d is %s, want string", f.Name, idx, lit.Kind)
	}
	return lit.Str, nil
}

// Module is a decoded bytecode module. It implements vm.Module.
type Module struct {
	ModuleName string               `cbor:"1,keyasint"`
	Functions  map[string]*Function `cbor:"2,keyasint"`
}

// Entry resolves a named function as an entry point.
func (m *Module) Entry(name string) (vm.Code, bool) {
	f, ok := m.Functions[name]
	if !ok {
		return nil, false
	}
	return f, true
}

// Function resolves a named function with its concrete type.
func (m *Module) Function(name string) (*Function, bool) {
	f, ok := m.Functions[name]
	return f, ok
}

// Encode serializes the module into the container format.
func (m *Module) Encode() ([]byte, error) {
	body, err := wire.Encode(m)
	if err != nil {
		return nil, fmt.Errorf("bytecode: encode: %w", err)
	}
	sum := blake3.Sum256(body)

	var buf bytes.Buffer
	buf.Grow(headerLen + len(body))
	buf.Write(magic[:])
	buf.WriteByte(FormatVersion)
	buf.Write(sum[:])
	buf.Write(body)
	return buf.Bytes(), nil
}

// Decode parses and verifies a serialized module.
func Decode(data []byte) (*Module, error) {
	if len(data) < headerLen {
		return nil, fmt.Errorf("bytecode: truncated module (%d bytes)", len(data))
	}
	if !bytes.Equal(data[:4], magic[:]) {
		return nil, fmt.Errorf("bytecode: bad magic %q", data[:4])
	}
	if v := data[4]; v != FormatVersion {
		return nil, fmt.Errorf("bytecode: unsupported format version %d", v)
	}
	body := data[headerLen:]
	sum := blake3.Sum256(body)
	if !bytes.Equal(sum[:], data[5:headerLen]) {
		return nil, fmt.Errorf("bytecode: checksum mismatch")
	}

	var m Module
	if err := wire.Decode(body, &m); err != nil {
		return nil, fmt.Errorf("bytecode: decode: %w", err)
	}
	if err := m.validate(); err != nil {
		return nil, err
	}
	return &m, nil
}

// validate rejects modules whose code streams cannot be stepped safely.
func (m *Module) validate() error {
	for name, f := range m.Functions {
		if f == nil {
			return fmt.Errorf("bytecode: function %q is empty", name)
		}
		for ip := 0; ip < len(f.Code); {
			op := Opcode(f.Code[ip])
			if _, known := opcodeNames[op]; !known {
				return fmt.Errorf("bytecode: %s: unknown opcode 0x%02X at %d", name, byte(op), ip)
			}
			next := ip + 1 + op.OperandBytes()
			if next > len(f.Code) {
				return fmt.Errorf("bytecode: %s: truncated operand at %d", name, ip)
			}
			ip = next
		}
	}
	return nil
}
