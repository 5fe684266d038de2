package bytecode

import (
	"encoding/binary"
	"fmt"

	"github.com/kestrelvm/kestrel/wire"
)

// ---------------------------------------------------------------------------
// Builder
// ---------------------------------------------------------------------------

// Builder assembles modules programmatically. Tests and tooling use it in
// place of a compiler front end.
type Builder struct {
	module *Module
}

// NewBuilder starts an empty module.
func NewBuilder(name string) *Builder {
	return &Builder{module: &Module{
		ModuleName: name,
		Functions:  make(map[string]*Function),
	}}
}

// Function begins a new function body. Parameters occupy the first local
// slots.
func (b *Builder) Function(name string, params, locals int) *FunctionBuilder {
	fn := &Function{Name: name, NumParams: params, Locals: params + locals}
	b.module.Functions[name] = fn
	return &FunctionBuilder{fn: fn, interned: make(map[string]int)}
}

// Build returns the assembled module.
func (b *Builder) Build() *Module { return b.module }

// FunctionBuilder emits instructions into one function body.
type FunctionBuilder struct {
	fn       *Function
	interned map[string]int
}

// Emit appends a bare opcode.
func (fb *FunctionBuilder) Emit(op Opcode) *FunctionBuilder {
	fb.fn.Code = append(fb.fn.Code, byte(op))
	return fb
}

// EmitByte appends an opcode with one operand byte.
func (fb *FunctionBuilder) EmitByte(op Opcode, operand byte) *FunctionBuilder {
	fb.fn.Code = append(fb.fn.Code, byte(op), operand)
	return fb
}

// EmitUint16 appends an opcode with a 16-bit operand.
func (fb *FunctionBuilder) EmitUint16(op Opcode, operand uint16) *FunctionBuilder {
	var buf [2]byte
	binary.BigEndian.PutUint16(buf[:], operand)
	fb.fn.Code = append(fb.fn.Code, byte(op), buf[0], buf[1])
	return fb
}

// emitNamed appends an opcode with a name-literal operand and an argc byte
// (call, spawn, invoke).
func (fb *FunctionBuilder) emitNamed(op Opcode, name string, argc int) *FunctionBuilder {
	idx := fb.Literal(wire.FromString(name))
	var buf [2]byte
	binary.BigEndian.PutUint16(buf[:], idx)
	fb.fn.Code = append(fb.fn.Code, byte(op), buf[0], buf[1], byte(argc))
	return fb
}

// Call emits a function call with argc stack arguments.
func (fb *FunctionBuilder) Call(name string, argc int) *FunctionBuilder {
	return fb.emitNamed(OpCall, name, argc)
}

// Spawn emits a task spawn of the named entry with argc stack arguments.
func (fb *FunctionBuilder) Spawn(name string, argc int) *FunctionBuilder {
	return fb.emitNamed(OpSpawn, name, argc)
}

// Invoke emits a capability invocation with argc stack arguments.
func (fb *FunctionBuilder) Invoke(name string, argc int) *FunctionBuilder {
	return fb.emitNamed(OpInvoke, name, argc)
}

// Literal interns a scalar literal and returns its pool index.
func (fb *FunctionBuilder) Literal(lit wire.Value) uint16 {
	key := literalKey(lit)
	if idx, ok := fb.interned[key]; ok {
		return uint16(idx)
	}
	idx := len(fb.fn.Literals)
	fb.fn.Literals = append(fb.fn.Literals, lit)
	fb.interned[key] = idx
	return uint16(idx)
}

func literalKey(lit wire.Value) string {
	switch lit.Kind {
	case wire.KindString:
		return "s:" + lit.Str
	case wire.KindInt:
		return fmt.Sprintf("i:%d", lit.Int)
	case wire.KindFloat:
		return fmt.Sprintf("f:%x", lit.Float)
	case wire.KindBool:
		return fmt.Sprintf("b:%t", lit.Bool)
	default:
		return fmt.Sprintf("k:%d:%v", lit.Kind, lit)
	}
}

// PushInt pushes an integer, inline when it fits a signed byte.
func (fb *FunctionBuilder) PushInt(n int64) *FunctionBuilder {
	if n >= -128 && n <= 127 {
		return fb.EmitByte(OpPushInt8, byte(int8(n)))
	}
	return fb.EmitUint16(OpPushLiteral, fb.Literal(wire.FromInt(n)))
}

// PushFloat pushes a float literal.
func (fb *FunctionBuilder) PushFloat(x float64) *FunctionBuilder {
	return fb.EmitUint16(OpPushLiteral, fb.Literal(wire.FromFloat(x)))
}

// PushString pushes a string literal.
func (fb *FunctionBuilder) PushString(s string) *FunctionBuilder {
	return fb.EmitUint16(OpPushLiteral, fb.Literal(wire.FromString(s)))
}

// LoadLocal pushes local slot idx.
func (fb *FunctionBuilder) LoadLocal(idx int) *FunctionBuilder {
	return fb.EmitByte(OpLoadLocal, byte(idx))
}

// StoreLocal pops into local slot idx.
func (fb *FunctionBuilder) StoreLocal(idx int) *FunctionBuilder {
	return fb.EmitByte(OpStoreLocal, byte(idx))
}

// LoadGlobal pushes the named global.
func (fb *FunctionBuilder) LoadGlobal(name string) *FunctionBuilder {
	return fb.EmitUint16(OpLoadGlobal, fb.Literal(wire.FromString(name)))
}

// StoreGlobal pops into the named global.
func (fb *FunctionBuilder) StoreGlobal(name string) *FunctionBuilder {
	return fb.EmitUint16(OpStoreGlobal, fb.Literal(wire.FromString(name)))
}

// PC returns the current code offset, for use as a backward jump target.
func (fb *FunctionBuilder) PC() int { return len(fb.fn.Code) }

// Jump emits an unconditional jump to an already-known target.
func (fb *FunctionBuilder) Jump(target int) *FunctionBuilder {
	return fb.EmitUint16(OpJump, uint16(target))
}

// JumpForward emits a jump with a placeholder target and returns the patch
// site for PatchJump.
func (fb *FunctionBuilder) JumpForward(op Opcode) int {
	site := len(fb.fn.Code)
	fb.EmitUint16(op, 0)
	return site
}

// PatchJump points a JumpForward site at the current code offset.
func (fb *FunctionBuilder) PatchJump(site int) *FunctionBuilder {
	binary.BigEndian.PutUint16(fb.fn.Code[site+1:site+3], uint16(len(fb.fn.Code)))
	return fb
}
