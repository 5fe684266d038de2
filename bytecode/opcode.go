package bytecode

import "fmt"

// ---------------------------------------------------------------------------
// Opcode definitions
// ---------------------------------------------------------------------------

// Opcode represents a single bytecode instruction.
type Opcode byte

// Stack Operations
const (
	OpNOP Opcode = 0x00 // no operation
	OpPOP Opcode = 0x01 // discard top of stack
	OpDUP Opcode = 0x02 // duplicate top of stack
)

// Push Constants
const (
	OpPushNil     Opcode = 0x10 // push nil
	OpPushTrue    Opcode = 0x11 // push true
	OpPushFalse   Opcode = 0x12 // push false
	OpPushInt8    Opcode = 0x13 // push 8-bit signed integer
	OpPushLiteral Opcode = 0x14 // push literal from literal pool (16-bit index)
)

// Variable Operations
const (
	OpLoadLocal   Opcode = 0x20 // push local slot (8-bit index)
	OpStoreLocal  Opcode = 0x21 // pop into local slot (8-bit index)
	OpLoadGlobal  Opcode = 0x22 // push global named by literal (16-bit index)
	OpStoreGlobal Opcode = 0x23 // pop into global named by literal (16-bit index)
)

// Arithmetic and Logic
const (
	OpAdd Opcode = 0x30 // pop b, a; push a+b
	OpSub Opcode = 0x31 // pop b, a; push a-b
	OpMul Opcode = 0x32 // pop b, a; push a*b
	OpDiv Opcode = 0x33 // pop b, a; push a/b
	OpNeg Opcode = 0x34 // pop a; push -a
	OpNot Opcode = 0x35 // pop a; push logical not
	OpEq  Opcode = 0x38 // pop b, a; push a = b
	OpLT  Opcode = 0x39 // pop b, a; push a < b
	OpLE  Opcode = 0x3A // pop b, a; push a <= b
)

// Control Flow
const (
	OpJump      Opcode = 0x40 // jump to absolute target (16-bit)
	OpJumpFalse Opcode = 0x41 // pop, jump if falsy (16-bit target)
	OpCall      Opcode = 0x42 // call function (16-bit name literal, 8-bit argc)
	OpReturn    Opcode = 0x43 // pop and return from current activation
	OpReturnNil Opcode = 0x44 // return nil from current activation
	OpFail      Opcode = 0x7F // pop message, fail the task
)

// Collections
const (
	OpNewSeq Opcode = 0x50 // pop n elements (8-bit n), push sequence
	OpSeqGet Opcode = 0x51 // pop index, seq; push element
	OpSeqSet Opcode = 0x52 // pop value, index, seq
	OpLen    Opcode = 0x53 // pop seq or string, push length
	OpNewMap Opcode = 0x54 // push empty mapping
	OpMapGet Opcode = 0x55 // pop key, map; push field or nil
	OpMapSet Opcode = 0x56 // pop value, key, map
	OpConcat Opcode = 0x57 // pop b, a strings; push concatenation
)

// Concurrency
const (
	OpSpawn      Opcode = 0x60 // spawn entry (16-bit name literal, 8-bit argc), push task id
	OpAwait      Opcode = 0x61 // block on task id at top of stack, replace with result
	OpYield      Opcode = 0x62 // give up the worker voluntarily
	OpCancelTask Opcode = 0x63 // pop task id, request cancellation
)

// Synchronization
const (
	OpNewMutex Opcode = 0x68 // push fresh mutex id
	OpLock     Opcode = 0x69 // block until mutex id at top of stack is held, then pop
	OpUnlock   Opcode = 0x6A // pop mutex id, release
)

// Capabilities
const (
	OpInvoke Opcode = 0x70 // invoke capability (16-bit name literal, 8-bit argc), push result
)

var opcodeNames = map[Opcode]string{
	OpNOP: "nop", OpPOP: "pop", OpDUP: "dup",
	OpPushNil: "push-nil", OpPushTrue: "push-true", OpPushFalse: "push-false",
	OpPushInt8: "push-int8", OpPushLiteral: "push-literal",
	OpLoadLocal: "load-local", OpStoreLocal: "store-local",
	OpLoadGlobal: "load-global", OpStoreGlobal: "store-global",
	OpAdd: "add", OpSub: "sub", OpMul: "mul", OpDiv: "div",
	OpNeg: "neg", OpNot: "not", OpEq: "eq", OpLT: "lt", OpLE: "le",
	OpJump: "jump", OpJumpFalse: "jump-false", OpCall: "call",
	OpReturn: "return", OpReturnNil: "return-nil", OpFail: "fail",
	OpNewSeq: "new-seq", OpSeqGet: "seq-get", OpSeqSet: "seq-set", OpLen: "len",
	OpNewMap: "new-map", OpMapGet: "map-get", OpMapSet: "map-set", OpConcat: "concat",
	OpSpawn: "spawn", OpAwait: "await", OpYield: "yield", OpCancelTask: "cancel-task",
	OpNewMutex: "new-mutex", OpLock: "lock", OpUnlock: "unlock",
	OpInvoke: "invoke",
}

// OperandBytes returns how many operand bytes follow the opcode.
func (op Opcode) OperandBytes() int {
	switch op {
	case OpPushInt8, OpLoadLocal, OpStoreLocal, OpNewSeq:
		return 1
	case OpPushLiteral, OpLoadGlobal, OpStoreGlobal, OpJump, OpJumpFalse:
		return 2
	case OpCall, OpSpawn, OpInvoke:
		return 3
	default:
		return 0
	}
}

// Name returns the mnemonic, or "unknown" for an unassigned byte.
func (op Opcode) Name() string {
	if n, ok := opcodeNames[op]; ok {
		return n
	}
	return "unknown"
}

func (op Opcode) String() string {
	return fmt.Sprintf("%s(0x%02X)", op.Name(), byte(op))
}
