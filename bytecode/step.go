package bytecode

import (
	"encoding/binary"
	"fmt"

	"github.com/kestrelvm/kestrel/vm"
	"github.com/kestrelvm/kestrel/wire"
)

// ---------------------------------------------------------------------------
// Interpreter
// ---------------------------------------------------------------------------
//
// Step executes exactly one instruction. Blocking opcodes (lock, await,
// invoke) leave the instruction pointer stationary and mutate nothing
// observable when they park: the instruction re-executes after wakeup and
// finds its wait already satisfied.

// Step implements vm.Module.
func (m *Module) Step(env *vm.Env, t *vm.Task) vm.StepOutcome {
	frame := t.CurrentFrame()
	if frame == nil {
		return vm.Failed(fmt.Errorf("bytecode: task %d has no activation", t.ID()))
	}
	f, ok := frame.Code.(*Function)
	if !ok {
		return vm.Failed(fmt.Errorf("bytecode: task %d frame holds foreign code", t.ID()))
	}

	// Running off the end of the code is an implicit nil return.
	if frame.IP >= len(f.Code) {
		return m.doReturn(t, vm.Nil)
	}

	op := Opcode(f.Code[frame.IP])
	width := 1 + op.OperandBytes()
	if frame.IP+width > len(f.Code) {
		return vm.Failed(fmt.Errorf("bytecode: %s: truncated operand at %d", f.Name, frame.IP))
	}
	operands := f.Code[frame.IP+1 : frame.IP+width]
	advance := func() { frame.IP += width }

	switch op {

	// --- stack ---

	case OpNOP:
		advance()

	case OpPOP:
		if _, ok := frame.Pop(); !ok {
			return underflow(f, op)
		}
		advance()

	case OpDUP:
		v, ok := frame.Top()
		if !ok {
			return underflow(f, op)
		}
		frame.Push(v)
		advance()

	// --- constants ---

	case OpPushNil:
		frame.Push(vm.Nil)
		advance()

	case OpPushTrue:
		frame.Push(vm.True)
		advance()

	case OpPushFalse:
		frame.Push(vm.False)
		advance()

	case OpPushInt8:
		frame.Push(vm.FromSmallInt(int64(int8(operands[0]))))
		advance()

	case OpPushLiteral:
		lit, err := f.literal(int(binary.BigEndian.Uint16(operands)))
		if err != nil {
			return vm.Failed(err)
		}
		v, err := pushableLiteral(env, f, lit)
		if err != nil {
			return vm.Failed(err)
		}
		frame.Push(v)
		advance()

	// --- variables ---

	case OpLoadLocal:
		idx := int(operands[0])
		if idx >= len(frame.Locals) {
			return vm.Failed(fmt.Errorf("bytecode: %s: local %d out of range", f.Name, idx))
		}
		frame.Push(frame.Locals[idx])
		advance()

	case OpStoreLocal:
		idx := int(operands[0])
		if idx >= len(frame.Locals) {
			return vm.Failed(fmt.Errorf("bytecode: %s: local %d out of range", f.Name, idx))
		}
		v, ok := frame.Pop()
		if !ok {
			return underflow(f, op)
		}
		frame.Locals[idx] = v
		advance()

	case OpLoadGlobal:
		name, err := f.stringLiteral(int(binary.BigEndian.Uint16(operands)))
		if err != nil {
			return vm.Failed(err)
		}
		v, found := env.Global(name)
		if !found {
			v = vm.Nil
		}
		frame.Push(v)
		advance()

	case OpStoreGlobal:
		name, err := f.stringLiteral(int(binary.BigEndian.Uint16(operands)))
		if err != nil {
			return vm.Failed(err)
		}
		v, ok := frame.Pop()
		if !ok {
			return underflow(f, op)
		}
		env.SetGlobal(name, v)
		advance()

	// --- arithmetic ---

	case OpAdd, OpSub, OpMul, OpDiv:
		b, ok1 := frame.Pop()
		a, ok2 := frame.Pop()
		if !ok1 || !ok2 {
			return underflow(f, op)
		}
		v, err := arith(f, op, a, b)
		if err != nil {
			return vm.Failed(err)
		}
		frame.Push(v)
		advance()

	case OpNeg:
		a, ok := frame.Pop()
		if !ok {
			return underflow(f, op)
		}
		if a.IsSmallInt() {
			frame.Push(vm.FromSmallInt(-a.SmallInt()))
		} else if a.IsFloat() {
			frame.Push(vm.FromFloat(-a.Float()))
		} else {
			return vm.Failed(fmt.Errorf("bytecode: %s: neg of non-number", f.Name))
		}
		advance()

	case OpNot:
		a, ok := frame.Pop()
		if !ok {
			return underflow(f, op)
		}
		frame.Push(vm.FromBool(!a.IsTruthy()))
		advance()

	case OpEq, OpLT, OpLE:
		b, ok1 := frame.Pop()
		a, ok2 := frame.Pop()
		if !ok1 || !ok2 {
			return underflow(f, op)
		}
		v, err := compare(f, op, a, b)
		if err != nil {
			return vm.Failed(err)
		}
		frame.Push(v)
		advance()

	// --- control flow ---

	case OpJump:
		frame.IP = int(binary.BigEndian.Uint16(operands))

	case OpJumpFalse:
		v, ok := frame.Pop()
		if !ok {
			return underflow(f, op)
		}
		if v.IsTruthy() {
			advance()
		} else {
			frame.IP = int(binary.BigEndian.Uint16(operands))
		}

	case OpCall:
		name, err := f.stringLiteral(int(binary.BigEndian.Uint16(operands[:2])))
		if err != nil {
			return vm.Failed(err)
		}
		argc := int(operands[2])
		callee, found := m.Functions[name]
		if !found {
			return vm.Failed(fmt.Errorf("bytecode: %s: call of unknown function %q", f.Name, name))
		}
		args, ok := popN(frame, argc)
		if !ok {
			return underflow(f, op)
		}
		// The caller resumes after the call site once the callee returns.
		advance()
		t.PushFrame(callee, callee.NumLocals(), args)

	case OpReturn:
		ret, ok := frame.Pop()
		if !ok {
			return underflow(f, op)
		}
		return m.doReturn(t, ret)

	case OpReturnNil:
		return m.doReturn(t, vm.Nil)

	case OpFail:
		v, ok := frame.Pop()
		if !ok {
			return underflow(f, op)
		}
		return vm.Failed(fmt.Errorf("bytecode: %s: %s", f.Name, displayString(v)))

	// --- collections ---

	case OpNewSeq:
		n := int(operands[0])
		elems, ok := popN(frame, n)
		if !ok {
			return underflow(f, op)
		}
		v, err := env.AllocSequenceFrom(elems)
		if err != nil {
			return vm.Failed(err)
		}
		frame.Push(v)
		advance()

	case OpSeqGet:
		idx, ok1 := frame.Pop()
		seq, ok2 := frame.Pop()
		if !ok1 || !ok2 {
			return underflow(f, op)
		}
		obj, err := sequenceOf(f, seq)
		if err != nil {
			return vm.Failed(err)
		}
		i := int(idx.SmallInt())
		el, found := obj.Elem(i)
		if !idx.IsSmallInt() || !found {
			return vm.Failed(fmt.Errorf("bytecode: %s: sequence index out of range", f.Name))
		}
		frame.Push(el)
		advance()

	case OpSeqSet:
		val, ok1 := frame.Pop()
		idx, ok2 := frame.Pop()
		seq, ok3 := frame.Pop()
		if !ok1 || !ok2 || !ok3 {
			return underflow(f, op)
		}
		obj, err := sequenceOf(f, seq)
		if err != nil {
			return vm.Failed(err)
		}
		i := int(idx.SmallInt())
		if !idx.IsSmallInt() || i < 0 || i >= obj.Len() {
			return vm.Failed(fmt.Errorf("bytecode: %s: sequence index out of range", f.Name))
		}
		obj.SetElem(i, val)
		advance()

	case OpLen:
		v, ok := frame.Pop()
		if !ok {
			return underflow(f, op)
		}
		if !v.IsObject() {
			return vm.Failed(fmt.Errorf("bytecode: %s: len of non-collection", f.Name))
		}
		obj := v.Object()
		switch obj.Kind() {
		case vm.KindString:
			frame.Push(vm.FromSmallInt(int64(len(obj.Str()))))
		case vm.KindSequence:
			frame.Push(vm.FromSmallInt(int64(obj.Len())))
		default:
			return vm.Failed(fmt.Errorf("bytecode: %s: len of %s", f.Name, obj.Kind()))
		}
		advance()

	case OpNewMap:
		v, err := env.AllocMapping(0)
		if err != nil {
			return vm.Failed(err)
		}
		frame.Push(v)
		advance()

	case OpMapGet:
		key, ok1 := frame.Pop()
		mv, ok2 := frame.Pop()
		if !ok1 || !ok2 {
			return underflow(f, op)
		}
		obj, k, err := mappingOf(f, mv, key)
		if err != nil {
			return vm.Failed(err)
		}
		val, found := obj.Field(k)
		if !found {
			val = vm.Nil
		}
		frame.Push(val)
		advance()

	case OpMapSet:
		val, ok1 := frame.Pop()
		key, ok2 := frame.Pop()
		mv, ok3 := frame.Pop()
		if !ok1 || !ok2 || !ok3 {
			return underflow(f, op)
		}
		_, k, err := mappingOf(f, mv, key)
		if err != nil {
			return vm.Failed(err)
		}
		if err := env.MappingSet(mv, k, val); err != nil {
			return vm.Failed(err)
		}
		advance()

	case OpConcat:
		b, ok1 := frame.Pop()
		a, ok2 := frame.Pop()
		if !ok1 || !ok2 {
			return underflow(f, op)
		}
		as, aok := stringOf(a)
		bs, bok := stringOf(b)
		if !aok || !bok {
			return vm.Failed(fmt.Errorf("bytecode: %s: concat of non-strings", f.Name))
		}
		v, err := env.AllocString(as + bs)
		if err != nil {
			return vm.Failed(err)
		}
		frame.Push(v)
		advance()

	// --- concurrency ---

	case OpSpawn:
		name, err := f.stringLiteral(int(binary.BigEndian.Uint16(operands[:2])))
		if err != nil {
			return vm.Failed(err)
		}
		argc := int(operands[2])
		args, ok := popN(frame, argc)
		if !ok {
			return underflow(f, op)
		}
		id, err := env.Spawn(name, args)
		if err != nil {
			return vm.Failed(err)
		}
		frame.Push(vm.FromSmallInt(int64(id)))
		advance()

	case OpAwait:
		v, ok := frame.Top()
		if !ok {
			return underflow(f, op)
		}
		if !v.IsSmallInt() {
			return vm.Failed(fmt.Errorf("bytecode: %s: await of non-task value", f.Name))
		}
		id := vm.TaskID(v.SmallInt())
		done, result, err := env.AwaitTask(id)
		if !done {
			return vm.Blocked(vm.BlockReason{Kind: vm.BlockTask, Task: id})
		}
		frame.Pop()
		if err != nil {
			return vm.Failed(err)
		}
		frame.Push(result)
		advance()

	case OpYield:
		advance()
		return vm.Yield()

	case OpCancelTask:
		v, ok := frame.Pop()
		if !ok {
			return underflow(f, op)
		}
		if !v.IsSmallInt() {
			return vm.Failed(fmt.Errorf("bytecode: %s: cancel of non-task value", f.Name))
		}
		if err := env.CancelTask(vm.TaskID(v.SmallInt())); err != nil {
			return vm.Failed(err)
		}
		advance()

	// --- synchronization ---

	case OpNewMutex:
		frame.Push(vm.FromSmallInt(int64(env.NewMutex())))
		advance()

	case OpLock:
		v, ok := frame.Top()
		if !ok {
			return underflow(f, op)
		}
		if !v.IsSmallInt() {
			return vm.Failed(fmt.Errorf("bytecode: %s: lock of non-mutex value", f.Name))
		}
		id := vm.MutexID(v.SmallInt())
		held, err := env.MutexLock(id)
		if err != nil {
			return vm.Failed(err)
		}
		if !held {
			return vm.Blocked(vm.BlockReason{Kind: vm.BlockMutex, Mutex: id})
		}
		frame.Pop()
		advance()

	case OpUnlock:
		v, ok := frame.Pop()
		if !ok {
			return underflow(f, op)
		}
		if !v.IsSmallInt() {
			return vm.Failed(fmt.Errorf("bytecode: %s: unlock of non-mutex value", f.Name))
		}
		if err := env.MutexUnlock(vm.MutexID(v.SmallInt())); err != nil {
			return vm.Failed(err)
		}
		advance()

	// --- capabilities ---

	case OpInvoke:
		name, err := f.stringLiteral(int(binary.BigEndian.Uint16(operands[:2])))
		if err != nil {
			return vm.Failed(err)
		}
		argc := int(operands[2])
		if len(frame.Stack) < argc {
			return underflow(f, op)
		}
		// Arguments stay on the stack until the call completes so the
		// parked re-execution sees the same operand state.
		args := frame.Stack[len(frame.Stack)-argc:]
		done, result, err := env.InvokeCapability(name, args)
		if !done {
			return vm.Blocked(vm.BlockReason{Kind: vm.BlockCapability})
		}
		frame.Stack = frame.Stack[:len(frame.Stack)-argc]
		if err != nil {
			return vm.Failed(err)
		}
		frame.Push(result)
		advance()

	default:
		return vm.Failed(fmt.Errorf("bytecode: %s: unknown opcode 0x%02X at %d", f.Name, byte(op), frame.IP))
	}

	return vm.Continue()
}

// doReturn pops the current activation, finishing the task if it was the
// outermost one.
func (m *Module) doReturn(t *vm.Task, ret vm.Value) vm.StepOutcome {
	t.PopFrame()
	if t.Depth() == 0 {
		return vm.Returned(ret)
	}
	t.CurrentFrame().Push(ret)
	return vm.Continue()
}

// ---------------------------------------------------------------------------
// Helpers
// ---------------------------------------------------------------------------

func underflow(f *Function, op Opcode) vm.StepOutcome {
	return vm.Failed(fmt.Errorf("bytecode: %s: stack underflow at %s", f.Name, op.Name()))
}

// popN pops n values, restoring push order.
func popN(frame *vm.Frame, n int) ([]vm.Value, bool) {
	if len(frame.Stack) < n {
		return nil, false
	}
	out := make([]vm.Value, n)
	copy(out, frame.Stack[len(frame.Stack)-n:])
	frame.Stack = frame.Stack[:len(frame.Stack)-n]
	return out, true
}

func arith(f *Function, op Opcode, a, b vm.Value) (vm.Value, error) {
	if a.IsSmallInt() && b.IsSmallInt() && op != OpDiv {
		var r int64
		switch op {
		case OpAdd:
			r = a.SmallInt() + b.SmallInt()
		case OpSub:
			r = a.SmallInt() - b.SmallInt()
		case OpMul:
			r = a.SmallInt() * b.SmallInt()
		}
		if vm.FitsSmallInt(r) {
			return vm.FromSmallInt(r), nil
		}
		return vm.FromFloat(float64(r)), nil
	}
	if !isNumber(a) || !isNumber(b) {
		return vm.Nil, fmt.Errorf("bytecode: %s: %s of non-numbers", f.Name, op.Name())
	}
	x, _ := a.Number()
	y, _ := b.Number()
	switch op {
	case OpAdd:
		return vm.FromFloat(x + y), nil
	case OpSub:
		return vm.FromFloat(x - y), nil
	case OpMul:
		return vm.FromFloat(x * y), nil
	default:
		if y == 0 {
			return vm.Nil, fmt.Errorf("bytecode: %s: division by zero", f.Name)
		}
		return vm.FromFloat(x / y), nil
	}
}

func compare(f *Function, op Opcode, a, b vm.Value) (vm.Value, error) {
	if op == OpEq {
		return vm.FromBool(valueEq(a, b)), nil
	}
	if !isNumber(a) || !isNumber(b) {
		return vm.Nil, fmt.Errorf("bytecode: %s: %s of non-numbers", f.Name, op.Name())
	}
	x, _ := a.Number()
	y, _ := b.Number()
	if op == OpLT {
		return vm.FromBool(x < y), nil
	}
	return vm.FromBool(x <= y), nil
}

// valueEq compares numbers by value, strings by content, and everything
// else by identity.
func valueEq(a, b vm.Value) bool {
	if isNumber(a) && isNumber(b) {
		an, _ := a.Number()
		bn, _ := b.Number()
		return an == bn
	}
	as, aok := stringOf(a)
	bs, bok := stringOf(b)
	if aok && bok {
		return as == bs
	}
	return a == b
}

func isNumber(v vm.Value) bool { return v.IsSmallInt() || v.IsFloat() }

func stringOf(v vm.Value) (string, bool) {
	if v.IsObject() && v.Object().Kind() == vm.KindString {
		return v.Object().Str(), true
	}
	return "", false
}

func sequenceOf(f *Function, v vm.Value) (*vm.Object, error) {
	if v.IsObject() && v.Object().Kind() == vm.KindSequence {
		return v.Object(), nil
	}
	return nil, fmt.Errorf("bytecode: %s: expected a sequence", f.Name)
}

func mappingOf(f *Function, mv, key vm.Value) (*vm.Object, string, error) {
	if !mv.IsObject() || mv.Object().Kind() != vm.KindMapping {
		return nil, "", fmt.Errorf("bytecode: %s: expected a mapping", f.Name)
	}
	k, ok := stringOf(key)
	if !ok {
		return nil, "", fmt.Errorf("bytecode: %s: mapping keys must be strings", f.Name)
	}
	return mv.Object(), k, nil
}

func displayString(v vm.Value) string {
	if s, ok := stringOf(v); ok {
		return s
	}
	return v.String()
}

// pushableLiteral materializes a pool literal as a context value. Strings
// allocate; composite literals are not supported in the pool.
func pushableLiteral(env *vm.Env, f *Function, lit wire.Value) (vm.Value, error) {
	switch lit.Kind {
	case wire.KindNull:
		return vm.Nil, nil
	case wire.KindBool:
		return vm.FromBool(lit.Bool), nil
	case wire.KindInt:
		if vm.FitsSmallInt(lit.Int) {
			return vm.FromSmallInt(lit.Int), nil
		}
		return vm.FromFloat(float64(lit.Int)), nil
	case wire.KindFloat:
		return vm.FromFloat(lit.Float), nil
	case wire.KindString:
		return env.AllocString(lit.Str)
	default:
		return vm.Nil, fmt.Errorf("bytecode: %s: unsupported literal kind %s", f.Name, lit.Kind)
	}
}
