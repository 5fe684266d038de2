package bytecode

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/kestrelvm/kestrel/vm"
	"github.com/kestrelvm/kestrel/wire"
)

// ---------------------------------------------------------------------------
// Interpreter Tests
// ---------------------------------------------------------------------------

func runProgram(t *testing.T, opts vm.SchedulerOptions, limits vm.ResourceLimits,
	caps map[string]vm.Handler, m *Module, entry string, args []wire.Value) (wire.Value, *vm.Sandbox, error) {
	t.Helper()
	machine := vm.NewMachine(opts)
	machine.Start()
	t.Cleanup(machine.Close)

	sb := machine.NewSandbox(vm.SandboxOptions{Limits: limits, Capabilities: caps})
	sb.Load(m)
	h, err := sb.RunEntry(entry, args)
	if err != nil {
		t.Fatalf("RunEntry: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	v, err := h.Await(ctx)
	if errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("program did not finish")
	}
	return v, sb, err
}

func TestStepArithmetic(t *testing.T) {
	b := NewBuilder("arith")
	fb := b.Function("main", 0, 0)
	// (3 + 4) * 2 - 5 = 9
	fb.PushInt(3).PushInt(4).Emit(OpAdd)
	fb.PushInt(2).Emit(OpMul)
	fb.PushInt(5).Emit(OpSub)
	fb.Emit(OpReturn)

	v, _, err := runProgram(t, vm.SchedulerOptions{Workers: 1}, vm.Unlimited(), nil, b.Build(), "main", nil)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if v.Kind != wire.KindInt || v.Int != 9 {
		t.Fatalf("result = %v, want 9", v)
	}
}

func TestStepFloatDivision(t *testing.T) {
	b := NewBuilder("div")
	fb := b.Function("main", 0, 0)
	fb.PushInt(7).PushInt(2).Emit(OpDiv).Emit(OpReturn)
	v, _, err := runProgram(t, vm.SchedulerOptions{Workers: 1}, vm.Unlimited(), nil, b.Build(), "main", nil)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if v.Kind != wire.KindFloat || v.Float != 3.5 {
		t.Fatalf("result = %v, want 3.5", v)
	}

	b2 := NewBuilder("div0")
	fb2 := b2.Function("main", 0, 0)
	fb2.PushInt(1).PushInt(0).Emit(OpDiv).Emit(OpReturn)
	_, _, err = runProgram(t, vm.SchedulerOptions{Workers: 1}, vm.Unlimited(), nil, b2.Build(), "main", nil)
	if err == nil || !strings.Contains(err.Error(), "division by zero") {
		t.Fatalf("division by zero: %v", err)
	}
}

func TestStepRecursiveCall(t *testing.T) {
	b := NewBuilder("fib")
	fb := b.Function("fib", 1, 1)
	fb.LoadLocal(0).PushInt(2).Emit(OpLT)
	els := fb.JumpForward(OpJumpFalse)
	fb.LoadLocal(0).Emit(OpReturn)
	fb.PatchJump(els)
	fb.LoadLocal(0).PushInt(1).Emit(OpSub).Call("fib", 1)
	fb.LoadLocal(0).PushInt(2).Emit(OpSub).Call("fib", 1)
	fb.Emit(OpAdd).Emit(OpReturn)

	v, _, err := runProgram(t, vm.SchedulerOptions{Workers: 2}, vm.Unlimited(), nil,
		b.Build(), "fib", []wire.Value{wire.FromInt(10)})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if v.Int != 55 {
		t.Fatalf("fib(10) = %v, want 55", v)
	}
}

func TestStepCollectionsAndGlobals(t *testing.T) {
	b := NewBuilder("coll")
	fb := b.Function("main", 0, 1)
	// seq := [10, 20]; seq[1] = 21; m := {"k": seq[0] + seq[1]}; return m["k"]
	fb.PushInt(10).PushInt(20).EmitByte(OpNewSeq, 2).StoreLocal(0)
	fb.LoadLocal(0).PushInt(1).PushInt(21).Emit(OpSeqSet)
	fb.Emit(OpNewMap).StoreGlobal("m")
	fb.LoadGlobal("m").PushString("k")
	fb.LoadLocal(0).PushInt(0).Emit(OpSeqGet)
	fb.LoadLocal(0).PushInt(1).Emit(OpSeqGet)
	fb.Emit(OpAdd)
	fb.Emit(OpMapSet)
	fb.LoadGlobal("m").PushString("k").Emit(OpMapGet)
	fb.Emit(OpReturn)

	v, _, err := runProgram(t, vm.SchedulerOptions{Workers: 1}, vm.Unlimited(), nil, b.Build(), "main", nil)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if v.Int != 31 {
		t.Fatalf("result = %v, want 31", v)
	}
}

func TestStepStringOps(t *testing.T) {
	b := NewBuilder("str")
	fb := b.Function("main", 1, 1)
	fb.PushString("hello, ").LoadLocal(0).Emit(OpConcat)
	fb.Emit(OpDUP).Emit(OpLen).StoreGlobal("n")
	fb.Emit(OpReturn)

	v, _, err := runProgram(t, vm.SchedulerOptions{Workers: 1}, vm.Unlimited(), nil,
		b.Build(), "main", []wire.Value{wire.FromString("world")})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if v.Str != "hello, world" {
		t.Fatalf("result = %v", v)
	}
}

func TestStepFailOpcode(t *testing.T) {
	b := NewBuilder("fail")
	fb := b.Function("main", 0, 0)
	fb.PushString("deliberate").Emit(OpFail)

	_, _, err := runProgram(t, vm.SchedulerOptions{Workers: 1}, vm.Unlimited(), nil, b.Build(), "main", nil)
	ge, ok := vm.AsGuestError(err)
	if !ok || !strings.Contains(ge.Message, "deliberate") {
		t.Fatalf("fail opcode: %v", err)
	}
}

func TestStepInvokeCapability(t *testing.T) {
	double := func(args []wire.Value) (wire.Value, error) {
		return wire.FromInt(args[0].Int * 2), nil
	}
	b := NewBuilder("cap")
	fb := b.Function("main", 0, 0)
	fb.PushInt(21).Invoke("double", 1).Emit(OpReturn)

	v, _, err := runProgram(t, vm.SchedulerOptions{Workers: 2}, vm.Unlimited(),
		map[string]vm.Handler{"double": double}, b.Build(), "main", nil)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if v.Int != 42 {
		t.Fatalf("result = %v, want 42", v)
	}
}

// TestStepMutexFIFOScenario spawns 100 workers contending on one mutex. On
// a single pool worker arrival order is spawn order, so the acquisition
// history must be exactly the spawn order, and the guarded counter must
// reach 100 with no lost updates.
func TestStepMutexFIFOScenario(t *testing.T) {
	const workers = 100

	b := NewBuilder("fifo")
	fb := b.Function("main", 0, 1)
	fb.Emit(OpNewMutex).StoreGlobal("m")
	fb.PushInt(0).StoreGlobal("count")
	fb.PushInt(0).StoreLocal(0)
	loop := fb.PC()
	fb.LoadLocal(0).PushInt(workers).Emit(OpLT)
	done := fb.JumpForward(OpJumpFalse)
	fb.Spawn("worker", 0).Emit(OpPOP)
	fb.LoadLocal(0).PushInt(1).Emit(OpAdd).StoreLocal(0)
	fb.Jump(loop)
	fb.PatchJump(done)
	poll := fb.PC()
	fb.LoadGlobal("count").PushInt(workers).Emit(OpEq)
	notYet := fb.JumpForward(OpJumpFalse)
	fb.LoadGlobal("count").Emit(OpReturn)
	fb.PatchJump(notYet)
	fb.Emit(OpYield)
	fb.Jump(poll)

	wb := b.Function("worker", 0, 0)
	wb.LoadGlobal("m").Emit(OpLock)
	// Yield while holding the lock so every sibling queues up behind us.
	wb.Emit(OpYield)
	wb.LoadGlobal("count").PushInt(1).Emit(OpAdd).StoreGlobal("count")
	wb.LoadGlobal("m").Emit(OpUnlock)
	wb.Emit(OpReturnNil)

	v, sb, err := runProgram(t, vm.SchedulerOptions{Workers: 1, Quantum: 64},
		vm.Unlimited(), nil, b.Build(), "main", nil)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if v.Int != workers {
		t.Fatalf("count = %v, want %d", v.Int, workers)
	}

	order := sb.Context().Mutex(1).AcquireOrder()
	if len(order) != workers {
		t.Fatalf("%d acquisitions, want %d", len(order), workers)
	}
	// The entry task is id 1; workers are spawned as 2..workers+1 and must
	// acquire in that order.
	for i, id := range order {
		if id != vm.TaskID(i+2) {
			t.Fatalf("acquisition %d went to task %d, want %d (order %v...)", i, id, i+2, order[:i+1])
		}
	}
}

func TestStepUnlockByNonOwnerFails(t *testing.T) {
	b := NewBuilder("badunlock")
	fb := b.Function("main", 0, 0)
	fb.Emit(OpNewMutex).Emit(OpUnlock).Emit(OpReturnNil)

	_, _, err := runProgram(t, vm.SchedulerOptions{Workers: 1}, vm.Unlimited(), nil, b.Build(), "main", nil)
	if err == nil || !strings.Contains(err.Error(), "non-owner") {
		t.Fatalf("non-owner unlock: %v", err)
	}
}

func TestStepSpawnAwait(t *testing.T) {
	b := NewBuilder("join")
	fb := b.Function("main", 0, 0)
	fb.PushInt(6).PushInt(7).Spawn("mul", 2)
	fb.Emit(OpAwait).Emit(OpReturn)
	mb := b.Function("mul", 2, 2)
	mb.LoadLocal(0).LoadLocal(1).Emit(OpMul).Emit(OpReturn)

	v, _, err := runProgram(t, vm.SchedulerOptions{Workers: 2}, vm.Unlimited(), nil, b.Build(), "main", nil)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if v.Int != 42 {
		t.Fatalf("result = %v, want 42", v)
	}
}

func TestStepStepBudgetStopsRunawayLoop(t *testing.T) {
	b := NewBuilder("spin")
	fb := b.Function("main", 0, 0)
	loop := fb.PC()
	fb.Emit(OpNOP)
	fb.Jump(loop)

	_, _, err := runProgram(t, vm.SchedulerOptions{Workers: 1, Quantum: 128},
		vm.ResourceLimits{Steps: 10000}, nil, b.Build(), "main", nil)
	if !errors.Is(err, vm.ErrResourceLimitExceeded) {
		t.Fatalf("runaway loop: %v", err)
	}
}
