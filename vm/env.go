package vm

import (
	"fmt"

	"github.com/kestrelvm/kestrel/wire"
)

// ---------------------------------------------------------------------------
// Env: engine services exposed to a stepping module
// ---------------------------------------------------------------------------

// Env is the service surface a module steps through. One Env is scoped to
// one dispatch of one task; modules receive it in Step and must not retain
// it. Every mutation it offers stays inside the task's own context except
// capability invocation, which crosses the boundary by deep copy only.
type Env struct {
	sched  *Scheduler
	worker *worker
	ctx    *VmContext
	task   *Task
}

// NewEnv builds an Env outside a worker dispatch, for tests and for host
// code that steps a module directly. Wakeups it causes go through the
// global queue.
func NewEnv(sched *Scheduler, ctx *VmContext, t *Task) *Env {
	return &Env{sched: sched, ctx: ctx, task: t}
}

// Context returns the executing task's context.
func (e *Env) Context() *VmContext { return e.ctx }

// Task returns the executing task.
func (e *Env) Task() *Task { return e.task }

// ---------------------------------------------------------------------------
// Allocation
// ---------------------------------------------------------------------------
//
// All paths share one policy: charge first; on a rejected charge run a
// collection and retry once; only then surface ResourceLimitExceeded.

// AllocString allocates a string in the task's context.
func (e *Env) AllocString(s string) (Value, error) {
	return e.ctx.allocWithCollect(func() (Value, error) { return e.ctx.heap.AllocString(s) })
}

// AllocSequence allocates a sequence of n nil slots.
func (e *Env) AllocSequence(n int) (Value, error) {
	return e.ctx.allocWithCollect(func() (Value, error) { return e.ctx.heap.AllocSequence(n) })
}

// AllocSequenceFrom allocates a sequence initialized from vs.
func (e *Env) AllocSequenceFrom(vs []Value) (Value, error) {
	return e.ctx.allocWithCollect(func() (Value, error) { return e.ctx.heap.AllocSequenceFrom(vs) })
}

// AllocMapping allocates an empty mapping.
func (e *Env) AllocMapping(hint int) (Value, error) {
	return e.ctx.allocWithCollect(func() (Value, error) { return e.ctx.heap.AllocMapping(hint) })
}

// MappingSet writes a field, charging the governor for entries beyond the
// allocated shape. On a rejected charge the mapping is unchanged.
func (e *Env) MappingSet(v Value, key string, val Value) error {
	if !v.IsObject() || v.Object().kind != KindMapping {
		return fmt.Errorf("vm: mapping-set on non-mapping value")
	}
	obj := v.Object()
	if obj.owner != e.ctx.id {
		return ErrForeignHandle
	}
	if _, exists := obj.fields[key]; !exists {
		grow := func() (Value, error) {
			return Nil, e.ctx.heap.Grow(obj, mappingEntryBytes+int64(len(key)))
		}
		if _, err := e.ctx.allocWithCollect(grow); err != nil {
			return err
		}
	}
	obj.fields[key] = val
	return nil
}

// ---------------------------------------------------------------------------
// Globals
// ---------------------------------------------------------------------------

// Global reads a context global.
func (e *Env) Global(name string) (Value, bool) { return e.ctx.Global(name) }

// SetGlobal writes a context global.
func (e *Env) SetGlobal(name string, v Value) { e.ctx.SetGlobal(name, v) }

// ---------------------------------------------------------------------------
// Mutexes
// ---------------------------------------------------------------------------

// NewMutex mints a context-local mutex and returns its id.
func (e *Env) NewMutex() MutexID {
	return e.ctx.mutexes.create().id
}

// MutexLock tries to acquire a mutex for the current task. On false the
// task is queued FIFO behind the current owner; the module must return
// Blocked with the instruction pointer stationary, and the re-executed
// instruction will find the lock already handed to it.
func (e *Env) MutexLock(id MutexID) (bool, error) {
	m := e.ctx.mutexes.get(id)
	if m == nil {
		return false, fmt.Errorf("vm: unknown mutex %d", id)
	}
	return m.Lock(e.task), nil
}

// MutexUnlock releases a mutex held by the current task and requeues the
// next waiter, which now owns the lock.
func (e *Env) MutexUnlock(id MutexID) error {
	m := e.ctx.mutexes.get(id)
	if m == nil {
		return fmt.Errorf("vm: unknown mutex %d", id)
	}
	next, err := m.Unlock(e.task)
	if err != nil {
		return err
	}
	if next != nil {
		e.sched.wake(next, e.worker)
	}
	return nil
}

// ---------------------------------------------------------------------------
// Tasks
// ---------------------------------------------------------------------------

// Spawn creates a sibling task in the same context running the named entry
// point. Siblings spawned in sequence reach the scheduler in that order.
func (e *Env) Spawn(entry string, args []Value) (TaskID, error) {
	module := e.ctx.Module()
	if module == nil {
		return 0, ErrNoModule
	}
	code, ok := module.Entry(entry)
	if !ok {
		return 0, fmt.Errorf("vm: %q: %w", entry, ErrEntryNotFound)
	}
	t, err := e.sched.Spawn(e.ctx, code, args, e.task.id)
	if err != nil {
		return 0, err
	}
	return t.id, nil
}

// SpawnCode is Spawn for modules that resolve code objects themselves.
func (e *Env) SpawnCode(code Code, args []Value) (TaskID, error) {
	t, err := e.sched.Spawn(e.ctx, code, args, e.task.id)
	if err != nil {
		return 0, err
	}
	return t.id, nil
}

// AwaitTask joins a sibling task. If the target is already terminal it
// returns done=true with the result (or the target's failure as err). If
// not, the current task is registered as a waiter and done=false comes
// back: the module must return Blocked and re-execute after the target
// retires.
func (e *Env) AwaitTask(id TaskID) (bool, Value, error) {
	target, ok := e.ctx.Task(id)
	if !ok {
		return true, Nil, fmt.Errorf("vm: await of unknown task %d", id)
	}
	for {
		if target.Status().Terminal() {
			v, err := target.Result()
			return true, v, err
		}
		if target.addWaiter(e.task) {
			return false, Nil, nil
		}
		// Retired between the check and the registration; loop re-reads.
	}
}

// CancelTask requests cooperative cancellation of a sibling. A blocked
// target is woken so it can observe the flag and retire.
func (e *Env) CancelTask(id TaskID) error {
	target, ok := e.ctx.Task(id)
	if !ok {
		return fmt.Errorf("vm: cancel of unknown task %d", id)
	}
	target.RequestCancel()
	e.sched.wake(target, e.worker)
	return nil
}

// ---------------------------------------------------------------------------
// Capabilities
// ---------------------------------------------------------------------------

// InvokeCapability calls a granted host function. The first execution
// resolves the handler, deep-copies the arguments out, hands the call to a
// goroutine, and returns done=false: the module returns Blocked and the
// worker moves on, so a slow handler never holds a pool thread. The
// re-execution after completion returns done=true with the result copied
// into the context.
//
// Resolution and the argument copy happen before the handler starts, so
// revoking the capability afterwards does not disturb the call in flight.
func (e *Env) InvokeCapability(name string, args []Value) (bool, Value, error) {
	t := e.task

	if t.cap != nil {
		pc := t.cap
		select {
		case <-pc.done:
		default:
			// Spurious re-execution before completion; keep waiting.
			return false, Nil, nil
		}
		t.cap = nil
		if pc.err != nil {
			return true, Nil, pc.err
		}
		v, err := MarshalIn(e.ctx, pc.result)
		return true, v, err
	}

	handler, err := e.ctx.caps.Resolve(name)
	if err != nil {
		return true, Nil, err
	}
	wargs, err := MarshalAllOut(e.ctx, args)
	if err != nil {
		return true, Nil, err
	}

	pc := &pendingCap{done: make(chan struct{})}
	t.cap = pc
	sched := e.sched
	go func() {
		pc.result, pc.err = handler(wargs)
		close(pc.done)
		sched.wake(t, nil)
	}()
	return false, Nil, nil
}

// ReleaseHandle unpins a handle this context minted.
func (e *Env) ReleaseHandle(h wire.Handle) bool { return e.ctx.handles.release(h) }
