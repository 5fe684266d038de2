package vm

import (
	"sync"
	"sync/atomic"

	"github.com/kestrelvm/kestrel/wire"
)

// ---------------------------------------------------------------------------
// Task: suspendable unit of guest execution
// ---------------------------------------------------------------------------

// TaskID identifies a task. Process-unique and never reused.
type TaskID uint64

// TaskStatus is the task lifecycle state.
type TaskStatus int32

const (
	// TaskReady is runnable and queued.
	TaskReady TaskStatus = iota
	// TaskRunning is executing on a worker.
	TaskRunning
	// TaskBlocked is waiting on a mutex, another task, or a capability.
	TaskBlocked
	// TaskSuspended is parked at a safepoint for a pause (GC).
	TaskSuspended
	// TaskCompleted finished with a result.
	TaskCompleted
	// TaskCancelled was cancelled and exited at a safepoint.
	TaskCancelled
	// TaskFailed finished with a guest error.
	TaskFailed
)

func (s TaskStatus) String() string {
	switch s {
	case TaskReady:
		return "ready"
	case TaskRunning:
		return "running"
	case TaskBlocked:
		return "blocked"
	case TaskSuspended:
		return "suspended"
	case TaskCompleted:
		return "completed"
	case TaskCancelled:
		return "cancelled"
	case TaskFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Terminal reports whether the status is final.
func (s TaskStatus) Terminal() bool {
	return s == TaskCompleted || s == TaskCancelled || s == TaskFailed
}

// Frame is one activation on a task's call stack. The engine owns the shape
// so the collector can scan locals and the operand stack precisely; the
// Code payload is opaque to the engine and private to the module that
// pushed it.
type Frame struct {
	Code   Code
	IP     int
	Locals []Value
	Stack  []Value
}

// Push appends to the frame's operand stack.
func (f *Frame) Push(v Value) { f.Stack = append(f.Stack, v) }

// Pop removes and returns the top of the operand stack.
func (f *Frame) Pop() (Value, bool) {
	if len(f.Stack) == 0 {
		return Nil, false
	}
	v := f.Stack[len(f.Stack)-1]
	f.Stack = f.Stack[:len(f.Stack)-1]
	return v, true
}

// Top returns the top of the operand stack without removing it.
func (f *Frame) Top() (Value, bool) {
	if len(f.Stack) == 0 {
		return Nil, false
	}
	return f.Stack[len(f.Stack)-1], true
}

// pendingCap tracks an in-flight capability invocation offloaded from the
// worker. The invoking task stays Blocked until done closes.
type pendingCap struct {
	done   chan struct{}
	result wire.Value
	err    error
}

// Task is a suspendable unit of guest execution. Frames and locals reference
// only values owned by the task's context.
//
// Mutable scheduling state (status, flags) is atomic; completion state
// (result, failure, waiters) is guarded by mu and written exactly once, by
// the worker that retires the task.
type Task struct {
	id     TaskID
	ctx    ContextID
	parent TaskID

	status  atomic.Int32
	cancel  atomic.Bool
	preempt atomic.Bool

	// wakePending latches a wakeup that raced with parking: the waker sets
	// it when it finds the task not yet Blocked, and the parking worker
	// consumes it instead of leaving the task parked.
	wakePending atomic.Bool

	// startedNanos is the wall-clock start of the current dispatch, used
	// by the preemption monitor. Zero when not running.
	startedNanos atomic.Int64

	frames []*Frame

	mu         sync.Mutex
	result     Value
	wireResult wire.Value
	wireErr    error
	failure    error
	waiters    []*Task
	done       chan struct{}

	cap *pendingCap
}

func newTask(id TaskID, ctx ContextID, parent TaskID) *Task {
	return &Task{
		id:     id,
		ctx:    ctx,
		parent: parent,
		done:   make(chan struct{}),
	}
}

// ID returns the task id.
func (t *Task) ID() TaskID { return t.id }

// Context returns the owning context id.
func (t *Task) Context() ContextID { return t.ctx }

// Parent returns the spawning task's id, or zero for entry tasks.
func (t *Task) Parent() TaskID { return t.parent }

// Status returns the current lifecycle state.
func (t *Task) Status() TaskStatus { return TaskStatus(t.status.Load()) }

func (t *Task) setStatus(s TaskStatus) { t.status.Store(int32(s)) }

// RequestCancel flags the task for cooperative cancellation. The task exits
// at its next safepoint, never mid-instruction.
func (t *Task) RequestCancel() { t.cancel.Store(true) }

// CancelRequested reports whether cancellation is pending.
func (t *Task) CancelRequested() bool { return t.cancel.Load() }

// RequestPreempt asks the task to yield at its next safepoint.
func (t *Task) RequestPreempt() { t.preempt.Store(true) }

// Frames returns the live call stack. Only the owning worker (or the
// collector, with the context paused) may touch it.
func (t *Task) Frames() []*Frame { return t.frames }

// CurrentFrame returns the innermost activation, or nil for a task with an
// empty stack.
func (t *Task) CurrentFrame() *Frame {
	if len(t.frames) == 0 {
		return nil
	}
	return t.frames[len(t.frames)-1]
}

// PushFrame begins a new activation. locals is sized to hold nlocals slots
// with args copied into the first positions.
func (t *Task) PushFrame(code Code, nlocals int, args []Value) *Frame {
	if nlocals < len(args) {
		nlocals = len(args)
	}
	f := &Frame{Code: code, Locals: make([]Value, nlocals)}
	copy(f.Locals, args)
	t.frames = append(t.frames, f)
	return f
}

// PopFrame ends the innermost activation and returns it.
func (t *Task) PopFrame() *Frame {
	if len(t.frames) == 0 {
		return nil
	}
	f := t.frames[len(t.frames)-1]
	t.frames[len(t.frames)-1] = nil
	t.frames = t.frames[:len(t.frames)-1]
	return f
}

// Depth returns the call-stack depth.
func (t *Task) Depth() int { return len(t.frames) }

// Result returns the completion value and error after the task reached a
// terminal state. The error is nil for completed tasks, ErrTaskCancelled
// for cancelled ones, and the guest failure for failed ones.
func (t *Task) Result() (Value, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	switch t.Status() {
	case TaskCompleted:
		return t.result, nil
	case TaskCancelled:
		return Nil, ErrTaskCancelled
	case TaskFailed:
		return Nil, t.failure
	default:
		return Nil, nil
	}
}

// WireResult returns the result marshalled at completion time, for awaiters
// outside the owning context. The wire form is captured while the heap is
// still live, so it stays valid after the context is terminated.
func (t *Task) WireResult() (wire.Value, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	switch t.Status() {
	case TaskCompleted:
		if t.wireErr != nil {
			return wire.Null(), t.wireErr
		}
		return t.wireResult, nil
	case TaskCancelled:
		return wire.Null(), ErrTaskCancelled
	case TaskFailed:
		return wire.Null(), &GuestError{Context: t.ctx, Task: t.id, Message: t.failure.Error(), cause: t.failure}
	default:
		return wire.Null(), nil
	}
}

// Done returns a channel closed when the task reaches a terminal state.
func (t *Task) Done() <-chan struct{} { return t.done }

// addWaiter registers a guest task to be requeued when this task retires.
// Returns false if the task is already terminal (the caller should not
// block).
func (t *Task) addWaiter(w *Task) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.Status().Terminal() {
		return false
	}
	t.waiters = append(t.waiters, w)
	return true
}

// takeWaiters removes and returns all registered waiters.
func (t *Task) takeWaiters() []*Task {
	t.mu.Lock()
	defer t.mu.Unlock()
	ws := t.waiters
	t.waiters = nil
	return ws
}
