package vm

import (
	"fmt"
	"time"
)

// ---------------------------------------------------------------------------
// Worker: one scheduling loop of the pool
// ---------------------------------------------------------------------------

// idleSleep is how long a worker naps when it finds no work anywhere.
const idleSleep = 50 * time.Microsecond

type worker struct {
	id    int
	sched *Scheduler
	local *localDeque
}

func newWorker(id int, sched *Scheduler) *worker {
	return &worker{id: id, sched: sched, local: &localDeque{}}
}

// run is the worker loop: own deque first (LIFO, keeps wakeup chains hot),
// then the global injector, then stealing from siblings.
func (w *worker) run() {
	defer w.sched.wg.Done()
	for !w.sched.shutdown.Load() {
		t := w.find()
		if t == nil {
			time.Sleep(idleSleep)
			continue
		}
		w.dispatch(t)
	}
}

func (w *worker) find() *Task {
	if t := w.local.popBack(); t != nil {
		return t
	}
	if t := w.sched.injector.pop(); t != nil {
		return t
	}
	for i := range w.sched.workers {
		victim := w.sched.workers[(w.id+1+i)%len(w.sched.workers)]
		if victim == w {
			continue
		}
		if t := victim.local.stealFront(); t != nil {
			return t
		}
	}
	return nil
}

// dispatch runs one fuel quantum of t. Every gate here and in stepLoop is a
// safepoint: the task is between instructions, frames consistent.
func (w *worker) dispatch(t *Task) {
	switch t.Status() {
	case TaskReady, TaskSuspended:
	default:
		// Retired (or mid-transition) while queued; drop the stale entry.
		return
	}

	ctx, ok := w.sched.registry.Get(t.ctx)
	if !ok {
		// Contexts are removed only after a drain retires every admitted
		// task, so this queue entry is stale: the task is already terminal.
		return
	}

	if ctx.Draining() || t.CancelRequested() {
		w.sched.retire(ctx, t, TaskCancelled, Nil, nil)
		return
	}

	if ctx.CollectionPending() {
		// Stay out of the context so the collector can reach quiescence;
		// run the collection here if nobody else is.
		if !ctx.collectIdle() {
			t.setStatus(TaskSuspended)
			w.sched.injector.push(t)
			return
		}
	}

	module := ctx.Module()
	if module == nil {
		w.sched.retire(ctx, t, TaskFailed, Nil, ErrNoModule)
		return
	}

	ctx.runners.Add(1)
	t.setStatus(TaskRunning)
	t.startedNanos.Store(time.Now().UnixNano())

	w.stepLoop(ctx, module, t)

	t.startedNanos.Store(0)
	ctx.runners.Add(-1)
}

func (w *worker) stepLoop(ctx *VmContext, module Module, t *Task) {
	env := &Env{sched: w.sched, worker: w, ctx: ctx, task: t}
	fuel := w.sched.quantum

	for {
		if t.CancelRequested() || ctx.Draining() {
			w.sched.retire(ctx, t, TaskCancelled, Nil, nil)
			return
		}
		if ctx.CollectionPending() {
			w.park(t, TaskSuspended)
			return
		}
		if t.preempt.Swap(false) {
			w.park(t, TaskReady)
			return
		}
		if fuel == 0 {
			// Quantum exhausted: back through the global FIFO so every
			// context with Ready work gets its turn.
			w.park(t, TaskReady)
			return
		}
		if err := ctx.gov.ChargeSteps(1); err != nil {
			w.sched.retire(ctx, t, TaskFailed, Nil, err)
			return
		}
		fuel--

		out := module.Step(env, t)
		switch out.Kind {
		case OutcomeContinue:
		case OutcomeYield:
			w.park(t, TaskReady)
			return
		case OutcomeBlock:
			w.parkBlocked(t)
			return
		case OutcomeReturn:
			w.sched.retire(ctx, t, TaskCompleted, out.Result, nil)
			return
		case OutcomeFail:
			err := out.Err
			if err == nil {
				err = fmt.Errorf("vm: task %d failed without an error", t.id)
			}
			w.sched.retire(ctx, t, TaskFailed, Nil, err)
			return
		default:
			w.sched.retire(ctx, t, TaskFailed, Nil,
				fmt.Errorf("vm: task %d: invalid step outcome %d", t.id, out.Kind))
			return
		}
	}
}

// park requeues a runnable task. Suspended entries go through the global
// injector so the flagged context's queue keeps moving once the collection
// finishes; preempted and out-of-fuel tasks do too, which is what gives
// round-robin across contexts.
func (w *worker) park(t *Task, status TaskStatus) {
	t.setStatus(status)
	w.sched.injector.push(t)
}

// parkBlocked parks a task whose wakeup bookkeeping is already registered
// (mutex queue, waiter list, or capability goroutine). The wakePending
// latch closes the race with a waker that fired before the status flip.
func (w *worker) parkBlocked(t *Task) {
	t.setStatus(TaskBlocked)
	if t.wakePending.Swap(false) {
		if t.status.CompareAndSwap(int32(TaskBlocked), int32(TaskReady)) {
			w.local.pushBack(t)
		}
	}
}
