package vm

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/tliron/commonlog"
)

var schedLog = commonlog.GetLogger("kestrel.scheduler")

// ---------------------------------------------------------------------------
// Scheduler: work-stealing pool shared by all contexts
// ---------------------------------------------------------------------------

// DefaultQuantum is the fuel cap per dispatch: after this many steps a task
// goes back through the global queue so every context with Ready work gets
// CPU time within a bounded number of rounds.
const DefaultQuantum = 1024

// DefaultPreemptThreshold is how long a single dispatch may hold a worker
// before the monitor requests preemption, on top of the fuel cap.
const DefaultPreemptThreshold = 10 * time.Millisecond

// SchedulerOptions configures the worker pool.
type SchedulerOptions struct {
	// Workers is the pool size. Zero means one worker per logical CPU as
	// decided by the caller; the scheduler itself defaults to 4.
	Workers int
	// Quantum is the per-dispatch fuel cap. Zero means DefaultQuantum.
	Quantum uint64
	// PreemptThreshold enables the wall-clock preemption monitor when
	// positive.
	PreemptThreshold time.Duration
}

// Scheduler runs every context's tasks on a fixed pool of workers. Contexts
// are a logical partition only: there is one global FIFO injector, one
// local deque per worker, and round-robin fairness falls out of the fuel
// cap plus FIFO requeueing.
type Scheduler struct {
	registry *Registry
	quantum  uint64

	injector *taskQueue
	workers  []*worker

	nextTaskID atomic.Uint64

	preemptThreshold time.Duration

	shutdown atomic.Bool
	wg       sync.WaitGroup

	started atomic.Bool
}

// NewScheduler creates a scheduler over the given registry. Call Start to
// spin up the workers.
func NewScheduler(registry *Registry, opts SchedulerOptions) *Scheduler {
	n := opts.Workers
	if n <= 0 {
		n = 4
	}
	quantum := opts.Quantum
	if quantum == 0 {
		quantum = DefaultQuantum
	}
	s := &Scheduler{
		registry:         registry,
		quantum:          quantum,
		injector:         newTaskQueue(),
		preemptThreshold: opts.PreemptThreshold,
	}
	for i := 0; i < n; i++ {
		s.workers = append(s.workers, newWorker(i, s))
	}
	return s
}

// Start launches the worker pool and, if configured, the preemption
// monitor. Idempotent.
func (s *Scheduler) Start() {
	if !s.started.CompareAndSwap(false, true) {
		return
	}
	for _, w := range s.workers {
		s.wg.Add(1)
		go w.run()
	}
	if s.preemptThreshold > 0 {
		s.wg.Add(1)
		go s.monitorLoop()
	}
	schedLog.Infof("started %d workers, quantum %d", len(s.workers), s.quantum)
}

// Stop shuts the pool down and waits for the workers to exit. Queued tasks
// stay queued; callers drain contexts first if they need clean retirement.
func (s *Scheduler) Stop() {
	if s.shutdown.CompareAndSwap(false, true) {
		s.wg.Wait()
	}
}

// Quantum returns the per-dispatch fuel cap.
func (s *Scheduler) Quantum() uint64 { return s.quantum }

// ---------------------------------------------------------------------------
// Task lifecycle
// ---------------------------------------------------------------------------

// Spawn creates a task in ctx running code and queues it on the global
// injector, so siblings spawned in sequence keep their creation order.
// The task slot is charged before anything is allocated; a rejected charge
// fails with ResourceLimitExceeded and no task exists.
func (s *Scheduler) Spawn(ctx *VmContext, code Code, args []Value, parent TaskID) (*Task, error) {
	if ctx.Draining() {
		return nil, ErrContextDraining
	}
	if err := ctx.gov.ChargeTask(); err != nil {
		return nil, err
	}
	t := newTask(TaskID(s.nextTaskID.Add(1)), ctx.id, parent)
	t.PushFrame(code, code.NumLocals(), args)
	t.setStatus(TaskReady)
	ctx.addTask(t)
	// Re-check after the task is visible in the context's table. A drain
	// that started between the admission check and addTask may already have
	// swept the table; a task admitted into that window would be queued
	// with nobody left to retire it.
	if ctx.Draining() {
		s.retire(ctx, t, TaskCancelled, Nil, nil)
		return nil, ErrContextDraining
	}
	s.injector.push(t)
	return t, nil
}

// wake makes a parked task runnable again. Wakeups from a worker go to that
// worker's local deque; wakeups from outside the pool (capability
// completions, host calls) go through the global injector. If the task has
// not finished parking yet, the wake is latched and the parking worker
// completes it.
func (s *Scheduler) wake(t *Task, local *worker) {
	if t.status.CompareAndSwap(int32(TaskBlocked), int32(TaskReady)) {
		s.enqueue(t, local)
		return
	}
	t.wakePending.Store(true)
}

func (s *Scheduler) enqueue(t *Task, local *worker) {
	if local != nil {
		local.local.pushBack(t)
		return
	}
	s.injector.push(t)
}

// retire moves a task to a terminal state exactly once. The winner of the
// status transition records the result, captures the wire form while the
// heap is live, releases the governor slot, closes the done channel, and
// wakes guest waiters. Returns false if the task was already terminal.
func (s *Scheduler) retire(ctx *VmContext, t *Task, terminal TaskStatus, result Value, failure error) bool {
	for {
		cur := t.status.Load()
		if TaskStatus(cur).Terminal() {
			return false
		}
		if t.status.CompareAndSwap(cur, int32(terminal)) {
			break
		}
	}

	t.mu.Lock()
	t.result = result
	t.failure = failure
	if terminal == TaskCompleted {
		t.wireResult, t.wireErr = MarshalOut(ctx, result)
	}
	// Drop the frames: nothing will resume this task, and releasing them
	// lets the next collection reclaim whatever only they referenced. Must
	// happen under mu: retirement on a dispatch path runs outside the
	// runners accounting, so a collector may be scanning these frames.
	t.frames = nil
	t.mu.Unlock()

	ctx.gov.ReleaseTask()
	close(t.done)

	for _, waiter := range t.takeWaiters() {
		s.wake(waiter, nil)
	}
	return true
}

// ---------------------------------------------------------------------------
// Context draining
// ---------------------------------------------------------------------------

// drainTimeout bounds the wait for running tasks to acknowledge
// cancellation at a safepoint.
const drainTimeout = 5 * time.Second

// DrainContext tears down all execution in ctx: no new scheduling, queued
// and blocked tasks are cancelled immediately, running tasks are cancelled
// cooperatively and awaited at their next safepoint, then the heap is
// freed. After it returns the context has zero live tasks and zero
// attributed heap bytes.
func (s *Scheduler) DrainContext(ctx *VmContext) {
	ctx.draining.Store(true)

	for _, t := range ctx.liveTasks() {
		t.RequestCancel()
	}

	// Ready, Blocked, and Suspended tasks cannot be inside a worker; they
	// retire here. Running tasks retire on their own worker at the next
	// safepoint.
	for _, t := range ctx.liveTasks() {
		switch t.Status() {
		case TaskReady, TaskBlocked, TaskSuspended:
			s.retire(ctx, t, TaskCancelled, Nil, nil)
		}
	}

	deadline := time.Now().Add(drainTimeout)
	for ctx.runners.Load() > 0 {
		if time.Now().After(deadline) {
			schedLog.Errorf("context %d: drain timed out with %d runners", ctx.id, ctx.runners.Load())
			break
		}
		time.Sleep(20 * time.Microsecond)
	}

	// Sweep up anything that parked between the two passes.
	for _, t := range ctx.liveTasks() {
		if !t.Status().Terminal() {
			s.retire(ctx, t, TaskCancelled, Nil, nil)
		}
		ctx.reapTask(t.id)
	}

	ctx.heap.reset()
}

// ---------------------------------------------------------------------------
// Preemption monitor
// ---------------------------------------------------------------------------

// monitorLoop watches running tasks and requests preemption of any dispatch
// that has held a worker longer than the threshold. Fuel normally bounds a
// dispatch; the monitor covers modules whose single steps are slow.
func (s *Scheduler) monitorLoop() {
	defer s.wg.Done()
	ticker := time.NewTicker(time.Millisecond)
	defer ticker.Stop()

	for range ticker.C {
		if s.shutdown.Load() {
			return
		}
		now := time.Now().UnixNano()
		for _, id := range s.registry.IDs() {
			ctx, ok := s.registry.Get(id)
			if !ok {
				continue
			}
			for _, t := range ctx.liveTasks() {
				started := t.startedNanos.Load()
				if started == 0 {
					continue
				}
				if time.Duration(now-started) >= s.preemptThreshold {
					t.RequestPreempt()
				}
			}
		}
	}
}

// ---------------------------------------------------------------------------
// Queues
// ---------------------------------------------------------------------------

// taskQueue is the global FIFO injector.
type taskQueue struct {
	mu    sync.Mutex
	tasks []*Task
}

func newTaskQueue() *taskQueue {
	return &taskQueue{}
}

func (q *taskQueue) push(t *Task) {
	q.mu.Lock()
	q.tasks = append(q.tasks, t)
	q.mu.Unlock()
}

func (q *taskQueue) pop() *Task {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.tasks) == 0 {
		return nil
	}
	t := q.tasks[0]
	copy(q.tasks, q.tasks[1:])
	q.tasks = q.tasks[:len(q.tasks)-1]
	return t
}

func (q *taskQueue) len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.tasks)
}

// localDeque is a worker's private run queue. The owner pushes and pops at
// the tail (LIFO, cache-friendly); thieves take from the head, the cold
// end.
type localDeque struct {
	mu    sync.Mutex
	tasks []*Task
}

func (d *localDeque) pushBack(t *Task) {
	d.mu.Lock()
	d.tasks = append(d.tasks, t)
	d.mu.Unlock()
}

func (d *localDeque) popBack() *Task {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.tasks) == 0 {
		return nil
	}
	t := d.tasks[len(d.tasks)-1]
	d.tasks = d.tasks[:len(d.tasks)-1]
	return t
}

func (d *localDeque) stealFront() *Task {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.tasks) == 0 {
		return nil
	}
	t := d.tasks[0]
	copy(d.tasks, d.tasks[1:])
	d.tasks = d.tasks[:len(d.tasks)-1]
	return t
}
