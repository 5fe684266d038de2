package vm

import (
	"context"
	"fmt"
	"time"

	"github.com/tliron/commonlog"

	"github.com/kestrelvm/kestrel/wire"
)

var log = commonlog.GetLogger("kestrel.vm")

// ---------------------------------------------------------------------------
// Machine: the engine facade
// ---------------------------------------------------------------------------

// Machine owns the context registry and the shared worker pool. One Machine
// per process is the expected shape; all of its methods are safe for
// concurrent use.
type Machine struct {
	registry *Registry
	sched    *Scheduler
}

// NewMachine creates a machine with the given scheduling options. Call
// Start before running anything.
func NewMachine(opts SchedulerOptions) *Machine {
	registry := NewRegistry()
	return &Machine{
		registry: registry,
		sched:    NewScheduler(registry, opts),
	}
}

// Start spins up the worker pool.
func (m *Machine) Start() { m.sched.Start() }

// Close drains every live sandbox and stops the pool.
func (m *Machine) Close() {
	for _, id := range m.registry.IDs() {
		if ctx, ok := m.registry.Get(id); ok {
			m.sched.DrainContext(ctx)
			m.registry.Remove(id)
		}
	}
	m.sched.Stop()
}

// Registry exposes the context table, for control planes that enumerate
// sandboxes.
func (m *Machine) Registry() *Registry { return m.registry }

// Scheduler exposes the worker pool.
func (m *Machine) Scheduler() *Scheduler { return m.sched }

// SandboxOptions configures a new sandbox.
type SandboxOptions struct {
	// Limits are the resource ceilings; zero fields mean unlimited.
	Limits ResourceLimits
	// Capabilities are granted before anything can run, so guest code
	// never observes a window where a promised capability is missing.
	Capabilities map[string]Handler
}

// NewSandbox creates an isolated execution context on this machine.
func (m *Machine) NewSandbox(opts SandboxOptions) *Sandbox {
	ctx := m.registry.Create(opts.Limits)
	for name, h := range opts.Capabilities {
		ctx.caps.Register(name, h)
	}
	log.Infof("sandbox %d created (heap=%d tasks=%d steps=%d)",
		ctx.id, opts.Limits.HeapBytes, opts.Limits.Tasks, opts.Limits.Steps)
	return &Sandbox{machine: m, ctx: ctx}
}

// Sandbox looks up a live sandbox by context id.
func (m *Machine) Sandbox(id ContextID) (*Sandbox, bool) {
	ctx, ok := m.registry.Get(id)
	if !ok {
		return nil, false
	}
	return &Sandbox{machine: m, ctx: ctx}, true
}

// ---------------------------------------------------------------------------
// Sandbox: the host's view of one context
// ---------------------------------------------------------------------------

// Sandbox is the host-facing wrapper around one context. Values cross it
// only in wire form; nothing a Sandbox returns aliases guest memory.
type Sandbox struct {
	machine *Machine
	ctx     *VmContext
}

// ID returns the underlying context id.
func (s *Sandbox) ID() ContextID { return s.ctx.id }

// Context returns the underlying context, for engine-level integrations
// (snapshotting, diagnostics).
func (s *Sandbox) Context() *VmContext { return s.ctx }

// Load installs a decoded module. Replacing the module of a sandbox with
// live tasks is the caller's hazard; the expected sequence is create, load,
// run.
func (s *Sandbox) Load(module Module) {
	s.ctx.SetModule(module)
}

// Grant adds or replaces a capability.
func (s *Sandbox) Grant(name string, h Handler) {
	s.ctx.caps.Register(name, h)
}

// Revoke withdraws a capability. Invocations already past argument marshal
// complete normally; the next invocation fails with CapabilityRevoked.
func (s *Sandbox) Revoke(name string) bool {
	return s.ctx.caps.Revoke(name)
}

// RunEntry spawns a task running the named entry point with the given
// arguments copied into the sandbox, and returns a handle the host can
// await or cancel.
func (s *Sandbox) RunEntry(entry string, args []wire.Value) (*TaskHandle, error) {
	if s.ctx.Draining() {
		return nil, ErrContextDraining
	}
	module := s.ctx.Module()
	if module == nil {
		return nil, ErrNoModule
	}
	code, ok := module.Entry(entry)
	if !ok {
		return nil, fmt.Errorf("vm: %q: %w", entry, ErrEntryNotFound)
	}
	vals, err := MarshalAllIn(s.ctx, args)
	if err != nil {
		return nil, err
	}
	t, err := s.machine.sched.Spawn(s.ctx, code, vals, 0)
	if err != nil {
		return nil, err
	}
	return &TaskHandle{sched: s.machine.sched, task: t}, nil
}

// Stats is a point-in-time snapshot of a sandbox's resource accounting.
type Stats struct {
	HeapUsed  int64
	HeapPeak  int64
	HeapLimit int64

	TasksLive  int64
	TasksPeak  int64
	TasksLimit int64

	Steps      uint64
	StepsLimit uint64

	Collections uint64
}

// Stats reads the sandbox's counters.
func (s *Sandbox) Stats() Stats {
	gov := s.ctx.gov
	limits := gov.Limits()
	return Stats{
		HeapUsed:    gov.HeapBytes(),
		HeapPeak:    gov.PeakHeapBytes(),
		HeapLimit:   limits.HeapBytes,
		TasksLive:   gov.Tasks(),
		TasksPeak:   gov.PeakTasks(),
		TasksLimit:  limits.Tasks,
		Steps:       gov.Steps(),
		StepsLimit:  limits.Steps,
		Collections: s.ctx.Collections(),
	}
}

// Collect requests a garbage collection of this sandbox.
func (s *Sandbox) Collect() {
	s.ctx.RequestCollection()
}

// Terminate tears the sandbox down: cancels every task at its next
// safepoint, frees the heap, and removes the context from the registry.
// Handles to completed tasks stay readable because results were marshalled
// at completion. A second Terminate fails with ContextNotFound.
func (s *Sandbox) Terminate() error {
	if _, ok := s.machine.registry.Get(s.ctx.id); !ok {
		return fmt.Errorf("vm: context %d: %w", s.ctx.id, ErrContextNotFound)
	}
	s.machine.sched.DrainContext(s.ctx)
	if !s.machine.registry.Remove(s.ctx.id) {
		return fmt.Errorf("vm: context %d: %w", s.ctx.id, ErrContextNotFound)
	}
	log.Infof("sandbox %d terminated", s.ctx.id)
	return nil
}

// EntryHandler adapts an entry point of this sandbox into a capability
// Handler, so one sandbox's exports can be granted to another. The caller's
// arguments are already in wire form; the call runs and is awaited in this
// sandbox, and only the marshalled result crosses back.
func (s *Sandbox) EntryHandler(entry string) Handler {
	return func(args []wire.Value) (wire.Value, error) {
		h, err := s.RunEntry(entry, args)
		if err != nil {
			return wire.Null(), err
		}
		return h.Await(context.Background())
	}
}

// ---------------------------------------------------------------------------
// TaskHandle: the host's view of one task
// ---------------------------------------------------------------------------

// TaskHandle lets the host await or cancel a spawned task. The result is
// always the wire form captured at completion, so the handle outlives its
// sandbox's termination.
type TaskHandle struct {
	sched *Scheduler
	task  *Task
}

// ID returns the task id.
func (h *TaskHandle) ID() TaskID { return h.task.id }

// Status returns the task's current lifecycle state.
func (h *TaskHandle) Status() TaskStatus { return h.task.Status() }

// Await blocks until the task retires or ctx expires. Guest failures come
// back as a *GuestError; cancellation as ErrTaskCancelled.
func (h *TaskHandle) Await(ctx context.Context) (wire.Value, error) {
	select {
	case <-h.task.Done():
		return h.task.WireResult()
	case <-ctx.Done():
		return wire.Null(), ctx.Err()
	}
}

// Cancel requests cooperative cancellation. A blocked task is woken so it
// can observe the flag; a running one exits at its next safepoint.
func (h *TaskHandle) Cancel() {
	h.task.RequestCancel()
	h.sched.wake(h.task, nil)
}

// CancelAfter arms a cancellation timer. The returned timer can be stopped
// if the task finishes first.
func (h *TaskHandle) CancelAfter(d time.Duration) *time.Timer {
	return time.AfterFunc(d, h.Cancel)
}
