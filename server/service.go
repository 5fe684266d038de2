package server

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"connectrpc.com/connect"
	"github.com/tliron/commonlog"

	"github.com/kestrelvm/kestrel/bytecode"
	"github.com/kestrelvm/kestrel/snapshot"
	"github.com/kestrelvm/kestrel/vm"
)

var log = commonlog.GetLogger("kestrel.server")

// Procedure paths for the engine control plane.
const (
	ProcCreateSandbox = "/kestrel.v1.EngineService/CreateSandbox"
	ProcLoadModule    = "/kestrel.v1.EngineService/LoadModule"
	ProcRunEntry      = "/kestrel.v1.EngineService/RunEntry"
	ProcAwait         = "/kestrel.v1.EngineService/Await"
	ProcCancel        = "/kestrel.v1.EngineService/Cancel"
	ProcStats         = "/kestrel.v1.EngineService/Stats"
	ProcTerminate     = "/kestrel.v1.EngineService/Terminate"
	ProcFreeze        = "/kestrel.v1.EngineService/Freeze"
	ProcThaw          = "/kestrel.v1.EngineService/Thaw"
)

// defaultAwaitTimeout bounds Await calls that do not set their own.
const defaultAwaitTimeout = 30 * time.Second

type taskKey struct {
	ctx  vm.ContextID
	task vm.TaskID
}

// EngineService is the Connect handler for the engine control plane. It
// tracks task handles and loaded module blobs per sandbox, since the wire
// protocol refers to both by id.
type EngineService struct {
	machine  *vm.Machine
	defaults vm.ResourceLimits

	mu      sync.Mutex
	modules map[vm.ContextID][]byte
	tasks   map[taskKey]*vm.TaskHandle
}

// NewEngineService creates the service over a started machine.
func NewEngineService(machine *vm.Machine, defaults vm.ResourceLimits) *EngineService {
	return &EngineService{
		machine:  machine,
		defaults: defaults,
		modules:  make(map[vm.ContextID][]byte),
		tasks:    make(map[taskKey]*vm.TaskHandle),
	}
}

// pickLimit resolves a requested limit against the server default: zero
// inherits the default, negative means unlimited.
func pickLimit(req, def int64) int64 {
	switch {
	case req < 0:
		return 0
	case req == 0:
		return def
	default:
		return req
	}
}

func pickStepLimit(req, def uint64) uint64 {
	if req == 0 {
		return def
	}
	return req
}

// rpcError maps engine errors onto connect codes.
func rpcError(err error) *connect.Error {
	switch {
	case errors.Is(err, vm.ErrContextNotFound), errors.Is(err, vm.ErrEntryNotFound):
		return connect.NewError(connect.CodeNotFound, err)
	case errors.Is(err, vm.ErrResourceLimitExceeded):
		return connect.NewError(connect.CodeResourceExhausted, err)
	case errors.Is(err, vm.ErrContextDraining), errors.Is(err, vm.ErrContextBusy),
		errors.Is(err, vm.ErrNoModule):
		return connect.NewError(connect.CodeFailedPrecondition, err)
	default:
		return connect.NewError(connect.CodeInternal, err)
	}
}

func (s *EngineService) sandbox(id uint64) (*vm.Sandbox, *connect.Error) {
	sb, ok := s.machine.Sandbox(vm.ContextID(id))
	if !ok {
		return nil, rpcError(fmt.Errorf("context %d: %w", id, vm.ErrContextNotFound))
	}
	return sb, nil
}

// CreateSandbox creates an isolated sandbox with the requested limits.
func (s *EngineService) CreateSandbox(
	ctx context.Context,
	req *connect.Request[CreateSandboxRequest],
) (*connect.Response[CreateSandboxResponse], error) {
	limits := vm.ResourceLimits{
		HeapBytes: pickLimit(req.Msg.HeapBytes, s.defaults.HeapBytes),
		Tasks:     pickLimit(req.Msg.Tasks, s.defaults.Tasks),
		Steps:     pickStepLimit(req.Msg.Steps, s.defaults.Steps),
	}
	sb := s.machine.NewSandbox(vm.SandboxOptions{Limits: limits})
	return connect.NewResponse(&CreateSandboxResponse{ContextID: uint64(sb.ID())}), nil
}

// LoadModule decodes, verifies, and installs a module blob.
func (s *EngineService) LoadModule(
	ctx context.Context,
	req *connect.Request[LoadModuleRequest],
) (*connect.Response[LoadModuleResponse], error) {
	sb, cerr := s.sandbox(req.Msg.ContextID)
	if cerr != nil {
		return nil, cerr
	}
	module, err := bytecode.Decode(req.Msg.Module)
	if err != nil {
		return nil, connect.NewError(connect.CodeInvalidArgument, err)
	}
	sb.Load(module)

	s.mu.Lock()
	s.modules[sb.ID()] = req.Msg.Module
	s.mu.Unlock()

	names := make([]string, 0, len(module.Functions))
	for name := range module.Functions {
		names = append(names, name)
	}
	sort.Strings(names)
	return connect.NewResponse(&LoadModuleResponse{Functions: names}), nil
}

// RunEntry spawns a task and returns its id for Await.
func (s *EngineService) RunEntry(
	ctx context.Context,
	req *connect.Request[RunEntryRequest],
) (*connect.Response[RunEntryResponse], error) {
	sb, cerr := s.sandbox(req.Msg.ContextID)
	if cerr != nil {
		return nil, cerr
	}
	h, err := sb.RunEntry(req.Msg.Entry, req.Msg.Args)
	if err != nil {
		return nil, rpcError(err)
	}

	s.mu.Lock()
	s.tasks[taskKey{sb.ID(), h.ID()}] = h
	s.mu.Unlock()

	log.Debugf("context %d: running %q as task %d", sb.ID(), req.Msg.Entry, h.ID())
	return connect.NewResponse(&RunEntryResponse{TaskID: uint64(h.ID())}), nil
}

func (s *EngineService) handle(ctxID, taskID uint64) (*vm.TaskHandle, *connect.Error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	h, ok := s.tasks[taskKey{vm.ContextID(ctxID), vm.TaskID(taskID)}]
	if !ok {
		return nil, connect.NewError(connect.CodeNotFound,
			fmt.Errorf("server: unknown task %d in context %d", taskID, ctxID))
	}
	return h, nil
}

// Await blocks until the task retires. Guest failures come back in the
// response body, not as an rpc error: the call did what was asked.
func (s *EngineService) Await(
	ctx context.Context,
	req *connect.Request[AwaitRequest],
) (*connect.Response[AwaitResponse], error) {
	h, cerr := s.handle(req.Msg.ContextID, req.Msg.TaskID)
	if cerr != nil {
		return nil, cerr
	}

	timeout := defaultAwaitTimeout
	if req.Msg.TimeoutMillis > 0 {
		timeout = time.Duration(req.Msg.TimeoutMillis) * time.Millisecond
	}
	waitCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	result, err := h.Await(waitCtx)
	if errors.Is(err, context.DeadlineExceeded) {
		return nil, connect.NewError(connect.CodeDeadlineExceeded, err)
	}

	resp := &AwaitResponse{Status: h.Status().String()}
	switch {
	case err == nil:
		resp.Result = result
	case errors.Is(err, vm.ErrTaskCancelled):
		// Status already says cancelled.
	default:
		resp.GuestError = err.Error()
	}
	return connect.NewResponse(resp), nil
}

// Cancel requests cooperative cancellation of a task.
func (s *EngineService) Cancel(
	ctx context.Context,
	req *connect.Request[CancelRequest],
) (*connect.Response[CancelResponse], error) {
	h, cerr := s.handle(req.Msg.ContextID, req.Msg.TaskID)
	if cerr != nil {
		return nil, cerr
	}
	h.Cancel()
	return connect.NewResponse(&CancelResponse{}), nil
}

// Stats reads a sandbox's counters.
func (s *EngineService) Stats(
	ctx context.Context,
	req *connect.Request[StatsRequest],
) (*connect.Response[StatsResponse], error) {
	sb, cerr := s.sandbox(req.Msg.ContextID)
	if cerr != nil {
		return nil, cerr
	}
	st := sb.Stats()
	return connect.NewResponse(&StatsResponse{
		HeapUsed:    st.HeapUsed,
		HeapPeak:    st.HeapPeak,
		HeapLimit:   st.HeapLimit,
		TasksLive:   st.TasksLive,
		TasksPeak:   st.TasksPeak,
		TasksLimit:  st.TasksLimit,
		Steps:       st.Steps,
		StepsLimit:  st.StepsLimit,
		Collections: st.Collections,
	}), nil
}

// Terminate tears a sandbox down and forgets its bookkeeping. Task handles
// for the sandbox stay valid: completed results were captured in wire form.
func (s *EngineService) Terminate(
	ctx context.Context,
	req *connect.Request[TerminateRequest],
) (*connect.Response[TerminateResponse], error) {
	sb, cerr := s.sandbox(req.Msg.ContextID)
	if cerr != nil {
		return nil, cerr
	}
	if err := sb.Terminate(); err != nil {
		return nil, rpcError(err)
	}
	s.mu.Lock()
	delete(s.modules, sb.ID())
	s.mu.Unlock()
	return connect.NewResponse(&TerminateResponse{}), nil
}

// Freeze snapshots a quiescent sandbox.
func (s *EngineService) Freeze(
	ctx context.Context,
	req *connect.Request[FreezeRequest],
) (*connect.Response[FreezeResponse], error) {
	sb, cerr := s.sandbox(req.Msg.ContextID)
	if cerr != nil {
		return nil, cerr
	}
	s.mu.Lock()
	moduleData, ok := s.modules[sb.ID()]
	s.mu.Unlock()
	if !ok {
		return nil, rpcError(fmt.Errorf("context %d: %w", sb.ID(), vm.ErrNoModule))
	}
	blob, err := snapshot.Freeze(sb, moduleData)
	if err != nil {
		return nil, rpcError(err)
	}
	return connect.NewResponse(&FreezeResponse{Snapshot: blob}), nil
}

// Thaw restores a snapshot into a fresh sandbox.
func (s *EngineService) Thaw(
	ctx context.Context,
	req *connect.Request[ThawRequest],
) (*connect.Response[ThawResponse], error) {
	img, err := snapshot.Decode(req.Msg.Snapshot)
	if err != nil {
		return nil, connect.NewError(connect.CodeInvalidArgument, err)
	}

	// Unset request limits keep the snapshot's; negative means unlimited.
	opts := snapshot.ThawOptions{}
	if req.Msg.HeapBytes != 0 || req.Msg.Tasks != 0 || req.Msg.Steps != 0 {
		limits := vm.ResourceLimits{
			HeapBytes: img.HeapLimit,
			Tasks:     img.TaskLimit,
			Steps:     img.StepLimit,
		}
		if req.Msg.HeapBytes != 0 {
			limits.HeapBytes = pickLimit(req.Msg.HeapBytes, 0)
		}
		if req.Msg.Tasks != 0 {
			limits.Tasks = pickLimit(req.Msg.Tasks, 0)
		}
		if req.Msg.Steps != 0 {
			limits.Steps = req.Msg.Steps
		}
		opts.Limits = &limits
	}

	sb, err := snapshot.Thaw(s.machine, req.Msg.Snapshot, opts)
	if err != nil {
		if errors.Is(err, vm.ErrResourceLimitExceeded) {
			return nil, rpcError(err)
		}
		return nil, connect.NewError(connect.CodeInvalidArgument, err)
	}

	s.mu.Lock()
	s.modules[sb.ID()] = img.Module
	s.mu.Unlock()
	return connect.NewResponse(&ThawResponse{ContextID: uint64(sb.ID())}), nil
}
